package news

import (
	"fmt"
	"os"
	"strings"

	"github.com/cloudflare/ahocorasick"
	"gopkg.in/yaml.v3"
)

// Category is one whitelist bucket. A single term hit emits Tag once.
type Category struct {
	Tag   string   `yaml:"tag"`
	Terms []string `yaml:"terms"`
}

// Taxonomy is the keyword configuration. Deny terms veto every category.
type Taxonomy struct {
	Deny       []string   `yaml:"deny"`
	Categories []Category `yaml:"categories"`
}

// DefaultTaxonomy returns the built-in term lists, categories in evaluation order.
func DefaultTaxonomy() Taxonomy {
	return Taxonomy{
		Deny: []string{
			"赞助", "广告", "推广", "空投", "抽奖", "赠送", "邀请", "返佣",
			"峰会预告", "早报", "晚报", "行情分析", "涨幅", "跌幅", "狂送", "直播",
		},
		Categories: []Category{
			{Tag: TagSecurity, Terms: []string{
				"KYT", "风控", "安全", "盗币", "被盗", "黑客", "攻击", "漏洞",
				"私钥", "泄露", "钓鱼", "Rug", "跑路", "赔偿", "异动",
			}},
			{Tag: TagCompliance, Terms: []string{
				"监管", "合规", "洗钱", "反洗钱", "涉嫌", "非法", "制裁", "SEC", "FCA",
				"SFC", "证监会", "司法部", "起诉", "罚款", "牌照", "实名", "冻结", "立法",
			}},
			{Tag: TagMacro, Terms: []string{
				"美联储", "利率", "加息", "降息", "CPI", "通胀", "鲍威尔",
			}},
		},
	}
}

// LoadTaxonomy reads a YAML taxonomy file.
func LoadTaxonomy(path string) (Taxonomy, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is from trusted config
	if err != nil {
		return Taxonomy{}, fmt.Errorf("read taxonomy: %w", err)
	}
	var t Taxonomy
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Taxonomy{}, fmt.Errorf("parse taxonomy %s: %w", path, err)
	}
	if len(t.Categories) == 0 {
		return Taxonomy{}, fmt.Errorf("taxonomy %s: no categories", path)
	}
	for i, c := range t.Categories {
		if c.Tag == "" {
			return Taxonomy{}, fmt.Errorf("taxonomy %s: category %d has no tag", path, i)
		}
	}
	return t, nil
}

type categoryMatcher struct {
	tag     string
	matcher *ahocorasick.Matcher
}

// Classifier maps text to risk tags. Safe for concurrent use.
type Classifier struct {
	deny       *ahocorasick.Matcher
	categories []categoryMatcher
}

// NewClassifier builds one automaton per term list.
func NewClassifier(t Taxonomy) *Classifier {
	c := &Classifier{deny: newMatcher(t.Deny)}
	for _, cat := range t.Categories {
		c.categories = append(c.categories, categoryMatcher{
			tag:     cat.Tag,
			matcher: newMatcher(cat.Terms),
		})
	}
	return c
}

// Classify returns the tags matched by title and body, in category order.
// Any deny term yields no tags.
func (c *Classifier) Classify(title, body string) []string {
	if title == "" && body == "" {
		return nil
	}
	text := []byte(strings.ToLower(title + " " + body))

	if hits(c.deny, text) {
		return nil
	}

	var tags []string
	for _, cat := range c.categories {
		if hits(cat.matcher, text) {
			tags = append(tags, cat.tag)
		}
	}
	return tags
}

func newMatcher(terms []string) *ahocorasick.Matcher {
	norm := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			norm = append(norm, t)
		}
	}
	if len(norm) == 0 {
		return nil
	}
	return ahocorasick.NewStringMatcher(norm)
}

func hits(m *ahocorasick.Matcher, text []byte) bool {
	return m != nil && len(m.Match(text)) > 0
}
