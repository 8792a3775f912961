// Package feishu delivers news messages to a Feishu (Lark) bot webhook as interactive cards.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/linnemanlabs/sentinel/internal/news"
)

// maxContentLen caps report bodies. Alerts carry the full text.
const (
	httpTimeout   = 10 * time.Second
	maxContentLen = 8000
	timeLayout    = "2006-01-02 15:04"
)

// Notifier posts cards to a Feishu bot webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a Feishu notifier. If webhookURL is empty, Send returns news.ErrNotConfigured.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// ack is the webhook reply. Newer endpoints use code, older ones StatusCode.
type ack struct {
	Code          *int   `json:"code"`
	Msg           string `json:"msg"`
	StatusCode    *int   `json:"StatusCode"`
	StatusMessage string `json:"StatusMessage"`
}

// Send implements news.Transport. It succeeds only on a 2xx reply whose body
// carries a zero code.
func (n *Notifier) Send(ctx context.Context, msg news.Message) error {
	if n.webhookURL == "" {
		return news.ErrNotConfigured
	}

	body, err := json.Marshal(buildCard(msg))
	if err != nil {
		return fmt.Errorf("feishu: marshal card: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("feishu: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("feishu: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("feishu: webhook returned %d: %s", resp.StatusCode, truncate(string(respBody), 512))
	}

	var a ack
	if err := json.Unmarshal(respBody, &a); err != nil {
		return fmt.Errorf("feishu: malformed acknowledgement: %w", err)
	}
	switch {
	case a.Code != nil && *a.Code == 0:
		return nil
	case a.Code != nil:
		return fmt.Errorf("feishu: rejected with code %d: %s", *a.Code, a.Msg)
	case a.StatusCode != nil && *a.StatusCode == 0:
		return nil
	case a.StatusCode != nil:
		return fmt.Errorf("feishu: rejected with status %d: %s", *a.StatusCode, a.StatusMessage)
	default:
		return fmt.Errorf("feishu: acknowledgement has no code: %s", truncate(string(respBody), 512))
	}
}

func buildCard(m news.Message) map[string]any {
	var (
		template string
		title    string
		elements []map[string]any
	)

	switch m.Kind {
	case news.KindDigest:
		template = "turquoise"
		title = fmt.Sprintf("📋 %s (%d条)", m.Title, len(m.Entries))
		elements = append(elements, markdown(digestText(m.Entries)))
	case news.KindReport:
		template = "purple"
		title = "📊 " + m.Title
		elements = append(elements, markdown(truncate(m.Body, maxContentLen)))
	default:
		template = alertColor(m.Tags)
		title = "🚨 Sentinel 监控预警: " + m.Title
		elements = append(elements, markdown(alertText(m)))
	}

	if m.Link != "" {
		elements = append(elements, map[string]any{
			"tag": "action",
			"actions": []map[string]any{{
				"tag":  "button",
				"text": map[string]any{"content": "查看详情", "tag": "plain_text"},
				"url":  m.Link,
				"type": "primary",
			}},
		})
	}
	if m.Note != "" {
		elements = append(elements, map[string]any{
			"tag":      "note",
			"elements": []map[string]any{{"tag": "plain_text", "content": m.Note}},
		})
	}

	return map[string]any{
		"msg_type": "interactive",
		"card": map[string]any{
			"config": map[string]any{"wide_screen_mode": true},
			"header": map[string]any{
				"template": template,
				"title":    map[string]any{"content": title, "tag": "plain_text"},
			},
			"elements": elements,
		},
	}
}

func markdown(content string) map[string]any {
	return map[string]any{
		"tag":  "div",
		"text": map[string]any{"content": content, "tag": "lark_md"},
	}
}

func alertText(m news.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**标签:** %s\n", news.JoinTags(m.Tags))
	if !m.At.IsZero() {
		fmt.Fprintf(&b, "**时间:** %s\n", m.At.Format(timeLayout))
	}
	b.WriteString("\n")
	b.WriteString(m.Body)
	return b.String()
}

func digestText(entries []news.DigestEntry) string {
	lines := make([]string, 0, len(entries))
	for i, e := range entries {
		line := fmt.Sprintf("%d. **[%s]** [%s](%s)", i+1, e.Tags, e.Title, e.URL)
		if e.Preview != "" {
			line += "\n   - " + e.Preview
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n\n")
}

// alertColor picks the header colour by the most severe tag.
func alertColor(tags []string) string {
	switch {
	case slices.Contains(tags, news.TagSecurity):
		return "red"
	case slices.Contains(tags, news.TagCompliance):
		return "orange"
	default:
		return "blue"
	}
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
