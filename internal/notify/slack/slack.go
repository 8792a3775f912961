// Package slack delivers news messages to Slack via incoming webhooks.
package slack

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

const (
	maxSectionLen = 3000
	httpTimeout   = 10 * time.Second
)

// Notifier sends news messages to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a new Slack notifier. If webhookURL is empty, Send returns news.ErrNotConfigured.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// Send posts a message to the configured Slack webhook.
func (n *Notifier) Send(ctx context.Context, msg news.Message) error {
	if n.webhookURL == "" {
		return news.ErrNotConfigured
	}

	body, err := json.Marshal(buildMessage(msg))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(m news.Message) map[string]any {
	blocks := []map[string]any{headerBlock(m), {"type": "divider"}}

	switch m.Kind {
	case news.KindDigest:
		for _, text := range digestSections(m.Entries) {
			blocks = append(blocks, section(text))
		}
	case news.KindReport:
		blocks = append(blocks, section(truncate(m.Body, maxSectionLen)))
	default:
		blocks = append(blocks, fieldsBlock(m))
		if m.Body != "" {
			blocks = append(blocks, section(truncate(m.Body, maxSectionLen)))
		}
		if m.Link != "" {
			blocks = append(blocks, section(fmt.Sprintf("<%s|View source>", m.Link)))
		}
	}

	if m.Note != "" {
		blocks = append(blocks, map[string]any{
			"type":     "context",
			"elements": []map[string]any{{"type": "mrkdwn", "text": m.Note}},
		})
	}

	return map[string]any{
		"text":   fallbackText(m),
		"blocks": blocks,
	}
}

func headerBlock(m news.Message) map[string]any {
	var text string
	switch m.Kind {
	case news.KindDigest:
		text = fmt.Sprintf("\U0001f4cb %s (%d)", m.Title, len(m.Entries))
	case news.KindReport:
		text = "\U0001f4ca " + m.Title
	default:
		text = fmt.Sprintf("%s %s", tagEmoji(m.Tags), m.Title)
	}
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			// header blocks are capped at 150 characters
			"text": truncate(text, 150),
		},
	}
}

func fieldsBlock(m news.Message) map[string]any {
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Tags:* %s", news.JoinTags(m.Tags))},
	}
	if !m.At.IsZero() {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Published:* %s", m.At.Format("2006-01-02 15:04")),
		})
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

// digestSections packs entries into sections under the Slack text limit.
func digestSections(entries []news.DigestEntry) []string {
	var (
		out []string
		cur strings.Builder
	)
	for i, e := range entries {
		line := fmt.Sprintf("%d. *[%s]* <%s|%s>", i+1, e.Tags, e.URL, e.Title)
		if e.Preview != "" {
			line += "\n    " + e.Preview
		}
		line = truncate(line, maxSectionLen)
		if cur.Len() > 0 && cur.Len()+len(line)+2 > maxSectionLen {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func section(text string) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": text},
	}
}

func fallbackText(m news.Message) string {
	if m.Kind == news.KindDigest {
		return fmt.Sprintf("%s (%d)", m.Title, len(m.Entries))
	}
	return m.Title
}

func tagEmoji(tags []string) string {
	switch {
	case slices.Contains(tags, news.TagSecurity):
		return "\U0001f534" // red circle
	case slices.Contains(tags, news.TagCompliance):
		return "\U0001f7e0" // orange circle
	default:
		return "\U0001f535" // blue circle
	}
}

// truncate limits s to limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
