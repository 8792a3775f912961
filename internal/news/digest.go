package news

import (
	"fmt"
	"slices"
	"time"
)

// previewRunes is the digest body preview length.
const previewRunes = 150

// BuildDigest renders records into one digest message covering [from, to].
// Entries are ordered by PublishedAt, newest first.
func BuildDigest(records []*FlashRecord, from, to time.Time) Message {
	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, func(a, b *FlashRecord) int {
		return b.PublishedAt.Compare(a.PublishedAt)
	})

	entries := make([]DigestEntry, 0, len(sorted))
	for _, r := range sorted {
		entries = append(entries, DigestEntry{
			Tags:    r.JoinedTags(),
			Title:   r.Title,
			Preview: Truncate(r.Body, previewRunes),
			URL:     r.URL,
		})
	}

	return Message{
		Kind:    KindDigest,
		Title:   fmt.Sprintf("Sentinel 定时汇总 (%s ~ %s)", from.Format("15:04"), to.Format("15:04")),
		At:      to,
		Entries: entries,
		Note:    "统计时间: " + to.Format("2006-01-02 15:04"),
	}
}

// AlertMessage renders a single flash for realtime delivery. The body is not truncated.
func AlertMessage(r *FlashRecord) Message {
	return Message{
		Kind:  KindAlert,
		Title: r.Title,
		Body:  r.Body,
		Link:  r.URL,
		Tags:  slices.Clone(r.Tags),
		At:    r.PublishedAt,
	}
}

// Truncate cuts s to limit runes and appends "..." when it was longer.
func Truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
