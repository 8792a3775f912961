// Package source builds news.Source adapters from configuration.
package source

import (
	"crypto/md5" //nolint:gosec // G501: dedup key, not a security boundary
	"encoding/hex"
	"time"
)

// isoLayout matches the publish-time rendering used in existing fingerprints.
const isoLayout = "2006-01-02T15:04:05"

// Fingerprint derives the dedup identifier from a title and publish time.
// A zero publish time hashes the title alone.
func Fingerprint(title string, publishedAt time.Time) string {
	key := title
	if !publishedAt.IsZero() {
		key += publishedAt.Format(isoLayout)
	}
	sum := md5.Sum([]byte(key)) //nolint:gosec // G401: see import
	return hex.EncodeToString(sum[:])
}
