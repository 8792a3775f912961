package news

import (
	"context"
	"errors"
	"time"
)

// ErrNotConfigured is returned by a transport with no endpoint. The message is
// logged instead of delivered and counts as not accepted.
var ErrNotConfigured = errors.New("news: notification transport not configured")

// MessageKind selects how a transport renders a Message.
type MessageKind string

const (
	// KindAlert is a single realtime item
	KindAlert MessageKind = "alert"

	// KindDigest is an interval summary of several items
	KindDigest MessageKind = "digest"

	// KindReport is a period report
	KindReport MessageKind = "report"
)

// DigestEntry is one line of a digest.
type DigestEntry struct {
	Tags    string
	Title   string
	Preview string
	URL     string
}

// Message is the structured payload handed to a Transport.
type Message struct {
	Kind    MessageKind
	Title   string
	Body    string
	Link    string
	Tags    []string
	At      time.Time
	Entries []DigestEntry
	Note    string
}

// Transport delivers a message and returns nil only if the remote end accepted it.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// LogTransport is the transport used when no webhook is configured.
type LogTransport struct{}

// Send implements Transport.
func (LogTransport) Send(context.Context, Message) error { return ErrNotConfigured }
