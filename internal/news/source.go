package news

import "context"

// Source produces a finite batch of raw items per call.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]RawItem, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc struct {
	SourceName string
	Fn         func(ctx context.Context) ([]RawItem, error)
}

// Name implements Source.
func (s SourceFunc) Name() string { return s.SourceName }

// Fetch implements Source.
func (s SourceFunc) Fetch(ctx context.Context) ([]RawItem, error) { return s.Fn(ctx) }
