package news

import "time"

// SetNow overrides the pipeline clock.
func (p *Pipeline) SetNow(fn func() time.Time) { p.now = fn }

// SetNow overrides the dispatcher clock.
func (d *Dispatcher) SetNow(fn func() time.Time) { d.now = fn }
