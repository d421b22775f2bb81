package snapshot

import (
	"fmt"
	"regexp"
	"sync/atomic"
)

func compileRegex(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(pattern)
}

// Publisher holds the currently active Snapshot behind a single
// atomic.Pointer. Reads are a wait-free atomic load; writes validate
// the candidate snapshot and, only if it passes, atomically swap it in
// with a strictly increasing Generation. An in-flight reader that
// already loaded the old snapshot keeps a valid, complete view of it —
// nothing is mutated out from under it — so configuration atomicity
// holds without any reader-side locking.
type Publisher struct {
	current atomic.Pointer[Snapshot]
}

// NewPublisher creates a Publisher with an already-validated initial
// snapshot installed at generation 0 (or whatever Generation it already
// carries).
func NewPublisher(initial *Snapshot) *Publisher {
	p := &Publisher{}
	p.current.Store(initial)
	return p
}

// Load performs the single atomic read the hot path is allowed: no
// locks, no blocking.
func (p *Publisher) Load() *Snapshot {
	return p.current.Load()
}

// Publish validates next and, if valid and its Generation is strictly
// greater than the currently active snapshot's, atomically installs it.
// On validation failure the active snapshot is left untouched and the
// error is returned to the management plane.
func (p *Publisher) Publish(next *Snapshot) error {
	current := p.current.Load()
	if current != nil && next.Generation <= current.Generation {
		return fmt.Errorf("snapshot: generation %d is not strictly greater than current generation %d", next.Generation, current.Generation)
	}

	validated, err := Validate(next)
	if err != nil {
		return err
	}

	p.current.Store(validated)
	return nil
}
