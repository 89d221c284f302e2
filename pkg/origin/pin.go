package origin

import (
	"errors"
	"fmt"
	"sync"
)

// ErrAlreadyPinned is returned by Pin.Set when a different origin is
// already pinned. A session whose pin would change must be torn down and
// re-established as a new session.
var ErrAlreadyPinned = errors.New("origin already pinned")

// Pin is a write-once origin slot. It starts unpinned; once set it never
// changes for the lifetime of the session that owns it. The transition
// Unpinned -> Pinned(origin) is the only one Pin permits, which makes the
// monotonic-pin invariant structural rather than a convention.
//
// The zero value is an unpinned Pin ready for use.
type Pin struct {
	mu     sync.Mutex
	origin Origin
	set    bool
}

// Set pins the given origin. Setting the same origin again is a no-op;
// setting a different one fails with ErrAlreadyPinned.
func (p *Pin) Set(o Origin) error {
	if o == "" || o.IsWildcard() {
		return fmt.Errorf("%w: %q", ErrEmptyOrigin, o)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.set {
		if p.origin != o {
			return fmt.Errorf("%w: %q, attempted %q", ErrAlreadyPinned, p.origin, o)
		}
		return nil
	}

	p.origin = o
	p.set = true
	return nil
}

// Get returns the pinned origin and whether the pin is set.
func (p *Pin) Get() (Origin, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.origin, p.set
}

// IsSet returns true once an origin has been pinned.
func (p *Pin) IsSet() bool {
	_, ok := p.Get()
	return ok
}
