package diff

import (
	"errors"
	"fmt"
	"sync"
)

// ErrSharedBaseline is returned when a baseline owned by one session is
// claimed by another.
var ErrSharedBaseline = errors.New("baseline already owned by another session")

// Baseline holds the previous snapshot of each scope for one session.
// The zero value is not usable; create one with NewBaseline.
type Baseline struct {
	mu    sync.Mutex
	owner string
	prev  map[Scope]Snapshot
}

// NewBaseline creates an empty baseline.
func NewBaseline() *Baseline {
	return &Baseline{
		prev: make(map[Scope]Snapshot),
	}
}

// Claim binds the baseline to owner. Claiming again with the same owner is a
// no-op; claiming with a different owner fails with ErrSharedBaseline.
func (b *Baseline) Claim(owner string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.owner != "" && b.owner != owner {
		return fmt.Errorf("claim by %s: %w (owner %s)", owner, ErrSharedBaseline, b.owner)
	}
	b.owner = owner
	return nil
}

// Owner returns the session that claimed the baseline.
func (b *Baseline) Owner() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.owner
}

// Observe diffs cur against the previous snapshot of the same scope and
// stores a copy of cur as the next previous snapshot.
func (b *Baseline) Observe(scope Scope, cur Snapshot) []Change {
	b.mu.Lock()
	defer b.mu.Unlock()

	changes := Diff(b.prev[scope], cur, scope)
	if cur == nil {
		cur = Snapshot{}
	}
	b.prev[scope] = cur.Clone()
	return changes
}

// Previous returns a copy of the stored snapshot for scope, or nil when the
// scope has not been observed yet.
func (b *Baseline) Previous(scope Scope) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prev[scope].Clone()
}

// Reset forgets every stored snapshot. The owner is kept.
func (b *Baseline) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prev = make(map[Scope]Snapshot)
}
