// Package permission implements the rendezvous that gates dangerous tool
// executions on explicit user consent.
package permission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when resolving an unknown or already resolved
// permission id.
var ErrNotFound = fmt.Errorf("permission id not found")

// Broker correlates outbound permission requests with asynchronous client
// responses. It is process-wide; entries are keyed by freshly generated ids
// and removed on resolution or timeout.
type Broker struct {
	mu      sync.Mutex
	pending map[string]chan bool
	timeout time.Duration
}

func NewBroker(timeout time.Duration) *Broker {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Broker{
		pending: make(map[string]chan bool),
		timeout: timeout,
	}
}

// NewRequestID allocates a fresh permission id.
func (b *Broker) NewRequestID() string {
	return "perm_" + uuid.NewString()
}

// Register creates the pending entry for id. Callers register before
// announcing the id so a response arriving immediately still finds it.
func (b *Broker) Register(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.pending[id]; !exists {
		b.pending[id] = make(chan bool, 1)
	}
}

// Await blocks until the caller resolves id, the timeout elapses, or ctx is
// cancelled. Timeout and cancellation count as denial. The pending entry is
// always removed before returning. Ids not yet registered are registered
// here.
func (b *Broker) Await(ctx context.Context, id string) bool {
	b.mu.Lock()
	ch, ok := b.pending[id]
	if !ok {
		ch = make(chan bool, 1)
		b.pending[id] = ch
	}
	b.mu.Unlock()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case granted := <-ch:
		return granted
	case <-timer.C:
	case <-ctx.Done():
	}

	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
	return false
}

// Cancel drops a registered id that will never be awaited.
func (b *Broker) Cancel(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// Resolve delivers the user's decision. The first resolver wins; later
// calls and unknown ids get ErrNotFound.
func (b *Broker) Resolve(id string, granted bool) error {
	b.mu.Lock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	ch <- granted
	return nil
}

// PendingCount reports the number of unresolved requests.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
