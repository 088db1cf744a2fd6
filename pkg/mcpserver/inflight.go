package mcpserver

import (
	"context"
	"sync"
	"time"
)

const (
	// cancelGrace keeps completed entries around so a cancellation
	// racing the response is a no-op instead of a miss.
	cancelGrace = 5 * time.Second

	// inflightSweepInterval is how often finished entries past their
	// grace period are collected.
	inflightSweepInterval = time.Minute
)

type inflightKey struct {
	sessionID string
	requestID string
}

type inflightEntry struct {
	cancel      context.CancelFunc
	identityKey string
	doneAt      time.Time
}

// Inflight tracks running requests so notifications/cancelled can stop
// them. Cancellation is honored only when the caller's session and
// identity match the original request.
type Inflight struct {
	mu      sync.Mutex
	entries map[inflightKey]*inflightEntry

	now    func() time.Time
	stopCh chan struct{}
	stop   sync.Once
	wg     sync.WaitGroup
}

// NewInflight creates the registry and starts its sweeper.
func NewInflight() *Inflight {
	f := &Inflight{
		entries: make(map[inflightKey]*inflightEntry),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	f.wg.Add(1)
	go f.sweeper()
	return f
}

// Register records a running request.
func (f *Inflight) Register(sessionID, requestID, identityKey string, cancel context.CancelFunc) {
	f.mu.Lock()
	f.entries[inflightKey{sessionID, requestID}] = &inflightEntry{
		cancel:      cancel,
		identityKey: identityKey,
	}
	f.mu.Unlock()
}

// Done marks a request finished. The entry stays for the grace period
// so late cancellations resolve quietly.
func (f *Inflight) Done(sessionID, requestID string) {
	f.mu.Lock()
	if e, ok := f.entries[inflightKey{sessionID, requestID}]; ok {
		e.cancel = nil
		e.doneAt = f.now()
	}
	f.mu.Unlock()
}

// Cancel stops a running request if session and identity both match.
// It returns true when the notification matched an entry, finished or
// not.
func (f *Inflight) Cancel(sessionID, requestID, identityKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[inflightKey{sessionID, requestID}]
	if !ok || e.identityKey != identityKey {
		return false
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
		e.doneAt = f.now()
	}
	return true
}

// Len returns the number of tracked entries, finished ones included.
func (f *Inflight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// Close stops the sweeper.
func (f *Inflight) Close() {
	f.stop.Do(func() { close(f.stopCh) })
	f.wg.Wait()
}

func (f *Inflight) sweeper() {
	defer f.wg.Done()
	ticker := time.NewTicker(inflightSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.sweep()
		case <-f.stopCh:
			return
		}
	}
}

func (f *Inflight) sweep() {
	now := f.now()
	f.mu.Lock()
	for k, e := range f.entries {
		if e.cancel == nil && !e.doneAt.IsZero() && now.Sub(e.doneAt) > cancelGrace {
			delete(f.entries, k)
		}
	}
	f.mu.Unlock()
}
