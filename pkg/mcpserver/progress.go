package mcpserver

import (
	"encoding/json"
	"sync"
	"time"
)

// progressMinInterval throttles progress notifications so a chatty
// pipeline cannot flood the stream.
const progressMinInterval = 250 * time.Millisecond

// progressNotification is the wire form of notifications/progress.
type progressNotification struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  progressParams `json:"params"`
}

type progressParams struct {
	ProgressToken json.RawMessage `json:"progressToken"`
	Progress      float64         `json:"progress"`
	Total         float64         `json:"total,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// ProgressReporter emits monotonic, throttled progress notifications
// for one request. Regressing values are dropped; the final value is
// always delivered.
type ProgressReporter struct {
	token json.RawMessage
	send  func(progressNotification)
	now   func() time.Time

	mu       sync.Mutex
	last     float64
	lastSent time.Time
}

// NewProgressReporter builds a reporter bound to a progress token.
// send is called synchronously for each emitted notification.
func NewProgressReporter(token json.RawMessage, send func(progressNotification)) *ProgressReporter {
	return &ProgressReporter{token: token, send: send, now: time.Now}
}

// Report emits progress toward total. Values must increase; calls that
// arrive faster than the throttle interval are dropped unless they
// complete the operation.
func (p *ProgressReporter) Report(progress, total float64, message string) {
	if p == nil || p.send == nil {
		return
	}
	p.mu.Lock()
	if progress <= p.last {
		p.mu.Unlock()
		return
	}
	final := total > 0 && progress >= total
	now := p.now()
	if !final && !p.lastSent.IsZero() && now.Sub(p.lastSent) < progressMinInterval {
		p.mu.Unlock()
		return
	}
	p.last = progress
	p.lastSent = now
	p.mu.Unlock()

	p.send(progressNotification{
		JSONRPC: "2.0",
		Method:  "notifications/progress",
		Params: progressParams{
			ProgressToken: p.token,
			Progress:      progress,
			Total:         total,
			Message:       message,
		},
	})
}
