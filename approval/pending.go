package approval

import (
	"strings"
	"sync"
	"time"
)

// PendingSet tracks one waiter per request id. Each Wait owns exactly one
// timer and one buffered response channel; the pair is removed atomically
// whether the wait ends by response, timeout or Destroy. Waits for distinct
// ids never block each other.
//
// Channel implementations share a PendingSet so their ListenForResponse and
// Destroy semantics cannot drift from the contract.
type PendingSet struct {
	mu        sync.Mutex
	waiters   map[string]chan Response
	destroyed bool
}

func NewPendingSet() *PendingSet {
	return &PendingSet{waiters: make(map[string]chan Response)}
}

// Wait blocks until a response for requestID arrives via Resolve, the
// timeout elapses, or the set is destroyed. It always returns a Response;
// on timeout or shutdown the response is a synthetic rejection with
// RespondedBy = TimeoutReviewer.
func (p *PendingSet) Wait(requestID string, timeout time.Duration) Response {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" || timeout <= 0 {
		return timeoutResponse(requestID)
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return timeoutResponse(requestID)
	}
	if _, exists := p.waiters[requestID]; exists {
		// A second wait on the same id would race the first for the
		// single response. Refuse it with the fail-safe default.
		p.mu.Unlock()
		return timeoutResponse(requestID)
	}
	ch := make(chan Response, 1)
	p.waiters[requestID] = ch
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp
	case <-timer.C:
		p.mu.Lock()
		if _, still := p.waiters[requestID]; still {
			delete(p.waiters, requestID)
			p.mu.Unlock()
			return timeoutResponse(requestID)
		}
		p.mu.Unlock()
		// Resolve removed the entry before the timer won the select:
		// the response is already in flight on the buffered channel.
		return <-ch
	}
}

// Resolve delivers resp to the waiter for its request id. It returns false
// when no waiter is pending (unknown id, already resolved, or timed out) —
// a second resolution is a no-op, never an overwrite.
func (p *PendingSet) Resolve(resp Response) bool {
	id := strings.TrimSpace(resp.RequestID)
	if id == "" {
		return false
	}
	if resp.RespondedAt.IsZero() {
		resp.RespondedAt = time.Now().UTC()
	}

	p.mu.Lock()
	ch, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// Len reports the number of currently pending waits.
func (p *PendingSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// Destroy resolves every pending wait immediately with a timeout-shaped
// rejection and refuses all future waits. Safe to call more than once.
func (p *PendingSet) Destroy() {
	p.mu.Lock()
	p.destroyed = true
	pending := p.waiters
	p.waiters = make(map[string]chan Response)
	p.mu.Unlock()

	for id, ch := range pending {
		resp := timeoutResponse(id)
		resp.Reason = "approval channel shut down before a decision arrived (timed out)"
		ch <- resp
	}
}
