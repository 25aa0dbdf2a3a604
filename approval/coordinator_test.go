package approval

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// failingChannel always fails the send. Listen should never be reached.
type failingChannel struct {
	listened bool
}

func (c *failingChannel) SendApprovalRequest(ctx context.Context, n Notification) (string, error) {
	return "", fmt.Errorf("connection refused")
}

func (c *failingChannel) ListenForResponse(requestID string, timeout time.Duration) Response {
	c.listened = true
	return timeoutResponse(requestID)
}

func (c *failingChannel) SendAlert(ctx context.Context, message string) {}
func (c *failingChannel) Destroy()                                      {}

type recordingSink struct {
	mu      sync.Mutex
	results []Request
}

func (s *recordingSink) DeliverApprovalResult(ctx context.Context, rec Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, rec)
	return nil
}

func TestRequestExternalApproved(t *testing.T) {
	ch := NewInprocChannel()
	c := NewCoordinator(2*time.Second, WithChannel(ch))

	done := make(chan Response, 1)
	go func() {
		done <- c.RequestExternal(context.Background(), Notification{
			RequestID:  "ext-1",
			AgentName:  "worker-1",
			ActionType: "exec_command",
		})
	}()

	// Wait for the notification to be sent, then answer it.
	for i := 0; i < 200; i++ {
		if len(ch.Notifications()) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !ch.Respond(Response{RequestID: "ext-1", Approved: true, RespondedBy: "operator"}) {
		t.Fatal("no waiter registered for ext-1")
	}

	resp := <-done
	if !resp.Approved || resp.RespondedBy != "operator" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(c.Pending()) != 0 {
		t.Fatal("record left pending after resolution")
	}
}

func TestRequestExternalTimeoutRejects(t *testing.T) {
	ch := NewInprocChannel()
	c := NewCoordinator(100*time.Millisecond, WithChannel(ch))

	start := time.Now()
	resp := c.RequestExternal(context.Background(), Notification{RequestID: "ext-2"})
	elapsed := time.Since(start)

	if resp.Approved {
		t.Fatal("timeout must reject")
	}
	if resp.RespondedBy != TimeoutReviewer {
		t.Fatalf("RespondedBy = %q", resp.RespondedBy)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("external wait returned after %v, want ~100ms", elapsed)
	}
	if len(c.Pending()) != 0 {
		t.Fatal("record left pending after timeout")
	}
}

func TestRequestExternalTransportFailure(t *testing.T) {
	ch := &failingChannel{}
	c := NewCoordinator(time.Minute, WithChannel(ch))

	resp := c.RequestExternal(context.Background(), Notification{RequestID: "ext-3"})
	if resp.Approved {
		t.Fatal("transport failure must reject")
	}
	if resp.RespondedBy != TransportFailureReviewer {
		t.Fatalf("RespondedBy = %q, want %q", resp.RespondedBy, TransportFailureReviewer)
	}
	if !strings.Contains(resp.Reason, "could not be delivered") {
		t.Fatalf("reason = %q", resp.Reason)
	}
	if ch.listened {
		t.Fatal("must not wait out the timeout after a failed send")
	}
}

func TestInternalResolveExactlyOnce(t *testing.T) {
	sink := &recordingSink{}
	c := NewCoordinator(time.Minute, WithResultSink(sink))
	ctx := context.Background()

	rec, err := c.RequestInternal(ctx, Notification{
		RequestID:   "int-1",
		AgentName:   "worker-2",
		ActionType:  "write_file",
		SafetyLevel: "moderate",
	})
	if err != nil {
		t.Fatalf("RequestInternal: %v", err)
	}
	if rec.Status != StatusPending {
		t.Fatalf("status = %q", rec.Status)
	}
	if len(c.Pending()) != 1 {
		t.Fatal("expected one pending record")
	}

	if err := c.ResolveApproval(ctx, "int-1", true, "orchestrator", "looks fine"); err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	if err := c.ResolveApproval(ctx, "int-1", false, "mallory", ""); err == nil {
		t.Fatal("second resolution must fail, not overwrite")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.results) != 1 {
		t.Fatalf("sink got %d results, want 1", len(sink.results))
	}
	got := sink.results[0]
	if got.Status != StatusApproved || got.ReviewedBy != "orchestrator" {
		t.Fatalf("delivered record: %+v", got)
	}
}

func TestInternalResolveUnknown(t *testing.T) {
	c := NewCoordinator(time.Minute)
	if err := c.ResolveApproval(context.Background(), "ghost", true, "anyone", ""); err == nil {
		t.Fatal("expected error for unknown request id")
	}
}

func TestInternalDuplicatePending(t *testing.T) {
	c := NewCoordinator(time.Minute)
	ctx := context.Background()
	if _, err := c.RequestInternal(ctx, Notification{RequestID: "dup"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.RequestInternal(ctx, Notification{RequestID: "dup"}); err == nil {
		t.Fatal("expected error for duplicate pending id")
	}
}

func TestInternalResolveExpired(t *testing.T) {
	c := NewCoordinator(time.Minute)
	ctx := context.Background()
	rec, err := c.RequestInternal(ctx, Notification{RequestID: "exp-1"})
	if err != nil {
		t.Fatal(err)
	}

	// Force the deadline into the past.
	c.mu.Lock()
	c.pending[rec.ID].ExpiresAt = time.Now().Add(-time.Second)
	c.mu.Unlock()

	err = c.ResolveApproval(ctx, "exp-1", true, "operator", "")
	if err == nil || !strings.Contains(err.Error(), "expired") {
		t.Fatalf("err = %v, want expiry", err)
	}
	if len(c.Pending()) != 0 {
		t.Fatal("expired record still pending")
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "approvals.db")
	st, err := NewSQLiteStore(dsn)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	rec := Request{
		ID:          "sql-1",
		AgentID:     "worker-3",
		AgentRole:   "worker",
		ActionType:  "exec_command",
		SafetyLevel: "dangerous",
		Description: "run database migration",
	}
	if err := st.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, ok, err := st.Get(ctx, "sql-1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Status != StatusPending || got.ActionType != "exec_command" {
		t.Fatalf("Get: %+v", got)
	}

	if err := st.Resolve(ctx, "sql-1", StatusApproved, "operator", "ok"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got, _, err = st.Get(ctx, "sql-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusApproved || got.ReviewedBy != "operator" || got.ReviewedAt.IsZero() {
		t.Fatalf("resolved record: %+v", got)
	}

	// A second resolve on a terminal record changes nothing.
	if err := st.Resolve(ctx, "sql-1", StatusRejected, "mallory", "nope"); err != nil {
		t.Fatalf("Resolve should be a no-op, got %v", err)
	}
	got, _, _ = st.Get(ctx, "sql-1")
	if got.Status != StatusApproved {
		t.Fatalf("terminal record was overwritten: %+v", got)
	}

	if err := st.Resolve(ctx, "sql-1", StatusPending, "x", ""); err == nil {
		t.Fatal("Resolve to a non-terminal status must error")
	}

	if _, ok, _ := st.Get(ctx, "missing"); ok {
		t.Fatal("Get of missing id must report not found")
	}
}

func TestCoordinatorCloseUnblocksExternalWaits(t *testing.T) {
	ch := NewInprocChannel()
	c := NewCoordinator(time.Minute, WithChannel(ch))

	const n = 5
	var wg sync.WaitGroup
	results := make(chan Response, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- c.RequestExternal(context.Background(), Notification{
				RequestID: fmt.Sprintf("close-%d", i),
			})
		}(i)
	}

	for i := 0; i < 200 && len(ch.Notifications()) < n; i++ {
		time.Sleep(time.Millisecond)
	}

	c.Close()
	wg.Wait()
	close(results)
	for resp := range results {
		if resp.Approved {
			t.Fatal("shutdown must reject")
		}
		if resp.RespondedBy != TimeoutReviewer {
			t.Fatalf("RespondedBy = %q", resp.RespondedBy)
		}
	}
}
