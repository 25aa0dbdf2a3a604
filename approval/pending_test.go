package approval

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestWaitTimesOutWithinTolerance(t *testing.T) {
	p := NewPendingSet()

	start := time.Now()
	resp := p.Wait("req-1", 100*time.Millisecond)
	elapsed := time.Since(start)

	if resp.Approved {
		t.Fatal("timeout must never approve")
	}
	if resp.RespondedBy != TimeoutReviewer {
		t.Fatalf("RespondedBy = %q, want %q", resp.RespondedBy, TimeoutReviewer)
	}
	if !strings.Contains(resp.Reason, "timed out") {
		t.Fatalf("reason = %q, want mention of timeout", resp.Reason)
	}
	if elapsed < 100*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Fatalf("wait returned after %v, want ~100ms", elapsed)
	}
	if p.Len() != 0 {
		t.Fatalf("leaked waiter after timeout: len=%d", p.Len())
	}
}

func TestWaitResolvedByResponse(t *testing.T) {
	p := NewPendingSet()

	go func() {
		time.Sleep(20 * time.Millisecond)
		if !p.Resolve(Response{RequestID: "req-2", Approved: true, RespondedBy: "alice"}) {
			t.Error("Resolve returned false for a pending wait")
		}
	}()

	resp := p.Wait("req-2", 2*time.Second)
	if !resp.Approved || resp.RespondedBy != "alice" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if p.Len() != 0 {
		t.Fatal("leaked waiter after response")
	}
}

func TestResolveUnknownOrTwiceIsNoop(t *testing.T) {
	p := NewPendingSet()

	if p.Resolve(Response{RequestID: "never-registered"}) {
		t.Fatal("Resolve of unknown id must return false")
	}

	done := make(chan Response, 1)
	go func() { done <- p.Wait("req-3", time.Second) }()

	// Let the waiter register.
	for i := 0; i < 100 && p.Len() == 0; i++ {
		time.Sleep(time.Millisecond)
	}

	first := p.Resolve(Response{RequestID: "req-3", Approved: true, RespondedBy: "bob"})
	second := p.Resolve(Response{RequestID: "req-3", Approved: false, RespondedBy: "mallory"})
	if !first || second {
		t.Fatalf("first=%v second=%v, want true/false", first, second)
	}

	resp := <-done
	if !resp.Approved || resp.RespondedBy != "bob" {
		t.Fatalf("second resolve overwrote the first: %+v", resp)
	}
}

func TestDestroyResolvesAllPending(t *testing.T) {
	p := NewPendingSet()

	const n = 10
	results := make(chan Response, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- p.Wait(requestID(i), time.Minute)
		}(i)
	}

	for i := 0; i < 100 && p.Len() < n; i++ {
		time.Sleep(time.Millisecond)
	}
	if p.Len() != n {
		t.Fatalf("expected %d pending waits, got %d", n, p.Len())
	}

	start := time.Now()
	p.Destroy()
	wg.Wait()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Destroy took %v, want immediate resolution", elapsed)
	}

	close(results)
	count := 0
	for resp := range results {
		count++
		if resp.Approved {
			t.Fatal("Destroy must reject, never approve")
		}
		if resp.RespondedBy != TimeoutReviewer {
			t.Fatalf("RespondedBy = %q, want %q", resp.RespondedBy, TimeoutReviewer)
		}
	}
	if count != n {
		t.Fatalf("resolved %d of %d waits", count, n)
	}

	// Waits after Destroy resolve immediately.
	resp := p.Wait("late", time.Minute)
	if resp.Approved || resp.RespondedBy != TimeoutReviewer {
		t.Fatalf("post-destroy wait: %+v", resp)
	}
}

func TestConcurrentWaitsDoNotSerialize(t *testing.T) {
	p := NewPendingSet()

	const n = 20
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.Wait(requestID(i), 100*time.Millisecond)
		}(i)
	}
	wg.Wait()

	// Serialized waits would take n*100ms; fan-out finishes in ~one timeout.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("%d concurrent waits took %v", n, elapsed)
	}
}

func TestResolveRacesTimeout(t *testing.T) {
	// A response landing at the same instant as the timer must be
	// delivered exactly once, to exactly one of the two outcomes.
	for i := 0; i < 100; i++ {
		p := NewPendingSet()
		done := make(chan Response, 1)
		go func() { done <- p.Wait("race", 2*time.Millisecond) }()

		time.Sleep(2 * time.Millisecond)
		p.Resolve(Response{RequestID: "race", Approved: true, RespondedBy: "carol"})

		resp := <-done
		if resp.Approved && resp.RespondedBy != "carol" {
			t.Fatalf("approved response from unexpected reviewer: %+v", resp)
		}
		if !resp.Approved && resp.RespondedBy != TimeoutReviewer {
			t.Fatalf("rejection from unexpected reviewer: %+v", resp)
		}
		if p.Len() != 0 {
			t.Fatal("leaked waiter after race")
		}
	}
}

func requestID(i int) string {
	return fmt.Sprintf("req-%d", i)
}
