package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wardenhq/warden/approval"
)

// stubTransport answers sendMessage with a fixed message id and getUpdates
// with whatever updates the test queued.
type stubTransport struct {
	mu       sync.Mutex
	updates  []update
	sent     []string
	failSend bool
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, _ := io.ReadAll(req.Body)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case strings.HasSuffix(req.URL.Path, "/sendMessage"):
		if s.failSend {
			return jsonResponse(`{"ok":false,"description":"chat not found"}`), nil
		}
		var payload map[string]any
		_ = json.Unmarshal(body, &payload)
		if text, ok := payload["text"].(string); ok {
			s.sent = append(s.sent, text)
		}
		return jsonResponse(`{"ok":true,"result":{"message_id":42}}`), nil

	case strings.HasSuffix(req.URL.Path, "/getUpdates"):
		out := s.updates
		s.updates = nil
		b, _ := json.Marshal(map[string]any{"ok": true, "result": out})
		return jsonResponse(string(b)), nil
	}
	return jsonResponse(`{"ok":false,"description":"unknown method"}`), nil
}

func (s *stubTransport) queueReply(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update{
		UpdateID: int64(len(s.updates) + 1),
		Message: &message{
			From: &user{ID: 7, Username: "reviewer"},
			Chat: chat{ID: 100},
			Date: time.Now().Unix(),
			Text: text,
		},
	})
}

func (s *stubTransport) sentMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

func jsonResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestChannel(t *testing.T, st *stubTransport) *Channel {
	t.Helper()
	ch, err := New(Config{
		BotToken:     "test-token",
		ChatID:       100,
		APIBase:      "https://stub.invalid",
		PollInterval: 5 * time.Millisecond,
		HTTPClient:   &http.Client{Transport: st},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(ch.Destroy)
	return ch
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		text     string
		wantOK   bool
		approved bool
		id       string
		reason   string
	}{
		{"/approve req-1", true, true, "req-1", ""},
		{"/deny req-1 too risky", true, false, "req-1", "too risky"},
		{"/approve@wardenbot req-2", true, true, "req-2", ""},
		{"/reject req-3", true, false, "req-3", ""},
		{"/approve", false, false, "", ""},
		{"hello there", false, false, "", ""},
		{"", false, false, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			cmd, ok := parseCommand(tc.text)
			if ok != tc.wantOK {
				t.Fatalf("parseCommand(%q) ok=%v, want %v", tc.text, ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if cmd.Approved != tc.approved || cmd.RequestID != tc.id || cmd.Reason != tc.reason {
				t.Fatalf("parseCommand(%q) = %+v", tc.text, cmd)
			}
		})
	}
}

func TestSendAndReceiveApproval(t *testing.T) {
	st := &stubTransport{}
	ch := newTestChannel(t, st)

	n := approval.Notification{
		RequestID:   "tg-1",
		AgentName:   "worker-1",
		ActionType:  "exec_command",
		SafetyLevel: "dangerous",
	}
	id, err := ch.SendApprovalRequest(context.Background(), n)
	if err != nil {
		t.Fatalf("SendApprovalRequest: %v", err)
	}
	if id != "42" {
		t.Fatalf("send confirmation = %q", id)
	}
	sent := st.sentMessages()
	if len(sent) != 1 || !strings.Contains(sent[0], "/approve tg-1") {
		t.Fatalf("sent = %v", sent)
	}

	st.queueReply("/approve tg-1 go ahead")
	resp := ch.ListenForResponse("tg-1", 2*time.Second)
	if !resp.Approved {
		t.Fatalf("response = %+v", resp)
	}
	if resp.RespondedBy != "telegram:reviewer" {
		t.Fatalf("RespondedBy = %q", resp.RespondedBy)
	}
	if resp.Reason != "go ahead" {
		t.Fatalf("Reason = %q", resp.Reason)
	}
}

func TestListenTimesOut(t *testing.T) {
	st := &stubTransport{}
	ch := newTestChannel(t, st)

	start := time.Now()
	resp := ch.ListenForResponse("tg-2", 50*time.Millisecond)
	if resp.Approved || resp.RespondedBy != approval.TimeoutReviewer {
		t.Fatalf("response = %+v", resp)
	}
	if time.Since(start) > time.Second {
		t.Fatal("listen did not respect the timeout")
	}
}

func TestDenyFromOtherChatIgnored(t *testing.T) {
	st := &stubTransport{}
	ch := newTestChannel(t, st)

	st.mu.Lock()
	st.updates = append(st.updates, update{
		UpdateID: 1,
		Message: &message{
			From: &user{ID: 9, Username: "stranger"},
			Chat: chat{ID: 999}, // not the configured chat
			Date: time.Now().Unix(),
			Text: "/deny tg-3 nope",
		},
	})
	st.mu.Unlock()

	resp := ch.ListenForResponse("tg-3", 100*time.Millisecond)
	// The foreign-chat reply must not resolve the wait; it times out.
	if resp.RespondedBy != approval.TimeoutReviewer {
		t.Fatalf("foreign chat resolved the wait: %+v", resp)
	}
}

func TestDestroyUnblocksListeners(t *testing.T) {
	st := &stubTransport{}
	ch := newTestChannel(t, st)

	const n = 4
	var wg sync.WaitGroup
	results := make(chan approval.Response, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- ch.ListenForResponse(fmt.Sprintf("tg-d-%d", i), time.Minute)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	ch.Destroy()
	wg.Wait()
	if time.Since(start) > time.Second {
		t.Fatal("Destroy left listeners hanging")
	}

	close(results)
	for resp := range results {
		if resp.Approved || resp.RespondedBy != approval.TimeoutReviewer {
			t.Fatalf("response = %+v", resp)
		}
	}
}

func TestSendFailure(t *testing.T) {
	st := &stubTransport{failSend: true}
	ch := newTestChannel(t, st)

	_, err := ch.SendApprovalRequest(context.Background(), approval.Notification{RequestID: "tg-f"})
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("err = %v", err)
	}
}
