// Package telegram implements the approval.NotificationChannel contract on
// top of a Telegram-style bot API: approval prompts go out as chat
// messages, decisions come back as "/approve <id>" and "/deny <id>"
// replies collected via long polling.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wardenhq/warden/approval"
	"github.com/wardenhq/warden/internal/strutil"
)

const defaultAPIBase = "https://api.telegram.org"

type Config struct {
	BotToken string
	ChatID   int64

	// APIBase overrides the bot API endpoint. Tests point this at a stub.
	APIBase string

	// PollInterval is the pause between empty getUpdates rounds.
	PollInterval time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Channel is a NotificationChannel backed by a Telegram bot. All waiter
// bookkeeping lives in a shared approval.PendingSet so response, timeout
// and shutdown resolve each wait exactly once.
type Channel struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	pending *approval.PendingSet
	log     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	offset int64
}

func New(cfg Config) (*Channel, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, fmt.Errorf("missing telegram bot token")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("missing telegram chat id")
	}
	if strings.TrimSpace(cfg.APIBase) == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 35 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		cfg:  cfg,
		http: cfg.HTTPClient,
		// Telegram caps bots around one message per second per chat.
		limiter: rate.NewLimiter(rate.Limit(1), 3),
		pending: approval.NewPendingSet(),
		log:     cfg.Logger,
		cancel:  cancel,
	}
	c.wg.Add(1)
	go c.pollLoop(ctx)
	return c, nil
}

func (c *Channel) SendApprovalRequest(ctx context.Context, n approval.Notification) (string, error) {
	text := formatNotification(n)
	msgID, err := c.sendMessage(ctx, text)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(msgID, 10), nil
}

func (c *Channel) ListenForResponse(requestID string, timeout time.Duration) approval.Response {
	return c.pending.Wait(requestID, timeout)
}

func (c *Channel) SendAlert(ctx context.Context, message string) {
	if _, err := c.sendMessage(ctx, "⚠ "+message); err != nil {
		c.log.Warn("telegram_alert_failed", "error", err.Error())
	}
}

// Destroy stops the poll loop and resolves every pending wait immediately
// with a timeout-shaped rejection.
func (c *Channel) Destroy() {
	c.cancel()
	c.pending.Destroy()
	c.wg.Wait()
}

func (c *Channel) pollLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := c.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("telegram_poll_failed", "error", err.Error())
		}
		for _, u := range updates {
			c.handleUpdate(u)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

func (c *Channel) handleUpdate(u update) {
	if u.Message == nil || u.Message.Chat.ID != c.cfg.ChatID {
		return
	}
	cmd, ok := parseCommand(u.Message.Text)
	if !ok {
		return
	}
	resp := approval.Response{
		RequestID:   cmd.RequestID,
		Approved:    cmd.Approved,
		RespondedBy: reviewerName(u.Message.From),
		RespondedAt: time.Unix(u.Message.Date, 0).UTC(),
		Reason:      cmd.Reason,
	}
	if !c.pending.Resolve(resp) {
		c.log.Info("telegram_response_unmatched", "request_id", cmd.RequestID)
	}
}

type command struct {
	RequestID string
	Approved  bool
	Reason    string
}

// parseCommand recognizes "/approve <id> [reason]" and "/deny <id> [reason]".
func parseCommand(text string) (command, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) < 2 {
		return command{}, false
	}
	// Commands in group chats may be addressed as "/approve@botname".
	verb := strings.ToLower(fields[0])
	if i := strings.Index(verb, "@"); i >= 0 {
		verb = verb[:i]
	}
	var approved bool
	switch verb {
	case "/approve", "/allow", "/yes":
		approved = true
	case "/deny", "/reject", "/no":
		approved = false
	default:
		return command{}, false
	}
	cmd := command{
		RequestID: fields[1],
		Approved:  approved,
	}
	if len(fields) > 2 {
		cmd.Reason = strings.Join(fields[2:], " ")
	}
	return cmd, true
}

func formatNotification(n approval.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Approval needed: %s (%s)\n", n.ActionType, n.SafetyLevel)
	if strings.TrimSpace(n.AgentName) != "" {
		fmt.Fprintf(&b, "Agent: %s\n", n.AgentName)
	}
	if strings.TrimSpace(n.Description) != "" {
		fmt.Fprintf(&b, "%s\n", strutil.Ellipsize(n.Description, 1024))
	}
	fmt.Fprintf(&b, "Reply /approve %s or /deny %s <reason>", n.RequestID, n.RequestID)
	return b.String()
}

func reviewerName(from *user) string {
	if from == nil {
		return "telegram:unknown"
	}
	if strings.TrimSpace(from.Username) != "" {
		return "telegram:" + from.Username
	}
	return "telegram:" + strconv.FormatInt(from.ID, 10)
}

// --- bot API plumbing ---

type update struct {
	UpdateID int64    `json:"update_id"`
	Message  *message `json:"message"`
}

type message struct {
	MessageID int64 `json:"message_id"`
	From      *user `json:"from"`
	Chat      chat  `json:"chat"`
	Date      int64 `json:"date"`
	Text      string `json:"text"`
}

type user struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type chat struct {
	ID int64 `json:"id"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

func (c *Channel) sendMessage(ctx context.Context, text string) (int64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	payload := map[string]any{
		"chat_id": c.cfg.ChatID,
		"text":    text,
	}
	var result message
	if err := c.call(ctx, "sendMessage", payload, &result); err != nil {
		return 0, err
	}
	return result.MessageID, nil
}

func (c *Channel) getUpdates(ctx context.Context) ([]update, error) {
	c.mu.Lock()
	offset := c.offset
	c.mu.Unlock()

	payload := map[string]any{
		"offset":  offset,
		"timeout": 25,
	}
	var updates []update
	if err := c.call(ctx, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	for _, u := range updates {
		if u.UpdateID >= offset {
			offset = u.UpdateID + 1
		}
	}
	c.mu.Lock()
	c.offset = offset
	c.mu.Unlock()
	return updates, nil
}

func (c *Channel) call(ctx context.Context, method string, payload any, out any) error {
	endpoint, err := url.JoinPath(c.cfg.APIBase, "bot"+c.cfg.BotToken, method)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	if !api.OK {
		return fmt.Errorf("telegram %s: %s", method, api.Description)
	}
	if out != nil && len(api.Result) > 0 {
		if err := json.Unmarshal(api.Result, out); err != nil {
			return fmt.Errorf("telegram %s: %w", method, err)
		}
	}
	return nil
}
