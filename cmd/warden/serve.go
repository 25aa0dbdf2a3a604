package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wardenhq/warden/guard"
)

var serveVerbose bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Validate a stream of actions from stdin",
	Long: `Run warden as a long-lived filter.

Reads one JSON action request per line from stdin and writes one JSON
verdict per line to stdout. Approval waits happen inline, so a dangerous
action holds its line until a reviewer responds or the timeout rejects it.

Request lines look like:
  {"agent_id":"agent-1","role":"worker","action_type":"web_search","params":{"url":"https://example.com"}}`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(serveCmd)
}

type serveRequest struct {
	AgentID    string         `json:"agent_id"`
	Role       string         `json:"role"`
	ActionType string         `json:"action_type"`
	Params     map[string]any `json:"params"`
}

type serveVerdict struct {
	RequestID  string         `json:"request_id,omitempty"`
	ActionType string         `json:"action_type"`
	Allowed    bool           `json:"allowed"`
	Reason     string         `json:"reason,omitempty"`
	BlockedBy  string         `json:"blocked_by,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
}

func runServe(cmd *cobra.Command, args []string) error {
	log := newLogger(serveVerbose)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, cleanup, err := guardianFromViper(ctx, log)
	if err != nil {
		return err
	}
	defer cleanup()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	enc := json.NewEncoder(os.Stdout)
	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				verdict := handleLine(gctx, g, line)
				if err := enc.Encode(verdict); err != nil {
					return fmt.Errorf("write verdict: %w", err)
				}
			}
		}
	})

	grp.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				st := g.GetStatus()
				log.Info("guardian_status",
					"total_checked", st.TotalChecked,
					"blocked", st.Blocked,
					"pending", st.Pending,
				)
			}
		}
	})

	log.Info("serve_started")
	err = grp.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		log.Info("serve_stopped")
		return nil
	}
	return err
}

func handleLine(ctx context.Context, g *guard.Guardian, line string) serveVerdict {
	var sr serveRequest
	if err := json.Unmarshal([]byte(line), &sr); err != nil {
		return serveVerdict{Error: "parse request: " + err.Error()}
	}

	req, err := guard.NewActionRequest(sr.AgentID, guard.AgentRole(strings.TrimSpace(sr.Role)), sr.ActionType, sr.Params)
	if err != nil {
		return serveVerdict{ActionType: sr.ActionType, Error: err.Error()}
	}

	res, err := g.ValidateAction(ctx, req)
	if err != nil {
		return serveVerdict{RequestID: req.ID, ActionType: sr.ActionType, Error: err.Error()}
	}
	return serveVerdict{
		RequestID:  res.RequestID,
		ActionType: sr.ActionType,
		Allowed:    res.Success,
		Reason:     res.BlockedReason,
		BlockedBy:  res.BlockedBy,
		Data:       res.Data,
	}
}
