package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/guard"
	"github.com/wardenhq/warden/internal/clifmt"
)

var (
	checkAgentID    string
	checkAgentRole  string
	checkParams     string
	checkParamsFile string
	checkVerbose    bool
)

var checkCmd = &cobra.Command{
	Use:   "check <action-type>",
	Short: "Validate a single action against the configured policy",
	Long: `Validate one action and print the verdict.

Parameters are given as a JSON object via --params or --params-file.
Exit code 0 means the action is allowed, 1 blocked, 2 pending approval.

Examples:
  warden check web_search --params '{"url":"https://docs.example.com/api"}'
  warden check exec_command --params '{"command":"ls -la"}'`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkAgentID, "agent", "cli", "agent identifier recorded with the request")
	checkCmd.Flags().StringVar(&checkAgentRole, "role", "worker", "agent role (planner, worker, orchestrator, notifier)")
	checkCmd.Flags().StringVar(&checkParams, "params", "", "action parameters as a JSON object")
	checkCmd.Flags().StringVar(&checkParamsFile, "params-file", "", "read action parameters from a JSON file (- for stdin)")
	checkCmd.Flags().BoolVarP(&checkVerbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	log := newLogger(checkVerbose)

	params, err := readParams()
	if err != nil {
		return err
	}

	g, cleanup, err := guardianFromViper(cmd.Context(), log)
	if err != nil {
		return err
	}
	defer cleanup()

	req, err := guard.NewActionRequest(checkAgentID, guard.AgentRole(strings.TrimSpace(checkAgentRole)), args[0], params)
	if err != nil {
		return err
	}

	res, err := g.ValidateAction(cmd.Context(), req)
	if err != nil {
		return err
	}

	switch {
	case res.Success:
		fmt.Println(clifmt.Success("allowed"), args[0])
		return nil
	case res.Data["status"] == "pending":
		fmt.Println(clifmt.Warn("pending"), args[0])
		if id, ok := res.Data["approval_id"].(string); ok {
			fmt.Println(clifmt.Dim("approval id: " + id))
		}
		fmt.Println(clifmt.Dim(res.BlockedReason))
		return &exitCodeError{code: 2, msg: "action pending approval"}
	default:
		fmt.Println(clifmt.Fail("blocked"), args[0])
		fmt.Println(clifmt.Dim(res.BlockedReason))
		return &exitCodeError{code: 1, msg: "action blocked"}
	}
}

func readParams() (map[string]any, error) {
	raw := strings.TrimSpace(checkParams)
	if path := strings.TrimSpace(checkParamsFile); path != "" {
		var (
			data []byte
			err  error
		)
		if path == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(path)
		}
		if err != nil {
			return nil, err
		}
		raw = strings.TrimSpace(string(data))
	}
	if raw == "" {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("parse params: %w", err)
	}
	return params, nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
