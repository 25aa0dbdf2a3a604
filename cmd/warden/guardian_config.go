package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/wardenhq/warden/approval"
	"github.com/wardenhq/warden/approval/telegram"
	"github.com/wardenhq/warden/audit"
	"github.com/wardenhq/warden/guard"
	"github.com/wardenhq/warden/internal/pathutil"
	"github.com/wardenhq/warden/urlpolicy"
	"github.com/wardenhq/warden/vault"
)

const defaultApprovalTimeout = 5 * time.Minute

// guardianFromViper assembles a Guardian and its supporting pieces from the
// loaded viper config. The returned cleanup func flushes the audit sink and
// shuts down the approval channel; callers must invoke it on exit.
func guardianFromViper(ctx context.Context, log *slog.Logger) (*guard.Guardian, func(), error) {
	if log == nil {
		log = slog.Default()
	}

	cfg := guard.Config{
		Classifier:      guard.DefaultClassifierConfig(),
		NotifyOnBlocked: viper.GetBool("guard.notify_on_blocked"),
	}

	if v := viper.GetStringSlice("guard.classifier.forbidden_actions"); len(v) > 0 {
		cfg.Classifier.ForbiddenActions = v
	}
	if v := viper.GetStringSlice("guard.classifier.dangerous_actions"); len(v) > 0 {
		cfg.Classifier.DangerousActions = v
	}
	if v := viper.GetStringSlice("guard.classifier.moderate_actions"); len(v) > 0 {
		cfg.Classifier.ModerateActions = v
	}
	var patterns []guard.RegexPattern
	_ = viper.UnmarshalKey("guard.classifier.secret_patterns", &patterns)
	cfg.Classifier.SecretPatterns = patterns

	cfg.URL = urlpolicy.Config{
		Allowed:        viper.GetStringSlice("guard.url.allowed_domains"),
		Blocked:        viper.GetStringSlice("guard.url.blocked_patterns"),
		DenyPrivateIPs: viper.GetBool("guard.url.deny_private_ips"),
		ResolveDNS:     viper.GetBool("guard.url.resolve_dns"),
	}

	if path := strings.TrimSpace(viper.GetString("guard.policy_file")); path != "" {
		pol, err := loadPolicyFile(pathutil.ExpandHomePath(path))
		if err != nil {
			return nil, nil, fmt.Errorf("load policy file: %w", err)
		}
		pol.applyTo(&cfg)
	}

	secrets, err := vaultFromViper(ctx, log)
	if err != nil {
		return nil, nil, err
	}

	sink := auditSinkFromViper(log)

	coord, err := coordinatorFromViper(log)
	if err != nil {
		return nil, nil, err
	}

	opts := []guard.Option{
		guard.WithVault(secrets),
		guard.WithCoordinator(coord),
		guard.WithLogger(log),
	}
	if sink != nil {
		opts = append(opts, guard.WithAuditSink(sink))
	}

	g := guard.New(cfg, opts...)

	cleanup := func() {
		if coord != nil {
			coord.Close()
		}
		if sink != nil {
			if err := sink.Close(); err != nil {
				log.Warn("audit_sink_close_error", "error", err.Error())
			}
		}
	}
	return g, cleanup, nil
}

func vaultFromViper(ctx context.Context, log *slog.Logger) (*vault.Vault, error) {
	v := vault.New()

	type secretSpec struct {
		Key    string `mapstructure:"key"`
		Ref    string `mapstructure:"ref"`
		Source string `mapstructure:"source"`
	}
	var specs []secretSpec
	_ = viper.UnmarshalKey("vault.secrets", &specs)

	service := strings.TrimSpace(viper.GetString("vault.keyring_service"))
	if service == "" {
		service = "warden"
	}

	for _, s := range specs {
		var r vault.Resolver
		switch strings.ToLower(strings.TrimSpace(s.Source)) {
		case "", "env":
			r = &vault.EnvResolver{}
		case "keyring":
			r = &vault.KeyringResolver{Service: service}
		default:
			return nil, fmt.Errorf("unknown vault secret source: %q", s.Source)
		}
		if _, err := v.Load(ctx, r, s.Key, s.Ref); err != nil {
			return nil, fmt.Errorf("load secret %q: %w", s.Key, err)
		}
	}

	if len(specs) > 0 {
		log.Info("vault_loaded", "secrets", len(specs))
	}
	return v, nil
}

func auditSinkFromViper(log *slog.Logger) *audit.JSONLSink {
	jsonlPath := strings.TrimSpace(viper.GetString("guard.audit.jsonl_path"))
	if jsonlPath == "" {
		home, err := os.UserHomeDir()
		if err == nil && strings.TrimSpace(home) != "" {
			jsonlPath = filepath.Join(home, ".warden", "audit.jsonl")
		}
	}
	jsonlPath = pathutil.ExpandHomePath(jsonlPath)
	if strings.TrimSpace(jsonlPath) == "" {
		return nil
	}

	sink, err := audit.NewJSONLSink(jsonlPath, viper.GetInt64("guard.audit.rotate_max_bytes"))
	if err != nil {
		log.Warn("audit_sink_error", "error", err.Error())
		return nil
	}
	return sink
}

func coordinatorFromViper(log *slog.Logger) (*approval.Coordinator, error) {
	timeout := viper.GetDuration("guard.approval_timeout")
	if timeout <= 0 {
		timeout = defaultApprovalTimeout
	}

	opts := []approval.Option{approval.WithLogger(log)}

	if token := strings.TrimSpace(viper.GetString("telegram.bot_token")); token != "" {
		ch, err := telegram.New(telegram.Config{
			BotToken:     token,
			ChatID:       viper.GetInt64("telegram.chat_id"),
			PollInterval: viper.GetDuration("telegram.poll_interval"),
			Logger:       log,
		})
		if err != nil {
			return nil, fmt.Errorf("telegram channel: %w", err)
		}
		opts = append(opts, approval.WithChannel(ch))
	}

	if viper.GetBool("guard.approvals.persist") {
		dsn, err := resolveSQLiteDSN(viper.GetString("db.dsn"))
		if err != nil {
			log.Warn("approvals_dsn_error", "error", err.Error())
		} else {
			st, err := approval.NewSQLiteStore(dsn)
			if err != nil {
				log.Warn("approvals_store_error", "error", err.Error())
			} else {
				opts = append(opts, approval.WithStore(st))
			}
		}
	}

	c := approval.NewCoordinator(timeout, opts...)
	log.Info("approvals_configured",
		"timeout", timeout.String(),
		"external_channel", c.HasChannel(),
	)
	return c, nil
}

// resolveSQLiteDSN expands the configured DSN and makes sure its parent
// directory exists. An empty DSN falls back to ~/.warden/warden.db.
func resolveSQLiteDSN(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return "", fmt.Errorf("no db.dsn configured and no home directory")
		}
		dsn = filepath.Join(home, ".warden", "warden.db")
	}
	dsn = pathutil.ExpandHomePath(dsn)
	if err := pathutil.EnsureParentDir(dsn); err != nil {
		return "", fmt.Errorf("create db directory: %w", err)
	}
	return dsn, nil
}
