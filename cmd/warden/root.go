package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Policy guard for agent actions",
	Long: `Warden validates actions proposed by automated agents before they run.

It classifies each action into a safety tier, enforces a domain
allowlist/blocklist for network access, scans parameters for credential
leaks, and routes dangerous actions through an external approval channel
with a fail-safe timeout.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and returns any error.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err.Error())
	}
	return err
}

// exitCodeError carries a process exit code through cobra's RunE chain.
type exitCodeError struct {
	code int
	msg  string
}

func (e *exitCodeError) Error() string { return e.msg }

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.warden/config.yaml)")
}

func initConfig() {
	if strings.TrimSpace(cfgFile) != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			viper.AddConfigPath(filepath.Join(home, ".warden"))
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("WARDEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()
}
