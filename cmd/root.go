// Package cmd wires the beam CLI commands.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/entitleio/beam/internal/config"
	"github.com/entitleio/beam/internal/logging"
)

// Build metadata, set through -ldflags at release time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var logger *zap.Logger

var rootCmd = &cobra.Command{
	Use:   "beam",
	Short: "Tunnel to private EKS and RDS endpoints through SSM bastions",
	Long: `beam discovers bastion hosts across your AWS organization, matches them to
the EKS clusters and RDS endpoints sharing their VPCs, and opens SSM
port-forwarding tunnels so the private endpoints resolve locally.`,
	Version: Version,
	PersistentPreRun: func(*cobra.Command, []string) {
		logger = logging.New(viper.GetBool("verbose"), viper.GetString("log-file"))
	},
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

func Execute() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("beam version %s (commit: %s, built: %s)\n", Version, Commit, Date))

	err := rootCmd.Execute()
	if logger != nil {
		_ = logger.Sync()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	viper.SetEnvPrefix("BEAM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().String("config", config.DefaultPath(), "path to the beam config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().String("log-file", "", "also write a JSON log to this file")
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("log-file", rootCmd.PersistentFlags().Lookup("log-file"))
}
