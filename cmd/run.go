package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/entitleio/beam/internal/awsauth"
	"github.com/entitleio/beam/internal/config"
	"github.com/entitleio/beam/internal/discovery"
	"github.com/entitleio/beam/internal/localstate"
	"github.com/entitleio/beam/internal/model"
	"github.com/entitleio/beam/internal/prereq"
	"github.com/entitleio/beam/internal/tunnel"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Discover bastions and open tunnels to every reachable EKS and RDS endpoint",
	RunE:  runTunnels,
}

func init() {
	runCmd.Flags().Bool("force-scan", false, "rescan the organization even when a cached bastion list exists")
	runCmd.Flags().Bool("eks", true, "open tunnels to EKS clusters")
	runCmd.Flags().Bool("rds", true, "open tunnels to RDS endpoints")
	runCmd.Flags().Int("workers", 10, "parallel account/region scans")
	rootCmd.AddCommand(runCmd)
}

func runTunnels(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cmd.SilenceUsage = true

	if err := prereq.NewChecker(logger).Check(ctx); err != nil {
		return err
	}

	cfgPath := viper.GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return fmt.Errorf("%w, run \"beam configure\" first", err)
		}
		return err
	}

	sso, err := awsauth.NewSSOClient(ctx, cfg.AWS.SSOStartURL, cfg.AWS.SSORegion, logger)
	if err != nil {
		return err
	}
	if err = sso.EnsureLogin(ctx); err != nil {
		return err
	}

	forceScan, _ := cmd.Flags().GetBool("force-scan")
	workers, _ := cmd.Flags().GetInt("workers")

	bastions := cfg.Bastions
	if forceScan || len(bastions) == 0 {
		scanner := discovery.NewScanner(logger, sso, sso, discovery.NewDiscoverer(logger), workers)
		if bastions, err = scanner.Scan(ctx, cfg, cfgPath); err != nil {
			return err
		}
	} else {
		logger.Info("using cached bastion list, pass --force-scan to refresh",
			zap.Int("bastions", len(bastions)))
	}
	if len(bastions) == 0 {
		return errors.New("no bastions found, check the configured tags, accounts and regions")
	}

	eksEnabled, _ := cmd.Flags().GetBool("eks")
	rdsEnabled, _ := cmd.Flags().GetBool("rds")
	eksEnabled = eksEnabled && cfg.EKS.IsEnabled()
	rdsEnabled = rdsEnabled && cfg.RDS.IsEnabled()

	printConnectionInfo(cmd, bastions, eksEnabled, rdsEnabled)

	manager := tunnel.NewManager(logger,
		localstate.NewHostsFile(logger),
		localstate.NewKubeconfig(logger),
		cfg.Kubernetes.Namespace)

	handles := manager.ConnectAll(ctx, sso, bastions, eksEnabled, rdsEnabled)
	if len(handles) == 0 {
		return errors.New("no tunnels could be established")
	}
	logger.Info("tunnels up, press Ctrl+C to stop", zap.Int("count", len(handles)))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down tunnels")
	for _, h := range handles {
		if err = h.Kill(); err != nil {
			logger.Warn("could not stop tunnel",
				zap.String("endpoint", h.Endpoint), zap.Error(err))
		}
	}
	for _, h := range handles {
		_ = h.Wait()
	}
	return nil
}

// printConnectionInfo tells the user where each tunneled endpoint will be
// reachable before the tunnels come up.
func printConnectionInfo(cmd *cobra.Command, bastions []model.Bastion, eks, rds bool) {
	for _, b := range bastions {
		if eks {
			for _, cluster := range b.EKSInstances {
				cmd.Printf("EKS  %s  kubectl context %s:%s:%s\n",
					cluster.Name, b.Session.AccountID, b.Session.Region, cluster.Name)
			}
		}
		if rds {
			for _, db := range b.RDSInstances {
				cmd.Printf("RDS  %s  %s:%d\n",
					db.Identifier, db.Endpoint, tunnel.StablePort(db.Endpoint))
			}
		}
	}
}
