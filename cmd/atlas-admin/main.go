// Command atlas-admin performs offline administration: signing key generation,
// JWK export, Vault provisioning and account management.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/turtacn/atlas/internal/config"
	"github.com/turtacn/atlas/internal/infrastructure/monitoring"
	"github.com/turtacn/atlas/pkg/logger"
)

type rootOptions struct {
	configFile string
}

func (o *rootOptions) load() (*config.Config, logger.Logger, error) {
	cfg, _, err := config.LoadConfig(o.configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := monitoring.NewZapLogger(&config.LogConfig{Level: "warn", Format: "console"})
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// newRootCmd 构建 atlas-admin 命令树
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "atlas-admin",
		Short:         "Administration tool for the atlas auth service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "path to config.yaml")

	root.AddCommand(newKeyCmd(opts), newUserCmd(opts), newRoleCmd(opts))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
