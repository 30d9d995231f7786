package main

import (
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/JeanLouisParent/sortbook-v5/services/sorter/internal/config"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     config.FileConfig
	configErr  error
}

func (c *commandContext) ensureConfig() (config.FileConfig, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = config.Load(strings.TrimSpace(*c.configFlag))
	})
	return c.config, c.configErr
}

func newRootCommand() *cobra.Command {
	var configFlag string
	ctx := &commandContext{configFlag: &configFlag}

	rootCmd := &cobra.Command{
		Use:           "sorter",
		Short:         "Identify, deduplicate and file an ebook library",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (default $SORTBOOK_CONFIG or config.yaml)")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newPendingCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newInitDBCommand(ctx))
	return rootCmd
}
