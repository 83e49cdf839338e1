// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/SileNt525/NMOS-Controller/internal/config"
	"github.com/SileNt525/NMOS-Controller/internal/observability"
)

var cfgFile string

// factory is swapped in tests.
var factory = NewComponentFactory()

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "nmosctl",
	Short:         "nmosctl keeps a live picture of an NMOS fleet and drives connections.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 1. Load config file and environment.
		if err := initializeConfig(); err != nil {
			return fmt.Errorf("failed to initialize configuration: %w", err)
		}

		// 2. Unmarshal into the singleton.
		if err := config.Load(viper.GetViper()); err != nil {
			observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "nmosctl"})
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg := config.Get()

		// 3. Validate.
		if err := cfg.Validate(); err != nil {
			observability.InitializeLogger(cfg.Logger)
			return fmt.Errorf("invalid configuration: %w", err)
		}

		// 4. Logger.
		observability.InitializeLogger(cfg.Logger)
		observability.GetLogger().Debug("Starting nmosctl", zap.String("version", Version))
		return nil
	},
}

// Execute adds all child commands to the root command and runs it. ctx is
// canceled on interrupt.
func Execute(ctx context.Context) error {
	defer observability.Sync()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		// Interrupts are an expected way to end watch.
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newConnectCmd())
	rootCmd.AddCommand(newDisconnectCmd())
	rootCmd.AddCommand(newBulkConnectCmd())
	rootCmd.AddCommand(newPickCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newTopologyCmd())
	rootCmd.AddCommand(versionCmd)
}

// initializeConfig reads in config file and ENV variables if set.
func initializeConfig() error {
	v := viper.GetViper()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// NMOSCTL_REGISTRY_URL overrides registry.url, and so on.
	v.SetEnvPrefix("NMOSCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; a broken one is not.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// withComponents builds the component set, runs fn and shuts everything down.
func withComponents(ctx context.Context, opts Options, fn func(ctx context.Context, c *Components) error) error {
	c, err := factory.Create(ctx, config.Get(), opts)
	if err != nil {
		return err
	}
	defer c.Shutdown()
	c.Start(ctx)
	return fn(ctx, c)
}
