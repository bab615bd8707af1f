// Command shardmgrd runs the shard manager control plane: it loads a YAML
// configuration file, wires up the state store, control loop, health
// prober, persistence backend, and HTTP transport via internal/manager,
// and serves until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dreamware/shardkeep/internal/config"
	"github.com/dreamware/shardkeep/internal/log"
	"github.com/dreamware/shardkeep/internal/manager"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shardmgrd",
	Short: "Shard manager control plane",
	Long: `shardmgrd partitions a fixed, integer-indexed shard space across a
dynamic fleet of stateless runners, load-balancing assignments and
redistributing them as runners join, leave, or fail health checks.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	cobra.OnInitialize(initLogging)

	serveCmd.Flags().String("config", "", "path to a YAML config file (defaults used if omitted)")
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: jsonOut,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the shard manager until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, _ := cmd.Flags().GetString("config")

		cfg := config.Default()
		if path != "" {
			loaded, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = loaded
		} else if err := cfg.Validate(); err != nil {
			return fmt.Errorf("default config invalid: %w", err)
		}

		mgr, err := manager.New(cfg)
		if err != nil {
			return fmt.Errorf("construct manager: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return mgr.Run(ctx)
	},
}
