package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check fast-store connectivity",
	Long: `Ping the broker's fast store and report round-trip latency. For the
full per-backend rollup, query the daemon's /healthz endpoint instead.`,
	RunE: runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := client.Ping(ctx); err != nil {
		color.Red("✗ fast store unreachable at %s: %v", fastStoreAddr, err)
		return fmt.Errorf("fast store unreachable")
	}

	color.Green("✓ fast store reachable at %s (%s)", fastStoreAddr, time.Since(start).Truncate(time.Microsecond))
	return nil
}
