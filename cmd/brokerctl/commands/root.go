package commands

import (
	"fmt"

	"github.com/coordhub/coordhub/internal/faststore"
	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	// Global connection flags, shared by every subcommand.
	fastStoreAddr string
	streamPrefix  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "brokerctl",
	Short: "brokerctl - Inspect a running coordination broker",
	Long: `brokerctl connects read-only to the broker's fast store and prints
the live coordination state: held locks, registered agents, and backend
health. It never mutates workspace state.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&fastStoreAddr, "addr", "localhost:6379", "Fast store address (host:port)")
	rootCmd.PersistentFlags().StringVar(&streamPrefix, "prefix", "coordhub", "Key namespace prefix")
}

// connect builds a read-only fast-store client from the global flags.
func connect() (*faststore.Client, error) {
	client, err := faststore.New(faststore.Options{
		Addr:   fastStoreAddr,
		Prefix: streamPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}
