package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/coordhub/coordhub/pkg/broker"
)

var locksJSON bool

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "List held file locks",
	Long: `List every live lock record in the broker's namespace, with its
holder (or readers), kind, and remaining TTL.

Use --json for machine-readable output.`,
	RunE: runLocks,
}

func init() {
	locksCmd.Flags().BoolVar(&locksJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(locksCmd)
}

func runLocks(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	records, err := client.ListLockRecords(ctx)
	if err != nil {
		return fmt.Errorf("failed to list locks: %w", err)
	}

	if locksJSON {
		return json.NewEncoder(os.Stdout).Encode(records)
	}

	if len(records) == 0 {
		fmt.Println("No locks held.")
		return nil
	}

	nowMs := time.Now().UnixMilli()
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Workspace", "File", "Kind", "Holder", "TTL Left")
	for _, rec := range records {
		holder := rec.AgentID
		if rec.HolderKind == broker.HolderKindReaders {
			holder = strings.Join(rec.Readers, ", ")
		}
		ttlLeft := "-"
		if remaining := rec.ExpiresAtMs() - nowMs; remaining > 0 {
			ttlLeft = (time.Duration(remaining) * time.Millisecond).Truncate(time.Second).String()
		} else {
			ttlLeft = "expired"
		}
		table.Append([]string{rec.WorkspaceID, rec.FilePath, string(rec.LockType), holder, ttlLeft})
	}
	return table.Render()
}
