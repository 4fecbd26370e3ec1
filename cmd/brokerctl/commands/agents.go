package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/coordhub/coordhub/pkg/broker"
)

var agentsJSON bool

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered agents",
	Long: `List every agent registered with the broker, with status, model,
capabilities, and last heartbeat age.

Use --json for machine-readable output.`,
	RunE: runAgents,
}

func init() {
	agentsCmd.Flags().BoolVar(&agentsJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	agents, err := client.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("failed to list agents: %w", err)
	}

	if agentsJSON {
		return json.NewEncoder(os.Stdout).Encode(agents)
	}

	if len(agents) == 0 {
		fmt.Println("No agents registered.")
		return nil
	}

	sort.Slice(agents, func(i, j int) bool {
		return agents[i].AgentID < agents[j].AgentID
	})

	nowMs := time.Now().UnixMilli()
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Agent", "Name", "Status", "Model", "Capabilities", "Heartbeat")
	for _, a := range agents {
		age := "-"
		if a.LastHeartbeat > 0 {
			age = (time.Duration(nowMs-a.LastHeartbeat) * time.Millisecond).Truncate(time.Second).String() + " ago"
		}
		table.Append([]string{
			a.AgentID,
			a.Name,
			colorStatus(a.Status),
			a.Model,
			strings.Join(a.Capabilities, ", "),
			age,
		})
	}
	return table.Render()
}

func colorStatus(s broker.AgentStatus) string {
	switch s {
	case broker.AgentStatusActive:
		return color.GreenString(string(s))
	case broker.AgentStatusBusy:
		return color.YellowString(string(s))
	case broker.AgentStatusOffline:
		return color.RedString(string(s))
	default:
		return string(s)
	}
}
