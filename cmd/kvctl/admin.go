package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/devrev/ringkv/internal/client"
	"github.com/devrev/ringkv/internal/handler"
	"github.com/devrev/ringkv/internal/model"
)

var idempotencyKey string

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Cluster administration through the coordinator",
	}
	cmd.PersistentFlags().StringVar(&idempotencyKey, "idempotency-key", "",
		"Key making a retried mutation safe (generated when empty)")

	cmd.AddCommand(adminNodesCmd())
	cmd.AddCommand(adminAddCmd())
	cmd.AddCommand(adminRemoveCmd())
	for _, op := range []string{"start", "stop", "shutdown"} {
		cmd.AddCommand(adminClusterCmd(op))
	}
	cmd.AddCommand(adminRingCmd())
	cmd.AddCommand(adminLookupCmd())
	return cmd
}

func newAdminClient() *client.AdminClient {
	return client.NewAdminClient(ecsURL, timeout, newLogger())
}

func mutationKey() string {
	if idempotencyKey != "" {
		return idempotencyKey
	}
	return uuid.NewString()
}

func adminNodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes [name]",
		Short: "List fleet members, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAdminClient()
			if len(args) == 1 {
				info, err := c.Node(context.Background(), args[0])
				if err != nil {
					return err
				}
				return printJSON(info)
			}
			nodes, err := c.Nodes(context.Background())
			if err != nil {
				return err
			}
			for _, n := range nodes {
				fmt.Printf("%-12s %-20s %-9s %s\n", n.Name, fmt.Sprintf("%s:%d", n.Host, n.Port), n.Status, n.Hash)
			}
			return nil
		},
	}
}

func adminAddCmd() *cobra.Command {
	var (
		count    int
		strategy string
		size     int
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Launch idle fleet members and bring them to STOP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newAdminClient().AddNodes(context.Background(), handler.AddNodesRequest{
				Count:         count,
				CacheStrategy: model.CacheStrategy(strategy),
				CacheSize:     size,
			}, mutationKey())
			if err != nil {
				return err
			}
			return reportOperation(resp)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of nodes to add")
	cmd.Flags().StringVar(&strategy, "cache-strategy", string(model.CacheStrategyNone), "Cache strategy: None, FIFO, LRU or LFU")
	cmd.Flags().IntVar(&size, "cache-size", 0, "Cache capacity in entries")
	return cmd
}

func adminRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Hand a node's data to its neighbours and shut it down",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newAdminClient().RemoveNode(context.Background(), args[0], mutationKey())
			if err != nil {
				return err
			}
			return reportOperation(resp)
		},
	}
}

func adminClusterCmd(op string) *cobra.Command {
	short := map[string]string{
		"start":    "Join stopped nodes to the ring and start serving",
		"stop":     "Stop serving and remember active nodes for the next start",
		"shutdown": "Shut every node down and empty the ring",
	}[op]
	return &cobra.Command{
		Use:   op,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newAdminClient().Cluster(context.Background(), op, mutationKey())
			if err != nil {
				return err
			}
			return reportOperation(resp)
		},
	}
}

func adminRingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ring",
		Short: "Print the published ring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := newAdminClient().Ring(context.Background())
			if err != nil {
				return err
			}
			return printJSON(nodes)
		},
	}
}

func adminLookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <key>",
		Short: "Show the node responsible for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := newAdminClient().Lookup(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(info)
		},
	}
}

func reportOperation(resp *handler.OperationResponse) error {
	if err := printJSON(resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("operation failed on %d node(s)", len(resp.Errors))
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
