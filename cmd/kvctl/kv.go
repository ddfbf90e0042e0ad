package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devrev/ringkv/internal/client"
	"github.com/devrev/ringkv/internal/model"
	"github.com/devrev/ringkv/internal/rpc"
)

var (
	seed        string
	replication int
)

func kvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kv",
		Short: "Key-value operations routed through the ring",
	}
	cmd.PersistentFlags().StringVar(&seed, "seed", "",
		"Any storage node (host:port); the ring is fetched from the coordinator when empty")
	cmd.PersistentFlags().IntVar(&replication, "replication", 2, "Replication factor of the cluster")

	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Read a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKV(func(ctx context.Context, c *client.KVClient) (*model.KVMessage, error) {
				return c.Get(ctx, args[0])
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "put <key> <value>",
		Short: "Insert or update a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKV(func(ctx context.Context, c *client.KVClient) (*model.KVMessage, error) {
				return c.Put(ctx, args[0], args[1])
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKV(func(ctx context.Context, c *client.KVClient) (*model.KVMessage, error) {
				return c.Delete(ctx, args[0])
			})
		},
	})
	return cmd
}

func runKV(op func(context.Context, *client.KVClient) (*model.KVMessage, error)) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger := newLogger()
	exec := rpc.NewClient(timeout, logger)
	defer exec.Close()

	c := client.NewKVClient(exec, seed, replication, logger)
	if seed == "" {
		nodes, err := client.NewAdminClient(ecsURL, timeout, logger).Ring(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch ring: %w", err)
		}
		if err := c.SetNodes(nodes); err != nil {
			return err
		}
	}

	resp, err := op(ctx, c)
	if err != nil {
		return err
	}
	if resp.Value != "" {
		fmt.Printf("%s %s %s\n", resp.Status, resp.Key, resp.Value)
	} else {
		fmt.Printf("%s %s\n", resp.Status, resp.Key)
	}
	if !resp.Status.Succeeded() {
		return fmt.Errorf("request failed with %s", resp.Status)
	}
	return nil
}
