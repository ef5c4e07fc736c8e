package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"syncmesh/pkg/adminapi"
)

func adminClient() *adminapi.Client {
	return adminapi.NewClient(adminAddr)
}

func joinCmd() *cobra.Command {
	var networkKey string
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Ask a running node to join (or create) a discovery topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			resp, err := adminClient().Join(ctx, networkKey)
			if err != nil {
				return err
			}
			fmt.Printf("joined as %s (control=%s blob=%s)\n", resp.PeerID, resp.ControlAddr, resp.BlobAddr)
			return nil
		},
	}
	cmd.Flags().StringVar(&networkKey, "network-key", "", "discovery topic key; a fresh one is minted if empty")
	return cmd
}

func statusCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running node's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			status, err := adminClient().Status(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(status)
			}
			fmt.Println(renderStatus(status))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print raw JSON instead of a table")
	return cmd
}

func peersCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List a running node's known peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			peers, err := adminClient().Peers(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(peers)
			}
			fmt.Println(renderPeers(peers))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print raw JSON instead of a table")
	return cmd
}

func filesCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "files",
		Short: "List local, network, and non-local files",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			files, err := adminClient().Files(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(files)
			}
			fmt.Println(renderFiles(files))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print raw JSON instead of a table")
	return cmd
}

func queueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue <path>",
		Short: "Queue a network path for automatic download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := adminClient().Queue(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("queued %s\n", args[0])
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <peer-id> <path>",
		Short: "Download path from peer-id right now",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			if err := adminClient().Get(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("downloaded %s from %s\n", args[1], args[0])
			return nil
		},
	}
}
