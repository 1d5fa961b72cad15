package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/campuslink/campuslink/internal/connection"
	"github.com/campuslink/campuslink/internal/grpcapi"
	"github.com/campuslink/campuslink/internal/registry"
)

var (
	remoteAddr string
	remoteCA   string
)

// RegisterRemoteCommands adds commands that drive a running campuslink-server.
func RegisterRemoteCommands(root *cobra.Command) {
	remoteCmd := &cobra.Command{
		Use:   "remote",
		Short: "Control a running campuslink-server",
	}
	remoteCmd.PersistentFlags().StringVar(&remoteAddr, "addr", "127.0.0.1:50061", "Server address, or unix:///path for a socket")
	remoteCmd.PersistentFlags().StringVar(&remoteCA, "ca", "", "CA certificate for a TLS server")

	remoteCmd.AddCommand(newRemoteListCmd())
	remoteCmd.AddCommand(newRemoteStatsCmd())
	remoteCmd.AddCommand(newRemoteConnectCmd())
	remoteCmd.AddCommand(newRemoteCloseCmd())
	remoteCmd.AddCommand(newRemoteCleanupCmd())

	root.AddCommand(remoteCmd)
}

func remoteCall(method string, params, out any) error {
	client, err := grpcapi.Dial(remoteAddr, remoteCA)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	return client.Call(ctx, method, params, out)
}

func newRemoteListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List server connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			var infos []connection.Info
			if err := remoteCall("registry.list", nil, &infos); err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("No connections.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "IDENTITY\tSTATE\tACTIVE\tSERVER\tLAST ACTIVITY")
			for _, i := range infos {
				fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n", i.Identity, i.State, i.Active, i.Server, i.LastActivity.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func newRemoteStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show registry counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats registry.Stats
			if err := remoteCall("registry.stats", nil, &stats); err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}

func newRemoteConnectCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "connect <identity>",
		Short: "Log an identity in on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var info connection.Info
			params := map[string]string{"identity": args[0], "server": server}
			if err := remoteCall("connection.connect", params, &info); err != nil {
				return err
			}
			return printJSON(info)
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "Portal server (default: the server's configured portal)")
	return cmd
}

func newRemoteCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <identity>",
		Short: "Close an identity's connection on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := remoteCall("connection.close", map[string]string{"identity": args[0]}, nil); err != nil {
				return err
			}
			fmt.Printf("Closed %s.\n", args[0])
			return nil
		},
	}
}

func newRemoteCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove inactive connections on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Removed int `json:"removed"`
			}
			if err := remoteCall("registry.cleanup", nil, &out); err != nil {
				return err
			}
			fmt.Printf("Removed %d inactive connections.\n", out.Removed)
			return nil
		},
	}
}
