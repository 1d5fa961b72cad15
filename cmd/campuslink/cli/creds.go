package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/campuslink/campuslink/internal/connection"
)

// RegisterCredentialCommands adds credential store management commands.
func RegisterCredentialCommands(root *cobra.Command) {
	credCmd := &cobra.Command{
		Use:     "creds",
		Aliases: []string{"credentials"},
		Short:   "Manage stored portal credentials",
	}

	credCmd.AddCommand(newCredsAddCmd())
	credCmd.AddCommand(newCredsListCmd())
	credCmd.AddCommand(newCredsRemoveCmd())

	root.AddCommand(credCmd)
}

func newCredsAddCmd() *cobra.Command {
	var (
		username string
		server   string
		noSSO    bool
	)

	cmd := &cobra.Command{
		Use:   "add <identity>",
		Short: "Store credentials for an identity",
		Long: `Store the VPN and SSO passwords for an identity in the encrypted
credential store. Passwords are prompted for, or read one per line from
stdin when it is not a terminal. The username defaults to the identity.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(true)
			if err != nil {
				return err
			}
			defer ws.Close()

			identity := args[0]
			if username == "" {
				username = identity
			}

			vpnPass, err := readSecret("VPN password")
			if err != nil {
				return err
			}
			creds := connection.Credentials{Username: username, VPNPassword: vpnPass}
			if !noSSO {
				ssoPass, err := readSecret("SSO password (empty to skip)")
				if err != nil {
					return err
				}
				creds.SSOPassword = ssoPass
			}

			if err := ws.store.Save(identity, creds, server); err != nil {
				return err
			}
			fmt.Printf("Credentials stored for %s (username %s).\n", identity, username)
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Portal username (default: the identity)")
	cmd.Flags().StringVar(&server, "server", "", "Portal server for this identity (default: configured server)")
	cmd.Flags().BoolVar(&noSSO, "no-sso", false, "Store only the VPN password")

	return cmd
}

func newCredsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(true)
			if err != nil {
				return err
			}
			defer ws.Close()

			entries, err := ws.store.List()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No stored credentials.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "IDENTITY\tUSERNAME\tSERVER\tUPDATED\tLAST USED")
			for _, e := range entries {
				lastUsed := "never"
				if e.LastUsedAt != nil {
					lastUsed = e.LastUsedAt.Format(time.RFC3339)
				}
				server := e.Server
				if server == "" {
					server = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Identity, e.Username, server, e.UpdatedAt.Format(time.RFC3339), lastUsed)
			}
			return w.Flush()
		},
	}
}

func newCredsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <identity>",
		Aliases: []string{"rm"},
		Short:   "Delete stored credentials",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(true)
			if err != nil {
				return err
			}
			defer ws.Close()

			if err := ws.store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Credentials removed for %s.\n", args[0])
			return nil
		},
	}
}
