// campuslink logs into the campus VPN portal and CAS single sign-on and
// issues requests through the resulting session.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/campuslink/campuslink/cmd/campuslink/cli"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "campuslink",
		Short: "campuslink - campus VPN portal and SSO session client",
		Long: `campuslink authenticates against the campus SSL VPN portal and the CAS
single sign-on behind it, keeps credentials in an encrypted local store,
and issues requests to campus services through the authenticated session.`,
		Version:      version,
		SilenceUsage: true,
	}

	cli.RegisterGlobalFlags(rootCmd)
	cli.RegisterCredentialCommands(rootCmd)
	cli.RegisterSessionCommands(rootCmd)
	cli.RegisterCookieCommands(rootCmd)
	cli.RegisterAuditCommands(rootCmd)
	cli.RegisterRemoteCommands(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
