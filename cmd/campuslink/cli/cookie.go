package cli

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/campuslink/campuslink/internal/browsercookie"
)

// RegisterCookieCommands adds browser session import commands.
func RegisterCookieCommands(root *cobra.Command) {
	cookieCmd := &cobra.Command{
		Use:   "cookie",
		Short: "Reuse portal sessions opened in a browser",
	}

	cookieCmd.AddCommand(newCookieImportCmd())
	root.AddCommand(cookieCmd)
}

// defaultChromeCookies is the default-profile cookie database location.
func defaultChromeCookies() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Google", "Chrome", "Default", "Cookies")
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "Google", "Chrome", "User Data", "Default", "Network", "Cookies")
	default:
		return filepath.Join(home, ".config", "google-chrome", "Default", "Cookies")
	}
}

func portalHost(server string) string {
	if !strings.Contains(server, "://") {
		return server
	}
	u, err := url.Parse(server)
	if err != nil {
		return server
	}
	return u.Hostname()
}

func newCookieImportCmd() *cobra.Command {
	var (
		cookiesPath string
		server      string
	)

	cmd := &cobra.Command{
		Use:   "import <identity>",
		Short: "Adopt the portal session from a Chrome profile",
		Long: `Read the portal session cookie from a Chrome cookie database and verify
it against the portal. On success the identity is VPN-authenticated without
a password login.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(false)
			if err != nil {
				return err
			}
			defer ws.Close()

			if server == "" {
				server = ws.cfg.Connection.Server
			}
			if cookiesPath == "" {
				cookiesPath = defaultChromeCookies()
			}

			token, err := browsercookie.NewFinder(cookiesPath, portalHost(server)).Token()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			reg := ws.registry()
			defer reg.CloseAll()

			c, err := reg.CreateOrGet(server, args[0])
			if err != nil {
				return err
			}
			if err := c.AdoptSession(ctx, token); err != nil {
				return fmt.Errorf("browser session rejected: %w", err)
			}

			fmt.Printf("Adopted browser session for %s.\n", args[0])
			fmt.Printf("  Connection: %s\n", c.ID())
			fmt.Printf("  State:      %s\n", c.State())
			return nil
		},
	}

	cmd.Flags().StringVar(&cookiesPath, "cookies", "", "Chrome cookie database (default: the default profile)")
	cmd.Flags().StringVar(&server, "server", "", "Portal server (default: configured server)")

	return cmd
}
