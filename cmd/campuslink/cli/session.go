package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/campuslink/campuslink/internal/connection"
	"github.com/campuslink/campuslink/internal/gateway"
)

// RegisterSessionCommands adds the commands that open portal sessions.
func RegisterSessionCommands(root *cobra.Command) {
	root.AddCommand(newLoginCmd())
	root.AddCommand(newFetchCmd())
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLoginCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "login <identity>",
		Short: "Log in with stored credentials and report the session state",
		Long: `Run the VPN handshake, and the SSO handshake when an SSO password is
stored, for an identity from the credential store. The session is closed
when the command exits; use campuslink-server to keep sessions alive.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(true)
			if err != nil {
				return err
			}
			defer ws.Close()

			ctx, cancel := signalContext()
			defer cancel()

			reg := ws.registry()
			defer reg.CloseAll()

			svc := gateway.NewService(reg, ws.store, ws.auditDB, ws.logger)
			info, err := svc.Connect(ctx, args[0], server)
			if err != nil {
				return err
			}

			fmt.Printf("Logged in as %s.\n", info.Identity)
			fmt.Printf("  Connection: %s\n", info.ID)
			fmt.Printf("  Server:     %s\n", info.Server)
			fmt.Printf("  State:      %s\n", info.State)
			fmt.Printf("  SSO:        %v\n", info.SSOLogin)
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Portal server (default: configured server)")
	return cmd
}

func newFetchCmd() *cobra.Command {
	var (
		server string
		method string
		query  []string
		form   []string
		raw    bool
	)

	cmd := &cobra.Command{
		Use:   "fetch <identity> <url>",
		Short: "Issue a request through an authenticated session",
		Long: `Log in as the identity and issue one request. The url may be relative
to the portal. The response is decoded as a JavaScript object literal and
printed as JSON, or printed verbatim with --raw.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := parsePairs(query)
			if err != nil {
				return fmt.Errorf("--query: %w", err)
			}
			f, err := parsePairs(form)
			if err != nil {
				return fmt.Errorf("--form: %w", err)
			}

			ws, err := openWorkspace(true)
			if err != nil {
				return err
			}
			defer ws.Close()

			ctx, cancel := signalContext()
			defer cancel()

			reg := ws.registry()
			defer reg.CloseAll()
			svc := gateway.NewService(reg, ws.store, ws.auditDB, ws.logger)

			if !raw {
				result, err := svc.Fetch(ctx, gateway.FetchInput{
					Identity: args[0],
					Server:   server,
					Method:   method,
					URL:      args[1],
					Query:    q,
					Form:     f,
				})
				if err != nil {
					return err
				}
				return printJSON(result)
			}

			info, err := svc.Connect(ctx, args[0], server)
			if err != nil {
				return err
			}
			c, _ := reg.Get(info.Identity)
			req := connection.Request{Method: method, URL: args[1], Decode: connection.DecodeText}
			if len(q) > 0 {
				req.Query = toValues(q)
			}
			if len(f) > 0 {
				req.Form = toValues(f)
			}
			body, err := connection.Fetch[string](ctx, c, req)
			if err != nil {
				return err
			}
			fmt.Print(body)
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Portal server (default: configured server)")
	cmd.Flags().StringVarP(&method, "method", "X", "", "HTTP method (default GET, or POST with --form)")
	cmd.Flags().StringArrayVarP(&query, "query", "q", nil, "Query parameter key=value (repeatable)")
	cmd.Flags().StringArrayVarP(&form, "form", "f", nil, "Form field key=value (repeatable)")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the response body verbatim")

	return cmd
}

func toValues(m map[string]string) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = []string{v}
	}
	return out
}
