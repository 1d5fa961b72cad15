package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/campuslink/campuslink/internal/audit"
)

// RegisterAuditCommands adds audit log commands.
func RegisterAuditCommands(root *cobra.Command) {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the connection audit log",
	}

	auditCmd.AddCommand(newAuditVerifyCmd())
	auditCmd.AddCommand(newAuditRecentCmd())

	root.AddCommand(auditCmd)
}

func newAuditVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit log hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(false)
			if err != nil {
				return err
			}
			defer ws.Close()

			valid, count, err := audit.Verify(ws.auditDB)
			if err != nil {
				return err
			}
			if !valid {
				return fmt.Errorf("audit chain broken after %d valid records", count)
			}
			fmt.Printf("Audit chain intact (%d records).\n", count)
			return nil
		},
	}
}

func newAuditRecentCmd() *cobra.Command {
	var (
		identity string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Show recent audit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(false)
			if err != nil {
				return err
			}
			defer ws.Close()

			records, err := ws.audit.Recent(identity, limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No audit records.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tIDENTITY\tEVENT\tCONNECTION\tDETAIL")
			for _, r := range records {
				conn := r.ConnectionID
				if len(conn) > 8 {
					conn = conn[:8]
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Timestamp.Format(time.RFC3339), r.Identity, r.EventType, conn, r.Detail)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&identity, "identity", "", "Only records for this identity")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum records to show")

	return cmd
}
