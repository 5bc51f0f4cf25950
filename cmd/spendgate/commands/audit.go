package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/amerfu/spendgate/internal/services/audit"
)

// NewAuditCommand verifies exported audit trails.
func NewAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Work with audit trail exports",
	}

	cmd.AddCommand(newAuditVerifyCommand())

	return cmd
}

func newAuditVerifyCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain of a JSON audit export",
		Long: `Re-walks the hash chain of an export produced by the /audit/export
endpoint and reports whether any record was altered. Exits non-zero
when the chain is broken.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("failed to open export: %w", err)
			}
			defer func() { _ = f.Close() }()

			integrity, err := audit.VerifyExport(f)
			if err != nil {
				return fmt.Errorf("failed to verify export: %w", err)
			}

			if outputJSON {
				OutputJSON(integrity)
			} else if integrity.Valid {
				fmt.Printf("Chain valid (verified from sequence %d)\n", integrity.VerifiedFrom)
				if integrity.Pruned {
					fmt.Println("Note: older records were pruned before export")
				}
			}

			if !integrity.Valid {
				return fmt.Errorf("chain broken at sequence %d", integrity.BrokenAt)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "path to a JSON audit export")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
