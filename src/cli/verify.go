package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"vm-backup/src/backend"
	"vm-backup/src/backup"
)

type verifyResult struct {
	Date   string `json:"date"`
	VM     string `json:"vm"`
	Status string `json:"status"`
	Path   string `json:"path"`
}

func newVerifyCmd(stdout, stderr io.Writer, d deps) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "verify [DATE]",
		Short: "Verify checksums of completed backups",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd, stderr, d)
			if err != nil {
				return err
			}
			entries, err := b.List(backend.StatusComplete)
			if err != nil {
				return err
			}
			var results []verifyResult
			bad := 0
			for _, e := range entries {
				if len(args) == 1 && e.Date != args[0] {
					continue
				}
				status := backup.Verify(e.Path)
				if status != "ok" {
					bad++
				}
				results = append(results, verifyResult{Date: e.Date, VM: e.VM, Status: status, Path: e.Path})
			}
			switch output {
			case "json":
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(results); err != nil {
					return err
				}
			case "table", "":
				tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "DATE\tVM\tSTATUS\tPATH")
				for _, r := range results {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Date, r.VM, r.Status, r.Path)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unsupported --output: %s", output)
			}
			if bad > 0 {
				return fmt.Errorf("%d of %d backups failed verification", bad, len(results))
			}
			return nil
		},
	}
	addRootFlag(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table|json")
	return cmd
}
