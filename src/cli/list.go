package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"vm-backup/src/backend"
	dir "vm-backup/src/backend/directory"
)

// addRootFlag adds --root, which overrides local.output-root and makes the
// configuration file optional.
func addRootFlag(cmd *cobra.Command) {
	cmd.Flags().String("root", "", "Backup output root (default: local.output-root from the configuration)")
}

func openBackend(cmd *cobra.Command, stderr io.Writer, d deps) (*dir.Backend, error) {
	root, _ := cmd.Flags().GetString("root")
	if root == "" {
		a, err := loadApp(cmd, stderr, d)
		if err != nil {
			return nil, err
		}
		root = a.cfg.Local.OutputRoot
	}
	return dir.New(root)
}

func newListCmd(stdout, stderr io.Writer, d deps) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list [all|complete|incomplete]",
		Short: "List local backups",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := backend.FilterAll
			if len(args) == 1 {
				filter = strings.ToLower(args[0])
			}
			var be backend.StorageBackend
			b, err := openBackend(cmd, stderr, d)
			if err != nil {
				return err
			}
			be = b
			entries, err := be.List(filter)
			if err != nil {
				return err
			}
			switch output {
			case "json":
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			case "table", "":
				return renderTable(stdout, entries)
			default:
				return fmt.Errorf("unsupported --output: %s", output)
			}
		},
	}
	addRootFlag(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table|json")
	return cmd
}

func renderTable(w io.Writer, entries []backend.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tVM\tSTATUS\tPATH")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Date, e.VM, e.Status, e.Path)
	}
	return tw.Flush()
}
