package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"vm-backup/src/version"
)

// hostTools are the programs backups and offsite pushes shell out to. pv is
// optional: without it runs simply have no progress meter.
var hostTools = []struct {
	name     string
	optional bool
}{
	{name: "lvm"}, {name: "mount"}, {name: "umount"}, {name: "blockdev"},
	{name: "dd"}, {name: "cat"}, {name: "tar"}, {name: "gzip"},
	{name: "du"}, {name: "gpg"}, {name: "pv", optional: true},
}

func newVersionCmd(stdout io.Writer, d deps) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version, and optionally check the host tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(stdout, version.Version)
			if !check {
				return nil
			}
			missing := 0
			tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TOOL\tPATH")
			for _, tool := range hostTools {
				path, err := d.lookPath(tool.name)
				switch {
				case err == nil:
				case tool.optional:
					path = "not found (optional)"
				default:
					path = "not found"
					missing++
				}
				fmt.Fprintf(tw, "%s\t%s\n", tool.name, path)
			}
			_ = tw.Flush()
			if missing > 0 {
				return fmt.Errorf("%d required tools are missing", missing)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "also report where the required host tools are found")
	return cmd
}
