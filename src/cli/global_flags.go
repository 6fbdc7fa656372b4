package cli

import (
	"github.com/spf13/cobra"

	"vm-backup/src/config"
	"vm-backup/src/safety"
)

// addGlobalFlags adds the persistent flags shared by every command.
func addGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("config", "c", config.DefaultPath, "Path to the configuration file")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Log every command and list archived files")
	cmd.PersistentFlags().BoolP("quiet", "q", false, "Only log warnings and errors; no progress meters")
	cmd.PersistentFlags().Bool("dry-run", false, "Show planned actions without making changes")
	cmd.PersistentFlags().BoolP("yes", "y", false, "Assume 'yes' to prompts and run non-interactively")
	cmd.PersistentFlags().Bool("force", false, "Force potentially dangerous operations (implies --yes)")
}

// getSafetyOptions reads global flags into a safety.Options struct.
func getSafetyOptions(cmd *cobra.Command) safety.Options {
	dry, _ := cmd.Root().PersistentFlags().GetBool("dry-run")
	yes, _ := cmd.Root().PersistentFlags().GetBool("yes")
	force, _ := cmd.Root().PersistentFlags().GetBool("force")
	return safety.Options{DryRun: dry, Yes: yes, Force: force}
}

type logFlags struct {
	verbose bool
	quiet   bool
}

func getLogFlags(cmd *cobra.Command) logFlags {
	v, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	q, _ := cmd.Root().PersistentFlags().GetBool("quiet")
	return logFlags{verbose: v, quiet: q}
}
