// Package safety guards commands that delete backups.
package safety

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/juju/errors"
	"golang.org/x/term"
)

// ErrNoTerminal is returned when a removal needs confirmation but stdin
// cannot answer, as under cron.
const ErrNoTerminal = errors.ConstError("refusing to remove backups without confirmation; pass --yes")

// Options carries the global safety flags.
type Options struct {
	DryRun bool
	Yes    bool
	// Force allows operations that are refused by default, such as pruning
	// every completed backup.
	Force bool
}

// Removal names the backups a command is about to delete.
type Removal struct {
	// Where is "local" or the name of an offsite sink.
	Where string
	Count int
}

func (r Removal) question() string {
	noun := "backups"
	if r.Count == 1 {
		noun = "backup"
	}
	if r.Count < 0 {
		return fmt.Sprintf("Remove expired %s %s?", r.Where, noun)
	}
	return fmt.Sprintf("Remove %d %s %s?", r.Count, r.Where, noun)
}

// ConfirmRemoval asks before backups are deleted. A dry run always declines
// and --yes or --force always accepts. Otherwise in must be a terminal, or a
// non-file reader such as a test's, and only "y" or "yes" accepts.
func ConfirmRemoval(opts Options, in io.Reader, out io.Writer, r Removal) (bool, error) {
	if opts.DryRun {
		return false, nil
	}
	if opts.Yes || opts.Force {
		return true, nil
	}
	if f, ok := in.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		return false, ErrNoTerminal
	}
	if out != nil {
		fmt.Fprintf(out, "%s [y/N]: ", r.question())
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	ans := strings.TrimSpace(strings.ToLower(line))
	return ans == "y" || ans == "yes", nil
}
