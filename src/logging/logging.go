// Package logging builds the process logger.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Level maps the -q and -v flags to a log level. Quiet wins.
func Level(verbose, quiet bool) logrus.Level {
	switch {
	case quiet:
		return logrus.WarnLevel
	case verbose:
		return logrus.DebugLevel
	}
	return logrus.InfoLevel
}

// New returns a text logger writing to out.
func New(out io.Writer, verbose, quiet bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(Level(verbose, quiet))
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp:       !verbose,
		FullTimestamp:          true,
		DisableLevelTruncation: true,
		PadLevelText:           true,
	})
	return l
}
