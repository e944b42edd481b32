// Package logging configures the process logger. Responses go to stdout;
// every log line goes to stderr so pipelines stay clean.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	root     *logrus.Logger
	rootOnce sync.Once

	entries   = make(map[string]*logrus.Entry)
	entriesMu sync.Mutex
)

// Root returns the shared logger, building it on first use. Level comes
// from KISSA_LOG_LEVEL (default info), format from KISSA_LOG_FORMAT
// (text or json), caller reporting from KISSA_LOG_CALLER=true.
func Root() *logrus.Logger {
	rootOnce.Do(func() {
		l := logrus.New()
		l.SetOutput(os.Stderr)

		level := logrus.InfoLevel
		if s := os.Getenv("KISSA_LOG_LEVEL"); s != "" {
			if parsed, err := logrus.ParseLevel(s); err == nil {
				level = parsed
			}
		}
		l.SetLevel(level)

		if os.Getenv("KISSA_LOG_CALLER") == "true" {
			l.SetReportCaller(true)
		}

		switch os.Getenv("KISSA_LOG_FORMAT") {
		case "json":
			l.SetFormatter(&logrus.JSONFormatter{})
		default:
			l.SetFormatter(&logrus.TextFormatter{
				FullTimestamp: true,
				ForceColors:   isatty.IsTerminal(os.Stderr.Fd()),
			})
		}
		root = l
	})
	return root
}

// Component returns a logger entry tagged with the component name.
// Entries are cached per component.
func Component(name string) *logrus.Entry {
	entriesMu.Lock()
	defer entriesMu.Unlock()

	if e, ok := entries[name]; ok {
		return e
	}
	e := Root().WithField("component", name)
	entries[name] = e
	return e
}

// SetVerbose raises the level to debug; used by the --verbose flag.
func SetVerbose() {
	Root().SetLevel(logrus.DebugLevel)
}

// SetQuiet drops everything below warnings.
func SetQuiet() {
	Root().SetLevel(logrus.WarnLevel)
}

// SetOutput redirects log output; tests use this to capture lines.
func SetOutput(w io.Writer) {
	Root().SetOutput(w)
}
