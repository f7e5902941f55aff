// Package common provides shared logging infrastructure for the aegis audit
// pipeline. The logger routes error-level output to stderr and everything
// else to stdout so that host applications and log collectors can treat the
// two streams differently.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stderr or stdout based on
// their level. It operates on the final formatted output, so it works with
// both the text and JSON formatters.
type OutputSplitter struct{}

// Write sends error-level lines to stderr and all other lines to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the package-global logger used across the pipeline and resolver.
// The zero configuration is suitable for development; main applies level and
// format from configuration at startup.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ConfigureLogger applies level and format settings. Unknown values fall
// back to info level and text format.
func ConfigureLogger(level, format string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)

	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
