// Package logging provides the same package-level Debug/Info/Warn/Error/
// Success/Fatal/Section/Banner surface the reference deployment's logger
// has always exposed, now backed by a structured logrus logger so every
// line carries fields (session id, peer address) instead of an
// interpolated string.
package logging

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05"})
}

// SetLevel sets the minimum level logged, using logrus's own level enum.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// Fields is a shorthand for structured key/value context attached to a
// log line, e.g. session id or peer address.
type Fields = logrus.Fields

// Debug logs at debug level with the given structured fields.
func Debug(fields Fields, format string, args ...interface{}) {
	base.WithFields(fields).Debug(fmt.Sprintf(format, args...))
}

// Info logs at info level with the given structured fields.
func Info(fields Fields, format string, args ...interface{}) {
	base.WithFields(fields).Info(fmt.Sprintf(format, args...))
}

// Warn logs at warn level with the given structured fields.
func Warn(fields Fields, format string, args ...interface{}) {
	base.WithFields(fields).Warn(fmt.Sprintf(format, args...))
}

// Error logs at error level with the given structured fields.
func Error(fields Fields, format string, args ...interface{}) {
	base.WithFields(fields).Error(fmt.Sprintf(format, args...))
}

// Success is an Info-level log tagged with an "outcome"="ok" field (added
// to fields in place when fields is non-nil), kept as its own
// call so call sites reading top to bottom still distinguish a milestone
// from routine progress the way the original leveled logger did.
func Success(fields Fields, format string, args ...interface{}) {
	if fields == nil {
		fields = Fields{}
	}
	fields["outcome"] = "ok"
	base.WithFields(fields).Info(fmt.Sprintf(format, args...))
}

// Fatal logs at logrus's fatal level and exits the process with status 1,
// matching the reference logger's Fatal.
func Fatal(fields Fields, format string, args ...interface{}) {
	base.WithFields(fields).Fatal(fmt.Sprintf(format, args...))
}

// Section prints an unadorned section header to stderr; kept for the
// same start-of-phase visual break the reference CLI output used.
func Section(title string) {
	fmt.Fprintf(os.Stderr, "\n=== %s ===\n\n", title)
}

// Banner prints the startup banner the server binary shows once at launch
// (the client binary prints none).
func Banner(title, version string) {
	fmt.Fprintf(os.Stderr, "%s (version %s)\n", title, version)
}
