// Package logging builds the logrus loggers shared by peerlink components.
//
// Components take a logrus.FieldLogger and tag it with their name:
//
//	log := logging.Component(parent, "discovery")
//	log.WithField("peer", logging.ShortID(id)).Info("found new device")
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/edgecli/peerlink/internal/redact"
)

// New returns a text logger writing to w at the given level. Unknown levels
// fall back to info; a nil writer means stderr. Key material and ciphertext
// are redacted from every entry.
func New(level string, w io.Writer) *logrus.Logger {
	l := logrus.New()
	if w == nil {
		w = os.Stderr
	}
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.AddHook(redact.Hook{})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Component returns a child logger tagged with the component name.
// A nil parent yields a discard logger.
func Component(parent logrus.FieldLogger, name string) logrus.FieldLogger {
	if parent == nil {
		parent = Discard()
	}
	return parent.WithField("component", name)
}

// ShortID trims a uuid to its first 8 characters for log output.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
