package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"allo/internal/config"
)

// New builds a logger from the log section of the config. A nil writer means
// stderr.
func New(cfg *config.Config, out io.Writer) *logrus.Logger {
	l := logrus.New()
	if out == nil {
		out = os.Stderr
	}
	l.SetOutput(out)
	level := logrus.InfoLevel
	format := ""
	if cfg != nil {
		if lv, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
			level = lv
		}
		format = cfg.Log.Format
	}
	l.SetLevel(level)
	switch strings.ToLower(format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}

// Discard returns a logger that drops everything. Used by tests and quiet
// CLI paths.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// MaskPhone keeps the last two digits of a phone number.
func MaskPhone(phone string) string {
	if len(phone) <= 2 {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-2) + phone[len(phone)-2:]
}
