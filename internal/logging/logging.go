// Package logging configures the daemon's structured logger. It plays
// the role of the reference pack's conf.SetVerboseMode
// (86selim-zsys/internal/config/config.go): a single place that maps an
// environment-driven verbosity knob onto logrus.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// EnvVar is the only environment variable honored by the core daemon
// for logging verbosity (the spec's "RUST_LOG-equivalent filter").
const EnvVar = "KAWAKAZE_LOG"

// Init configures the global logrus logger from KAWAKAZE_LOG. Unknown
// or unset values fall back to info level.
func Init() {
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableLevelTruncation: true,
		FullTimestamp:          true,
	})

	level := os.Getenv(EnvVar)
	if level == "" {
		logrus.SetLevel(logrus.InfoLevel)
		return
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.SetLevel(logrus.InfoLevel)
		logrus.WithField(EnvVar, level).Warn("unrecognized log level, defaulting to info")
		return
	}
	logrus.SetLevel(parsed)
}
