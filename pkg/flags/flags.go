// Package flags carries the logging setup shared by all hdds binaries.
package flags

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/hdds-team/hdds-go/pkg/version"
)

// SetLogLevel configures the process logger. Must be one of: panic,
// fatal, error, warn, info, debug.
func SetLogLevel(logLevel string) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log-level %q: %w", logLevel, err)
	}
	log.SetLevel(level)
	return nil
}

// MaybePrintVersionAndExit prints the build version and exits when
// requested; otherwise it logs the running version.
func MaybePrintVersionAndExit(printVersion bool) {
	if printVersion {
		fmt.Println(version.Version)
		os.Exit(0)
	}
	log.Infof("running version %s", version.Version)
}
