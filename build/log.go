package build

import (
	"os"

	"github.com/btcsuite/btclog/v2"
)

// NewSubLogger constructs a new subsystem log from the given sublogger
// constructor. If no constructor is provided, logging is disabled, which is
// the default for library consumers that have not opted in to log output.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	if genSubLogger != nil {
		return genSubLogger(subsystem)
	}

	return btclog.Disabled
}

// NewStdOutSubLogger returns a sublogger that writes directly to stdout. It
// is primarily intended for unit tests and debugging sessions, where all
// subsystems can safely share the same backend.
func NewStdOutSubLogger(subsystem string) btclog.Logger {
	handler := btclog.NewDefaultHandler(os.Stdout)
	logger := btclog.NewSLogger(handler)

	return logger.WithPrefix(subsystem)
}
