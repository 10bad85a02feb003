package build

import (
	"os"
	"sync"

	"github.com/btcsuite/btclog"
)

var (
	// subLogMtx guards the generator and the registered setters below.
	subLogMtx sync.Mutex

	// subLogGenerator is an optional factory for subsystem loggers. When
	// the host application wants log output it installs a generator
	// backed by its own btclog backend. Until then all subsystem loggers
	// are disabled.
	subLogGenerator func(string) btclog.Logger

	// subLogSetters remembers, per subsystem, how to swap the logger of a
	// package whose init has already run.
	subLogSetters = make(map[string][]func(btclog.Logger))
)

// SetSubLogGenerator installs the factory used to construct subsystem
// loggers and re-initializes every logger handed out so far. Passing nil
// disables all package logging again.
func SetSubLogGenerator(gen func(string) btclog.Logger) {
	subLogMtx.Lock()
	defer subLogMtx.Unlock()

	subLogGenerator = gen
	for subsystem, setters := range subLogSetters {
		logger := genLogger(subsystem)
		for _, set := range setters {
			set(logger)
		}
	}
}

// NewSubLogger constructs a logger for the given subsystem tag. The setter,
// if non-nil, is registered so the package's logger can be replaced when a
// generator is installed later on.
func NewSubLogger(subsystem string,
	setter func(btclog.Logger)) btclog.Logger {

	subLogMtx.Lock()
	defer subLogMtx.Unlock()

	if setter != nil {
		subLogSetters[subsystem] = append(
			subLogSetters[subsystem], setter,
		)
	}

	return genLogger(subsystem)
}

// genLogger builds a single subsystem logger from the current generator.
// The subLogMtx must be held.
func genLogger(subsystem string) btclog.Logger {
	if subLogGenerator == nil {
		return btclog.Disabled
	}

	return subLogGenerator(subsystem)
}

// NewStdOutLogGenerator returns a generator that writes all subsystem logs
// to stdout at the given level. This is primarily useful within tests and
// example binaries.
func NewStdOutLogGenerator(level btclog.Level) func(string) btclog.Logger {
	backend := btclog.NewBackend(os.Stdout)

	return func(subsystem string) btclog.Logger {
		logger := backend.Logger(subsystem)
		logger.SetLevel(level)

		return logger
	}
}
