package deadline

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientIO marks failures of a store or mail collaborator that may
	// succeed on a later tick.
	ErrTransientIO = errors.New("transient io error")
	// ErrMalformedData marks a single record that cannot be used (bad deadline,
	// missing email). The record is skipped.
	ErrMalformedData = errors.New("malformed data")
	// ErrFatalConfig aborts a run before any dispatch.
	ErrFatalConfig = errors.New("fatal config error")
)

// TransientIO classifies err as a transient I/O failure.
// Already classified errors are returned unchanged.
func TransientIO(err error) error { return classify(ErrTransientIO, err) }

// MalformedData classifies err as a malformed record.
func MalformedData(err error) error { return classify(ErrMalformedData, err) }

// FatalConfig classifies err as a configuration error.
func FatalConfig(err error) error { return classify(ErrFatalConfig, err) }

func classify(class, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientIO) || errors.Is(err, ErrMalformedData) || errors.Is(err, ErrFatalConfig) {
		return err
	}
	return fmt.Errorf("%w: %w", class, err)
}

// Class returns a short label for logs and events.
func Class(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrFatalConfig):
		return "fatal_config"
	case errors.Is(err, ErrMalformedData):
		return "malformed"
	case errors.Is(err, ErrTransientIO):
		return "transient"
	default:
		return "unknown"
	}
}
