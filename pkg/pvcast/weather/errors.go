package weather

import (
	"fmt"
	"time"
)

// ProviderUnavailableError is returned when a provider cannot be reached after
// retry exhaustion. The caller may retry later; it is never fatal to the
// process.
type ProviderUnavailableError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("provider %s unavailable after %d attempts: %v", e.Provider, e.Attempts, e.Err)
}

func (e *ProviderUnavailableError) Unwrap() error { return e.Err }

// ParseError is returned when a provider response cannot be decoded into the
// expected schema. Payload identifies the offending document for logging.
type ParseError struct {
	Provider string
	Payload  string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("provider %s: cannot parse %s: %v", e.Provider, e.Payload, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// RangeUnavailableError is returned when a requested historical range is
// outside the provider's coverage. Not retried; surfaced to the caller.
type RangeUnavailableError struct {
	Provider string
	Start    time.Time
	End      time.Time
	Earliest time.Time
	Latest   time.Time
}

func (e *RangeUnavailableError) Error() string {
	return fmt.Sprintf("provider %s: range %s..%s outside available %s..%s",
		e.Provider,
		e.Start.Format("2006-01-02"), e.End.Format("2006-01-02"),
		e.Earliest.Format("2006-01-02"), e.Latest.Format("2006-01-02"))
}
