package crawl

import (
	"errors"
	"fmt"
)

// ErrConfiguration is wrapped by any error crawl.New returns so callers can
// errors.Is against a stable sentinel, matching the teacher's
// fmt.Errorf("...: %w", err) wrapping convention throughout config.go and
// sqlite.go.
var ErrConfiguration = errors.New("crawl: invalid configuration")

// ErrUnknownSeed is returned by Registry operations addressed at a seed URL
// with no running crawl.
var ErrUnknownSeed = errors.New("crawl: no running crawl for seed")

func wrapConfig(msg string) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, msg)
}
