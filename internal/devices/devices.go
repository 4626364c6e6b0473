// Package devices acquires local media streams for a participant.
package devices

import (
	"context"
	"errors"

	"github.com/wilsonzlin/meetflow/internal/mediastream"
)

// ErrMediaAccessDenied is returned when a capture request is refused or no
// device can satisfy it.
var ErrMediaAccessDenied = errors.New("media access denied")

type Constraints struct {
	Audio bool
	Video bool
}

// Acquirer produces a live local stream. The returned stream lives until the
// caller stops it.
type Acquirer interface {
	Acquire(ctx context.Context, c Constraints) (*mediastream.Stream, error)
}
