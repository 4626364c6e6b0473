package recording

import (
	"log/slog"
	"time"

	"github.com/wilsonzlin/meetflow/internal/mediastream"
)

// Capturer encodes a stream into container bytes delivered in chunks.
type Capturer interface {
	// Chunks yields container bytes once per timeslice. After Stop it yields
	// the final chunk and is then closed, which is the done signal.
	Chunks() <-chan []byte

	// Stop asks the capturer to finalize. It does not wait; callers drain
	// Chunks until it closes. Safe to call repeatedly.
	Stop()
}

type CaptureOptions struct {
	Timeslice time.Duration
	Logger    *slog.Logger
}

// CapturerFactory starts capturing stream immediately.
type CapturerFactory func(stream *mediastream.Stream, opts CaptureOptions) (Capturer, error)
