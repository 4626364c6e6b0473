package mediastream

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrTrackEnded is returned by WriteFrame once the track has been stopped.
var ErrTrackEnded = errors.New("mediastream: track ended")

type Kind int

const (
	KindAudio Kind = iota + 1
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

const (
	MimeTypeVP8     = "video/VP8"
	MimeTypeOpus    = "audio/opus"
	MimeTypeRawRGBA = "video/x-raw-rgba"
	MimeTypePCM     = "audio/x-raw-s16le"
)

// Codec describes the payload format carried by a Track. Width and Height are
// the nominal dimensions of video tracks and may be zero when unknown.
type Codec struct {
	MimeType  string
	ClockRate uint32
	Channels  uint16
	Width     int
	Height    int
}

var (
	CodecVP8     = Codec{MimeType: MimeTypeVP8, ClockRate: 90000}
	CodecOpus    = Codec{MimeType: MimeTypeOpus, ClockRate: 48000, Channels: 2}
	CodecRawRGBA = Codec{MimeType: MimeTypeRawRGBA, ClockRate: 90000}
	CodecPCM     = Codec{MimeType: MimeTypePCM, ClockRate: 48000, Channels: 1}
)

// Kind derives the track kind from the MIME type prefix.
func (c Codec) Kind() Kind {
	if strings.HasPrefix(strings.ToLower(c.MimeType), "audio/") {
		return KindAudio
	}
	return KindVideo
}

// Is reports whether c carries the given MIME type (case-insensitive).
func (c Codec) Is(mimeType string) bool {
	return strings.EqualFold(c.MimeType, mimeType)
}

// Frame is one media sample. Data is shared between subscribers and must not
// be mutated after WriteFrame.
type Frame struct {
	Data      []byte
	Timestamp time.Duration
	Duration  time.Duration
	Keyframe  bool

	// Raw video only.
	Width  int
	Height int
}

// Track is a live media source that fans frames out to its subscribers.
type Track struct {
	id    string
	codec Codec

	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	stopped bool
	done    chan struct{}
}

func NewTrack(id string, codec Codec) *Track {
	return &Track{
		id:    id,
		codec: codec,
		subs:  make(map[*Subscription]struct{}),
		done:  make(chan struct{}),
	}
}

func (t *Track) ID() string   { return t.id }
func (t *Track) Kind() Kind   { return t.codec.Kind() }
func (t *Track) Codec() Codec { return t.codec }

// Subscribe registers a subscriber that receives every frame written after
// this call. Frames are dropped for a subscriber whose buffer is full.
// Subscribing to a stopped track returns an already closed subscription.
func (t *Track) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{track: t, ch: make(chan Frame, buffer)}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		close(s.ch)
		s.closed = true
		return s
	}
	t.subs[s] = struct{}{}
	return s
}

// WriteFrame delivers f to every subscriber without blocking.
func (t *Track) WriteFrame(f Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return ErrTrackEnded
	}
	for s := range t.subs {
		select {
		case s.ch <- f:
		default:
			s.dropped++
		}
	}
	return nil
}

// Stop ends the track and closes every subscription. Safe to call repeatedly.
func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	for s := range t.subs {
		s.closed = true
		close(s.ch)
	}
	t.subs = nil
	close(t.done)
}

// Done is closed once the track is stopped.
func (t *Track) Done() <-chan struct{} {
	return t.done
}

func (t *Track) Ended() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

type Subscription struct {
	track *Track
	ch    chan Frame

	// Guarded by track.mu.
	closed  bool
	dropped uint64
}

// Frames is closed when the subscription is closed or the track stops.
func (s *Subscription) Frames() <-chan Frame {
	return s.ch
}

func (s *Subscription) Track() *Track {
	return s.track
}

// Dropped returns how many frames were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	s.track.mu.Lock()
	defer s.track.mu.Unlock()
	return s.dropped
}

func (s *Subscription) Close() {
	t := s.track
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(t.subs, s)
	close(s.ch)
}
