// Package recording manages the six independently stoppable recording slots
// of a session and turns each finished take into one artifact.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/meetflow/internal/mediastream"
)

// Artifact is the frozen output of one stopped take.
type Artifact struct {
	Slot      Slot
	MimeType  string
	Data      []byte
	Chunks    int
	StartedAt time.Time
	StoppedAt time.Time
}

func (a *Artifact) Label() string { return a.Slot.Label() }

// Duration is the recorded length of a WebM artifact.
func (a *Artifact) Duration() (time.Duration, error) { return WebMDuration(a.Data) }

// Sources are the streams slots record from. Nil sources skip their slots.
type Sources struct {
	Local    *mediastream.Stream
	Remote   *mediastream.Stream
	Combined *mediastream.Stream
}

func (s Sources) stream(src Source) *mediastream.Stream {
	switch src {
	case SourceLocal:
		return s.Local
	case SourceRemote:
		return s.Remote
	case SourceCombined:
		return s.Combined
	default:
		return nil
	}
}

type Options struct {
	Timeslice time.Duration

	// NewCapturer defaults to NewWebMCapturer.
	NewCapturer CapturerFactory

	// OnChunk, when set, is called for every chunk appended to a slot.
	OnChunk func(slot Slot, size int)

	Logger *slog.Logger
}

type Orchestrator struct {
	timeslice   time.Duration
	newCapturer CapturerFactory
	onChunk     func(Slot, int)
	logger      *slog.Logger

	mu         sync.Mutex
	slots      [SlotCount]slotState
	lateChunks int
}

type slotState struct {
	state    State
	take     *take
	artifact *Artifact
}

// take is one start-to-stop run of a slot. Its chunk list is append-only
// until the artifact is built, then frozen.
type take struct {
	capturer  Capturer
	stream    *mediastream.Stream
	startedAt time.Time
	chunks    [][]byte
	size      int
	frozen    bool
	done      chan struct{}
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		timeslice:   opts.Timeslice,
		newCapturer: opts.NewCapturer,
		onChunk:     opts.OnChunk,
		logger:      opts.Logger,
	}
	if o.timeslice <= 0 {
		o.timeslice = DefaultTimeslice
	}
	if o.newCapturer == nil {
		o.newCapturer = NewWebMCapturer
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// State returns the lifecycle position of slot.
func (o *Orchestrator) State(slot Slot) State {
	if !slot.Valid() {
		return StateIdle
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.slots[slot].state
}

// LateChunks counts chunks that arrived after their take was frozen.
func (o *Orchestrator) LateChunks() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lateChunks
}

// Start begins a take on slot. A nil or empty stream leaves the slot idle and
// returns nil. Audio slots record an audio-only view of stream; stream itself
// is not modified. The take records the tracks stream holds now; tracks added
// later are not picked up. Callers must not start a slot that is already
// recording; doing so is logged and ignored.
func (o *Orchestrator) Start(slot Slot, stream *mediastream.Stream) error {
	if !slot.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownSlot, int(slot))
	}
	logger := o.logger.With("slot", slot.Label())

	if stream.Empty() {
		logger.Info("recording source absent, slot skipped")
		return nil
	}
	if slot.AudioOnly() {
		stream = stream.AudioOnly()
		if stream.Empty() {
			logger.Info("recording source has no audio, slot skipped")
			return nil
		}
	}

	o.mu.Lock()
	if st := o.slots[slot].state; st == StateRecording || st == StateStopping {
		o.mu.Unlock()
		logger.Warn("slot already recording, start ignored", "state", st)
		return nil
	}
	o.mu.Unlock()

	capturer, err := o.newCapturer(stream, CaptureOptions{Timeslice: o.timeslice, Logger: logger})
	if err != nil {
		return fmt.Errorf("start %s: %w", slot, err)
	}

	t := &take{
		capturer:  capturer,
		stream:    stream,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	o.mu.Lock()
	o.slots[slot] = slotState{state: StateRecording, take: t}
	o.mu.Unlock()

	go o.collect(slot, t)
	logger.Info("recording started", "stream_id", stream.ID(), "tracks", len(stream.Tracks()))
	return nil
}

func (o *Orchestrator) collect(slot Slot, t *take) {
	defer close(t.done)
	for chunk := range t.capturer.Chunks() {
		o.mu.Lock()
		if t.frozen {
			o.lateChunks++
			o.mu.Unlock()
			o.logger.Warn("late chunk ignored", "slot", slot.Label(), "bytes", len(chunk))
			continue
		}
		t.chunks = append(t.chunks, chunk)
		t.size += len(chunk)
		o.mu.Unlock()

		if o.onChunk != nil {
			o.onChunk(slot, len(chunk))
		}
	}
}

// Stop finalizes slot. An idle slot yields nil. A stopped slot yields the
// artifact of its first stop. A recording slot yields only after the capturer
// has delivered its final chunk.
func (o *Orchestrator) Stop(ctx context.Context, slot Slot) (*Artifact, error) {
	if !slot.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSlot, int(slot))
	}

	o.mu.Lock()
	s := &o.slots[slot]
	switch s.state {
	case StateIdle:
		o.mu.Unlock()
		return nil, nil
	case StateStopped:
		a := s.artifact
		o.mu.Unlock()
		return a, nil
	}
	t := s.take
	first := s.state == StateRecording
	s.state = StateStopping
	o.mu.Unlock()

	if first {
		t.capturer.Stop()
	}
	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("stop %s: %w", slot, ctx.Err())
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if s.state == StateStopped {
		return s.artifact, nil
	}

	data := make([]byte, 0, t.size)
	for _, c := range t.chunks {
		data = append(data, c...)
	}
	a := &Artifact{
		Slot:      slot,
		MimeType:  slot.MimeType(),
		Data:      data,
		Chunks:    len(t.chunks),
		StartedAt: t.startedAt,
		StoppedAt: time.Now(),
	}
	t.frozen = true
	t.chunks = nil
	s.state = StateStopped
	s.artifact = a

	o.logger.Info("recording stopped", "slot", slot.Label(), "bytes", len(data), "chunks", a.Chunks)
	return a, nil
}

// StartAll starts every slot from its source. Slots are independent: a
// failure is logged and reported but the remaining slots still start.
func (o *Orchestrator) StartAll(src Sources) error {
	var errs []error
	for _, slot := range Slots() {
		if err := o.Start(slot, src.stream(slot.Source())); err != nil {
			o.logger.Warn("slot start failed", "slot", slot.Label(), "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every slot concurrently. Idle slots resolve to nil entries.
func (o *Orchestrator) StopAll(ctx context.Context) ([SlotCount]*Artifact, error) {
	var (
		out  [SlotCount]*Artifact
		errs [SlotCount]error
		wg   sync.WaitGroup
	)
	for _, slot := range Slots() {
		wg.Add(1)
		go func(slot Slot) {
			defer wg.Done()
			out[slot], errs[slot] = o.Stop(ctx, slot)
		}(slot)
	}
	wg.Wait()
	return out, errors.Join(errs[:]...)
}

// Active reports whether any slot is recording or stopping.
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.slots {
		if s.state == StateRecording || s.state == StateStopping {
			return true
		}
	}
	return false
}

// Cleanup stops the capturer and the recorded stream of every slot that was
// ever started. Repeated calls and already stopped tracks are tolerated.
func (o *Orchestrator) Cleanup() {
	o.mu.Lock()
	var takes []*take
	for i := range o.slots {
		if t := o.slots[i].take; t != nil {
			takes = append(takes, t)
		}
	}
	o.mu.Unlock()

	for _, t := range takes {
		t.capturer.Stop()
		t.stream.Stop()
	}
}
