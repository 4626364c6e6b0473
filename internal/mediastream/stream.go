package mediastream

import (
	"sync"

	"github.com/google/uuid"
)

// Stream is an ordered, mutable set of tracks.
type Stream struct {
	id string

	mu     sync.RWMutex
	tracks []*Track
}

// NewStream returns a stream holding tracks. An empty id is replaced with a
// random one.
func NewStream(id string, tracks ...*Track) *Stream {
	if id == "" {
		id = uuid.NewString()
	}
	s := &Stream{id: id}
	for _, t := range tracks {
		s.AddTrack(t)
	}
	return s
}

func (s *Stream) ID() string { return s.id }

// AddTrack appends t unless it is already part of the stream.
func (s *Stream) AddTrack(t *Track) {
	if t == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tracks {
		if existing == t {
			return
		}
	}
	s.tracks = append(s.tracks, t)
}

func (s *Stream) RemoveTrack(t *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.tracks {
		if existing == t {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}

// Tracks returns a snapshot of the track set. A nil stream has none.
func (s *Stream) Tracks() []*Track {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *Stream) AudioTracks() []*Track { return s.byKind(KindAudio) }
func (s *Stream) VideoTracks() []*Track { return s.byKind(KindVideo) }

func (s *Stream) byKind(k Kind) []*Track {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Track
	for _, t := range s.tracks {
		if t.Kind() == k {
			out = append(out, t)
		}
	}
	return out
}

// Empty reports whether the stream has no tracks. A nil stream is empty.
func (s *Stream) Empty() bool {
	if s == nil {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks) == 0
}

// Stop stops every track in the stream.
func (s *Stream) Stop() {
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// AudioOnly returns a new stream that shares the receiver's audio tracks. The
// receiver is left untouched.
func (s *Stream) AudioOnly() *Stream {
	return NewStream(s.id+"-audio", s.AudioTracks()...)
}
