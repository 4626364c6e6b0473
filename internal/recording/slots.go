package recording

import (
	"errors"
	"fmt"
)

// Slot identifies one of the fixed recording pipelines.
type Slot int

const (
	LocalFull Slot = iota
	LocalAudio
	RemoteFull
	RemoteAudio
	CombinedFull
	CombinedAudio
)

const SlotCount = int(CombinedAudio) + 1

var ErrUnknownSlot = errors.New("unknown recording slot")

// Source names the stream a slot records from.
type Source int

const (
	SourceLocal Source = iota
	SourceRemote
	SourceCombined
)

func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceRemote:
		return "remote"
	case SourceCombined:
		return "combined"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

type slotInfo struct {
	label     string
	source    Source
	audioOnly bool
}

var slotTable = [SlotCount]slotInfo{
	LocalFull:     {"A", SourceLocal, false},
	LocalAudio:    {"A_audio", SourceLocal, true},
	RemoteFull:    {"B", SourceRemote, false},
	RemoteAudio:   {"B_audio", SourceRemote, true},
	CombinedFull:  {"AB", SourceCombined, false},
	CombinedAudio: {"AB_audio", SourceCombined, true},
}

// Slots returns every slot in table order.
func Slots() []Slot {
	out := make([]Slot, SlotCount)
	for i := range out {
		out[i] = Slot(i)
	}
	return out
}

func (s Slot) Valid() bool { return s >= 0 && int(s) < SlotCount }

// Label is the recordingType persisted with the artifact.
func (s Slot) Label() string {
	if !s.Valid() {
		return ""
	}
	return slotTable[s].label
}

func (s Slot) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Slot(%d)", int(s))
	}
	return slotTable[s].label
}

func (s Slot) Source() Source  { return slotTable[s].source }
func (s Slot) AudioOnly() bool { return slotTable[s].audioOnly }

// MimeType is the container type of the slot's artifact.
func (s Slot) MimeType() string {
	if s.AudioOnly() {
		return "audio/webm"
	}
	return "video/webm"
}

func ParseSlot(label string) (Slot, error) {
	for i, info := range slotTable {
		if info.label == label {
			return Slot(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSlot, label)
}

// State is the lifecycle position of a slot. Stopped is distinct from Idle
// so a second stop returns the first artifact instead of nothing.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
