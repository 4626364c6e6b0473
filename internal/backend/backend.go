// Package backend talks to the services that outlive a meeting: the meeting
// registry and the store that keeps finished recordings.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrPersistenceFailed wraps every transport failure and non-2xx reply.
	ErrPersistenceFailed = errors.New("persistence failed")

	ErrNotFound = errors.New("not found")
)

// ArtifactMeta identifies who a recording belongs to.
type ArtifactMeta struct {
	MeetID   string
	UserID   string
	UserName string
	Label    string
	MimeType string

	// RecordedAt names the file; zero means now.
	RecordedAt time.Time
}

// Filename is the upload name for the artifact, <label>-<unixms>.webm.
func (m ArtifactMeta) Filename() string {
	at := m.RecordedAt
	if at.IsZero() {
		at = time.Now()
	}
	return fmt.Sprintf("%s-%d.webm", m.Label, at.UnixMilli())
}

type StoredRecord struct {
	ID            string    `json:"_id,omitempty"`
	MeetID        string    `json:"meetId"`
	UserID        string    `json:"userId"`
	UserName      string    `json:"userName"`
	RecordingType string    `json:"recordingType"`
	Filename      string    `json:"filename,omitempty"`
	Filepath      string    `json:"filepath,omitempty"`
	Size          int64     `json:"size"`
	CreatedAt     time.Time `json:"createdAt,omitempty"`
}

type Meeting struct {
	MeetID    string     `json:"meetId"`
	Status    string     `json:"status,omitempty"`
	CreatedAt time.Time  `json:"createdAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

type ArtifactStore interface {
	SaveArtifact(ctx context.Context, meta ArtifactMeta, blob []byte) (StoredRecord, error)
}

type MeetingService interface {
	CreateMeeting(ctx context.Context) (Meeting, error)
	GetMeeting(ctx context.Context, meetID string) (Meeting, error)
	EndMeeting(ctx context.Context, meetID string) error
}

type RecordingIndex interface {
	ListRecordings(ctx context.Context, meetID string) ([]StoredRecord, error)
}

// RecordingGroup pairs the video and audio-only takes of one slot for one
// participant.
type RecordingGroup struct {
	UserID   string
	UserName string
	Label    string
	Video    *StoredRecord
	Audio    *StoredRecord
}

// GroupRecordings groups records by participant and base slot label ("A",
// "B", "AB"), keeping the order in which groups first appear.
func GroupRecordings(records []StoredRecord) []RecordingGroup {
	var groups []RecordingGroup
	index := make(map[string]int)

	for i := range records {
		rec := &records[i]
		base := strings.Replace(rec.RecordingType, "_audio", "", 1)
		key := rec.UserID + "-" + base

		gi, ok := index[key]
		if !ok {
			gi = len(groups)
			index[key] = gi
			groups = append(groups, RecordingGroup{UserID: rec.UserID, Label: base})
		}
		g := &groups[gi]
		if strings.Contains(rec.RecordingType, "audio") {
			g.Audio = rec
		} else {
			g.Video = rec
		}
		if g.UserName == "" {
			g.UserName = rec.UserName
		}
	}
	return groups
}
