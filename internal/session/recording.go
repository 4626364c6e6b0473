package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wilsonzlin/meetflow/internal/backend"
	"github.com/wilsonzlin/meetflow/internal/mediastream"
	"github.com/wilsonzlin/meetflow/internal/recording"
)

// startRecording starts the batch. Slot track sets are fixed at start, so a
// remote stream still missing a kind gets a bounded wait first.
func (c *Controller) startRecording(ctx context.Context) error {
	if c.left {
		return ErrSessionClosed
	}
	if c.recorder.Active() {
		return ErrAlreadyRecording
	}

	src := recording.Sources{Local: c.local}
	if c.remoteStream != nil && !c.remoteStream.Empty() {
		if !awaitAudioVideo(ctx, c.remoteStream, remoteTrackWait) {
			c.logger.Warn("remote stream incomplete; missing kind will not be recorded",
				"audio_tracks", len(c.remoteStream.AudioTracks()),
				"video_tracks", len(c.remoteStream.VideoTracks()),
			)
		}
		src.Remote = c.remoteStream

		combined, err := c.compositor.Compose(c.ctx, c.local, c.remoteStream)
		switch {
		case combined == nil:
			c.logger.Warn("compositor unavailable; skipping combined slots", "err", err)
		case err != nil:
			c.logger.Warn("combined stream is degraded", "err", err)
			fallthrough
		default:
			c.combined = combined
			src.Combined = combined.Stream()
		}
	}

	// Slots start independently, so a partial failure still records.
	if err := c.recorder.StartAll(src); err != nil {
		c.logger.Warn("recording started with failed slots", "err", err)
	}
	c.logger.Info("recording started", "remote", src.Remote != nil, "combined", src.Combined != nil)
	return nil
}

// awaitAudioVideo polls s until it carries both an audio and a video track.
// It gives up after timeout or when ctx ends and reports the final state.
func awaitAudioVideo(ctx context.Context, s *mediastream.Stream, timeout time.Duration) bool {
	complete := func() bool {
		return len(s.AudioTracks()) > 0 && len(s.VideoTracks()) > 0
	}
	if complete() {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return complete()
		case <-timer.C:
			return complete()
		case <-ticker.C:
			if complete() {
				return true
			}
		}
	}
}

func (c *Controller) stopRecording(ctx context.Context) ([]SavedArtifact, error) {
	if !c.recorder.Active() {
		return nil, nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, c.stopTimeout)
	artifacts, stopErr := c.recorder.StopAll(stopCtx)
	cancel()
	if stopErr != nil {
		c.logger.Warn("some slots did not stop cleanly", "err", stopErr)
	}

	if c.combined != nil {
		if err := c.combined.Close(); err != nil {
			c.logger.Debug("close combined stream", "err", err)
		}
		c.combined = nil
	}

	var (
		saved []SavedArtifact
		errs  []error
	)
	for _, a := range artifacts {
		if a == nil {
			continue
		}
		s := c.save(ctx, a)
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
		saved = append(saved, s)
	}
	c.logger.Info("recording stopped", "artifacts", len(saved), "save_failures", len(errs))
	return saved, errors.Join(errs...)
}

// save persists one artifact. Remote slots belong to the remote participant,
// every other slot to this one.
func (c *Controller) save(ctx context.Context, a *recording.Artifact) SavedArtifact {
	meta := backend.ArtifactMeta{
		MeetID:     c.meetID,
		UserID:     c.userID,
		UserName:   c.userName,
		Label:      a.Label(),
		MimeType:   a.MimeType,
		RecordedAt: a.StoppedAt,
	}
	if a.Slot.Source() == recording.SourceRemote && c.remote != nil {
		meta.UserID = c.remote.UserID
		meta.UserName = c.remote.UserName
		if meta.UserID == "" {
			meta.UserID = c.remote.EndpointID
		}
	}

	out := SavedArtifact{Artifact: a, Meta: meta}
	if c.store == nil {
		return out
	}
	rec, err := c.store.SaveArtifact(ctx, meta, a.Data)
	if err != nil {
		if !errors.Is(err, backend.ErrPersistenceFailed) {
			err = fmt.Errorf("%w: %w", backend.ErrPersistenceFailed, err)
		}
		out.Err = fmt.Errorf("save %s: %w", meta.Label, err)
		c.logger.Warn("saving recording failed; artifact kept in memory", "label", meta.Label, "bytes", len(a.Data), "err", err)
		return out
	}
	out.Record = &rec
	return out
}
