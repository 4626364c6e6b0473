package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/meetflow/internal/backend"
	"github.com/wilsonzlin/meetflow/internal/compositor"
	"github.com/wilsonzlin/meetflow/internal/config"
	"github.com/wilsonzlin/meetflow/internal/devices"
	"github.com/wilsonzlin/meetflow/internal/recording"
	"github.com/wilsonzlin/meetflow/internal/session"
	"github.com/wilsonzlin/meetflow/internal/signaling"
	"github.com/wilsonzlin/meetflow/internal/webrtcpeer"
)

func newJoinCmd() *cobra.Command {
	return configCommand("join", "Join a meeting as a headless participant (--meet)", runJoin)
}

func runJoin(cmd *cobra.Command, cfg config.Config, logger *slog.Logger) error {
	if cfg.MeetID == "" {
		return usageError{errors.New("--meet is required")}
	}
	ctx := cmd.Context()

	api, err := newAPIClient(cfg, logger)
	if err != nil {
		return usageError{err}
	}
	if _, err := api.GetMeeting(ctx, cfg.MeetID); err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return fmt.Errorf("meeting %s does not exist", cfg.MeetID)
		}
		return err
	}
	store, err := newArtifactBackend(ctx, cfg, api, logger)
	if err != nil {
		return err
	}

	// Construct the WebRTC API early so misconfigurations are caught before
	// joining.
	webrtcAPI, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		return usageError{fmt.Errorf("configure webrtc: %w", err)}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	sig, err := signaling.Dial(dialCtx, cfg.SignalingURL, signaling.ClientOptions{Logger: logger})
	cancel()
	if err != nil {
		return err
	}

	backendImpl := compositorBackend()
	logStartupWarnings(logger, cfg)
	logger.Info("joining meet",
		"meet_id", cfg.MeetID,
		"signaling_url", cfg.SignalingURL,
		"media_source", cfg.MediaSource,
		"artifact_store", cfg.ArtifactStore,
		"compositor_backend", backendImpl.Name(),
		"record_after", cfg.RecordAfter,
		"record_for", cfg.RecordFor,
	)

	// The session outlives the command context so teardown below can still
	// save recordings after an interrupt.
	sessionCtx, cancelSession := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSession()

	ctrl, err := session.Join(sessionCtx, session.Options{
		MeetID:   cfg.MeetID,
		UserName: cfg.UserName,
		Host:     cfg.Host,
		Signaler: sig,
		Devices:  mediaSource(cfg, logger),
		Peers:    webrtcpeer.NewManager(webrtcAPI, cfg.ICEServers, logger),
		Compositor: compositor.New(compositor.Options{
			Width:   cfg.CompositorWidth,
			Height:  cfg.CompositorHeight,
			FPS:     cfg.CompositorFPS,
			Backend: backendImpl,
			Logger:  logger,
		}),
		Recorder: recording.New(recording.Options{Timeslice: cfg.RecordingTimeslice, Logger: logger}),
		Store:    store,
		Meetings: api,
		Logger:   logger,
	})
	if err != nil {
		_ = sig.Close()
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "joined %s as %s\n", cfg.MeetID, ctrl.UserID())

	var startTimer, stopTimer <-chan time.Time
	if cfg.RecordAfter > 0 {
		startTimer = time.After(cfg.RecordAfter)
	}

	for {
		select {
		case n := <-ctrl.Notifications():
			logNotification(logger, n)

		case <-startTimer:
			startTimer = nil
			if err := ctrl.StartRecording(ctx); err != nil {
				logger.Warn("start recording", "err", err)
				continue
			}
			if cfg.RecordFor > 0 {
				stopTimer = time.After(cfg.RecordFor)
			}

		case <-stopTimer:
			return finish(cmd, cfg, ctrl, logger)

		case <-ctrl.Done():
			logger.Info("session ended")
			return nil

		case <-ctx.Done():
			logger.Info("interrupted; leaving meet")
			return finish(cmd, cfg, ctrl, logger)
		}
	}
}

// finish leaves the meet, ending it for everyone when joined as host, and
// reports what was saved.
func finish(cmd *cobra.Command, cfg config.Config, ctrl *session.Controller, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	var (
		saved []session.SavedArtifact
		err   error
	)
	if cfg.Host {
		saved, err = ctrl.EndMeeting(ctx)
	} else {
		saved, err = ctrl.Leave(ctx)
	}
	for _, s := range saved {
		if s.Err != nil {
			logger.Warn("recording not saved", "label", s.Meta.Label, "bytes", len(s.Artifact.Data), "err", s.Err)
			continue
		}
		length := "unknown length"
		if d, err := s.Artifact.Duration(); err == nil {
			length = d.Round(time.Millisecond).String()
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d bytes, %s)\n", s.Meta.Filename(), len(s.Artifact.Data), length)
	}
	return err
}

func mediaSource(cfg config.Config, logger *slog.Logger) devices.Acquirer {
	if cfg.MediaSource == config.MediaSourceFile {
		return &devices.FileSource{VideoPath: cfg.MediaVideoFile, AudioPath: cfg.MediaAudioFile, Logger: logger}
	}
	return &devices.Synthetic{Logger: logger}
}

func logNotification(logger *slog.Logger, n session.Notification) {
	switch n := n.(type) {
	case session.RemoteJoined:
		logger.Info("participant joined", "remote_user_id", n.Participant.UserID, "remote_user_name", n.Participant.UserName)
	case session.RemoteLeft:
		logger.Info("participant left", "remote_user_id", n.Participant.UserID)
	case session.RemoteStreamReady:
		logger.Info("remote media ready", "stream_id", n.StreamID)
	case session.PeerStateChanged:
		logger.Info("peer connection", "state", n.State.String())
	case session.RecordingSaved:
		logger.Info("recording saved after participant left", "artifacts", len(n.Artifacts), "err", n.Err)
	case session.SignalingError:
		logger.Warn("signaling error", "code", n.Code, "message", n.Message)
	}
}
