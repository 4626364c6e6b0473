package devices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/wilsonzlin/meetflow/internal/mediastream"
)

// FileSource replays an IVF (VP8) file and an Ogg/Opus file as live tracks,
// pacing samples in real time and looping at end of file.
type FileSource struct {
	VideoPath string
	AudioPath string
	Logger    *slog.Logger
}

func (s *FileSource) Acquire(ctx context.Context, c Constraints) (*mediastream.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	stream := mediastream.NewStream("")
	var started []*mediastream.Track
	fail := func(err error) (*mediastream.Stream, error) {
		for _, t := range started {
			t.Stop()
		}
		return nil, err
	}

	if c.Video {
		if s.VideoPath == "" {
			return fail(fmt.Errorf("no video file configured: %w", ErrMediaAccessDenied))
		}
		f, hdr, err := openIVF(s.VideoPath)
		if err != nil {
			return fail(err)
		}
		codec := mediastream.CodecVP8
		codec.Width, codec.Height = int(hdr.Width), int(hdr.Height)
		track := mediastream.NewTrack(stream.ID()+"-video", codec)
		stream.AddTrack(track)
		started = append(started, track)
		go s.replayVideo(f, hdr, track, logger)
	}
	if c.Audio {
		if s.AudioPath == "" {
			return fail(fmt.Errorf("no audio file configured: %w", ErrMediaAccessDenied))
		}
		f, err := openOgg(s.AudioPath)
		if err != nil {
			return fail(err)
		}
		track := mediastream.NewTrack(stream.ID()+"-audio", mediastream.CodecOpus)
		stream.AddTrack(track)
		started = append(started, track)
		go s.replayAudio(f, track, logger)
	}
	if stream.Empty() {
		return nil, fmt.Errorf("no media kinds requested: %w", ErrMediaAccessDenied)
	}
	return stream, nil
}

func openIVF(path string) (*os.File, *ivfreader.IVFFileHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w (%w)", path, ErrMediaAccessDenied, err)
	}
	_, hdr, err := ivfreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("read ivf header %s: %w (%w)", path, ErrMediaAccessDenied, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return f, hdr, nil
}

func openOgg(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w (%w)", path, ErrMediaAccessDenied, err)
	}
	if _, _, err := oggreader.NewWith(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read ogg header %s: %w (%w)", path, ErrMediaAccessDenied, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

func (s *FileSource) replayVideo(f *os.File, hdr *ivfreader.IVFFileHeader, track *mediastream.Track, logger *slog.Logger) {
	defer f.Close()

	interval := time.Second / 30
	if hdr.TimebaseDenominator != 0 && hdr.TimebaseNumerator != 0 {
		interval = time.Duration(uint64(time.Second) * uint64(hdr.TimebaseNumerator) / uint64(hdr.TimebaseDenominator))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var elapsed time.Duration
	for {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			logger.Warn("ivf rewind failed", "path", s.VideoPath, "err", err)
			track.Stop()
			return
		}
		r, _, err := ivfreader.NewWith(f)
		if err != nil {
			logger.Warn("ivf reopen failed", "path", s.VideoPath, "err", err)
			track.Stop()
			return
		}
		for {
			frame, _, err := r.ParseNextFrame()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				logger.Warn("ivf frame read failed", "path", s.VideoPath, "err", err)
				break
			}
			select {
			case <-track.Done():
				return
			case <-ticker.C:
			}
			err = track.WriteFrame(mediastream.Frame{
				Data:      frame,
				Timestamp: elapsed,
				Duration:  interval,
				Keyframe:  len(frame) > 0 && frame[0]&0x01 == 0,
			})
			if err != nil {
				return
			}
			elapsed += interval
		}
	}
}

func (s *FileSource) replayAudio(f *os.File, track *mediastream.Track, logger *slog.Logger) {
	defer f.Close()

	var elapsed time.Duration
	for {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			logger.Warn("ogg rewind failed", "path", s.AudioPath, "err", err)
			track.Stop()
			return
		}
		r, _, err := oggreader.NewWith(f)
		if err != nil {
			logger.Warn("ogg reopen failed", "path", s.AudioPath, "err", err)
			track.Stop()
			return
		}
		var lastGranule uint64
		for {
			page, hdr, err := r.ParseNextPage()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				logger.Warn("ogg page read failed", "path", s.AudioPath, "err", err)
				break
			}
			samples := hdr.GranulePosition - lastGranule
			lastGranule = hdr.GranulePosition
			d := time.Duration(samples) * time.Second / 48000
			if d <= 0 {
				// Header pages carry no audio.
				continue
			}

			select {
			case <-track.Done():
				return
			case <-time.After(d):
			}
			err = track.WriteFrame(mediastream.Frame{
				Data:      page,
				Timestamp: elapsed,
				Duration:  d,
				Keyframe:  true,
			})
			if err != nil {
				return
			}
			elapsed += d
		}
	}
}
