// Package session drives one participant through a meet: it acquires local
// media, negotiates the peer connection over signaling and runs the
// recording batch on request.
//
// All session state is owned by a single event loop. Signaling messages,
// peer connection events and user commands are serialized through it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/meetflow/internal/backend"
	"github.com/wilsonzlin/meetflow/internal/compositor"
	"github.com/wilsonzlin/meetflow/internal/devices"
	"github.com/wilsonzlin/meetflow/internal/mediastream"
	"github.com/wilsonzlin/meetflow/internal/recording"
	"github.com/wilsonzlin/meetflow/internal/signaling"
	"github.com/wilsonzlin/meetflow/internal/webrtcpeer"
)

var (
	ErrSessionClosed    = errors.New("session closed")
	ErrNotHost          = errors.New("only the host can end the meeting")
	ErrAlreadyRecording = errors.New("recording already in progress")
)

const (
	defaultStopTimeout  = 10 * time.Second
	defaultLeaveTimeout = 15 * time.Second
	notificationBuffer  = 32
	negotiationTimeout  = 10 * time.Second

	// The remote stream is announced on its first track; recording waits
	// this long for the other kind before fixing the slot track sets.
	remoteTrackWait = 3 * time.Second
)

// Signaler is the participant's link to the relay. *signaling.Client
// implements it.
type Signaler interface {
	Inbound() <-chan signaling.Message
	Send(signaling.Message) error
	Close() error
}

type Options struct {
	MeetID   string
	UserName string
	// UserID defaults to NewParticipantID().
	UserID string
	Host   bool

	Signaler Signaler
	Devices  devices.Acquirer
	Peers    *webrtcpeer.Manager

	// Compositor and Recorder are created with defaults when nil.
	Compositor *compositor.Compositor
	Recorder   *recording.Orchestrator

	// Store receives finished artifacts. Without one, artifacts are only
	// returned to the caller.
	Store    backend.ArtifactStore
	Meetings backend.MeetingService

	// StopTimeout bounds how long stopping the recording batch may wait for
	// the last chunks.
	StopTimeout time.Duration

	Logger *slog.Logger
}

// Participant identifies the other side of the meet.
type Participant struct {
	UserID     string
	UserName   string
	EndpointID string
}

// SavedArtifact is one stopped slot and the outcome of persisting it. Record
// is nil when saving failed or no store is configured.
type SavedArtifact struct {
	Artifact *recording.Artifact
	Meta     backend.ArtifactMeta
	Record   *backend.StoredRecord
	Err      error
}

type Status struct {
	MeetID   string
	UserID   string
	UserName string
	Host     bool

	Remote       *Participant
	PeerState    webrtcpeer.State
	RemoteStream bool
	Combined     bool
	Recording    bool
	Slots        [recording.SlotCount]recording.State
}

// NewParticipantID returns a fresh "user-<uuid>" identifier.
func NewParticipantID() string {
	return "user-" + uuid.NewString()
}

type commandKind int

const (
	cmdStartRecording commandKind = iota + 1
	cmdStopRecording
	cmdStatus
	cmdLeave
	cmdEndMeeting
)

type command struct {
	kind  commandKind
	ctx   context.Context
	reply chan commandResult
}

type commandResult struct {
	saved  []SavedArtifact
	status Status
	err    error
}

// Controller is a joined participant. Its methods may be called from any
// goroutine; they are executed one at a time on the event loop.
type Controller struct {
	meetID   string
	userID   string
	userName string
	host     bool

	sig        Signaler
	peers      *webrtcpeer.Manager
	compositor *compositor.Compositor
	recorder   *recording.Orchestrator
	store      backend.ArtifactStore
	meetings   backend.MeetingService

	stopTimeout time.Duration
	logger      *slog.Logger

	cmds          chan command
	notifications chan Notification
	done          chan struct{}

	// Owned by the event loop.
	ctx          context.Context
	local        *mediastream.Stream
	remote       *Participant
	remoteStream *mediastream.Stream
	combined     *compositor.Combined
	inbound      <-chan signaling.Message
	left         bool
}

// Join acquires local media, announces the participant and starts the event
// loop. A refused capture fails with devices.ErrMediaAccessDenied. The
// session leaves on its own when ctx is cancelled.
func Join(ctx context.Context, opts Options) (*Controller, error) {
	if opts.MeetID == "" {
		return nil, errors.New("session: meet id is required")
	}
	if opts.Signaler == nil || opts.Devices == nil || opts.Peers == nil {
		return nil, errors.New("session: signaler, devices and peers are required")
	}

	c := &Controller{
		meetID:        opts.MeetID,
		userID:        opts.UserID,
		userName:      opts.UserName,
		host:          opts.Host,
		sig:           opts.Signaler,
		peers:         opts.Peers,
		compositor:    opts.Compositor,
		recorder:      opts.Recorder,
		store:         opts.Store,
		meetings:      opts.Meetings,
		stopTimeout:   opts.StopTimeout,
		logger:        opts.Logger,
		cmds:          make(chan command),
		notifications: make(chan Notification, notificationBuffer),
		done:          make(chan struct{}),
		ctx:           ctx,
		inbound:       opts.Signaler.Inbound(),
	}
	if c.userID == "" {
		c.userID = NewParticipantID()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("meet_id", c.meetID, "user_id", c.userID)
	if c.compositor == nil {
		c.compositor = compositor.New(compositor.Options{Logger: c.logger})
	}
	if c.recorder == nil {
		c.recorder = recording.New(recording.Options{Logger: c.logger})
	}
	if c.stopTimeout <= 0 {
		c.stopTimeout = defaultStopTimeout
	}

	local, err := opts.Devices.Acquire(ctx, devices.Constraints{Audio: true, Video: true})
	if err != nil {
		if !errors.Is(err, devices.ErrMediaAccessDenied) {
			err = fmt.Errorf("%w: %w", devices.ErrMediaAccessDenied, err)
		}
		return nil, fmt.Errorf("acquire local media: %w", err)
	}
	c.local = local

	if err := c.sig.Send(signaling.Message{
		Type:     signaling.MessageTypeJoin,
		MeetID:   c.meetID,
		UserID:   c.userID,
		UserName: c.userName,
	}); err != nil {
		local.Stop()
		return nil, fmt.Errorf("announce join: %w", err)
	}

	c.logger.Info("joined meet", "user_name", c.userName, "host", c.host)
	go c.run()
	return c, nil
}

func (c *Controller) MeetID() string { return c.meetID }
func (c *Controller) UserID() string { return c.userID }

// LocalStream is the participant's own media.
func (c *Controller) LocalStream() *mediastream.Stream { return c.local }

// Done is closed once the session has left.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Notifications reports what happened in the meet. Notifications are dropped
// when the buffer is full.
func (c *Controller) Notifications() <-chan Notification { return c.notifications }

// StartRecording begins the recording batch. Slots without a source stay
// idle. A compositor failure only skips the combined slots.
func (c *Controller) StartRecording(ctx context.Context) error {
	return c.do(ctx, cmdStartRecording).err
}

// StopRecording stops every slot and saves the artifacts. Save failures are
// joined into the returned error, which wraps backend.ErrPersistenceFailed;
// the artifacts are returned either way.
func (c *Controller) StopRecording(ctx context.Context) ([]SavedArtifact, error) {
	res := c.do(ctx, cmdStopRecording)
	return res.saved, res.err
}

func (c *Controller) Status(ctx context.Context) (Status, error) {
	res := c.do(ctx, cmdStatus)
	return res.status, res.err
}

// Leave stops and saves any recording, tears down the peer connection,
// releases local media and says goodbye on signaling.
func (c *Controller) Leave(ctx context.Context) ([]SavedArtifact, error) {
	res := c.do(ctx, cmdLeave)
	return res.saved, res.err
}

// EndMeeting ends the meet for everyone and then leaves. Only the host may
// call it.
func (c *Controller) EndMeeting(ctx context.Context) ([]SavedArtifact, error) {
	res := c.do(ctx, cmdEndMeeting)
	return res.saved, res.err
}

func (c *Controller) do(ctx context.Context, kind commandKind) commandResult {
	cmd := command{kind: kind, ctx: ctx, reply: make(chan commandResult, 1)}
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return commandResult{err: ErrSessionClosed}
	case <-ctx.Done():
		return commandResult{err: ctx.Err()}
	}
	select {
	case res := <-cmd.reply:
		return res
	case <-ctx.Done():
		return commandResult{err: ctx.Err()}
	}
}

func (c *Controller) run() {
	defer close(c.done)

	for {
		select {
		case <-c.ctx.Done():
			ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), defaultLeaveTimeout)
			if _, err := c.leave(ctx); err != nil {
				c.logger.Warn("leave on cancellation", "err", err)
			}
			cancel()
			return

		case msg, ok := <-c.inbound:
			if !ok {
				c.logger.Warn("signaling connection closed; session continues without signaling")
				c.inbound = nil
				continue
			}
			c.handleSignal(msg)

		case ev := <-c.peers.Events():
			c.handlePeerEvent(ev)

		case cmd := <-c.cmds:
			cmd.reply <- c.execute(cmd)
			if c.left {
				return
			}
		}
	}
}

func (c *Controller) execute(cmd command) commandResult {
	switch cmd.kind {
	case cmdStartRecording:
		return commandResult{err: c.startRecording(cmd.ctx)}
	case cmdStopRecording:
		saved, err := c.stopRecording(cmd.ctx)
		return commandResult{saved: saved, err: err}
	case cmdStatus:
		return commandResult{status: c.status()}
	case cmdLeave:
		saved, err := c.leave(cmd.ctx)
		return commandResult{saved: saved, err: err}
	case cmdEndMeeting:
		if !c.host {
			return commandResult{err: ErrNotHost}
		}
		var endErr error
		if c.meetings != nil {
			if endErr = c.meetings.EndMeeting(cmd.ctx, c.meetID); endErr != nil {
				c.logger.Warn("end meeting failed", "err", endErr)
			}
		}
		saved, err := c.leave(cmd.ctx)
		return commandResult{saved: saved, err: errors.Join(endErr, err)}
	default:
		return commandResult{err: fmt.Errorf("unknown command %d", cmd.kind)}
	}
}

func (c *Controller) status() Status {
	st := Status{
		MeetID:       c.meetID,
		UserID:       c.userID,
		UserName:     c.userName,
		Host:         c.host,
		PeerState:    c.peers.State(),
		RemoteStream: c.remoteStream != nil,
		Combined:     c.combined != nil,
		Recording:    c.recorder.Active(),
	}
	if c.remote != nil {
		p := *c.remote
		st.Remote = &p
	}
	for _, slot := range recording.Slots() {
		st.Slots[slot] = c.recorder.State(slot)
	}
	return st
}

// leave runs the teardown in order: recording, remote stream, peer
// connection, local media, signaling.
func (c *Controller) leave(ctx context.Context) ([]SavedArtifact, error) {
	if c.left {
		return nil, nil
	}
	c.left = true

	var saved []SavedArtifact
	var err error
	if c.recorder.Active() {
		saved, err = c.stopRecording(ctx)
	}
	c.recorder.Cleanup()

	c.clearRemote()
	if cerr := c.peers.Close(); cerr != nil {
		c.logger.Debug("close peer connection", "err", cerr)
	}
	c.local.Stop()

	if serr := c.sig.Send(signaling.Message{Type: signaling.MessageTypeLeave, MeetID: c.meetID, UserID: c.userID}); serr != nil {
		c.logger.Debug("send leave", "err", serr)
	}
	_ = c.sig.Close()

	c.logger.Info("left meet", "saved", len(saved))
	return saved, err
}

// notify delivers n without blocking the event loop.
func (c *Controller) notify(n Notification) {
	select {
	case c.notifications <- n:
	default:
		c.logger.Debug("notification dropped", "type", fmt.Sprintf("%T", n))
	}
}
