package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/meetflow/internal/metrics"
	"github.com/wilsonzlin/meetflow/internal/origin"
)

// RoomCapacity is the number of participants a meet can hold.
const RoomCapacity = 2

const (
	defaultMaxMessageBytes      = 64 * 1024
	defaultMaxMessagesPerSecond = 50
	defaultIdleTimeout          = 60 * time.Second
)

type RelayConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Origins origin.Policy

	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// IdleTimeout closes connections that send nothing (pongs included) for
	// this long. PingInterval defaults to half of it.
	IdleTimeout  time.Duration
	PingInterval time.Duration
}

// Relay pairs participants by meet id and forwards offers, answers and ICE
// candidates between them.
type Relay struct {
	cfg      RelayConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	rooms  map[string]map[string]*peer
	peers  map[*peer]struct{}
	closed bool
}

func NewRelay(cfg RelayConfig) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = defaultMaxMessagesPerSecond
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = cfg.IdleTimeout / 2
	}

	r := &Relay{
		cfg:    cfg,
		logger: cfg.Logger,
		rooms:  make(map[string]map[string]*peer),
		peers:  make(map[*peer]struct{}),
	}
	r.upgrader = websocket.Upgrader{
		CheckOrigin: func(req *http.Request) bool {
			if cfg.Origins.CheckOrigin(req) {
				return true
			}
			cfg.Metrics.Inc(metrics.OriginRejected)
			return false
		},
	}
	return r
}

func (r *Relay) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", r.handleSignal)
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet || req.URL.Path != "/signal" {
		http.NotFound(w, req)
		return
	}
	r.handleSignal(w, req)
}

// Participants returns how many participants have joined the meet.
func (r *Relay) Participants(meetID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[meetID])
}

// Ready reports ErrRelayClosed once Close has been called.
func (r *Relay) Ready() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRelayClosed
	}
	return nil
}

// Close disconnects every participant and refuses new connections.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	peers := make([]*peer, 0, len(r.peers))
	for p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	for _, p := range peers {
		p.closeWith(websocket.CloseGoingAway, "server shutting down")
		p.Close()
	}
}

func (r *Relay) handleSignal(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	p := &peer{
		relay:      r,
		conn:       conn,
		endpointID: uuid.NewString(),
		limiter:    rate.NewLimiter(rate.Limit(r.cfg.MaxMessagesPerSecond), r.cfg.MaxMessagesPerSecond),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Close()
		return
	}
	r.peers[p] = struct{}{}
	r.mu.Unlock()

	r.cfg.Metrics.Inc(metrics.ConnectionsAccepted)
	r.logger.Debug("signaling connection accepted", "endpoint_id", p.endpointID, "remote_addr", req.RemoteAddr)
	p.run()
}

// join admits p to the meet and returns the participants already present.
func (r *Relay) join(p *peer, meetID, userID, userName string) ([]*peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.meetID != "" {
		return nil, fmt.Errorf("already joined meet %q", p.meetID)
	}
	members := r.rooms[meetID]
	if len(members) >= RoomCapacity {
		return nil, errRoomFull
	}
	if members == nil {
		members = make(map[string]*peer)
		r.rooms[meetID] = members
	}

	others := make([]*peer, 0, len(members))
	for _, other := range members {
		others = append(others, other)
	}
	members[p.endpointID] = p
	p.meetID, p.userID, p.userName = meetID, userID, userName
	return others, nil
}

// leave removes p from its meet and notifies whoever remains. It reports
// whether p had joined.
func (r *Relay) leave(p *peer) bool {
	r.mu.Lock()
	meetID, userID := p.meetID, p.userID
	if meetID == "" {
		r.mu.Unlock()
		return false
	}
	members := r.rooms[meetID]
	delete(members, p.endpointID)
	remaining := make([]*peer, 0, len(members))
	for _, other := range members {
		remaining = append(remaining, other)
	}
	if len(members) == 0 {
		delete(r.rooms, meetID)
	}
	p.meetID, p.userID, p.userName = "", "", ""
	r.mu.Unlock()

	for _, other := range remaining {
		_ = other.send(Message{
			Type:       MessageTypeUserLeft,
			MeetID:     meetID,
			UserID:     userID,
			EndpointID: p.endpointID,
		})
	}
	r.logger.Info("participant left", "meet_id", meetID, "user_id", userID, "endpoint_id", p.endpointID)
	return true
}

// target resolves the recipient of a forwarded message. An empty "to" means
// the only other participant.
func (r *Relay) target(p *peer, to string) *peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[p.meetID]
	if to != "" {
		if other, ok := members[to]; ok && other != p {
			return other
		}
		return nil
	}
	for id, other := range members {
		if id != p.endpointID {
			return other
		}
	}
	return nil
}

func (r *Relay) untrack(p *peer) {
	r.mu.Lock()
	delete(r.peers, p)
	r.mu.Unlock()
}

var (
	ErrRelayClosed = errors.New("relay closed")

	errRoomFull = errors.New("room full")
)

type peer struct {
	relay      *Relay
	conn       *websocket.Conn
	endpointID string
	limiter    *rate.Limiter

	// Guarded by relay.mu.
	meetID   string
	userID   string
	userName string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (p *peer) run() {
	defer p.Close()

	cfg := p.relay.cfg
	p.conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go p.pingLoop(stopPing)

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla has already sent CloseMessageTooBig.
				cfg.Metrics.Inc(metrics.DropReasonTooLarge)
			case isTimeout(err):
				cfg.Metrics.Inc(metrics.IdleTimeout)
				p.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))

		// Limit after reading so the peer can still observe the close frame.
		if !p.limiter.Allow() {
			cfg.Metrics.Inc(metrics.DropReasonRateLimited)
			p.fail(CodeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			cfg.Metrics.Inc(metrics.BadMessage)
			p.fail(CodeBadMessage, "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := ParseMessage(data)
		if err != nil {
			cfg.Metrics.Inc(metrics.BadMessage)
			p.fail(CodeBadMessage, err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}
		if !p.handle(msg) {
			return
		}
	}
}

// handle processes one inbound message and reports whether the connection
// should stay open.
func (p *peer) handle(msg Message) bool {
	r := p.relay
	switch msg.Type {
	case MessageTypeJoin:
		others, err := r.join(p, msg.MeetID, msg.UserID, msg.UserName)
		if errors.Is(err, errRoomFull) {
			r.cfg.Metrics.Inc(metrics.RoomFull)
			p.fail(CodeRoomFull, fmt.Sprintf("meet %q already has %d participants", msg.MeetID, RoomCapacity), websocket.ClosePolicyViolation, "room full")
			return false
		}
		if err != nil {
			r.cfg.Metrics.Inc(metrics.BadMessage)
			p.fail(CodeBadMessage, err.Error(), websocket.ClosePolicyViolation, "bad message")
			return false
		}
		r.cfg.Metrics.Inc(metrics.Joins)
		r.logger.Info("participant joined", "meet_id", msg.MeetID, "user_id", msg.UserID, "endpoint_id", p.endpointID, "present", len(others))
		for _, other := range others {
			_ = other.send(Message{
				Type:       MessageTypeUserJoined,
				MeetID:     msg.MeetID,
				UserID:     msg.UserID,
				UserName:   msg.UserName,
				EndpointID: p.endpointID,
			})
		}
		return true

	case MessageTypeOffer, MessageTypeAnswer, MessageTypeCandidate:
		r.mu.Lock()
		meetID, userID, userName := p.meetID, p.userID, p.userName
		r.mu.Unlock()
		if meetID == "" {
			r.cfg.Metrics.Inc(metrics.BadMessage)
			p.fail(CodeNotJoined, fmt.Sprintf("%s sent before join", msg.Type), websocket.ClosePolicyViolation, "not joined")
			return false
		}
		if msg.MeetID != "" && msg.MeetID != meetID {
			r.cfg.Metrics.Inc(metrics.BadMessage)
			p.fail(CodeBadMessage, fmt.Sprintf("meetId %q does not match joined meet", msg.MeetID), websocket.ClosePolicyViolation, "bad message")
			return false
		}

		other := r.target(p, msg.To)
		if other == nil {
			r.cfg.Metrics.Inc(metrics.UnknownTarget)
			_ = p.send(Message{
				Type:    MessageTypeError,
				Code:    CodeUnknownTarget,
				Message: fmt.Sprintf("no participant %q in meet", msg.To),
			})
			return true
		}

		msg.MeetID = meetID
		msg.To = other.endpointID
		msg.From = p.endpointID
		if msg.Type == MessageTypeOffer {
			msg.UserID, msg.UserName = userID, userName
		}
		if err := other.send(msg); err != nil {
			r.logger.Debug("forward failed", "type", msg.Type, "to", other.endpointID, "err", err)
			return true
		}
		r.cfg.Metrics.Inc(metrics.MessagesForwarded)
		return true

	case MessageTypeLeave:
		if r.leave(p) {
			r.cfg.Metrics.Inc(metrics.Leaves)
		}
		p.closeWith(websocket.CloseNormalClosure, "left")
		return false

	default:
		r.cfg.Metrics.Inc(metrics.BadMessage)
		p.fail(CodeBadMessage, fmt.Sprintf("unexpected message type %q", msg.Type), websocket.ClosePolicyViolation, "bad message")
		return false
	}
}

func (p *peer) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(p.relay.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (p *peer) send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *peer) fail(code, message string, closeCode int, closeReason string) {
	_ = p.send(Message{
		Type:    MessageTypeError,
		Code:    code,
		Message: message,
	})
	p.closeWith(closeCode, closeReason)
}

func (p *peer) closeWith(code int, reason string) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (p *peer) Close() {
	p.closeOnce.Do(func() {
		if p.relay.leave(p) {
			p.relay.cfg.Metrics.Inc(metrics.Disconnects)
		}
		_ = p.conn.Close()
		p.relay.untrack(p)
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
