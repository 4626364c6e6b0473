package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 1 * time.Second

	defaultInboundBuffer = 64
)

var ErrClientClosed = errors.New("signaling: client closed")

type ClientOptions struct {
	Header http.Header
	Dialer *websocket.Dialer
	Logger *slog.Logger

	// InboundBuffer bounds how many parsed messages may wait for the consumer
	// before the read loop stops reading from the socket.
	InboundBuffer int
}

// Client is one participant's connection to the relay.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	inbound chan Message
	done    chan struct{}
	readEnd chan struct{}

	writeMu sync.Mutex

	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

func Dial(ctx context.Context, url string, opts ClientOptions) (*Client, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial signaling %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial signaling %s: %w", url, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buf := opts.InboundBuffer
	if buf <= 0 {
		buf = defaultInboundBuffer
	}

	c := &Client{
		conn:    conn,
		logger:  logger,
		inbound: make(chan Message, buf),
		done:    make(chan struct{}),
		readEnd: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Inbound is closed once the connection ends; Err reports why.
func (c *Client) Inbound() <-chan Message {
	return c.inbound
}

func (c *Client) readLoop() {
	defer close(c.readEnd)
	defer close(c.inbound)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.setErr(err)
			return
		}
		if msgType != websocket.TextMessage {
			c.logger.Warn("ignoring non-text signaling frame", "type", msgType)
			continue
		}
		msg, err := ParseMessage(data)
		if err != nil {
			c.logger.Warn("ignoring malformed signaling message", "err", err)
			continue
		}
		select {
		case c.inbound <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) Send(msg Message) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// Close sends a normal close frame and tears down the socket. It is safe to
// call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.setErr(ErrClientClosed)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
		c.writeMu.Unlock()
		_ = c.conn.Close()
		<-c.readEnd
	})
	return nil
}

// Err returns the error that ended the read loop, or nil while it runs.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}
