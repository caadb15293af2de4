package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/danmuck/hostbridge/internal/logging"
	"github.com/danmuck/hostbridge/internal/protocol"
)

const (
	pushWriteWait   = 5 * time.Second
	pushMaxFrameLen = 1 << 20
)

// PushClient keeps a websocket open and receives commands as they are issued.
type PushClient struct {
	*link
	dialer *websocket.Dialer

	connMu sync.Mutex
	conn   *websocket.Conn
}

var _ CommandSource = (*PushClient)(nil)

func NewPushClient(cfg Config, enq Enqueuer) (*PushClient, error) {
	l, err := newLink(cfg, TransportPush, enq)
	if err != nil {
		return nil, err
	}
	return &PushClient{
		link: l,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: l.cfg.Session.ConnectTimeout,
			TLSClientConfig:  l.api.TLSConfig(),
		},
	}, nil
}

// Probe checks that the push endpoint accepts an upgrade within timeout.
func (c *PushClient) Probe(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.cfg.Session.ProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(pushWriteWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "probe"), deadline)
	return conn.Close()
}

func (c *PushClient) Start() error {
	return c.start(c.run)
}

func (c *PushClient) dial(ctx context.Context) (*websocket.Conn, error) {
	target := c.api.PushURL(c.cfg.ProjectID)
	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, transient("push dial", fmt.Errorf("status %d: %w", resp.StatusCode, err))
		}
		return nil, transient("push dial", err)
	}
	conn.SetReadLimit(pushMaxFrameLen)
	return conn, nil
}

func (c *PushClient) run(ctx context.Context) {
	for ctx.Err() == nil {
		if !c.ensureRegistered(ctx) {
			return
		}
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.noteFailure(err)
			delay := c.backoffDelay()
			logging.Warnf("client.push connect failed failures=%d retry_in=%s err=%v", c.state.failures(), delay, err)
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}
		c.state.recordSuccess(time.Now())
		logging.Infof("client.push connected project=%q", c.cfg.ProjectID)
		c.flushOutbox(ctx)

		err = c.receive(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		c.noteFailure(err)
		delay := c.backoffDelay()
		logging.Warnf("client.push connection lost failures=%d retry_in=%s err=%v", c.state.failures(), delay, err)
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// receive reads frames until the connection fails or ctx ends.
func (c *PushClient) receive(ctx context.Context, conn *websocket.Conn) error {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		_ = conn.Close()
	}()

	readWait := 3 * c.cfg.Session.HeartbeatInterval
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	done := make(chan struct{})
	defer close(done)
	go c.keepalive(ctx, conn, done)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return transient("push read", errors.New("server closed connection"))
			}
			return transient("push read", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		cmd, err := protocol.DecodeCommandFrame(data)
		if err != nil {
			// The link stays up; the bad frame counts like a malformed poll batch.
			logging.Warnf("client.push malformed frame dropped bytes=%d err=%v", len(data), err)
			c.noteFailure(protocolError("push", "malformed frame: %v", err))
			continue
		}
		c.state.recordSuccess(time.Now())
		c.dispatch(ctx, cmd)
	}
}

// keepalive pings the server and unblocks the reader when ctx ends.
func (c *PushClient) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.Session.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			deadline := time.Now().Add(pushWriteWait)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client stopping"), deadline)
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pushWriteWait)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// Connected reports whether a websocket is currently open.
func (c *PushClient) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}
