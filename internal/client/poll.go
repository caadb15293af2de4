package client

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/hostbridge/internal/logging"
	"github.com/danmuck/hostbridge/internal/protocol"
)

// PollClient fetches commands with periodic POST /poll requests.
type PollClient struct {
	*link
}

var _ CommandSource = (*PollClient)(nil)

func NewPollClient(cfg Config, enq Enqueuer) (*PollClient, error) {
	l, err := newLink(cfg, TransportPoll, enq)
	if err != nil {
		return nil, err
	}
	return &PollClient{link: l}, nil
}

// PollOnce performs one poll and dispatches every well-formed command in the batch. Malformed
// commands are dropped and counted as a single protocol failure; the returned error then
// wraps ErrProtocol alongside the commands that were dispatched.
func (c *PollClient) PollOnce(ctx context.Context) ([]protocol.Command, error) {
	resp, err := c.api.Poll(ctx, c.cfg.ProjectID)
	if err != nil {
		c.noteFailure(err)
		return nil, err
	}
	c.state.recordSuccess(time.Now())
	cmds, malformed := resp.SplitCommands()
	for _, cmd := range cmds {
		c.dispatch(ctx, cmd)
	}
	if len(cmds) > 0 {
		logging.Debugf("client.poll dispatched commands=%d", len(cmds))
	}
	c.flushOutbox(ctx)
	if len(malformed) > 0 {
		err := protocolError("poll", "dropped %d malformed commands: %v", len(malformed), errors.Join(malformed...))
		c.noteFailure(err)
		return cmds, err
	}
	return cmds, nil
}

func (c *PollClient) Start() error {
	return c.start(c.run)
}

func (c *PollClient) run(ctx context.Context) {
	for ctx.Err() == nil {
		if !c.ensureRegistered(ctx) {
			return
		}
		delay := c.cfg.Session.PollInterval
		if _, err := c.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			delay = c.backoffDelay()
			logging.Warnf(
				"client.poll poll failed failures=%d retry_in=%s err=%v",
				c.state.failures(),
				delay,
				err,
			)
		}
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}
