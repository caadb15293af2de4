package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/danmuck/hostbridge/internal/logging"
)

// Select builds the client for transport. With TransportAuto it probes the push endpoint
// and falls back to polling when the probe fails.
func Select(ctx context.Context, transport string, cfg Config, enq Enqueuer) (CommandSource, error) {
	switch strings.ToLower(strings.TrimSpace(transport)) {
	case TransportPoll:
		return NewPollClient(cfg, enq)
	case TransportPush:
		return NewPushClient(cfg, enq)
	case "", TransportAuto:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, transport)
	}

	push, err := NewPushClient(cfg, enq)
	if err != nil {
		return nil, err
	}
	err = push.Probe(ctx, 0)
	if err == nil {
		logging.Infof("client.select using push server=%q", push.api.BaseURL())
		return push, nil
	}
	logging.Infof("client.select push unavailable, using poll err=%v", err)
	return NewPollClient(cfg, enq)
}
