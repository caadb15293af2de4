package client

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/hostbridge/internal/logging"
	"github.com/danmuck/hostbridge/internal/protocol"
	"github.com/danmuck/hostbridge/internal/protocol/session"
	"github.com/danmuck/hostbridge/internal/queue"
)

// Transport names.
const (
	TransportAuto = "auto"
	TransportPoll = "poll"
	TransportPush = "push"
)

// CommandSource is the capability shared by the push and poll transports.
type CommandSource interface {
	Transport() string
	Register(ctx context.Context, projectID string) (bool, error)
	Heartbeat(ctx context.Context) error
	SubmitResult(ctx context.Context, res protocol.ResultRequest) error
	// Start launches the background loops. It is a no-op on a running client.
	Start() error
	// Stop ends the background loops and waits for them.
	Stop()
	Running() bool
	State() State
}

// Enqueuer hands commands to the host main thread and blocks until they settle.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, params map[string]any, timeout time.Duration) (map[string]any, error)
}

// Config configures either transport.
type Config struct {
	ServerURL      string
	ProjectID      string
	Session        session.Config
	CommandTimeout time.Duration
}

func (c Config) withDefaults() (Config, error) {
	c.ServerURL = strings.TrimSpace(c.ServerURL)
	c.ProjectID = strings.TrimSpace(c.ProjectID)
	if c.ServerURL == "" {
		return Config{}, ErrServerURLRequired
	}
	if c.ProjectID == "" {
		return Config{}, ErrProjectRequired
	}
	c.Session = c.Session.WithDefaults()
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
	return c, nil
}

// link holds the state and behaviour common to both transports.
type link struct {
	cfg       Config
	transport string
	api       *API
	enq       Enqueuer
	state     *stateTracker
	outbox    *session.ResultOutbox

	rngMu sync.Mutex
	rng   *rand.Rand

	mu       sync.Mutex
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	inflight sync.WaitGroup
	running  atomic.Bool
	flushing atomic.Bool
	needsReg atomic.Bool
}

func newLink(cfg Config, transport string, enq Enqueuer) (*link, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if enq == nil {
		return nil, errors.New("client: enqueuer required")
	}
	api, err := NewAPI(cfg.ServerURL, cfg.Session)
	if err != nil {
		return nil, err
	}
	l := &link{
		cfg:       cfg,
		transport: transport,
		api:       api,
		enq:       enq,
		state:     newStateTracker(transport, cfg.ProjectID, cfg.Session.DegradeAfter),
		outbox:    session.NewResultOutbox(cfg.Session.OutboxLimit),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	l.needsReg.Store(true)
	return l, nil
}

func (l *link) Transport() string {
	return l.transport
}

func (l *link) State() State {
	return l.state.snapshot()
}

func (l *link) Running() bool {
	return l.running.Load()
}

// API exposes the request/response client, e.g. for version checks.
func (l *link) API() *API {
	return l.api
}

// Register announces the project to the server.
func (l *link) Register(ctx context.Context, projectID string) (bool, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		projectID = l.cfg.ProjectID
	}
	if l.state.mode() == ModeDisconnected {
		l.state.setMode(ModeConnecting)
	}
	ack, err := l.api.Register(ctx, projectID)
	if err != nil {
		l.state.recordFailure(err)
		return false, err
	}
	if !ack.OK {
		err := errors.Join(ErrRegistrationRejected, errors.New(ack.Message))
		l.state.recordFailure(err)
		return false, err
	}
	l.needsReg.Store(false)
	l.state.registered(time.Now())
	logging.Infof("client.%s registered project=%q server=%q", l.transport, projectID, l.api.BaseURL())
	return true, nil
}

func (l *link) Heartbeat(ctx context.Context) error {
	ack, err := l.api.Heartbeat(ctx, l.cfg.ProjectID)
	if err != nil {
		l.noteFailure(err)
		return err
	}
	if !ack.OK {
		err := protocolError("heartbeat", "server refused heartbeat: %s", ack.Message)
		l.state.recordFailure(err)
		return err
	}
	l.state.recordSuccess(time.Now())
	return nil
}

// SubmitResult reports one command outcome. Failed submissions are kept in the outbox and
// retried after the next successful contact.
func (l *link) SubmitResult(ctx context.Context, res protocol.ResultRequest) error {
	err := l.api.SubmitResult(ctx, res)
	if err == nil {
		l.outbox.Remove(res.CommandID)
		l.state.setPendingResults(l.outbox.Len())
		l.state.recordSuccess(time.Now())
		return nil
	}
	if errors.Is(err, ErrTransientNetwork) {
		l.state.recordFailure(err)
		if _, ok := l.outbox.Get(res.CommandID); !ok {
			if !l.outbox.Upsert(session.PendingResult{
				CommandID: res.CommandID,
				Status:    res.Status,
				Payload:   res.Payload,
				QueuedAt:  time.Now(),
			}) {
				logging.Errorf("client.%s outbox full, result dropped command_id=%q", l.transport, res.CommandID)
			}
		}
		_, _ = l.outbox.MarkAttempt(res.CommandID, time.Now(), err.Error())
		l.state.setPendingResults(l.outbox.Len())
	}
	return err
}

// dispatch routes one command through the enqueuer and reports its outcome. Each command
// gets its own goroutine so results go out in completion order.
func (l *link) dispatch(ctx context.Context, cmd protocol.Command) {
	l.inflight.Add(1)
	go func() {
		defer l.inflight.Done()
		res := l.execute(ctx, cmd)
		submitCtx := context.WithoutCancel(ctx)
		if err := l.SubmitResult(submitCtx, res); err != nil {
			logging.Warnf(
				"client.%s submit result failed command_id=%q status=%s err=%v",
				l.transport,
				cmd.ID,
				res.Status,
				err,
			)
		}
	}()
}

func (l *link) execute(ctx context.Context, cmd protocol.Command) protocol.ResultRequest {
	payload, err := l.enq.Enqueue(ctx, cmd.Name, cmd.Parameters, l.cfg.CommandTimeout)
	res := protocol.ResultRequest{CommandID: cmd.ID}
	switch {
	case err == nil:
		res.Status = protocol.ResultCompleted
		res.Payload = payload
	case errors.Is(err, queue.ErrTimedOut), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		res.Status = protocol.ResultTimedOut
		res.Payload = map[string]any{"error": err.Error()}
	default:
		res.Status = protocol.ResultFailed
		res.Payload = map[string]any{"error": err.Error()}
	}
	logging.Debugf("client.%s command settled command_id=%q name=%q status=%s", l.transport, cmd.ID, cmd.Name, res.Status)
	return res
}

// flushOutbox resubmits pending results, oldest first. Concurrent calls collapse into one.
func (l *link) flushOutbox(ctx context.Context) {
	if l.outbox.Len() == 0 || !l.flushing.CompareAndSwap(false, true) {
		return
	}
	defer l.flushing.Store(false)
	for _, item := range l.outbox.List() {
		if ctx.Err() != nil {
			return
		}
		err := l.SubmitResult(ctx, protocol.ResultRequest{
			CommandID: item.CommandID,
			Status:    item.Status,
			Payload:   item.Payload,
		})
		if err != nil {
			if errors.Is(err, ErrTransientNetwork) {
				return
			}
			l.outbox.Remove(item.CommandID)
			l.state.setPendingResults(l.outbox.Len())
			logging.Warnf("client.%s dropping unsendable result command_id=%q err=%v", l.transport, item.CommandID, err)
		}
	}
}

// noteFailure records a failed exchange and schedules re-registration when the server no
// longer knows this project.
func (l *link) noteFailure(err error) {
	if errors.Is(err, ErrNotRegistered) {
		l.needsReg.Store(true)
	}
	l.state.recordFailure(err)
}

// ensureRegistered registers, retrying with backoff, until it succeeds or ctx ends.
func (l *link) ensureRegistered(ctx context.Context) bool {
	for l.needsReg.Load() {
		if ctx.Err() != nil {
			return false
		}
		ok, err := l.Register(ctx, l.cfg.ProjectID)
		if ok {
			return true
		}
		logging.Warnf("client.%s register failed failures=%d err=%v", l.transport, l.state.failures(), err)
		if !sleepCtx(ctx, l.backoffDelay()) {
			return false
		}
	}
	return true
}

func (l *link) backoffDelay() time.Duration {
	l.rngMu.Lock()
	defer l.rngMu.Unlock()
	return session.NextBackoffDelay(l.cfg.Session.Backoff, l.state.failures(), l.rng)
}

// heartbeatLoop runs on its own ticker so liveness does not depend on command traffic.
func (l *link) heartbeatLoop(ctx context.Context) {
	defer l.loops.Done()
	ticker := time.NewTicker(l.cfg.Session.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.needsReg.Load() {
				continue
			}
			if err := l.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				logging.Warnf("client.%s heartbeat failed failures=%d err=%v", l.transport, l.state.failures(), err)
			}
		}
	}
}

// start launches run plus the heartbeat loop under a client-owned context.
func (l *link) start(run func(ctx context.Context)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running.Load() {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.running.Store(true)
	l.loops.Add(2)
	go func() {
		defer l.loops.Done()
		run(ctx)
	}()
	go l.heartbeatLoop(ctx)
	logging.Infof("client.%s started project=%q", l.transport, l.cfg.ProjectID)
	return nil
}

func (l *link) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	l.loops.Wait()
	l.inflight.Wait()
	l.running.Store(false)
	l.state.setMode(ModeDisconnected)
	l.needsReg.Store(true)
	logging.Infof("client.%s stopped project=%q", l.transport, l.cfg.ProjectID)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
