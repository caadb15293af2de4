package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/hostbridge/internal/client"
	"github.com/danmuck/hostbridge/internal/host"
	"github.com/danmuck/hostbridge/internal/logging"
	"github.com/danmuck/hostbridge/internal/queue"
	"github.com/danmuck/hostbridge/internal/update"
)

type RuntimeConfig struct {
	Client          client.Config
	Transport       string
	Queue           queue.Config
	Update          update.Config
	Handlers        []HandlerSpec
	SubmissionLimit int
	DetachTimeout   time.Duration
}

// Runtime owns everything that survives a reload and swaps Orchestrator generations. It is
// the update controller's Reloader.
type Runtime struct {
	cfg         RuntimeConfig
	queue       *queue.Queue
	store       *ClientStore
	ui          host.UI
	updates     *update.Controller
	submissions *Submissions
	unregister  func()

	mu      sync.RWMutex
	current *Orchestrator
	bundle  *update.Bundle
}

var _ update.Reloader = (*Runtime)(nil)

// NewRuntime registers the queue drain on h's main-thread tick. A nil store uses
// ProcessStore.
func NewRuntime(cfg RuntimeConfig, h host.Host, store *ClientStore) (*Runtime, error) {
	if store == nil {
		store = ProcessStore()
	}
	api, err := client.NewAPI(cfg.Client.ServerURL, cfg.Client.Session)
	if err != nil {
		return nil, err
	}
	r := &Runtime{
		cfg:         cfg,
		queue:       queue.New(cfg.Queue),
		store:       store,
		submissions: NewSubmissions(cfg.SubmissionLimit),
	}
	r.updates, err = update.New(cfg.Update, api, r)
	if err != nil {
		return nil, err
	}
	if ui, ok := h.(host.UI); ok {
		r.ui = ui
	}
	r.unregister = h.RegisterTick(r.tick)
	return r, nil
}

func (r *Runtime) tick(ctx context.Context) {
	r.queue.Drain(ctx, 0)
}

// Start builds the first generation and starts its client.
func (r *Runtime) Start(ctx context.Context) error {
	o, err := r.build(ctx, nil)
	if err != nil {
		return err
	}
	return o.Start()
}

func (r *Runtime) build(ctx context.Context, bundle *update.Bundle) (*Orchestrator, error) {
	o, err := New(ctx, Options{
		Queue:         r.queue,
		Store:         r.store,
		UI:            r.ui,
		Client:        r.cfg.Client,
		Transport:     r.cfg.Transport,
		Handlers:      r.cfg.Handlers,
		Bundle:        bundle,
		Submissions:   r.submissions,
		Updates:       r.updates,
		DetachTimeout: r.cfg.DetachTimeout,
		Generation:    r.store.Generation(),
	})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.current = o
	if bundle != nil {
		r.bundle = bundle
	}
	r.mu.Unlock()
	return o, nil
}

func (r *Runtime) Current() *Orchestrator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

func (r *Runtime) Preserve() int {
	o := r.Current()
	if o == nil || o.Client() == nil {
		return 0
	}
	r.store.Preserve(SlotClient, o.Client())
	return 1
}

func (r *Runtime) Teardown(ctx context.Context) error {
	o := r.Current()
	if o == nil {
		return nil
	}
	return o.Teardown(ctx)
}

func (r *Runtime) Advance() {
	gen := r.store.Advance()
	logging.Infof("orchestrator.Runtime generation advanced generation=%d", gen)
}

func (r *Runtime) Rebuild(ctx context.Context, bundle update.Bundle) (bool, error) {
	o, err := r.build(ctx, &bundle)
	if err != nil {
		return false, err
	}
	if !o.Restored() {
		return false, nil
	}
	return true, o.Start()
}

// Reregister gives the current generation a registered, running client, building a fresh
// generation first if the last rebuild failed.
func (r *Runtime) Reregister(ctx context.Context) error {
	o := r.Current()
	if o == nil || o.TornDown() {
		r.mu.RLock()
		bundle := r.bundle
		r.mu.RUnlock()
		var err error
		if o, err = r.build(ctx, bundle); err != nil {
			return err
		}
	}
	c := o.Client()
	if c.Running() {
		return nil
	}
	_, err := c.Register(ctx, r.cfg.Client.ProjectID)
	if startErr := o.Start(); startErr != nil {
		return startErr
	}
	return err
}

// Close stops the current generation, any client still parked in the store, and the host
// tick registration.
func (r *Runtime) Close(ctx context.Context) error {
	var err error
	if o := r.Current(); o != nil {
		err = o.Close(ctx)
	}
	if c, _, ok := r.store.Take(SlotClient); ok && c != nil {
		c.Stop()
	}
	if r.unregister != nil {
		r.unregister()
	}
	return err
}

func (r *Runtime) SendCommand(text string) (Submission, error) {
	o := r.Current()
	if o == nil {
		return Submission{}, ErrNotStarted
	}
	return o.SendCommand(text)
}

func (r *Runtime) Submission(id string) (Submission, bool) {
	return r.submissions.Get(id)
}

func (r *Runtime) Submissions() []Submission {
	return r.submissions.List()
}

func (r *Runtime) ConnectionStatus() client.State {
	o := r.Current()
	if o == nil {
		return client.State{Mode: client.ModeDisconnected, Transport: r.cfg.Transport, ProjectID: r.cfg.Client.ProjectID}
	}
	return o.ConnectionStatus()
}

func (r *Runtime) TriggerUpdateCheck() error {
	o := r.Current()
	if o == nil {
		return ErrNotStarted
	}
	return o.TriggerUpdateCheck()
}

func (r *Runtime) Updates() *update.Controller {
	return r.updates
}

func (r *Runtime) Queue() *queue.Queue {
	return r.queue
}

func (r *Runtime) Store() *ClientStore {
	return r.store
}
