package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/danmuck/hostbridge/internal/client"
	"github.com/danmuck/hostbridge/internal/host"
	"github.com/danmuck/hostbridge/internal/logging"
	"github.com/danmuck/hostbridge/internal/queue"
	"github.com/danmuck/hostbridge/internal/registry"
	"github.com/danmuck/hostbridge/internal/update"
)

// Commands every generation registers to attach and detach the host UI on the main thread.
const (
	CommandAttach = "bridge.attach"
	CommandDetach = "bridge.detach"
)

var (
	ErrQueueRequired   = errors.New("orchestrator: queue required")
	ErrTornDown        = errors.New("orchestrator: generation torn down")
	ErrUpdatesDisabled = errors.New("orchestrator: update checks disabled")
	ErrNotStarted      = errors.New("orchestrator: runtime not started")
)

// HandlerSpec is a host command contributed to every generation's registry.
type HandlerSpec struct {
	Spec    registry.Spec
	Handler queue.Handler
}

// UpdateTrigger requests an asynchronous update check.
type UpdateTrigger interface {
	Trigger()
}

type Options struct {
	Queue       *queue.Queue
	Store       *ClientStore
	UI          host.UI
	Client      client.Config
	Transport   string
	Handlers    []HandlerSpec
	Bundle      *update.Bundle
	Submissions *Submissions
	Updates     UpdateTrigger
	// DetachTimeout bounds how long Teardown waits for the UI detach to run.
	DetachTimeout time.Duration
	Generation    uint64
}

func (o Options) withDefaults() (Options, error) {
	if o.Queue == nil {
		return Options{}, ErrQueueRequired
	}
	if o.Store == nil {
		o.Store = ProcessStore()
	}
	if o.Submissions == nil {
		o.Submissions = NewSubmissions(0)
	}
	if o.DetachTimeout <= 0 {
		o.DetachTimeout = 2 * time.Second
	}
	return o, nil
}

// Orchestrator is one rebuildable generation of the bridge.
type Orchestrator struct {
	opts     Options
	registry *registry.Registry
	client   client.CommandSource
	restored bool
	attach   *queue.Action
	tornDown atomic.Bool
}

// New builds a generation: registry, client (restored from the survival store when one was
// preserved), queue binding, and a queued UI attach.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{opts: opts}
	reg, err := o.buildRegistry()
	if err != nil {
		return nil, err
	}
	o.registry = reg

	c, fresh, ok := opts.Store.Take(SlotClient)
	if ok && !fresh && c != nil {
		logging.Warnf("orchestrator.New stopping stale client generation=%d transport=%s", opts.Generation, c.Transport())
		c.Stop()
	}
	if ok && fresh && c != nil {
		o.client = c
		o.restored = true
	} else {
		src, err := client.Select(ctx, opts.Transport, opts.Client, opts.Queue)
		if err != nil {
			return nil, err
		}
		o.client = src
	}

	opts.Queue.Bind(reg)
	attach, err := opts.Queue.Submit(CommandAttach, nil, opts.DetachTimeout)
	if err != nil {
		logging.Warnf("orchestrator.New attach not queued generation=%d err=%v", opts.Generation, err)
	}
	o.attach = attach

	logging.Infof(
		"orchestrator.New ready generation=%d transport=%s restored=%v commands=%d",
		opts.Generation,
		o.client.Transport(),
		o.restored,
		reg.Len(),
	)
	return o, nil
}

func (o *Orchestrator) buildRegistry() (*registry.Registry, error) {
	reg := registry.New()
	if err := registry.RegisterBuiltins(reg); err != nil {
		return nil, err
	}
	bridge := []HandlerSpec{
		{Spec: registry.Spec{Name: CommandAttach, Description: "Attach the bridge UI"}, Handler: o.handleAttach},
		{Spec: registry.Spec{Name: CommandDetach, Description: "Detach the bridge UI"}, Handler: o.handleDetach},
	}
	for _, h := range append(bridge, o.opts.Handlers...) {
		if err := reg.Register(h.Spec, h.Handler); err != nil {
			return nil, fmt.Errorf("orchestrator: register %q: %w", h.Spec.Name, err)
		}
	}
	if b := o.opts.Bundle; b != nil && b.Manifest != nil {
		for _, a := range b.Manifest.Aliases {
			err := reg.RegisterAlias(registry.Alias{
				Name:        a.Name,
				Target:      a.Target,
				Description: a.Description,
				Defaults:    a.Defaults,
			})
			if err != nil {
				logging.Warnf("orchestrator.buildRegistry alias skipped bundle=%q alias=%q err=%v", b.Marker, a.Name, err)
			}
		}
	}
	return reg, nil
}

func (o *Orchestrator) handleAttach(ctx context.Context, _ map[string]any) (map[string]any, error) {
	if o.opts.UI == nil {
		return map[string]any{"attached": false}, nil
	}
	if err := o.opts.UI.AttachUI(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"attached": true, "generation": o.opts.Generation}, nil
}

func (o *Orchestrator) handleDetach(ctx context.Context, _ map[string]any) (map[string]any, error) {
	if o.opts.UI == nil {
		return map[string]any{"detached": false}, nil
	}
	if err := o.opts.UI.DetachUI(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"detached": true, "generation": o.opts.Generation}, nil
}

// Start launches the client loops unless the client is already running.
func (o *Orchestrator) Start() error {
	if o.client.Running() {
		return nil
	}
	return o.client.Start()
}

// Teardown detaches the UI through the queue, waits at most DetachTimeout for it, then
// unbinds the registry. The client is left running.
func (o *Orchestrator) Teardown(ctx context.Context) error {
	if !o.tornDown.CompareAndSwap(false, true) {
		return nil
	}
	detach, err := o.opts.Queue.Submit(CommandDetach, nil, o.opts.DetachTimeout)
	if err == nil {
		// the action expires on its own after DetachTimeout
		_, err = detach.Wait(ctx)
	}
	o.opts.Queue.Bind(nil)
	if err != nil {
		logging.Warnf("orchestrator.Teardown detach incomplete generation=%d err=%v", o.opts.Generation, err)
		return fmt.Errorf("orchestrator: detach: %w", err)
	}
	logging.Infof("orchestrator.Teardown done generation=%d", o.opts.Generation)
	return nil
}

// Close tears the generation down and stops its client. Used on process shutdown only.
func (o *Orchestrator) Close(ctx context.Context) error {
	err := o.Teardown(ctx)
	o.client.Stop()
	return err
}

// SendCommand queues a user-issued command ("name {json}") and returns without waiting.
func (o *Orchestrator) SendCommand(text string) (Submission, error) {
	if o.tornDown.Load() {
		return Submission{}, ErrTornDown
	}
	name, params, err := ParseCommandText(text)
	if err != nil {
		return Submission{}, err
	}
	a, err := o.opts.Queue.Submit(name, params, 0)
	if err != nil {
		return Submission{}, err
	}
	o.opts.Submissions.track(a)
	logging.Debugf("orchestrator.SendCommand queued id=%s command=%q", a.ID, name)
	return snapshot(a), nil
}

func (o *Orchestrator) Submission(id string) (Submission, bool) {
	return o.opts.Submissions.Get(id)
}

func (o *Orchestrator) ConnectionStatus() client.State {
	return o.client.State()
}

func (o *Orchestrator) TriggerUpdateCheck() error {
	if o.opts.Updates == nil {
		return ErrUpdatesDisabled
	}
	o.opts.Updates.Trigger()
	return nil
}

func (o *Orchestrator) Client() client.CommandSource {
	return o.client
}

func (o *Orchestrator) Registry() *registry.Registry {
	return o.registry
}

// Restored reports whether the client was handed over from a previous generation.
func (o *Orchestrator) Restored() bool {
	return o.restored
}

func (o *Orchestrator) Generation() uint64 {
	return o.opts.Generation
}

func (o *Orchestrator) TornDown() bool {
	return o.tornDown.Load()
}

// AttachAction is the queued UI attach for this generation, nil if it could not be queued.
func (o *Orchestrator) AttachAction() *queue.Action {
	return o.attach
}
