package update

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/danmuck/hostbridge/internal/logging"
	"github.com/danmuck/hostbridge/internal/protocol"
)

// VersionSource is the slice of the server API the controller needs.
type VersionSource interface {
	Version(ctx context.Context) (protocol.VersionInfo, error)
	Download(ctx context.Context, rawURL string, limit int64) ([]byte, error)
}

// Reloader owns the object graph that a reload replaces.
type Reloader interface {
	// Preserve writes every live connection client into the survival store and returns how
	// many were preserved.
	Preserve() int
	// Teardown detaches the current generation. It must not stop preserved clients.
	Teardown(ctx context.Context) error
	// Advance moves the survival store to the next generation.
	Advance()
	// Rebuild constructs the next generation from bundle and reports whether it restored a
	// preserved client.
	Rebuild(ctx context.Context, bundle Bundle) (restored bool, err error)
	// Reregister gives the current generation a freshly registered client.
	Reregister(ctx context.Context) error
}

type Config struct {
	// CheckInterval enables periodic checks when > 0.
	CheckInterval  time.Duration
	ReloadTimeout  time.Duration
	StagingDir     string
	MaxBundleBytes int64
	// TriggerFile, when set, starts a check whenever the file is written.
	TriggerFile string
	// LocalMarker is the version marker of the code currently running.
	LocalMarker string
}

func DefaultConfig() Config {
	return Config{
		ReloadTimeout:  10 * time.Second,
		MaxBundleBytes: 64 << 20,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ReloadTimeout <= 0 {
		c.ReloadTimeout = def.ReloadTimeout
	}
	if c.MaxBundleBytes <= 0 {
		c.MaxBundleBytes = def.MaxBundleBytes
	}
	if strings.TrimSpace(c.StagingDir) == "" {
		c.StagingDir = filepath.Join(os.TempDir(), "hostbridge-staging")
	}
	if c.TriggerFile = strings.TrimSpace(c.TriggerFile); c.TriggerFile != "" {
		c.TriggerFile = filepath.Clean(c.TriggerFile)
	}
	c.LocalMarker = strings.TrimSpace(c.LocalMarker)
	return c
}

// Controller runs update checks one at a time.
type Controller struct {
	cfg      Config
	src      VersionSource
	reloader Reloader

	mu        sync.RWMutex
	state     State
	marker    string
	lastErr   error
	lastCheck time.Time
	staged    string
	hooks     []func(Transition)

	busy    atomic.Bool
	trigger chan struct{}
	reloads atomic.Uint64
}

func New(cfg Config, src VersionSource, reloader Reloader) (*Controller, error) {
	if src == nil {
		return nil, ErrNoSource
	}
	if reloader == nil {
		return nil, ErrNoReloader
	}
	cfg = cfg.WithDefaults()
	return &Controller{
		cfg:      cfg,
		src:      src,
		reloader: reloader,
		state:    StateIdle,
		marker:   cfg.LocalMarker,
		trigger:  make(chan struct{}, 1),
	}, nil
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Marker is the version marker of the running code.
func (c *Controller) Marker() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.marker
}

func (c *Controller) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Controller) LastCheck() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastCheck
}

// Reloads counts completed reloads.
func (c *Controller) Reloads() uint64 {
	return c.reloads.Load()
}

// OnTransition registers fn to observe every state change. fn runs synchronously on the
// checking goroutine.
func (c *Controller) OnTransition(fn func(Transition)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Trigger requests a check from Run. Requests made while one is pending collapse into it.
func (c *Controller) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Check runs one full update cycle and reports whether a reload happened.
func (c *Controller) Check(ctx context.Context) (bool, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return false, ErrBusy
	}
	defer c.busy.Store(false)

	reloaded, err := c.check(ctx)
	c.mu.Lock()
	c.lastErr = err
	c.lastCheck = time.Now()
	c.mu.Unlock()
	if err != nil {
		logging.Warnf("update.Controller.Check failed state=%s err=%v", c.State(), err)
		c.transition(StateIdle, "", err.Error())
	}
	return reloaded, err
}

func (c *Controller) check(ctx context.Context) (bool, error) {
	c.transition(StateCheckingVersion, "", "check")
	info, err := c.src.Version(ctx)
	if err != nil {
		return false, fmt.Errorf("update: version: %w", err)
	}
	local := c.Marker()
	if info.VersionMarker == local {
		c.transition(StateIdle, local, "up to date")
		return false, nil
	}
	if strings.TrimSpace(info.BundleURL) == "" {
		return false, &IntegrityError{Marker: info.VersionMarker, Reason: "no bundle_url"}
	}

	c.transition(StateDownloading, info.VersionMarker, info.BundleURL)
	data, err := c.src.Download(ctx, info.BundleURL, c.cfg.MaxBundleBytes)
	if err != nil {
		return false, fmt.Errorf("update: download %q: %w", info.VersionMarker, err)
	}
	manifest, files, err := ValidateBundle(info.VersionMarker, data)
	if err != nil {
		return false, err
	}
	stagedPath, err := stageBundle(c.cfg.StagingDir, info.VersionMarker, data)
	if err != nil {
		return false, err
	}
	bundle := Bundle{
		Marker:   info.VersionMarker,
		Path:     stagedPath,
		Size:     int64(len(data)),
		Files:    files,
		Manifest: manifest,
	}
	c.transition(StateStaged, bundle.Marker, stagedPath)

	c.transition(StateReloading, bundle.Marker, "reload")
	reloadErr := c.reload(ctx, bundle)

	c.mu.Lock()
	previous := c.staged
	c.marker = bundle.Marker
	c.staged = stagedPath
	c.mu.Unlock()
	if previous != "" && previous != stagedPath {
		_ = os.Remove(previous)
	}
	c.reloads.Add(1)
	if reloadErr != nil {
		return true, reloadErr
	}
	c.transition(StateIdle, bundle.Marker, "reloaded")
	logging.Infof("update.Controller reloaded from=%q to=%q files=%d", local, bundle.Marker, files)
	return true, nil
}

// reload preserves clients, tears down, advances the survival generation and rebuilds. A
// rebuild that does not restore its client within ReloadTimeout falls back to Reregister.
func (c *Controller) reload(ctx context.Context, bundle Bundle) error {
	preserved := c.reloader.Preserve()
	if err := c.reloader.Teardown(ctx); err != nil {
		logging.Warnf("update.Controller teardown incomplete marker=%q err=%v", bundle.Marker, err)
	}
	c.reloader.Advance()

	rctx, cancel := context.WithTimeout(ctx, c.cfg.ReloadTimeout)
	restored, err := c.reloader.Rebuild(rctx, bundle)
	cancel()
	if err == nil && restored {
		return nil
	}
	if err != nil {
		logging.Warnf("update.Controller rebuild failed marker=%q err=%v", bundle.Marker, err)
	} else {
		logging.Warnf("update.Controller client not restored marker=%q preserved=%d", bundle.Marker, preserved)
	}
	if rerr := c.reloader.Reregister(ctx); rerr != nil {
		return errors.Join(err, fmt.Errorf("update: reregister: %w", rerr))
	}
	return nil
}

// Run serves Trigger, the check interval and the trigger file until ctx ends.
func (c *Controller) Run(ctx context.Context) {
	var tick <-chan time.Time
	if c.cfg.CheckInterval > 0 {
		ticker := time.NewTicker(c.cfg.CheckInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if c.cfg.TriggerFile != "" {
		watcher, err := c.watch()
		if err != nil {
			logging.Warnf("update.Controller trigger watch disabled file=%q err=%v", c.cfg.TriggerFile, err)
		} else {
			defer watcher.Close()
			events = watcher.Events
			errs = watcher.Errors
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-c.trigger:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != c.cfg.TriggerFile || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			logging.Infof("update.Controller trigger file changed file=%q op=%s", ev.Name, ev.Op)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logging.Warnf("update.Controller watcher error err=%v", err)
			continue
		}
		_, _ = c.Check(ctx)
	}
}

// watch observes the trigger file's directory so the file may be created after startup.
func (c *Controller) watch() (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(c.cfg.TriggerFile)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return watcher, nil
}

func (c *Controller) transition(to State, marker, reason string) {
	c.mu.Lock()
	from := c.state
	c.state = to
	hooks := append([]func(Transition){}, c.hooks...)
	c.mu.Unlock()
	if from == to {
		return
	}
	tr := Transition{From: from, To: to, At: time.Now(), Marker: marker, Reason: reason}
	logging.Infof("update.Controller transition from=%s to=%s marker=%q reason=%q", from, to, marker, reason)
	for _, fn := range hooks {
		fn(tr)
	}
}
