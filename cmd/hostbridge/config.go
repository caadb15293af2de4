package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/hostbridge/internal/client"
	"github.com/danmuck/hostbridge/internal/orchestrator"
	"github.com/danmuck/hostbridge/internal/protocol/session"
	"github.com/danmuck/hostbridge/internal/queue"
	"github.com/danmuck/hostbridge/internal/update"
)

// appConfig is everything `hostbridge run` needs.
type appConfig struct {
	Runtime      orchestrator.RuntimeConfig
	TickInterval time.Duration
	ControlAddr  string
	CORSOrigins  []string
	ControlToken string
}

func defaultAppConfig() appConfig {
	return appConfig{
		Runtime: orchestrator.RuntimeConfig{
			Client: client.Config{
				ServerURL:      "http://127.0.0.1:8080",
				Session:        session.DefaultConfig(),
				CommandTimeout: 30 * time.Second,
			},
			Transport:     client.TransportAuto,
			Queue:         queue.DefaultConfig(),
			Update:        update.DefaultConfig(),
			DetachTimeout: 2 * time.Second,
		},
		TickInterval: 16 * time.Millisecond,
	}
}

type fileConfig struct {
	ServerURL      string `toml:"server_url"`
	ProjectID      string `toml:"project_identifier"`
	Transport      string `toml:"transport"`
	CommandTimeout string `toml:"command_timeout"`

	Session fileSession `toml:"session"`
	TLS     fileTLS     `toml:"tls"`
	Queue   fileQueue   `toml:"queue"`
	Update  fileUpdate  `toml:"update"`
	Host    fileHost    `toml:"host"`
	Control fileControl `toml:"control"`
}

type fileSession struct {
	SecurityMode        string  `toml:"security_mode"`
	ConnectTimeout      string  `toml:"connect_timeout"`
	RequestTimeout      string  `toml:"request_timeout"`
	PollInterval        string  `toml:"poll_interval"`
	PollIntervalMS      int64   `toml:"poll_interval_ms"`
	HeartbeatInterval   string  `toml:"heartbeat_interval"`
	HeartbeatIntervalMS int64   `toml:"heartbeat_interval_ms"`
	ProbeTimeout        string  `toml:"probe_timeout"`
	DegradeAfter        int     `toml:"degrade_after"`
	OutboxLimit         int     `toml:"outbox_limit"`
	BackoffInitial      string  `toml:"backoff_initial"`
	BackoffMax          string  `toml:"backoff_max"`
	BackoffMultiplier   float64 `toml:"backoff_multiplier"`
	BackoffJitter       bool    `toml:"backoff_jitter"`
}

type fileTLS struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type fileQueue struct {
	Capacity        int    `toml:"capacity"`
	DefaultTimeout  string `toml:"default_timeout"`
	MaxItemsPerTick int    `toml:"max_items_per_tick"`
}

type fileUpdate struct {
	CheckInterval  string `toml:"check_interval"`
	ReloadTimeout  string `toml:"reload_timeout"`
	StagingDir     string `toml:"staging_dir"`
	TriggerFile    string `toml:"trigger_file"`
	VersionMarker  string `toml:"version_marker"`
	MaxBundleBytes int64  `toml:"max_bundle_bytes"`
}

type fileHost struct {
	TickInterval   string `toml:"tick_interval"`
	TickIntervalMS int64  `toml:"tick_interval_ms"`
	DetachTimeout  string `toml:"detach_timeout"`
}

type fileControl struct {
	Addr        string   `toml:"addr"`
	CORSOrigins []string `toml:"cors_origins"`
	Token       string   `toml:"token"`
}

func loadAppConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return appConfig{}, fmt.Errorf("load hostbridge config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return appConfig{}, fmt.Errorf("load hostbridge config: unknown key %q", undecoded[0].String())
	}

	rt := &cfg.Runtime
	if meta.IsDefined("server_url") {
		rt.Client.ServerURL = strings.TrimSpace(raw.ServerURL)
	}
	if meta.IsDefined("project_identifier") {
		rt.Client.ProjectID = strings.TrimSpace(raw.ProjectID)
	}
	if meta.IsDefined("transport") {
		rt.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}

	durations := []struct {
		key []string
		raw string
		dst *time.Duration
	}{
		{[]string{"command_timeout"}, raw.CommandTimeout, &rt.Client.CommandTimeout},
		{[]string{"session", "connect_timeout"}, raw.Session.ConnectTimeout, &rt.Client.Session.ConnectTimeout},
		{[]string{"session", "request_timeout"}, raw.Session.RequestTimeout, &rt.Client.Session.RequestTimeout},
		{[]string{"session", "poll_interval"}, raw.Session.PollInterval, &rt.Client.Session.PollInterval},
		{[]string{"session", "heartbeat_interval"}, raw.Session.HeartbeatInterval, &rt.Client.Session.HeartbeatInterval},
		{[]string{"session", "probe_timeout"}, raw.Session.ProbeTimeout, &rt.Client.Session.ProbeTimeout},
		{[]string{"session", "backoff_initial"}, raw.Session.BackoffInitial, &rt.Client.Session.Backoff.InitialDelay},
		{[]string{"session", "backoff_max"}, raw.Session.BackoffMax, &rt.Client.Session.Backoff.MaxDelay},
		{[]string{"queue", "default_timeout"}, raw.Queue.DefaultTimeout, &rt.Queue.DefaultTimeout},
		{[]string{"update", "check_interval"}, raw.Update.CheckInterval, &rt.Update.CheckInterval},
		{[]string{"update", "reload_timeout"}, raw.Update.ReloadTimeout, &rt.Update.ReloadTimeout},
		{[]string{"host", "tick_interval"}, raw.Host.TickInterval, &cfg.TickInterval},
		{[]string{"host", "detach_timeout"}, raw.Host.DetachTimeout, &rt.DetachTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return appConfig{}, fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}

	if meta.IsDefined("session", "poll_interval_ms") {
		rt.Client.Session.PollInterval = time.Duration(raw.Session.PollIntervalMS) * time.Millisecond
	}
	if meta.IsDefined("session", "heartbeat_interval_ms") {
		rt.Client.Session.HeartbeatInterval = time.Duration(raw.Session.HeartbeatIntervalMS) * time.Millisecond
	}
	if meta.IsDefined("host", "tick_interval_ms") {
		cfg.TickInterval = time.Duration(raw.Host.TickIntervalMS) * time.Millisecond
	}
	if meta.IsDefined("session", "security_mode") {
		rt.Client.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.Session.SecurityMode))
	}
	if meta.IsDefined("session", "degrade_after") {
		rt.Client.Session.DegradeAfter = raw.Session.DegradeAfter
	}
	if meta.IsDefined("session", "outbox_limit") {
		rt.Client.Session.OutboxLimit = raw.Session.OutboxLimit
	}
	if meta.IsDefined("session", "backoff_multiplier") {
		rt.Client.Session.Backoff.Multiplier = raw.Session.BackoffMultiplier
	}
	if meta.IsDefined("session", "backoff_jitter") {
		rt.Client.Session.Backoff.Jitter = raw.Session.BackoffJitter
	}

	if meta.IsDefined("tls") {
		rt.Client.Session.TLS = session.TLSConfig{
			Enabled:            raw.TLS.Enabled,
			Mutual:             raw.TLS.Mutual,
			CAFile:             strings.TrimSpace(raw.TLS.CAFile),
			CertFile:           strings.TrimSpace(raw.TLS.CertFile),
			KeyFile:            strings.TrimSpace(raw.TLS.KeyFile),
			ServerName:         strings.TrimSpace(raw.TLS.ServerName),
			InsecureSkipVerify: raw.TLS.InsecureSkipVerify,
		}
	}

	if meta.IsDefined("queue", "capacity") {
		rt.Queue.Capacity = raw.Queue.Capacity
	}
	if meta.IsDefined("queue", "max_items_per_tick") {
		rt.Queue.MaxItemsPerTick = raw.Queue.MaxItemsPerTick
	}

	if meta.IsDefined("update", "staging_dir") {
		rt.Update.StagingDir = strings.TrimSpace(raw.Update.StagingDir)
	}
	if meta.IsDefined("update", "trigger_file") {
		rt.Update.TriggerFile = strings.TrimSpace(raw.Update.TriggerFile)
	}
	if meta.IsDefined("update", "version_marker") {
		rt.Update.LocalMarker = strings.TrimSpace(raw.Update.VersionMarker)
	}
	if meta.IsDefined("update", "max_bundle_bytes") {
		rt.Update.MaxBundleBytes = raw.Update.MaxBundleBytes
	}

	if meta.IsDefined("control", "addr") {
		cfg.ControlAddr = strings.TrimSpace(raw.Control.Addr)
	}
	if meta.IsDefined("control", "cors_origins") {
		cfg.CORSOrigins = normalizeOrigins(raw.Control.CORSOrigins)
	}

	if meta.IsDefined("control", "token") {
		cfg.ControlToken = strings.TrimSpace(raw.Control.Token)
	}

	if err := cfg.validate(); err != nil {
		return appConfig{}, err
	}
	return cfg, nil
}

func (c appConfig) validate() error {
	switch c.Runtime.Transport {
	case client.TransportAuto, client.TransportPoll, client.TransportPush:
	default:
		return fmt.Errorf("%w: %q", client.ErrUnknownTransport, c.Runtime.Transport)
	}
	if strings.TrimSpace(c.Runtime.Client.ProjectID) == "" {
		return client.ErrProjectRequired
	}
	if strings.TrimSpace(c.Runtime.Client.ServerURL) == "" {
		return client.ErrServerURLRequired
	}
	return c.Runtime.Client.Session.ValidateClientTransport()
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
