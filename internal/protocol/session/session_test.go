package session

import (
	"errors"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/hostbridge/internal/testutil/testlog"
	"github.com/danmuck/hostbridge/internal/testutil/tlstest"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayNonDecreasingAndCapped(t *testing.T) {
	testlog.Start(t)
	for _, jitter := range []bool{false, true} {
		cfg := BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   1.7,
			MaxDelay:     3 * time.Second,
			Jitter:       jitter,
		}
		rng := rand.New(rand.NewSource(42))
		prev := time.Duration(0)
		for k := 1; k <= 40; k++ {
			got := NextBackoffDelay(cfg, k, rng)
			if got < prev {
				t.Fatalf("jitter=%v attempt=%d decreased: %v < %v", jitter, k, got, prev)
			}
			if got > cfg.MaxDelay {
				t.Fatalf("jitter=%v attempt=%d exceeded cap: %v", jitter, k, got)
			}
			prev = got
		}
		if prev != cfg.MaxDelay {
			t.Fatalf("jitter=%v expected to settle at cap, got %v", jitter, prev)
		}
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{PollInterval: 20 * time.Millisecond}.WithDefaults()
	def := DefaultConfig()
	if cfg.PollInterval != 20*time.Millisecond {
		t.Fatalf("explicit poll interval overwritten: %v", cfg.PollInterval)
	}
	if cfg.HeartbeatInterval != def.HeartbeatInterval || cfg.DegradeAfter != def.DegradeAfter {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Backoff.MaxDelay != def.Backoff.MaxDelay {
		t.Fatalf("backoff defaults not applied: %+v", cfg.Backoff)
	}
	if cfg.SecurityMode != SecurityModeDevelopment {
		t.Fatalf("unexpected security mode: %q", cfg.SecurityMode)
	}
}

func TestResultOutboxLifecycle(t *testing.T) {
	testlog.Start(t)
	o := NewResultOutbox(2)
	now := time.Unix(1700000000, 0)
	if !o.Upsert(PendingResult{CommandID: "cmd.2", Status: "completed", QueuedAt: now.Add(time.Second)}) {
		t.Fatalf("expected upsert accepted")
	}
	if !o.Upsert(PendingResult{CommandID: "cmd.1", Status: "failed", QueuedAt: now}) {
		t.Fatalf("expected upsert accepted")
	}
	if o.Upsert(PendingResult{CommandID: "cmd.3", Status: "completed", QueuedAt: now}) {
		t.Fatalf("expected full outbox to reject new id")
	}
	if !o.Upsert(PendingResult{CommandID: "cmd.1", Status: "failed", QueuedAt: now}) {
		t.Fatalf("expected existing id replaced while full")
	}
	item, ok := o.MarkAttempt("cmd.1", now.Add(time.Second), " timeout ")
	if !ok {
		t.Fatalf("missing pending item")
	}
	if item.Attempts != 1 || item.LastError != "timeout" {
		t.Fatalf("unexpected item: %+v", item)
	}
	list := o.List()
	if len(list) != 2 || list[0].CommandID != "cmd.1" {
		t.Fatalf("unexpected order: %+v", list)
	}
	o.Remove("cmd.1")
	if _, ok := o.Get("cmd.1"); ok {
		t.Fatalf("result should be removed")
	}
	if o.Len() != 1 {
		t.Fatalf("unexpected len=%d", o.Len())
	}
}

func TestValidateClientTransport(t *testing.T) {
	testlog.Start(t)
	prod := Config{SecurityMode: SecurityModeProduction}
	if err := prod.ValidateClientTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	prod.TLS = TLSConfig{Enabled: true, InsecureSkipVerify: true}
	if err := prod.ValidateClientTransport(); !errors.Is(err, ErrTLSInsecureSkipNotAllow) {
		t.Fatalf("expected ErrTLSInsecureSkipNotAllow, got %v", err)
	}
	mutual := Config{TLS: TLSConfig{Enabled: true, Mutual: true}}
	if err := mutual.ValidateClientTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}
	if err := (Config{SecurityMode: "staging"}).ValidateClientTransport(); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
}

func TestClientTLSConfigLoadsAuthority(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "hostbridge-test-ca")
	certFile, keyFile := ca.IssueClientCert(t, dir, "hostbridge.client")

	cfg := Config{TLS: TLSConfig{
		Enabled:    true,
		Mutual:     true,
		CAFile:     ca.CAFile(),
		CertFile:   certFile,
		KeyFile:    keyFile,
		ServerName: "bridge.local",
	}}
	tlsCfg, err := cfg.ClientTLSConfig()
	if err != nil {
		t.Fatalf("client tls config: %v", err)
	}
	if tlsCfg.RootCAs == nil || len(tlsCfg.Certificates) != 1 || tlsCfg.ServerName != "bridge.local" {
		t.Fatalf("unexpected tls config: %+v", tlsCfg)
	}

	disabled, err := Config{}.ClientTLSConfig()
	if err != nil || disabled != nil {
		t.Fatalf("expected nil config when tls disabled, got %v %v", disabled, err)
	}

	bad := Config{TLS: TLSConfig{Enabled: true, CAFile: filepath.Join(dir, "missing.pem")}}
	if _, err := bad.ClientTLSConfig(); err == nil {
		t.Fatalf("expected missing ca error")
	}
}
