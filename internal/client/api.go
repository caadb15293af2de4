package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/hostbridge/internal/protocol"
	"github.com/danmuck/hostbridge/internal/protocol/session"
)

const maxResponseBytes = 4 << 20

// API is the request/response half of the server contract, shared by both transports and
// by the update controller.
type API struct {
	base    *url.URL
	http    *http.Client
	tls     *tls.Config
	timeout time.Duration
}

func NewAPI(serverURL string, cfg session.Config) (*API, error) {
	serverURL = strings.TrimSpace(serverURL)
	if serverURL == "" {
		return nil, ErrServerURLRequired
	}
	base, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported server url scheme %q", base.Scheme)
	}
	cfg = cfg.WithDefaults()
	tlsCfg, err := cfg.ClientTLSConfig()
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSClientConfig:     tlsCfg,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &API{
		base:    base,
		http:    &http.Client{Transport: transport},
		tls:     tlsCfg,
		timeout: cfg.RequestTimeout,
	}, nil
}

func (a *API) BaseURL() string {
	return a.base.String()
}

// TLSConfig is the client TLS policy, nil when TLS is disabled.
func (a *API) TLSConfig() *tls.Config {
	return a.tls
}

func (a *API) Register(ctx context.Context, projectID string) (protocol.Ack, error) {
	var ack protocol.Ack
	err := a.postJSON(ctx, "register", protocol.PathRegister, protocol.RegisterRequest{ProjectIdentifier: projectID}, &ack)
	return ack, err
}

// Poll returns the decoded batch as sent. Callers validate each command on its own.
func (a *API) Poll(ctx context.Context, projectID string) (protocol.PollResponse, error) {
	var resp protocol.PollResponse
	if err := a.postJSON(ctx, "poll", protocol.PathPoll, protocol.PollRequest{ProjectIdentifier: projectID}, &resp); err != nil {
		return protocol.PollResponse{}, err
	}
	return resp, nil
}

func (a *API) Heartbeat(ctx context.Context, projectID string) (protocol.Ack, error) {
	var ack protocol.Ack
	err := a.postJSON(ctx, "heartbeat", protocol.PathHeartbeat, protocol.HeartbeatRequest{ProjectIdentifier: projectID}, &ack)
	return ack, err
}

func (a *API) SubmitResult(ctx context.Context, req protocol.ResultRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: result: %v", ErrProtocol, err)
	}
	return a.postJSON(ctx, "result", protocol.PathResult, req, nil)
}

func (a *API) Version(ctx context.Context) (protocol.VersionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.resolve(protocol.PathVersion), nil)
	if err != nil {
		return protocol.VersionInfo{}, err
	}
	var info protocol.VersionInfo
	if err := a.do(req, "version", &info); err != nil {
		return protocol.VersionInfo{}, err
	}
	if err := info.Validate(); err != nil {
		return protocol.VersionInfo{}, fmt.Errorf("%w: version: %v", ErrProtocol, err)
	}
	return info, nil
}

// Download fetches a bundle. Relative URLs resolve against the server URL. A limit <= 0
// disables the size check.
func (a *API) Download(ctx context.Context, rawURL string, limit int64) ([]byte, error) {
	target := a.resolve(rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, transient("download", err)
	}
	defer resp.Body.Close()
	if err := statusError("download", resp); err != nil {
		return nil, err
	}
	body := io.Reader(resp.Body)
	if limit > 0 {
		body = io.LimitReader(resp.Body, limit+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, transient("download", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: limit=%d", ErrBundleTooLarge, limit)
	}
	return data, nil
}

// PushURL is the websocket endpoint for the push transport.
func (a *API) PushURL(projectID string) string {
	u := *a.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + protocol.PathPush
	q := url.Values{}
	q.Set(protocol.QueryProjectIdentifier, projectID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (a *API) postJSON(ctx context.Context, op, path string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("client: encode %s: %w", op, err)
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.resolve(path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req, op, out)
}

func (a *API) do(req *http.Request, op string, out any) error {
	resp, err := a.http.Do(req)
	if err != nil {
		return transient(op, err)
	}
	defer resp.Body.Close()
	if err := statusError(op, resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return protocolError(op, "decode response: %v", err)
	}
	return nil
}

func (a *API) resolve(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if u.IsAbs() {
		return u.String()
	}
	joined := *a.base
	joined.Path = strings.TrimSuffix(a.base.Path, "/") + "/" + strings.TrimPrefix(u.Path, "/")
	joined.RawQuery = u.RawQuery
	return joined.String()
}

func statusError(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusUnauthorized:
		if op == "poll" || op == "heartbeat" {
			return transient(op, fmt.Errorf("%w: status %d", ErrNotRegistered, resp.StatusCode))
		}
		return protocolError(op, "unexpected status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return transient(op, fmt.Errorf("status %d", resp.StatusCode))
	default:
		return protocolError(op, "unexpected status %d", resp.StatusCode)
	}
}
