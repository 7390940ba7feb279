package adapters

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/nmxmxh/ovasabi-bridge/internal/bridge"
	"github.com/nmxmxh/ovasabi-bridge/pkg/json"
)

const (
	httpDefaultTimeout       = 30 * time.Second
	httpDefaultMaxConcurrent = 10
	httpDefaultBreakerFails  = 5
	httpDefaultBreakerOpen   = 30 * time.Second
	httpMaxBodyBytes         = 10 << 20
)

type httpParams struct {
	BaseURL               string            `mapstructure:"baseUrl"`
	Timeout               time.Duration     `mapstructure:"timeout"`
	ConnectTimeout        time.Duration     `mapstructure:"connectTimeout"`
	Headers               map[string]string `mapstructure:"headers"`
	HealthPath            string            `mapstructure:"healthPath"`
	MaxConcurrentRequests int64             `mapstructure:"maxConcurrentRequests"`
	InsecureSkipVerify    bool              `mapstructure:"insecureSkipVerify"`
	Polling               struct {
		Endpoints []pollEndpoint `mapstructure:"endpoints"`
	} `mapstructure:"polling"`
	Webhook        webhookParams `mapstructure:"webhook"`
	CircuitBreaker struct {
		Enabled     bool          `mapstructure:"enabled"`
		MaxFailures uint32        `mapstructure:"maxFailures"`
		OpenTimeout time.Duration `mapstructure:"openTimeout"`
	} `mapstructure:"circuitBreaker"`
}

// HTTPAdapter bridges a REST service: outbound requests, scheduled polling
// and an inbound webhook listener.
type HTTPAdapter struct {
	*bridge.Base
	drv *httpDriver
}

// NewHTTPAdapter validates cfg and builds an idle adapter.
func NewHTTPAdapter(cfg bridge.IntegrationConfig, deps bridge.Deps) (*HTTPAdapter, error) {
	var p httpParams
	if err := bridge.DecodeParams(cfg.ConnectionParams, &p); err != nil {
		return nil, bridge.NewError(bridge.ErrorConfiguration, cfg.ID, "invalid http connection params", err)
	}
	var auth httpAuth
	if err := bridge.DecodeParams(cfg.AuthParams, &auth); err != nil {
		return nil, bridge.NewError(bridge.ErrorConfiguration, cfg.ID, "invalid http auth params", err)
	}
	if p.BaseURL == "" {
		return nil, bridge.NewError(bridge.ErrorConfiguration, cfg.ID, "connectionParams.baseUrl is required", nil)
	}
	u, err := url.Parse(p.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, bridge.NewError(bridge.ErrorConfiguration, cfg.ID,
			fmt.Sprintf("base url %q must be an absolute http(s) url", p.BaseURL), err)
	}
	if p.MaxConcurrentRequests < 0 {
		return nil, bridge.NewError(bridge.ErrorConfiguration, cfg.ID, "maxConcurrentRequests must not be negative", nil)
	}
	applyHTTPDefaults(&p)
	if err := auth.validate(); err != nil {
		return nil, bridge.NewError(bridge.ErrorConfiguration, cfg.ID, "invalid http auth params", err)
	}
	polls, err := compilePolling(p.Polling.Endpoints)
	if err != nil {
		return nil, bridge.NewError(bridge.ErrorConfiguration, cfg.ID, "invalid polling endpoints", err)
	}

	d := &httpDriver{
		params: p,
		polls:  polls,
		sem:    semaphore.NewWeighted(p.MaxConcurrentRequests),
	}
	d.creds = newCredentials(auth, d)
	b, err := bridge.NewBase(cfg, d, deps)
	if err != nil {
		return nil, err
	}
	b.SetConnectTimeout(p.ConnectTimeout)
	d.base = b
	d.inflight = b.Metrics().InflightGauge(cfg.ID)
	if p.CircuitBreaker.Enabled {
		d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    cfg.ID,
			Timeout: p.CircuitBreaker.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= p.CircuitBreaker.MaxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				b.Logger().Warn("Circuit breaker state change",
					zap.String("name", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}
	return &HTTPAdapter{Base: b, drv: d}, nil
}

func applyHTTPDefaults(p *httpParams) {
	p.BaseURL = strings.TrimRight(p.BaseURL, "/")
	if p.Timeout <= 0 {
		p.Timeout = httpDefaultTimeout
	}
	if p.MaxConcurrentRequests == 0 {
		p.MaxConcurrentRequests = httpDefaultMaxConcurrent
	}
	if p.CircuitBreaker.MaxFailures == 0 {
		p.CircuitBreaker.MaxFailures = httpDefaultBreakerFails
	}
	if p.CircuitBreaker.OpenTimeout <= 0 {
		p.CircuitBreaker.OpenTimeout = httpDefaultBreakerOpen
	}
	applyWebhookDefaults(&p.Webhook)
}

// BreakerState reports the circuit breaker state, or "disabled".
func (a *HTTPAdapter) BreakerState() string {
	if a.drv.breaker == nil {
		return "disabled"
	}
	return a.drv.breaker.State().String()
}

// WebhookAddr is the bound webhook listener address while connected.
func (a *HTTPAdapter) WebhookAddr() string {
	a.drv.mu.Lock()
	defer a.drv.mu.Unlock()
	return a.drv.webhookAddr
}

type httpDriver struct {
	base     *bridge.Base
	params   httpParams
	client   *http.Client
	creds    *credentials
	polls    []poller
	sem      *semaphore.Weighted
	breaker  *gobreaker.CircuitBreaker
	inflight prometheus.Gauge

	mu          sync.Mutex
	open        bool
	webhook     *http.Server
	webhookAddr string
}

func (d *httpDriver) Setup(context.Context) error {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if d.params.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true, //nolint:gosec // opt-in for lab services
		}
	}
	d.client = &http.Client{Timeout: d.params.Timeout, Transport: transport}
	return nil
}

func (d *httpDriver) Open(ctx context.Context) error {
	if err := d.creds.start(ctx); err != nil {
		return err
	}
	if err := d.reach(ctx); err != nil {
		d.creds.stop()
		return err
	}
	if d.params.Webhook.Enabled {
		if err := d.startWebhook(); err != nil {
			d.creds.stop()
			return err
		}
	}
	d.mu.Lock()
	d.open = true
	d.mu.Unlock()
	d.armPolling()
	d.base.Logger().Info("HTTP integration ready",
		zap.String("base_url", d.params.BaseURL),
		zap.Int("poll_endpoints", len(d.polls)),
		zap.Bool("webhook", d.params.Webhook.Enabled))
	return nil
}

func (d *httpDriver) Close(ctx context.Context) error {
	d.mu.Lock()
	d.open = false
	d.mu.Unlock()
	d.disarmPolling()
	d.creds.stop()
	return d.stopWebhook(ctx)
}

func (d *httpDriver) isOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// reach issues the health request. Any response below 500 counts as
// reachable; 401 and 403 are authentication failures.
func (d *httpDriver) reach(ctx context.Context) error {
	path := d.params.HealthPath
	if path == "" {
		path = "/"
	}
	req, err := d.newRequest(ctx, http.MethodGet, path, nil, nil, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("reach %s: %w", d.params.BaseURL, err)
	}
	defer drain(resp)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return bridge.NewError(bridge.ErrorAuthentication, d.base.ID(),
			fmt.Sprintf("health endpoint returned %d", resp.StatusCode), nil)
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (d *httpDriver) Probe(ctx context.Context) error {
	if !d.isOpen() {
		return bridge.ErrNotConnected
	}
	return d.reach(ctx)
}

func (d *httpDriver) MeasureLatency(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := d.Probe(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (d *httpDriver) Publish(ctx context.Context, packet bridge.IntegrationDataPacket, opts bridge.SendOptions) error {
	o, ok := opts.(HTTPSendOptions)
	if !ok {
		return unsupported(d.base.ID(), ProtocolHTTP, opts)
	}
	method := strings.ToUpper(o.Method)
	if method == "" {
		method = http.MethodPost
	}
	body, err := json.EncodePayload(packet.Payload)
	if err != nil {
		return bridge.NewError(bridge.ErrorCommunication, d.base.ID(), "payload cannot be encoded", err)
	}
	headers := o.Headers
	if _, raw := packet.Payload.([]byte); !raw && body != nil && headers["Content-Type"] == "" {
		headers = withHeader(headers, "Content-Type", "application/json")
	}
	res, err := d.do(ctx, method, o.Path, body, headers, o.Query)
	if err != nil {
		return err
	}
	return d.statusError(method, o.Path, res)
}

// httpResult is a drained response.
type httpResult struct {
	status int
	body   []byte
}

// do sends one request through admission, the breaker and credential
// refresh. A response of any status is a result; only transport failures and
// 5xx responses count against the breaker.
func (d *httpDriver) do(ctx context.Context, method, path string, body []byte, headers, query map[string]string) (httpResult, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return httpResult{}, bridge.NewError(bridge.ErrorCommunication, d.base.ID(), "waiting for a request slot", err)
	}
	d.inflight.Inc()
	defer func() {
		d.inflight.Dec()
		d.sem.Release(1)
	}()

	send := func() (httpResult, error) {
		res, err := d.roundTrip(ctx, method, path, body, headers, query)
		if err == nil && res.status == http.StatusUnauthorized && d.creds.refreshable() {
			d.base.Logger().Info("Request unauthorized, refreshing token", zap.String("path", path))
			if rerr := d.creds.refresh(ctx); rerr != nil {
				return res, rerr
			}
			res, err = d.roundTrip(ctx, method, path, body, headers, query)
		}
		return res, err
	}
	if d.breaker == nil {
		return send()
	}

	var res httpResult
	_, err := d.breaker.Execute(func() (interface{}, error) {
		var err error
		res, err = send()
		if err != nil {
			return nil, err
		}
		if res.status >= http.StatusInternalServerError {
			return nil, fmt.Errorf("server returned %d", res.status)
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return httpResult{}, bridge.NewError(bridge.ErrorCommunication, d.base.ID(), "circuit breaker open", err)
	}
	if err != nil && res.status == 0 {
		return httpResult{}, err
	}
	return res, nil
}

func (d *httpDriver) roundTrip(ctx context.Context, method, path string, body []byte, headers, query map[string]string) (httpResult, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := d.newRequest(ctx, method, path, rd, headers, query)
	if err != nil {
		return httpResult{}, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return httpResult{}, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, httpMaxBodyBytes))
	if err != nil {
		return httpResult{}, fmt.Errorf("read response of %s %s: %w", method, path, err)
	}
	return httpResult{status: resp.StatusCode, body: data}, nil
}

// newRequest resolves path against the base url and applies default headers,
// per-request headers, query and credentials in that order.
func (d *httpDriver) newRequest(ctx context.Context, method, path string, body io.Reader, headers, query map[string]string) (*http.Request, error) {
	target := d.params.BaseURL + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, bridge.NewError(bridge.ErrorCommunication, d.base.ID(), "invalid request", err)
	}
	for k, v := range d.params.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if len(query) > 0 {
		q := req.URL.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	if err := d.creds.apply(req); err != nil {
		return nil, err
	}
	return req, nil
}

func (d *httpDriver) statusError(method, path string, res httpResult) error {
	if res.status < http.StatusBadRequest {
		return nil
	}
	typ := bridge.ErrorCommunication
	if res.status == http.StatusUnauthorized || res.status == http.StatusForbidden {
		typ = bridge.ErrorAuthentication
	}
	return bridge.NewError(typ, d.base.ID(), fmt.Sprintf("%s %s returned %d", method, path, res.status), nil).
		WithContext(map[string]interface{}{"status": res.status, "body": truncate(res.body, 512)})
}

// Target maps receive options onto a registry key: "poll:<path>", "poll:*"
// for every endpoint, or "webhook".
func (d *httpDriver) Target(opts bridge.ReceiveOptions) (string, error) {
	o, ok := opts.(HTTPReceiveOptions)
	if !ok {
		return "", unsupported(d.base.ID(), ProtocolHTTP, opts)
	}
	switch o.Mode {
	case ModePolling:
		if len(d.polls) == 0 {
			return "", errors.New("no polling endpoints are configured")
		}
		if o.Endpoint == "" {
			return pollAllTarget, nil
		}
		for _, p := range d.polls {
			if p.endpoint.Path == o.Endpoint {
				return pollTarget(o.Endpoint), nil
			}
		}
		return "", fmt.Errorf("polling endpoint %q is not configured", o.Endpoint)
	case ModeWebhook:
		if !d.params.Webhook.Enabled {
			return "", errors.New("webhook is not enabled")
		}
		return webhookTarget, nil
	default:
		return "", fmt.Errorf("receive mode must be %q or %q, got %q", ModePolling, ModeWebhook, o.Mode)
	}
}

// Subscribe has no protocol side; polls and webhook deliveries are routed
// through the registry.
func (d *httpDriver) Subscribe(context.Context, bridge.Subscription) (interface{}, error) {
	return nil, nil
}

func (d *httpDriver) Release(context.Context, bridge.Subscription) error { return nil }

func withHeader(in map[string]string, k, v string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for hk, hv := range in {
		out[hk] = hv
	}
	out[k] = v
	return out
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, httpMaxBodyBytes))
	_ = resp.Body.Close()
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
