package adapters

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nmxmxh/ovasabi-bridge/internal/bridge"
)

func newTestHTTP(t *testing.T, params, auth map[string]interface{}, metrics *bridge.Metrics) *HTTPAdapter {
	t.Helper()
	a, err := NewHTTPAdapter(bridge.IntegrationConfig{
		ID:               "erp",
		Type:             ProtocolHTTP,
		ConnectionParams: params,
		AuthParams:       auth,
	}, bridge.Deps{Logger: zaptest.NewLogger(t), Metrics: metrics})
	require.NoError(t, err)
	require.NoError(t, a.Initialize(context.Background(), bridge.ServiceConfig{Name: "bridge"}))
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNewHTTPAdapter_Validation(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]interface{}
		auth   map[string]interface{}
	}{
		{"missing base url", map[string]interface{}{}, nil},
		{"relative base url", map[string]interface{}{"baseUrl": "/api"}, nil},
		{"ftp base url", map[string]interface{}{"baseUrl": "ftp://files.local"}, nil},
		{"unknown auth", map[string]interface{}{"baseUrl": "http://erp.local"}, map[string]interface{}{"type": "kerberos"}},
		{"apikey location", map[string]interface{}{"baseUrl": "http://erp.local"}, map[string]interface{}{"type": "apikey", "key": "k", "in": "body"}},
		{"oauth2 without token url", map[string]interface{}{"baseUrl": "http://erp.local"}, map[string]interface{}{"type": "oauth2", "clientId": "c"}},
		{"bearer without token", map[string]interface{}{"baseUrl": "http://erp.local"}, map[string]interface{}{"type": "bearer"}},
		{"bad cron", map[string]interface{}{
			"baseUrl": "http://erp.local",
			"polling": map[string]interface{}{"endpoints": []interface{}{
				map[string]interface{}{"path": "/a", "schedule": "every minute"},
			}},
		}, nil},
		{"duplicate endpoint", map[string]interface{}{
			"baseUrl": "http://erp.local",
			"polling": map[string]interface{}{"endpoints": []interface{}{
				map[string]interface{}{"path": "/a"},
				map[string]interface{}{"path": "/a"},
			}},
		}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHTTPAdapter(bridge.IntegrationConfig{ID: "h", Type: ProtocolHTTP, ConnectionParams: tt.params, AuthParams: tt.auth}, bridge.Deps{})
			require.Error(t, err)
			assert.True(t, bridge.IsType(err, bridge.ErrorConfiguration))
		})
	}
}

func TestCompilePolling_Schedules(t *testing.T) {
	polls, err := compilePolling([]pollEndpoint{
		{Path: "/orders", Schedule: "*/5 * * * *"},
		{Path: "/stock", Interval: 15 * time.Second, Method: "post"},
		{Path: "/defaults"},
	})
	require.NoError(t, err)
	require.Len(t, polls, 3)

	from := time.Date(2024, 1, 1, 10, 2, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC), polls[0].schedule.Next(from))
	assert.Equal(t, from.Add(15*time.Second), polls[1].schedule.Next(from))
	assert.Equal(t, http.MethodPost, polls[1].endpoint.Method)
	assert.Equal(t, http.MethodGet, polls[2].endpoint.Method)
	assert.Equal(t, from.Add(defaultPollInterval), polls[2].schedule.Next(from))
}

func TestHTTPAdapter_SendData(t *testing.T) {
	type seen struct {
		method, path, query, auth, contentType, extra string
		body                                       []byte
	}
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			return
		}
		body, _ := io.ReadAll(r.Body)
		got <- seen{r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("Authorization"), r.Header.Get("Content-Type"), r.Header.Get("X-Tenant"), body}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	a := newTestHTTP(t, map[string]interface{}{
		"baseUrl":    srv.URL + "/",
		"healthPath": "/health",
		"headers":    map[string]interface{}{"X-Tenant": "plant-1"},
	}, map[string]interface{}{"type": "bearer", "token": "s3cret"}, nil)
	ctx := context.Background()
	require.NoError(t, a.Connect(ctx))

	err := a.SendData(ctx, bridge.NewPacket("", map[string]interface{}{"sku": "A-1", "qty": 3}, nil, nil),
		HTTPSendOptions{Method: "put", Path: "/orders/7", Query: map[string]string{"dryRun": "true"}})
	require.NoError(t, err)

	s := <-got
	assert.Equal(t, http.MethodPut, s.method)
	assert.Equal(t, "/orders/7", s.path)
	assert.Equal(t, "dryRun=true", s.query)
	assert.Equal(t, "Bearer s3cret", s.auth)
	assert.Equal(t, "application/json", s.contentType)
	assert.Equal(t, "plant-1", s.extra)
	assert.JSONEq(t, `{"sku":"A-1","qty":3}`, string(s.body))

	err = a.SendData(ctx, bridge.NewPacket("", nil, nil, nil), MQTTSendOptions{Topic: "x"})
	assert.ErrorIs(t, err, bridge.ErrUnsupportedOptions)
}

func TestHTTPAdapter_ConnectRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	a := newTestHTTP(t, map[string]interface{}{"baseUrl": srv.URL}, nil, nil)
	err := a.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, bridge.IsType(err, bridge.ErrorAuthentication))
	assert.Equal(t, bridge.StatusError, a.Status())
}

func TestHTTPAdapter_MaxConcurrentRequests(t *testing.T) {
	var current, peak int32
	arrived := make(chan struct{}, 8)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			return
		}
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		arrived <- struct{}{}
		<-release
		atomic.AddInt32(&current, -1)
	}))
	defer srv.Close()

	metrics := bridge.NewMetrics(prometheus.NewRegistry())
	a := newTestHTTP(t, map[string]interface{}{
		"baseUrl":               srv.URL,
		"healthPath":            "/health",
		"maxConcurrentRequests": 2,
	}, nil, metrics)
	ctx := context.Background()
	require.NoError(t, a.Connect(ctx))

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- a.SendData(ctx, bridge.NewPacket("", i, nil, nil), HTTPSendOptions{Path: "/events"})
		}(i)
	}

	<-arrived
	<-arrived
	select {
	case <-arrived:
		t.Fatal("third request admitted while two are in flight")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.InflightGauge("erp")))

	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.InflightGauge("erp")))
}

func TestHTTPAdapter_QueuedRequestsServedInOrder(t *testing.T) {
	arrived := make(chan string, 8)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			return
		}
		body, _ := io.ReadAll(r.Body)
		arrived <- string(body)
		<-release
	}))
	defer srv.Close()

	a := newTestHTTP(t, map[string]interface{}{
		"baseUrl":               srv.URL,
		"healthPath":            "/health",
		"maxConcurrentRequests": 1,
	}, nil, nil)
	ctx := context.Background()
	require.NoError(t, a.Connect(ctx))

	var wg sync.WaitGroup
	send := func(seq string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.SendData(ctx, bridge.NewPacket("", seq, nil, nil), HTTPSendOptions{Path: "/events"}))
		}()
	}

	send("0")
	require.Equal(t, "0", <-arrived)
	// Each send is queued behind the slot before the next one starts.
	for _, seq := range []string{"1", "2", "3"} {
		send(seq)
		time.Sleep(30 * time.Millisecond)
	}

	var order []string
	for i := 0; i < 3; i++ {
		release <- struct{}{}
		order = append(order, <-arrived)
	}
	release <- struct{}{}
	wg.Wait()
	assert.Equal(t, []string{"1", "2", "3"}, order)
}

func TestHTTPAdapter_OAuth2RefreshOn401(t *testing.T) {
	var issued int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		n := atomic.AddInt32(&issued, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"bearer","expires_in":3600}`, n)
	}))
	defer tokenSrv.Close()

	var apiCalls int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			return
		}
		atomic.AddInt32(&apiCalls, 1)
		if r.Header.Get("Authorization") != "Bearer tok-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer api.Close()

	a := newTestHTTP(t, map[string]interface{}{"baseUrl": api.URL, "healthPath": "/health"}, map[string]interface{}{
		"type":         "oauth2",
		"tokenUrl":     tokenSrv.URL,
		"clientId":     "bridge",
		"clientSecret": "secret",
		"scopes":       "read,write",
	}, nil)
	ctx := context.Background()
	require.NoError(t, a.Connect(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&issued))
	assert.True(t, a.Scheduler().Pending(bridge.TimerTokenRefresh, tokenRefreshTimer))

	require.NoError(t, a.SendData(ctx, bridge.NewPacket("", "ping", nil, nil), HTTPSendOptions{Path: "/ping"}))
	assert.Equal(t, int32(2), atomic.LoadInt32(&issued))
	assert.Equal(t, int32(2), atomic.LoadInt32(&apiCalls))

	require.NoError(t, a.Disconnect(ctx))
	assert.False(t, a.Scheduler().Pending(bridge.TimerTokenRefresh, tokenRefreshTimer))
}

func TestHTTPAdapter_FailedOpenStopsTokenRefresh(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer api.Close()

	a := newTestHTTP(t, map[string]interface{}{"baseUrl": api.URL}, map[string]interface{}{
		"type":     "oauth2",
		"tokenUrl": tokenSrv.URL,
		"clientId": "bridge",
	}, nil)
	require.Error(t, a.Connect(context.Background()))
	assert.Equal(t, bridge.StatusError, a.Status())
	assert.False(t, a.Scheduler().Pending(bridge.TimerTokenRefresh, tokenRefreshTimer))
}

func TestHTTPAdapter_APIKeyPlacement(t *testing.T) {
	tests := []struct {
		in    string
		check func(t *testing.T, r *http.Request)
	}{
		{"header", func(t *testing.T, r *http.Request) { assert.Equal(t, "k-1", r.Header.Get("X-API-Key")) }},
		{"query", func(t *testing.T, r *http.Request) { assert.Equal(t, "k-1", r.URL.Query().Get("api_key")) }},
		{"cookie", func(t *testing.T, r *http.Request) {
			c, err := r.Cookie("api_key")
			require.NoError(t, err)
			assert.Equal(t, "k-1", c.Value)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			reqs := make(chan *http.Request, 4)
			srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				reqs <- r
			}))
			defer srv.Close()

			a := newTestHTTP(t, map[string]interface{}{"baseUrl": srv.URL}, map[string]interface{}{
				"type": "apikey", "in": tt.in, "key": "k-1",
			}, nil)
			require.NoError(t, a.Connect(context.Background()))
			tt.check(t, <-reqs)
		})
	}
}

func TestHTTPAdapter_CircuitBreaker(t *testing.T) {
	var status int32 = http.StatusBadRequest
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			return
		}
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(int(atomic.LoadInt32(&status)))
	}))
	defer srv.Close()

	a := newTestHTTP(t, map[string]interface{}{
		"baseUrl":        srv.URL,
		"healthPath":     "/health",
		"circuitBreaker": map[string]interface{}{"enabled": true, "maxFailures": 2, "openTimeout": "1m"},
	}, nil, nil)
	ctx := context.Background()
	require.NoError(t, a.Connect(ctx))
	send := func() error {
		return a.SendData(ctx, bridge.NewPacket("", "x", nil, nil), HTTPSendOptions{Path: "/x"})
	}

	for i := 0; i < 3; i++ {
		err := send()
		require.Error(t, err)
		assert.True(t, bridge.IsType(err, bridge.ErrorCommunication))
	}
	assert.Equal(t, "closed", a.BreakerState())

	atomic.StoreInt32(&status, http.StatusBadGateway)
	require.Error(t, send())
	require.Error(t, send())
	assert.Equal(t, "open", a.BreakerState())

	before := atomic.LoadInt32(&calls)
	err := send()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker open")
	assert.Equal(t, before, atomic.LoadInt32(&calls))
}

func TestHTTPAdapter_Polling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/readings":
			_, _ = w.Write([]byte(`{"data":{"items":[{"value":21.5},{"value":22}]}}`))
		case "/status":
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer srv.Close()

	a := newTestHTTP(t, map[string]interface{}{
		"baseUrl": srv.URL,
		"polling": map[string]interface{}{"endpoints": []interface{}{
			map[string]interface{}{"path": "/readings", "interval": "1h", "dataPath": "data.items.0.value"},
			map[string]interface{}{"path": "/status", "schedule": "0 * * * *"},
		}},
	}, nil, nil)
	ctx := context.Background()
	require.NoError(t, a.Connect(ctx))
	assert.Equal(t, 2, a.Scheduler().Count(bridge.TimerPoll))

	var mu sync.Mutex
	got := map[string][]interface{}{}
	collect := func(name string) bridge.DataCallback {
		return func(_ context.Context, p bridge.IntegrationDataPacket) error {
			mu.Lock()
			defer mu.Unlock()
			got[name] = append(got[name], p.Payload)
			return nil
		}
	}
	_, err := a.ReceiveData(ctx, collect("readings"), HTTPReceiveOptions{Mode: ModePolling, Endpoint: "/readings"})
	require.NoError(t, err)
	_, err = a.ReceiveData(ctx, collect("all"), HTTPReceiveOptions{Mode: ModePolling})
	require.NoError(t, err)
	_, err = a.ReceiveData(ctx, collect("status"), HTTPReceiveOptions{Mode: ModePolling, Endpoint: "/status"})
	require.NoError(t, err)

	_, err = a.ReceiveData(ctx, collect("x"), HTTPReceiveOptions{Mode: ModePolling, Endpoint: "/unknown"})
	assert.Error(t, err)
	_, err = a.ReceiveData(ctx, collect("x"), HTTPReceiveOptions{Mode: ModeWebhook})
	assert.Error(t, err)

	assert.Equal(t, 2, a.drv.poll(ctx, a.drv.polls[0].endpoint))
	mu.Lock()
	assert.Equal(t, []interface{}{21.5}, got["readings"])
	assert.Equal(t, []interface{}{21.5}, got["all"])
	assert.Empty(t, got["status"])
	mu.Unlock()

	require.NoError(t, a.Disconnect(ctx))
	assert.Equal(t, 0, a.Scheduler().Count(bridge.TimerPoll))
}

func TestHTTPAdapter_PollAfterDisconnectIsDiscarded(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/readings" {
			return
		}
		close(arrived)
		<-release
		_, _ = w.Write([]byte(`{"value":1}`))
	}))
	defer srv.Close()

	a := newTestHTTP(t, map[string]interface{}{
		"baseUrl": srv.URL,
		"polling": map[string]interface{}{"endpoints": []interface{}{
			map[string]interface{}{"path": "/readings", "interval": "1h"},
		}},
	}, nil, nil)
	ctx := context.Background()
	require.NoError(t, a.Connect(ctx))

	var delivered int32
	_, err := a.ReceiveData(ctx, func(context.Context, bridge.IntegrationDataPacket) error {
		atomic.AddInt32(&delivered, 1)
		return nil
	}, HTTPReceiveOptions{Mode: ModePolling})
	require.NoError(t, err)

	result := make(chan int, 1)
	go func() { result <- a.drv.poll(ctx, a.drv.polls[0].endpoint) }()
	<-arrived
	require.NoError(t, a.Disconnect(ctx))
	close(release)

	assert.Equal(t, 0, <-result)
	assert.Equal(t, int32(0), atomic.LoadInt32(&delivered))
}

func TestHTTPAdapter_Webhook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	a := newTestHTTP(t, map[string]interface{}{
		"baseUrl": srv.URL,
		"webhook": map[string]interface{}{
			"enabled":    true,
			"listenAddr": "127.0.0.1:0",
			"path":       "/hooks/erp",
			"secret":     "hush",
		},
	}, nil, nil)
	ctx := context.Background()
	require.NoError(t, a.Connect(ctx))
	require.NotEmpty(t, a.WebhookAddr())

	got := make(chan bridge.IntegrationDataPacket, 1)
	_, err := a.ReceiveData(ctx, func(_ context.Context, p bridge.IntegrationDataPacket) error {
		got <- p
		return nil
	}, HTTPReceiveOptions{Mode: ModeWebhook})
	require.NoError(t, err)

	url := "http://" + a.WebhookAddr()
	body := []byte(`{"event":"order.created","id":42}`)
	post := func(path, sig string) int {
		req, err := http.NewRequest(http.MethodPost, url+path, bytes.NewReader(body))
		require.NoError(t, err)
		if sig != "" {
			req.Header.Set("X-Signature-256", sig)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusNotFound, post("/other", Sign("hush", body)))
	assert.Equal(t, http.StatusUnauthorized, post("/hooks/erp", ""))
	assert.Equal(t, http.StatusUnauthorized, post("/hooks/erp", Sign("wrong", body)))

	resp, err := http.Get(url + "/hooks/erp")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	assert.Equal(t, http.StatusAccepted, post("/hooks/erp", Sign("hush", body)))
	p := <-got
	assert.Equal(t, map[string]interface{}{"event": "order.created", "id": float64(42)}, p.Payload)
	assert.Equal(t, "/hooks/erp", p.Metadata["path"])

	require.NoError(t, a.Disconnect(ctx))
	assert.Empty(t, a.WebhookAddr())
}

func TestValidSignature(t *testing.T) {
	body := []byte("payload")
	sig := Sign("k", body)
	assert.True(t, validSignature("k", sig, body))
	assert.True(t, validSignature("k", sig[len("sha256="):], body))
	assert.False(t, validSignature("k", "sha256=zz", body))
	assert.False(t, validSignature("k", "", body))
}
