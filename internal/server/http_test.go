package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/matt-riley/flagedge/internal/core"
	"github.com/matt-riley/flagedge/internal/etag"
	"github.com/matt-riley/flagedge/internal/metrics"
	"github.com/matt-riley/flagedge/internal/middleware"
	"github.com/matt-riley/flagedge/internal/service"
	"github.com/matt-riley/flagedge/internal/stream"
)

type fakeRequester struct {
	mu        sync.Mutex
	responses func(keys []core.Key) []service.Response
	err       error
	gotKeys   []core.Key
	gotCtx    core.EvaluationContext
	gotTags   etag.Holder
}

func (f *fakeRequester) Request(_ context.Context, keys []core.Key, evalCtx core.EvaluationContext, tags etag.Holder) ([]service.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotKeys, f.gotCtx, f.gotTags = keys, evalCtx, tags
	if f.err != nil {
		return nil, f.err
	}
	return f.responses(keys), nil
}

// fakeStreamer drives each connection synchronously from RequestFeatures.
type fakeStreamer struct {
	mu      sync.Mutex
	onConn  func(conn stream.Connection)
	conns   []stream.Connection
	removed []stream.Connection
	stats   stream.Stats
}

func (f *fakeStreamer) RequestFeatures(conn stream.Connection) {
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	if f.onConn != nil {
		f.onConn(conn)
	}
}

func (f *fakeStreamer) ClientRemoved(conn stream.Connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, conn)
}

func (f *fakeStreamer) Stats() stream.Stats {
	return f.stats
}

type fakeProber struct {
	err error
}

func (f fakeProber) Ping(context.Context) error {
	return f.err
}

func testKey(t *testing.T) (string, core.Key) {
	t.Helper()
	raw := "default/" + uuid.NewString() + "/server-secret"
	key, err := core.ParseKey(raw)
	if err != nil {
		t.Fatalf("ParseKey(%q) error = %v", raw, err)
	}
	return raw, key
}

func succeedAll(etags ...string) func([]core.Key) []service.Response {
	return func(keys []core.Key) []service.Response {
		out := make([]service.Response, len(keys))
		for i, key := range keys {
			out[i] = service.Response{
				Key:      key,
				Outcome:  service.OutcomeSuccess,
				ETag:     etags[i],
				Features: []core.FeatureState{{ID: "f1", Key: "banner", Value: true}},
			}
		}
		return out
	}
}

func newTestHandler(requester Requester, streamer Streamer, opts ...HTTPOption) (http.Handler, *metrics.Metrics) {
	m := metrics.New()
	return NewHTTPHandler(requester, streamer, m, opts...), m
}

func TestPollRequiresAPIKey(t *testing.T) {
	handler, _ := newTestHandler(&fakeRequester{}, &fakeStreamer{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/features", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestPollInvalidKeysAreThrottled(t *testing.T) {
	throttle := middleware.NewInvalidKeyThrottle(context.Background(), 1)
	defer throttle.Stop()
	requester := &fakeRequester{}
	handler, m := newTestHandler(requester, &fakeStreamer{}, WithInvalidKeyThrottle(throttle))

	wantCodes := []int{http.StatusNotFound, http.StatusTooManyRequests}
	for i, want := range wantCodes {
		req := httptest.NewRequest(http.MethodGet, "/features?apiKey=not-a-key", nil)
		req.RemoteAddr = "10.1.1.1:5000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d status = %d, want %d", i+1, rec.Code, want)
		}
	}

	if requester.gotKeys != nil {
		t.Fatal("invalid keys must not reach the requester")
	}
	if got := testutil.ToFloat64(m.InvalidKeysTotal); got != 2 {
		t.Fatalf("edge_invalid_keys_total = %v, want 2", got)
	}
}

func TestPollSuccess(t *testing.T) {
	raw1, key1 := testKey(t)
	raw2, key2 := testKey(t)
	requester := &fakeRequester{responses: succeedAll("e1", "e2")}
	handler, m := newTestHandler(requester, &fakeStreamer{})

	req := httptest.NewRequest(http.MethodGet, "/features?apiKey="+raw1+"&sdkUrl="+raw2, nil)
	req.Header.Set(ContextHeader, "userkey=u1,country=nz")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if len(requester.gotKeys) != 2 || requester.gotKeys[0] != key1 || requester.gotKeys[1] != key2 {
		t.Fatalf("requested keys = %v, want [%v %v]", requester.gotKeys, key1, key2)
	}
	if got := requester.gotCtx.Value("country", ""); got != "nz" {
		t.Fatalf("context country = %q, want nz", got)
	}

	wantETag := etag.Quote("e1;e2//" + requester.gotCtx.Tag())
	if got := rec.Header().Get("ETag"); got != wantETag {
		t.Fatalf("ETag = %q, want %q", got, wantETag)
	}

	var body []environmentFeatures
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if len(body) != 2 || body[0].ID != key1.EnvironmentID || body[1].ID != key2.EnvironmentID {
		t.Fatalf("body = %+v, want environments in request order", body)
	}
	if got := testutil.ToFloat64(m.HitsTotal.WithLabelValues("poll", "success")); got != 2 {
		t.Fatalf("edge_hits_total{poll,success} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "GET /features", "200")); got != 1 {
		t.Fatalf("edge_http_requests_total{GET /features,200} = %v, want 1", got)
	}
}

func TestPollPassesConditionalTag(t *testing.T) {
	raw1, key1 := testKey(t)
	raw2, key2 := testKey(t)
	requester := &fakeRequester{responses: func(keys []core.Key) []service.Response {
		return []service.Response{
			{Key: keys[0], Outcome: service.OutcomeNoChange},
			{Key: keys[1], Outcome: service.OutcomeNoChange},
		}
	}}
	handler, _ := newTestHandler(requester, &fakeStreamer{})

	req := httptest.NewRequest(http.MethodGet, "/features/?apiKey="+raw1+"&apiKey="+raw2, nil)
	req.Header.Set("If-None-Match", `W/"a1;a2"`)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotModified)
	}
	if got := rec.Header().Get("ETag"); got != `"a1;a2"` {
		t.Fatalf("ETag = %q, want %q", got, `"a1;a2"`)
	}
	if !requester.gotTags.Valid {
		t.Fatal("conditional tag should be valid")
	}
	if requester.gotTags.EnvironmentTags[key1] != "a1" || requester.gotTags.EnvironmentTags[key2] != "a2" {
		t.Fatalf("environment tags = %v, want positional a1/a2", requester.gotTags.EnvironmentTags)
	}
}

func TestPollStatusMapping(t *testing.T) {
	notFound := service.Response{Outcome: service.OutcomeFailed, ETag: service.FailedETag, Err: service.ErrKeyNotFound}
	unavailable := service.Response{Outcome: service.OutcomeFailed, ETag: service.FailedETag, Err: service.ErrCacheUnavailable}
	success := service.Response{Outcome: service.OutcomeSuccess, ETag: "e2"}

	tests := []struct {
		name      string
		responses []service.Response
		err       error
		want      int
		wantETag  string
	}{
		{name: "all not found", responses: []service.Response{notFound, notFound}, want: http.StatusNotFound},
		{name: "mixed failures", responses: []service.Response{notFound, unavailable}, want: http.StatusServiceUnavailable},
		{name: "partial success", responses: []service.Response{notFound, success}, want: http.StatusOK, wantETag: `"0;e2"`},
		{name: "requester error", err: errors.New("boom"), want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw1, _ := testKey(t)
			raw2, _ := testKey(t)
			requester := &fakeRequester{
				err: tt.err,
				responses: func(keys []core.Key) []service.Response {
					out := make([]service.Response, len(tt.responses))
					for i, r := range tt.responses {
						r.Key = keys[i]
						out[i] = r
					}
					return out
				},
			}
			handler, _ := newTestHandler(requester, &fakeStreamer{})

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/features?apiKey="+raw1+"&apiKey="+raw2, nil))

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.wantETag != "" && rec.Header().Get("ETag") != tt.wantETag {
				t.Fatalf("ETag = %q, want %q", rec.Header().Get("ETag"), tt.wantETag)
			}
		})
	}
}

func serveStream(t *testing.T, handler http.Handler, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestStreamInitialFeaturesThenUpdates(t *testing.T) {
	raw, _ := testKey(t)
	streamer := &fakeStreamer{onConn: func(conn stream.Connection) {
		update := core.FeatureUpdate{
			EnvironmentID: conn.Key().EnvironmentID,
			Changes: []core.FeatureChange{
				{Action: core.ActionUpdate, Feature: core.CacheFeature{ID: "f2", Key: "checkout", Value: "v2", Version: 2}},
				{Action: core.ActionDelete, Feature: core.CacheFeature{ID: "f3", Key: "legacy", Version: 4}},
			},
		}
		// held until the initial response is written
		if err := conn.NotifyFeature(update); err != nil {
			t.Errorf("NotifyFeature() error = %v", err)
		}
		conn.InitialResponse(service.Response{
			Key:      conn.Key(),
			Outcome:  service.OutcomeSuccess,
			ETag:     "e1",
			Features: []core.FeatureState{{ID: "f1", Key: "banner", Value: true}},
		})
		conn.Close(true)
	}}
	handler, m := newTestHandler(&fakeRequester{}, streamer)

	rec := serveStream(t, handler, "/features/"+raw, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", got)
	}

	body := rec.Body.String()
	order := []string{
		"event: ack\ndata: {\"status\":\"discover\"}",
		"id: e1\nevent: features\n",
		"event: feature\ndata: {\"id\":\"f2\",\"key\":\"checkout\"",
		"event: delete_feature\ndata: {\"id\":\"f3\",\"key\":\"legacy\"",
		"event: bye\n",
	}
	last := -1
	for _, want := range order {
		idx := strings.Index(body, want)
		if idx < 0 {
			t.Fatalf("stream body missing %q: %q", want, body)
		}
		if idx < last {
			t.Fatalf("%q out of order in %q", want, body)
		}
		last = idx
	}
	if got := testutil.ToFloat64(m.HitsTotal.WithLabelValues("sse", "success")); got != 1 {
		t.Fatalf("edge_hits_total{sse,success} = %v, want 1", got)
	}
}

func TestStreamValidTagSkipsDiscovery(t *testing.T) {
	_, key := testKey(t)
	target := "/features/" + key.EnvironmentID.String() + "/server-secret"

	var gotTags etag.Holder
	streamer := &fakeStreamer{onConn: func(conn stream.Connection) {
		gotTags = conn.CachedETags()
		conn.InitialResponse(service.Response{Key: conn.Key(), Outcome: service.OutcomeNoChange})
		conn.Close(false)
	}}
	handler, _ := newTestHandler(&fakeRequester{}, streamer)

	rec := serveStream(t, handler, target, http.Header{"Last-Event-Id": {"e1"}})

	if strings.Contains(rec.Body.String(), "discover") {
		t.Fatalf("valid tag should not trigger discovery: %q", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "event: features") {
		t.Fatalf("no-change response should not send features: %q", rec.Body.String())
	}
	if !gotTags.Valid || gotTags.EnvironmentTags[key] != "e1" {
		t.Fatalf("cached tags = %+v, want valid e1 for %v", gotTags, key)
	}
}

func TestStreamFailure(t *testing.T) {
	raw, _ := testKey(t)
	streamer := &fakeStreamer{onConn: func(conn stream.Connection) {
		conn.Failed("unknown API key.")
	}}
	handler, _ := newTestHandler(&fakeRequester{}, streamer)

	rec := serveStream(t, handler, "/features/"+raw, nil)

	body := rec.Body.String()
	if !strings.Contains(body, "event: failure\ndata: {\"status\":\"failed\",\"reason\":\"unknown API key.\"}") {
		t.Fatalf("stream body missing failure event: %q", body)
	}
}

func TestStreamDropAfterSaysBye(t *testing.T) {
	raw, _ := testKey(t)
	streamer := &fakeStreamer{onConn: func(conn stream.Connection) {
		conn.InitialResponse(service.Response{Key: conn.Key(), Outcome: service.OutcomeNoChange})
	}}
	handler, _ := newTestHandler(&fakeRequester{}, streamer, WithStreamTimers(20*time.Millisecond, 5*time.Millisecond))

	rec := serveStream(t, handler, "/features/"+raw, nil)

	body := rec.Body.String()
	if !strings.Contains(body, "event: bye") {
		t.Fatalf("stream body missing bye event: %q", body)
	}
	if !strings.Contains(body, `{"status":"heartbeat"}`) {
		t.Fatalf("stream body missing heartbeat: %q", body)
	}
}

func TestStreamClientDisconnectEjects(t *testing.T) {
	raw, _ := testKey(t)
	streamer := &fakeStreamer{}
	streamer.onConn = func(conn stream.Connection) {
		conn.RegisterEjection(streamer.ClientRemoved)
		conn.InitialResponse(service.Response{Key: conn.Key(), Outcome: service.OutcomeNoChange})
	}
	handler, _ := newTestHandler(&fakeRequester{}, streamer)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/features/"+raw, nil).WithContext(ctx)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	streamer.mu.Lock()
	defer streamer.mu.Unlock()
	if len(streamer.removed) != 1 || streamer.removed[0] != streamer.conns[0] {
		t.Fatalf("removed = %v, want the disconnected connection", streamer.removed)
	}
}

func TestStreamInvalidKey(t *testing.T) {
	streamer := &fakeStreamer{}
	handler, _ := newTestHandler(&fakeRequester{}, streamer)

	for _, target := range []string{"/features/not-a-uuid/secret", "/features/default/not-a-uuid/secret"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s status = %d, want %d", target, rec.Code, http.StatusNotFound)
		}
	}
	if len(streamer.conns) != 0 {
		t.Fatalf("invalid keys opened %d connections, want 0", len(streamer.conns))
	}
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name   string
		prober Prober
		want   int
	}{
		{name: "no prober", want: http.StatusOK},
		{name: "healthy", prober: fakeProber{}, want: http.StatusOK},
		{name: "unhealthy", prober: fakeProber{err: errors.New("down")}, want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []HTTPOption
			if tt.prober != nil {
				opts = append(opts, WithProber(tt.prober))
			}
			handler, _ := newTestHandler(&fakeRequester{}, &fakeStreamer{}, opts...)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestStatusAndMetricsEndpoints(t *testing.T) {
	streamer := &fakeStreamer{stats: stream.Stats{Environments: 3, Connections: 7}}
	handler, _ := newTestHandler(&fakeRequester{}, streamer)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if !strings.Contains(rec.Body.String(), `"connections":7`) || !strings.Contains(rec.Body.String(), `"environments":3`) {
		t.Fatalf("status body = %q, want stats", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "edge_http_requests_total") {
		t.Fatalf("metrics body missing edge_http_requests_total: %q", rec.Body.String())
	}
}

func TestStatusReportsThrottledClients(t *testing.T) {
	throttle := middleware.NewInvalidKeyThrottle(context.Background(), 5)
	defer throttle.Stop()
	handler, _ := newTestHandler(&fakeRequester{}, &fakeStreamer{}, WithInvalidKeyThrottle(throttle))

	for _, addr := range []string{"10.2.0.1:4000", "10.2.0.2:4000", "10.2.0.1:4001"} {
		req := httptest.NewRequest(http.MethodGet, "/features?apiKey=not-a-key", nil)
		req.RemoteAddr = addr
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if !strings.Contains(rec.Body.String(), `"throttled_clients":2`) {
		t.Fatalf("status body = %q, want throttled_clients 2", rec.Body.String())
	}
}

func TestCompactSSEPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []string
	}{
		{name: "pretty json", payload: "{\n  \"key\": \"banner\"\n}", want: []string{`{"key":"banner"}`}},
		{name: "plain text", payload: "one\ntwo", want: []string{"one", "two"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := compactSSEPayload([]byte(tt.payload))
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Fatalf("compactSSEPayload() = %q, want %q", got, tt.want)
			}
		})
	}
}
