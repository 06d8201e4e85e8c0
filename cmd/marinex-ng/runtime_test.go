package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"marinex-ng/internal/aisstream"
	"marinex-ng/internal/config"
	"marinex-ng/internal/replay"
	"marinex-ng/internal/sink"
	"marinex-ng/internal/web"
)

type recordingSink struct {
	mu     sync.Mutex
	got    []aisstream.VesselPosition
	closed bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(_ context.Context, p aisstream.VesselPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, p)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func simConfig() config.Config {
	var cfg config.Config
	cfg.Sim.Enable = true
	cfg.Sim.Listen = "127.0.0.1:0"
	cfg.Sim.Vessels = 3
	cfg.Sim.Interval = 20 * time.Millisecond
	cfg.Stream.CloseTimeout = 500 * time.Millisecond
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRuntime_SimEndToEnd(t *testing.T) {
	rec := &recordingSink{}
	factory := func(context.Context, config.SinksConfig) ([]sink.Sink, error) {
		return []sink.Sink{rec}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := newRuntime(ctx, simConfig(), zerolog.Nop(), web.NewLogBuffer(50), withSinkFactory(factory))
	if err != nil {
		t.Fatalf("newRuntime() error: %v", err)
	}
	if !strings.HasPrefix(rt.cfg.Stream.URL, "ws://127.0.0.1:") || strings.HasSuffix(rt.cfg.Stream.URL, ":0/v0/stream") {
		t.Fatalf("stream url=%q want bound sim address", rt.cfg.Stream.URL)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- rt.Run(ctx) }()

	waitFor(t, "vessels", func() bool { return rt.store.Len() == 3 })
	waitFor(t, "sink delivery", func() bool { return rec.count() > 0 })

	ts := httptest.NewServer(rt.webHandler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	var status struct {
		Mode   string `json:"mode"`
		Stream struct {
			State string `json:"state"`
		} `json:"stream"`
		Vessels int `json:"vessels"`
	}
	err = json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Mode != "sim" || status.Stream.State != "streaming" || status.Vessels != 3 {
		t.Fatalf("status=%+v", status)
	}

	mresp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	body, _ := io.ReadAll(mresp.Body)
	mresp.Body.Close()
	if !strings.Contains(string(body), "marinex_stream_connected 1") {
		t.Fatalf("metrics missing connected gauge:\n%s", body)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	rec.mu.Lock()
	closed := rec.closed
	rec.mu.Unlock()
	if !closed {
		t.Fatalf("sink not closed")
	}
	if got := rt.client.State(); got != aisstream.Disconnected {
		t.Fatalf("client state=%s want disconnected", got)
	}
}

func noSinks(context.Context, config.SinksConfig) ([]sink.Sink, error) {
	return nil, nil
}

func TestRuntime_RecordThenReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.log")

	recCfg := simConfig()
	recCfg.Stream.RecordPath = path
	ctx, cancel := context.WithCancel(context.Background())
	rt, err := newRuntime(ctx, recCfg, zerolog.Nop(), nil, withSinkFactory(noSinks))
	if err != nil {
		cancel()
		t.Fatalf("newRuntime() error: %v", err)
	}
	go func() { _ = rt.Run(ctx) }()
	waitFor(t, "recorded vessels", func() bool { return rt.store.Len() == 3 })
	waitFor(t, "recorded messages", func() bool { return rt.recorder.Count() >= 6 })
	cancel()
	if err := rt.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	recs, err := replay.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if len(recs) < 7 || recs[0].Message != nil {
		t.Fatalf("records=%d want START plus messages", len(recs))
	}

	playCfg := simConfig()
	playCfg.Sim.Replay = config.ReplayConfig{Enable: true, Path: path, Speed: 20}
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	rt2, err := newRuntime(ctx2, playCfg, zerolog.Nop(), nil, withSinkFactory(noSinks))
	if err != nil {
		t.Fatalf("newRuntime() replay error: %v", err)
	}
	defer rt2.Close()
	go func() { _ = rt2.Run(ctx2) }()
	waitFor(t, "replayed vessels", func() bool { return rt2.store.Len() == 3 })

	st := rt2.status.Snapshot(time.Now())
	if st.Sim["replay"] != path {
		t.Fatalf("sim info=%v want replay path", st.Sim)
	}
}

func TestRuntime_ReplayFileMissing(t *testing.T) {
	cfg := simConfig()
	cfg.Sim.Replay = config.ReplayConfig{Enable: true, Path: filepath.Join(t.TempDir(), "missing.log")}
	_, err := newRuntime(context.Background(), cfg, zerolog.Nop(), nil, withSinkFactory(noSinks))
	if err == nil || !strings.Contains(err.Error(), "sim replay load failed") {
		t.Fatalf("err=%v", err)
	}
}

func TestRuntime_ShutdownClosesStreamCleanly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt, err := newRuntime(ctx, simConfig(), zerolog.Nop(), nil, withSinkFactory(noSinks))
	if err != nil {
		t.Fatalf("newRuntime() error: %v", err)
	}
	defer rt.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- rt.Run(ctx) }()
	waitFor(t, "vessels", func() bool { return rt.store.Len() == 3 })

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
	}

	waitFor(t, "subscriber close frame", func() bool {
		_, _, ok := rt.simServer.LastPeerClose()
		return ok
	})
	code, reason, _ := rt.simServer.LastPeerClose()
	if code != 1000 || reason != "client closing" {
		t.Fatalf("close=%d %q want 1000 \"client closing\"", code, reason)
	}
	if snap := rt.client.Snapshot(); len(snap.RecentErrors) != 0 {
		t.Fatalf("shutdown recorded errors: %v", snap.RecentErrors)
	}
}

func TestRuntime_StartFailureWithoutReconnect(t *testing.T) {
	cfg := config.Config{}
	cfg.Stream.APIKey = "k"
	// Nothing listens on the discard port.
	cfg.Stream.URL = "ws://127.0.0.1:9/v0/stream"
	cfg.Stream.HandshakeTimeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt, err := newRuntime(ctx, cfg, zerolog.Nop(), nil, withSinkFactory(func(context.Context, config.SinksConfig) ([]sink.Sink, error) {
		return nil, nil
	}))
	if err != nil {
		t.Fatalf("newRuntime() error: %v", err)
	}
	defer rt.Close()

	err = rt.Run(ctx)
	if !aisstream.IsCategory(err, aisstream.CategoryConnection) {
		t.Fatalf("Run() error=%v want connection error", err)
	}
}

func TestRuntime_SupervisorGivesUp(t *testing.T) {
	cfg := config.Config{}
	cfg.Stream.APIKey = "k"
	cfg.Stream.URL = "ws://127.0.0.1:9/v0/stream"
	cfg.Stream.HandshakeTimeout = time.Second
	cfg.Reconnect.Enable = true
	cfg.Reconnect.BackoffInitial = 10 * time.Millisecond
	cfg.Reconnect.BackoffMax = 20 * time.Millisecond
	cfg.Reconnect.MaxAttempts = 2

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rt, err := newRuntime(ctx, cfg, zerolog.Nop(), nil, withSinkFactory(func(context.Context, config.SinksConfig) ([]sink.Sink, error) {
		return nil, nil
	}))
	if err != nil {
		t.Fatalf("newRuntime() error: %v", err)
	}
	defer rt.Close()

	err = rt.Run(ctx)
	if err == nil || !strings.Contains(err.Error(), "stream start failed 2 times") {
		t.Fatalf("Run() error=%v", err)
	}
	if snap := rt.supervisor.Snapshot(); snap.State != "gave_up" {
		t.Fatalf("supervisor state=%q want gave_up", snap.State)
	}
}

func TestRuntime_SinkFactoryError(t *testing.T) {
	cfg := simConfig()
	want := errors.New("broker down")
	_, err := newRuntime(context.Background(), cfg, zerolog.Nop(), nil, withSinkFactory(func(context.Context, config.SinksConfig) ([]sink.Sink, error) {
		return nil, want
	}))
	if !errors.Is(err, want) {
		t.Fatalf("err=%v want %v", err, want)
	}
}

func TestBuildSinks_NoneEnabled(t *testing.T) {
	sinks, err := buildSinks(context.Background(), config.SinksConfig{})
	if err != nil {
		t.Fatalf("buildSinks() error: %v", err)
	}
	if len(sinks) != 0 {
		t.Fatalf("sinks=%d want 0", len(sinks))
	}
}

func TestBuildSinks_UDP(t *testing.T) {
	sinks, err := buildSinks(context.Background(), config.SinksConfig{
		UDP: config.UDPSinkConfig{Enable: true, Dest: "127.0.0.1:4000"},
	})
	if err != nil {
		t.Fatalf("buildSinks() error: %v", err)
	}
	defer func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}()
	if len(sinks) != 1 || sinks[0].Name() != "udp:127.0.0.1:4000" {
		t.Fatalf("sinks=%v", sinks)
	}
}
