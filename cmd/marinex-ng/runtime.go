package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"marinex-ng/internal/aisstream"
	"marinex-ng/internal/config"
	"marinex-ng/internal/metrics"
	"marinex-ng/internal/reconnect"
	"marinex-ng/internal/replay"
	"marinex-ng/internal/sim"
	"marinex-ng/internal/sink"
	"marinex-ng/internal/vessel"
	"marinex-ng/internal/web"
)

type runtime struct {
	cfg config.Config
	log zerolog.Logger

	status     *web.Status
	logs       *web.LogBuffer
	positions  *web.PositionBroadcaster
	store      *vessel.Store
	metrics    *metrics.Metrics
	dispatcher *sink.Dispatcher
	client     *aisstream.Client
	supervisor *reconnect.Supervisor
	recorder   *replay.Writer

	simServer *sim.Server
	simLn     net.Listener
	webLn     net.Listener

	// sinkFactory builds the enabled sinks; tests swap it out.
	sinkFactory func(ctx context.Context, cfg config.SinksConfig) ([]sink.Sink, error)
}

type runtimeOption func(*runtime)

func withSinkFactory(f func(ctx context.Context, cfg config.SinksConfig) ([]sink.Sink, error)) runtimeOption {
	return func(r *runtime) { r.sinkFactory = f }
}

func newRuntime(ctx context.Context, cfg config.Config, log zerolog.Logger, logs *web.LogBuffer, opts ...runtimeOption) (*runtime, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}

	r := &runtime{
		cfg:         c,
		log:         log,
		status:      web.NewStatus(),
		logs:        logs,
		positions:   web.NewPositionBroadcaster(),
		store:       vessel.NewStore(vessel.StoreConfig{MaxVessels: c.Vessels.MaxVessels, TTL: c.Vessels.TTL}),
		sinkFactory: buildSinks,
	}
	for _, opt := range opts {
		opt(r)
	}

	m, err := metrics.New(nil)
	if err != nil {
		return nil, fmt.Errorf("metrics init failed: %w", err)
	}
	r.metrics = m

	sinks, err := r.sinkFactory(ctx, c.Sinks)
	if err != nil {
		return nil, err
	}
	r.dispatcher = sink.NewDispatcher(sink.DispatcherConfig{
		QueueSize:      c.Sinks.QueueSize,
		PublishTimeout: c.Sinks.PublishTimeout,
	}, log.With().Str("component", "sinks").Logger(), m, sinks...)

	if c.Sim.Enable {
		simCfg := sim.ServerConfig{
			APIKey:   c.Sim.APIKey,
			Interval: c.Sim.Interval,
			Fleet: sim.Fleet{
				CenterLat:   c.Sim.CenterLatDeg,
				CenterLon:   c.Sim.CenterLonDeg,
				RadiusNm:    c.Sim.RadiusNm,
				Period:      c.Sim.Period,
				SpeedKt:     c.Sim.SpeedKt,
				Count:       c.Sim.Vessels,
				StaticEvery: 10,
			},
		}
		if c.Sim.Replay.Enable {
			recs, err := replay.ReadFile(c.Sim.Replay.Path)
			if err != nil {
				r.Close()
				return nil, fmt.Errorf("sim replay load failed: %w", err)
			}
			simCfg.Replay = recs
			simCfg.ReplaySpeed = c.Sim.Replay.Speed
			simCfg.ReplayLoop = c.Sim.Replay.Loop
		}
		r.simServer = sim.NewServer(simCfg, log.With().Str("component", "sim").Logger())
		// Bind before the client dials so the first Start cannot race the listener.
		ln, err := net.Listen("tcp", c.Sim.Listen)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("sim listen failed: %w", err)
		}
		r.simLn = ln
		// A ":0" listen address only resolves once bound.
		if c.Stream.URL == "ws://"+c.Sim.Listen+config.SimStreamPath {
			c.Stream.URL = "ws://" + ln.Addr().String() + config.SimStreamPath
			r.cfg.Stream.URL = c.Stream.URL
		}
	}

	sub, err := c.Stream.Subscription()
	if err != nil {
		r.Close()
		return nil, err
	}
	clientOpts := []aisstream.Option{aisstream.WithLogger(log.With().Str("component", "stream").Logger())}
	if c.Stream.RecordPath != "" {
		w, err := replay.CreateWriter(c.Stream.RecordPath)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("record file init failed: %w", err)
		}
		r.recorder = w
		clientOpts = append(clientOpts, aisstream.WithMessageTap(r.recordTap()))
	}
	client, err := aisstream.NewClient(aisstream.Config{
		URL:              c.Stream.URL,
		Subscription:     sub,
		HandshakeTimeout: c.Stream.HandshakeTimeout,
		CloseTimeout:     c.Stream.CloseTimeout,
		MaxMessageBytes:  c.Stream.MaxMessageBytes,
		ReadChunkBytes:   c.Stream.ReadBufferBytes,
	}, clientOpts...)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.client = client

	if c.Reconnect.Enable {
		sup, err := reconnect.NewSupervisor(reconnect.Config{
			BackoffInitial: c.Reconnect.BackoffInitial,
			BackoffMax:     c.Reconnect.BackoffMax,
			MaxAttempts:    c.Reconnect.MaxAttempts,
		}, client, log.With().Str("component", "reconnect").Logger())
		if err != nil {
			r.Close()
			return nil, err
		}
		r.supervisor = sup
	}

	r.wireEvents()
	if err := m.ObserveStream(client.Snapshot); err != nil {
		r.Close()
		return nil, fmt.Errorf("metrics init failed: %w", err)
	}

	if c.Web.Enable {
		ln, err := net.Listen("tcp", c.Web.Listen)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("web listen failed: %w", err)
		}
		r.webLn = ln
	}

	r.initStatus()
	return r, nil
}

// wireEvents registers every consumer of the client's events. Registration
// order is delivery order: store first so the web API reflects a position
// before it is broadcast.
func (r *runtime) wireEvents() {
	pub := r.client.Events()
	pub.OnPositionReceived(func(p aisstream.VesselPosition) {
		r.store.Upsert(time.Now().UTC(), p)
	})
	r.positions.Attach(pub)
	r.dispatcher.Attach(pub)
	r.metrics.Attach(pub)

	pub.OnConnectionStatusChanged(func(ev aisstream.ConnectionStatusEvent) {
		r.log.Info().Bool("connected", ev.Connected).Msg("stream status changed")
	})
	pub.OnError(func(se aisstream.StreamError) {
		ev := r.log.Warn()
		if se.Category != aisstream.CategoryConnection {
			ev = r.log.Debug()
		}
		ev.Str("category", string(se.Category)).Str("detail", se.Detail).Msg("stream error")
	})
}

// recordTap writes raw messages to the record file, warning once on failure.
func (r *runtime) recordTap() func(time.Time, []byte) {
	var warned atomic.Bool
	return func(at time.Time, msg []byte) {
		if err := r.recorder.WriteMessage(at, msg); err != nil && !warned.Swap(true) {
			r.log.Warn().Err(err).Str("path", r.cfg.Stream.RecordPath).Msg("recording failed")
		}
	}
}

func (r *runtime) initStatus() {
	mode := "live"
	simInfo := map[string]any{"enabled": false}
	if r.cfg.Sim.Enable {
		mode = "sim"
		simInfo = map[string]any{
			"enabled":   true,
			"listen":    r.simLn.Addr().String(),
			"vessels":   r.cfg.Sim.Vessels,
			"radius_nm": r.cfg.Sim.RadiusNm,
			"interval":  r.cfg.Sim.Interval.String(),
		}
		if r.cfg.Sim.Replay.Enable {
			simInfo["replay"] = r.cfg.Sim.Replay.Path
		}
	}
	r.status.SetStatic(mode, simInfo)

	src := web.StatusSources{
		Stream:  r.client.Snapshot,
		Sinks:   r.dispatcher.Stats,
		Vessels: r.store.Len,
	}
	if r.supervisor != nil {
		src.Reconnect = r.supervisor.Snapshot
	}
	r.status.SetSources(src)
}

func (r *runtime) webHandler() http.Handler {
	return web.Handler(web.Deps{
		Status:    r.status,
		Vessels:   r.store,
		Logs:      r.logs,
		Positions: r.positions,
		Metrics:   r.metrics.Handler(),
	})
}

// Run blocks until ctx is done or a component fails for good. Shutdown of the
// stream and sinks is left to Close.
func (r *runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	serve := func(name string, ln net.Listener, h http.Handler) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.log.Info().Str("addr", ln.Addr().String()).Msgf("%s listening", name)
			if err := web.ServeListener(ctx, ln, h); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s server: %w", name, err)
			}
		}()
	}

	if r.simLn != nil {
		mux := http.NewServeMux()
		mux.Handle(config.SimStreamPath, r.simServer)
		serve("sim", r.simLn, mux)
		r.simLn = nil
	}
	if r.webLn != nil {
		serve("web", r.webLn, r.webHandler())
		r.webLn = nil
	}

	if r.supervisor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.supervisor.Run(ctx); err != nil {
				errCh <- err
			}
		}()
	} else if err := r.client.Start(context.WithoutCancel(ctx)); err != nil {
		// The session outlives ctx so shutdown goes through Stop's close
		// handshake instead of a dropped connection.
		cancel()
		wg.Wait()
		return err
	}

	r.log.Info().Str("url", r.cfg.Stream.URL).Bool("reconnect", r.supervisor != nil).Msg("marinex-ng running")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	if r.supervisor == nil {
		if err := r.client.Stop(); err != nil {
			r.log.Warn().Err(err).Msg("stream stop failed")
		}
	}
	cancel()
	wg.Wait()
	return runErr
}

// Close stops the stream first so no position is enqueued after the
// dispatcher drains.
func (r *runtime) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.client != nil {
		if err := r.client.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.recorder != nil {
		if err := r.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("record file: %w", err))
		}
	}
	if r.dispatcher != nil {
		if err := r.dispatcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ln := range []net.Listener{r.simLn, r.webLn} {
		if ln != nil {
			_ = ln.Close()
		}
	}
	return errors.Join(errs...)
}

func buildSinks(ctx context.Context, cfg config.SinksConfig) ([]sink.Sink, error) {
	var out []sink.Sink
	fail := func(err error) ([]sink.Sink, error) {
		for _, s := range out {
			_ = s.Close()
		}
		return nil, err
	}

	if cfg.UDP.Enable {
		s, err := sink.NewUDPSink(cfg.UDP.Dest)
		if err != nil {
			return fail(fmt.Errorf("udp sink init failed: %w", err))
		}
		out = append(out, s)
	}
	if cfg.MQTT.Enable {
		s, err := sink.NewMQTTSink(sink.MQTTConfig{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			QoS:            byte(cfg.MQTT.QoS),
			Retain:         cfg.MQTT.Retain,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
		})
		if err != nil {
			return fail(fmt.Errorf("mqtt sink init failed: %w", err))
		}
		out = append(out, s)
	}
	if cfg.NATS.Enable {
		s, err := sink.NewNATSSink(sink.NATSConfig{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Timeout:       cfg.NATS.Timeout,
		})
		if err != nil {
			return fail(fmt.Errorf("nats sink init failed: %w", err))
		}
		out = append(out, s)
	}
	if cfg.Redis.Enable {
		s, err := sink.NewRedisSink(ctx, sink.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Redis.TTL,
		})
		if err != nil {
			return fail(fmt.Errorf("redis sink init failed: %w", err))
		}
		out = append(out, s)
	}
	return out, nil
}
