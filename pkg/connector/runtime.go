package connector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/flightincorporated47/metasys-connector-backend/internal/adapters/metasys"
	"github.com/flightincorporated47/metasys-connector-backend/internal/adapters/observability"
	"github.com/flightincorporated47/metasys-connector-backend/internal/adapters/opcua"
	"github.com/flightincorporated47/metasys-connector-backend/internal/adapters/queue"
	"github.com/flightincorporated47/metasys-connector-backend/internal/adapters/sink"
	"github.com/flightincorporated47/metasys-connector-backend/internal/adapters/wal"
	"github.com/flightincorporated47/metasys-connector-backend/internal/app/detector"
	"github.com/flightincorporated47/metasys-connector-backend/internal/app/plan"
	"github.com/flightincorporated47/metasys-connector-backend/internal/app/publisher"
	"github.com/flightincorporated47/metasys-connector-backend/internal/app/scheduler"
	"github.com/flightincorporated47/metasys-connector-backend/internal/logging"
	"github.com/flightincorporated47/metasys-connector-backend/internal/ports"
	"github.com/flightincorporated47/metasys-connector-backend/internal/telemetry"
)

const (
	serviceName     = "metasys-connector"
	shutdownTimeout = 5 * time.Second
	setupTimeout    = 10 * time.Second
)

// Version is stamped into trace resources. Overridden at link time.
var Version = "dev"

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	reader   Reader
	sink     BatchSink
	wal      BatchWAL
	queue    EventQueue
	obs      Observability
	health   *HealthState
	registry *prometheus.Registry
	logger   *zerolog.Logger
}

// WithReader replaces the reader selected by reader.kind.
func WithReader(r Reader) RuntimeOption {
	return func(o *runtimeOverrides) { o.reader = r }
}

// WithSink replaces every configured sink with s.
func WithSink(s BatchSink) RuntimeOption {
	return func(o *runtimeOverrides) { o.sink = s }
}

// WithWAL lets callers bring their own WAL. It is used even when wal.enabled is false.
func WithWAL(w BatchWAL) RuntimeOption {
	return func(o *runtimeOverrides) { o.wal = w }
}

func WithQueue(q EventQueue) RuntimeOption {
	return func(o *runtimeOverrides) { o.queue = q }
}

// WithObservability plugs in a custom metrics and logging backend.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) { o.obs = obs }
}

func WithHealth(h *HealthState) RuntimeOption {
	return func(o *runtimeOverrides) { o.health = h }
}

// WithRegistry registers the default metrics on reg and serves it on /metrics.
func WithRegistry(reg *prometheus.Registry) RuntimeOption {
	return func(o *runtimeOverrides) { o.registry = reg }
}

func WithLogger(l zerolog.Logger) RuntimeOption {
	return func(o *runtimeOverrides) { o.logger = &l }
}

// Runtime wires reader, scheduler, detector, publisher and sinks together and
// serves metrics and health for the lifetime of Run.
type Runtime struct {
	cfg      *Config
	logger   zerolog.Logger
	obs      ports.Observability
	registry *prometheus.Registry
	health   *HealthState

	reader    ports.Reader
	sink      ports.BatchSink
	wal       ports.BatchWAL
	queue     ports.EventQueue
	publisher *publisher.Publisher
	scheduler *scheduler.Scheduler
	opsSrv    *http.Server
}

// NewRuntime builds the poll plan and bootstraps the default adapters
// (Metasys or OPC UA reader, file and remote sinks, optional file WAL,
// in-memory buffer, Prometheus observability). RuntimeOption values override
// any of them.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	points, err := plan.Build(cfg)
	if err != nil {
		return nil, fmt.Errorf("build plan: %w", err)
	}

	rt := &Runtime{cfg: cfg}

	if overrides.logger != nil {
		rt.logger = *overrides.logger
	} else {
		rt.logger = logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	}

	rt.registry = overrides.registry
	if rt.registry == nil {
		rt.registry = prometheus.NewRegistry()
	}
	rt.obs = overrides.obs
	if rt.obs == nil {
		rt.obs = observability.NewPromObs(rt.registry, rt.logger)
	}
	rt.health = overrides.health
	if rt.health == nil {
		rt.health = observability.NewHealthState(time.Now)
	}

	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	if err := rt.setupAdapters(ctx, overrides); err != nil {
		return nil, errors.Join(err, rt.closeAdapters())
	}

	pubOpts := []publisher.Option{publisher.WithHealth(rt.health)}
	if rt.wal != nil {
		pubOpts = append(pubOpts, publisher.WithWAL(rt.wal))
	}
	rt.publisher, err = publisher.New(rt.sink, rt.queue, policyFromConfig(cfg), rt.obs, pubOpts...)
	if err != nil {
		return nil, errors.Join(err, rt.closeAdapters())
	}

	det := detector.New(points, detector.Options{
		QualityChangePublishes: cfg.Polling.QualityChangePublishes,
	})
	rt.scheduler, err = scheduler.New(points, rt.reader, det, rt.publisher, scheduler.Options{
		Tick:                       cfg.Polling.Tick,
		Workers:                    cfg.Polling.Workers,
		ReadTimeout:                cfg.Polling.ReadTimeout,
		FailureEscalationThreshold: cfg.Polling.FailureEscalationThreshold,
	}, rt.obs, rt.health)
	if err != nil {
		return nil, errors.Join(err, rt.closeAdapters())
	}

	rt.opsSrv = &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           rt.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return rt, nil
}

func (r *Runtime) setupAdapters(ctx context.Context, o runtimeOverrides) error {
	r.wal = o.wal
	if r.wal == nil && r.cfg.WAL.Enabled {
		fw, err := wal.NewFileWAL(r.cfg.WAL.Dir)
		if err != nil {
			return fmt.Errorf("open wal: %w", err)
		}
		r.wal = fw
	}

	r.queue = o.queue
	if r.queue == nil {
		r.queue = queue.NewMemQueue(r.cfg.Publisher.MaxBufferedEvents)
	}

	r.reader = o.reader
	if r.reader == nil {
		rd, err := newReader(r.cfg)
		if err != nil {
			return fmt.Errorf("create reader: %w", err)
		}
		r.reader = rd
	}

	r.sink = o.sink
	if r.sink == nil {
		sk, err := newSink(ctx, r.cfg)
		if err != nil {
			return fmt.Errorf("create sink: %w", err)
		}
		r.sink = sk
	}
	return nil
}

// Handler serves /metrics, /health and /healthz.
func (r *Runtime) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	router.Handle("/health", r.health.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return router
}

// Run replays unsent batches from the WAL, starts the ops server and polls
// until ctx is cancelled or the publisher fails fatally. On the way out it
// flushes the buffer once more and closes every adapter. Run must be called
// at most once.
func (r *Runtime) Run(ctx context.Context) error {
	tp, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		OTLPEndpoint:   r.cfg.Tracing.OTLPEndpoint,
		Enabled:        r.cfg.Tracing.Enabled,
		SampleRate:     r.cfg.Tracing.SampleRate,
	}, r.logger)
	if err != nil {
		return errors.Join(fmt.Errorf("init tracer: %w", err), r.closeAdapters())
	}

	replayed, err := r.publisher.Recover(ctx)
	if err != nil {
		return errors.Join(fmt.Errorf("recover wal: %w", err), r.closeAdapters(), tp.Shutdown(context.Background()))
	}
	if replayed > 0 {
		r.obs.LogInfo("wal_replay_complete", ports.Field{Key: "batches", Value: replayed})
	}

	r.obs.LogInfo("runtime_started",
		ports.Field{Key: "reader", Value: r.reader.Name()},
		ports.Field{Key: "sink", Value: r.sink.Name()},
		ports.Field{Key: "ops_addr", Value: r.cfg.Metrics.Addr})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		runErr := r.scheduler.Run(gctx)

		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		closeErr := r.publisher.Close(stopCtx)
		if closeErr != nil {
			closeErr = fmt.Errorf("final flush: %w", closeErr)
		}
		srvErr := r.opsSrv.Shutdown(stopCtx)
		if errors.Is(srvErr, http.ErrServerClosed) {
			srvErr = nil
		}
		return errors.Join(runErr, closeErr, srvErr)
	})
	g.Go(func() error {
		if err := r.opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		r.recordResourceGauges(gctx, time.Second)
		return nil
	})

	err = g.Wait()
	err = errors.Join(err, r.closeAdapters(), tp.Shutdown(context.Background()))
	r.obs.LogInfo("runtime_stopped")
	return err
}

// Reload rebuilds the poll plan from cfg and hands it to the scheduler, which
// swaps it in between ticks. Only asset, point and tier changes take effect;
// connection, sink and timing settings need a restart.
func (r *Runtime) Reload(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	points, err := plan.Build(cfg)
	if err != nil {
		return fmt.Errorf("reload plan: %w", err)
	}
	r.scheduler.Reload(points)
	r.obs.LogInfo("plan_reload_requested", ports.Field{Key: "points", Value: len(points)})
	return nil
}

// Health returns the current health snapshot.
func (r *Runtime) Health() observability.HealthSnapshot {
	return r.health.Snapshot()
}

func (r *Runtime) recordResourceGauges(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.obs.SetGauge("metasys_publisher_buffer_length", float64(r.publisher.Len()))
			r.obs.SetGauge("metasys_pending_batches", float64(r.publisher.Pending()))
			if r.wal != nil {
				r.obs.SetGauge("metasys_wal_size_bytes", float64(r.wal.Stats().SizeBytes))
			}
		}
	}
}

func (r *Runtime) closeAdapters() error {
	var errs []error
	if r.reader != nil {
		if err := r.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader: %w", err))
		}
	}
	if r.sink != nil {
		if err := r.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
	}
	if r.wal != nil {
		if err := r.wal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close wal: %w", err))
		}
	}
	return errors.Join(errs...)
}

func policyFromConfig(cfg *Config) ports.Policy {
	return ports.Policy{
		MaxBatchSize:      cfg.Polling.MaxPointsPerBatch,
		MaxBufferedEvents: cfg.Publisher.MaxBufferedEvents,
		FlushInterval:     cfg.Polling.FlushInterval,
		TickInterval:      cfg.Polling.Tick,
		OnSinkFailure:     cfg.Publisher.OnSinkFailure,
		MaxFlushRetries:   cfg.Publisher.MaxFlushRetries,
	}
}

func newReader(cfg *Config) (ports.Reader, error) {
	switch cfg.Reader.Kind {
	case "opcua":
		rd, err := opcua.NewReader(opcua.Config{
			Endpoint:        cfg.OPCUA.Endpoint,
			Username:        cfg.OPCUA.Username,
			Password:        secret(cfg.OPCUA.PasswordEnv),
			SecurityMode:    cfg.OPCUA.SecurityMode,
			SecurityPolicy:  cfg.OPCUA.SecurityPolicy,
			ApplicationName: cfg.OPCUA.ApplicationName,
		})
		if err != nil {
			return nil, err
		}
		return rd, nil
	case "metasys":
		mc := metasys.Config{
			Host:               cfg.Metasys.Host,
			APIVersion:         cfg.Metasys.APIVersion,
			Timeout:            cfg.Metasys.Timeout,
			InsecureSkipVerify: cfg.Metasys.InsecureSkipVerify,
		}
		if cfg.Metasys.Auth.Mode == "basic" {
			mc.Username = cfg.Metasys.Auth.Username
			mc.Password = secret(cfg.Metasys.Auth.PasswordEnv)
		}
		rd, err := metasys.NewReader(mc)
		if err != nil {
			return nil, err
		}
		return rd, nil
	default:
		return nil, fmt.Errorf("unsupported reader kind %q", cfg.Reader.Kind)
	}
}

// newSink opens every configured sink. More than one is wrapped in a fan-out.
func newSink(ctx context.Context, cfg *Config) (ports.BatchSink, error) {
	var sinks []ports.BatchSink
	fail := func(err error) (ports.BatchSink, error) {
		for _, s := range sinks {
			_ = s.Close()
		}
		return nil, err
	}

	if !cfg.Sinks.File.Disabled {
		fs, err := sink.NewFileSink(cfg.Sinks.File.Path)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, fs)
	}

	if sc := cfg.Sinks.SQL; sc.ConnString != "" {
		db, err := sql.Open(sc.Driver, sc.ConnString)
		if err != nil {
			return fail(fmt.Errorf("open %s: %w", sc.Driver, err))
		}
		ss, err := sink.NewSQLSink(db, sink.Dialect(sc.Driver), sc.Table)
		if err != nil {
			_ = db.Close()
			return fail(err)
		}
		if err := ss.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return fail(fmt.Errorf("ensure schema: %w", err))
		}
		sinks = append(sinks, ss)
	}

	if nc := cfg.Sinks.NATS; nc.URL != "" {
		ns, err := sink.NewNATSSink(nc.URL, nc.Subject, nc.JetStream)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, ns)
	}

	if rc := cfg.Sinks.Redis; rc.Addr != "" {
		rs, err := sink.NewRedisStreamSink(ctx, sink.RedisConfig{
			Addr:     rc.Addr,
			Password: secret(rc.PasswordEnv),
			DB:       rc.DB,
			Stream:   rc.Stream,
			MaxLen:   rc.MaxLen,
		})
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, rs)
	}

	if s3c := cfg.Sinks.S3; s3c.Bucket != "" {
		ss, err := sink.NewS3Sink(ctx, sink.S3Config{
			Bucket:          s3c.Bucket,
			Prefix:          s3c.Prefix,
			Region:          s3c.Region,
			Endpoint:        s3c.Endpoint,
			UsePathStyle:    s3c.UsePathStyle,
			AccessKeyID:     secret(s3c.AccessKeyIDEnv),
			SecretAccessKey: secret(s3c.SecretAccessKeyEnv),
		})
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, ss)
	}

	switch len(sinks) {
	case 0:
		return nil, errors.New("no sink configured")
	case 1:
		return sinks[0], nil
	default:
		return sink.NewFanoutSink(sinks...), nil
	}
}

func secret(env string) string {
	if env == "" {
		return ""
	}
	return os.Getenv(env)
}
