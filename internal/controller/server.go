package controller

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/calcifer-iot/calcifer/internal/audit"
	"github.com/calcifer-iot/calcifer/internal/bus"
	"github.com/calcifer-iot/calcifer/internal/config"
	"github.com/calcifer-iot/calcifer/internal/dispatch"
	"github.com/calcifer-iot/calcifer/internal/health"
	"github.com/calcifer-iot/calcifer/internal/idempotency"
	"github.com/calcifer-iot/calcifer/internal/ingest"
	"github.com/calcifer-iot/calcifer/internal/instrumentation/metrics"
	"github.com/calcifer-iot/calcifer/internal/kvstore"
	"github.com/calcifer-iot/calcifer/internal/logic"
	"github.com/calcifer-iot/calcifer/internal/override"
	"github.com/calcifer-iot/calcifer/internal/safety"
	"github.com/calcifer-iot/calcifer/internal/store"
	"github.com/calcifer-iot/calcifer/internal/twin"
	pkglog "github.com/calcifer-iot/calcifer/pkg/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const staleCutoff = 7 * 24 * time.Hour

// Kernel is the assembled decision machinery handed to inbound adapters:
// the REST surface calls Intents and Overrides, the broker adapter calls
// Feedback.
type Kernel struct {
	Intents   *ingest.IntentService
	Feedback  *ingest.FeedbackService
	Overrides *override.Pipeline
}

// Server wires the twin-state kernel: stores, event fabric, logic, dispatch
// and the periodic maintenance jobs. It runs until a shutdown signal.
type Server struct {
	cfg      *config.Config
	log      logrus.FieldLogger
	store    store.Store
	provider bus.Provider
	commands dispatch.CommandPublisher
	onReady  func(*Kernel)
}

// New returns a new controller server. The command publisher is the broker
// adapter boundary; pass a no-op in standalone mode.
func New(cfg *config.Config, log logrus.FieldLogger, dataStore store.Store, provider bus.Provider, commands dispatch.CommandPublisher) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		store:    dataStore,
		provider: provider,
		commands: commands,
	}
}

// OnReady registers a callback invoked with the assembled kernel once all
// services are running, before Run blocks.
func (s *Server) OnReady(fn func(*Kernel)) {
	s.onReady = fn
}

func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	kernelMetrics := metrics.NewKernelMetrics()
	kernelMetrics.Register(prometheus.DefaultRegisterer)

	kv, err := kvstore.NewKVStore(ctx, s.log, s.cfg.KV.Hostname, s.cfg.KV.Port, s.cfg.KV.Password)
	if err != nil {
		s.log.WithError(err).Error("failed to create kv store")
		return err
	}
	defer kv.Close()

	publisher, err := s.provider.NewPublisher(ctx, bus.TwinEventStream)
	if err != nil {
		s.log.WithError(err).Error("failed to create event publisher")
		return err
	}

	twins := twin.NewStore(kv, s.log.WithField("pkg", "twin"), kernelMetrics, s.cfg.Reconcile.CasMaxRetries)
	auditSink := audit.NewSink(s.store.Audit(), s.log.WithField("pkg", "audit"), kernelMetrics)

	overrideStore := override.NewStore(s.store.Override(), kv, s.log.WithField("pkg", "override"))
	if err := overrideStore.Warmup(ctx); err != nil {
		s.log.WithError(err).Warn("override cache warmup failed, cache heals lazily")
	}
	resolver := override.NewResolver(overrideStore)

	ruleTimeout := time.Duration(s.cfg.Reconcile.RuleEvaluationTimeoutMs) * time.Millisecond
	rules := append(safety.HardcodedRules(), safety.SystemRules()...)
	engine := safety.NewEngine(rules, ruleTimeout, s.log.WithField("pkg", "safety"), kernelMetrics)

	monitor := health.NewMonitor(map[string]health.Pinger{
		"database": health.PingerFunc(s.store.Ping),
		"kvstore":  health.PingerFunc(kv.Ping),
		"bus":      health.PingerFunc(s.provider.CheckHealth),
	}, publisher, auditSink, time.Duration(s.cfg.Health.CheckIntervalMs)*time.Millisecond, s.log.WithField("pkg", "health"), kernelMetrics)
	monitor.Start(ctx)
	defer monitor.Stop()

	systems := logic.NewSystemResolver(s.store.System())
	defer systems.Stop()
	calculator := logic.NewCalculator(resolver, twins, engine, s.log.WithField("pkg", "logic"))
	coordinator := logic.NewCoordinator(twins, systems, calculator, monitor, publisher, auditSink, s.log.WithField("pkg", "logic"), kernelMetrics)
	logicService := logic.NewService(coordinator, systems, s.cfg.Service.WorkerPoolSize, s.cfg.Service.WorkerQueueSize, s.log.WithField("pkg", "logic"))
	defer logicService.Stop()

	logicConsumer, err := s.provider.NewConsumer(ctx, bus.TwinEventStream, bus.LogicConsumerGroup)
	if err != nil {
		s.log.WithError(err).Error("failed to create logic consumer")
		return err
	}
	if err := logicService.Start(ctx, logicConsumer); err != nil {
		s.log.WithError(err).Error("failed to start logic service")
		return err
	}

	debounce := time.Duration(s.cfg.Reconcile.DebounceMs) * time.Millisecond
	dispatcher := dispatch.NewDispatcher(twins, monitor, s.commands, debounce, s.log.WithField("pkg", "dispatch"), kernelMetrics)
	dispatchConsumer, err := s.provider.NewConsumer(ctx, bus.TwinEventStream, bus.DispatchConsumerGroup)
	if err != nil {
		s.log.WithError(err).Error("failed to create dispatch consumer")
		return err
	}
	if err := dispatcher.Start(ctx, dispatchConsumer); err != nil {
		s.log.WithError(err).Error("failed to start dispatcher")
		return err
	}
	defer dispatcher.Close()

	sweeper := override.NewSweeper(overrideStore, publisher, auditSink, s.log.WithField("pkg", "override"), kernelMetrics)
	if err := sweeper.Start(ctx, s.cfg.Override.ExpirationIntervalCron); err != nil {
		s.log.WithError(err).Error("failed to start override sweeper")
		return err
	}
	defer sweeper.Stop()

	maintenance := s.startMaintenance(ctx, twins)
	defer func() { <-maintenance.Stop().Done() }()

	idempotencyTTL := time.Duration(s.cfg.Reconcile.IdempotencyTTLSeconds) * time.Second
	filter := idempotency.NewFilter(kv, idempotencyTTL, s.log.WithField("pkg", "idempotency"), kernelMetrics)
	kernel := &Kernel{
		Intents:   ingest.NewIntentService(twins, publisher, auditSink, s.log.WithField("pkg", "ingest")),
		Feedback:  ingest.NewFeedbackService(twins, filter, publisher, nil, s.log.WithField("pkg", "ingest"), kernelMetrics),
		Overrides: override.NewPipeline(overrideStore, twins, s.store.System(), engine, publisher, auditSink, s.log.WithField("pkg", "override"), kernelMetrics),
	}
	if s.onReady != nil {
		s.onReady(kernel)
	}

	go s.serveMetrics()

	sigShutdown := make(chan os.Signal, 1)
	signal.Notify(sigShutdown, os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sigShutdown
		s.log.Println("Shutdown signal received")
		cancel()
		s.provider.Stop()
	}()
	s.provider.Wait()
	return nil
}

// startMaintenance schedules the daily index hygiene: orphan index entries
// are removed, stale devices are flagged in the log.
func (s *Server) startMaintenance(ctx context.Context, twins twin.Store) *cron.Cron {
	c := cron.New()
	_, err := c.AddFunc("@daily", func() {
		removed, err := twins.SweepOrphanIndex(ctx)
		if err != nil {
			s.log.WithError(err).Error("orphan index sweep failed")
		} else if removed > 0 {
			s.log.Infof("orphan index sweep removed %d entries", removed)
		}
		stale, err := twins.FindStale(ctx, staleCutoff)
		if err != nil {
			s.log.WithError(err).Error("staleness scan failed")
			return
		}
		for _, id := range stale {
			s.log.Warnf("device %s has been inactive for more than %s", id, staleCutoff)
		}
	})
	if err != nil {
		s.log.WithError(err).Error("failed scheduling maintenance job")
	}
	c.Start()
	return c
}

func (s *Server) serveMetrics() {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pkglog.WithReqIDFromCtx(r.Context(), s.log).Debugf("%s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	})
	router.Handle("/metrics", promhttp.Handler())
	s.log.Infof("Serving metrics on %s", s.cfg.Service.MetricsAddress)
	if err := http.ListenAndServe(s.cfg.Service.MetricsAddress, router); err != nil {
		s.log.WithError(err).Error("metrics endpoint failed")
	}
}
