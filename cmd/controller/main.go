// Command controller runs one AIPerf profiling pass in a single process:
// it loads a run configuration, wires the credit scheduler, worker pool,
// response extractor, record processor, and records manager together over
// the in-process message bus, and drives the scheduler/records services
// through the PROFILE_CONFIGURE/START/STOP lifecycle exposed by
// internal/controller. Grounded on the cmd/server/main.go
// flag-parsing and signal-driven graceful shutdown, generalized from an
// HTTP control plane to a run-to-completion batch harness.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aiperf/aiperf/internal/bus"
	"github.com/aiperf/aiperf/internal/command"
	"github.com/aiperf/aiperf/internal/config"
	"github.com/aiperf/aiperf/internal/controller"
	"github.com/aiperf/aiperf/internal/extractors"
	"github.com/aiperf/aiperf/internal/lifecycle"
	"github.com/aiperf/aiperf/internal/otel"
	"github.com/aiperf/aiperf/internal/processor"
	"github.com/aiperf/aiperf/internal/records"
	"github.com/aiperf/aiperf/internal/scheduler"
	"github.com/aiperf/aiperf/internal/types"
	"github.com/aiperf/aiperf/internal/workerpool"
)

const (
	creditQueue  = "credits"
	rawQueue     = "raw-records"
	metricsQueue = "metric-records"

	schedulerServiceID = "scheduler"
	recordsServiceID   = "records"
)

func main() {
	configPath := flag.String("config", "", "path to the run's YAML configuration")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics on (empty disables)")
	resultsPath := flag.String("results", "", "path to write the final ProfileResults JSON (empty prints to stdout)")
	otelExporter := flag.String("otel-exporter", "none", "trace/metric exporter: none, stdout, otlp-grpc, otlp-http")
	otelEndpoint := flag.String("otel-endpoint", "", "OTLP endpoint (only used when --otel-exporter is otlp-grpc/otlp-http)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --config is required")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	tracer, metrics, err := setupObservability(sigCtx, *otelExporter, *otelEndpoint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing observability: %v\n", err)
		os.Exit(1)
	}
	defer tracer.Shutdown(context.Background())
	defer metrics.Shutdown(context.Background())

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr)
	}

	conversations, err := loadConversations(cfg.InputsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading inputs: %v\n", err)
		os.Exit(1)
	}

	b := bus.New()
	defer b.Close()

	mgr := records.New(b, metricsQueue)
	mgr.Metrics = metrics
	prometheus.MustRegister(records.NewPrometheusExporter(mgr))

	creditReturns := make(chan struct{}, 1024)
	strategy := strategyFor(cfg)
	if cs, ok := strategy.(*scheduler.ConcurrencyStrategy); ok {
		cs.Returns = creditReturns
	}
	sched := scheduler.New(b, creditQueue, strategy)
	if cfg.Scheduler.RequestCancellationRate > 0 {
		sched.SetCancellationPolicy(cfg.Scheduler.RequestCancellationRate, cfg.Scheduler.RequestCancellationDelay)
	}
	b.Subscribe("CreditReturn", func(msg bus.Message) {
		if ret, ok := msg.Payload.(types.CreditReturn); ok {
			sched.OnCreditReturn(ret)
			select {
			case creditReturns <- struct{}{}:
			default:
			}
		}
	})

	proc := processor.NewService(b, rawQueue, metricsQueue, extractors.ForEndpoint(cfg.Endpoint.Kind), &processor.Processor{
		TargetRatePerSecond: cfg.Scheduler.RequestRate,
	})

	httpClient := &http.Client{Timeout: 60 * time.Second}
	retry := workerpool.RetryConfig{MaxRetries: 3, Backoff: 200 * time.Millisecond, MaxBackoff: 5 * time.Second}

	workers := make([]*workerpool.Executor, 0, cfg.Workers.Count)
	for i := 0; i < cfg.Workers.Count; i++ {
		client := extractors.NewClient(cfg.Endpoint, httpClient, retry, monotonicNowNS, tracer)
		workers = append(workers, &workerpool.Executor{
			WorkerID:      fmt.Sprintf("worker-%d", i),
			Bus:           b,
			CreditsIn:     creditQueue,
			RecordsOut:    rawQueue,
			Sender:        client,
			Conversations: conversations,
			Sampler:       conversations.sampler(),
			NowWallNS:     wallNowNS,
			NowPerfNS:     monotonicNowNS,
			MaxInFlight:   cfg.Workers.MaxInFlightPerWorker,
			EndpointKind:  string(cfg.Endpoint.Kind),
			Tracer:        tracer,
			Metrics:       metrics,
		})
	}

	registry := controller.NewRegistry(nil)
	leases := controller.NewLeaseManager(controller.DefaultLeaseTTL, nil)
	ctrl := controller.New(b, registry, leases, nil, []string{schedulerServiceID, recordsServiceID})

	stages := controller.StagesFromConfig(cfg.Stages)
	initialPhase := types.PhaseProfiling
	if len(stages) > 0 {
		initialPhase = stages[0].Phase
	}
	sched.SetPhase(initialPhase)
	mgr.SetPhase(initialPhase)

	runCtx, cancelRun := context.WithCancel(sigCtx)
	defer cancelRun()

	runDispatchers(runCtx, b, sched, mgr)

	if err := ctrl.Configure(runCtx, *cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring services: %v\n", err)
		os.Exit(1)
	}
	if err := ctrl.Start(runCtx, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting services: %v\n", err)
		os.Exit(1)
	}

	slog.Info("starting profiling run", "endpoint", cfg.Endpoint.URL, "workers", cfg.Workers.Count)

	// Every service starts in INITIALIZING; its Run moves it on from READY.
	_ = sched.Transition(types.StateReady)
	_ = proc.Transition(types.StateReady)
	_ = mgr.Transition(types.StateReady)
	for _, w := range workers {
		w.Service = lifecycle.NewService()
		_ = w.Transition(types.StateReady)
	}

	g := runGroup{ctx: runCtx}
	g.spawn(func(ctx context.Context) error { return sched.Run(ctx, wallNowNS(), monotonicNowNS(), monotonicNowNS) })
	g.spawn(func(ctx context.Context) error { return proc.Run(ctx) })
	g.spawn(func(ctx context.Context) error { return mgr.Run(ctx, time.Second) })
	for _, w := range workers {
		w := w
		g.spawn(func(ctx context.Context) error { return w.Run(ctx) })
	}

	if len(stages) > 0 {
		seq := controller.NewStageSequence(stages, func(s controller.StageConfig) {
			sched.SetPhase(s.Phase)
			mgr.SetPhase(s.Phase)
			slog.Info("advancing stage", "name", s.Name, "phase", s.Phase)
		})
		g.spawn(func(ctx context.Context) error {
			err := seq.Run(ctx)
			cancelRun()
			return err
		})
	} else if cfg.Duration.DurationSeconds > 0 {
		g.spawn(func(ctx context.Context) error {
			timer := time.NewTimer(time.Duration(cfg.Duration.DurationSeconds * float64(time.Second)))
			defer timer.Stop()
			select {
			case <-timer.C:
				cancelRun()
			case <-ctx.Done():
			}
			return nil
		})
	}

	<-runCtx.Done()
	slog.Info("draining outstanding credits")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if !sched.WaitForDrain(config.DefaultCancelTimeout) {
		slog.Warn("timed out waiting for outstanding credits to drain")
	}
	g.wait(shutdownCtx)

	if err := ctrl.Stop(shutdownCtx); err != nil {
		slog.Error("error stopping services", "error", err)
	}

	writeResults(*resultsPath, mgr.Results())
}

// runDispatchers registers and starts the command.Dispatcher goroutines for
// the scheduler and records services, so the controller's PROFILE_CONFIGURE/
// START/STOP broadcasts (internal/controller.Controller) have a real
// listener even in this single-process deployment, matching 
// command/response contract (internal/command) rather than driving sched/
// mgr's lifecycle directly.
func runDispatchers(ctx context.Context, b bus.Bus, sched *scheduler.Scheduler, mgr *records.Manager) {
	schedReg := command.NewRegistry()
	schedReg.Register(command.KindConfigure, func(ctx context.Context, msg command.Message) (any, error) {
		return "ok", nil
	})
	schedReg.Register(command.KindStart, func(ctx context.Context, msg command.Message) (any, error) {
		return "ok", nil
	})
	schedReg.Register(command.KindStop, func(ctx context.Context, msg command.Message) (any, error) {
		return "ok", nil
	})
	go (&command.Dispatcher{Bus: b, ServiceID: schedulerServiceID, Registry: schedReg}).Run(ctx)

	recReg := command.NewRegistry()
	recReg.Register(command.KindConfigure, func(ctx context.Context, msg command.Message) (any, error) {
		return "ok", nil
	})
	recReg.Register(command.KindStart, func(ctx context.Context, msg command.Message) (any, error) {
		return "ok", nil
	})
	recReg.Register(command.KindCancel, func(ctx context.Context, msg command.Message) (any, error) {
		mgr.MarkCancelled()
		return "ok", nil
	})
	recReg.Register(command.KindStop, func(ctx context.Context, msg command.Message) (any, error) {
		return "ok", nil
	})
	go (&command.Dispatcher{Bus: b, ServiceID: recordsServiceID, Registry: recReg}).Run(ctx)

	// give the dispatcher goroutines a moment to subscribe before the
	// controller's first broadcast goes out.
	time.Sleep(10 * time.Millisecond)
}

func setupObservability(ctx context.Context, exporterFlag, endpoint string) (*otel.Tracer, *otel.Metrics, error) {
	exporterType := otel.ExporterType(exporterFlag)

	tracerCfg := otel.DefaultConfig()
	tracerCfg.Enabled = exporterType != otel.ExporterNone
	tracerCfg.ExporterType = exporterType
	tracerCfg.OTLPEndpoint = endpoint
	tracer, err := otel.NewTracer(ctx, tracerCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("tracer: %w", err)
	}
	otel.SetGlobalTracer(tracer)

	metricsCfg := otel.DefaultMetricsConfig()
	metricsCfg.Enabled = exporterType != otel.ExporterNone
	metricsCfg.ExporterType = exporterType
	metricsCfg.OTLPEndpoint = endpoint
	metrics, err := otel.NewMetrics(ctx, metricsCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics: %w", err)
	}
	otel.SetGlobalMetrics(metrics)

	return tracer, metrics, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	slog.Info("serving prometheus metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics server stopped", "error", err)
	}
}

func strategyFor(cfg *config.UserConfig) scheduler.Strategy {
	switch cfg.Scheduler.Kind {
	case config.SchedulerRequestRate:
		return &scheduler.RequestRateStrategy{
			RatePerSecond: cfg.Scheduler.RequestRate,
			Distribution:  cfg.Scheduler.RateDistribution,
			NowPerfNS:     monotonicNowNS,
		}
	case config.SchedulerFixedSchedule:
		entries, err := loadFixedSchedule(cfg.Scheduler.FixedSchedulePath)
		if err != nil {
			slog.Error("failed to load fixed schedule, falling back to concurrency mode", "error", err)
			return &scheduler.ConcurrencyStrategy{Concurrency: cfg.Workers.Count}
		}
		return &scheduler.FixedScheduleStrategy{Entries: entries, NowPerfNS: monotonicNowNS}
	default:
		return &scheduler.ConcurrencyStrategy{Concurrency: cfg.Scheduler.Concurrency}
	}
}

func loadFixedSchedule(path string) ([]scheduler.ScheduleEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []scheduler.ScheduleEntry
	if err := json.NewDecoder(f).Decode(&entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// conversationStore is the in-memory workerpool.ConversationSource loaded
// from the run's JSONL input file (one types.Conversation per line).
type conversationStore struct {
	byID map[string]types.Conversation
	ids  []string
}

func (c *conversationStore) Get(id string) (types.Conversation, bool) {
	conv, ok := c.byID[id]
	return conv, ok
}

// sampler returns a uniform-weight ModelSelectionSampler over every loaded
// conversation, so an Executor whose CreditDrop carries no
// ConversationID (the common case outside fixed-schedule mode) still picks
// one.
func (c *conversationStore) sampler() *workerpool.ModelSelectionSampler {
	weights := make([]workerpool.ConversationWeight, 0, len(c.ids))
	for _, id := range c.ids {
		weights = append(weights, workerpool.ConversationWeight{ConversationID: id, Weight: 1})
	}
	return workerpool.NewModelSelectionSampler(weights, time.Now().UnixNano())
}

func loadConversations(path string) (*conversationStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	store := &conversationStore{byID: make(map[string]types.Conversation)}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var conv types.Conversation
		if err := json.Unmarshal(line, &conv); err != nil {
			return nil, fmt.Errorf("parsing conversation: %w", err)
		}
		if conv.SessionID == "" {
			conv.SessionID = fmt.Sprintf("conv-%d", len(store.ids))
		}
		store.byID[conv.SessionID] = conv
		store.ids = append(store.ids, conv.SessionID)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return store, nil
}

func writeResults(path string, results types.ProfileResults) {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		slog.Error("failed to marshal results", "error", err)
		return
	}
	if path == "" {
		fmt.Println(string(data))
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		slog.Error("failed to write results file", "error", err)
	}
}

func wallNowNS() int64      { return time.Now().UnixNano() }
func monotonicNowNS() int64 { return time.Now().UnixNano() }

// runGroup spawns goroutines under a shared context and waits for all of
// them at shutdown, scoped to main's top-level services (distinct from
// lifecycle.TaskGroup, which internal/controller.Controller uses for its
// own heartbeat monitor and stage sequence).
type runGroup struct {
	ctx   context.Context
	done  chan error
	count int
}

func (g *runGroup) spawn(fn func(ctx context.Context) error) {
	if g.done == nil {
		g.done = make(chan error, 64)
	}
	g.count++
	go func() { g.done <- fn(g.ctx) }()
}

func (g *runGroup) wait(shutdownCtx context.Context) {
	for i := 0; i < g.count; i++ {
		select {
		case <-g.done:
		case <-shutdownCtx.Done():
			return
		}
	}
}
