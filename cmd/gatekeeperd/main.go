// Command gatekeeperd is the multi-agent orchestration gateway's daemon
// entry point: it loads configuration, opens the durable store, wires the
// gates/router/breaker/heartbeat/workflow-engine/dispatcher chain, recovers
// any interrupted workflow executions, and serves the HTTP API until
// interrupted.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrel-labs/gatekeeper"
	"github.com/kestrel-labs/gatekeeper/internal/config"
	"github.com/kestrel-labs/gatekeeper/internal/httpapi"
	"github.com/kestrel-labs/gatekeeper/observability"
	filestore "github.com/kestrel-labs/gatekeeper/store/file"
	pgstore "github.com/kestrel-labs/gatekeeper/store/postgres"
	"github.com/kestrel-labs/gatekeeper/store/sqlite"
)

func main() {
	cfgPath := os.Getenv("GATEKEEPER_CONFIG")
	cfg := config.Load(cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, closeStore := openStore(ctx, cfg)
	defer closeStore()

	var tracer gatekeeper.Tracer = gatekeeper.NewNoopTracer()
	var metrics gatekeeper.Metrics = gatekeeper.NewNoopMetrics()
	if cfg.Observer.Enabled {
		inst, shutdown, err := observability.Init(ctx)
		if err != nil {
			log.Fatalf("observability init: %v", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Printf(" [gatekeeperd] observability shutdown: %v", err)
			}
		}()
		tracer = observability.NewTracer()
		metrics = observability.NewMetrics(inst)
	}

	agents := cfg.ToAgents()
	registry := gatekeeper.NewStaticRegistry(agents)
	pricing := cfg.ToPricing()

	endpoints := make(map[string]string, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if a.Endpoint != "" {
			endpoints[a.ID] = a.Endpoint
		}
	}
	backend := gatekeeper.NewHTTPAgentBackend(endpoints, &http.Client{Timeout: 90 * time.Second})

	bgCfg := cfg.ToBudgetGateConfig()
	ledger := gatekeeper.NewCostLedger(store, gatekeeper.WithLedgerMetrics(metrics))
	budget := gatekeeper.NewBudgetGate(bgCfg, ledger, pricing, gatekeeper.WithBudgetMetrics(metrics))
	quota := gatekeeper.NewQuotaGate(cfg.ToQuotaGateConfig(), gatekeeper.WithQuotaMetrics(metrics))
	router := gatekeeper.NewRouter(registry, cfg.ToRouterConfig())

	onAlert := func(a gatekeeper.Alert) {
		metrics.IncAlert(ctx)
		if err := store.AppendAlert(ctx, a); err != nil {
			log.Printf(" [gatekeeperd] append alert: %v", err)
		}
	}

	breaker := gatekeeper.NewCircuitBreaker(
		gatekeeper.WithBreakerConfig(cfg.ToBreakerConfig()),
		gatekeeper.WithBreakerAlerts(onAlert),
		gatekeeper.WithBreakerMetrics(metrics),
	)
	heartbeat := gatekeeper.NewHeartbeatMonitor(cfg.ToHeartbeatConfig(), onAlert)
	retry := gatekeeper.NewRetryExecutor(cfg.ToRetryPolicy(), gatekeeper.WithRetryMetrics(metrics))

	invoker := gatekeeper.NewAgentInvoker(backend, breaker, heartbeat, retry, ledger, pricing,
		gatekeeper.WithInvokerTracer(tracer),
		gatekeeper.WithInvokerAlerts(onAlert),
		gatekeeper.WithInvokerMetrics(metrics),
		gatekeeper.WithInvokerSafePrice(bgCfg.SafeMediumPrice),
	)

	definitions := gatekeeper.NewStaticDefinitions(cfg.Workflows)
	workflows := gatekeeper.NewWorkflowEngine(store, definitions, invoker, registry,
		gatekeeper.WithWorkflowTracer(tracer),
		gatekeeper.WithWorkflowAlerts(onAlert),
		gatekeeper.WithWorkflowMetrics(metrics),
	)

	// Every execution left `running` by a prior crash must be reclassified
	// before the Dispatcher accepts new requests.
	if err := workflows.Recover(ctx); err != nil {
		log.Fatalf("workflow recovery: %v", err)
	}
	for _, rec := range workflows.Recovered() {
		log.Printf(" [gatekeeperd] recovered execution=%s as failed/interrupted", rec.ExecutionID)
	}

	dispatcher := gatekeeper.NewDispatcher(quota, budget, router, invoker, workflows, registry,
		gatekeeper.WithDispatcherMetrics(metrics),
	)

	go heartbeat.Run(ctx)

	server := httpapi.New(httpapi.Deps{
		Dispatcher: dispatcher,
		Router:     router,
		Workflows:  workflows,
		Breaker:    breaker,
		Heartbeat:  heartbeat,
		Budget:     budget,
		Quota:      quota,
		Alerts:     store,
		Costs:      ledger,
		AuthToken:  cfg.Server.AuthToken,
	})

	httpSrv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf(" [gatekeeperd] http shutdown: %v", err)
		}
	}()

	log.Printf(" [gatekeeperd] listening on %s (driver=%s)", cfg.Server.ListenAddr, cfg.Database.Driver)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}
}

// openStore selects and initializes the configured durable store.
func openStore(ctx context.Context, cfg config.Config) (gatekeeper.Store, func()) {
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Fatalf("postgres connect: %v", err)
		}
		st := pgstore.New(pool)
		if err := st.Init(ctx); err != nil {
			log.Fatalf("postgres init: %v", err)
		}
		return st, func() { _ = st.Close() }
	case "file":
		st := filestore.New(cfg.Database.CostLog, cfg.Database.AlertLog, cfg.Database.WorkflowDir,
			filestore.WithFsync(cfg.Database.Fsync))
		if err := st.Init(ctx); err != nil {
			log.Fatalf("file store init: %v", err)
		}
		return st, func() { _ = st.Close() }
	default:
		st := sqlite.New(cfg.Database.Path)
		if err := st.Init(ctx); err != nil {
			log.Fatalf("sqlite init: %v", err)
		}
		return st, func() { _ = st.Close() }
	}
}
