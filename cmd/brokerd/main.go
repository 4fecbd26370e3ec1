package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coordhub/coordhub/internal/bridge"
	"github.com/coordhub/coordhub/internal/config"
	"github.com/coordhub/coordhub/internal/durablestore"
	"github.com/coordhub/coordhub/internal/fallback"
	"github.com/coordhub/coordhub/internal/faststore"
	"github.com/coordhub/coordhub/internal/health"
	"github.com/coordhub/coordhub/pkg/broker"
)

func main() {
	// 1. Locate and load configuration
	configPath := os.Getenv("COORDHUB_CONFIG")
	if configPath == "" {
		configPath = "coordhub.yml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to load %s: %v\n", configPath, err)
		os.Exit(1)
	}

	// 2. Secrets may come from the environment instead of the YAML file
	if pw := os.Getenv("COORDHUB_FASTSTORE_PASSWORD"); pw != "" {
		cfg.FastStore.Password = pw
	}
	if pw := os.Getenv("COORDHUB_DURABLESTORE_PASSWORD"); pw != "" && cfg.DurableStore.Auth != nil {
		cfg.DurableStore.Auth.Pass = pw
	}

	// 3. Create the fast-store client and verify connectivity
	fast, err := faststore.New(faststore.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.FastStore.Host, cfg.FastStore.Port),
		Password: cfg.FastStore.Password,
		DB:       cfg.FastStore.DB,
		Prefix:   cfg.FastStore.StreamPrefix,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to create fast-store client: %v\n", err)
		os.Exit(1)
	}
	defer fast.Close()

	ctx := context.Background()
	if err := fast.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Fast store not accessible: %v\n", err)
		os.Exit(1)
	}

	// 4. Create the durable-store client
	durable, err := durablestore.New(cfg.DurableStore)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to create durable-store client: %v\n", err)
		os.Exit(1)
	}
	defer durable.Disconnect()

	// 5. Wire the bus, supervisor, fallback, and bridge
	bus := broker.NewBus()
	sup := health.New(bus,
		cfg.Supervisor.ReconnectAttempts,
		time.Duration(cfg.Supervisor.ReconnectDelayMs)*time.Millisecond,
		time.Duration(cfg.Supervisor.HealthCheckIntervalMs)*time.Millisecond,
	)
	sup.Register(broker.BackendFastStore, func(ctx context.Context) error { return fast.Ping(ctx) })
	sup.Register(broker.BackendDurableStore, func(ctx context.Context) error { return durable.Connect() })

	var fb *fallback.Manager
	if cfg.Supervisor.FallbackMode != config.FallbackModeDisabled {
		fb = fallback.New()
	}

	br := bridge.New(bus, fast, durable, fb, sup, bridge.Options{
		LockTTLMs:         cfg.FastStore.LockTimeoutMs,
		MaxWaiters:        cfg.FastStore.MaxPendingMessages,
		ConsumerGroup:     cfg.FastStore.ConsumerGroup,
		ConsumerName:      cfg.FastStore.ConsumerName,
		HeartbeatInterval: time.Duration(cfg.FastStore.HeartbeatIntervalMs) * time.Millisecond,
		FallbackEnabled:   fb != nil,
	})

	fmt.Printf("Broker starting with prefix '%s', consumer '%s'\n", cfg.FastStore.StreamPrefix, cfg.FastStore.ConsumerName)

	// 6. Recover surviving state and mark backends up
	if err := br.Recover(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: state recovery incomplete: %v\n", err)
	}
	if err := durable.Connect(); err == nil {
		sup.MarkConnected(broker.BackendDurableStore)
	} else {
		fmt.Fprintf(os.Stderr, "Warning: durable store not accessible, starting degraded: %v\n", err)
	}

	// 7. Start the consumer loops
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := durablestore.NewKafkaReader(cfg.DurableStore.Brokers, cfg.DurableStore.GroupID, broker.AllTopics())
	if err := br.Start(runCtx, reader); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to start bridge: %v\n", err)
		os.Exit(1)
	}
	defer reader.Close()

	// 8. Health endpoint
	healthSrv := newHealthServer(sup)
	healthSrv.start()
	defer healthSrv.shutdown(ctx)

	// 9. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	fmt.Printf("Received signal %v, shutting down gracefully...\n", sig)
	br.Shutdown()
	cancel()
}

// healthServer exposes the supervisor's rollup as GET /healthz.
type healthServer struct {
	sup    *health.Supervisor
	server *http.Server
}

func newHealthServer(sup *health.Supervisor) *healthServer {
	return &healthServer{sup: sup}
}

func (h *healthServer) start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handle)

	h.server = &http.Server{
		Addr:         ":8080",
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Health server error: %v\n", err)
		}
	}()
}

func (h *healthServer) shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// handle returns 200 while at least one backend is up, 503 when offline.
func (h *healthServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := h.sup.Health()
	code := http.StatusOK
	if status.Overall == broker.OverallOffline {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
