package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	eventbus "github.com/glimte/eventbus-go"
	"github.com/glimte/eventbus-go/config"
	"github.com/glimte/eventbus-go/health"
	"github.com/glimte/eventbus-go/internal/rabbitmq"
	"github.com/glimte/eventbus-go/internal/reliability"
	"github.com/glimte/eventbus-go/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalFlags are shared by every command.
type globalFlags struct {
	configFile string
	url        string
	exchange   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "eventbus",
		Short: "Publish and consume domain events over RabbitMQ",
		Long: `eventbus publishes JSON events to a RabbitMQ topic exchange and consumes
them through exclusive, pattern-bound queues.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&flags.url, "url", "u", "", "RabbitMQ connection URL (overrides config and "+config.EnvBrokerURL+")")
	rootCmd.PersistentFlags().StringVarP(&flags.exchange, "exchange", "e", "", "Topic exchange name (overrides config)")

	rootCmd.AddCommand(
		newPublishCmd(flags),
		newSubscribeCmd(flags),
		newServeCmd(flags),
	)
	return rootCmd
}

func newPublishCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <routing-key> [json-object]",
		Short: "Publish one event",
		Long:  "Publish a JSON object under a routing key. The object is read from stdin when not given as an argument.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			var raw []byte
			if len(args) == 2 {
				raw = []byte(args[1])
			} else if raw, err = io.ReadAll(cmd.InOrStdin()); err != nil {
				return fmt.Errorf("failed to read payload: %w", err)
			}

			record, err := decodePayload(raw)
			if err != nil {
				return err
			}

			client, err := eventbus.NewClient(cfg.Broker.URL, clientOptions(cfg, logger, nil)...)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close(context.Background())

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return client.Publish(ctx, args[0], record)
		},
	}
}

func newSubscribeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe <pattern> [pattern...]",
		Short: "Print events matching the given patterns",
		Long:  "Bind one exclusive queue per pattern and print every delivered event as a JSON line until interrupted.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			client, err := eventbus.NewClient(cfg.Broker.URL, clientOptions(cfg, logger, nil)...)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			printer := &eventPrinter{w: cmd.OutOrStdout()}
			if err := subscribeAll(ctx, client, args, printer.Handle); err != nil {
				_ = client.Close(context.Background())
				return err
			}

			logger.Info("waiting for events, press Ctrl+C to stop", "patterns", strings.Join(args, ","))
			<-ctx.Done()

			closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer closeCancel()
			return client.Close(closeCtx)
		},
	}
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var patterns []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a long-lived client exposing health and metrics endpoints",
		Long: `Connect to the broker, optionally log events matching --pattern, and serve
/health, /ready, /live and /dead-letters on server.health_addr and /metrics on
server.metrics_addr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			collector := metrics.NewCollector(cfg.Server.MetricsPrefix)
			gatherer := prometheus.NewRegistry()
			gatherer.MustRegister(
				collector,
				prometheus.NewGoCollector(),
				prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			)

			failures := reliability.NewInMemoryFailureStore(reliability.DefaultFailureCapacity)
			opts := append(clientOptions(cfg, logger, collector),
				eventbus.WithSubscriberOptions(rabbitmq.WithFailureStore(failures)))

			client, err := eventbus.NewClient(cfg.Broker.URL, opts...)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}

			registry := health.NewRegistry()
			client.RegisterHealthChecks(registry)
			registry.Register(health.NewGoroutineChecker(1000, 10000))
			registry.SetMetadata("version", version)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := client.Connect(ctx); err != nil {
				logger.Warn("broker not reachable at startup", "error", err, "url", rabbitmq.SanitizeURL(cfg.Broker.URL))
			}

			handle := func(ctx context.Context, record eventbus.Record) error {
				key, _ := eventbus.RoutingKeyFromContext(ctx)
				logger.Info("event received", "routing_key", key, "fields", len(record))
				return nil
			}
			if err := subscribeAll(ctx, client, patterns, handle); err != nil {
				_ = client.Close(context.Background())
				return err
			}

			servers := newServers(cfg.Server, registry, gatherer, failures)
			errCh := make(chan error, len(servers))
			for _, srv := range servers {
				go func(srv *http.Server) {
					logger.Info("http server listening", "addr", srv.Addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						errCh <- fmt.Errorf("http server %s: %w", srv.Addr, err)
					}
				}(srv)
			}

			var runErr error
			select {
			case <-ctx.Done():
				logger.Info("shutting down")
			case runErr = <-errCh:
				logger.Error("http server failed", "error", runErr)
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer shutdownCancel()

			errs := []error{runErr}
			for _, srv := range servers {
				errs = append(errs, srv.Shutdown(shutdownCtx))
			}
			errs = append(errs, client.Close(shutdownCtx))
			return errors.Join(errs...)
		},
	}

	cmd.Flags().StringArrayVarP(&patterns, "pattern", "p", nil, "Routing key pattern to subscribe to and log (repeatable)")
	return cmd
}

// setup loads configuration, applies flag overrides and builds the logger.
func setup(flags *globalFlags, logOutput io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return nil, nil, err
	}
	if flags.url != "" {
		cfg.Broker.URL = flags.url
	}
	if flags.exchange != "" {
		cfg.Broker.Exchange = flags.exchange
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.Log.NewLogger(logOutput)
	slog.SetDefault(logger)

	logger.Debug("configuration loaded",
		"url", rabbitmq.SanitizeURL(cfg.Broker.URL),
		"exchange", cfg.Broker.Exchange,
		"log_level", cfg.Log.Level)
	return cfg, logger, nil
}

func clientOptions(cfg *config.Config, logger *slog.Logger, collector *metrics.Collector) []eventbus.Option {
	opts := append(cfg.ClientOptions(), eventbus.WithLogger(logger))
	if collector != nil {
		opts = append(opts, eventbus.WithMetrics(collector))
	}
	return opts
}

func subscribeAll(ctx context.Context, client *eventbus.Client, patterns []string, handler eventbus.Handler) error {
	for _, pattern := range patterns {
		if _, err := client.Subscribe(ctx, pattern, handler); err != nil {
			return fmt.Errorf("failed to subscribe to %q: %w", pattern, err)
		}
	}
	return nil
}

// decodePayload accepts only a JSON object, the shape subscribers receive.
func decodePayload(raw []byte) (eventbus.Record, error) {
	record, err := rabbitmq.DecodeRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rabbitmq.ErrPayloadParse, err)
	}
	return record, nil
}

// eventPrinter writes one JSON line per delivery.
type eventPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

type printedEvent struct {
	RoutingKey string          `json:"routing_key"`
	Record     eventbus.Record `json:"record"`
}

func (p *eventPrinter) Handle(ctx context.Context, record eventbus.Record) error {
	key, _ := eventbus.RoutingKeyFromContext(ctx)
	line, err := json.Marshal(printedEvent{RoutingKey: key, Record: record})
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = fmt.Fprintf(p.w, "%s\n", line)
	return err
}

// deadLetterHandler lists recently dead-lettered events, newest first.
// ?limit=N caps the list.
func deadLetterHandler(store reliability.FailureStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
				return
			}
			limit = n
		}

		stats, err := store.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		failures, err := store.List(r.Context(), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		_ = encoder.Encode(struct {
			Stats    *reliability.FailureStats `json:"stats"`
			Failures []*reliability.Failure    `json:"failures"`
		}{stats, failures})
	}
}

// newServers returns one server per distinct address. Health and metrics
// share a server when their addresses match.
func newServers(cfg config.ServerConfig, registry *health.Registry, gatherer prometheus.Gatherer, failures reliability.FailureStore) []*http.Server {
	muxes := make(map[string]*http.ServeMux)
	var order []string
	mux := func(addr string) *http.ServeMux {
		if m, ok := muxes[addr]; ok {
			return m
		}
		m := http.NewServeMux()
		muxes[addr] = m
		order = append(order, addr)
		return m
	}

	if cfg.HealthAddr != "" {
		m := mux(cfg.HealthAddr)
		m.Handle("/health", health.NewHandler(registry, cfg.HealthTimeout))
		m.Handle("/ready", health.ReadinessHandler(registry, cfg.HealthTimeout))
		m.Handle("/live", health.LivenessHandler())
		m.Handle("/dead-letters", deadLetterHandler(failures))
	}
	if cfg.MetricsAddr != "" {
		mux(cfg.MetricsAddr).Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	servers := make([]*http.Server, 0, len(order))
	for _, addr := range order {
		servers = append(servers, &http.Server{
			Addr:              addr,
			Handler:           muxes[addr],
			ReadHeaderTimeout: cfg.HealthTimeout,
		})
	}
	return servers
}
