package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fenilsonani/mta-relay/internal/config"
	"github.com/fenilsonani/mta-relay/internal/control"
	"github.com/fenilsonani/mta-relay/internal/logging"
	"github.com/fenilsonani/mta-relay/internal/lookup"
	"github.com/fenilsonani/mta-relay/internal/queue"
	"github.com/fenilsonani/mta-relay/internal/relay"
	"github.com/fenilsonani/mta-relay/internal/resolver"
	"github.com/fenilsonani/mta-relay/internal/session"
)

var (
	cfgFile     string
	tablesFile  string
	cfg         *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mta-relay",
	Short: "Outbound mail transfer relay",
	Long: `mta-relay is the outbound half of a mail server: it accepts
envelopes from a queue, discovers MXs, enforces per-domain/host/source
concurrency and rate limits, and dispatches outbound SMTP sessions.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "/etc/mta-relay/config.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&tablesFile, "tables", "/etc/mta-relay/tables.yaml", "path to secret/source tables file")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay core",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		type resourceTracker struct {
			logger     *logging.Logger
			redisQueue *queue.RedisQueue
			controlSrv *control.Server
			metricsSrv *http.Server
			cancel     context.CancelFunc
		}
		res := &resourceTracker{}

		cleanup := func() {
			if res.logger != nil {
				res.logger.Info("starting graceful shutdown")
			}

			shutdownTimeout := 30 * time.Second
			if d, err := time.ParseDuration(cfg.Relay.ShutdownTimeout); err == nil {
				shutdownTimeout = d
			}
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()

			// Stop accepting control commands first, same order the
			// teacher's admin server goes before its SMTP/IMAP listeners.
			if res.controlSrv != nil {
				if err := res.controlSrv.Shutdown(shutdownCtx); err != nil && res.logger != nil {
					res.logger.Error("control server shutdown error", "error", err.Error())
				}
			}
			if res.metricsSrv != nil {
				if err := res.metricsSrv.Shutdown(shutdownCtx); err != nil && res.logger != nil {
					res.logger.Error("metrics server shutdown error", "error", err.Error())
				}
			}
			// Stop the scheduler's event loop; in-flight sessions finish
			// their own dialog independently and report back over
			// channels that are simply no longer drained.
			if res.cancel != nil {
				res.cancel()
			}
			if res.redisQueue != nil {
				if err := res.redisQueue.Close(); err != nil && res.logger != nil {
					res.logger.Error("redis queue close error", "error", err.Error())
				}
			}
			if res.logger != nil {
				res.logger.Info("shutdown complete")
			}
		}

		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(os.Stderr, "PANIC during relay operation: %v\n", r)
				cleanup()
				panic(r)
			}
		}()

		logger, err := logging.New(logging.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		res.logger = logger
		logger.Info("mta-relay starting", "hostname", cfg.Relay.Hostname)

		retryMaxAge, _ := time.ParseDuration(cfg.Queue.RetryMaxAge)
		if retryMaxAge == 0 {
			retryMaxAge = 7 * 24 * time.Hour
		}
		redisQueue, err := queue.NewRedisQueue(queue.Config{
			RedisURL:    cfg.Queue.RedisURL,
			Prefix:      cfg.Queue.Prefix,
			MaxRetries:  cfg.Queue.MaxRetries,
			RetryMaxAge: retryMaxAge,
		})
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to initialize Redis queue: %w", err)
		}
		res.redisQueue = redisQueue
		logger.Info("redis queue connected", "url", cfg.Queue.RedisURL)

		tables, err := lookup.LoadTables(tablesFile)
		if err != nil {
			logger.Warn("no lookup tables loaded, AUTH and custom source tables are unavailable", "error", err.Error())
			tables = nil
		}

		limitsTable := buildLimitsTable(cfg)

		ctx, cancel := context.WithCancel(context.Background())
		res.cancel = cancel

		sched := relay.NewScheduler(limitsTable, relay.Collaborators{}, func(msg string) { logger.Relay().Info(msg) })

		var collab relay.Collaborators
		collab.Resolver = resolver.New(resolver.DefaultConfig(), sched.MXHostReplies, sched.MXEndReplies, sched.PreferenceReplies, logger)
		collab.Lookup = lookup.New(tables, sched.SecretReplies, sched.SourceReplies, logger)
		adapter := queue.NewRelayAdapter(redisQueue, logger)
		collab.Queue = adapter

		connectTimeout, _ := time.ParseDuration(cfg.Delivery.ConnectTimeout)
		if connectTimeout == 0 {
			connectTimeout = 30 * time.Second
		}
		commandTimeout, _ := time.ParseDuration(cfg.Delivery.CommandTimeout)
		if commandTimeout == 0 {
			commandTimeout = 5 * time.Minute
		}
		heloName := cfg.Delivery.HeloName
		if heloName == "" {
			heloName = cfg.Relay.Hostname
		}
		collab.Session = session.New(session.Config{
			Hostname:       heloName,
			ConnectTimeout: connectTimeout,
			CommandTimeout: commandTimeout,
			RequireTLS:     cfg.TLS.RequireTLS,
			VerifyTLS:      cfg.TLS.VerifyTLS,
		}, adapter, sched.SessionEvents, logger)

		sched.SetCollaborators(collab)

		go sched.Run(ctx)
		go feedQueue(ctx, redisQueue, cfg, sched, logger)

		if cfg.Control.Enabled {
			controlSrv := control.New(control.Config{
				SocketPath:      cfg.Control.SocketPath,
				ShutdownTimeout: 5 * time.Second,
			}, sched, logger)
			res.controlSrv = controlSrv
			go func() {
				if err := controlSrv.ListenAndServe(ctx); err != nil {
					logger.Error("control server error", "error", err.Error())
				}
			}()
			logger.Info("control socket listening", "path", cfg.Control.SocketPath)
		}

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: ":9090", Handler: metricsMux}
		res.metricsSrv = metricsSrv
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err.Error())
			}
		}()
		logger.Info("metrics server listening", "addr", metricsSrv.Addr)

		fmt.Printf("mta-relay running as %s\n", cfg.Relay.Hostname)
		fmt.Println("Press Ctrl+C to stop.")
		logger.Info("all services started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		signal.Ignore(syscall.SIGPIPE, syscall.SIGHUP)

		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cleanup()
		logger.Info("relay stopped")
		return nil
	},
}

// buildLimitsTable translates config.LimitsConfig into relay.LimitsTable,
// the same config-to-runtime-profile conversion the teacher does for
// its own per-domain settings.
func buildLimitsTable(cfg *config.Config) *relay.LimitsTable {
	fallback := relay.DefaultLimits()
	if p, ok := cfg.Limits.Profiles["default"]; ok {
		fallback = profileFromConfig(p)
	}
	table := relay.NewLimitsTable(fallback)
	for _, d := range cfg.Domains {
		name := d.LimitsName
		if name == "" {
			name = "default"
		}
		if p, ok := cfg.Limits.Profiles[name]; ok {
			table.Set(d.Name, profileFromConfig(p))
		}
	}
	return table
}

func profileFromConfig(p config.LimitsProfileConfig) *relay.LimitsProfile {
	out := relay.DefaultLimits()
	if p.MaxPerHost > 0 {
		out.MaxPerHost = p.MaxPerHost
	}
	if p.MaxPerSource > 0 {
		out.MaxPerSource = p.MaxPerSource
	}
	if p.MaxPerConnector > 0 {
		out.MaxPerConnector = p.MaxPerConnector
	}
	if p.MaxPerRelay > 0 {
		out.MaxPerRelay = p.MaxPerRelay
	}
	if p.MaxPerRoute > 0 {
		out.MaxPerRoute = p.MaxPerRoute
	}
	if p.MaxPerDomain > 0 {
		out.MaxPerDomain = p.MaxPerDomain
	}
	setDuration(&out.ConnDelayHost, p.ConnDelayHost)
	setDuration(&out.ConnDelayDomain, p.ConnDelayDomain)
	setDuration(&out.ConnDelaySource, p.ConnDelaySource)
	setDuration(&out.ConnDelayConnector, p.ConnDelayConnector)
	setDuration(&out.ConnDelayRelay, p.ConnDelayRelay)
	setDuration(&out.ConnDelayRoute, p.ConnDelayRoute)
	setDuration(&out.ConnDelayRouteMax, p.ConnDelayRouteMax)
	setDuration(&out.DiscDelayRoute, p.DiscDelayRoute)
	setDuration(&out.DiscDelayRouteMax, p.DiscDelayRouteMax)
	return out
}

func setDuration(field *time.Duration, raw string) {
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*field = d
	}
}

// feedQueue polls Redis for pending envelopes and submits them to the
// scheduler, the way the queue process re-feeds pending work on
// startup and as new TRANSFERs arrive (spec's Non-goals: scheduler
// state is in-memory, the queue is the durable side). Each dequeued
// envelope already carries its own evpid and destination domain, so it
// submits as its own single-envelope Task; InternRelay folds multiple
// submissions for the same domain onto one Relay's task list (spec §3).
func feedQueue(ctx context.Context, q *queue.RedisQueue, cfg *config.Config, sched *relay.Scheduler, logger *logging.Logger) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				env, err := q.Dequeue(ctx)
				if err != nil {
					logger.WarnContext(ctx, "dequeue failed", "error", err.Error())
					break
				}
				if env == nil {
					break
				}
				submitEnvelope(sched, cfg, env)
			}
		}
	}
}

// submitEnvelope builds the Submission for one dequeued envelope,
// binding the RelayKey to the envelope's destination domain (each relay
// handles exactly one destination domain, spec §3's Relay key).
func submitEnvelope(sched *relay.Scheduler, cfg *config.Config, env *queue.Envelope) {
	dc := cfg.GetDomain(env.Domain)
	key := relay.RelayKey{Domain: env.Domain, Port: 25}
	if dc != nil {
		key.AuthTable = dc.AuthTable
		key.AuthLabel = dc.AuthLabel
		key.SourceTable = dc.SourceTable
		key.BackupName = dc.BackupName
		if dc.AuthTable != "" {
			key.Flags |= relay.RelayAuth
		}
		if dc.Backup {
			key.Flags |= relay.RelayBackup
		}
	}

	task := &relay.Task{MsgID: env.MessageID, Sender: env.Sender}
	task.Envelopes = append(task.Envelopes, &relay.Envelope{
		ID:          env.ID,
		CreatedAt:   env.CreatedAt,
		Destination: env.Domain,
		Rcpt:        env.Rcpt,
	})
	sched.Submissions <- relay.Submission{Key: key, Task: task}
}
