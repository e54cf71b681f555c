// Jarvis alert remediation daemon.
//
// Usage:
//
//	jarvisd --config /etc/jarvis/config.yaml
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/potatorick/jarvis/internal/config"
	"github.com/potatorick/jarvis/internal/correlator"
	"github.com/potatorick/jarvis/internal/executor"
	"github.com/potatorick/jarvis/internal/gateway"
	"github.com/potatorick/jarvis/internal/hostmonitor"
	"github.com/potatorick/jarvis/internal/httpapi"
	"github.com/potatorick/jarvis/internal/learning"
	"github.com/potatorick/jarvis/internal/maintenance"
	"github.com/potatorick/jarvis/internal/metrics"
	"github.com/potatorick/jarvis/internal/metricsbackend"
	"github.com/potatorick/jarvis/internal/models"
	"github.com/potatorick/jarvis/internal/notifier"
	"github.com/potatorick/jarvis/internal/proactive"
	"github.com/potatorick/jarvis/internal/queue"
	"github.com/potatorick/jarvis/internal/reasoning"
	"github.com/potatorick/jarvis/internal/runbook"
	"github.com/potatorick/jarvis/internal/sdnotify"
	"github.com/potatorick/jarvis/internal/selfpreserve"
	"github.com/potatorick/jarvis/internal/store"
	"github.com/potatorick/jarvis/internal/validator"
	"github.com/potatorick/jarvis/internal/verifier"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

var (
	flagConfig  = flag.String("config", "/etc/jarvis/config.yaml", "Config file path")
	flagVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *flagVersion {
		log.Printf("jarvisd %s", Version)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.LoadConfig(*flagConfig)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("[jarvisd] shutdown signal: %v", sig)
		cancel()
	}()

	d, err := newDaemon(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}
	if err := d.Run(ctx); err != nil {
		log.Fatalf("daemon failed: %v", err)
	}
}

// gatewayIngestor adapts gateway.Gateway to proactive.AlertIngestor,
// dropping the terminal Status a promoted anomaly doesn't need to act on.
type gatewayIngestor struct {
	gw *gateway.Gateway
}

func (g gatewayIngestor) Ingest(ctx context.Context, alert *models.Alert) error {
	_, err := g.gw.Ingest(ctx, alert)
	return err
}

// queueDrainer adapts store.DB and gateway.Gateway to queue.Drainer, so a
// recovered Postgres connection replays whatever piled up in the
// degraded-mode queue through the normal ingest path.
type queueDrainer struct {
	db *store.DB
	gw *gateway.Gateway
}

func (d queueDrainer) Reachable(ctx context.Context) bool {
	return d.db.Ping(ctx) == nil
}

func (d queueDrainer) Process(ctx context.Context, item queue.Item) error {
	_, err := d.gw.Ingest(ctx, item.Alert)
	return err
}

type daemon struct {
	cfg *config.Config

	db           *store.DB
	gw           *gateway.Gateway
	server       *httpapi.Server
	hosts        *hostmonitor.Monitor
	proactive    *proactive.Engine
	selfpreserve *selfpreserve.Manager
	q            *queue.Queue
	stats        *metrics.Registry
	exec         *executor.Executor
}

func newDaemon(ctx context.Context, cfg *config.Config) (*daemon, error) {
	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	stats := metrics.New()

	notif := notifier.New(cfg.ChatWebhookURL, cfg.ChatWebhookAuth, db, time.Duration(cfg.EscalationCooldownHours)*time.Hour)

	exec := executor.New(cfg.SelfHostNames)
	prober := executor.NewHostProber(exec, executor.ProbeTarget{
		Username:       cfg.SSHUsername,
		PrivateKeyPath: cfg.SSHPrivateKeyPath,
		Port:           cfg.SSHPort,
	})
	hosts := hostmonitor.New(prober, notif)

	// No live service-dependency graph exists in this deployment, so the
	// correlator runs purely on its static alert-name hint table.
	corr := correlator.New(nil)

	maint := maintenance.New(db)

	validatorNames := validator.ServiceNames{
		ServiceName:   "jarvis",
		DatabaseName:  "jarvis-postgres",
		DockerDaemon:  "dockerd",
		SelfHostNames: cfg.SelfHostNames,
	}
	v := validator.New(validatorNames)

	mb := metricsbackend.New(metricsbackend.Config{
		PrometheusURL: cfg.MetricsBackendURL,
		LokiURL:       cfg.LokiBackendURL,
		Timeout:       10 * time.Second,
	})

	verif := verifier.New(mb, verifier.Config{
		InitialDelay: time.Duration(cfg.VerificationInitialDelaySeconds) * time.Second,
		PollInterval: time.Duration(cfg.VerificationPollIntervalSeconds) * time.Second,
		MaxWait:      time.Duration(cfg.VerificationMaxWaitSeconds) * time.Second,
	})

	learn := learning.New(db)

	rb, err := runbook.New(cfg.StateFile("runbooks"))
	if err != nil {
		return nil, err
	}

	q := queue.New(queue.DefaultCapacity)

	sp, err := selfpreserve.NewManager(db, selfpreserve.Config{
		OrchestratorURL: cfg.OrchestratorWebhookURL,
		SigningKeyPath:  cfg.StateFile("signing_key"),
		NonceFile:       cfg.StateFile("nonces.json"),
		MaxRestarts:     cfg.MaxRestarts,
		StaleAfter:      time.Duration(cfg.StaleHandoffCleanupMinutes) * time.Minute,
		RequestTimeout:  30 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	budget := reasoning.NewBudgetTracker(reasoning.DefaultBudgetConfig())
	var telemetry *reasoning.TelemetryReporter
	if cfg.OrchestratorWebhookURL != "" {
		telemetry = reasoning.NewTelemetryReporter(cfg.OrchestratorWebhookURL, cfg.OracleAPIKey)
	}
	oracle := reasoning.NewOracle(reasoning.OracleConfig{
		APIKey:            cfg.OracleAPIKey,
		Endpoint:          cfg.OracleAPIEndpoint,
		Model:             cfg.OracleModel,
		MaxTokens:         4096,
		MaxIterations:     cfg.OracleMaxIterations,
		HardMaxIterations: cfg.OracleMaxIterationsExtended,
		Timeout:           time.Duration(cfg.OracleTimeoutSecs) * time.Second,
	}, budget, telemetry)
	oracle.SetStats(stats)

	gw := gateway.New(gateway.Deps{
		DB:          db,
		Correlator:  corr,
		Maintenance: maint,
		Hosts:       hosts,
		Learning:    learn,
		Executor:    exec,
		Validator:   v,
		Verifier:    verif,
		Oracle:      oracle,
		Notifier:    notif,
		SelfPreserve: sp,
		Queue:        q,
		Runbooks:     rb,
		MetricsQuerier: mb,
		LogQuerier:     mb,
		Stats:          stats,
	}, cfg.MaxAttemptsPerAlert, cfg.AttemptWindowHours, cfg.CrashLoopThreshold, gateway.Config{
		CommandTimeoutSecs:  cfg.CommandExecutionTimeoutSeconds,
		ExternalURL:         cfg.ExternalURL,
		VerificationEnabled: cfg.VerificationEnabled,
		FingerprintCooldown: time.Duration(cfg.FingerprintCooldownSeconds) * time.Second,
		EscalationCooldown:  time.Duration(cfg.EscalationCooldownHours) * time.Hour,
		SSH: gateway.SSHConfig{
			Username:       cfg.SSHUsername,
			PrivateKeyPath: cfg.SSHPrivateKeyPath,
			Port:           cfg.SSHPort,
		},
	})

	proact := proactive.New(mb, gatewayIngestor{gw}, proactive.Config{
		ProactiveInterval: time.Duration(cfg.ProactiveCheckIntervalSecs) * time.Second,
		AnomalyInterval:   time.Duration(cfg.AnomalyCheckIntervalSecs) * time.Second,
		AnomalyCooldown:   time.Duration(cfg.AnomalyCooldownMinutes) * time.Minute,
		ZWarning:          cfg.AnomalyZWarning,
		ZCritical:         cfg.AnomalyZCritical,
	})

	server := httpapi.NewServer(httpapi.Deps{
		Gateway:      gw,
		DB:           db,
		Maintenance:  maint,
		SelfPreserve: sp,
		Proactive:    proact,
		Runbooks:     rb,
		Queue:        q,
		Stats:        stats,
	}, httpapi.Config{
		BasicAuthUser: cfg.BasicAuthUser,
		BasicAuthPass: cfg.BasicAuthPass,
	})
	httpapi.Version = Version

	return &daemon{
		cfg:          cfg,
		db:           db,
		gw:           gw,
		server:       server,
		hosts:        hosts,
		proactive:    proact,
		selfpreserve: sp,
		q:            q,
		stats:        stats,
		exec:         exec,
	}, nil
}

func (d *daemon) Run(ctx context.Context) error {
	log.Printf("[jarvisd] starting, listen=%s verification=%v proactive=%v anomaly=%v",
		d.cfg.ListenAddr, d.cfg.VerificationEnabled, d.cfg.ProactiveMonitoringEnabled, d.cfg.AnomalyDetectionEnabled)

	srv := &http.Server{
		Addr:    d.cfg.ListenAddr,
		Handler: d.server.Routes(),
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[jarvisd] http server error: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.q.Run(ctx, queueDrainer{db: d.db, gw: d.gw})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.hosts.Run(ctx)
	}()

	if d.cfg.ProactiveMonitoringEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.proactive.RunProactive(ctx)
		}()
	}
	if d.cfg.AnomalyDetectionEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.proactive.RunAnomaly(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Duration(d.cfg.StaleHandoffCleanupMinutes) * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := d.selfpreserve.CleanupStale(ctx); err != nil {
					log.Printf("[jarvisd] stale handoff cleanup failed: %v", err)
				} else if n > 0 {
					log.Printf("[jarvisd] marked %d stale handoff(s) timed out", n)
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.stats.QueueDepth.Set(float64(d.q.Depth()))
			}
		}
	}()

	if err := sdnotify.Ready(); err != nil {
		log.Printf("[jarvisd] sd_notify READY failed: %v", err)
	}

	watchdog := time.NewTicker(10 * time.Second)
	defer watchdog.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("[jarvisd] shutting down...")
			_ = sdnotify.Stopping()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("[jarvisd] http shutdown error: %v", err)
			}
			shutdownCancel()
			d.exec.CloseAll()
			d.db.Close()

			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				log.Println("[jarvisd] all goroutines drained")
			case <-time.After(30 * time.Second):
				log.Println("[jarvisd] goroutine drain timed out after 30s")
			}
			return nil
		case <-watchdog.C:
			_ = sdnotify.Watchdog()
		}
	}
}
