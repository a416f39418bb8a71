package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/JQIamo/temperature-control-app/internal/bus"
	"github.com/JQIamo/temperature-control-app/internal/config"
	"github.com/JQIamo/temperature-control-app/internal/connection"
	"github.com/JQIamo/temperature-control-app/internal/connectors"
	"github.com/JQIamo/temperature-control-app/internal/discovery"
	"github.com/JQIamo/temperature-control-app/internal/logging"
	"github.com/JQIamo/temperature-control-app/internal/metrics"
	"github.com/JQIamo/temperature-control-app/internal/notifications"
	"github.com/JQIamo/temperature-control-app/internal/persistence"
	"github.com/JQIamo/temperature-control-app/internal/platform"
	"github.com/JQIamo/temperature-control-app/internal/router"
	"github.com/JQIamo/temperature-control-app/internal/timeseries"
	"github.com/JQIamo/temperature-control-app/internal/transport"
)

// InitOptions customizes Initialize.
type InitOptions struct {
	// ConfigPath overrides the config file location.
	ConfigPath string
	// RootDir overrides the per-user data directory.
	RootDir string
	// Apply is called after the config is loaded and before it is validated.
	Apply func(*config.AppConfig)
	// Dialer replaces the websocket dialer.
	Dialer transport.Dialer
	// Notifier replaces the desktop notification backend.
	Notifier notifications.Sender
}

// Runtime owns every long-lived component of a client session.
type Runtime struct {
	mu sync.RWMutex

	Ctx    context.Context
	cancel context.CancelFunc

	Paths  Paths
	Config config.AppConfig

	LogManager *logging.Manager
	Bus        *bus.PubSubBus
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics

	Manager *connection.Manager
	Router  *router.Router
	Buffer  *timeseries.Buffer
	Client  *Client

	DB          *sql.DB
	Recorder    *persistence.Recorder
	archiveLock platform.Lock

	Notifications *NotificationService

	connStatusMu    sync.RWMutex
	connStatus      connectors.ConnectionStatus
	connStatusKnown bool
}

func Initialize(parent context.Context, opts InitOptions) (*Runtime, error) {
	var (
		paths Paths
		err   error
	)
	if opts.RootDir != "" {
		paths, err = ResolvePathsIn(opts.RootDir)
	} else {
		paths, err = ResolvePaths()
	}
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.ConfigPath) != "" {
		paths.ConfigFile = opts.ConfigPath
	}

	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}
	if opts.Apply != nil {
		opts.Apply(&cfg)
	}
	cfg.FillMissingDefaults()
	if cfg.Recorder.Enabled && strings.TrimSpace(cfg.Recorder.DBFile) == "" {
		cfg.Recorder.DBFile = paths.DBFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	rt := &Runtime{
		Ctx:    ctx,
		cancel: cancel,
		Paths:  paths,
		Config: cfg,
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		_ = logMgr.Close()
		cancel()

		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	slog.Info("starting runtime", "version", BuildVersion(), "build_date", BuildDateYMD(), "server", cfg.Server.BaseURL)

	b := bus.New(logMgr.Logger("bus"))
	rt.Bus = b
	bus.Consume(ctx, b, func(msg any) {
		if status, ok := msg.(connectors.ConnectionStatus); ok {
			rt.setConnStatus(status)
		}
	}, connectors.TopicConnStatus)

	rt.Registry = prometheus.NewRegistry()
	rt.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.Metrics = metrics.New(rt.Registry)

	if err := rt.buildSession(cfg, opts); err != nil {
		_ = rt.Close()

		return nil, err
	}

	if cfg.Recorder.Enabled {
		if err := rt.startRecorder(cfg.Recorder); err != nil {
			_ = rt.Close()

			return nil, err
		}
	}

	if cfg.Notifications.Enabled {
		sender := opts.Notifier
		if sender == nil {
			sender = notifications.NewBeeepSender(logMgr.Logger("notifications"))
		}
		rt.Notifications = NewNotificationService(b, rt.CurrentConfig, sender, logMgr.Logger("app.notifications"))
		rt.Notifications.Start(ctx)
	}

	return rt, nil
}

func (r *Runtime) buildSession(cfg config.AppConfig, opts InitOptions) error {
	resolver, err := discovery.NewHTTPResolver(discovery.Config{
		BaseURL:   cfg.Server.BaseURL,
		Path:      cfg.Server.DiscoveryPath,
		Timeout:   cfg.Connection.DiscoveryTimeout.Std(),
		Logger:    r.LogManager.Logger("discovery"),
		UserAgent: UserAgent(),
	})
	if err != nil {
		return fmt.Errorf("initialize discovery: %w", err)
	}
	r.setConnStatus(InitialConnectionStatus(resolver.Endpoint()))

	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.NewWebSocketDialer()
	}

	manager, err := connection.NewManager(connection.Options{
		Resolver:     resolver,
		Dialer:       dialer,
		Policy:       connection.NewReconnectPolicy(cfg.Connection),
		Bus:          r.Bus,
		Metrics:      r.Metrics,
		Logger:       r.LogManager.Logger("connection"),
		WriteTimeout: cfg.Connection.WriteTimeout.Std(),
	})
	if err != nil {
		return fmt.Errorf("initialize connection manager: %w", err)
	}
	r.Manager = manager

	rtr, err := router.New(router.Options{
		Sender:     manager,
		Bus:        r.Bus,
		Metrics:    r.Metrics,
		Logger:     r.LogManager.Logger("router"),
		RequestIDs: cfg.Connection.RequestIDs,
	})
	if err != nil {
		return fmt.Errorf("initialize router: %w", err)
	}
	r.Router = rtr

	r.Buffer = timeseries.NewBuffer(cfg.History.Window, r.Metrics)

	client, err := NewClient(ClientOptions{
		Manager: manager,
		Router:  rtr,
		Buffer:  r.Buffer,
		Bus:     r.Bus,
		Logger:  r.LogManager.Logger("client"),
	})
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	r.Client = client

	return nil
}

func (r *Runtime) startRecorder(cfg config.RecorderConfig) error {
	lock, err := platform.AcquireArchiveLock(cfg.DBFile)
	if err != nil {
		if errors.Is(err, platform.ErrArchiveLocked) {
			return fmt.Errorf("another recorder is writing %s: %w", cfg.DBFile, err)
		}

		return err
	}
	r.archiveLock = lock

	db, err := persistence.Open(r.Ctx, cfg.DBFile)
	if err != nil {
		return err
	}
	r.DB = db

	r.Recorder = persistence.NewRecorder(db, r.Bus, r.LogManager.Logger("recorder"), cfg.Retention.Std())
	r.Recorder.Start(r.Ctx)
	slog.Info("recording samples", "db", cfg.DBFile)

	return nil
}

// Start opens the session with the control server.
func (r *Runtime) Start() error {
	return r.Client.Start(r.Ctx)
}

func (r *Runtime) setConnStatus(status connectors.ConnectionStatus) {
	r.connStatusMu.Lock()
	r.connStatus = status
	r.connStatusKnown = true
	r.connStatusMu.Unlock()
}

func (r *Runtime) CurrentConnStatus() (connectors.ConnectionStatus, bool) {
	r.connStatusMu.RLock()
	status := r.connStatus
	known := r.connStatusKnown
	r.connStatusMu.RUnlock()

	return status, known
}

func (r *Runtime) CurrentConfig() config.AppConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.Config
}

// SaveConfig persists cfg and applies the settings that can change at runtime.
func (r *Runtime) SaveConfig(cfg config.AppConfig) error {
	cfg.FillMissingDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if err := config.Save(r.Paths.ConfigFile, cfg); err != nil {
		r.mu.Unlock()

		return err
	}
	r.Config = cfg
	r.mu.Unlock()

	return r.LogManager.Configure(cfg.Logging, r.Paths.LogFile)
}

// MetricsHandler serves the runtime's prometheus registry.
func (r *Runtime) MetricsHandler() http.Handler {
	return metrics.HandlerFor(r.Registry)
}

// ErrRecorderDisabled is returned by the archive accessors when no archive is open.
var ErrRecorderDisabled = errors.New("recorder is not enabled")

// ArchivedSamples returns a device's archived samples recorded at or after since.
func (r *Runtime) ArchivedSamples(ctx context.Context, device string, since time.Time) ([]persistence.Sample, error) {
	if r.Recorder == nil {
		return nil, ErrRecorderDisabled
	}

	return r.Recorder.Repo().ListSince(ctx, device, since)
}

// ClearArchive deletes every recorded sample.
func (r *Runtime) ClearArchive() error {
	if r.DB == nil {
		return ErrRecorderDisabled
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := persistence.ClearDatabase(ctx, r.DB); err != nil {
		return err
	}
	slog.Info("archive cleared")

	return nil
}

func (r *Runtime) Close() error {
	if r.Client != nil {
		if err := r.Client.Close(); err != nil {
			slog.Debug("close client", "error", err)
		}
	}
	if r.Recorder != nil {
		r.Recorder.Flush()
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.Bus != nil {
		r.Bus.Close()
	}
	if r.DB != nil {
		_ = r.DB.Close()
	}
	if r.archiveLock != nil {
		_ = r.archiveLock.Release()
	}
	if r.LogManager != nil {
		_ = r.LogManager.Close()
	}

	return nil
}
