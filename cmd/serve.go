package cmd

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"mobilecontrol/adb"
	"mobilecontrol/api"
	"mobilecontrol/config"
	"mobilecontrol/errors"
	"mobilecontrol/logger"
	"mobilecontrol/service"
	"mobilecontrol/store"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the controller HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	log := logger.For("server")
	log.Info().Str("version", Version).Msg("starting mobile controller")

	var (
		ledgerStore service.LedgerStore
		scriptStore service.ScriptStore
	)
	if cfg.Database.Path != "" {
		db, err := config.InitDatabase(cfg.Database.Path)
		if err != nil {
			return errors.Wrapf(err, "open database %s", cfg.Database.Path)
		}
		defer db.Close()
		ledgerStore = store.NewExecutionStore(db)
		scriptStore = store.NewScriptStore(db)
		log.Info().Str("path", cfg.Database.Path).Msg("database ready")
	} else {
		log.Warn().Msg("no database configured, history and scripts are kept in memory")
	}

	hub := api.NewWebSocketHub(logger.For("websocket"))
	go hub.Run(ctx)
	events := service.NewNotifier(hub)

	transport := adb.NewClient(cfg.ADB.Path, logger.For("adb"))

	catalog := service.NewCatalog(logger.For("catalog"))
	var source service.CatalogSource
	if cfg.Catalog.Path != "" {
		source = service.FileSource{Path: cfg.Catalog.Path}
		if err := catalog.Reload(ctx, source); err != nil {
			log.Warn().Err(err).Msg("starting with an empty catalog")
		}
		if cfg.Catalog.Watch {
			if err := catalog.WatchFile(ctx, cfg.Catalog.Path); err != nil {
				log.Warn().Err(err).Msg("catalog hot reload disabled")
			}
		}
	}

	ledger := service.NewLedger(ledgerStore, logger.For("ledger"))
	if err := ledger.Load(); err != nil {
		return err
	}

	devices := service.NewDeviceManager(transport, cfg.Heartbeat, cfg.Engine.MaxActionsPerMinute, events, logger.For("devices"))
	emulator := service.NewEmulator(cfg.Behavior, cfg.Engine.ScreenWidth, cfg.Engine.ScreenHeight)
	engine := service.NewEngine(cfg.Engine, devices, catalog, emulator, ledger, &service.ModeSwitch{}, transport, events, logger.For("engine"))

	scheduler := service.NewScheduler(engine, scriptStore, events, cfg.Scheduler.TickInterval, logger.For("scheduler"))
	if err := scheduler.Load(); err != nil {
		return err
	}

	devices.StartHeartbeats()
	scheduler.Start()
	defer func() {
		scheduler.Stop()
		engine.Close()
		devices.Stop()
	}()

	go func() {
		sessions, err := devices.ScanDevices(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("initial device scan failed")
			return
		}
		log.Info().Int("sessions", len(sessions)).Msg("initial device scan finished")
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(logger.For("http")))
	api.SetupRoutes(router, api.NewHandlers(devices, catalog, source, engine, scheduler, logger.For("api")), hub)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: router}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return errors.Wrap(err, "http server")
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	return nil
}
