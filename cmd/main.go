package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kilncontrol/internal/config"
	"kilncontrol/internal/control"
	"kilncontrol/internal/hal"
	"kilncontrol/internal/handlers"
	"kilncontrol/internal/logger"
	"kilncontrol/internal/metrics"
	"kilncontrol/internal/repository"
	"kilncontrol/internal/server"
	"kilncontrol/internal/service"

	_ "kilncontrol/docs"
)

// @title           Kiln Controller API
// @version         1.0
// @description     Supervisory control and telemetry for a single-zone ceramic kiln.
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Get(logger.InfoLevel).Fatalw("error reading config", "err", err)
	}
	log := logger.Get(cfg.LogLevel)

	db, err := repository.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalw("failed to init sqlite", "err", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			log.Errorw("failed to close sqlite", "err", cerr)
		}
	}()

	repos := repository.NewRepository(db)

	sup, cleanup, err := buildSupervisor(cfg, log, repos)
	if err != nil {
		log.Fatalw("failed to init hardware", "err", err)
	}
	defer cleanup()

	services := service.NewService(repos, sup, cfg.JWTSigningKey)
	apiHandler := handlers.NewHandler(services, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		sup.Run(ctx, cfg.TickPeriod)
	}()

	srv := &server.Server{}
	runHTTPServer(srv, cfg.Port, apiHandler, log)

	waitForShutdown(cancel, srv, loopDone, log)
}

// buildSupervisor restores the persisted settings and wires the control loop
// to either the Raspberry Pi board or the simulated rig.
func buildSupervisor(cfg config.Config, log *logger.Logger, repos *repository.Repository) (*control.Supervisor, func(), error) {
	boot, err := repos.Settings.LoadSettings(context.Background())
	if err != nil {
		return nil, nil, err
	}
	log.Infow("settings restored",
		"kp", boot.Gains.Kp, "ki", boot.Gains.Ki, "kd", boot.Gains.Kd,
		"tc_offset_c", boot.TCOffsetC, "relay_cycles", boot.RelayCycles)

	ctrlCfg := control.Config{
		PublishInterval: cfg.PublishInterval,
		Autotune: control.AutotuneParams{
			Step:        cfg.AutotuneStep,
			NoiseBandC:  cfg.AutotuneNoiseBandC,
			StartValue:  cfg.AutotuneStartValue,
			LookBack:    cfg.AutotuneLookBack,
			MaxDuration: cfg.AutotuneMaxDuration,
		},
	}
	settings := control.Settings{
		Gains:       boot.Gains,
		TCOffsetC:   boot.TCOffsetC,
		RelayCycles: boot.RelayCycles,
	}

	var (
		tc      hal.Thermocouple
		ssr     hal.DigitalOut
		door    hal.DigitalIn
		wdt     hal.Watchdog
		cleanup = func() {}
	)
	if cfg.Simulate {
		log.Infow("running against the simulated plant")
		rig := hal.NewSimRig(hal.NewPlant(), nil)
		tc, ssr, door, wdt = rig.Thermocouple(), rig.SSR(), rig.Door(), rig.Watchdog()
	} else {
		board, err := hal.OpenBoard(cfg.SSRPin, cfg.DoorPin)
		if err != nil {
			return nil, nil, err
		}
		tc, ssr, door, wdt = board.Thermocouple(), board.SSR(), board.Door(), board.Watchdog()
		cleanup = func() {
			if cerr := board.Close(); cerr != nil {
				log.Errorw("failed to close board", "err", cerr)
			}
		}
	}

	sup := control.New(ctrlCfg, log.Named("control"), nil,
		tc, ssr, door, wdt,
		repos.Settings, repos.Events, settings)
	sup.OnSnapshot(metrics.Observe)
	sup.OnTickDuration(metrics.ObserveTick)
	return sup, cleanup, nil
}

// runHTTPServer runs the HTTP server in a separate goroutine.
func runHTTPServer(srv *server.Server, port string, handler *handlers.Handler, log *logger.Logger) {
	go func() {
		if port == "" {
			port = "8080"
		}
		if err := srv.Run(port, handler.InitRoutes()); err != nil {
			log.Fatalw("error starting server", "err", err)
		}
	}()
}

// waitForShutdown listens for termination signals, stops the control loop
// (which forces the SSR off and flushes counters) and drains the server.
func waitForShutdown(cancel context.CancelFunc, srv *server.Server, loopDone <-chan struct{}, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down...")

	cancel()
	select {
	case <-loopDone:
	case <-time.After(5 * time.Second):
		log.Warnw("control loop did not stop in time")
	}

	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalw("server forced to shutdown", "err", err)
	}
}
