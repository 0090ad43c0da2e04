package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"ble-ota-flasher/internal/script"
	"ble-ota-flasher/internal/web"
)

// cmdServe connects once and exposes the updater over HTTP and MQTT until
// ctx is cancelled.
func cmdServe(ctx context.Context, a *app, _ []string) error {
	if err := a.openStore(); err != nil {
		return err
	}
	if err := a.connect(ctx); err != nil {
		return err
	}

	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithStore(a.db),
		web.WithLink(a.cfg.Transport.Type, a.channel),
		web.WithFirmwareDefaults(a.cfg.Firmware.Path, a.cfg.Firmware.Dir, a.cfg.core()),
	}
	if a.cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(a.cfg.Web.APIKey))
	}
	if len(a.cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(a.cfg.Web.AllowedOrigins))
	}
	if a.cfg.ScriptsDir != "" {
		mgr, err := script.NewManager(a.cfg.ScriptsDir)
		if err != nil {
			a.logger.Error("create script manager", "err", err)
		} else {
			runner := script.NewRunner(a.updater, mgr, a.logger, script.WithDefaultCore(a.cfg.core()))
			webOpts = append(webOpts, web.WithScripts(runner))
			a.logger.Info("scripts enabled", "dir", mgr.Dir())
		}
	}

	// MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(a, a.logger)
	defer mqtt.Stop()

	webServer := web.NewServer(a.updater, a.bus, a.logger, webOpts...)
	defer webServer.Stop()

	httpServer := &http.Server{
		Addr:         a.cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if !a.cfg.Web.Enabled {
		a.logger.Info("web server disabled")
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})
		return g.Wait()
	}
	g.Go(func() error {
		a.logger.Info("web server starting", "addr", a.cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
