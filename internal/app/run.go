package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"thlogger-gateway/internal/ble"
	"thlogger-gateway/internal/config"
	"thlogger-gateway/internal/db"
	"thlogger-gateway/internal/download"
	"thlogger-gateway/internal/httpapi"
	"thlogger-gateway/internal/influx"
	"thlogger-gateway/internal/migrate"
	"thlogger-gateway/internal/modules/history"
	"thlogger-gateway/internal/modules/history/repository"
	"thlogger-gateway/internal/modules/history/service"
	"thlogger-gateway/internal/mqtt"
)

const (
	connectTimeout  = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"sqlitePath", cfg.Path,
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"mqttTopicPrefix", cfg.MQTTTopicPrefix,
		"bleAdapter", cfg.BLEAdapter,
		"bleCompanyID", fmt.Sprintf("0x%04X", cfg.BLECompanyID),
		"downloadDevices", cfg.DownloadDevices,
		"downloadSchedule", cfg.DownloadSchedule.String(),
		"influx", cfg.InfluxEnabled(),
	)

	dbConn, err := db.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Error("db close", "error", err)
		}
	}()
	if _, err := migrate.Run(ctx, dbConn, logger); err != nil {
		return err
	}
	logger.Info("database ready")

	mqttClient := mqtt.NewClient(cfg, logger)
	connectCtx, connectCancel := context.WithTimeout(ctx, connectTimeout)
	err = mqttClient.Connect(connectCtx)
	connectCancel()
	if err != nil {
		// The client keeps retrying in the background; downloads are stored locally meanwhile.
		logger.Warn("mqtt connection failed (continuing without mqtt)", "error", err)
	}

	var sink *influx.Sink
	if cfg.InfluxEnabled() {
		sink = influx.NewSink(cfg, logger)
		pingCtx, pingCancel := context.WithTimeout(ctx, connectTimeout)
		if err := sink.Ping(pingCtx); err != nil {
			logger.Warn("influx not reachable (writes will be retried per download)", "error", err)
		}
		pingCancel()
	}

	adapter := ble.NewAdapter(cfg.BLEAdapter, logger)
	listener := ble.NewListener(adapter, ble.Filter{LocalName: cfg.BLELocalName, CompanyID: cfg.BLECompanyID})
	transport := ble.NewTransport(adapter, cfg.BLEConnectTimeout)

	repo := repository.NewRepository(dbConn)
	svcOpts := []service.Option{service.WithPublisher(mqttClient), service.WithLogger(logger)}
	liveOpts := []ble.LiveOption{}
	if sink != nil {
		svcOpts = append(svcOpts, service.WithSink(sink))
		liveOpts = append(liveOpts, ble.WithLiveSink(sink))
	}
	svcCfg := serviceConfig(cfg)
	if err := svcCfg.Download.Validate(); err != nil {
		return fmt.Errorf("download config: %w", err)
	}
	svc := service.NewService(repo, transport, svcCfg, svcOpts...)
	liveOpts = append(liveOpts, ble.WithThresholds(svc.Thresholds))
	live := ble.NewLiveHandler(cfg.BLECompanyID, cfg.LivePublishInterval, mqttClient, logger, liveOpts...)

	mux := httpapi.NewMux(dbConn, mqttClient)
	history.RegisterFeature(mux, repo, svc, live)
	srv := httpapi.NewServer(cfg, mux, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := listener.Run(gctx, live.HandleMatch); err != nil {
			return fmt.Errorf("ble listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return live.Run(gctx)
	})
	g.Go(func() error {
		return svc.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		logger.Info("http shutting down")
		err := srv.Shutdown(shutdownCtx)

		logger.Info("mqtt disconnecting")
		mqttClient.Disconnect()
		if sink != nil {
			sink.Close()
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func serviceConfig(cfg config.Config) service.Config {
	return service.Config{
		Download: download.Config{
			ChunkSize:    cfg.ChunkSize,
			MaxRetries:   cfg.MaxRetries,
			ChunkTimeout: cfg.ChunkTimeout,
			RetryDelay:   cfg.ChunkDelay,
		},
		Devices:   cfg.DownloadDevices,
		Schedule:  cfg.DownloadSchedule,
		Retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	}
}
