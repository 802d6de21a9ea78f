// Package app wires configuration, storage and the service components into a
// running credit ledger process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/makerstack/creditledger/internal/config"
	"github.com/makerstack/creditledger/internal/db"
	"github.com/makerstack/creditledger/internal/http/api"
	"github.com/makerstack/creditledger/internal/ledger"
	"github.com/makerstack/creditledger/internal/metering"
	"github.com/makerstack/creditledger/internal/replenish"
	"github.com/makerstack/creditledger/internal/settings"
	"github.com/makerstack/creditledger/internal/stream"
	"github.com/makerstack/creditledger/internal/usage"
	"github.com/makerstack/creditledger/internal/util"
)

const (
	settingsRefreshInterval = time.Minute
	shutdownTimeout         = 10 * time.Second
)

// Migrate opens the database and applies the schema.
func Migrate(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("app: nil config")
	}
	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn.WithContext(ctx))
}

// RunServer boots the ledger service: storage, background loops and the HTTP
// API. It blocks until ctx is canceled or the listener fails, then shuts the
// components down in intake-first order.
func RunServer(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("app: nil config")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	log.Infof("credit ledger starting (db=%s addr=%s)", util.MaskDSN(cfg.Database.DSN), cfg.Server.Addr)

	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	if errRefresh := settings.RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
		return fmt.Errorf("app: load settings: %w", errRefresh)
	}

	engine := ledger.NewEngine(conn)
	ingestor := usage.NewIngestor(conn)

	// Background loops stop when runCtx is canceled during shutdown.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var publisher *metering.Publisher
	if cfg.MeteringEnabled() {
		sink := metering.NewHTTPSink(cfg.Metering.Endpoint)
		publisher = metering.NewPublisher(conn, sink, cfg.Metering.QueueSize)
		publisher.Start(runCtx)
		metering.NewReconciler(conn, publisher).Start(runCtx)
	} else {
		log.Info("metering reporting disabled (no endpoint configured)")
	}

	if cfg.ReplenishEnabled() {
		provider := replenish.NewHTTPChargeProvider(cfg.Payment.Endpoint)
		locker, errLocker := buildReplenishLocker(ctx, cfg)
		if errLocker != nil {
			return errLocker
		}
		replenish.NewScanner(conn, engine, provider, locker).Start(runCtx)
	} else {
		log.Info("auto replenishment disabled (no payment endpoint configured)")
	}

	usage.NewEventRetentionCleaner(conn).Start(runCtx)
	startSettingsRefresher(runCtx, conn)

	var consumer *stream.Consumer
	if cfg.StreamEnabled() {
		var errConsumer error
		consumer, errConsumer = stream.NewConsumer(cfg.AMQP.URL, ingestor)
		if errConsumer != nil {
			return fmt.Errorf("app: connect stream: %w", errConsumer)
		}
		if errStart := consumer.Start(runCtx, cfg.AMQP.Exchange, cfg.AMQP.Queue); errStart != nil {
			consumer.Close()
			return fmt.Errorf("app: start stream: %w", errStart)
		}
	} else {
		log.Info("usage stream consumer disabled (no AMQP url configured)")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	api.RegisterRoutes(router, conn, engine, ingestor)

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("http server listening on %s", cfg.Server.Addr)
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			serveErr <- errServe
			return
		}
		serveErr <- nil
	}()

	select {
	case errServe := <-serveErr:
		consumer.Close()
		cancel()
		publisher.Close()
		return errServe
	case <-ctx.Done():
	}

	log.Info("shutdown started")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		log.WithError(errShutdown).Warn("http server shutdown failed")
	}

	// Intake first, then loops, then the publisher. Reports still queued
	// fail fast once runCtx is canceled; the next boot re-reports the
	// then-current totals.
	consumer.Close()
	cancel()
	publisher.Close()

	log.Info("shutdown complete")
	return nil
}

// buildReplenishLocker returns the distributed locker when Redis is
// configured and the in-process fallback otherwise. An unreachable broker is
// logged, not fatal: cycles fail to lock until it returns, which never risks
// a double charge.
func buildReplenishLocker(ctx context.Context, cfg *config.Config) (replenish.Locker, error) {
	if strings.TrimSpace(cfg.Redis.URL) == "" {
		log.Info("replenish locking is in-process (no redis configured); run a single instance")
		return replenish.NewLocalLocker(), nil
	}
	opts, errParse := redis.ParseURL(cfg.Redis.URL)
	if errParse != nil {
		return nil, fmt.Errorf("app: parse redis url: %w", errParse)
	}
	client := redis.NewClient(opts)

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	defer cancelPing()
	if errPing := client.Ping(pingCtx).Err(); errPing != nil {
		log.WithError(errPing).Warn("redis unreachable at boot; replenish cycles wait for it")
	}
	return replenish.NewRedisLocker(client, "creditledger:replenish"), nil
}

// startSettingsRefresher keeps the in-memory settings snapshot aligned with
// the database so changes made by other instances take effect here too.
func startSettingsRefresher(ctx context.Context, conn *gorm.DB) {
	go func() {
		ticker := time.NewTicker(settingsRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if errRefresh := settings.RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
					log.WithError(errRefresh).Warn("settings refresh failed")
				}
			}
		}
	}()
}
