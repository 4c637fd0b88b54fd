// Copyright 2025 Fractal Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/robfig/cron"

	"github.com/qcarchive/fractal/internal/engine/config"
	"github.com/qcarchive/fractal/internal/engine/model"
	"github.com/qcarchive/fractal/internal/engine/repo"
	"github.com/qcarchive/fractal/internal/engine/router"
	"github.com/qcarchive/fractal/internal/engine/service"
	"github.com/qcarchive/fractal/pkg/database"
	"github.com/qcarchive/fractal/pkg/log"
	"github.com/qcarchive/fractal/pkg/metrics"
	"github.com/qcarchive/fractal/pkg/safe"
)

type App struct {
	HttpApp       *fiber.App
	MetricsServer *metrics.Server
	Cron          *cron.Cron
	Logger        *log.Logger
	AppConf       *config.AppConfig
	Repos         *repo.Repositories
}

// InitAppFunc is the wire-generated application constructor.
type InitAppFunc func(configPath string) (*App, func(), error)

func NewApp(
	rt *router.Router,
	logger *log.Logger,
	metricsServer *metrics.Server,
	iterator *service.ServiceIterator,
	appConf *config.AppConfig,
	db database.IDatabase,
	dbManager database.Manager,
	repos *repo.Repositories,
) (*App, func(), error) {
	if err := migrate(db); err != nil {
		return nil, nil, fmt.Errorf("database migration failed: %w", err)
	}

	c := cron.New()
	err := c.AddFunc(appConf.Services.IterateSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := iterator.IterateServices(ctx); err != nil {
			log.Errorw("periodic service iteration failed", "error", err)
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("invalid service iteration schedule %q: %w", appConf.Services.IterateSchedule, err)
	}

	app := &App{
		HttpApp:       rt.BuildApp(),
		MetricsServer: metricsServer,
		Cron:          c,
		Logger:        logger,
		AppConf:       appConf,
		Repos:         repos,
	}

	cleanup := func() {
		c.Stop()

		if metricsServer != nil {
			log.Info("Shutting down metrics server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				log.Errorw("Failed to stop metrics server", "error", err)
			}
		}

		if dbManager != nil {
			if err := dbManager.Close(); err != nil {
				log.Errorw("Failed to close database", "error", err)
			}
		}
		_ = log.Sync()
	}

	return app, cleanup, nil
}

// migrate keeps the schema current. All tables are engine-owned, so gorm
// auto-migration is sufficient.
func migrate(db database.IDatabase) error {
	return db.Database().AutoMigrate(
		&model.Record{},
		&model.Task{},
		&model.ServiceQueue{},
		&model.ServiceDependency{},
		&model.ComputeHistory{},
		&model.Manager{},
	)
}

// Bootstrap builds the App via the wire-generated constructor.
func Bootstrap(configFile string, initApp InitAppFunc) (*App, func(), *config.AppConfig, error) {
	app, cleanup, err := initApp(configFile)
	if err != nil {
		return nil, nil, nil, err
	}
	return app, cleanup, app.AppConf, nil
}

// Run starts the servers and blocks until an exit signal, then shuts down
// gracefully.
func Run(app *App, cleanup func()) {
	appConf := app.AppConf

	if app.MetricsServer != nil {
		safe.Go("metrics-server", func() {
			if err := app.MetricsServer.Start(); err != nil {
				log.Errorw("Metrics server failed", "error", err)
			}
		})
	}

	app.Cron.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	safe.Go("http-server", func() {
		addr := fmt.Sprintf("%s:%d", appConf.Http.Host, appConf.Http.Port)
		log.Infow("HTTP listener started", "address", addr)
		if err := app.HttpApp.Listen(addr); err != nil {
			log.Errorw("HTTP listener failed", "address", addr, "error", err)
		}
	})

	sig := <-quit
	log.Infow("Received OS signal, shutting down gracefully...", "signal", sig)

	shutdownTimeout := time.Duration(appConf.Http.ShutdownTimeout) * time.Second
	if err := app.HttpApp.ShutdownWithTimeout(shutdownTimeout); err != nil {
		log.Errorw("HTTP server shutdown failed", "error", err)
	}

	if cleanup != nil {
		cleanup()
	}
	log.Info("Shutdown complete")
}
