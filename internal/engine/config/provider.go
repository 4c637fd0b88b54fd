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

package config

import (
	"github.com/google/wire"

	"github.com/qcarchive/fractal/pkg/cache"
	"github.com/qcarchive/fractal/pkg/database"
	"github.com/qcarchive/fractal/pkg/http"
	"github.com/qcarchive/fractal/pkg/log"
	"github.com/qcarchive/fractal/pkg/metrics"
)

// ProviderSet provides the application configuration and its sections.
var ProviderSet = wire.NewSet(
	NewConf,
	ProvideLogConf,
	ProvideHttpConf,
	ProvideDatabaseConf,
	ProvideRedisConf,
	ProvideMetricsConf,
	ProvideTasksConf,
	ProvideServicesConf,
)

func ProvideLogConf(c *AppConfig) log.Conf {
	return c.Log
}

func ProvideHttpConf(c *AppConfig) http.Http {
	return c.Http
}

func ProvideDatabaseConf(c *AppConfig) database.Database {
	return c.Database
}

func ProvideRedisConf(c *AppConfig) cache.Redis {
	return c.Redis
}

func ProvideMetricsConf(c *AppConfig) metrics.MetricsConfig {
	return c.Metrics
}

func ProvideTasksConf(c *AppConfig) TasksConfig {
	return c.Tasks
}

func ProvideServicesConf(c *AppConfig) ServicesConfig {
	return c.Services
}
