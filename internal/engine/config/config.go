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
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/qcarchive/fractal/pkg/cache"
	"github.com/qcarchive/fractal/pkg/database"
	"github.com/qcarchive/fractal/pkg/http"
	"github.com/qcarchive/fractal/pkg/log"
	"github.com/qcarchive/fractal/pkg/metrics"
)

// AutoResetConfig controls automatic recovery of errored records. A record
// whose consecutive same-class failures stay at or below the class threshold
// is reset back to waiting instead of parked in error.
type AutoResetConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// RandomErrorTypes lists error_type values classified as transient.
	RandomErrorTypes []string `mapstructure:"randomErrorTypes"`
	RandomError      int      `mapstructure:"randomError"`
	UnknownError     int      `mapstructure:"unknownError"`
}

// Classify maps an error_type to its auto-reset classification.
func (c *AutoResetConfig) Classify(errorType string) string {
	for _, t := range c.RandomErrorTypes {
		if t == errorType {
			return "random_error"
		}
	}
	return "unknown_error"
}

// Threshold returns the consecutive-failure bound for a classification.
func (c *AutoResetConfig) Threshold(classification string) int {
	if classification == "random_error" {
		return c.RandomError
	}
	return c.UnknownError
}

type TasksConfig struct {
	// MaxClaimLimit caps the per-call claim batch size.
	MaxClaimLimit int             `mapstructure:"maxClaimLimit"`
	AutoReset     AutoResetConfig `mapstructure:"autoReset"`
}

func (c *TasksConfig) SetDefaults() {
	if c.MaxClaimLimit <= 0 {
		c.MaxClaimLimit = 200
	}
	if c.AutoReset.RandomErrorTypes == nil {
		c.AutoReset.RandomErrorTypes = []string{"random_error"}
	}
	if c.AutoReset.RandomError <= 0 {
		c.AutoReset.RandomError = 2
	}
}

type ServicesConfig struct {
	// MaxActiveServices bounds concurrently running services. Zero or
	// negative means unbounded.
	MaxActiveServices int `mapstructure:"maxActiveServices"`
	// IterateSchedule is a cron expression for the periodic iteration pass.
	IterateSchedule string `mapstructure:"iterateSchedule"`
}

func (c *ServicesConfig) SetDefaults() {
	if c.IterateSchedule == "" {
		c.IterateSchedule = "@every 10s"
	}
}

type AppConfig struct {
	Log      log.Conf              `mapstructure:"log"`
	Http     http.Http             `mapstructure:"http"`
	Database database.Database     `mapstructure:"database"`
	Redis    cache.Redis           `mapstructure:"redis"`
	Metrics  metrics.MetricsConfig `mapstructure:"metrics"`
	Tasks    TasksConfig           `mapstructure:"tasks"`
	Services ServicesConfig        `mapstructure:"services"`
}

var (
	cfg  AppConfig
	mu   sync.RWMutex
	once sync.Once
)

func NewConf(confDir string) *AppConfig {
	once.Do(func() {
		var err error
		cfg, err = LoadConfigFile(confDir)
		if err != nil {
			panic(fmt.Sprintf("load config file error: %s", err))
		}
	})
	mu.RLock()
	defer mu.RUnlock()
	return &cfg
}

// GetConfig returns a copy of the current configuration, safe across hot
// reloads.
func GetConfig() AppConfig {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// LoadConfigFile reads the configuration file and keeps watching it,
// re-unmarshalling on change.
func LoadConfigFile(confDir string) (AppConfig, error) {
	config := viper.New()
	config.SetConfigFile(confDir)
	if err := config.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("failed to read configuration file: %v", err)
	}

	config.WatchConfig()
	config.OnConfigChange(func(e fsnotify.Event) {
		log.Infow("configuration changed, re-reading", "file", e.Name)
		if err := config.ReadInConfig(); err != nil {
			log.Errorw("failed to re-read configuration file", "error", err, "file", e.Name)
			return
		}
		mu.Lock()
		if err := config.Unmarshal(&cfg); err != nil {
			mu.Unlock()
			log.Errorw("failed to unmarshal configuration file", "error", err, "file", e.Name)
			return
		}
		applyDefaults(&cfg)
		mu.Unlock()
		log.Infow("configuration reloaded successfully", "file", e.Name)
	})
	if err := config.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal configuration file: %v", err)
	}
	applyDefaults(&cfg)
	log.Infow("config file loaded", "path", confDir)

	return cfg, nil
}

func applyDefaults(c *AppConfig) {
	c.Log.SetDefaults()
	c.Http.SetDefaults()
	c.Metrics.SetDefaults()
	c.Tasks.SetDefaults()
	c.Services.SetDefaults()
}
