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

package database

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/qcarchive/fractal/pkg/log"
)

// gormLoggerAdapter routes gorm log output into the structured logger.
type gormLoggerAdapter struct {
	cfg   gormlogger.Config
	level gormlogger.LogLevel
}

// NewGormLoggerAdapter creates a gorm logger backed by pkg/log.
func NewGormLoggerAdapter(cfg gormlogger.Config, level gormlogger.LogLevel) gormlogger.Interface {
	return &gormLoggerAdapter{cfg: cfg, level: level}
}

func (l *gormLoggerAdapter) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *gormLoggerAdapter) Info(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		log.Infow("gorm", "msg", msg, "args", args)
	}
}

func (l *gormLoggerAdapter) Warn(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		log.Warnw("gorm", "msg", msg, "args", args)
	}
}

func (l *gormLoggerAdapter) Error(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		log.Errorw("gorm", "msg", msg, "args", args)
	}
}

func (l *gormLoggerAdapter) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	switch {
	case err != nil && !(errors.Is(err, gorm.ErrRecordNotFound) && l.cfg.IgnoreRecordNotFoundError):
		log.Errorw("gorm query failed", "sql", sql, "rows", rows, "elapsed", elapsed, "error", err)
	case l.cfg.SlowThreshold > 0 && elapsed > l.cfg.SlowThreshold:
		log.Warnw("gorm slow query", "sql", sql, "rows", rows, "elapsed", elapsed)
	case l.level >= gormlogger.Info:
		log.Debugw("gorm query", "sql", sql, "rows", rows, "elapsed", elapsed)
	}
}
