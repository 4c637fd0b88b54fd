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

package cache

import (
	"github.com/google/wire"

	"github.com/qcarchive/fractal/pkg/log"
)

// ProviderSet provides cache-related dependencies.
var ProviderSet = wire.NewSet(ProvideCache)

// ProvideCache creates the redis cache, or no cache at all when redis is not
// configured. Repositories treat a nil ICache as cache-disabled.
func ProvideCache(conf Redis) ICache {
	if conf.Addr == "" {
		log.Warnw("redis not configured, repository caching disabled")
		return nil
	}
	c, err := NewRedisCache(conf)
	if err != nil {
		log.Errorw("redis connection failed, repository caching disabled", "error", err)
		return nil
	}
	log.Info("redis cache connected successfully")
	return c
}
