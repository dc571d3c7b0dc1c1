// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

// Package config is the process-wide configuration singleton every other
// package reaches into for the handful of knobs the hub needs: socket
// paths, the permission file directory, the stats DB path, and the
// rate-limiter/buffer tuning from §5-§6. It's viper underneath, the same
// way the teacher's own config package is.
package config

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	keyHubSocketPath     = "hub_socket_path"
	keyServiceFilesDir   = "service_files_dir"
	keyHubStatsDBPath    = "hub_stats_db_path"
	keyRateLimitPerSec   = "rate_limit_per_sec"
	keyRateLimitBurst    = "rate_limit_burst"
	keyOutboundQueueSize    = "outbound_queue_size"
	keyDupeFilterTTL        = "dupe_filter_ttl_ms"
	keyIntrospectListenAddr = "introspect_listen_addr"

	defaultHubSocketPath        = "/var/run/caro/bus.socket"
	defaultServiceFilesDir      = "/etc/caro.services.d"
	defaultHubStatsDBPath       = "/var/run/caro/bus.stats.db"
	defaultRateLimitPerSec      = 50
	defaultRateLimitBurst       = 100
	defaultOutboundQueueSize    = 32
	defaultDupeFilterTTLMs      = 5000
	defaultIntrospectListenAddr = "127.0.0.1:8478"
)

var (
	once sync.Once
	v    *viper.Viper
)

// Get returns the process-wide viper instance, initializing it with
// defaults and environment bindings on first use. Every binding is
// overridable by the matching CARO_* environment variable (§6).
func Get() *viper.Viper {
	once.Do(initialize)
	return v
}

func initialize() {
	v = viper.New()

	v.SetEnvPrefix("CARO")
	v.AutomaticEnv()

	v.SetDefault(keyHubSocketPath, defaultHubSocketPath)
	v.SetDefault(keyServiceFilesDir, defaultServiceFilesDir)
	v.SetDefault(keyHubStatsDBPath, defaultHubStatsDBPath)
	v.SetDefault(keyRateLimitPerSec, defaultRateLimitPerSec)
	v.SetDefault(keyRateLimitBurst, defaultRateLimitBurst)
	v.SetDefault(keyOutboundQueueSize, defaultOutboundQueueSize)
	v.SetDefault(keyDupeFilterTTL, defaultDupeFilterTTLMs)
	v.SetDefault(keyIntrospectListenAddr, defaultIntrospectListenAddr)

	// CARO_HUB_SOCKET_PATH, CARO_SERVICE_FILES_DIR, CARO_HUB_STATS_DB_PATH
	// are the spec-named overrides (§6); BindEnv registers the exact names
	// rather than relying on viper's prefix+uppercase key transform alone.
	bindOrWarn(keyHubSocketPath, "CARO_HUB_SOCKET_PATH")
	bindOrWarn(keyServiceFilesDir, "CARO_SERVICE_FILES_DIR")
	bindOrWarn(keyHubStatsDBPath, "CARO_HUB_STATS_DB_PATH")
	bindOrWarn(keyIntrospectListenAddr, "CARO_INTROSPECT_LISTEN_ADDR")
}

func bindOrWarn(key, env string) {
	if err := v.BindEnv(key, env); err != nil {
		log.WithError(err).WithField("env", env).Warn("config: failed to bind environment override")
	}
}

// HubSocketPath is the Unix domain socket the hub listens on.
func HubSocketPath() string { return Get().GetString(keyHubSocketPath) }

// ServiceFilesDir is the directory of per-service permission TOML files.
func ServiceFilesDir() string { return Get().GetString(keyServiceFilesDir) }

// HubStatsDBPath is the embedded operational-stats store's file path.
func HubStatsDBPath() string { return Get().GetString(keyHubStatsDBPath) }

// RateLimitPerSec is the hub-wide registration/connect rate limit (§4.6).
func RateLimitPerSec() float64 { return Get().GetFloat64(keyRateLimitPerSec) }

// RateLimitBurst is the hub-wide registration/connect limiter's burst size.
func RateLimitBurst() int { return Get().GetInt(keyRateLimitBurst) }

// OutboundQueueSize is the per-connection outbound channel capacity (§5).
func OutboundQueueSize() int { return Get().GetInt(keyOutboundQueueSize) }

// DupeFilterTTL is how long a repeated (identifier, name) registration
// attempt is short-circuited by the cuckoo filter before being retried
// against the authoritative name table (§4.5).
func DupeFilterTTL() time.Duration {
	return time.Duration(Get().GetInt(keyDupeFilterTTL)) * time.Millisecond
}

// IntrospectListenAddr is the address the read-only GraphQL introspection
// API is served on (§4.7).
func IntrospectListenAddr() string { return Get().GetString(keyIntrospectListenAddr) }

// Reset discards the singleton so the next Get re-reads defaults and the
// environment. Exists for tests that need an isolated configuration.
func Reset() {
	once = sync.Once{}
}
