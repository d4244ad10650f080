// Package config contains the definition of the application config structure
// and logic required to load it from the environment and config file.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config keys and their defaults.
const (
	// KeyStopProxiesOnShutdown controls whether all proxies are stopped when the process shuts down.
	KeyStopProxiesOnShutdown = "proxy.stop-proxies-on-shutdown"
	// KeyPublicPathPrefix is the process-wide prefix for public proxy paths.
	KeyPublicPathPrefix = "proxy.public-path-prefix"
	// KeyEnableScaleDown gates the pool scale-down path of the sharing scaler.
	KeyEnableScaleDown = "proxy.sharing.enable-scale-down"
	// KeyProbeTimeout bounds the readiness probe of a starting proxy.
	KeyProbeTimeout = "proxy.probe.timeout"
	// KeyProbeInterval is the delay between readiness probe attempts.
	KeyProbeInterval = "proxy.probe.interval"
	// KeyRedisAddr enables the Redis seat store when non-empty.
	KeyRedisAddr = "proxy.sharing.redis-addr"
	// KeyLeaderLockFile is the path of the file lock used for leader election.
	KeyLeaderLockFile = "proxy.leader.lock-file"
	// KeyListenAddr is the address the HTTP server binds to.
	KeyListenAddr = "server.listen-addr"
	// KeySeatWaitTimeout bounds how long a proxy start waits for a pool seat.
	KeySeatWaitTimeout = "proxy.sharing.seat-wait-timeout"
	// KeyRecoverProxies re-adopts running containers from a previous instance at startup.
	KeyRecoverProxies = "proxy.recover-running-proxies"
)

// Config represents the configuration of the application.
type Config struct {
	// StopProxiesOnShutdown stops every live proxy during shutdown when true.
	// When false, containers are left to the backend so a restarted instance
	// can recover them.
	StopProxiesOnShutdown bool

	// PublicPathPrefix is prepended to proxy ids to form public paths.
	PublicPathPrefix string

	// EnableScaleDown enables removal of surplus delegate proxies.
	EnableScaleDown bool

	// ProbeTimeout is the total readiness probe budget per proxy.
	ProbeTimeout time.Duration

	// ProbeInterval is the pause between readiness probe attempts.
	ProbeInterval time.Duration

	// RedisAddr selects the Redis-backed seat store when set.
	RedisAddr string

	// LeaderLockFile is the lock file used for single-writer election.
	LeaderLockFile string

	// ListenAddr is the bind address of the HTTP server.
	ListenAddr string

	// SeatWaitTimeout bounds how long a start waits for a seat from the pool.
	SeatWaitTimeout time.Duration

	// RecoverProxies re-adopts running containers of a previous instance at
	// startup instead of leaving them orphaned.
	RecoverProxies bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyStopProxiesOnShutdown, true)
	v.SetDefault(KeyPublicPathPrefix, "/api/route/")
	v.SetDefault(KeyEnableScaleDown, false)
	v.SetDefault(KeyProbeTimeout, time.Minute)
	v.SetDefault(KeyProbeInterval, 2*time.Second)
	v.SetDefault(KeyRedisAddr, "")
	v.SetDefault(KeyLeaderLockFile, "")
	v.SetDefault(KeyListenAddr, ":8080")
	v.SetDefault(KeySeatWaitTimeout, time.Minute)
	v.SetDefault(KeyRecoverProxies, false)
}

// Load reads the configuration from the environment (APPPROXY_ prefixed
// variables) and an optional config file path.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("APPPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	return fromViper(v), nil
}

// Default returns the configuration with all defaults applied and nothing
// read from the environment. Intended for tests.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	return fromViper(v)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		StopProxiesOnShutdown: v.GetBool(KeyStopProxiesOnShutdown),
		PublicPathPrefix:      v.GetString(KeyPublicPathPrefix),
		EnableScaleDown:       v.GetBool(KeyEnableScaleDown),
		ProbeTimeout:          v.GetDuration(KeyProbeTimeout),
		ProbeInterval:         v.GetDuration(KeyProbeInterval),
		RedisAddr:             v.GetString(KeyRedisAddr),
		LeaderLockFile:        v.GetString(KeyLeaderLockFile),
		ListenAddr:            v.GetString(KeyListenAddr),
		SeatWaitTimeout:       v.GetDuration(KeySeatWaitTimeout),
		RecoverProxies:        v.GetBool(KeyRecoverProxies),
	}
}
