// Package config loads the environment-driven defaults shared by the
// vsl-host and vsl-client commands, following the envconfig.Process("", &cfg)
// pattern used throughout the teacher config package.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every tunable the Host and Client constructors accept.
// cmd/vsl-host and cmd/vsl-client load one of these from the environment and
// let command-line flags override individual fields; library callers
// embedding Host/Client directly are free to build one by hand instead.
type Config struct {
	// SocketPath is the AF_UNIX SOCK_SEQPACKET address. A leading "/" is a
	// filesystem path; anything else is bound in the abstract namespace.
	SocketPath string `envconfig:"VSL_SOCKET" default:"/tmp/vsl.sock"`

	// LockQuota is the maximum number of simultaneously locked frames a
	// single client slot may hold (spec invariant: default 20).
	LockQuota int `envconfig:"VSL_LOCK_QUOTA" default:"20"`

	// LockTimeout bounds the Host's and Client's internal mutex acquisition;
	// exceeding it surfaces as vslerr.ErrTimeout rather than deadlocking.
	LockTimeout time.Duration `envconfig:"VSL_LOCK_TIMEOUT" default:"250ms"`

	// WatchdogTimeout is the Client's default per-operation deadline.
	WatchdogTimeout time.Duration `envconfig:"VSL_WATCHDOG_TIMEOUT" default:"1s"`

	// Reconnect enables the Client's connect-failure backoff loop.
	Reconnect bool `envconfig:"VSL_RECONNECT" default:"true"`
}

// Load reads Config from the process environment, applying the defaults
// above to anything unset.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
