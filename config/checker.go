// config/checker.go
package config

import (
	"fmt"
	"net"
	"time"
)

func (a *App) Validate() []error {
	var errs []error

	if a.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("listen_addr must be set"))
	} else if _, _, err := net.SplitHostPort(a.ListenAddr); err != nil && !isValidPort(a.ListenAddr) {
		errs = append(errs, fmt.Errorf("invalid listen_addr format '%s': %w. Expected host:port or :port", a.ListenAddr, err))
	}

	if _, err := time.ParseDuration(a.MetricsInterval); err != nil {
		errs = append(errs, fmt.Errorf("invalid metrics_interval '%s': %w", a.MetricsInterval, err))
	}

	if a.PoolAcquireTimeout != "" {
		if _, err := time.ParseDuration(a.PoolAcquireTimeout); err != nil {
			errs = append(errs, fmt.Errorf("invalid pool_acquire_timeout '%s': %w", a.PoolAcquireTimeout, err))
		}
	}

	if len(a.Registries) == 0 {
		errs = append(errs, fmt.Errorf("at least one entry must be configured under 'registries'"))
	}
	for name, cfg := range a.Registries {
		sources := 0
		if len(cfg.List) > 0 {
			sources++
		}
		if cfg.URL != "" {
			sources++
		}
		if cfg.File != "" {
			sources++
		}
		if sources == 0 {
			errs = append(errs, fmt.Errorf("registry %q: must set exactly one of list, url, or file", name))
		} else if sources > 1 {
			errs = append(errs, fmt.Errorf("registry %q: list, url, and file are mutually exclusive", name))
		}
		if cfg.SmartHoldout && cfg.SmartHoldoutStart <= 0 {
			errs = append(errs, fmt.Errorf("registry %q: smart_holdout requires smart_holdout_start > 0", name))
		}
	}

	if len(a.Users) > 0 {
		for i, u := range a.Users {
			if u.Username == "" {
				errs = append(errs, fmt.Errorf("user #%d: username cannot be empty (this should not happen with auto-generation)", i+1))
			}
			if u.Password == "" {
				errs = append(errs, fmt.Errorf("user #%d ('%s'): password cannot be empty (this should not happen with auto-generation)", i+1, u.Username))
			}
		}
	} else {
		errs = append(errs, fmt.Errorf("internal error: user list is unexpectedly empty after loading configuration"))
	}

	return errs
}

func isValidPort(s string) bool {
	if len(s) > 0 && s[0] == ':' {
		_, err := net.LookupPort("tcp", s[1:])
		return err == nil
	}
	return false
}
