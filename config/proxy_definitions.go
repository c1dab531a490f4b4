// config/proxy_definitions.go
package config

import "sync"

// ReloadGate guards the control HTTP endpoint (web package) with a shared
// secret, independent of which named registry a request asks to reload.
type ReloadGate struct {
	mu    sync.RWMutex
	token string
}

// NewReloadGate builds a gate checking against token. An empty token
// rejects every request, disabling the endpoint in effect.
func NewReloadGate(token string) *ReloadGate {
	return &ReloadGate{token: token}
}

// Check reports whether token matches the configured secret.
func (g *ReloadGate) Check(token string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.token != "" && g.token == token
}

// SetToken rotates the secret the gate checks against.
func (g *ReloadGate) SetToken(token string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.token = token
}
