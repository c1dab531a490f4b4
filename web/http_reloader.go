package web

import (
	"fmt"
	"log"
	"net/http"

	"github.com/avshutov/proxyhub/config"
	"github.com/avshutov/proxyhub/registry"
)

// StartControlServer exposes an authenticated HTTP control surface over a
// named set of registries: POST /reload?name=X forces an immediate
// refresh bypassing the normal mtime/period schedule (§4.C), and GET
// /healthz is an unauthenticated liveness probe.
func StartControlServer(addr string, registries map[string]*registry.List, gate *config.ReloadGate) {
	if addr == "" {
		log.Println("Control HTTP endpoint is disabled (no listen address specified).")
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/reload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Only POST method is allowed", http.StatusMethodNotAllowed)
			return
		}

		token := r.Header.Get("X-Reload-Token")
		if !gate.Check(token) {
			log.Printf("Unauthorized attempt to reload from %s", r.RemoteAddr)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		name := r.URL.Query().Get("name")
		reg, ok := registries[name]
		if !ok {
			http.Error(w, fmt.Sprintf("unknown registry %q", name), http.StatusNotFound)
			return
		}

		log.Printf("Received authorized request to reload registry %q from %s", name, r.RemoteAddr)
		if err := reg.ForceRefresh(r.Context()); err != nil {
			log.Printf("Error reloading registry %q: %v", name, err)
			http.Error(w, fmt.Sprintf("reload failed: %v", err), http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "registry %q reloaded, generation=%d\n", name, reg.Generation())
		log.Printf("Registry %q reloaded, generation=%d", name, reg.Generation())
	})

	log.Printf("Starting control HTTP server on %s", addr)
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Fatalf("Failed to start control HTTP server: %v", err)
		}
	}()
}
