// Command proxyhubd runs a SOCKS5 front end backed by one or more named,
// rotating upstream proxy pools.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/things-go/go-socks5"

	"github.com/avshutov/proxyhub/auth"
	"github.com/avshutov/proxyhub/chain"
	"github.com/avshutov/proxyhub/config"
	"github.com/avshutov/proxyhub/dialer"
	"github.com/avshutov/proxyhub/metrics"
	"github.com/avshutov/proxyhub/pool"
	"github.com/avshutov/proxyhub/registry"
	"github.com/avshutov/proxyhub/web"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "proxyhubd",
		Short: "Rotating outbound proxy pool with a SOCKS5 front end",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the application config file")
	root.AddCommand(newServeCommand())
	root.AddCommand(newReloadCommand())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the SOCKS5 front end over the configured proxy pools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
}

func newReloadCommand() *cobra.Command {
	var name, addr, token string
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Trigger a remote registry reload over the control HTTP endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return triggerReload(addr, name, token)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "registry name to reload")
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:9091", "control server base URL")
	cmd.Flags().StringVar(&token, "token", "", "reload token")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func triggerReload(addr, name, token string) error {
	req, err := http.NewRequest(http.MethodPost, addr+"/reload?name="+url.QueryEscape(name), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Reload-Token", token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("reload failed: %s: %s", resp.Status, body)
	}
	log.Printf("reload triggered for %q", name)
	return nil
}

func runServe(path string) error {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			log.Printf("config error: %v", e)
		}
		return fmt.Errorf("invalid configuration (%d errors)", len(errs))
	}

	creds := auth.New()
	for _, u := range cfg.Users {
		creds.AddClient(u.Username, u.Password, u.Allowed)
		log.Printf("Loaded user: %s (Allowed: %v)", u.Username, u.Allowed)
	}

	registries := make(map[string]*registry.List, len(cfg.Registries))
	pools := make(map[string]*pool.Pool, len(cfg.Registries))
	for name, rcfg := range cfg.Registries {
		reg, err := registry.New(rcfg)
		if err != nil {
			return fmt.Errorf("registry %q: %w", name, err)
		}
		p, err := pool.New(reg, rcfg)
		if err != nil {
			return fmt.Errorf("pool %q: %w", name, err)
		}
		registries[name] = reg
		pools[name] = p
	}

	names := make([]string, 0, len(registries))
	for n := range registries {
		names = append(names, n)
	}
	sort.Strings(names)

	var gateway *chain.Address
	if cfg.Gateway != "" {
		g := chain.Address(cfg.Gateway)
		gateway = &g
	}

	var acquireTimeout *time.Duration
	if cfg.PoolAcquireTimeout != "" {
		d, err := time.ParseDuration(cfg.PoolAcquireTimeout)
		if err != nil {
			return fmt.Errorf("invalid pool_acquire_timeout: %w", err)
		}
		acquireTimeout = &d
	}

	newRoute := func() dialer.Route {
		if len(names) == 1 {
			return chain.New(pools[names[0]], registries[names[0]], gateway)
		}
		members := make([]*chain.Chain, len(names))
		for i, n := range names {
			members[i] = chain.New(pools[n], registries[n], gateway)
		}
		mc, err := chain.NewMultiChain(members)
		if err != nil {
			// names is derived from registries and is never empty here
			// (Validate already rejects an empty registries map).
			panic(err)
		}
		return mc
	}

	dMetrics := &dialer.Metrics{}
	d := dialer.New(newRoute, acquireTimeout, 15*time.Second, dMetrics)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	metricsInterval, err := time.ParseDuration(cfg.MetricsInterval)
	if err != nil {
		metricsInterval = 30 * time.Second
	}
	go dialer.PrintMetrics(appCtx, metricsInterval, pools, dMetrics)

	exporter := metrics.NewExporter(pools, registries, cfg.MetricsAddr)
	exporter.Start(appCtx, metricsInterval)

	gate := config.NewReloadGate(cfg.ControlToken)
	web.StartControlServer(cfg.ControlAddr, registries, gate)

	socksServerLogger := log.New(log.Writer(), "[SOCKS5_LIB] ", log.LstdFlags|log.Lmicroseconds)
	server := socks5.NewServer(
		socks5.WithDial(d.Dial),
		socks5.WithAuthMethods([]socks5.Authenticator{
			socks5.UserPassAuthenticator{Credentials: creds},
		}),
		socks5.WithLogger(socks5.NewLogger(socksServerLogger)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		log.Printf("Starting SOCKS5 server on %s", cfg.ListenAddr)
		if err := server.ListenAndServe("tcp", cfg.ListenAddr); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("SOCKS5 server ListenAndServe error: %v", err)
			errChan <- err
			return
		}
		log.Println("SOCKS5 server ListenAndServe goroutine finished.")
		close(errChan)
	}()

	select {
	case err, ok := <-errChan:
		if ok && err != nil {
			return fmt.Errorf("SOCKS5 server: %w", err)
		}
		log.Println("SOCKS5 server has stopped (errChan closed).")
	case s := <-sigChan:
		log.Printf("Received signal: %v. Shutting down...", s)
		appCancel()
	}
	log.Println("Application finished.")
	return nil
}
