// Command mxgateway runs the MariaDB-aware reverse proxy: one goroutine
// per accepted client connection, a small fixed set of routing workers
// each owning its own backend connection pools, a background user
// account loader, and a health-probing loop per configured monitor
// (spec.md §5, §6). Bootstrap follows the teacher's cmd/tqdbproxy/main.go
// shape (flag parsing, config load, metrics server goroutine, signal
// handling) with zerolog swapped in for the teacher's bare log.Printf.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mxgateway/mxgateway/internal/classify"
	"github.com/mxgateway/mxgateway/internal/client"
	"github.com/mxgateway/mxgateway/internal/config"
	"github.com/mxgateway/mxgateway/internal/listener"
	"github.com/mxgateway/mxgateway/internal/metrics"
	"github.com/mxgateway/mxgateway/internal/monitor"
	"github.com/mxgateway/mxgateway/internal/pidfile"
	"github.com/mxgateway/mxgateway/internal/readwrite"
	"github.com/mxgateway/mxgateway/internal/users"
	"github.com/mxgateway/mxgateway/internal/wire"
	"github.com/mxgateway/mxgateway/internal/worker"
)

const (
	backendPoolMaxSize = 32
	backendPoolMaxAge  = 10 * time.Minute
	authTimeout        = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "mxgateway.ini", "Path to configuration file")
	workerCount := flag.Int("workers", 4, "Number of routing workers")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}

	pf, err := pidfile.Acquire(cfg.PIDFile)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.PIDFile).Msg("failed to acquire pid file")
	}
	defer pf.Release()

	metrics.Init()
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")
		if err := http.ListenAndServe(cfg.MetricsAddr, metrics.Handler()); err != nil {
			log.Error().Err(err).Msg("metrics server exited")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	app, err := buildApp(ctx, cfg, log, *workerCount)
	if err != nil {
		cancel()
		log.Fatal().Err(err).Msg("failed to build application")
	}
	app.run(ctx)

	log.Info().Msg("mxgateway started, send SIGHUP to reload config")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			log.Info().Msg("received SIGHUP, reloading configuration")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error().Err(err).Msg("failed to reload config, keeping current")
				continue
			}
			newCtx, newCancel := context.WithCancel(context.Background())
			newApp, err := buildApp(newCtx, newCfg, log, *workerCount)
			if err != nil {
				newCancel()
				log.Error().Err(err).Msg("failed to rebuild application after reload, keeping current")
				continue
			}
			cancel()
			ctx, cancel = newCtx, newCancel
			app = newApp
			app.run(ctx)
			log.Info().Msg("configuration reloaded")

		case syscall.SIGINT, syscall.SIGTERM:
			log.Info().Msg("shutting down")
			cancel()
			return
		}
	}
}

// app bundles everything one configuration generation starts: the
// background user manager, one health probe per monitor, and one
// listener per configured listener, all bound to the same cancellable
// context so a reload or shutdown tears down the whole generation.
type app struct {
	manager   *users.Manager
	probes    []*monitor.Probe
	listeners []*listener.Listener
	log       zerolog.Logger
}

func (a *app) run(ctx context.Context) {
	a.manager.Start(ctx)
	for _, p := range a.probes {
		p.Start(ctx)
	}
	for _, l := range a.listeners {
		l := l
		go func() {
			if err := l.Serve(ctx); err != nil {
				a.log.Error().Err(err).Msg("listener exited")
			}
		}()
	}
}

func buildApp(ctx context.Context, cfg *config.Config, log zerolog.Logger, workerCount int) (*app, error) {
	manager := users.NewManager(log, cfg.Users.MinRefreshInterval, cfg.Users.MaxRefreshInterval)
	manager.SetCredentials(cfg.Users.AdminUser, cfg.Users.AdminPassword)
	manager.SetUnionOverBackends(cfg.Users.UnionOverBackends)
	manager.SetStripDBEscapes(cfg.Users.StripDBEscapes)
	manager.SetUsersFile(cfg.Users.UsersFile, cfg.Users.UsersFileUsage)
	manager.SetBackends(backendSources(cfg))
	cache := users.NewCache(manager)

	classifier := classify.New()
	resolver := listener.NewDNSResolver()

	workers := worker.NewPool(workerCount)
	graphs, err := worker.BuildGraphs(workers, serverList(cfg), backendPoolMaxSize, backendPoolMaxAge)
	if err != nil {
		return nil, fmt.Errorf("build routing graphs: %w", err)
	}

	probesByMonitor := make(map[string]*monitor.Probe, len(cfg.Monitors))
	var probes []*monitor.Probe
	for _, m := range cfg.Monitors {
		p := monitor.New(m, cfg.Servers, cfg.Users.AdminUser, cfg.Users.AdminPassword, log)
		probesByMonitor[m.Name] = p
		probes = append(probes, p)
	}

	var listeners []*listener.Listener
	for _, lcfg := range cfg.Listeners {
		svc, ok := cfg.Services[lcfg.Service]
		if !ok {
			return nil, fmt.Errorf("listener %s: unknown service %q", lcfg.Name, lcfg.Service)
		}
		tlsCfg, err := listener.BuildTLSConfig(lcfg)
		if err != nil {
			return nil, err
		}

		deps := client.Deps{
			Cache:      cache,
			Classifier: classifier,
			Graph:      graphs[0],
			Targets:    serviceCandidates(svc, cfg.Monitors, probesByMonitor),
			RWConfig:   svc.RouterConfig(),
			Capability: wire.DefaultCapability,
			TLSConfig:  tlsCfg,
			Resolver:   resolver,
			Log:        log,
		}
		authCfg := client.AuthConfig{
			Settings:    defaultAuthSettings(cfg.Users.StripDBEscapes),
			RequireTLS:  lcfg.RequireTLS,
			Passthrough: lcfg.Passthrough,
			AuthTimeout: authTimeout,
		}

		l := listener.New(lcfg, deps, authCfg, log).WithWorkerGraphs(workers, graphs)
		listeners = append(listeners, l)
	}

	return &app{manager: manager, probes: probes, listeners: listeners, log: log}, nil
}

// serverList flattens the configured servers into the slice
// worker.BuildGraphs expects.
func serverList(cfg *config.Config) []config.Server {
	out := make([]config.Server, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		out = append(out, s)
	}
	return out
}

// backendSources turns every configured server into an administrative
// DSN the user manager can query mysql.user/db/tables_priv through
// (spec.md §4.2 step 1-2).
func backendSources(cfg *config.Config) []users.BackendSource {
	out := make([]users.BackendSource, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		role := users.RoleOther
		for _, m := range cfg.Monitors {
			if m.MasterName == s.Name {
				role = users.RolePrimary
			}
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s)/", cfg.Users.AdminUser, cfg.Users.AdminPassword, s.Addr)
		out = append(out, users.BackendSource{Name: s.Name, DSN: dsn, Role: role})
	}
	return out
}

// serviceCandidates merges the probe results of every monitor covering
// one of svc's servers, restricted to svc's own server set, into a
// single client.CandidateSource for that service's listeners.
func serviceCandidates(svc config.Service, monitors map[string]config.Monitor, probesByMonitor map[string]*monitor.Probe) client.CandidateSource {
	members := make(map[string]bool, len(svc.Servers))
	for _, name := range svc.Servers {
		members[name] = true
	}
	var probes []*monitor.Probe
	for _, m := range monitors {
		for _, name := range m.Servers {
			if members[name] {
				probes = append(probes, probesByMonitor[m.Name])
				break
			}
		}
	}
	return &mergedCandidates{probes: probes, members: members}
}

type mergedCandidates struct {
	probes  []*monitor.Probe
	members map[string]bool
}

func (m *mergedCandidates) Candidates() []readwrite.Candidate {
	var out []readwrite.Candidate
	for _, p := range m.probes {
		for _, c := range p.Candidates() {
			if m.members[c.Name] {
				out = append(out, c)
			}
		}
	}
	return out
}

// defaultAuthSettings is the FIND_ENTRY policy applied to every
// listener until per-listener account-matching options are exposed in
// config (an Open Question resolved in DESIGN.md towards the simpler,
// uniform default).
func defaultAuthSettings(stripDBEscapes bool) users.Settings {
	return users.Settings{
		DBCaseMode:        users.DBCasePreserve,
		MatchHostPatterns: true,
		AllowAnonymous:    false,
		AllowRoot:         false,
		CaseSensitiveDB:   true,
		StripDBEscapes:    stripDBEscapes,
	}
}
