// Package listener runs the TCP accept loop for one configured listener:
// optional PROXY-protocol unwrapping happens here, one layer below the
// in-band TLS negotiation that client.Conn performs on SSLRequest
// (spec.md §2 "Listener", §4.1, §6).
package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync/atomic"

	proxyprotocol "github.com/blacktear23/go-proxyprotocol"
	"github.com/rs/zerolog"

	"github.com/mxgateway/mxgateway/internal/client"
	"github.com/mxgateway/mxgateway/internal/config"
	"github.com/mxgateway/mxgateway/internal/metrics"
	"github.com/mxgateway/mxgateway/internal/router"
	"github.com/mxgateway/mxgateway/internal/worker"
)

// proxyProtocolHeaderTimeoutSecs bounds how long Accept waits for a
// PROXY protocol header before giving up on a connection.
const proxyProtocolHeaderTimeoutSecs = 5

// Listener owns one net.Listener and spawns a client.Conn per accepted
// connection, allocating monotonically increasing session ids that
// double as the protocol-visible thread id (spec.md §4.1 step 1).
type Listener struct {
	cfg     config.Listener
	deps    client.Deps
	authCfg client.AuthConfig
	log     zerolog.Logger
	nextID  atomic.Uint32

	workers *worker.Pool
	graphs  []*router.Graph
}

// New returns a Listener ready to Serve. deps.TLSConfig, if non-nil, is
// offered during the in-band SSLRequest handshake, not used to wrap the
// outer net.Listener (the wire protocol negotiates TLS itself).
func New(cfg config.Listener, deps client.Deps, authCfg client.AuthConfig, log zerolog.Logger) *Listener {
	return &Listener{
		cfg:     cfg,
		deps:    deps,
		authCfg: authCfg,
		log:     log.With().Str("listener", cfg.Name).Logger(),
	}
}

// WithWorkerGraphs binds the listener to a worker pool, so that each
// accepted connection's session id deterministically selects its
// worker's own router.Graph (and therefore its own per-target
// connection pools) instead of sharing deps.Graph across every
// connection (spec.md §5 "per-worker connection pool ownership").
func (l *Listener) WithWorkerGraphs(workers *worker.Pool, graphs []*router.Graph) *Listener {
	l.workers = workers
	l.graphs = graphs
	return l
}

// BuildTLSConfig loads the listener's certificate/key pair, if
// configured, for in-band TLS negotiation. A listener with no ssl_cert
// returns (nil, nil): SSLRequest is simply never satisfiable on it.
func BuildTLSConfig(cfg config.Listener) (*tls.Config, error) {
	if cfg.TLSCert == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("listener %s: load cert: %w", cfg.Name, err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// Serve accepts connections until ctx is cancelled or the underlying
// listener errors. It always returns a non-nil error except on a clean
// shutdown via ctx.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("listener %s: listen %s: %w", l.cfg.Name, l.cfg.Address, err)
	}

	if l.cfg.ProxyProtocol {
		allowed := "*"
		if len(l.cfg.ProxyProtocolCIDRs) > 0 {
			allowed = strings.Join(l.cfg.ProxyProtocolCIDRs, ",")
		}
		ppln, err := proxyprotocol.NewListener(ln, allowed, proxyProtocolHeaderTimeoutSecs, false)
		if err != nil {
			ln.Close()
			return fmt.Errorf("listener %s: proxy protocol: %w", l.cfg.Name, err)
		}
		ln = ppln
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	l.log.Info().Str("address", l.cfg.Address).Bool("proxy_protocol", l.cfg.ProxyProtocol).Msg("listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if proxyprotocol.IsProxyProtocolError(err) {
				l.log.Warn().Err(err).Msg("rejected connection")
				continue
			}
			return fmt.Errorf("listener %s: accept: %w", l.cfg.Name, err)
		}
		id := l.nextID.Add(1)
		go l.handle(id, conn)
	}
}

func (l *Listener) handle(id uint32, conn net.Conn) {
	metrics.SessionsTotal.Inc()
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	deps := l.deps
	if l.workers != nil && len(l.graphs) > 0 {
		deps.Graph = l.graphs[l.workers.Assign(id)]
	}
	c := client.New(id, conn, deps, l.authCfg)
	if err := c.Serve(); err != nil {
		l.log.Debug().Err(err).Uint32("session", id).Msg("session ended")
	}
}
