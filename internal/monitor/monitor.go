// Package monitor runs the minimal health-probing loop spec.md's
// reduced scope keeps: Endpoint/Target selection depends on liveness,
// role, and replication lag, so something has to keep producing
// readwrite.Candidate values even though full MaxScale-style monitor
// modules (mysqlmon's failover/switchover state machine, and friends)
// are out of scope. Grounded on the teacher's replica.Pool health
// check loop (ticker-driven, one goroutine per server per tick), with
// the plain TCP dial swapped for an actual MySQL ping plus the
// variable/status reads role and lag detection need.
package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"

	"github.com/mxgateway/mxgateway/internal/config"
	"github.com/mxgateway/mxgateway/internal/readwrite"
	"github.com/mxgateway/mxgateway/internal/wire"
)

// Probe periodically connects to a monitor's servers and publishes a
// Candidate snapshot. It implements client.CandidateSource.
type Probe struct {
	cfg     config.Monitor
	servers []config.Server
	user    string
	pass    string
	log     zerolog.Logger

	mu         sync.RWMutex
	candidates []readwrite.Candidate
}

// New returns a Probe for cfg's servers, looked up by name from all.
// Servers named by cfg but absent from all are skipped.
func New(cfg config.Monitor, all map[string]config.Server, user, pass string, log zerolog.Logger) *Probe {
	servers := make([]config.Server, 0, len(cfg.Servers))
	for _, name := range cfg.Servers {
		if s, ok := all[name]; ok {
			servers = append(servers, s)
		}
	}
	return &Probe{
		cfg:     cfg,
		servers: servers,
		user:    user,
		pass:    pass,
		log:     log.With().Str("component", "monitor").Str("monitor", cfg.Name).Logger(),
	}
}

// Candidates returns the most recent snapshot. Safe for concurrent use.
func (p *Probe) Candidates() []readwrite.Candidate {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]readwrite.Candidate(nil), p.candidates...)
}

// Start runs the probing loop in its own goroutine until ctx is done.
func (p *Probe) Start(ctx context.Context) {
	go p.run(ctx)
}

func (p *Probe) run(ctx context.Context) {
	interval := p.cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	p.probeAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Probe) probeAll(ctx context.Context) {
	results := make([]readwrite.Candidate, len(p.servers))
	var wg sync.WaitGroup
	for i, srv := range p.servers {
		wg.Add(1)
		go func(i int, srv config.Server) {
			defer wg.Done()
			results[i] = p.probeOne(ctx, srv)
		}(i, srv)
	}
	wg.Wait()

	p.mu.Lock()
	p.candidates = results
	p.mu.Unlock()
}

func (p *Probe) probeOne(ctx context.Context, srv config.Server) readwrite.Candidate {
	cand := readwrite.Candidate{Name: srv.Name, Rank: srv.Rank, UnderMaintenance: true}

	db, err := sql.Open("mysql", fmt.Sprintf("%s:%s@tcp(%s)/", p.user, p.pass, srv.Addr))
	if err != nil {
		p.log.Warn().Str("server", srv.Name).Err(err).Msg("open failed")
		return cand
	}
	defer db.Close()

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(probeCtx); err != nil {
		p.log.Warn().Str("server", srv.Name).Err(err).Msg("ping failed")
		return cand
	}
	cand.UnderMaintenance = false

	cand.Version = p.queryVersion(probeCtx, db)
	cand.Role = p.queryRole(probeCtx, db, srv.Name)
	cand.ReplicationLagSecs, cand.GTIDPosition = p.queryReplicationStatus(probeCtx, db)
	return cand
}

// queryVersion reads VERSION() and parses it into the shared
// wire.BackendVersion, the data handshake capability negotiation masks
// against (spec.md §4.1). An unparseable or failed read leaves the zero
// value, which CapabilityMask treats as fully capable.
func (p *Probe) queryVersion(ctx context.Context, db *sql.DB) wire.BackendVersion {
	var raw string
	if err := db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&raw); err != nil {
		return wire.BackendVersion{}
	}
	return parseServerVersion(raw)
}

// parseServerVersion extracts major.minor and MariaDB/Xpand markers
// from a VERSION() string, e.g. "10.5.8-MariaDB" or "5.7.34-log", or
// Xpand's "ClustrixDB 10.5...".
func parseServerVersion(raw string) wire.BackendVersion {
	v := wire.BackendVersion{}
	if strings.Contains(strings.ToLower(raw), "clustrix") || strings.Contains(strings.ToLower(raw), "xpand") {
		v.IsXpand = true
	}
	v.IsMariaDB = strings.Contains(strings.ToLower(raw), "mariadb")

	digits := raw
	if i := strings.IndexFunc(raw, func(r rune) bool { return r >= '0' && r <= '9' }); i >= 0 {
		digits = raw[i:]
	}
	parts := strings.SplitN(digits, ".", 3)
	if len(parts) >= 1 {
		fmt.Sscanf(parts[0], "%d", &v.Major)
	}
	if len(parts) >= 2 {
		fmt.Sscanf(parts[1], "%d", &v.Minor)
	}
	return v
}

// queryRole reports RoleMaster unless read_only (or super_read_only) is
// set, in which case the server is a slave: the same heuristic MaxScale's
// mysqlmon falls back to for servers it cannot otherwise classify, and
// accurate for any server under standard MariaDB/MySQL replication.
func (p *Probe) queryRole(ctx context.Context, db *sql.DB, name string) readwrite.ServerRole {
	if name == p.cfg.MasterName {
		return readwrite.RoleMaster
	}
	var varName, value string
	row := db.QueryRowContext(ctx, "SHOW VARIABLES LIKE 'read_only'")
	if err := row.Scan(&varName, &value); err != nil {
		return readwrite.RoleUnknown
	}
	if value == "ON" || value == "1" {
		return readwrite.RoleSlave
	}
	return readwrite.RoleMaster
}

// queryReplicationStatus runs the monitor's configured lag query
// (default SHOW SLAVE STATUS) and extracts Seconds_Behind_Master and
// any reported GTID position. Failure (e.g. on a master, which has no
// slave status) is not an error: it just means no lag data.
func (p *Probe) queryReplicationStatus(ctx context.Context, db *sql.DB) (int, map[string]int64) {
	query := p.cfg.ReplicationLagQuery
	if query == "" {
		query = "SHOW SLAVE STATUS"
	}
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return 0, nil
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil || !rows.Next() {
		return 0, nil
	}
	vals := make([]sql.RawBytes, len(cols))
	scanArgs := make([]interface{}, len(cols))
	for i := range vals {
		scanArgs[i] = &vals[i]
	}
	if err := rows.Scan(scanArgs...); err != nil {
		return 0, nil
	}

	lag := 0
	var gtidExecuted string
	for i, col := range cols {
		switch col {
		case "Seconds_Behind_Master":
			fmt.Sscanf(string(vals[i]), "%d", &lag)
		case "Executed_Gtid_Set":
			gtidExecuted = string(vals[i])
		}
	}
	return lag, parseGTIDSet(gtidExecuted)
}

// parseGTIDSet extracts the highest sequence number per domain from a
// MariaDB-style GTID list ("0-1-5,1-1-12") or returns nil for an empty
// or MySQL-style set this proxy does not need to interpret further.
func parseGTIDSet(s string) map[string]int64 {
	if s == "" {
		return nil
	}
	out := map[string]int64{}
	for _, record := range strings.Split(s, ",") {
		parts := strings.Split(strings.TrimSpace(record), "-")
		if len(parts) != 3 {
			continue
		}
		domain := parts[0]
		var seq int64
		if _, err := fmt.Sscanf(parts[2], "%d", &seq); err != nil {
			continue
		}
		if cur, ok := out[domain]; !ok || seq > cur {
			out[domain] = seq
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
