package users

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"

	"github.com/mxgateway/mxgateway/internal/wire"
)

// ServerRole classifies a backend for ranking purposes when the manager
// chooses which server to load user accounts from (spec.md §4.2 step 1).
type ServerRole int

const (
	RolePrimary ServerRole = iota
	RoleReplica
	RoleOther
)

// BackendSource is the subset of a Target/Endpoint the user manager needs
// to reach a backend for administrative queries. The router package's
// concrete servers satisfy this trivially.
type BackendSource struct {
	Name    string
	DSN     string // data source name for database/sql, credentials pre-filled
	Role    ServerRole
	Version wire.BackendVersion
}

// UsersFileUsage controls how the on-disk accounts file interacts with
// backend-loaded data (spec.md §4.2 step 4, §6).
type UsersFileUsage int

const (
	FileUsageNone UsersFileUsage = iota
	FileUsageAddWhenLoadOK
	FileUsageOnly
)

// Manager is the process-wide background task that fetches user data
// from backends and file sources and publishes immutable snapshots to
// all Workers (spec.md §2 "UserManager", §4.2 "Update pipeline").
type Manager struct {
	log zerolog.Logger

	mu       sync.Mutex
	backends []BackendSource
	credUser string
	credPass string

	unionOverBackends bool
	stripDBEscapes    bool
	usersFilePath     string
	usersFileUsage    UsersFileUsage

	minInterval time.Duration
	maxInterval time.Duration

	dbPtr   atomic.Pointer[Database]
	version atomic.Int64

	successfulLoads         int
	consecutiveFailedLoads  int
	throttleEngageThreshold int

	updateRequested atomic.Bool
	wake            chan struct{}
	stop            chan struct{}
	stopped         chan struct{}

	queryFn func(ctx context.Context, dsn string, withProcsPriv bool) (*Builder, error)
}

// NewManager constructs a Manager with an initial empty snapshot. Call
// Start to begin the background loop.
func NewManager(log zerolog.Logger, minInterval, maxInterval time.Duration) *Manager {
	m := &Manager{
		log:                     log.With().Str("component", "user_manager").Logger(),
		minInterval:             minInterval,
		maxInterval:             maxInterval,
		throttleEngageThreshold: 3,
		wake:                    make(chan struct{}, 1),
		stop:                    make(chan struct{}),
		stopped:                 make(chan struct{}),
	}
	m.dbPtr.Store(NewBuilder().Build())
	m.queryFn = m.loadFromBackend
	return m
}

// SetBackends replaces the set of backends the manager may query.
func (m *Manager) SetBackends(backends []BackendSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backends = backends
}

// SetCredentials sets the account the manager uses to connect to
// backends for administrative queries.
func (m *Manager) SetCredentials(user, pass string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credUser, m.credPass = user, pass
}

// SetUnionOverBackends toggles building the snapshot as the union of all
// reachable backends rather than stopping at the first success (spec.md
// §4.2 step 3).
func (m *Manager) SetUnionOverBackends(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unionOverBackends = v
}

// SetStripDBEscapes toggles stripping literal backslash escapes from
// database names fetched from tables_priv (user_data.cc m_strip_db_esc).
func (m *Manager) SetStripDBEscapes(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stripDBEscapes = v
}

// SetUsersFile configures the optional on-disk accounts file (spec.md §6).
func (m *Manager) SetUsersFile(path string, usage UsersFileUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usersFilePath = path
	m.usersFileUsage = usage
}

// Snapshot returns the current published Database and its version.
func (m *Manager) Snapshot() (*Database, int64) {
	return m.dbPtr.Load(), m.version.Load()
}

// RequestUpdate asks the background loop to run a load as soon as the
// min-interval throttle allows, without waiting for the heartbeat
// (spec.md §4.2 "Explicit refresh requests").
func (m *Manager) RequestUpdate() {
	m.updateRequested.Store(true)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Start begins the background updater loop in its own goroutine.
func (m *Manager) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop signals the background loop to exit and waits for it to do so.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.stopped
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.stopped)

	m.loadOnce(ctx) // eager first load, per "slow-starting backends"

	for {
		interval := m.maxInterval
		if m.consecutiveFailedLoads > 0 && m.successfulLoads < m.throttleEngageThreshold {
			// Before throttling engages, retry quickly to accommodate
			// slow-starting backends (spec.md §4.2 "Throttling").
			interval = m.minInterval
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.stop:
			timer.Stop()
			return
		case <-timer.C:
		case <-m.wake:
			timer.Stop()
			time.Sleep(m.minInterval) // still honor the throttle
		}
		m.loadOnce(ctx)
	}
}

func (m *Manager) loadOnce(ctx context.Context) {
	m.updateRequested.Store(false)

	m.mu.Lock()
	backends := rankBackends(m.backends)
	fileUsage := m.usersFileUsage
	filePath := m.usersFilePath
	union := m.unionOverBackends
	m.mu.Unlock()

	if fileUsage == FileUsageOnly {
		b, err := m.loadFromFile(filePath)
		if err != nil {
			m.log.Warn().Err(err).Str("path", filePath).Msg("failed to load users file")
			m.consecutiveFailedLoads++
			return
		}
		m.publish(b.Build())
		m.successfulLoads++
		m.consecutiveFailedLoads = 0
		return
	}

	merged := NewBuilder()
	loadedAny := false
	for _, be := range backends {
		b, err := m.queryFn(ctx, be.DSN, be.Version.SupportsProcsPriv())
		if err != nil {
			m.log.Warn().Err(err).Str("backend", be.Name).Msg("user load failed, trying next backend")
			continue
		}
		mergeInto(merged, b)
		loadedAny = true
		if !union {
			break
		}
	}

	if !loadedAny {
		m.consecutiveFailedLoads++
		if m.consecutiveFailedLoads == 1 || m.consecutiveFailedLoads%50 == 0 {
			m.log.Error().Int("consecutive_failures", m.consecutiveFailedLoads).Msg("no backend reachable for user data load")
		}
		return
	}

	if fileUsage == FileUsageAddWhenLoadOK && filePath != "" {
		if fb, err := m.loadFromFile(filePath); err == nil {
			mergeInto(merged, fb)
		} else {
			m.log.Warn().Err(err).Str("path", filePath).Msg("failed to layer users file")
		}
	}

	m.publish(merged.Build())
	m.successfulLoads++
	m.consecutiveFailedLoads = 0
}

func (m *Manager) publish(fresh *Database) {
	current := m.dbPtr.Load()
	if current != nil && current.EqualContents(fresh) {
		return
	}
	m.dbPtr.Store(fresh)
	m.version.Add(1)
}

// rankBackends orders backends primary-first, then replicas, then others
// (spec.md §4.2 step 1).
func rankBackends(backends []BackendSource) []BackendSource {
	ranked := append([]BackendSource(nil), backends...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Role < ranked[j].Role })
	return ranked
}

func mergeInto(dst, src *Builder) {
	for _, list := range src.db.usernames {
		for _, e := range list {
			dst.AddEntry(e)
		}
	}
	for key, set := range src.db.dbWildcardGrants {
		for v := range set {
			addToSetMap(dst.db.dbWildcardGrants, key, v)
		}
	}
	for key, set := range src.db.dbLiteralGrants {
		for v := range set {
			addToSetMap(dst.db.dbLiteralGrants, key, v)
		}
	}
	for key, set := range src.db.roleMapping {
		for v := range set {
			addToSetMap(dst.db.roleMapping, key, v)
		}
	}
	for name := range src.db.databaseNames {
		dst.AddDatabaseName(name)
	}
}

// loadFromBackend issues the batched multi-query of spec.md §4.2 step 2
// against dsn and builds a Builder from the results. withProcsPriv
// selects between the primary query (including procs_priv) and the
// fallback used when the account lacks privilege on that table.
func (m *Manager) loadFromBackend(ctx context.Context, dsn string, withProcsPriv bool) (*Builder, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}
	defer db.Close()

	b := NewBuilder()
	if err := m.loadUsers(ctx, db, b); err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	if err := m.loadDBGrants(ctx, db, b, withProcsPriv); err != nil && withProcsPriv {
		// Retry once without procs_priv, per the §4.2 step 2 fallback.
		if err2 := m.loadDBGrants(ctx, db, b, false); err2 != nil {
			return nil, fmt.Errorf("load db grants (fallback): %w", err2)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load db grants: %w", err)
	}
	if err := m.loadProxyGrants(ctx, db, b); err != nil {
		m.log.Debug().Err(err).Msg("proxy grants unavailable")
	}
	if err := m.loadDatabaseNames(ctx, db, b); err != nil {
		return nil, fmt.Errorf("load database names: %w", err)
	}
	if err := m.loadRoleMapping(ctx, db, b); err != nil {
		m.log.Debug().Err(err).Msg("role mapping unavailable")
	}
	return b, nil
}

func (m *Manager) loadUsers(ctx context.Context, db *sql.DB, b *Builder) error {
	rows, err := db.QueryContext(ctx,
		`SELECT User, Host, Password, plugin, authentication_string, `+
			`Super_priv, is_role, default_role, `+
			`(Select_priv='Y' OR Db='*') AS global_db_priv `+
			`FROM mysql.user`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var username, host, password, plugin, authString, defaultRole string
		var superPriv, isRole, globalDBPriv string
		if err := rows.Scan(&username, &host, &password, &plugin, &authString,
			&superPriv, &isRole, &defaultRole, &globalDBPriv); err != nil {
			return err
		}
		hash := password
		if plugin == AuthNativePasswordPlugin && authString != "" {
			hash = authString
		}
		b.AddEntry(Entry{
			Username:     username,
			HostPattern:  host,
			PasswordHash: decodeStoredHash(hash),
			AuthPlugin:   defaultString(plugin, AuthNativePasswordPlugin),
			IsRole:       isRole == "Y",
			DefaultRole:  defaultRole,
			GlobalDBPriv: globalDBPriv == "1" || globalDBPriv == "Y",
			SuperPriv:    superPriv == "Y",
		})
	}
	return rows.Err()
}

func (m *Manager) loadDBGrants(ctx context.Context, db *sql.DB, b *Builder, withProcsPriv bool) error {
	wcRows, err := db.QueryContext(ctx, `SELECT User, Host, Db FROM mysql.db`)
	if err != nil {
		return err
	}
	defer wcRows.Close()
	for wcRows.Next() {
		var user, host, dbName string
		if err := wcRows.Scan(&user, &host, &dbName); err != nil {
			return err
		}
		b.AddDatabaseWildcardGrant(user, host, dbName)
	}
	if err := wcRows.Err(); err != nil {
		return err
	}

	tables := []string{"mysql.tables_priv", "mysql.columns_priv"}
	if withProcsPriv {
		tables = append(tables, "mysql.procs_priv")
	}
	for _, table := range tables {
		rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT User, Host, Db FROM %s`, table))
		if err != nil {
			if withProcsPriv && table == "mysql.procs_priv" {
				return err // triggers the fallback retry in loadFromBackend
			}
			continue
		}
		func() {
			defer rows.Close()
			for rows.Next() {
				var user, host, dbName string
				if rows.Scan(&user, &host, &dbName) != nil {
					continue
				}
				b.AddDatabaseLiteralGrant(user, host, dbName, m.stripDBEscapes)
			}
		}()
	}
	return nil
}

func (m *Manager) loadProxyGrants(ctx context.Context, db *sql.DB, b *Builder) error {
	rows, err := db.QueryContext(ctx,
		`SELECT User, Host FROM mysql.proxies_priv WHERE Proxied_user=''`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var user, host string
		if err := rows.Scan(&user, &host); err != nil {
			return err
		}
		if e := b.db.usernames[user]; e != nil {
			for i := range e {
				if e[i].HostPattern == host {
					e[i].ProxyPriv = true
				}
			}
		}
	}
	return rows.Err()
}

func (m *Manager) loadDatabaseNames(ctx context.Context, db *sql.DB, b *Builder) error {
	rows, err := db.QueryContext(ctx, `SHOW DATABASES`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		b.AddDatabaseName(name)
	}
	return rows.Err()
}

func (m *Manager) loadRoleMapping(ctx context.Context, db *sql.DB, b *Builder) error {
	rows, err := db.QueryContext(ctx, `SELECT User, Host, Role FROM mysql.roles_mapping`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var user, host, role string
		if err := rows.Scan(&user, &host, &role); err != nil {
			return err
		}
		b.AddRoleMapping(user, host, role)
	}
	return rows.Err()
}

const AuthNativePasswordPlugin = "mysql_native_password"

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// decodeStoredHash strips the leading '*' MariaDB uses to mark a hex
// password hash, matching the hex bytes to a raw 20-byte SHA1 digest
// (spec.md §6 "User-accounts file").
func decodeStoredHash(s string) []byte {
	s = removeLeadingStar(s)
	if len(s) != 40 {
		return nil
	}
	out := make([]byte, 20)
	for i := 0; i < 20; i++ {
		hi, ok1 := hexNibble(s[i*2])
		lo, ok2 := hexNibble(s[i*2+1])
		if !ok1 || !ok2 {
			return nil
		}
		out[i] = hi<<4 | lo
	}
	return out
}

func removeLeadingStar(s string) string {
	if len(s) > 0 && s[0] == '*' {
		return s[1:]
	}
	return s
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
