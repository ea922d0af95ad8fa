package users

import "strings"

// Builder accumulates entries and grants while a Database snapshot is
// being constructed by Manager, then yields an immutable Database. This
// mirrors user_data.cc's practice of only mutating a UserDatabase before
// it is published to routing workers.
type Builder struct {
	db *Database
}

// NewBuilder starts a fresh, empty snapshot under construction.
func NewBuilder() *Builder { return &Builder{db: NewDatabase()} }

// AddEntry adds a user entry. Per the §3 invariant, (username,
// host_pattern) must be unique; a duplicate is silently dropped, as
// user_data.cc's add_entry does.
func (b *Builder) AddEntry(e Entry) {
	list := b.db.usernames[e.Username]
	for _, existing := range list {
		if existing.HostPattern == e.HostPattern {
			return
		}
	}
	b.db.usernames[e.Username] = append(list, e)
}

// AddDatabaseWildcardGrant records a mysql.db-style grant, whose db
// pattern may contain SQL LIKE wildcards.
func (b *Builder) AddDatabaseWildcardGrant(user, host, dbPattern string) {
	addToSetMap(b.db.dbWildcardGrants, grantKey(user, host), dbPattern)
}

// AddDatabaseLiteralGrant records an exact-match grant sourced from
// tables_priv/columns_priv/procs_priv. If stripEscapes is set, a
// trailing/embedded backslash escape left over from the wildcard
// mysql.db convention is removed (user_data.cc m_strip_db_esc).
func (b *Builder) AddDatabaseLiteralGrant(user, host, db string, stripEscapes bool) {
	if stripEscapes {
		db = strings.ReplaceAll(db, `\`, "")
	}
	addToSetMap(b.db.dbLiteralGrants, grantKey(user, host), db)
}

// AddRoleMapping records that user@host may assume role.
func (b *Builder) AddRoleMapping(user, host, role string) {
	addToSetMap(b.db.roleMapping, grantKey(user, host), role)
}

// AddDatabaseName records a database as existing.
func (b *Builder) AddDatabaseName(name string) {
	b.db.databaseNames[name] = struct{}{}
}

// Build finalizes the snapshot: entries for each username are sorted by
// host-pattern specificity per the §3 invariant.
func (b *Builder) Build() *Database {
	for user, list := range b.db.usernames {
		sorted := append([]Entry(nil), list...)
		sortEntries(sorted)
		b.db.usernames[user] = sorted
	}
	return b.db
}

func addToSetMap(m map[string]map[string]struct{}, key, value string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[value] = struct{}{}
}
