package users

import (
	"fmt"
	"strings"
)

// Database is an immutable snapshot of user accounts, database grants,
// role mappings, and known database names (spec.md §3). Once published
// by Manager it is never mutated; concurrent readers share a reference.
type Database struct {
	// usernames maps username -> entries sorted by host-pattern
	// specificity (most specific first), per the §3 invariant.
	usernames map[string][]Entry

	// dbWildcardGrants maps "user@host" -> set of db-name patterns that
	// may contain SQL LIKE wildcards (% and _), from mysql.db.
	dbWildcardGrants map[string]map[string]struct{}

	// dbLiteralGrants maps "user@host" -> set of exact db names, from
	// mysql.tables_priv ∪ mysql.columns_priv ∪ mysql.procs_priv.
	dbLiteralGrants map[string]map[string]struct{}

	// roleMapping maps "user@host" -> set of role names it may assume.
	roleMapping map[string]map[string]struct{}

	databaseNames map[string]struct{}
}

// NewDatabase returns an empty, buildable snapshot. Use a Builder (see
// builder.go) to populate one before publishing it.
func NewDatabase() *Database {
	return &Database{
		usernames:        make(map[string][]Entry),
		dbWildcardGrants: make(map[string]map[string]struct{}),
		dbLiteralGrants:  make(map[string]map[string]struct{}),
		roleMapping:      make(map[string]map[string]struct{}),
		databaseNames:    make(map[string]struct{}),
	}
}

func grantKey(user, host string) string { return user + "@" + host }

// NEntries returns the total number of user entries across all usernames.
func (d *Database) NEntries() int {
	n := 0
	for _, list := range d.usernames {
		n += len(list)
	}
	return n
}

// Empty reports whether the database has no user entries at all.
func (d *Database) Empty() bool { return len(d.usernames) == 0 }

// DatabaseExists reports whether db is a known database name, honoring
// the configured case-sensitivity for db-name comparisons.
func (d *Database) DatabaseExists(db string, caseSensitive bool) bool {
	if !caseSensitive {
		db = strings.ToLower(db)
	}
	for name := range d.databaseNames {
		cmp := name
		if !caseSensitive {
			cmp = strings.ToLower(cmp)
		}
		if cmp == db {
			return true
		}
	}
	return false
}

// EqualContents reports whether d and other hold the same logical
// content, used by Manager to decide whether a freshly loaded snapshot
// differs from the published one before swapping the pointer and
// bumping the version counter (spec.md §4.2 step 3, §8 invariant 9).
func (d *Database) EqualContents(other *Database) bool {
	if other == nil {
		return false
	}
	if len(d.usernames) != len(other.usernames) {
		return false
	}
	for user, list := range d.usernames {
		olist, ok := other.usernames[user]
		if !ok || len(list) != len(olist) {
			return false
		}
		for i := range list {
			if !list[i].Equal(olist[i]) {
				return false
			}
		}
	}
	if !equalSetMap(d.dbWildcardGrants, other.dbWildcardGrants) ||
		!equalSetMap(d.dbLiteralGrants, other.dbLiteralGrants) ||
		!equalSetMap(d.roleMapping, other.roleMapping) {
		return false
	}
	if len(d.databaseNames) != len(other.databaseNames) {
		return false
	}
	for name := range d.databaseNames {
		if _, ok := other.databaseNames[name]; !ok {
			return false
		}
	}
	return true
}

func equalSetMap(a, b map[string]map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, set := range a {
		oset, ok := b[k]
		if !ok || len(set) != len(oset) {
			return false
		}
		for v := range set {
			if _, ok := oset[v]; !ok {
				return false
			}
		}
	}
	return true
}

// hasLiteralGrant reports whether user@host has an exact grant for db.
func (d *Database) hasLiteralGrant(user, host, db string, caseSensitive bool) bool {
	set, ok := d.dbLiteralGrants[grantKey(user, host)]
	if !ok {
		return false
	}
	for name := range set {
		if caseSensitive {
			if name == db {
				return true
			}
		} else if strings.EqualFold(name, db) {
			return true
		}
	}
	return false
}

// hasWildcardGrant reports whether user@host has a mysql.db-style grant
// (db patterns may use SQL LIKE wildcards % and _, escaped by \) that
// matches db.
func (d *Database) hasWildcardGrant(user, host, db string) bool {
	set, ok := d.dbWildcardGrants[grantKey(user, host)]
	if !ok {
		return false
	}
	for pattern := range set {
		if sqlLikeMatch(pattern, db) {
			return true
		}
	}
	return false
}

// rolesOf returns the set of roles directly mapped to user@host.
func (d *Database) rolesOf(user, host string) map[string]struct{} {
	return d.roleMapping[grantKey(user, host)]
}

// roleEntry finds the role's own Entry (roles are stored as Entry rows
// with IsRole set and an empty/irrelevant host pattern).
func (d *Database) roleEntry(role string) *Entry {
	for _, e := range d.usernames[role] {
		if e.IsRole {
			return &e
		}
	}
	return nil
}

// CheckDatabaseAccess reports whether entry can access db, either via a
// direct grant or transitively through its default role and the role
// graph (spec.md §4.2 step 4; grounded on user_data.cc check_database_access,
// which the original makes transitive through default_role chains).
func (d *Database) CheckDatabaseAccess(entry Entry, db string, caseSensitiveDB bool) bool {
	if entry.GlobalDBPriv {
		return true
	}
	if d.hasLiteralGrant(entry.Username, entry.HostPattern, db, caseSensitiveDB) {
		return true
	}
	if d.hasWildcardGrant(entry.Username, entry.HostPattern, db) {
		return true
	}
	if entry.DefaultRole == "" {
		return false
	}
	return d.roleCanAccessDB(entry.DefaultRole, db, caseSensitiveDB, make(map[string]bool))
}

// roleCanAccessDB walks the role graph transitively (bounded by a
// visited-set to tolerate cycles that configuration-time checks missed)
// looking for a grant or global privilege.
func (d *Database) roleCanAccessDB(role, db string, caseSensitiveDB bool, visited map[string]bool) bool {
	if visited[role] {
		return false
	}
	visited[role] = true

	if re := d.roleEntry(role); re != nil {
		if re.GlobalDBPriv {
			return true
		}
		if d.hasLiteralGrant(role, re.HostPattern, db, caseSensitiveDB) ||
			d.hasWildcardGrant(role, re.HostPattern, db) {
			return true
		}
		if re.DefaultRole != "" && d.roleCanAccessDB(re.DefaultRole, db, caseSensitiveDB, visited) {
			return true
		}
	}
	// A role may also appear purely in role_mapping without its own
	// user-table row (common when roles are granted but never logged
	// into); check any "<role>@%" style literal/wildcard grant directly.
	for host := range d.hostsFor(role) {
		if d.hasLiteralGrant(role, host, db, caseSensitiveDB) || d.hasWildcardGrant(role, host, db) {
			return true
		}
	}
	return false
}

func (d *Database) hostsFor(user string) map[string]struct{} {
	hosts := make(map[string]struct{})
	prefix := user + "@"
	for key := range d.dbLiteralGrants {
		if strings.HasPrefix(key, prefix) {
			hosts[strings.TrimPrefix(key, prefix)] = struct{}{}
		}
	}
	for key := range d.dbWildcardGrants {
		if strings.HasPrefix(key, prefix) {
			hosts[strings.TrimPrefix(key, prefix)] = struct{}{}
		}
	}
	return hosts
}

// sqlLikeMatch implements SQL LIKE matching with % / _ wildcards and a
// backslash escape, as used for mysql.db-style grants (spec.md §4.2 step 4).
func sqlLikeMatch(pattern, s string) bool {
	return likeMatch([]rune(pattern), []rune(s))
}

func likeMatch(pattern, s []rune) bool {
	var pi, si int
	var starIdx, sIdx = -1, -1
	for si < len(s) {
		if pi < len(pattern) {
			c := pattern[pi]
			if c == '\\' && pi+1 < len(pattern) {
				if si < len(s) && s[si] == pattern[pi+1] {
					pi += 2
					si++
					continue
				}
			} else if c == '_' {
				pi++
				si++
				continue
			} else if c == '%' {
				starIdx = pi
				sIdx = si
				pi++
				continue
			} else if si < len(s) && s[si] == c {
				pi++
				si++
				continue
			}
		}
		if starIdx != -1 {
			pi = starIdx + 1
			sIdx++
			si = sIdx
			continue
		}
		return false
	}
	for pi < len(pattern) && pattern[pi] == '%' {
		pi++
	}
	return pi == len(pattern)
}

func (d *Database) String() string {
	return fmt.Sprintf("Database{users=%d, entries=%d}", len(d.usernames), d.NEntries())
}
