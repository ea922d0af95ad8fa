package users

import (
	"context"
	"net"
	"strings"
)

// Outcome enumerates the terminal results of the matching algorithm
// (spec.md §4.2 "Outputs").
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeUserNotFound
	OutcomeDBAccessDenied
	OutcomeBadDB
	OutcomeRootAccessDenied
	OutcomeAnonProxyAccessDenied
	OutcomePluginNotLoaded
	OutcomeNeedNameinfo
)

// DBCaseMode controls how requested_db is normalized and compared
// (spec.md §4.2 step 1).
type DBCaseMode int

const (
	DBCasePreserve DBCaseMode = iota
	DBCaseLower
	DBCasePreserveButCompareInsensitive
)

// Settings bundles the per-listener options the matching algorithm
// consults alongside the (username, address, db) triple (spec.md §4.2
// "Lookup input").
type Settings struct {
	DBCaseMode        DBCaseMode
	MatchHostPatterns bool
	AllowAnonymous    bool
	AllowRoot         bool
	CaseSensitiveDB   bool
	StripDBEscapes    bool
}

// Resolver performs reverse-DNS lookups off the routing worker, on the
// auxiliary threadpool (spec.md §4.1 FIND_ENTRY_RDNS, §5).
type Resolver interface {
	LookupHost(ctx context.Context, addr string) (hostname string, err error)
}

// Result is the outcome of a match, plus the winning entry (real or the
// synthetic placeholder used for timing-uniform auth exchanges, spec.md
// §4.2 step 7).
type Result struct {
	Outcome     Outcome
	Entry       Entry
	NormalizedDB string
}

// FindEntry runs the matching algorithm of spec.md §4.2 against db. hostname
// is the result of a prior reverse lookup, or "" if none has been done yet;
// when a HOSTNAME or WILDCARD pattern needs one and hostname is "", FindEntry
// returns OutcomeNeedNameinfo so the caller can schedule a lookup and retry.
func (d *Database) FindEntry(username, addr, hostname, requestedDB string, sett Settings) Result {
	db := normalizeDB(requestedDB, sett.DBCaseMode)

	entry, needsDNS, found := d.findByUsername(username, addr, hostname, sett)
	if needsDNS {
		return Result{Outcome: OutcomeNeedNameinfo}
	}

	anonymous := false
	if !found && sett.AllowAnonymous {
		entry, needsDNS, found = d.findByUsername("", addr, hostname, sett)
		if needsDNS {
			return Result{Outcome: OutcomeNeedNameinfo}
		}
		if found && !entry.ProxyPriv {
			found = false
		}
		anonymous = found
	}

	if !found {
		return Result{Outcome: OutcomeUserNotFound, Entry: placeholderEntry(username), NormalizedDB: db}
	}

	if anonymous {
		// Anonymous-user access still runs through the db check below.
	}

	if entry.Username == "root" && !sett.AllowRoot {
		return Result{Outcome: OutcomeRootAccessDenied, Entry: entry, NormalizedDB: db}
	}
	if anonymous && !entry.ProxyPriv {
		return Result{Outcome: OutcomeAnonProxyAccessDenied, Entry: entry, NormalizedDB: db}
	}

	if db != "" && !strings.EqualFold(db, "information_schema") {
		if !d.DatabaseExists(db, sett.CaseSensitiveDB) {
			return Result{Outcome: OutcomeBadDB, Entry: entry, NormalizedDB: db}
		}
		if !d.CheckDatabaseAccess(entry, db, sett.CaseSensitiveDB) {
			return Result{Outcome: OutcomeDBAccessDenied, Entry: entry, NormalizedDB: db}
		}
	}

	return Result{Outcome: OutcomeOK, Entry: entry, NormalizedDB: db}
}

// findByUsername iterates username's ordered entry list, returning the
// first non-role entry whose host pattern matches addr/hostname.
func (d *Database) findByUsername(username, addr, hostname string, sett Settings) (entry Entry, needsDNS bool, found bool) {
	for _, e := range d.usernames[username] {
		if e.IsRole {
			continue
		}
		if !sett.MatchHostPatterns {
			return e, false, true
		}
		matched, wantsDNS := hostPatternMatches(e.HostPattern, addr, hostname)
		if wantsDNS {
			return Entry{}, true, false
		}
		if matched {
			return e, false, true
		}
	}
	return Entry{}, false, false
}

// hostPatternMatches implements the four pattern-type matching rules of
// spec.md §4.2 step 2. wantsDNS is true when the pattern requires a
// hostname that has not yet been resolved.
func hostPatternMatches(pattern, addr, hostname string) (matched, wantsDNS bool) {
	switch classifyPattern(pattern) {
	case patternAddress:
		if addressLikeMatches(pattern, addr) {
			return true, false
		}
		return false, false
	case patternMask:
		return maskMatches(pattern, addr), false
	case patternHostname:
		if hostname == "" {
			return false, true
		}
		return sqlLikeMatch(pattern, hostname), false
	case patternWildcard:
		if addressLikeMatches(pattern, addr) {
			return true, false
		}
		if hostname == "" {
			// Only request DNS if the pattern has any non-numeric
			// character that could plausibly be a hostname fragment.
			if looksLikeHostnameWildcard(pattern) {
				return false, true
			}
			return false, false
		}
		return sqlLikeMatch(pattern, hostname), false
	default:
		return false, false
	}
}

func looksLikeHostnameWildcard(pattern string) bool {
	for _, c := range pattern {
		if (c < '0' || c > '9') && c != '.' && c != '%' && c != '_' {
			return true
		}
	}
	return false
}

// addressLikeMatches applies LIKE-matching against the literal address,
// and for IPv4-mapped IPv6 also against the IPv4 tail (spec.md §4.2 step 2).
func addressLikeMatches(pattern, addr string) bool {
	if sqlLikeMatch(pattern, addr) {
		return true
	}
	ip := net.ParseIP(addr)
	if ip != nil && ip.To4() != nil && strings.Contains(addr, ":") {
		if sqlLikeMatch(pattern, ip.To4().String()) {
			return true
		}
	}
	return false
}

// maskMatches checks a base_ip/dotted_netmask pattern the way MariaDB
// itself does (inet_pton on both halves, then addr & mask == base),
// not Go's CIDR prefix-length notation: real grants look like
// '192.168.1.0/255.255.255.0', which net.ParseCIDR rejects outright.
func maskMatches(pattern, addr string) bool {
	baseStr, maskStr, ok := strings.Cut(pattern, "/")
	if !ok {
		return false
	}
	base := net.ParseIP(baseStr).To4()
	mask := net.ParseIP(maskStr).To4()
	ip := net.ParseIP(addr).To4()
	if base == nil || mask == nil || ip == nil {
		return false
	}
	for i := 0; i < 4; i++ {
		if ip[i]&mask[i] != base[i]&mask[i] {
			return false
		}
	}
	return true
}

func normalizeDB(db string, mode DBCaseMode) string {
	switch mode {
	case DBCaseLower:
		return strings.ToLower(db)
	default:
		return db
	}
}

// placeholderEntry is the synthetic entry returned when nothing matched,
// so that the authentication state machine can still run a full
// challenge/response exchange for timing uniformity before failing
// (spec.md §4.2 step 7).
func placeholderEntry(username string) Entry {
	return Entry{
		Username:   username,
		AuthPlugin: "mysql_native_password",
	}
}
