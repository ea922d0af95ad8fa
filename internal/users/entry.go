// Package users maintains the cached user-account database synchronized
// from backend servers and the (user, host, db) matching algorithm used
// during client authentication (spec.md §4.2; grounded on
// original_source/server/modules/protocol/MariaDB/user_data.{cc,hh}).
package users

import (
	"bytes"
	"net"
	"sort"
	"strings"
)

// Entry is one row of mysql.user: a username/host-pattern pair together
// with its credentials and privilege bits (spec.md §3).
type Entry struct {
	Username       string
	HostPattern    string
	PasswordHash   []byte // SHA1(SHA1(password)), as stored by MariaDB
	AuthPlugin     string
	IsRole         bool
	DefaultRole    string
	GlobalDBPriv   bool
	SuperPriv      bool
	ProxyPriv      bool
	SSLRequired    bool
}

// Equal reports whether e and other hold the same field values, used in
// place of == since PasswordHash is a []byte and structs containing
// slices aren't comparable with Go's built-in equality operator.
func (e Entry) Equal(other Entry) bool {
	return e.Username == other.Username &&
		e.HostPattern == other.HostPattern &&
		bytes.Equal(e.PasswordHash, other.PasswordHash) &&
		e.AuthPlugin == other.AuthPlugin &&
		e.IsRole == other.IsRole &&
		e.DefaultRole == other.DefaultRole &&
		e.GlobalDBPriv == other.GlobalDBPriv &&
		e.SuperPriv == other.SuperPriv &&
		e.ProxyPriv == other.ProxyPriv &&
		e.SSLRequired == other.SSLRequired
}

// patternType classifies a host pattern the way §4.2 step 2 does.
type patternType int

const (
	patternUnknown patternType = iota
	patternAddress
	patternMask
	patternHostname
	patternWildcard
)

func classifyPattern(pattern string) patternType {
	if pattern == "" || pattern == "%" {
		return patternWildcard
	}
	if strings.Contains(pattern, "/") {
		return patternMask
	}
	if isLeadingNumericDot(pattern) {
		// Leading numeric-dot: treat as address-only to avoid
		// unnecessary DNS (§4.2 step 2, WILDCARD case).
		if strings.ContainsAny(pattern, "%_") {
			return patternWildcard
		}
		return patternAddress
	}
	if strings.ContainsAny(pattern, "%_") {
		return patternWildcard
	}
	if net.ParseIP(pattern) != nil {
		return patternAddress
	}
	return patternHostname
}

func isLeadingNumericDot(s string) bool {
	if len(s) == 0 {
		return false
	}
	c := s[0]
	return c >= '0' && c <= '9'
}

// specificity orders entries for a username from most to least specific:
// literal address/mask patterns before wildcards/hostnames, and within a
// class, longer (more specific) patterns before shorter ones (spec.md §3).
func specificity(pattern string) (class int, length int) {
	switch classifyPattern(pattern) {
	case patternAddress, patternMask:
		return 0, len(pattern)
	case patternHostname:
		return 1, len(pattern)
	default:
		return 2, len(pattern)
	}
}

// sortEntries orders a username's entry list per the §3 invariant: literals
// before wildcards, longer prefixes before shorter, ties broken by pattern
// text for determinism.
func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		ci, li := specificity(entries[i].HostPattern)
		cj, lj := specificity(entries[j].HostPattern)
		if ci != cj {
			return ci < cj
		}
		if li != lj {
			return li > lj
		}
		return entries[i].HostPattern < entries[j].HostPattern
	})
}
