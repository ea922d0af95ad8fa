// Package config loads the proxy's topology and policy from an INI file,
// extending the teacher's flat listen/primary/replicas shape with
// MaxScale-style objects: servers, monitors, services, and listeners
// (spec.md §6, SPEC_FULL.md §2 "Configuration").
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/mxgateway/mxgateway/internal/readwrite"
	"github.com/mxgateway/mxgateway/internal/users"
)

// Server is one backend instance definition (an `[server:NAME]` section).
type Server struct {
	Name string
	Addr string
	Rank int
}

// Monitor watches a set of servers and assigns them roles (a
// `[monitor:NAME]` section). The proxy's health-probing loop (a minimal
// stand-in for a full MaxScale monitor module, per spec.md §1 scope) is
// driven by this.
type Monitor struct {
	Name            string
	Servers         []string
	Interval        time.Duration
	MasterName      string
	ReplicationLagQuery string
}

// Service binds a set of servers to a read/write split policy (a
// `[service:NAME]` section).
type Service struct {
	Name                string
	Servers             []string
	SelectionFunction   readwrite.SelectionFunction
	MasterAcceptsReads  bool
	MaxReplicationLag   int
	CausalReads         readwrite.CausalReadMode
	MaxSlaveConnections int
	LazyConnect         bool
}

// Listener accepts client connections for one service (a
// `[listener:NAME]` section).
type Listener struct {
	Name        string
	Address     string
	Service     string
	TLSCert      string
	TLSKey       string
	RequireTLS  bool
	Passthrough bool
	ProxyProtocol     bool
	ProxyProtocolCIDRs []string
}

// UserSource configures the background user/grant loader (spec.md §4.2).
type UserSource struct {
	AdminUser          string
	AdminPassword      string
	MinRefreshInterval time.Duration
	MaxRefreshInterval time.Duration
	UnionOverBackends  bool
	StripDBEscapes     bool
	UsersFile          string
	UsersFileUsage     users.UsersFileUsage
}

// Config is the fully parsed topology.
type Config struct {
	Servers   map[string]Server
	Monitors  map[string]Monitor
	Services  map[string]Service
	Listeners map[string]Listener
	Users     UserSource
	PIDFile   string
	MetricsAddr string
}

// Load reads path as an INI file and builds a Config, then applies the
// MXGATEWAY_PIDFILE and MXGATEWAY_METRICS_ADDR environment overrides.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	cfg := &Config{
		Servers:   map[string]Server{},
		Monitors:  map[string]Monitor{},
		Services:  map[string]Service{},
		Listeners: map[string]Listener{},
	}

	for _, sec := range f.Sections() {
		name := sec.Name()
		switch {
		case strings.HasPrefix(name, "server:"):
			s := parseServer(sec, strings.TrimPrefix(name, "server:"))
			cfg.Servers[s.Name] = s
		case strings.HasPrefix(name, "monitor:"):
			m := parseMonitor(sec, strings.TrimPrefix(name, "monitor:"))
			cfg.Monitors[m.Name] = m
		case strings.HasPrefix(name, "service:"):
			svc := parseService(sec, strings.TrimPrefix(name, "service:"))
			cfg.Services[svc.Name] = svc
		case strings.HasPrefix(name, "listener:"):
			l := parseListener(sec, strings.TrimPrefix(name, "listener:"))
			cfg.Listeners[l.Name] = l
		case name == "users":
			cfg.Users = parseUserSource(sec)
		case name == "mxgateway":
			cfg.PIDFile = sec.Key("pidfile").MustString("/var/run/mxgateway.pid")
			cfg.MetricsAddr = sec.Key("metrics_addr").MustString(":9090")
		}
	}

	if v := os.Getenv("MXGATEWAY_PIDFILE"); v != "" {
		cfg.PIDFile = v
	}
	if v := os.Getenv("MXGATEWAY_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	return cfg, nil
}

// RouterConfig translates a Service's INI-level policy into the
// readwrite package's Config, consumed by one RouterSession per client.
func (s Service) RouterConfig() readwrite.Config {
	return readwrite.Config{
		SelectionFunction:   s.SelectionFunction,
		MasterAcceptsReads:  s.MasterAcceptsReads,
		MaxReplicationLag:   s.MaxReplicationLag,
		CausalMode:          s.CausalReads,
		MaxSlaveConnections: s.MaxSlaveConnections,
		LazyConnect:         s.LazyConnect,
	}
}

func parseServer(sec *ini.Section, name string) Server {
	return Server{
		Name: name,
		Addr: sec.Key("address").MustString("127.0.0.1:3306"),
		Rank: sec.Key("rank").MustInt(0),
	}
}

func parseMonitor(sec *ini.Section, name string) Monitor {
	return Monitor{
		Name:                name,
		Servers:             splitList(sec.Key("servers").String()),
		Interval:            sec.Key("monitor_interval").MustDuration(2 * time.Second),
		MasterName:          sec.Key("master").String(),
		ReplicationLagQuery: sec.Key("replication_lag_query").MustString("SHOW SLAVE STATUS"),
	}
}

func parseService(sec *ini.Section, name string) Service {
	return Service{
		Name:                name,
		Servers:             splitList(sec.Key("servers").String()),
		SelectionFunction:   parseSelectionFunction(sec.Key("router_options").MustString("LEAST_ROUTER_CONNECTIONS")),
		MasterAcceptsReads:  sec.Key("master_accepts_reads").MustBool(false),
		MaxReplicationLag:   sec.Key("max_replication_lag").MustInt(0),
		CausalReads:         parseCausalMode(sec.Key("causal_reads").MustString("none")),
		MaxSlaveConnections: sec.Key("max_slave_connections").MustInt(255),
		LazyConnect:         sec.Key("lazy_connect").MustBool(true),
	}
}

func parseListener(sec *ini.Section, name string) Listener {
	return Listener{
		Name:               name,
		Address:            sec.Key("address").MustString(":3306"),
		Service:            sec.Key("service").String(),
		TLSCert:            sec.Key("ssl_cert").String(),
		TLSKey:             sec.Key("ssl_key").String(),
		RequireTLS:         sec.Key("ssl_required").MustBool(false),
		Passthrough:        sec.Key("passthrough_auth").MustBool(false),
		ProxyProtocol:      sec.Key("proxy_protocol").MustBool(false),
		ProxyProtocolCIDRs: splitList(sec.Key("proxy_protocol_networks").String()),
	}
}

func parseUserSource(sec *ini.Section) UserSource {
	usage := users.FileUsageNone
	switch sec.Key("users_file_usage").MustString("none") {
	case "only":
		usage = users.FileUsageOnly
	case "add_when_load_ok":
		usage = users.FileUsageAddWhenLoadOK
	}
	return UserSource{
		AdminUser:          sec.Key("admin_user").String(),
		AdminPassword:      sec.Key("admin_password").String(),
		MinRefreshInterval: sec.Key("min_refresh_interval").MustDuration(1 * time.Second),
		MaxRefreshInterval: sec.Key("max_refresh_interval").MustDuration(30 * time.Second),
		UnionOverBackends:  sec.Key("union_over_backends").MustBool(false),
		StripDBEscapes:     sec.Key("strip_db_escapes").MustBool(true),
		UsersFile:          sec.Key("users_file").String(),
		UsersFileUsage:     usage,
	}
}

func parseSelectionFunction(v string) readwrite.SelectionFunction {
	switch strings.ToUpper(v) {
	case "LEAST_GLOBAL_CONNECTIONS":
		return readwrite.LeastGlobalConnections
	case "LEAST_BEHIND_MASTER":
		return readwrite.LeastBehindMaster
	case "LEAST_CURRENT_OPERATIONS":
		return readwrite.LeastCurrentOperations
	case "ADAPTIVE_ROUTING":
		return readwrite.AdaptiveRouting
	default:
		return readwrite.LeastRouterConnections
	}
}

func parseCausalMode(v string) readwrite.CausalReadMode {
	switch strings.ToLower(v) {
	case "fast":
		return readwrite.CausalReadFast
	case "fast_global":
		return readwrite.CausalReadFastGlobal
	case "universal":
		return readwrite.CausalReadFastUniversal
	default:
		return readwrite.CausalReadNone
	}
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
