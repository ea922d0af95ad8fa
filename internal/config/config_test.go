package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mxgateway/mxgateway/internal/readwrite"
	"github.com/mxgateway/mxgateway/internal/users"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mxgateway.ini")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const sampleConfig = `
[server:db1]
address = 10.0.0.1:3306
rank = 1

[server:db2]
address = 10.0.0.2:3306
rank = 2

[monitor:cluster]
servers = db1,db2
monitor_interval = 1s
master = db1

[service:reads]
servers = db1,db2
router_options = LEAST_CURRENT_OPERATIONS
master_accepts_reads = true
causal_reads = fast
max_slave_connections = 10

[listener:main]
address = :3306
service = reads
ssl_cert = /etc/mx/cert.pem
ssl_key = /etc/mx/key.pem
ssl_required = true
proxy_protocol = true
proxy_protocol_networks = 10.0.0.0/8, 192.168.0.0/16

[users]
admin_user = admin
users_file_usage = add_when_load_ok

[mxgateway]
pidfile = /tmp/mx.pid
metrics_addr = :9999
`

func TestLoadParsesAllSections(t *testing.T) {
	path := writeTemp(t, sampleConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.Servers["db1"].Addr; got != "10.0.0.1:3306" {
		t.Fatalf("db1 addr = %q", got)
	}
	if got := cfg.Servers["db2"].Rank; got != 2 {
		t.Fatalf("db2 rank = %d", got)
	}

	mon, ok := cfg.Monitors["cluster"]
	if !ok || len(mon.Servers) != 2 || mon.MasterName != "db1" {
		t.Fatalf("monitor = %+v ok=%v", mon, ok)
	}

	svc, ok := cfg.Services["reads"]
	if !ok {
		t.Fatalf("missing service reads")
	}
	if svc.SelectionFunction != readwrite.LeastCurrentOperations {
		t.Fatalf("selection function = %v", svc.SelectionFunction)
	}
	if !svc.MasterAcceptsReads || svc.CausalReads != readwrite.CausalReadFast {
		t.Fatalf("service = %+v", svc)
	}
	if rc := svc.RouterConfig(); rc.MaxSlaveConnections != 10 {
		t.Fatalf("router config = %+v", rc)
	}

	l, ok := cfg.Listeners["main"]
	if !ok || !l.RequireTLS || !l.ProxyProtocol || len(l.ProxyProtocolCIDRs) != 2 {
		t.Fatalf("listener = %+v ok=%v", l, ok)
	}

	if cfg.Users.AdminUser != "admin" || cfg.Users.UsersFileUsage != users.FileUsageAddWhenLoadOK {
		t.Fatalf("users = %+v", cfg.Users)
	}

	if cfg.PIDFile != "/tmp/mx.pid" || cfg.MetricsAddr != ":9999" {
		t.Fatalf("pidfile/metrics = %q %q", cfg.PIDFile, cfg.MetricsAddr)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeTemp(t, sampleConfig)
	t.Setenv("MXGATEWAY_PIDFILE", "/var/run/override.pid")
	t.Setenv("MXGATEWAY_METRICS_ADDR", ":1234")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PIDFile != "/var/run/override.pid" {
		t.Fatalf("pidfile override = %q", cfg.PIDFile)
	}
	if cfg.MetricsAddr != ":1234" {
		t.Fatalf("metrics override = %q", cfg.MetricsAddr)
	}
}

func TestParseSelectionFunctionDefaultsToLeastRouterConnections(t *testing.T) {
	if got := parseSelectionFunction("bogus"); got != readwrite.LeastRouterConnections {
		t.Fatalf("got %v", got)
	}
}

func TestParseCausalModeDefaultsToNone(t *testing.T) {
	if got := parseCausalMode(""); got != readwrite.CausalReadNone {
		t.Fatalf("got %v", got)
	}
}

func TestSplitListTrimsAndDropsEmpty(t *testing.T) {
	got := splitList(" a, b ,, c")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}
