package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/llarp-go/llarp-go/pkg/logging"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "llarp.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadAndTriples(t *testing.T) {
	path := writeTempConfig(t, `
router:
  netid: testnet
  nickname: relay1
  public-address: 10.0.0.1
  public-port: 1090
  service-node: true
bind:
  - interface: eth0
    address: 0.0.0.0
    port: 1090
network:
  profiles: /var/lib/llarp/profiles.dat
  strict-connect:
    - deadbeef
  allow-transit: true
connect:
  - peer1.signed
bootstrap:
  add-node:
    - bootstrap.signed
netdb:
  dir: /var/lib/llarp/netdb
`)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if f.Router.NetID != "testnet" {
		t.Errorf("Router.NetID = %q; want testnet", f.Router.NetID)
	}
	if len(f.Bind) != 1 || f.Bind[0].Interface != "eth0" {
		t.Fatalf("Bind = %+v; want one eth0 entry", f.Bind)
	}

	triples := f.Triples()
	want := map[string]string{
		"router.netid":           "testnet",
		"router.nickname":        "relay1",
		"router.public-address":  "10.0.0.1",
		"router.public-port":     "1090",
		"router.service-node":    "true",
		"bind.eth0":              "0.0.0.0:1090",
		"network.profiles":       "/var/lib/llarp/profiles.dat",
		"network.strict-connect": "deadbeef",
		"network.allow-transit":  "true",
		"connect.*":              "peer1.signed",
		"bootstrap.add-node":     "bootstrap.signed",
		"netdb.dir":              "/var/lib/llarp/netdb",
	}
	got := map[string]string{}
	for _, tr := range triples {
		got[tr.Section+"."+tr.Key] = tr.Value
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("triple %q = %q; want %q", k, got[k], v)
		}
	}
}

func TestApplyUnknownKeyIgnored(t *testing.T) {
	triples := []Triple{
		{Section: "router", Key: "netid", Value: "foonet"},
		{Section: "router", Key: "bogus-key", Value: "whatever"},
		{Section: "bogus-section", Key: "x", Value: "y"},
	}
	s := Apply(triples, logging.New(logging.Critical))
	if s.NetID != "foonet" {
		t.Errorf("NetID = %q; want foonet", s.NetID)
	}
}

func TestApplyAccumulatesRepeatedKeys(t *testing.T) {
	triples := []Triple{
		{Section: "bind", Key: "eth0", Value: "0.0.0.0:1090"},
		{Section: "bind", Key: "eth1", Value: "127.0.0.1:1091"},
		{Section: "bootstrap", Key: "add-node", Value: "a.signed"},
		{Section: "bootstrap", Key: "add-node", Value: "b.signed"},
	}
	s := Apply(triples, nil)
	if len(s.Binds) != 2 {
		t.Fatalf("Binds = %+v; want 2 entries", s.Binds)
	}
	if len(s.BootstrapFiles) != 2 || s.BootstrapFiles[0] != "a.signed" || s.BootstrapFiles[1] != "b.signed" {
		t.Errorf("BootstrapFiles = %v; want [a.signed b.signed]", s.BootstrapFiles)
	}
}

func TestApplyBooleanAndIntDefaults(t *testing.T) {
	s := Apply(nil, nil)
	if s.ServiceNode || s.Exit || s.AllowTransit || s.LokidEnabled {
		t.Errorf("Settings zero value should have every bool false: %+v", s)
	}
	if s.MinRequiredRouters != 0 || s.MinConnectedRouters != 0 {
		t.Errorf("Settings zero value should have zero router minimums: %+v", s)
	}
}
