// Package config loads the daemon's YAML configuration file and
// flattens it into the (section, key, value) triple stream spec.md §6
// describes as the abstract configuration interface the orchestrator
// consumes. Parsing the file itself is an outer concern (spec.md §1
// places "configuration file parsing" out of scope for the core), but
// something has to produce the triples the core expects — this package
// is that producer, grounded on the teacher's
// pkg/config/config.go (plain nested-struct-plus-yaml.v3 shape).
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// BindEntry is one `bind.<iface>` inbound link to open, per spec.md §6.
type BindEntry struct {
	Interface string `yaml:"interface"`
	Address   string `yaml:"address"`
	Port      int    `yaml:"port"`
}

// File is the on-disk YAML shape, grouped the way spec.md §6 groups
// recognised sections: router, bind, network, connect, bootstrap,
// lokid, netdb.
type File struct {
	Router struct {
		NetID               string `yaml:"netid"`
		Nickname            string `yaml:"nickname"`
		EncryptionPrivkey   string `yaml:"encryption-privkey"`
		IdentPrivkey        string `yaml:"ident-privkey"`
		TransportPrivkey    string `yaml:"transport-privkey"`
		ContactFile         string `yaml:"contact-file"`
		PublicAddress       string `yaml:"public-address"`
		PublicPort          int    `yaml:"public-port"`
		ServiceNode         bool   `yaml:"service-node"`
		Exit                bool   `yaml:"exit"`
		MinRequiredRouters  int    `yaml:"min-required-routers"`
		MinConnectedRouters int    `yaml:"min-connected-routers"`
	} `yaml:"router"`

	Bind []BindEntry `yaml:"bind"`

	Network struct {
		Profiles      string   `yaml:"profiles"`
		StrictConnect []string `yaml:"strict-connect"`
		AllowTransit  bool     `yaml:"allow-transit"`
	} `yaml:"network"`

	Connect   []string `yaml:"connect"`
	Bootstrap struct {
		AddNode []string `yaml:"add-node"`
	} `yaml:"bootstrap"`

	Lokid struct {
		Enabled bool   `yaml:"enabled"`
		JSONRPC string `yaml:"jsonrpc"`
	} `yaml:"lokid"`

	NetDB struct {
		Dir string `yaml:"dir"`
	} `yaml:"netdb"`
}

// Load reads and parses path as YAML into a File.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &f, nil
}

// Triple is one (section, key, value) configuration fact, per
// spec.md §6's abstract configuration interface.
type Triple struct {
	Section string
	Key     string
	Value   string
}

// Triples flattens f into the stream spec.md §6 describes. Bind
// entries and bootstrap/connect lists each produce one triple per
// entry, matching the "bind.<iface>" / "connect.* / bootstrap.add-node"
// repeated-key convention named in the spec.
func (f *File) Triples() []Triple {
	var out []Triple
	add := func(section, key, value string) {
		out = append(out, Triple{Section: section, Key: key, Value: value})
	}

	if f.Router.NetID != "" {
		add("router", "netid", f.Router.NetID)
	}
	if f.Router.Nickname != "" {
		add("router", "nickname", f.Router.Nickname)
	}
	if f.Router.EncryptionPrivkey != "" {
		add("router", "encryption-privkey", f.Router.EncryptionPrivkey)
	}
	if f.Router.IdentPrivkey != "" {
		add("router", "ident-privkey", f.Router.IdentPrivkey)
	}
	if f.Router.TransportPrivkey != "" {
		add("router", "transport-privkey", f.Router.TransportPrivkey)
	}
	if f.Router.ContactFile != "" {
		add("router", "contact-file", f.Router.ContactFile)
	}
	if f.Router.PublicAddress != "" {
		add("router", "public-address", f.Router.PublicAddress)
	}
	if f.Router.PublicPort != 0 {
		add("router", "public-port", strconv.Itoa(f.Router.PublicPort))
	}
	if f.Router.ServiceNode {
		add("router", "service-node", "true")
	}
	if f.Router.Exit {
		add("router", "exit", "true")
	}
	if f.Router.MinRequiredRouters != 0 {
		add("router", "min-required-routers", strconv.Itoa(f.Router.MinRequiredRouters))
	}
	if f.Router.MinConnectedRouters != 0 {
		add("router", "min-connected-routers", strconv.Itoa(f.Router.MinConnectedRouters))
	}

	for _, b := range f.Bind {
		add("bind", b.Interface, fmt.Sprintf("%s:%d", b.Address, b.Port))
	}

	if f.Network.Profiles != "" {
		add("network", "profiles", f.Network.Profiles)
	}
	for _, peer := range f.Network.StrictConnect {
		add("network", "strict-connect", peer)
	}
	if f.Network.AllowTransit {
		add("network", "allow-transit", "true")
	}

	for _, c := range f.Connect {
		add("connect", "*", c)
	}
	for _, b := range f.Bootstrap.AddNode {
		add("bootstrap", "add-node", b)
	}

	if f.Lokid.Enabled {
		add("lokid", "enabled", "true")
	}
	if f.Lokid.JSONRPC != "" {
		add("lokid", "jsonrpc", f.Lokid.JSONRPC)
	}

	if f.NetDB.Dir != "" {
		add("netdb", "dir", f.NetDB.Dir)
	}

	return out
}
