package config

import (
	"strconv"
	"strings"

	"github.com/llarp-go/llarp-go/pkg/logging"
)

// BindAddr is one inbound link address to listen on.
type BindAddr struct {
	Interface string
	Address   string
}

// Settings is the effect of consuming a Triple stream: the typed
// fields every recognised (section, key) pair in spec.md §6 resolves
// to. Unknown keys never reach here — Apply logs and drops them.
type Settings struct {
	NetID    string
	Nickname string

	EncryptionPrivkeyPath string
	IdentPrivkeyPath      string
	TransportPrivkeyPath  string
	ContactFilePath       string

	PublicAddress string
	PublicPort    int

	ServiceNode bool
	Exit        bool

	MinRequiredRouters  int
	MinConnectedRouters int

	Binds []BindAddr

	ProfilesPath  string
	StrictConnect []string
	AllowTransit  bool

	Connect         []string
	BootstrapFiles  []string

	LokidEnabled bool
	JSONRPCAddr  string

	NodeDBDir string
}

// Apply consumes triples in order, recognising the (section, key)
// pairs spec.md §6 names and accumulating their effects into a
// Settings. Any other pair is "ignored with a warning", per the spec's
// explicit unknown-key policy.
func Apply(triples []Triple, log *logging.Logger) *Settings {
	s := &Settings{}
	for _, t := range triples {
		switch t.Section {
		case "router":
			applyRouterKey(s, t, log)
		case "bind":
			s.Binds = append(s.Binds, BindAddr{Interface: t.Key, Address: t.Value})
		case "network":
			applyNetworkKey(s, t, log)
		case "connect":
			s.Connect = append(s.Connect, t.Value)
		case "bootstrap":
			if t.Key == "add-node" {
				s.BootstrapFiles = append(s.BootstrapFiles, t.Value)
			} else {
				warnUnknown(log, t)
			}
		case "lokid":
			applyLokidKey(s, t, log)
		case "netdb":
			if t.Key == "dir" {
				s.NodeDBDir = t.Value
			} else {
				warnUnknown(log, t)
			}
		default:
			warnUnknown(log, t)
		}
	}
	return s
}

func applyRouterKey(s *Settings, t Triple, log *logging.Logger) {
	switch t.Key {
	case "netid":
		s.NetID = t.Value
	case "nickname":
		s.Nickname = t.Value
	case "encryption-privkey":
		s.EncryptionPrivkeyPath = t.Value
	case "ident-privkey":
		s.IdentPrivkeyPath = t.Value
	case "transport-privkey":
		s.TransportPrivkeyPath = t.Value
	case "contact-file":
		s.ContactFilePath = t.Value
	case "public-address":
		s.PublicAddress = t.Value
	case "public-port":
		s.PublicPort = atoiOrZero(t.Value)
	case "service-node":
		s.ServiceNode = t.Value == "true"
	case "exit":
		s.Exit = t.Value == "true"
	case "min-required-routers":
		s.MinRequiredRouters = atoiOrZero(t.Value)
	case "min-connected-routers":
		s.MinConnectedRouters = atoiOrZero(t.Value)
	default:
		warnUnknown(log, t)
	}
}

func applyNetworkKey(s *Settings, t Triple, log *logging.Logger) {
	switch t.Key {
	case "profiles":
		s.ProfilesPath = t.Value
	case "strict-connect":
		s.StrictConnect = append(s.StrictConnect, t.Value)
	case "allow-transit":
		s.AllowTransit = t.Value == "true"
	default:
		warnUnknown(log, t)
	}
}

func applyLokidKey(s *Settings, t Triple, log *logging.Logger) {
	switch t.Key {
	case "enabled":
		s.LokidEnabled = t.Value == "true"
	case "jsonrpc":
		s.JSONRPCAddr = t.Value
	default:
		warnUnknown(log, t)
	}
}

func warnUnknown(log *logging.Logger, t Triple) {
	if log != nil {
		log.Warnf("config: ignoring unrecognised key", "section", t.Section, "key", t.Key)
	}
}

func atoiOrZero(s string) int {
	s = strings.TrimSpace(s)
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
