// Command llarp-go runs the onion-routed overlay router daemon: it
// loads a YAML configuration file, brings up the identity and
// transport keys, constructs the Router Orchestrator (pkg/router) and
// its NodeDB/LinkManager/DHT/Path components, opens any configured
// inbound listeners, and runs until interrupted. Grounded on the
// teacher's cmd/reticulum-go/main.go: flag-parsed debug level, a
// thin debugLog wrapper, fatal-on-setup-error, SIGINT/SIGTERM shutdown.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/llarp-go/llarp-go/internal/config"
	"github.com/llarp-go/llarp-go/pkg/identity"
	"github.com/llarp-go/llarp-go/pkg/linksession"
	"github.com/llarp-go/llarp-go/pkg/logging"
	"github.com/llarp-go/llarp-go/pkg/rc"
	"github.com/llarp-go/llarp-go/pkg/router"
)

var (
	configPath = flag.String("config", "/etc/llarp/llarp.yaml", "path to the router configuration file")
	debugLevel = flag.Int("debug", logging.Info, "log verbosity: 1=critical 2=error 3=info 4=verbose 5=trace")
)

func main() {
	flag.Parse()

	logger := logging.New(*debugLevel)
	logger.Infof("llarp-go starting", "config", *configPath)

	if err := run(logger); err != nil {
		log.Fatalf("llarp-go: %v", err)
	}
}

func run(logger *logging.Logger) error {
	file, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	settings := config.Apply(file.Triples(), logger)

	if settings.IdentPrivkeyPath == "" {
		settings.IdentPrivkeyPath = "identity.key"
	}
	if settings.TransportPrivkeyPath == "" {
		settings.TransportPrivkeyPath = "transport.key"
	}
	if settings.NodeDBDir == "" {
		settings.NodeDBDir = "netdb"
	}

	self, err := identity.EnsureKeys(settings.IdentPrivkeyPath)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	transportPub, _, err := linksession.EnsureKeys(settings.TransportPrivkeyPath)
	if err != nil {
		return fmt.Errorf("load transport keys: %w", err)
	}

	addrs := buildAddressInfo(settings, transportPub, logger)

	r, err := router.New(router.Config{
		Self:                self,
		NetID:               settings.NetID,
		Nickname:            settings.Nickname,
		ServiceNode:         settings.ServiceNode,
		IsExit:              settings.Exit,
		Addrs:               addrs,
		NodeDBDir:           settings.NodeDBDir,
		MinRequiredRouters:  settings.MinRequiredRouters,
		AllowTransit:        settings.AllowTransit,
		MinConnectedRouters: settings.MinConnectedRouters,
		TransportKey:        transportPub,
		Dialer:              linksession.TCPDialer{},
		Log:                 logger,
	})
	if err != nil {
		return fmt.Errorf("construct router: %w", err)
	}

	if settings.ContactFilePath != "" {
		if err := os.WriteFile(settings.ContactFilePath, r.OurRC().Encode(), 0o644); err != nil {
			logger.Warnf("failed writing our own contact file", "path", settings.ContactFilePath, "err", err.Error())
		}
	}

	for _, bootstrapPath := range settings.BootstrapFiles {
		buf, readErr := os.ReadFile(bootstrapPath)
		if readErr != nil {
			logger.Warnf("bootstrap: cannot read file", "path", bootstrapPath, "err", readErr.Error())
			continue
		}
		contact, decErr := rc.Decode(buf)
		if decErr != nil {
			logger.Warnf("bootstrap: cannot decode contact", "path", bootstrapPath, "err", decErr.Error())
			continue
		}
		r.AddBootstrapRC(contact)
	}

	if err := openInboundLinks(r, settings, transportPub, logger); err != nil {
		return err
	}

	r.Start()
	logger.Infof("router started", "netid", settings.NetID, "service-node", strconv.FormatBool(settings.ServiceNode))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("shutting down")
	r.Stop()
	return nil
}

// buildAddressInfo turns the configured bind entries into the
// AddressInfo list advertised in our RC, per spec.md §6: each bind
// entry contributes one address, reachable at the configured
// public-address/public-port when set, else at the bind's own
// address/port.
func buildAddressInfo(settings *config.Settings, transportPub []byte, logger *logging.Logger) []rc.AddressInfo {
	addrs := make([]rc.AddressInfo, 0, len(settings.Binds))
	for _, b := range settings.Binds {
		_, bindPort, err := net.SplitHostPort(b.Address)
		if err != nil {
			logger.Warnf("config: skipping unparsable bind address", "interface", b.Interface, "address", b.Address)
			continue
		}

		host := settings.PublicAddress
		if host == "" {
			host, _, _ = net.SplitHostPort(b.Address)
		}
		port := settings.PublicPort
		if port == 0 {
			port, _ = strconv.Atoi(bindPort)
		}

		addrs = append(addrs, rc.AddressInfo{
			Family:  "ip4",
			Address: host,
			Port:    uint16(port),
			PubKey:  transportPub,
		})
	}
	return addrs
}

// openInboundLinks opens a TCP listener for every configured bind
// entry and registers it with the router, per spec.md §4.2.
func openInboundLinks(r *router.Router, settings *config.Settings, transportPub []byte, logger *logging.Logger) error {
	for _, b := range settings.Binds {
		ln, err := linksession.ListenTCP(b.Address, transportPub)
		if err != nil {
			return fmt.Errorf("listen on %s (%s): %w", b.Interface, b.Address, err)
		}
		r.AddInboundLink(ln)
		logger.Infof("listening for inbound links", "interface", b.Interface, "addr", b.Address)
	}
	return nil
}
