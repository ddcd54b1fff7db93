// Package discovery advertises the HTTP ingest port over mDNS so devices
// on the LAN can find the server without static configuration.
package discovery

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"

	"deviceserver/internal/logging"
)

const (
	serviceType = "_deviceingest._tcp"
	domain      = "local."
)

// Advertiser owns the lifecycle of one mDNS registration.
type Advertiser struct {
	log    *logging.Logger
	server *zeroconf.Server
}

// New returns an unstarted Advertiser.
func New(log *logging.Logger) *Advertiser {
	return &Advertiser{log: log}
}

// Start registers the service on port. Calling Start while already started
// replaces the previous registration.
func (a *Advertiser) Start(port int) error {
	if port <= 0 {
		return fmt.Errorf("discovery: invalid port %d", port)
	}
	a.Stop()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "device-server"
	}

	instance := sanitizeInstance(fmt.Sprintf("Device Ingest Server (%s)", hostname))
	hostLabel := sanitizeHost(hostname)
	hostFQDN := hostLabel
	if !strings.Contains(hostFQDN, ".") {
		hostFQDN = hostLabel + ".local"
	}

	txt := []string{
		fmt.Sprintf("http_port=%d", port),
		"tls=0",
		"proto=v1",
		fmt.Sprintf("host=%s", hostFQDN),
	}

	server, err := zeroconf.Register(instance, serviceType, domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("discovery: register: %w", err)
	}

	a.server = server
	a.log.Info("mDNS advertisement started: instance=%q port=%d", instance, port)
	return nil
}

// Stop withdraws the registration, if any.
func (a *Advertiser) Stop() {
	if a.server == nil {
		return
	}
	a.server.Shutdown()
	a.log.Info("mDNS advertisement stopped")
	a.server = nil
}

func sanitizeInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.ReplaceAll(cleaned, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, ".", " ")
	cleaned = strings.ReplaceAll(cleaned, "_", " ")
	if cleaned == "" {
		cleaned = "Device Ingest Server"
	}
	const maxLen = 63
	runes := []rune(cleaned)
	if len(runes) > maxLen {
		cleaned = string(runes[:maxLen])
	}
	return cleaned
}

func sanitizeHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	replacer := strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "")
	cleaned = replacer.Replace(cleaned)
	if cleaned == "" {
		cleaned = "device-server"
	}
	const maxLen = 63
	runes := []rune(cleaned)
	if len(runes) > maxLen {
		cleaned = string(runes[:maxLen])
	}
	return cleaned
}
