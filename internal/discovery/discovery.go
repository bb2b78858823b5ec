// Package discovery advertises a running gateway on the local network over
// mDNS/DNS-SD and finds gateways advertised by others.
//
// Advertisement is opt-in. It reveals the address, the protocol version and
// whether the gateway serves TLS; API access is still governed by the
// gateway's own restrictions.
package discovery

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service type of chatgate gateways.
const ServiceType = "_chatgate._tcp"

// ProtocolVersion is advertised so clients can detect incompatible gateways.
const ProtocolVersion = "1"

const domain = "local."

// Info describes an advertised gateway.
type Info struct {
	// Name is the instance name. Defaults to the hostname.
	Name string

	// Host is the resolved address. Set by Browse only.
	Host string

	Port int

	// Version is the advertised protocol version.
	Version string

	// TLS reports whether the gateway serves HTTPS and WSS.
	TLS bool

	// Fingerprint is the SHA-256 fingerprint of the gateway certificate
	// when TLS is on.
	Fingerprint string
}

// Advertiser registers one gateway with the local mDNS responder.
type Advertiser struct {
	info Info

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser creates an advertiser for info. Host and Version are
// ignored; the protocol version is always ProtocolVersion.
func NewAdvertiser(info Info) *Advertiser {
	if info.Name == "" {
		name, err := os.Hostname()
		if err != nil {
			name = "chatgate"
		}
		info.Name = name
	}
	info.Version = ProtocolVersion
	return &Advertiser{info: info}
}

// Start registers the service. Calling Start while running is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	server, err := zeroconf.Register(a.info.Name, ServiceType, domain, a.info.Port, txtRecords(a.info), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	a.server = server
	log.Printf("discovery: advertising %s as %q on port %d", ServiceType, a.info.Name, a.info.Port)
	return nil
}

// Stop unregisters the service. Safe to call repeatedly or before Start.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		log.Printf("discovery: advertisement stopped")
	}
}

// IsRunning reports whether the service is registered.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// txtRecords encodes info as DNS-SD TXT strings.
func txtRecords(info Info) []string {
	records := []string{
		"version=" + info.Version,
		"name=" + info.Name,
	}
	if info.TLS {
		records = append(records, "tls=1")
		if info.Fingerprint != "" {
			records = append(records, "fp="+info.Fingerprint)
		}
	}
	return records
}

// parseTXT applies TXT strings to info. Unknown keys are ignored.
func parseTXT(info *Info, records []string) {
	for _, txt := range records {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case "version":
			info.Version = value
		case "name":
			info.Name = value
		case "tls":
			info.TLS = value == "1"
		case "fp":
			info.Fingerprint = value
		}
	}
}

// Browse collects gateways until ctx is done. Results are sorted by name.
func Browse(ctx context.Context) ([]Info, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var (
		found []Info
		wg    sync.WaitGroup
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		// zeroconf closes entries when ctx is done.
		for entry := range entries {
			info := Info{Name: entry.Instance, Port: entry.Port}
			if len(entry.AddrIPv4) > 0 {
				info.Host = entry.AddrIPv4[0].String()
			} else if len(entry.AddrIPv6) > 0 {
				info.Host = entry.AddrIPv6[0].String()
			}
			parseTXT(&info, entry.Text)
			found = append(found, info)
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, domain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-ctx.Done()
	wg.Wait()

	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	return found, nil
}
