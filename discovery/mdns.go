package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMDNSService is the mDNS service name without domain suffix.
	DefaultMDNSService = "_netxend._tcp"
	// DefaultMDNSDomain is the mDNS domain.
	DefaultMDNSDomain = "local."
	// DefaultMDNSVersion is the TXT record protocol version.
	DefaultMDNSVersion = 1
	// DefaultBrowseTimeout bounds each browse window.
	DefaultBrowseTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls the optional mDNS announcer and browser.
type MDNSConfig struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	BrowseTimeout   time.Duration

	Identity DisplayNameProvider
	// TransferPort is advertised as the service port.
	TransferPort int
	LocalAddrs   AddrSet

	Table *PeerTable
	Now   func() time.Time

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultMDNSService
	}
	if out.Domain == "" {
		out.Domain = DefaultMDNSDomain
	}
	if out.Version == 0 {
		out.Version = DefaultMDNSVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultProbeInterval
	}
	if out.BrowseTimeout <= 0 {
		out.BrowseTimeout = DefaultBrowseTimeout
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c MDNSConfig) validate() error {
	if c.Identity == nil || strings.TrimSpace(c.Identity.DisplayName()) == "" {
		return errors.New("display name is required")
	}
	if c.TransferPort <= 0 {
		return errors.New("transfer port must be > 0")
	}
	if c.Table == nil {
		return errors.New("peer table is required")
	}
	return nil
}

// MDNS advertises this host over mDNS and browses for other instances,
// registering them in the shared Peer Table alongside broadcast discovery.
type MDNS struct {
	cfg    MDNSConfig
	server *zeroconf.Server
	browse browseFunc

	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// StartMDNS registers the service and starts periodic browsing.
func StartMDNS(config MDNSConfig) (*MDNS, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	name := cfg.Identity.DisplayName()
	txt := []string{
		"hostname=" + name,
		"version=" + strconv.Itoa(cfg.Version),
	}
	server, err := cfg.registerFn(name, cfg.Service, cfg.Domain, cfg.TransferPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			if server != nil {
				server.Shutdown()
			}
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	m := &MDNS{
		cfg:    cfg,
		server: server,
		browse: browse,
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.loop()

	logger.WithFields(logrus.Fields{
		"service": cfg.Service,
		"name":    name,
		"port":    cfg.TransferPort,
	}).Info("mDNS started")
	return m, nil
}

// Stop stops browsing and withdraws the advertisement.
func (m *MDNS) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
		if m.server != nil {
			m.server.Shutdown()
		}
	})
}

func (m *MDNS) loop() {
	defer m.wg.Done()

	m.runBrowse()

	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runBrowse()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *MDNS) runBrowse() {
	browseCtx, cancel := context.WithTimeout(m.ctx, m.cfg.BrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-browseCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				m.registerEntry(entry)
			}
		}
	}()

	if err := m.browse(browseCtx, m.cfg.Service, m.cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Warn("mDNS browse failed")
		cancel()
	}

	<-browseCtx.Done()
	<-collectorDone
}

func (m *MDNS) registerEntry(entry *zeroconf.ServiceEntry) {
	name := entryName(entry)
	now := m.cfg.Now()
	for _, raw := range entry.AddrIPv4 {
		ip, ok := netip.AddrFromSlice(raw)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if m.cfg.LocalAddrs.Contains(ip) {
			continue
		}
		m.cfg.Table.Upsert(ip.String(), name, now)
	}
}

func entryName(entry *zeroconf.ServiceEntry) string {
	txt := txtToMap(entry.Text)
	if name := txt["hostname"]; name != "" {
		return name
	}
	if name := strings.TrimSpace(entry.Instance); name != "" {
		return name
	}
	return strings.TrimSuffix(strings.TrimSpace(entry.HostName), ".")
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
