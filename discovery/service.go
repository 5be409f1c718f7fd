package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"netxend/models"
)

const (
	// DefaultPort is the UDP discovery port.
	DefaultPort = 65433
	// DefaultProbeInterval is the recurring announce interval.
	DefaultProbeInterval = 10 * time.Second
	// DefaultPeerTTL is the liveness threshold for peer records.
	DefaultPeerTTL = 30 * time.Second
	// DefaultProbeRepeat is how many times one probe round sends the probe.
	DefaultProbeRepeat = 3
	// DefaultProbeSpacing separates the repeated sends of one round.
	DefaultProbeSpacing = 100 * time.Millisecond
	// DefaultReceiveBackoff is the pause after a failed socket receive.
	DefaultReceiveBackoff = time.Second
)

var logger = logrus.WithField("component", "discovery")

// DisplayNameProvider returns the identity announced to other peers.
type DisplayNameProvider interface {
	DisplayName() string
}

// StaticName is a fixed DisplayNameProvider.
type StaticName string

// DisplayName returns n.
func (n StaticName) DisplayName() string {
	return string(n)
}

// Config controls the discovery responder and prober.
type Config struct {
	// ListenAddress overrides the bind address; defaults to ":<Port>".
	ListenAddress string
	Port          int

	Identity DisplayNameProvider

	// LocalAddrs is the self-suppression set. The zero value means "enumerate
	// interfaces once at start"; NewAddrSet() with no arguments disables
	// suppression.
	LocalAddrs AddrSet

	// BroadcastAddrs are probe destinations as "host" or "host:port".
	// Defaults to BroadcastTargets().
	BroadcastAddrs []string

	ProbeInterval  time.Duration
	ProbeRepeat    int
	ProbeSpacing   time.Duration
	PeerTTL        time.Duration
	ReceiveBackoff time.Duration

	Table *PeerTable
	Now   func() time.Time

	wrapConn func(packetConn) packetConn
}

func (c Config) withDefaults() Config {
	out := c
	if out.Port <= 0 {
		out.Port = DefaultPort
	}
	if out.ListenAddress == "" {
		out.ListenAddress = ":" + strconv.Itoa(out.Port)
	}
	if out.Identity == nil {
		name := "NetXend Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			name = host
		}
		out.Identity = StaticName(name)
	}
	if out.ProbeInterval <= 0 {
		out.ProbeInterval = DefaultProbeInterval
	}
	if out.ProbeRepeat <= 0 {
		out.ProbeRepeat = DefaultProbeRepeat
	}
	if out.ProbeSpacing <= 0 {
		out.ProbeSpacing = DefaultProbeSpacing
	}
	if out.PeerTTL <= 0 {
		out.PeerTTL = DefaultPeerTTL
	}
	if out.ReceiveBackoff <= 0 {
		out.ReceiveBackoff = DefaultReceiveBackoff
	}
	if out.Table == nil {
		out.Table = NewPeerTable(nil)
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// packetConn is the subset of *ipv4.PacketConn the loops use.
type packetConn interface {
	ReadFrom(b []byte) (int, *ipv4.ControlMessage, net.Addr, error)
	WriteTo(b []byte, cm *ipv4.ControlMessage, dst net.Addr) (int, error)
}

type scanRequest struct {
	ctx  context.Context
	done chan error
}

// Service answers discovery probes and announces this host. The responder
// and the prober share one UDP socket bound to the discovery port, so replies
// to our probes arrive on the responder's receive loop.
type Service struct {
	cfg   Config
	table *PeerTable

	conn    net.PacketConn
	pconn   packetConn
	targets []*net.UDPAddr

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	scanRequests chan scanRequest
}

// NewService applies defaults and resolves the probe targets.
func NewService(config Config) (*Service, error) {
	cfg := config.withDefaults()

	if cfg.LocalAddrs.addrs == nil {
		local, err := LocalAddrs()
		if err != nil {
			return nil, err
		}
		cfg.LocalAddrs = local
	}

	rawTargets := cfg.BroadcastAddrs
	if len(rawTargets) == 0 {
		rawTargets = BroadcastTargets()
	}
	targets, err := resolveTargets(rawTargets, cfg.Port)
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:          cfg,
		table:        cfg.Table,
		targets:      targets,
		scanRequests: make(chan scanRequest),
	}, nil
}

// Start creates, configures, starts, and returns a discovery service.
func Start(config Config) (*Service, error) {
	svc, err := NewService(config)
	if err != nil {
		return nil, err
	}
	if err := svc.Start(); err != nil {
		return nil, err
	}
	return svc, nil
}

// Start binds the discovery socket and launches the receive and probe loops.
func (s *Service) Start() error {
	s.startOnce.Do(func() {
		lc := net.ListenConfig{Control: controlDiscoverySocket}
		conn, err := lc.ListenPacket(context.Background(), "udp4", s.cfg.ListenAddress)
		if err != nil {
			s.startErr = fmt.Errorf("listen on %q: %w", s.cfg.ListenAddress, err)
			return
		}

		s.conn = conn
		pconn := ipv4.NewPacketConn(conn)
		if err := pconn.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
			logger.WithError(err).Debug("destination control messages unavailable")
		}
		s.pconn = pconn
		if s.cfg.wrapConn != nil {
			s.pconn = s.cfg.wrapConn(pconn)
		}

		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(2)
		go s.receiveLoop()
		go s.probeLoop()

		logger.WithFields(logrus.Fields{
			"addr":    conn.LocalAddr().String(),
			"name":    s.cfg.Identity.DisplayName(),
			"targets": len(s.targets),
			"local":   s.cfg.LocalAddrs.Strings(),
		}).Info("discovery started")
	})
	return s.startErr
}

// Stop closes the socket and waits for both loops to exit.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.wg.Wait()
		logger.Info("discovery stopped")
	})
}

// Addr returns the bound discovery address.
func (s *Service) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Table exposes the shared Peer Table.
func (s *Service) Table() *PeerTable {
	return s.table
}

// Peers returns the live peers, evicting stale records.
func (s *Service) Peers() []models.Peer {
	return s.table.Snapshot(s.cfg.Now(), s.cfg.PeerTTL)
}

// Scan triggers an immediate probe round. It returns once the probes are
// sent; replies are registered asynchronously by the receive loop.
func (s *Service) Scan(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("discovery service is not started")
	}

	req := scanRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.scanRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("discovery service is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("discovery service is stopped")
	}
}

func (s *Service) probeLoop() {
	defer s.wg.Done()

	// Announce immediately so peers learn about us without waiting a full interval.
	_ = s.runProbe(context.Background())

	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.runProbe(context.Background())
		case req := <-s.scanRequests:
			req.done <- s.runProbe(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) runProbe(requestCtx context.Context) error {
	ctx, cancel := context.WithCancel(requestCtx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	err := s.probeRound(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Warn("discovery probe round failed")
	}
	return err
}

func (s *Service) probeRound(ctx context.Context) error {
	payload, err := EncodeMessage(Message{
		Type:     TypeProbe,
		Hostname: s.cfg.Identity.DisplayName(),
	})
	if err != nil {
		return err
	}

	var lastErr error
	sent := 0
	for i := 0; i < s.cfg.ProbeRepeat; i++ {
		if i > 0 {
			timer := time.NewTimer(s.cfg.ProbeSpacing)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
		for _, target := range s.targets {
			if _, err := s.pconn.WriteTo(payload, nil, target); err != nil {
				lastErr = err
				logger.WithFields(logrus.Fields{
					"target": target.String(),
					"error":  err,
				}).Debug("send discovery probe")
				continue
			}
			sent++
		}
	}

	if sent == 0 && lastErr != nil {
		return fmt.Errorf("send discovery probe: %w", lastErr)
	}
	return nil
}

func (s *Service) receiveLoop() {
	defer s.wg.Done()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, cm, src, err := s.pconn.ReadFrom(buf)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.WithError(err).Warn("discovery receive failed, backing off")
			timer := time.NewTimer(s.cfg.ReceiveBackoff)
			select {
			case <-timer.C:
			case <-s.ctx.Done():
				timer.Stop()
				return
			}
			continue
		}
		s.handleDatagram(buf[:n], src, cm)
	}
}

func (s *Service) handleDatagram(payload []byte, src net.Addr, cm *ipv4.ControlMessage) {
	udpAddr, ok := src.(*net.UDPAddr)
	if !ok {
		return
	}
	ip, ok := netip.AddrFromSlice(udpAddr.IP)
	if !ok {
		return
	}
	ip = ip.Unmap()

	entry := logger.WithField("peer", udpAddr.String())
	if cm != nil && cm.Dst != nil {
		entry = entry.WithField("dst", cm.Dst.String())
	}

	msg, err := DecodeMessage(payload)
	if err != nil {
		entry.WithError(err).Debug("dropping datagram")
		return
	}
	if s.cfg.LocalAddrs.Contains(ip) {
		entry.Debug("ignoring own discovery message")
		return
	}

	name := strings.TrimSpace(msg.Hostname)
	if name == "" {
		name = ip.String()
	}
	s.table.Upsert(ip.String(), name, s.cfg.Now())
	entry.WithFields(logrus.Fields{
		"name": name,
		"type": msg.Type,
	}).Debug("peer registered")

	if msg.IsProbe() {
		s.reply(udpAddr)
	}
}

// reply answers a probe with a full identity message. Every responder that
// hears one broadcast answers it, so n peers cost n² datagrams per round.
func (s *Service) reply(dst *net.UDPAddr) {
	logger.WithFields(logrus.Fields{
		"peer":  dst.String(),
		"peers": s.table.Len(),
	}).Debug("answering discovery probe")
	payload, err := EncodeMessage(Message{
		Type:     TypeReply,
		Hostname: s.cfg.Identity.DisplayName(),
	})
	if err != nil {
		logger.WithError(err).Warn("encode discovery reply")
		return
	}
	if _, err := s.pconn.WriteTo(payload, nil, dst); err != nil {
		logger.WithFields(logrus.Fields{
			"peer":  dst.String(),
			"error": err,
		}).Warn("send discovery reply")
	}
}

func resolveTargets(raw []string, defaultPort int) ([]*net.UDPAddr, error) {
	out := make([]*net.UDPAddr, 0, len(raw))
	for _, target := range raw {
		hostPort := target
		if _, _, err := net.SplitHostPort(target); err != nil {
			hostPort = net.JoinHostPort(target, strconv.Itoa(defaultPort))
		}
		addr, err := net.ResolveUDPAddr("udp4", hostPort)
		if err != nil {
			return nil, fmt.Errorf("resolve probe target %q: %w", target, err)
		}
		out = append(out, addr)
	}
	return out, nil
}
