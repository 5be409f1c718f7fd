package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"

	"netxend/models"
)

func TestTwoServicesDiscoverEachOther(t *testing.T) {
	y := startLoopbackService(t, "Y", NewAddrSet(), "127.0.0.1:9")
	x := startLoopbackService(t, "X", NewAddrSet(), y.Addr().String())

	waitForCondition(t, 3*time.Second, func() bool {
		return hasPeer(x.Peers(), "127.0.0.1", "Y") && hasPeer(y.Peers(), "127.0.0.1", "X")
	})
}

func TestServiceIgnoresOwnAddresses(t *testing.T) {
	svc := startLoopbackService(t, "self", NewAddrSet("127.0.0.1"), "127.0.0.1:9")

	client := dialService(t, svc)
	sendDatagram(t, client, `{"type":"NETXEND_DISCOVERY","hostname":"echo"}`)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	buf := make([]byte, MaxDatagramSize)
	_, err := client.Read(buf)
	assert.Error(t, err, "own probe must not be answered")
	assert.Equal(t, 0, svc.Table().Len())
}

func TestServiceDropsMalformedDatagramsAndAnswersProbes(t *testing.T) {
	svc := startLoopbackService(t, "responder", NewAddrSet(), "127.0.0.1:9")

	client := dialService(t, svc)
	sendDatagram(t, client, "garbage")
	sendDatagram(t, client, `{"type":"UNKNOWN","hostname":"nope"}`)
	sendDatagram(t, client, `{"type":"NETXEND_DISCOVERY","hostname":"tester"}`)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, MaxDatagramSize)
	n, err := client.Read(buf)
	require.NoError(t, err)

	reply, err := DecodeMessage(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, TypeReply, reply.Type)
	assert.Equal(t, "responder", reply.Hostname)

	peer, ok := svc.Table().Lookup("127.0.0.1")
	require.True(t, ok)
	assert.Equal(t, "tester", peer.DisplayName)
	assert.Equal(t, 1, svc.Table().Len())
}

func TestReplyLogsLivePeerCount(t *testing.T) {
	hook := logtest.NewGlobal()
	level := logrus.GetLevel()
	logrus.SetLevel(logrus.DebugLevel)
	t.Cleanup(func() {
		logrus.SetLevel(level)
		logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	})

	svc := startLoopbackService(t, "responder", NewAddrSet(), "127.0.0.1:9")
	client := dialService(t, svc)
	sendDatagram(t, client, `{"type":"NETXEND_DISCOVERY","hostname":"tester"}`)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := client.Read(make([]byte, MaxDatagramSize))
	require.NoError(t, err)

	waitForCondition(t, 2*time.Second, func() bool {
		for _, entry := range hook.AllEntries() {
			if entry.Message == "answering discovery probe" {
				return entry.Data["peers"] == 1
			}
		}
		return false
	})
}

func TestServiceRegistersRepliesWithoutAnswering(t *testing.T) {
	svc := startLoopbackService(t, "responder", NewAddrSet(), "127.0.0.1:9")

	client := dialService(t, svc)
	sendDatagram(t, client, `{"type":"NETXEND_HERE","hostname":""}`)

	waitForCondition(t, 2*time.Second, func() bool {
		_, ok := svc.Table().Lookup("127.0.0.1")
		return ok
	})
	peer, _ := svc.Table().Lookup("127.0.0.1")
	assert.Equal(t, "127.0.0.1", peer.DisplayName, "empty hostname falls back to the address")

	require.NoError(t, client.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	buf := make([]byte, MaxDatagramSize)
	_, err := client.Read(buf)
	assert.Error(t, err, "replies must not be answered")
}

func TestScanRequiresStartedService(t *testing.T) {
	svc, err := NewService(Config{
		ListenAddress:  "127.0.0.1:0",
		Identity:       StaticName("idle"),
		LocalAddrs:     NewAddrSet(),
		BroadcastAddrs: []string{"127.0.0.1:9"},
	})
	require.NoError(t, err)
	assert.Error(t, svc.Scan(context.Background()))
}

func TestScanAfterStopFails(t *testing.T) {
	svc := startLoopbackService(t, "gone", NewAddrSet(), "127.0.0.1:9")
	require.NoError(t, svc.Scan(context.Background()))

	svc.Stop()
	assert.Error(t, svc.Scan(context.Background()))
}

func TestProbeRoundRepeatsWithSpacing(t *testing.T) {
	sink, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	const repeat = 3
	const spacing = 20 * time.Millisecond
	recorder := &recordingConn{}
	svc, err := Start(Config{
		ListenAddress:  "127.0.0.1:0",
		Identity:       StaticName("p"),
		LocalAddrs:     NewAddrSet(),
		BroadcastAddrs: []string{sink.LocalAddr().String()},
		ProbeInterval:  time.Hour,
		ProbeRepeat:    repeat,
		ProbeSpacing:   spacing,
		wrapConn:       recorder.wrap,
	})
	require.NoError(t, err)
	t.Cleanup(svc.Stop)

	require.NoError(t, svc.Scan(context.Background()))

	// The startup announcement and the scan each send one full round.
	writes := recorder.writeTimes()
	require.Len(t, writes, 2*repeat)
	for i := 1; i < repeat; i++ {
		assert.GreaterOrEqual(t, writes[repeat+i].Sub(writes[repeat+i-1]), spacing)
	}

	received := 0
	buf := make([]byte, MaxDatagramSize)
	for {
		require.NoError(t, sink.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
		n, _, err := sink.ReadFrom(buf)
		if err != nil {
			break
		}
		msg, err := DecodeMessage(buf[:n])
		require.NoError(t, err)
		assert.Equal(t, TypeProbe, msg.Type)
		assert.Equal(t, "p", msg.Hostname)
		received++
	}
	assert.Equal(t, 2*repeat, received)
}

func TestReceiveLoopBacksOffAfterReadError(t *testing.T) {
	const backoff = 50 * time.Millisecond
	recorder := &recordingConn{failReads: 1}
	svc, err := Start(Config{
		ListenAddress:  "127.0.0.1:0",
		Identity:       StaticName("responder"),
		LocalAddrs:     NewAddrSet(),
		BroadcastAddrs: []string{"127.0.0.1:9"},
		ProbeInterval:  time.Hour,
		ProbeSpacing:   10 * time.Millisecond,
		ReceiveBackoff: backoff,
		wrapConn:       recorder.wrap,
	})
	require.NoError(t, err)
	t.Cleanup(svc.Stop)

	client := dialService(t, svc)
	sendDatagram(t, client, `{"type":"NETXEND_DISCOVERY","hostname":"tester"}`)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, MaxDatagramSize)
	n, err := client.Read(buf)
	require.NoError(t, err, "service must keep receiving after a failed read")
	reply, err := DecodeMessage(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, TypeReply, reply.Type)

	failedAt, resumedAt := recorder.readTimes()
	require.False(t, failedAt.IsZero())
	assert.GreaterOrEqual(t, resumedAt.Sub(failedAt), backoff)
}

func TestStopInterruptsReceiveBackoff(t *testing.T) {
	recorder := &recordingConn{failReads: -1}
	svc, err := Start(Config{
		ListenAddress:  "127.0.0.1:0",
		Identity:       StaticName("stuck"),
		LocalAddrs:     NewAddrSet(),
		BroadcastAddrs: []string{"127.0.0.1:9"},
		ProbeInterval:  time.Hour,
		ProbeSpacing:   10 * time.Millisecond,
		ReceiveBackoff: time.Hour,
		wrapConn:       recorder.wrap,
	})
	require.NoError(t, err)

	waitForCondition(t, 2*time.Second, func() bool {
		failedAt, _ := recorder.readTimes()
		return !failedAt.IsZero()
	})

	stopped := make(chan struct{})
	go func() {
		svc.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not interrupt the receive backoff")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, ":"+strconv.Itoa(DefaultPort), cfg.ListenAddress)
	assert.Equal(t, DefaultProbeInterval, cfg.ProbeInterval)
	assert.Equal(t, DefaultPeerTTL, cfg.PeerTTL)
	assert.Equal(t, DefaultProbeRepeat, cfg.ProbeRepeat)
	assert.Equal(t, DefaultProbeSpacing, cfg.ProbeSpacing)
	assert.Equal(t, DefaultReceiveBackoff, cfg.ReceiveBackoff)
	assert.NotNil(t, cfg.Table)
	assert.NotEmpty(t, cfg.Identity.DisplayName())
}

func startLoopbackService(t *testing.T, name string, local AddrSet, targets ...string) *Service {
	t.Helper()
	svc, err := Start(Config{
		ListenAddress:  "127.0.0.1:0",
		Identity:       StaticName(name),
		LocalAddrs:     local,
		BroadcastAddrs: targets,
		ProbeInterval:  200 * time.Millisecond,
		ProbeSpacing:   10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(svc.Stop)
	return svc
}

func dialService(t *testing.T, svc *Service) *net.UDPConn {
	t.Helper()
	raddr, ok := svc.Addr().(*net.UDPAddr)
	require.True(t, ok)
	conn, err := net.DialUDP("udp4", nil, raddr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendDatagram(t *testing.T, conn *net.UDPConn, payload string) {
	t.Helper()
	_, err := conn.Write([]byte(payload))
	require.NoError(t, err)
}

func hasPeer(peers []models.Peer, address, name string) bool {
	for _, peer := range peers {
		if peer.Address == address && peer.DisplayName == name {
			return true
		}
	}
	return false
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

var errTransientRead = errors.New("transient read failure")

// recordingConn wraps the service socket, recording writes and failing the
// first failReads reads (all reads when negative).
type recordingConn struct {
	inner     packetConn
	failReads int

	mu        sync.Mutex
	writes    []time.Time
	failedAt  time.Time
	resumedAt time.Time
}

func (c *recordingConn) wrap(inner packetConn) packetConn {
	c.inner = inner
	return c
}

func (c *recordingConn) ReadFrom(b []byte) (int, *ipv4.ControlMessage, net.Addr, error) {
	c.mu.Lock()
	if c.failReads != 0 {
		if c.failReads > 0 {
			c.failReads--
		}
		c.failedAt = time.Now()
		c.mu.Unlock()
		return 0, nil, nil, errTransientRead
	}
	if !c.failedAt.IsZero() && c.resumedAt.IsZero() {
		c.resumedAt = time.Now()
	}
	c.mu.Unlock()
	return c.inner.ReadFrom(b)
}

func (c *recordingConn) WriteTo(b []byte, cm *ipv4.ControlMessage, dst net.Addr) (int, error) {
	c.mu.Lock()
	c.writes = append(c.writes, time.Now())
	c.mu.Unlock()
	return c.inner.WriteTo(b, cm, dst)
}

func (c *recordingConn) writeTimes() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.writes...)
}

func (c *recordingConn) readTimes() (time.Time, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failedAt, c.resumedAt
}
