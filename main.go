package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"netxend/config"
	"netxend/crypto"
	"netxend/discovery"
	"netxend/models"
	"netxend/network"
	"netxend/storage"
	"netxend/ui"
)

var logger = logrus.WithField("component", "main")

const usage = `usage:
  netxend [run] [-name NAME] [-save-dir DIR]
  netxend send [-name NAME] [-wait 3s] <peer> <file>...
  netxend peers [-name NAME] [-wait 3s]
  netxend history [-limit 20] [-verify] [-id TRANSFER_ID]
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, out io.Writer) int {
	command := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	var err error
	switch command {
	case "run":
		err = runDaemon(ctx, args, out)
	case "send":
		err = runSend(ctx, args, out)
	case "peers":
		err = runPeers(ctx, args, out)
	case "history":
		err = runHistory(args, out)
	case "help":
		fmt.Fprint(out, usage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s", command, usage)
		return 2
	}

	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		logger.WithError(err).Error(command + " failed")
		return 1
	}
	return 0
}

type commonFlags struct {
	name    string
	saveDir string
}

func (f *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.name, "name", "", "display name for this run")
	fs.StringVar(&f.saveDir, "save-dir", "", "directory for received files")
}

// app holds the state every command shares.
type app struct {
	cfg     *config.DeviceConfig
	dataDir string
	store   *storage.Store
}

func openApp(flags commonFlags) (*app, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logrus.SetLevel(cfg.Level())
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetOutput(os.Stderr)

	if name := strings.TrimSpace(flags.name); name != "" {
		cfg.DeviceName = name
	}
	if flags.saveDir != "" {
		cfg.SaveDirectory = flags.saveDir
		if err := config.EnsureSaveDir(cfg); err != nil {
			return nil, err
		}
	}

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"device_id": cfg.DeviceID,
		"name":      cfg.DisplayName(),
		"config":    cfgPath,
		"database":  dbPath,
	}).Debug("startup")

	return &app{cfg: cfg, dataDir: dataDir, store: store}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		logger.WithError(err).Warn("database close error")
	}
}

// ObserveTransfer persists every finished transfer to history.
func (a *app) ObserveTransfer(transfer models.Transfer) {
	if err := a.store.RecordTransfer(transfer); err != nil {
		logger.WithError(err).WithField("transfer_id", transfer.TransferID).Warn("record transfer")
	}
}

func (a *app) startDiscovery(table *discovery.PeerTable, local discovery.AddrSet) (*discovery.Service, error) {
	return discovery.Start(discovery.Config{
		Port:          a.cfg.DiscoveryPort,
		Identity:      a.cfg,
		LocalAddrs:    local,
		ProbeInterval: a.cfg.ProbeInterval(),
		PeerTTL:       a.cfg.PeerTTL(),
		Table:         table,
	})
}

func runDaemon(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(common)
	if err != nil {
		return err
	}
	defer a.Close()

	local, err := discovery.LocalAddrs()
	if err != nil {
		return err
	}

	table := discovery.NewPeerTable(nil)
	console := ui.NewConsole(out, func() []models.Peer {
		return table.Snapshot(time.Now(), a.cfg.PeerTTL())
	})
	table.SetSink(console)

	receiver, err := network.Listen(":"+strconv.Itoa(a.cfg.TransferPort), network.ReceiverOptions{
		SaveLocation: a.cfg,
		Progress:     console,
		Observer:     a,
	})
	if err != nil {
		return err
	}
	defer func() { _ = receiver.Close() }()

	svc, err := a.startDiscovery(table, local)
	if err != nil {
		return err
	}
	defer svc.Stop()

	if a.cfg.EnableMDNS {
		mdns, err := discovery.StartMDNS(discovery.MDNSConfig{
			Identity:        a.cfg,
			TransferPort:    a.cfg.TransferPort,
			LocalAddrs:      local,
			Table:           table,
			RefreshInterval: a.cfg.ProbeInterval(),
		})
		if err != nil {
			logger.WithError(err).Warn("mDNS disabled")
		} else {
			defer mdns.Stop()
		}
	}

	fmt.Fprintf(out, "%s receiving on %s into %s (Ctrl+C to stop)\n", a.cfg.DisplayName(), receiver.Addr(), a.cfg.SaveDir())
	console.OnPeerTableChanged()

	// Re-render on a timer so silent peers drop off the list once stale.
	ticker := time.NewTicker(a.cfg.PeerTTL() / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			console.OnPeerTableChanged()
		case <-ctx.Done():
			fmt.Fprintln(out, "shutting down")
			return nil
		}
	}
}

func runSend(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	wait := fs.Duration("wait", 3*time.Second, "discovery window when the peer is given by name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		fmt.Fprint(os.Stderr, usage)
		return flag.ErrHelp
	}

	a, err := openApp(common)
	if err != nil {
		return err
	}
	defer a.Close()

	peer, err := a.resolvePeer(ctx, fs.Arg(0), *wait)
	if err != nil {
		return err
	}

	console := ui.NewConsole(out, nil)
	sender := network.NewSender(network.SenderOptions{
		Progress: console,
		Observer: a,
		Port:     a.cfg.TransferPort,
	})

	results := make([]<-chan error, 0, fs.NArg()-1)
	for _, path := range fs.Args()[1:] {
		results = append(results, sender.SendAsync(ctx, peer, path))
	}
	sender.Wait()

	failed := 0
	for _, result := range results {
		if err := <-result; err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d transfers failed", failed, len(results))
	}
	return nil
}

// resolvePeer accepts an IP, host:port, or a display name seen by discovery.
func (a *app) resolvePeer(ctx context.Context, target string, wait time.Duration) (string, error) {
	if net.ParseIP(target) != nil {
		return target, nil
	}
	if _, _, err := net.SplitHostPort(target); err == nil {
		return target, nil
	}

	peers, err := a.discoverPeers(ctx, wait)
	if err != nil {
		return "", err
	}
	for _, peer := range peers {
		if strings.EqualFold(peer.DisplayName, target) {
			return peer.Address, nil
		}
	}
	return "", fmt.Errorf("no peer named %q found within %s", target, wait)
}

func (a *app) discoverPeers(ctx context.Context, wait time.Duration) ([]models.Peer, error) {
	svc, err := a.startDiscovery(nil, discovery.AddrSet{})
	if err != nil {
		return nil, err
	}
	defer svc.Stop()

	if err := svc.Scan(ctx); err != nil {
		return nil, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return svc.Peers(), nil
}

func runPeers(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	wait := fs.Duration("wait", 3*time.Second, "how long to collect replies")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(common)
	if err != nil {
		return err
	}
	defer a.Close()

	peers, err := a.discoverPeers(ctx, *wait)
	if err != nil {
		return err
	}
	fmt.Fprint(out, ui.RenderPeers(peers))
	return nil
}

func runHistory(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "number of transfers to show")
	verify := fs.Bool("verify", false, "re-hash completed files and compare with the recorded digest")
	id := fs.String("id", "", "show a single transfer by ID")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(commonFlags{})
	if err != nil {
		return err
	}
	defer a.Close()

	var transfers []models.Transfer
	if *id != "" {
		transfer, err := a.store.GetTransfer(*id)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("no transfer with id %q", *id)
		}
		if err != nil {
			return err
		}
		transfers = []models.Transfer{*transfer}
	} else {
		transfers, err = a.store.ListTransfers(*limit)
		if err != nil {
			return err
		}
	}
	fmt.Fprint(out, ui.RenderTransfers(transfers))

	if *verify {
		for _, transfer := range transfers {
			if !transfer.Succeeded() || transfer.Digest == "" {
				continue
			}
			fmt.Fprintf(out, "%s  %s\n", transfer.StoredPath, verifyDigest(transfer))
		}
	}
	return nil
}

func verifyDigest(transfer models.Transfer) string {
	if !crypto.ValidDigest(transfer.Digest) {
		return "invalid digest"
	}
	digest, err := crypto.FileDigest(transfer.StoredPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "missing"
	case err != nil:
		return "unreadable: " + err.Error()
	case digest != transfer.Digest:
		return "changed"
	default:
		return "ok"
	}
}
