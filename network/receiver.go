package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"netxend/crypto"
	"netxend/models"
)

// ReceiverOptions configures the transfer receiver.
type ReceiverOptions struct {
	SaveLocation SaveLocationProvider
	Progress     ProgressSink
	Observer     Observer
	ChunkSize    int
	Now          func() time.Time
}

func (o ReceiverOptions) withDefaults() ReceiverOptions {
	out := o
	if out.Progress == nil {
		out.Progress = nopProgress{}
	}
	if out.Observer == nil {
		out.Observer = nopObserver{}
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = ChunkSize
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Receiver accepts inbound transfers from any peer and writes them to the
// save location. Every connection is handled on its own goroutine; there is
// no concurrency cap.
type Receiver struct {
	listener net.Listener
	options  ReceiverOptions

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and accept loop.
func Listen(address string, options ReceiverOptions) (*Receiver, error) {
	opts := options.withDefaults()
	if opts.SaveLocation == nil {
		return nil, errors.New("save location is required")
	}

	if address == "" {
		address = fmt.Sprintf(":%d", DefaultPort)
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	receiver := &Receiver{
		listener: listener,
		options:  opts,
	}
	receiver.ctx, receiver.cancel = context.WithCancel(context.Background())

	receiver.wg.Add(1)
	go receiver.acceptLoop()

	logger.WithField("addr", listener.Addr().String()).Info("transfer receiver listening")
	return receiver, nil
}

// Addr returns the listening address.
func (r *Receiver) Addr() net.Addr {
	return r.listener.Addr()
}

// Close stops accepting, drops in-flight connections and waits for their
// handlers to return.
func (r *Receiver) Close() error {
	var closeErr error
	r.closeOnce.Do(func() {
		r.cancel()
		closeErr = r.listener.Close()
		r.wg.Wait()
		logger.Info("transfer receiver stopped")
	})
	return closeErr
}

func (r *Receiver) acceptLoop() {
	defer r.wg.Done()

	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if r.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.WithError(err).Warn("accept transfer connection")
			continue
		}

		r.wg.Add(1)
		go r.handleConn(conn)
	}
}

func (r *Receiver) handleConn(conn net.Conn) {
	defer r.wg.Done()
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(r.ctx, func() { _ = conn.Close() })
	defer stop()

	transfer := models.Transfer{
		TransferID:  uuid.NewString(),
		Direction:   models.DirectionReceive,
		PeerAddress: remoteHost(conn.RemoteAddr()),
		StartedAt:   r.options.Now(),
	}
	entry := logger.WithFields(logrus.Fields{
		"peer":        transfer.PeerAddress,
		"transfer_id": transfer.TransferID,
	})

	err := r.receive(conn, &transfer, entry)
	transfer.FinishedAt = r.options.Now()
	if err != nil {
		transfer.Error = err.Error()
		if transfer.Status == "" {
			transfer.Status = models.TransferStatusFailed
		}
		entry.WithError(err).Warn("receive failed")
		r.options.Progress.ReportProgress(failedPercent(transfer), failureMessage("Error receiving file", transfer.FileName, err))
	} else {
		transfer.Status = models.TransferStatusComplete
		entry.WithField("bytes", transfer.BytesTransferred).Info("file received")
		r.options.Progress.ReportProgress(100, "Received: "+transfer.FileName)
	}
	r.options.Observer.ObserveTransfer(transfer)
}

func (r *Receiver) receive(conn net.Conn, transfer *models.Transfer, entry *logrus.Entry) error {
	header, leftover, err := readHeader(conn)
	if err != nil {
		return err
	}
	transfer.FileName = header.Name
	transfer.FileSize = header.Size

	name, err := SanitizeFileName(header.Name)
	if err != nil {
		return err
	}
	transfer.FileName = name
	transfer.StoredPath = filepath.Join(r.options.SaveLocation.SaveDir(), name)

	entry.WithFields(logrus.Fields{
		"file": name,
		"size": header.Size,
	}).Debug("receiving file")

	file, err := os.Create(transfer.StoredPath)
	if err != nil {
		return fmt.Errorf("create %q: %w", transfer.StoredPath, err)
	}

	digest := crypto.NewDigest()

	src := io.MultiReader(bytes.NewReader(leftover), conn)
	n, copyErr := streamChunks(file, src, header.Size, r.options.ChunkSize, digest, func(done int64) {
		r.options.Progress.ReportProgress(percent(done, header.Size), fmt.Sprintf("Receiving: %s (%.1f%%)", name, percent(done, header.Size)))
	})
	transfer.BytesTransferred = n
	closeErr := file.Close()

	if copyErr != nil {
		transfer.Status = models.TransferStatusIncomplete
		return fmt.Errorf("%w: %d of %d bytes: %v", ErrIncompleteTransfer, n, header.Size, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close %q: %w", transfer.StoredPath, closeErr)
	}
	transfer.Digest = crypto.DigestHex(digest)

	if header.Size == 0 {
		r.options.Progress.ReportProgress(100, fmt.Sprintf("Receiving: %s (%.1f%%)", name, 100.0))
	}

	if _, err := conn.Write([]byte(AckLiteral)); err != nil {
		return fmt.Errorf("write acknowledgment: %w", err)
	}
	return nil
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
