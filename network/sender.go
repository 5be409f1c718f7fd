package network

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"netxend/crypto"
	"netxend/models"
)

// SenderOptions configures outbound transfers.
type SenderOptions struct {
	Progress ProgressSink
	Observer Observer
	// Port is used when a peer address carries no port.
	Port        int
	SettleDelay time.Duration
	ChunkSize   int
	Now         func() time.Time
}

func (o SenderOptions) withDefaults() SenderOptions {
	out := o
	if out.Progress == nil {
		out.Progress = nopProgress{}
	}
	if out.Observer == nil {
		out.Observer = nopObserver{}
	}
	if out.Port <= 0 {
		out.Port = DefaultPort
	}
	if out.SettleDelay <= 0 {
		out.SettleDelay = HeaderSettleDelay
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = ChunkSize
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Sender pushes local files to peers. Each Send is an independent flow;
// concurrent sends to the same or different peers are not ordered.
type Sender struct {
	options SenderOptions
	dialer  net.Dialer
	wg      sync.WaitGroup
}

// NewSender returns a Sender with defaults applied.
func NewSender(options SenderOptions) *Sender {
	return &Sender{options: options.withDefaults()}
}

// SendAsync runs Send on its own goroutine. The returned channel yields the
// flow's error (nil on success) and is then closed.
func (s *Sender) SendAsync(ctx context.Context, peerAddress, path string) <-chan error {
	done := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		_, err := s.Send(ctx, peerAddress, path)
		done <- err
	}()
	return done
}

// Wait blocks until every SendAsync flow has finished.
func (s *Sender) Wait() {
	s.wg.Wait()
}

// Send streams the file at path to peerAddress and waits for the receiver's
// acknowledgment. ctx bounds the dial and the settle delay only; once
// payload bytes flow the transfer runs to completion or I/O error.
func (s *Sender) Send(ctx context.Context, peerAddress, path string) (models.Transfer, error) {
	transfer := models.Transfer{
		TransferID:  uuid.NewString(),
		Direction:   models.DirectionSend,
		PeerAddress: peerAddress,
		FileName:    filepath.Base(path),
		StoredPath:  path,
		StartedAt:   s.options.Now(),
	}
	entry := logger.WithFields(logrus.Fields{
		"peer":        peerAddress,
		"file":        transfer.FileName,
		"transfer_id": transfer.TransferID,
	})

	err := s.send(ctx, &transfer)
	transfer.FinishedAt = s.options.Now()
	if err != nil {
		transfer.Status = models.TransferStatusFailed
		if transfer.FileSize > 0 && transfer.BytesTransferred < transfer.FileSize {
			transfer.Status = models.TransferStatusIncomplete
		}
		transfer.Error = err.Error()
		entry.WithError(err).Warn("send failed")
		s.options.Progress.ReportProgress(failedPercent(transfer), failureMessage("Error sending file", transfer.FileName, err))
	} else {
		transfer.Status = models.TransferStatusComplete
		entry.WithField("bytes", transfer.BytesTransferred).Info("file sent")
		s.options.Progress.ReportProgress(100, "Sent: "+transfer.FileName)
	}
	s.options.Observer.ObserveTransfer(transfer)
	return transfer, err
}

func (s *Sender) send(ctx context.Context, transfer *models.Transfer) error {
	file, err := os.Open(transfer.StoredPath)
	if err != nil {
		return fmt.Errorf("open %q: %w", transfer.StoredPath, err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", transfer.StoredPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%q is a directory", transfer.StoredPath)
	}
	size := info.Size()
	name := transfer.FileName
	transfer.FileSize = size

	header, err := EncodeHeader(Header{Name: name, Size: size})
	if err != nil {
		return err
	}

	address := s.dialAddress(transfer.PeerAddress)
	conn, err := s.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	timer := time.NewTimer(s.options.SettleDelay)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	}

	digest := crypto.NewDigest()

	n, err := streamChunks(conn, file, size, s.options.ChunkSize, digest, func(done int64) {
		s.options.Progress.ReportProgress(percent(done, size), fmt.Sprintf("Sending: %s (%.1f%%)", name, percent(done, size)))
	})
	transfer.BytesTransferred = n
	if err != nil {
		return fmt.Errorf("stream payload: %w", err)
	}
	transfer.Digest = crypto.DigestHex(digest)

	if size == 0 {
		s.options.Progress.ReportProgress(100, fmt.Sprintf("Sending: %s (%.1f%%)", name, 100.0))
	}

	ack := make([]byte, len(AckLiteral))
	if _, err := io.ReadFull(conn, ack); err != nil {
		return fmt.Errorf("%w: read: %v", ErrAckMismatch, err)
	}
	if string(ack) != AckLiteral {
		return fmt.Errorf("%w: got %q", ErrAckMismatch, ack)
	}
	return nil
}

func (s *Sender) dialAddress(peerAddress string) string {
	if _, _, err := net.SplitHostPort(peerAddress); err == nil {
		return peerAddress
	}
	return net.JoinHostPort(peerAddress, strconv.Itoa(s.options.Port))
}
