package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"netxend/models"
)

// DefaultListLimit caps ListTransfers when no limit is given.
const DefaultListLimit = 100

// RecordTransfer inserts or replaces the history row for transfer.TransferID.
func (s *Store) RecordTransfer(transfer models.Transfer) error {
	if transfer.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateDirection(transfer.Direction); err != nil {
		return err
	}
	if err := validateTransferStatus(transfer.Status); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			direction,
			peer_address,
			file_name,
			stored_path,
			file_size,
			bytes_transferred,
			status,
			error,
			digest,
			started_at,
			finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET
			bytes_transferred = excluded.bytes_transferred,
			status = excluded.status,
			error = excluded.error,
			digest = excluded.digest,
			finished_at = excluded.finished_at`,
		transfer.TransferID,
		transfer.Direction,
		transfer.PeerAddress,
		transfer.FileName,
		transfer.StoredPath,
		transfer.FileSize,
		transfer.BytesTransferred,
		transfer.Status,
		nullString(transfer.Error),
		nullString(transfer.Digest),
		unixMilli(transfer.StartedAt),
		unixMilli(transfer.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("record transfer %q: %w", transfer.TransferID, err)
	}

	return nil
}

// GetTransfer returns one history row by ID.
func (s *Store) GetTransfer(transferID string) (*models.Transfer, error) {
	row := s.db.QueryRow(
		`SELECT `+transferColumns+`
		FROM transfers
		WHERE transfer_id = ?`,
		transferID,
	)

	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}

	return transfer, nil
}

// ListTransfers returns the most recently finished transfers first.
func (s *Store) ListTransfers(limit int) ([]models.Transfer, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.Query(
		`SELECT `+transferColumns+`
		FROM transfers
		ORDER BY finished_at DESC, transfer_id
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]models.Transfer, 0)
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return transfers, nil
}

// PruneTransfersBefore removes history rows that finished before cutoff.
func (s *Store) PruneTransfersBefore(cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, errors.New("cutoff is required")
	}

	res, err := s.db.Exec(`DELETE FROM transfers WHERE finished_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for transfer prune: %w", err)
	}

	return rowsAffected, nil
}

const transferColumns = `
			transfer_id,
			direction,
			peer_address,
			file_name,
			stored_path,
			file_size,
			bytes_transferred,
			status,
			error,
			digest,
			started_at,
			finished_at`

func scanTransfer(row scanner) (*models.Transfer, error) {
	var (
		transfer   models.Transfer
		errText    sql.NullString
		digest     sql.NullString
		startedAt  int64
		finishedAt int64
	)

	if err := row.Scan(
		&transfer.TransferID,
		&transfer.Direction,
		&transfer.PeerAddress,
		&transfer.FileName,
		&transfer.StoredPath,
		&transfer.FileSize,
		&transfer.BytesTransferred,
		&transfer.Status,
		&errText,
		&digest,
		&startedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	if errText.Valid {
		transfer.Error = errText.String
	}
	if digest.Valid {
		transfer.Digest = digest.String
	}
	transfer.StartedAt = fromUnixMilli(startedAt)
	transfer.FinishedAt = fromUnixMilli(finishedAt)

	return &transfer, nil
}
