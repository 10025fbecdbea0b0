package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Ebullioscopic/WaterDrop/models"
)

const transferColumns = `
			transfer_id,
			peer_device_id,
			peer_name,
			filename,
			filesize,
			direction,
			checksum,
			checksum_algorithm,
			completed_at,
			local_path`

// RecordTransfer inserts one completed transfer. Recording the same id twice
// replaces the earlier row.
func (s *Store) RecordTransfer(item models.TransferItem) error {
	if item.ID == "" {
		return errors.New("transfer_id is required")
	}
	if item.PeerID == "" {
		return errors.New("peer_device_id is required")
	}
	if item.FileName == "" {
		return errors.New("filename is required")
	}
	if item.FileSizeBytes < 0 {
		return errors.New("filesize must be >= 0")
	}
	if err := validateDirection(item.Direction); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (`+transferColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET
			peer_device_id = excluded.peer_device_id,
			peer_name = excluded.peer_name,
			filename = excluded.filename,
			filesize = excluded.filesize,
			direction = excluded.direction,
			checksum = excluded.checksum,
			checksum_algorithm = excluded.checksum_algorithm,
			completed_at = excluded.completed_at,
			local_path = excluded.local_path`,
		item.ID,
		item.PeerID,
		item.PeerName,
		item.FileName,
		item.FileSizeBytes,
		string(item.Direction),
		item.Checksum,
		item.ChecksumAlgorithm,
		toUnixMilli(item.TimestampCompleted),
		item.LocalPath,
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", item.ID, err)
	}

	return nil
}

// GetTransfer fetches one history row by id.
func (s *Store) GetTransfer(id string) (*models.TransferItem, error) {
	row := s.db.QueryRow(
		`SELECT`+transferColumns+`
		FROM transfers
		WHERE transfer_id = ?`,
		id,
	)

	item, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", id, err)
	}

	return item, nil
}

// ListTransfers returns history newest first.
func (s *Store) ListTransfers(filter TransferFilter) ([]models.TransferItem, error) {
	var (
		where []string
		args  []any
	)
	if filter.PeerID != "" {
		where = append(where, "peer_device_id = ?")
		args = append(args, filter.PeerID)
	}
	if filter.Direction != "" {
		if err := validateDirection(filter.Direction); err != nil {
			return nil, err
		}
		where = append(where, "direction = ?")
		args = append(args, string(filter.Direction))
	}

	query := `SELECT` + transferColumns + `
		FROM transfers`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\t\tORDER BY completed_at DESC, transfer_id"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, max(filter.Offset, 0))
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	items := make([]models.TransferItem, 0)
	for rows.Next() {
		item, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		items = append(items, *item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return items, nil
}

// PruneTransfers removes rows completed before cutoffTimestamp (unix ms).
func (s *Store) PruneTransfers(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM transfers WHERE completed_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for transfer prune: %w", err)
	}

	return rowsAffected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (*models.TransferItem, error) {
	var (
		item        models.TransferItem
		direction   string
		completedAt int64
	)
	if err := row.Scan(
		&item.ID,
		&item.PeerID,
		&item.PeerName,
		&item.FileName,
		&item.FileSizeBytes,
		&direction,
		&item.Checksum,
		&item.ChecksumAlgorithm,
		&completedAt,
		&item.LocalPath,
	); err != nil {
		return nil, err
	}
	item.Direction = models.Direction(direction)
	item.TimestampCompleted = fromUnixMilli(completedAt)
	return &item, nil
}
