package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Ebullioscopic/WaterDrop/models"
)

// UpsertPeerSighting records that a device was seen. first_seen is kept from
// the earliest sighting.
func (s *Store) UpsertPeerSighting(sighting models.PeerSighting) error {
	if sighting.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if strings.TrimSpace(sighting.DeviceName) == "" {
		sighting.DeviceName = sighting.DeviceID
	}
	if sighting.Port < 0 || sighting.Port > 65535 {
		return fmt.Errorf("invalid port %d", sighting.Port)
	}
	seen := toUnixMilli(sighting.LastSeen)

	_, err := s.db.Exec(
		`INSERT INTO peer_sightings (
			device_id,
			device_name,
			address,
			port,
			capabilities,
			first_seen,
			last_seen
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			address = CASE WHEN excluded.address != '' THEN excluded.address ELSE peer_sightings.address END,
			port = CASE WHEN excluded.port > 0 THEN excluded.port ELSE peer_sightings.port END,
			capabilities = excluded.capabilities,
			last_seen = MAX(peer_sightings.last_seen, excluded.last_seen)`,
		sighting.DeviceID,
		sighting.DeviceName,
		sighting.Address,
		sighting.Port,
		joinCapabilities(sighting.Capabilities),
		seen,
		seen,
	)
	if err != nil {
		return fmt.Errorf("upsert peer sighting %q: %w", sighting.DeviceID, err)
	}

	return nil
}

// GetPeer fetches a sighting by device id.
func (s *Store) GetPeer(deviceID string) (*models.PeerSighting, error) {
	row := s.db.QueryRow(
		`SELECT device_id, device_name, address, port, capabilities, last_seen
		FROM peer_sightings
		WHERE device_id = ?`,
		deviceID,
	)

	peer, err := scanSighting(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", deviceID, err)
	}

	return peer, nil
}

// ListPeers returns every sighting, most recently seen first.
func (s *Store) ListPeers() ([]models.PeerSighting, error) {
	rows, err := s.db.Query(
		`SELECT device_id, device_name, address, port, capabilities, last_seen
		FROM peer_sightings
		ORDER BY last_seen DESC, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]models.PeerSighting, 0)
	for rows.Next() {
		peer, err := scanSighting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}

	return peers, nil
}

// RemovePeer deletes a sighting by device id.
func (s *Store) RemovePeer(deviceID string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM peer_sightings WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove peer %q: %w", deviceID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove peer %q: %w", deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func scanSighting(row rowScanner) (*models.PeerSighting, error) {
	var (
		peer     models.PeerSighting
		caps     string
		lastSeen int64
	)
	if err := row.Scan(&peer.DeviceID, &peer.DeviceName, &peer.Address, &peer.Port, &caps, &lastSeen); err != nil {
		return nil, err
	}
	peer.Capabilities = splitCapabilities(caps)
	peer.LastSeen = fromUnixMilli(lastSeen)
	return &peer, nil
}
