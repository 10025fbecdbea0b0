package models

import "time"

// Direction says which way a transfer moved relative to this device.
type Direction string

const (
	DirectionOutbound Direction = "OUTBOUND"
	DirectionInbound  Direction = "INBOUND"
)

// TransferItem is the history record emitted for every completed transfer.
type TransferItem struct {
	ID                 string    `json:"id"`
	PeerID             string    `json:"peer_id"`
	PeerName           string    `json:"peer_name"`
	FileName           string    `json:"file_name"`
	FileSizeBytes      int64     `json:"file_size_bytes"`
	Direction          Direction `json:"direction"`
	Checksum           string    `json:"checksum"`
	ChecksumAlgorithm  string    `json:"checksum_algorithm"`
	TimestampCompleted time.Time `json:"timestamp_completed"`
	LocalPath          string    `json:"local_path"`
}
