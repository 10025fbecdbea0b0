package models

import "time"

// PeerSighting records the last time a remote device was seen on the LAN.
type PeerSighting struct {
	DeviceID     string    `json:"device_id"`
	DeviceName   string    `json:"device_name"`
	Address      string    `json:"address"`
	Port         int       `json:"port"`
	Capabilities []string  `json:"capabilities"`
	LastSeen     time.Time `json:"last_seen"`
}
