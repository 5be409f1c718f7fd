package models

import "time"

// Peer is one discovered LAN host, keyed by its IP address.
type Peer struct {
	Address     string    `json:"address"`
	DisplayName string    `json:"display_name"`
	LastSeen    time.Time `json:"last_seen"`
}

// Label renders the peer the way the peer list shows it.
func (p Peer) Label() string {
	return p.DisplayName + " (" + p.Address + ")"
}
