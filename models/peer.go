package models

// PeerID identifies a discovered responder device within one discovery session.
type PeerID string

// AdvertisementRecord describes how to reach a responder: its private network and server endpoint.
type AdvertisementRecord struct {
	PeerID      PeerID `json:"peer_id"`
	NetworkName string `json:"network_name"`
	Secret      string `json:"secret"`
	HostAddress string `json:"host_address"`
	Port        int    `json:"port"`
}

// VisibleNetwork is one wireless network reported by a scan cycle.
type VisibleNetwork struct {
	NetworkName string `json:"network_name"`
}

// LinkState is the device's wireless attachment as reported by the platform.
type LinkState struct {
	NetworkName       string `json:"network_name"`
	WirelessConnected bool   `json:"wireless_connected"`
}
