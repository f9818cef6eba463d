package models

// ConvenedAttendance is the convener's view of a completed handshake.
type ConvenedAttendance struct {
	ConvenerID  string `json:"convener_id"`
	ResponderID string `json:"responder_id"`
	PeerID      PeerID `json:"peer_id"`
	Nonce       int    `json:"nonce"`
	Timestamp   int64  `json:"timestamp"`
}

// RespondedAttendance is the responder's view of a completed handshake.
type RespondedAttendance struct {
	ResponderID string `json:"responder_id"`
	ConvenerID  string `json:"convener_id"`
	Nonce       int    `json:"nonce"`
	Timestamp   int64  `json:"timestamp"`
}
