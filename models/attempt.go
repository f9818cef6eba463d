package models

import "time"

// Outcome is the terminal result of one connection attempt.
type Outcome string

const (
	OutcomeRegistered    Outcome = "registered"
	OutcomeWrongNetwork  Outcome = "wrong_network"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeProtocolError Outcome = "protocol_error"
	OutcomeAborted       Outcome = "aborted"
)

// Outcomes lists every outcome in a stable order.
var Outcomes = []Outcome{
	OutcomeRegistered,
	OutcomeWrongNetwork,
	OutcomeTimeout,
	OutcomeProtocolError,
	OutcomeAborted,
}

// AttemptResult is produced once per connection attempt.
type AttemptResult struct {
	PeerID         PeerID
	Outcome        Outcome
	Nonce          int
	HasNonce       bool
	RemoteIdentity string
	Err            error
	Started        time.Time
	Finished       time.Time
}

// Duration reports how long the attempt ran.
func (r AttemptResult) Duration() time.Duration {
	if r.Started.IsZero() || r.Finished.Before(r.Started) {
		return 0
	}
	return r.Finished.Sub(r.Started)
}
