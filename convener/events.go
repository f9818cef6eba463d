package convener

import "rollcall/models"

type eventKind int

const (
	eventAdvertisement eventKind = iota
	eventListenersReady
	eventScanResults
	eventLinkState
)

func (k eventKind) String() string {
	switch k {
	case eventAdvertisement:
		return "advertisement"
	case eventListenersReady:
		return "listeners_ready"
	case eventScanResults:
		return "scan_results"
	case eventLinkState:
		return "link_state"
	default:
		return "unknown"
	}
}

type event struct {
	kind    eventKind
	peerID  models.PeerID
	record  models.AdvertisementRecord
	visible []models.VisibleNetwork
	link    models.LinkState
}

// attemptDone carries a finished attempt back to the dispatcher.
type attemptDone struct {
	result models.AttemptResult
	fatal  error
}
