package convener

import "rollcall/models"

// Match returns the advertised peers whose network is visible, in scan order.
// Peers for which isKnown reports true, and repeats within one call, are skipped.
func Match(snapshot []models.AdvertisementRecord, visible []models.VisibleNetwork, isKnown func(models.PeerID) bool) []models.PeerID {
	if len(snapshot) == 0 || len(visible) == 0 {
		return nil
	}

	byNetwork := make(map[string][]models.PeerID, len(snapshot))
	for _, record := range snapshot {
		byNetwork[record.NetworkName] = append(byNetwork[record.NetworkName], record.PeerID)
	}

	emitted := make(map[models.PeerID]struct{})
	var out []models.PeerID
	for _, network := range visible {
		for _, peerID := range byNetwork[network.NetworkName] {
			if _, dup := emitted[peerID]; dup {
				continue
			}
			if isKnown != nil && isKnown(peerID) {
				continue
			}
			emitted[peerID] = struct{}{}
			out = append(out, peerID)
		}
	}
	return out
}
