package convener

import (
	"context"
	"fmt"

	"rollcall/discovery"
	"rollcall/models"
)

// Sources are the asynchronous substrates that feed an orchestrator. Nil channels are ignored.
type Sources struct {
	Discovery      <-chan discovery.Event
	DiscoveryReady <-chan struct{}
	ScanResults    <-chan []models.VisibleNetwork
	LinkStates     <-chan models.LinkState
}

// Consume forwards substrate events to o until ctx ends or o stops.
// A closed discovery or link-state stream is fatal to the orchestrator.
func (o *Orchestrator) Consume(ctx context.Context, src Sources) error {
	advertisements := src.Discovery
	ready := src.DiscoveryReady
	scans := src.ScanResults
	links := src.LinkStates

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.done:
			return nil
		case <-ready:
			ready = nil
			o.AdvertisementListenersReady()
		case ev, ok := <-advertisements:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				err := fmt.Errorf("%w: advertisement stream closed", ErrDiscoveryFailed)
				o.fail(err)
				return err
			}
			if ev.Type == discovery.EventPeerUpserted {
				o.AdvertisementAvailable(ev.Peer.Record.PeerID, ev.Peer.Record)
			}
		case visible, ok := <-scans:
			if !ok {
				scans = nil
				continue
			}
			o.ScanResultsAvailable(visible)
		case state, ok := <-links:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				o.fail(ErrAttachmentLost)
				return ErrAttachmentLost
			}
			o.LinkStateChanged(state)
		}
	}
}
