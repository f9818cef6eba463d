package convener

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rollcall/discovery"
	"rollcall/models"
)

func TestConsumeForwardsSubstrateEvents(t *testing.T) {
	discoverer := &fakeDiscoverer{refreshes: make(chan struct{}, 8)}
	h := newHarness(t, func(o *Options) {
		o.Discoverer = discoverer
	})
	h.scanner.deliver = nil
	h.dialer.handle("10.0.0.1:5000", respondAs("z5000001"))
	require.NoError(t, h.orch.Start(context.Background()))

	advertisements := make(chan discovery.Event, 4)
	ready := make(chan struct{})
	scans := make(chan []models.VisibleNetwork, 1)
	links := make(chan models.LinkState, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	consumed := make(chan error, 1)
	go func() {
		consumed <- h.orch.Consume(ctx, Sources{
			Discovery:      advertisements,
			DiscoveryReady: ready,
			ScanResults:    scans,
			LinkStates:     links,
		})
	}()

	advertisements <- discovery.Event{Type: discovery.EventPeerRemoved, Peer: discovery.DiscoveredPeer{
		Record: models.AdvertisementRecord{PeerID: "gone", NetworkName: "Old"},
	}}
	advertisements <- discovery.Event{Type: discovery.EventPeerUpserted, Peer: discovery.DiscoveredPeer{
		Record: models.AdvertisementRecord{PeerID: "P", NetworkName: "Net1", Secret: "pw", HostAddress: "10.0.0.1", Port: 5000},
	}}
	close(ready)

	select {
	case <-discoverer.refreshes:
	case <-time.After(2 * time.Second):
		t.Fatalf("ready signal was not forwarded")
	}
	require.Eventually(t, func() bool {
		return h.orch.Snapshot().Advertised == 1
	}, 2*time.Second, 5*time.Millisecond)

	links <- models.LinkState{NetworkName: "Home", WirelessConnected: true}
	scans <- []models.VisibleNetwork{{NetworkName: "Net1"}}
	require.Eventually(t, func() bool {
		return len(h.orch.Snapshot().Completed) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-consumed, context.Canceled)
	require.NoError(t, h.orch.Err())
}

func TestConsumeFailsWhenLinkStreamCloses(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.orch.Start(context.Background()))

	links := make(chan models.LinkState)
	close(links)

	err := h.orch.Consume(context.Background(), Sources{LinkStates: links})
	require.ErrorIs(t, err, ErrAttachmentLost)
	require.ErrorIs(t, waitDone(t, h.orch), ErrAttachmentLost)
}

func TestConsumeFailsWhenAdvertisementStreamCloses(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.orch.Start(context.Background()))

	advertisements := make(chan discovery.Event)
	close(advertisements)

	err := h.orch.Consume(context.Background(), Sources{Discovery: advertisements})
	require.ErrorIs(t, err, ErrDiscoveryFailed)
	require.ErrorIs(t, waitDone(t, h.orch), ErrDiscoveryFailed)
}

func TestConsumeReturnsWhenOrchestratorStops(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.orch.Start(context.Background()))

	consumed := make(chan error, 1)
	go func() {
		consumed <- h.orch.Consume(context.Background(), Sources{})
	}()
	h.orch.Stop()

	select {
	case err := <-consumed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Consume did not return after Stop")
	}
}
