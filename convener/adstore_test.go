package convener

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"rollcall/models"
)

func TestAdvertisementStoreLatestWins(t *testing.T) {
	store := NewAdvertisementStore()
	store.Put("B", models.AdvertisementRecord{NetworkName: "Net1", Port: 1})
	store.Put("A", models.AdvertisementRecord{NetworkName: "Net2", Port: 2})
	store.Put("B", models.AdvertisementRecord{NetworkName: "Net3", Port: 3})

	record, ok := store.Get("B")
	require.True(t, ok)
	require.Equal(t, models.PeerID("B"), record.PeerID)
	require.Equal(t, "Net3", record.NetworkName)

	_, ok = store.Get("missing")
	require.False(t, ok)

	snapshot := store.Snapshot()
	require.Len(t, snapshot, 2)
	require.Equal(t, models.PeerID("A"), snapshot[0].PeerID)
	require.Equal(t, models.PeerID("B"), snapshot[1].PeerID)
}

func TestAdvertisementStoreConcurrentAccess(t *testing.T) {
	store := NewAdvertisementStore()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				peerID := models.PeerID(fmt.Sprintf("peer-%d", i%10))
				store.Put(peerID, models.AdvertisementRecord{NetworkName: fmt.Sprintf("Net%d", w)})
				_, _ = store.Get(peerID)
				_ = store.Snapshot()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 10, store.Len())
}
