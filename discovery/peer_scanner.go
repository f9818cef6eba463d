package discovery

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"

	"rollcall/models"
)

const (
	// EventPeerUpserted is emitted when an advertisement appears or its contents change.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when an advertisement has not been seen for PeerStaleAfter.
	EventPeerRemoved EventType = "peer_removed"
)

// ErrScannerStopped is returned by Refresh once the scanner has been stopped.
var ErrScannerStopped = errors.New("discovery: peer scanner is stopped")

// EventType identifies advertisement discovery updates.
type EventType string

// Event carries discovery updates for the convener.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer is one responder advertisement seen on the LAN.
type DiscoveredPeer struct {
	Record     models.AdvertisementRecord
	DeviceName string
	Version    int
	HostName   string
	Addresses  []string
	LastSeen   time.Time
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner discovers responder advertisements with periodic and manual mDNS browse operations.
type PeerScanner struct {
	cfg Config

	browse browseFunc

	mu    sync.RWMutex
	peers map[models.PeerID]DiscoveredPeer

	events chan Event
	ready  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &PeerScanner{
		cfg:             cfg,
		browse:          browse,
		peers:           make(map[models.PeerID]DiscoveredPeer),
		events:          make(chan Event, 128),
		ready:           make(chan struct{}),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background advertisement scanning.
func (s *PeerScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop stops background scanning and closes Events.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

// Ready is closed once the browse loop is running and listening for advertisements.
func (s *PeerScanner) Ready() <-chan struct{} {
	return s.ready
}

// Refresh triggers an immediate scan and waits for its window to end.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("discovery: peer scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}
}

// ListPeers returns the current in-memory advertisement snapshot.
func (s *PeerScanner) ListPeers() []DiscoveredPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].Record.PeerID < out[j].Record.PeerID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	close(s.ready)

	// Prime the advertisement list immediately.
	if err := s.runScan(context.Background()); err != nil {
		log.Warn().Str("component", "discovery").Err(err).Msg("initial advertisement scan failed")
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.runScan(context.Background()); err != nil {
				log.Warn().Str("component", "discovery").Err(err).Msg("background advertisement scan failed")
			}
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[models.PeerID]DiscoveredPeer)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		in := entries
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.SelfDeviceID)
				if !ok {
					continue
				}
				peer.LastSeen = time.Now()
				collectedMu.Lock()
				collected[peer.Record.PeerID] = peer
				collectedMu.Unlock()
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	seen := collected
	collectedMu.Unlock()

	s.applyScan(seen, time.Now())

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *PeerScanner) applyScan(seen map[models.PeerID]DiscoveredPeer, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, peer := range seen {
		old, exists := s.peers[id]
		s.peers[id] = peer
		if !exists || !peersEqual(old, peer) {
			s.emitEvent(Event{Type: EventPeerUpserted, Peer: peer})
		}
	}

	for id, peer := range s.peers {
		if _, fresh := seen[id]; fresh {
			continue
		}
		if now.Sub(peer.LastSeen) > s.cfg.PeerStaleAfter {
			delete(s.peers, id)
			s.emitEvent(Event{Type: EventPeerRemoved, Peer: peer})
		}
	}
}

func (s *PeerScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
		log.Warn().
			Str("component", "discovery").
			Str("peer_id", string(event.Peer.Record.PeerID)).
			Msg("discovery event dropped, consumer is slow")
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredPeer, bool) {
	txt := txtToMap(entry.Text)

	peerID := strings.TrimSpace(txt[txtPeerID])
	if peerID == "" || peerID == selfDeviceID {
		return DiscoveredPeer{}, false
	}

	ssid := txt[txtSSID]
	if ssid == "" {
		return DiscoveredPeer{}, false
	}

	version := 0
	if txt[txtVersion] != "" {
		if parsed, err := strconv.Atoi(txt[txtVersion]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	// The advertised host lives on the responder's private network and wins over LAN addresses.
	host := txt[txtHost]
	if host == "" && len(addresses) > 0 {
		host = addresses[0]
	}

	port := entry.Port
	if raw := txt[txtListenPort]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			port = parsed
		}
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = peerID
	}

	return DiscoveredPeer{
		Record: models.AdvertisementRecord{
			PeerID:      models.PeerID(peerID),
			NetworkName: ssid,
			Secret:      txt[txtPassphrase],
			HostAddress: host,
			Port:        port,
		},
		DeviceName: name,
		Version:    version,
		HostName:   entry.HostName,
		Addresses:  addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		// Passphrases may legitimately carry surrounding spaces.
		if key == txtPassphrase || key == txtSSID {
			out[key] = parts[1]
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func peersEqual(a, b DiscoveredPeer) bool {
	if a.Record != b.Record ||
		a.DeviceName != b.DeviceName ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
