package convener

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"rollcall/models"
	"rollcall/network"
	"rollcall/retry"
	"rollcall/wifi"
)

type fakeAttachment struct {
	mu sync.Mutex

	current    wifi.Handle
	hasCurrent bool
	link       models.LinkState

	// linkAfterJoin overrides the reported link once a join is requested.
	linkAfterJoin func(network string) models.LinkState
	joinErr       error
	restoreErr    error

	joins       []string
	linkReads   int
	active      int
	maxActive   int
	removed     []wifi.Profile
	restores    []wifi.Handle
	disconnects int
}

func (f *fakeAttachment) Current(context.Context) (wifi.Handle, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.hasCurrent, nil
}

func (f *fakeAttachment) Join(_ context.Context, networkName, _ string) (wifi.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, networkName)
	if f.joinErr != nil {
		return "", f.joinErr
	}
	f.active++
	// The joined network becomes the current attachment, as on a real device.
	f.current, f.hasCurrent = wifi.Handle(networkName), true
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	if f.linkAfterJoin != nil {
		f.link = f.linkAfterJoin(networkName)
	}
	return wifi.Profile("profile-" + networkName), nil
}

func (f *fakeAttachment) CurrentLinkState(context.Context) (models.LinkState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkReads++
	return f.link, nil
}

func (f *fakeAttachment) RemoveProfile(_ context.Context, profile wifi.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
	f.removed = append(f.removed, profile)
	return nil
}

func (f *fakeAttachment) Restore(_ context.Context, handle wifi.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.restores = append(f.restores, handle)
	f.current, f.hasCurrent = handle, true
	f.link = models.LinkState{NetworkName: string(handle), WirelessConnected: true}
	return nil
}

func (f *fakeAttachment) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.current, f.hasCurrent = "", false
	f.link = models.LinkState{}
	return nil
}

func (f *fakeAttachment) snapshot() fakeAttachment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeAttachment{
		joins:       append([]string(nil), f.joins...),
		linkReads:   f.linkReads,
		active:      f.active,
		maxActive:   f.maxActive,
		removed:     append([]wifi.Profile(nil), f.removed...),
		restores:    append([]wifi.Handle(nil), f.restores...),
		disconnects: f.disconnects,
	}
}

// fakeScanner reports visible on every accepted scan through deliver.
type fakeScanner struct {
	mu      sync.Mutex
	visible []models.VisibleNetwork
	reject  bool
	scans   int
	deliver func([]models.VisibleNetwork)
	scanErr error
}

func (f *fakeScanner) StartScan(context.Context) (bool, error) {
	f.mu.Lock()
	f.scans++
	visible := append([]models.VisibleNetwork(nil), f.visible...)
	reject, err, deliver := f.reject, f.scanErr, f.deliver
	f.mu.Unlock()

	if err != nil {
		return false, err
	}
	if reject {
		return false, nil
	}
	if deliver != nil {
		deliver(visible)
	}
	return true, nil
}

func (f *fakeScanner) setVisible(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visible = f.visible[:0]
	for _, name := range names {
		f.visible = append(f.visible, models.VisibleNetwork{NetworkName: name})
	}
}

// fakeDialer hands out in-memory pipes served by a per-address handler.
type fakeDialer struct {
	mu       sync.Mutex
	handlers map[string]func(net.Conn)
	dials    []string
	refuse   bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{handlers: make(map[string]func(net.Conn))}
}

func (f *fakeDialer) handle(address string, handler func(net.Conn)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[address] = handler
}

func (f *fakeDialer) DialContext(_ context.Context, _, address string) (net.Conn, error) {
	f.mu.Lock()
	f.dials = append(f.dials, address)
	handler, ok := f.handlers[address]
	refuse := f.refuse
	f.mu.Unlock()

	if refuse || !ok {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		handler(server)
	}()
	return client, nil
}

func (f *fakeDialer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dials)
}

func respondAs(responderID string) func(net.Conn) {
	return func(conn net.Conn) {
		_, _ = network.RespondOnce(conn, responderID, time.Second)
	}
}

type failingResolver struct{}

func (failingResolver) LookupHost(context.Context, string) ([]string, error) {
	return nil, errors.New("no such host")
}

type fakeRecorder struct {
	mu       sync.Mutex
	convened []models.ConvenedAttendance
	attempts []models.AttemptResult
}

func (f *fakeRecorder) RecordConvened(_ context.Context, record models.ConvenedAttendance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convened = append(f.convened, record)
	return nil
}

func (f *fakeRecorder) LogAttempt(_ context.Context, result models.AttemptResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, result)
	return nil
}

func (f *fakeRecorder) attemptList() []models.AttemptResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.AttemptResult(nil), f.attempts...)
}

func (f *fakeRecorder) convenedList() []models.ConvenedAttendance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ConvenedAttendance(nil), f.convened...)
}

type fakeMetrics struct {
	mu       sync.Mutex
	outcomes []models.Outcome
	depths   []int
}

func (f *fakeMetrics) ObserveAttempt(result models.AttemptResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, result.Outcome)
}

func (f *fakeMetrics) SetQueueDepth(depth int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depths = append(f.depths, depth)
}

type harness struct {
	orch       *Orchestrator
	clock      *clock.Mock
	attachment *fakeAttachment
	scanner    *fakeScanner
	dialer     *fakeDialer
	recorder   *fakeRecorder
	metrics    *fakeMetrics
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()

	h := &harness{
		clock: clock.NewMock(),
		attachment: &fakeAttachment{
			current:    "Home",
			hasCurrent: true,
			link:       models.LinkState{NetworkName: "Home", WirelessConnected: true},
			linkAfterJoin: func(network string) models.LinkState {
				return models.LinkState{NetworkName: network, WirelessConnected: true}
			},
		},
		scanner:  &fakeScanner{},
		dialer:   newFakeDialer(),
		recorder: &fakeRecorder{},
		metrics:  &fakeMetrics{},
	}

	opts := Options{
		ConvenerID:    "LECT01",
		Attachment:    h.attachment,
		Scanner:       h.scanner,
		Recorder:      h.recorder,
		Metrics:       h.metrics,
		Dialer:        h.dialer,
		Clock:         h.clock,
		ScanInterval:  30 * time.Second,
		BusyPoll:      3 * time.Second,
		ConfirmPolicy: retry.Policy{MaxAttempts: 20, Backoff: time.Second},
		ConnectPolicy: retry.Policy{MaxAttempts: 20, Backoff: time.Second},
		SocketTimeout: time.Second,
		RevertTimeout: time.Second,
	}
	if tweak != nil {
		tweak(&opts)
	}

	orch, err := New(opts)
	require.NoError(t, err)
	h.orch = orch
	h.scanner.deliver = orch.ScanResultsAvailable
	t.Cleanup(orch.Stop)
	return h
}

func (h *harness) advertise(peerID, ssid, host string, port int) {
	h.orch.AdvertisementAvailable(models.PeerID(peerID), models.AdvertisementRecord{
		NetworkName: ssid,
		Secret:      "pass-" + ssid,
		HostAddress: host,
		Port:        port,
	})
}

// tickUntil advances the mock clock in small steps until cond holds.
func (h *harness) tickUntil(t *testing.T, step time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		h.clock.Add(step)
		return cond()
	}, 5*time.Second, time.Millisecond)
}

func drainNotes(ch <-chan string) []string {
	var out []string
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, line)
		default:
			return out
		}
	}
}
