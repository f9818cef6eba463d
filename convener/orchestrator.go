// Package convener turns advertisement, scan and link-state events into a
// serialized sequence of join, handshake and revert attempts.
package convener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rollcall/config"
	"rollcall/models"
	"rollcall/network"
	"rollcall/retry"
	"rollcall/wifi"
)

const (
	DefaultScanInterval       = 30 * time.Second
	DefaultBusyPoll           = 3 * time.Second
	DefaultEventBuffer        = 64
	DefaultNotificationBuffer = 64
	DefaultRevertTimeout      = 10 * time.Second
)

// State is the orchestrator's coarse state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateReverted   State = "reverted"
)

// Recorder persists the convener's view of each handshake and attempt.
type Recorder interface {
	RecordConvened(ctx context.Context, record models.ConvenedAttendance) error
	LogAttempt(ctx context.Context, result models.AttemptResult) error
}

// Discoverer refreshes advertisements at the start of each idle scan cycle.
type Discoverer interface {
	Refresh(ctx context.Context) error
}

// Metrics observes attempt outcomes and queue depth.
type Metrics interface {
	ObserveAttempt(result models.AttemptResult)
	SetQueueDepth(depth int)
}

// Options configures an Orchestrator. Attachment and Scanner are required.
type Options struct {
	ConvenerID string

	Attachment wifi.Attachment
	Scanner    wifi.Scanner
	Discoverer Discoverer
	Recorder   Recorder
	Metrics    Metrics
	Resolver   network.HostResolver
	Dialer     network.ContextDialer
	Clock      clock.Clock

	ScanInterval  time.Duration
	BusyPoll      time.Duration
	ConfirmPolicy retry.Policy
	ConnectPolicy retry.Policy
	SocketTimeout time.Duration
	RevertTimeout time.Duration

	// LenientConfirm keeps the orchestrator running when network confirmation
	// runs out of retries; only the attempt fails.
	LenientConfirm bool

	EventBuffer int
}

// OptionsFromConfig maps persisted device settings onto orchestrator options.
func OptionsFromConfig(cfg *config.DeviceConfig) Options {
	return Options{
		ConvenerID:   cfg.DisplayID,
		ScanInterval: cfg.ScanInterval(),
		BusyPoll:     cfg.BusyPoll(),
		ConfirmPolicy: retry.Policy{
			MaxAttempts: cfg.ConfirmRetries,
			Backoff:     cfg.ConfirmSpacing(),
		},
		ConnectPolicy: retry.Policy{
			MaxAttempts: cfg.ConnectRetries,
			Backoff:     cfg.ConnectSpacing(),
		},
		SocketTimeout:  cfg.SocketTimeout(),
		LenientConfirm: !cfg.FailFast(),
	}
}

func (o Options) withDefaults() Options {
	out := o
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.ScanInterval <= 0 {
		out.ScanInterval = DefaultScanInterval
	}
	if out.BusyPoll <= 0 {
		out.BusyPoll = DefaultBusyPoll
	}
	if out.ConfirmPolicy.MaxAttempts <= 0 {
		out.ConfirmPolicy.MaxAttempts = config.DefaultConfirmRetries
	}
	if out.ConfirmPolicy.Backoff <= 0 {
		out.ConfirmPolicy.Backoff = config.DefaultConfirmSpacingMillis * time.Millisecond
	}
	if out.ConfirmPolicy.Clock == nil {
		out.ConfirmPolicy.Clock = out.Clock
	}
	if out.ConnectPolicy.MaxAttempts <= 0 {
		out.ConnectPolicy.MaxAttempts = config.DefaultConnectRetries
	}
	if out.ConnectPolicy.Backoff <= 0 {
		out.ConnectPolicy.Backoff = config.DefaultConnectSpacingMillis * time.Millisecond
	}
	if out.ConnectPolicy.Clock == nil {
		out.ConnectPolicy.Clock = out.Clock
	}
	if out.SocketTimeout <= 0 {
		out.SocketTimeout = network.DefaultSocketTimeout
	}
	if out.RevertTimeout <= 0 {
		out.RevertTimeout = DefaultRevertTimeout
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = DefaultEventBuffer
	}
	if out.Resolver == nil {
		out.Resolver = net.DefaultResolver
	}
	return out
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	State          State
	InFlight       models.PeerID
	Pending        []models.PeerID
	Completed      []models.PeerID
	Advertised     int
	SavedHandle    wifi.Handle
	HasSavedHandle bool
}

type inFlight struct {
	peerID models.PeerID
	wake   chan struct{}
}

// Orchestrator owns the registration queue and runs at most one attempt at a time.
type Orchestrator struct {
	opts   Options
	clock  clock.Clock
	logger zerolog.Logger

	ads     *AdvertisementStore
	events  chan event
	results chan attemptDone

	ready     chan struct{}
	readyOnce sync.Once

	notesMu     sync.RWMutex
	notes       chan string
	notesClosed bool

	// mu guards the queue, the in-flight slot and the saved handle. It is also
	// held across revert I/O so join and revert never overlap.
	mu       sync.Mutex
	queue    *RegistrationQueue
	current  *inFlight
	state    State
	saved    wifi.Handle
	hasSaved bool
	captured bool
	dirty    bool
	stopping bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	done    chan struct{}

	errMu sync.Mutex
	err   error
}

// New validates options and returns an orchestrator ready to Start.
func New(options Options) (*Orchestrator, error) {
	opts := options.withDefaults()
	if opts.ConvenerID == "" {
		return nil, errors.New("convener ID is required")
	}
	if opts.Attachment == nil {
		return nil, errors.New("network attachment is required")
	}
	if opts.Scanner == nil {
		return nil, errors.New("scanner is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		opts:    opts,
		clock:   opts.Clock,
		logger:  log.With().Str("component", "convener").Logger(),
		ads:     NewAdvertisementStore(),
		events:  make(chan event, opts.EventBuffer),
		results: make(chan attemptDone, 1),
		ready:   make(chan struct{}),
		notes:   make(chan string, DefaultNotificationBuffer),
		queue:   NewRegistrationQueue(),
		state:   StateIdle,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if opts.Discoverer == nil {
		o.markReady()
	}
	return o, nil
}

// Start launches the dispatcher and scan loop. Cancelling parent stops the orchestrator.
func (o *Orchestrator) Start(parent context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return errors.New("convener: orchestrator already started")
	}

	stopAfter := func() bool { return false }
	if parent != nil {
		stopAfter = context.AfterFunc(parent, o.cancel)
	}

	o.wg.Add(2)
	go o.dispatch()
	go o.scanLoop()
	go o.supervise(stopAfter)

	o.logger.Info().Str("convener_id", o.opts.ConvenerID).Msg("orchestrator started")
	return nil
}

// Stop cancels the scan loop and any attempt, reverts the attachment and waits.
func (o *Orchestrator) Stop() {
	o.cancel()
	if o.started.Load() {
		<-o.done
	}
}

// Wait blocks until a started orchestrator has stopped and returns its fatal error, if any.
func (o *Orchestrator) Wait() error {
	<-o.done
	return o.Err()
}

// Done is closed once the orchestrator has fully stopped.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Err returns the fatal error that stopped the orchestrator.
func (o *Orchestrator) Err() error {
	o.errMu.Lock()
	defer o.errMu.Unlock()
	return o.err
}

// Notifications delivers human-readable status lines. Lines are dropped when
// the reader falls behind. The channel is closed after the orchestrator stops.
func (o *Orchestrator) Notifications() <-chan string {
	return o.notes
}

// AdvertisementAvailable records a fresh advertisement for peerID.
func (o *Orchestrator) AdvertisementAvailable(peerID models.PeerID, record models.AdvertisementRecord) {
	o.post(event{kind: eventAdvertisement, peerID: peerID, record: record})
}

// AdvertisementListenersReady releases the scan loop once discovery is listening.
func (o *Orchestrator) AdvertisementListenersReady() {
	o.post(event{kind: eventListenersReady})
}

// ScanResultsAvailable matches visible networks against advertisements.
func (o *Orchestrator) ScanResultsAvailable(visible []models.VisibleNetwork) {
	o.post(event{kind: eventScanResults, visible: append([]models.VisibleNetwork(nil), visible...)})
}

// LinkStateChanged wakes the in-flight attempt's network confirmation.
func (o *Orchestrator) LinkStateChanged(state models.LinkState) {
	o.post(event{kind: eventLinkState, link: state})
}

// CancelPending removes a queued peer. In-flight and completed peers are unaffected.
func (o *Orchestrator) CancelPending(peerID models.PeerID) bool {
	o.mu.Lock()
	removed := o.queue.Cancel(peerID)
	depth := o.queue.Len()
	o.mu.Unlock()

	if removed {
		o.setQueueDepth(depth)
		o.logger.Info().Str("peer_id", string(peerID)).Msg("pending peer cancelled")
	}
	return removed
}

// Revert restores the saved attachment, or disconnects if none was captured.
// It does nothing when the attachment has not changed since the last revert.
func (o *Orchestrator) Revert(ctx context.Context) error {
	return o.revertAttachment(ctx)
}

// Snapshot returns the current queue and attachment view.
func (o *Orchestrator) Snapshot() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	inFlight, _ := o.queue.InFlight()
	return Status{
		State:          o.state,
		InFlight:       inFlight,
		Pending:        o.queue.Pending(),
		Completed:      o.queue.Completed(),
		Advertised:     o.ads.Len(),
		SavedHandle:    o.saved,
		HasSavedHandle: o.hasSaved,
	}
}

func (o *Orchestrator) post(ev event) bool {
	select {
	case o.events <- ev:
		return true
	case <-o.ctx.Done():
		return false
	}
}

func (o *Orchestrator) dispatch() {
	defer o.wg.Done()

	for {
		select {
		case <-o.ctx.Done():
			return
		case ev := <-o.events:
			o.handleEvent(ev)
		case done := <-o.results:
			o.finishAttempt(done)
			if done.fatal != nil {
				o.fail(done.fatal)
				return
			}
			o.advance()
		}
	}
}

func (o *Orchestrator) handleEvent(ev event) {
	switch ev.kind {
	case eventAdvertisement:
		o.ads.Put(ev.peerID, ev.record)
		o.logger.Debug().
			Str("peer_id", string(ev.peerID)).
			Str("ssid", ev.record.NetworkName).
			Msg("advertisement stored")
	case eventListenersReady:
		o.markReady()
	case eventScanResults:
		o.enqueueVisible(ev.visible)
		o.advance()
	case eventLinkState:
		o.mu.Lock()
		current := o.current
		o.mu.Unlock()
		o.logger.Debug().
			Str("ssid", ev.link.NetworkName).
			Bool("connected", ev.link.WirelessConnected).
			Msg("link state changed")
		if current != nil {
			select {
			case current.wake <- struct{}{}:
			default:
			}
		}
	default:
		o.logger.Warn().Stringer("kind", ev.kind).Msg("unknown event dropped")
	}
}

// markReady releases the scan loop; later calls are no-ops.
func (o *Orchestrator) markReady() {
	o.readyOnce.Do(func() {
		close(o.ready)
		o.logger.Info().Msg("advertisement listeners ready")
	})
}

func (o *Orchestrator) enqueueVisible(visible []models.VisibleNetwork) {
	snapshot := o.ads.Snapshot()

	o.mu.Lock()
	matched := Match(snapshot, visible, o.queue.Contains)
	added := make([]models.PeerID, 0, len(matched))
	for _, peerID := range matched {
		if o.queue.Enqueue(peerID) {
			added = append(added, peerID)
		}
	}
	depth := o.queue.Len()
	o.mu.Unlock()

	if len(added) == 0 {
		return
	}
	o.setQueueDepth(depth)
	for _, peerID := range added {
		o.notify(fmt.Sprintf("Queued %s", peerID))
	}
}

// advance starts the next queued attempt, or reverts once the queue is drained.
func (o *Orchestrator) advance() {
	for {
		o.mu.Lock()
		if o.current != nil || o.stopping || o.ctx.Err() != nil {
			o.mu.Unlock()
			return
		}

		peerID, ok := o.queue.Pop()
		if !ok {
			o.mu.Unlock()
			ctx, cancel := context.WithTimeout(o.ctx, o.opts.RevertTimeout)
			if err := o.revertAttachment(ctx); err != nil {
				o.logger.Warn().Err(err).Msg("revert after drained queue failed")
			}
			cancel()
			return
		}

		record, found := o.ads.Get(peerID)
		if !found {
			o.queue.Release(peerID)
			o.mu.Unlock()
			o.logger.Warn().Str("peer_id", string(peerID)).Msg("queued peer has no advertisement")
			continue
		}

		o.startAttemptLocked(peerID, record)
		depth := o.queue.Len()
		o.mu.Unlock()

		o.setQueueDepth(depth)
		o.notify(fmt.Sprintf("Connecting to %s on %s", peerID, record.NetworkName))
		return
	}
}

func (o *Orchestrator) startAttemptLocked(peerID models.PeerID, record models.AdvertisementRecord) {
	current := &inFlight{peerID: peerID, wake: make(chan struct{}, 1)}
	o.current = current
	o.state = StateConnecting
	o.dirty = true

	a := &attempt{
		peerID:         peerID,
		record:         record,
		convenerID:     o.opts.ConvenerID,
		attachment:     o.opts.Attachment,
		resolver:       o.opts.Resolver,
		dialer:         o.opts.Dialer,
		recorder:       o.opts.Recorder,
		clock:          o.clock,
		confirm:        o.opts.ConfirmPolicy,
		connect:        o.opts.ConnectPolicy,
		socketTimeout:  o.opts.SocketTimeout,
		revertTimeout:  o.opts.RevertTimeout,
		lenientConfirm: o.opts.LenientConfirm,
		wake:           current.wake,
		prepare:        o.captureSavedHandle,
		notify:         o.notify,
		logger:         o.logger.With().Str("peer_id", string(peerID)).Logger(),
	}

	attemptCtx, cancel := context.WithCancel(o.ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		result, fatal := a.run(attemptCtx)
		o.results <- attemptDone{result: result, fatal: fatal}
	}()
}

// captureSavedHandle records the pre-attempt attachment exactly once.
func (o *Orchestrator) captureSavedHandle(ctx context.Context) {
	o.mu.Lock()
	captured := o.captured
	o.mu.Unlock()
	if captured {
		return
	}

	handle, ok, err := o.opts.Attachment.Current(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("read current attachment failed, will disconnect on revert")
		ok = false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.captured {
		return
	}
	o.captured = true
	o.saved, o.hasSaved = handle, ok
	o.logger.Info().Str("handle", string(handle)).Bool("present", ok).Msg("saved network attachment")
}

func (o *Orchestrator) finishAttempt(done attemptDone) {
	result := done.result

	o.mu.Lock()
	if o.current != nil && o.current.peerID == result.PeerID {
		o.current = nil
	}
	if result.Outcome == models.OutcomeRegistered {
		o.queue.Complete(result.PeerID)
	} else {
		o.queue.Release(result.PeerID)
	}
	o.state = StateIdle
	o.mu.Unlock()

	entry := o.logger.Info()
	if result.Outcome != models.OutcomeRegistered {
		entry = o.logger.Warn().Err(result.Err)
	}
	entry.
		Str("peer_id", string(result.PeerID)).
		Str("outcome", string(result.Outcome)).
		Str("remote", result.RemoteIdentity).
		Dur("duration", result.Duration()).
		Msg("attempt finished")

	if o.opts.Recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), o.opts.RevertTimeout)
		if err := o.opts.Recorder.LogAttempt(ctx, result); err != nil {
			o.logger.Error().Err(err).Msg("log attempt failed")
		}
		cancel()
	}
	if o.opts.Metrics != nil {
		o.opts.Metrics.ObserveAttempt(result)
	}
	o.notify(describeResult(result))
}

func (o *Orchestrator) revertAttachment(ctx context.Context) error {
	o.mu.Lock()
	if !o.dirty {
		o.mu.Unlock()
		return nil
	}
	if o.current != nil {
		o.mu.Unlock()
		return ErrBusy
	}

	var err error
	if o.hasSaved {
		err = o.opts.Attachment.Restore(ctx, o.saved)
	} else {
		err = o.opts.Attachment.Disconnect(ctx)
	}
	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("revert network attachment: %w", err)
	}
	o.dirty = false
	o.state = StateReverted
	o.mu.Unlock()

	o.logger.Info().Msg("network attachment reverted")
	o.notify("Network attachment reverted")
	return nil
}

func (o *Orchestrator) scanLoop() {
	defer o.wg.Done()

	select {
	case <-o.ready:
	case <-o.ctx.Done():
		return
	}

	for {
		if o.busy() {
			if !o.sleep(o.opts.BusyPoll) {
				return
			}
			continue
		}

		if o.opts.Discoverer != nil {
			if err := o.opts.Discoverer.Refresh(o.ctx); err != nil {
				if o.ctx.Err() != nil {
					return
				}
				o.fail(fmt.Errorf("%w: %w", ErrDiscoveryFailed, err))
				return
			}
		}

		accepted, err := o.opts.Scanner.StartScan(o.ctx)
		if o.ctx.Err() != nil {
			return
		}
		if err != nil {
			o.fail(fmt.Errorf("%w: %w", ErrScanRejected, err))
			return
		}
		if !accepted {
			o.fail(ErrScanRejected)
			return
		}

		if !o.sleep(o.opts.ScanInterval) {
			return
		}
	}
}

func (o *Orchestrator) busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current != nil
}

func (o *Orchestrator) sleep(d time.Duration) bool {
	timer := o.clock.Timer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-o.ctx.Done():
		return false
	}
}

// supervise waits for shutdown, joins every goroutine, then reverts the attachment.
func (o *Orchestrator) supervise(stopAfter func() bool) {
	<-o.ctx.Done()
	stopAfter()

	o.mu.Lock()
	o.stopping = true
	o.mu.Unlock()
	o.wg.Wait()

	select {
	case done := <-o.results:
		o.finishAttempt(done)
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.opts.RevertTimeout)
	if err := o.revertAttachment(ctx); err != nil {
		o.logger.Error().Err(err).Msg("revert on shutdown failed")
	}
	cancel()

	o.logger.Info().Err(o.Err()).Msg("orchestrator stopped")

	o.notesMu.Lock()
	o.notesClosed = true
	close(o.notes)
	o.notesMu.Unlock()
	close(o.done)
}

func (o *Orchestrator) fail(err error) {
	o.errMu.Lock()
	first := o.err == nil
	if first {
		o.err = err
	}
	o.errMu.Unlock()

	if first {
		o.logger.Error().Err(err).Msg("orchestrator stopping on fatal error")
		o.notify(fmt.Sprintf("Stopped: %v", err))
	}
	o.cancel()
}

func (o *Orchestrator) notify(line string) {
	o.notesMu.RLock()
	defer o.notesMu.RUnlock()
	if o.notesClosed {
		return
	}
	select {
	case o.notes <- line:
	default:
	}
}

func (o *Orchestrator) setQueueDepth(depth int) {
	if o.opts.Metrics != nil {
		o.opts.Metrics.SetQueueDepth(depth)
	}
}

func describeResult(result models.AttemptResult) string {
	if result.Outcome == models.OutcomeRegistered {
		return fmt.Sprintf("Registered %s via %s (nonce %d)", result.RemoteIdentity, result.PeerID, result.Nonce)
	}
	if result.Err != nil {
		return fmt.Sprintf("Attempt for %s ended %s: %v", result.PeerID, result.Outcome, result.Err)
	}
	return fmt.Sprintf("Attempt for %s ended %s", result.PeerID, result.Outcome)
}
