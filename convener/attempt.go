package convener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"rollcall/models"
	"rollcall/network"
	"rollcall/retry"
	"rollcall/wifi"
)

// Phase is one step of a connection attempt.
type Phase string

const (
	PhaseAwaitingJoin      Phase = "awaiting_join"
	PhaseConfirmingNetwork Phase = "confirming_network"
	PhaseOpeningSocket     Phase = "opening_socket"
	PhaseHandshaking       Phase = "handshaking"
	PhaseRecording         Phase = "recording"
	PhaseReverting         Phase = "reverting"
	PhaseDone              Phase = "done"
)

// attempt drives one peer from join to revert. It runs on its own goroutine.
type attempt struct {
	peerID     models.PeerID
	record     models.AdvertisementRecord
	convenerID string

	attachment wifi.Attachment
	resolver   network.HostResolver
	dialer     network.ContextDialer
	recorder   Recorder
	clock      clock.Clock

	confirm        retry.Policy
	connect        retry.Policy
	socketTimeout  time.Duration
	revertTimeout  time.Duration
	lenientConfirm bool

	// wake is signalled on every link-state change while the attempt runs.
	wake chan struct{}
	// prepare runs before the join; the orchestrator captures its saved handle there.
	prepare func(ctx context.Context)
	// notify emits a status line.
	notify func(string)

	phase  Phase
	logger zerolog.Logger
}

// run executes every phase and always ends with Reverting.
// A non-nil fatal error means the orchestrator must stop.
func (a *attempt) run(ctx context.Context) (result models.AttemptResult, fatal error) {
	result = models.AttemptResult{PeerID: a.peerID, Started: a.clock.Now()}

	var (
		profile wifi.Profile
		conn    net.Conn
	)
	defer func() {
		if r := recover(); r != nil {
			result.Outcome = models.OutcomeAborted
			result.Err = fmt.Errorf("%w: %v", ErrAttemptPanicked, r)
			fatal = nil
		}

		a.enter(PhaseReverting)
		if err := a.revert(ctx, profile, conn); err != nil {
			a.logger.Warn().Err(err).Msg("attempt cleanup incomplete")
		}
		result.Finished = a.clock.Now()
		a.enter(PhaseDone)
	}()

	a.enter(PhaseAwaitingJoin)
	if a.prepare != nil {
		a.prepare(ctx)
	}
	joined, err := a.attachment.Join(ctx, a.record.NetworkName, a.record.Secret)
	if err != nil {
		result.Outcome = models.OutcomeAborted
		result.Err = err
		if ctx.Err() != nil {
			return result, nil
		}
		return result, fmt.Errorf("%w: %q: %w", ErrJoinRejected, a.record.NetworkName, err)
	}
	profile = joined

	a.enter(PhaseConfirmingNetwork)
	observed, err := a.confirmNetwork(ctx)
	if err != nil {
		result.Err = err
		switch {
		case ctx.Err() != nil:
			result.Outcome = models.OutcomeAborted
			return result, nil
		case !a.lenientConfirm:
			result.Outcome = models.OutcomeTimeout
			return result, fmt.Errorf("%w: wanted %q, last saw %q", ErrConfirmExhausted, a.record.NetworkName, observed)
		case observed != "":
			result.Outcome = models.OutcomeWrongNetwork
		default:
			result.Outcome = models.OutcomeTimeout
		}
		return result, nil
	}

	a.enter(PhaseOpeningSocket)
	address, err := network.ResolveEndpoint(ctx, a.resolver, a.record.HostAddress, a.record.Port)
	if err != nil {
		result.Outcome = models.OutcomeAborted
		result.Err = err
		return result, nil
	}
	conn, err = network.DialWithRetry(ctx, address, network.DialOptions{
		Dialer:        a.dialer,
		Policy:        a.connect,
		SocketTimeout: a.socketTimeout,
	})
	if err != nil {
		result.Err = err
		if ctx.Err() != nil {
			result.Outcome = models.OutcomeAborted
		} else {
			result.Outcome = models.OutcomeTimeout
		}
		return result, nil
	}

	// Cancellation must interrupt a handshake blocked on the socket.
	stopInterrupt := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stopInterrupt()

	a.enter(PhaseHandshaking)
	nonce := network.NewNonce()
	result.Nonce, result.HasNonce = nonce, true
	reply, line, err := network.ConvenerExchange(conn, network.ConvenerMessage{
		ConvenerID: a.convenerID,
		Nonce:      nonce,
	}, a.socketTimeout)
	if line != "" {
		a.notify(fmt.Sprintf("Received from %s: %s", a.peerID, line))
	}
	if err != nil {
		result.Err = err
		result.Outcome = classifyHandshakeError(err)
		if ctx.Err() != nil {
			result.Outcome = models.OutcomeAborted
		}
		return result, nil
	}

	a.enter(PhaseRecording)
	result.Outcome = models.OutcomeRegistered
	result.RemoteIdentity = reply.ResponderID
	if a.recorder != nil {
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.revertTimeout)
		err := a.recorder.RecordConvened(recordCtx, models.ConvenedAttendance{
			ConvenerID:  a.convenerID,
			ResponderID: reply.ResponderID,
			PeerID:      a.peerID,
			Nonce:       nonce,
			Timestamp:   a.clock.Now().UnixMilli(),
		})
		cancel()
		if err != nil {
			a.logger.Error().Err(err).Msg("record attendance failed")
		}
	}

	return result, nil
}

// confirmNetwork waits until the link reports the advertised network.
// It returns the last differing network name observed.
func (a *attempt) confirmNetwork(ctx context.Context) (string, error) {
	var observed string
	err := a.confirm.DoWake(ctx, a.wake, func(try int) error {
		state, err := a.attachment.CurrentLinkState(ctx)
		if err != nil {
			return err
		}
		if state.WirelessConnected && state.NetworkName == a.record.NetworkName {
			return nil
		}
		if state.WirelessConnected && state.NetworkName != "" {
			observed = state.NetworkName
		}
		a.logger.Debug().
			Int("try", try).
			Str("associated", state.NetworkName).
			Bool("connected", state.WirelessConnected).
			Msg("network not confirmed yet")
		return errNotConfirmed
	})
	return observed, err
}

// revert closes the socket and removes the transient profile even when ctx is cancelled.
func (a *attempt) revert(ctx context.Context, profile wifi.Profile, conn net.Conn) error {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.revertTimeout)
	defer cancel()

	var err error
	if conn != nil {
		if closeErr := conn.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("close socket: %w", closeErr))
		}
	}
	if profile != "" {
		err = multierr.Append(err, a.attachment.RemoveProfile(cleanupCtx, profile))
	}
	return err
}

func (a *attempt) enter(phase Phase) {
	a.phase = phase
	a.logger.Debug().Str("phase", string(phase)).Msg("attempt phase")
}

func classifyHandshakeError(err error) models.Outcome {
	switch {
	case network.IsTimeout(err):
		return models.OutcomeTimeout
	case errors.Is(err, network.ErrProtocol),
		errors.Is(err, network.ErrLineTooLong),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return models.OutcomeProtocolError
	default:
		return models.OutcomeAborted
	}
}
