// Package responder hosts a private group, advertises it and answers convener handshakes.
package responder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"rollcall/discovery"
	"rollcall/models"
	"rollcall/network"
	"rollcall/wifi"
)

const (
	DefaultNotificationBuffer = 64
	DefaultTeardownTimeout    = 10 * time.Second
)

// Recorder persists the responder's view of each handshake.
type Recorder interface {
	RecordResponded(ctx context.Context, record models.RespondedAttendance) error
}

// Metrics counts served handshakes.
type Metrics interface {
	ObserveHandshake(valid bool)
}

// Advertisement is a running mDNS advertisement.
type Advertisement interface {
	Stop()
}

// AdvertiseFunc publishes cfg and returns a handle that stops it.
type AdvertiseFunc func(cfg discovery.Config) (Advertisement, error)

// Options configures a Service. ResponderID and Host are required.
type Options struct {
	ResponderID string
	DeviceID    string
	DeviceName  string
	GroupName   string

	ListenAddress string
	SocketTimeout time.Duration
	AckDuration   time.Duration

	Host         wifi.GroupHost
	Recorder     Recorder
	Acknowledger Acknowledger
	Metrics      Metrics
	Advertise    AdvertiseFunc
	Clock        clock.Clock
}

func (o Options) withDefaults() Options {
	out := o
	if out.DeviceID == "" {
		out.DeviceID = out.ResponderID
	}
	if out.DeviceName == "" {
		out.DeviceName = out.ResponderID
	}
	if out.GroupName == "" {
		out.GroupName = out.ResponderID
	}
	if out.ListenAddress == "" {
		out.ListenAddress = ":0"
	}
	if out.SocketTimeout <= 0 {
		out.SocketTimeout = network.DefaultSocketTimeout
	}
	if out.AckDuration <= 0 {
		out.AckDuration = DefaultAckDuration
	}
	if out.Acknowledger == nil {
		out.Acknowledger = BellAcknowledger{}
	}
	if out.Advertise == nil {
		out.Advertise = func(cfg discovery.Config) (Advertisement, error) {
			broadcaster, err := discovery.StartBroadcaster(cfg)
			if err != nil {
				return nil, err
			}
			return broadcaster, nil
		}
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	return out
}

// Service is the responder role: one private group, one handshake server, one advertisement.
type Service struct {
	opts   Options
	logger zerolog.Logger

	group     wifi.Group
	server    *network.Server
	advertise Advertisement

	notesMu     sync.RWMutex
	notes       chan string
	notesClosed bool

	startOnce sync.Once
	stopOnce  sync.Once
	stopErr   error
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New validates options and returns a service ready to Start.
func New(options Options) (*Service, error) {
	opts := options.withDefaults()
	if opts.ResponderID == "" {
		return nil, errors.New("responder ID is required")
	}
	if opts.Host == nil {
		return nil, errors.New("group host is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		opts:   opts,
		logger: log.With().Str("component", "responder").Logger(),
		notes:  make(chan string, DefaultNotificationBuffer),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start creates the group, opens the handshake server and advertises both.
// A partial start is torn down before the error is returned.
func (s *Service) Start(ctx context.Context) error {
	started := false
	var err error
	s.startOnce.Do(func() {
		started = true
		err = s.start(ctx)
	})
	if !started {
		return errors.New("responder: service already started")
	}
	return err
}

func (s *Service) start(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.teardown())
		}
	}()

	group, err := s.opts.Host.CreateGroup(ctx, s.opts.GroupName)
	if err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	s.group = group
	s.logger.Info().
		Str("ssid", group.NetworkName).
		Str("host", group.HostAddress).
		Msg("private group created")

	server, err := network.Listen(s.opts.ListenAddress, network.ServerOptions{
		ResponderID:   s.opts.ResponderID,
		SocketTimeout: s.opts.SocketTimeout,
	})
	if err != nil {
		return err
	}
	s.server = server

	advertisement, err := s.opts.Advertise(discovery.Config{
		SelfDeviceID: s.opts.DeviceID,
		DeviceName:   s.opts.DeviceName,
		Advertisement: models.AdvertisementRecord{
			PeerID:      models.PeerID(s.opts.DeviceID),
			NetworkName: group.NetworkName,
			Secret:      group.Secret,
			HostAddress: group.HostAddress,
			Port:        server.Port(),
		},
	})
	if err != nil {
		return fmt.Errorf("advertise group: %w", err)
	}
	s.advertise = advertisement

	s.wg.Add(2)
	go s.serve()
	go s.watchErrors()

	s.logger.Info().
		Str("responder_id", s.opts.ResponderID).
		Int("port", server.Port()).
		Msg("responder started")
	s.notify(fmt.Sprintf("Hosting %s on port %d", group.NetworkName, server.Port()))
	return nil
}

// Group returns the hosted private group.
func (s *Service) Group() wifi.Group {
	return s.group
}

// Port returns the handshake server port, or 0 before Start.
func (s *Service) Port() int {
	if s.server == nil {
		return 0
	}
	return s.server.Port()
}

// Notifications delivers human-readable status lines. Lines are dropped when
// the reader falls behind. The channel is closed by Stop.
func (s *Service) Notifications() <-chan string {
	return s.notes
}

// Stop withdraws the advertisement, closes the server, waits for in-flight
// handshakes and removes the group.
func (s *Service) Stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.teardown()
		s.wg.Wait()

		s.notesMu.Lock()
		s.notesClosed = true
		close(s.notes)
		s.notesMu.Unlock()
		s.logger.Info().Err(s.stopErr).Msg("responder stopped")
	})
	return s.stopErr
}

func (s *Service) teardown() error {
	s.cancel()

	var err error
	if s.advertise != nil {
		s.advertise.Stop()
		s.advertise = nil
	}
	if s.server != nil {
		err = multierr.Append(err, s.server.Close())
	}
	if s.group.NetworkName != "" {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTeardownTimeout)
		err = multierr.Append(err, s.opts.Host.RemoveGroup(ctx, s.group))
		cancel()
		s.group = wifi.Group{}
	}
	return err
}

func (s *Service) serve() {
	defer s.wg.Done()
	for inbound := range s.server.Incoming() {
		s.handle(inbound)
	}
}

func (s *Service) watchErrors() {
	defer s.wg.Done()
	for err := range s.server.Errors() {
		s.logger.Warn().Err(err).Msg("handshake server error")
	}
}

func (s *Service) handle(inbound network.Inbound) {
	s.notify(fmt.Sprintf("Received: %s", inbound.Line))
	if inbound.ReplyErr != nil {
		s.logger.Warn().
			Str("remote", inbound.Remote.String()).
			Err(inbound.ReplyErr).
			Msg("reply to convener not delivered")
	}

	if !inbound.Valid() {
		s.logger.Warn().
			Str("remote", inbound.Remote.String()).
			Err(inbound.Err).
			Msg("malformed convener line")
		if s.opts.Metrics != nil {
			s.opts.Metrics.ObserveHandshake(false)
		}
		return
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.ObserveHandshake(true)
	}

	msg := inbound.Message
	s.logger.Info().
		Str("convener_id", msg.ConvenerID).
		Int("nonce", msg.Nonce).
		Msg("convener handshake served")

	if s.opts.Recorder != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), DefaultTeardownTimeout)
		err := s.opts.Recorder.RecordResponded(ctx, models.RespondedAttendance{
			ResponderID: s.opts.ResponderID,
			ConvenerID:  msg.ConvenerID,
			Nonce:       msg.Nonce,
			Timestamp:   s.opts.Clock.Now().UnixMilli(),
		})
		cancel()
		if err != nil {
			s.logger.Error().Err(err).Msg("record attendance failed")
		}
	}

	if err := s.opts.Acknowledger.Acknowledge(s.ctx, s.opts.AckDuration); err != nil {
		s.logger.Warn().Err(err).Msg("acknowledgment failed")
	}
	s.notify(fmt.Sprintf("Registered with %s (nonce %d)", msg.ConvenerID, msg.Nonce))
}

func (s *Service) notify(line string) {
	s.notesMu.RLock()
	defer s.notesMu.RUnlock()
	if s.notesClosed {
		return
	}
	select {
	case s.notes <- line:
	default:
	}
}
