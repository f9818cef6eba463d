package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"

	"rollcall/models"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_rollcall._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background advertisement discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 120
)

// TXT record keys carried by a responder advertisement.
const (
	txtPeerID     = "peer_id"
	txtSSID       = "ssid"
	txtPassphrase = "passphrase"
	txtHost       = "host"
	txtListenPort = "listenport"
	txtVersion    = "version"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcaster and scanner behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32
	PeerStaleAfter  time.Duration

	SelfDeviceID string
	DeviceName   string

	// Advertisement is what a responder publishes; PeerID defaults to SelfDeviceID.
	Advertisement models.AdvertisementRecord

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.PeerStaleAfter <= 0 {
		out.PeerStaleAfter = 2 * time.Duration(out.TTL) * time.Second
	}
	if out.Advertisement.PeerID == "" {
		out.Advertisement.PeerID = models.PeerID(out.SelfDeviceID)
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if strings.TrimSpace(c.Advertisement.NetworkName) == "" {
		return errors.New("advertised network name is required")
	}
	if strings.TrimSpace(c.Advertisement.HostAddress) == "" {
		return errors.New("advertised host address is required")
	}
	if c.Advertisement.Port <= 0 {
		return errors.New("advertised port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	return nil
}

// Broadcaster advertises a responder's private network via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers and starts mDNS broadcast.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	txt := advertisementTXT(cfg.Advertisement, cfg.Version)
	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.Advertisement.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	log.Info().
		Str("component", "discovery").
		Str("peer_id", string(cfg.Advertisement.PeerID)).
		Str("ssid", cfg.Advertisement.NetworkName).
		Int("port", cfg.Advertisement.Port).
		Msg("advertising responder")

	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

func advertisementTXT(record models.AdvertisementRecord, version int) []string {
	return []string{
		txtPeerID + "=" + string(record.PeerID),
		txtSSID + "=" + record.NetworkName,
		txtPassphrase + "=" + record.Secret,
		txtHost + "=" + record.HostAddress,
		txtListenPort + "=" + strconv.Itoa(record.Port),
		txtVersion + "=" + strconv.Itoa(version),
	}
}
