package wifi

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"rollcall/models"
)

const (
	// DefaultPollInterval is the link-state poll interval and scan result delay.
	DefaultPollInterval = time.Second
	// ProfilePrefix names every profile this package creates.
	ProfilePrefix = "rollcall-"

	wirelessType = "802-11-wireless"
)

// Runner executes one nmcli invocation and returns its stdout.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "nmcli", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("nmcli %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// NMCLIOptions configures an NMCLI substrate.
type NMCLIOptions struct {
	Interface    string
	PollInterval time.Duration
	Runner       Runner
	Clock        clock.Clock
}

// NMCLI drives NetworkManager through its command line client.
// It implements Scanner, Attachment and GroupHost.
type NMCLI struct {
	iface        string
	pollInterval time.Duration
	run          Runner
	clock        clock.Clock

	scans chan []models.VisibleNetwork
	links chan models.LinkState

	mu       sync.Mutex
	isClosed bool
	closed   chan struct{}
	wg       sync.WaitGroup
}

// NewNMCLI resolves the wireless interface and returns a ready substrate.
func NewNMCLI(ctx context.Context, options NMCLIOptions) (*NMCLI, error) {
	n := &NMCLI{
		iface:        options.Interface,
		pollInterval: options.PollInterval,
		run:          options.Runner,
		clock:        options.Clock,
		scans:        make(chan []models.VisibleNetwork, 4),
		links:        make(chan models.LinkState, 16),
		closed:       make(chan struct{}),
	}
	if n.pollInterval <= 0 {
		n.pollInterval = DefaultPollInterval
	}
	if n.run == nil {
		n.run = execRunner{}
	}
	if n.clock == nil {
		n.clock = clock.New()
	}

	if n.iface == "" {
		iface, err := n.firstWirelessDevice(ctx)
		if err != nil {
			return nil, err
		}
		n.iface = iface
	}

	return n, nil
}

// Interface returns the managed wireless interface name.
func (n *NMCLI) Interface() string {
	return n.iface
}

// ScanResults delivers the visible networks of each accepted scan.
func (n *NMCLI) ScanResults() <-chan []models.VisibleNetwork {
	return n.scans
}

// LinkStates delivers link-state changes observed by WatchLinkState.
func (n *NMCLI) LinkStates() <-chan models.LinkState {
	return n.links
}

// Close stops pending scan deliveries and any running WatchLinkState.
// The result channels stay open; consumers stop on their own context.
func (n *NMCLI) Close() {
	n.mu.Lock()
	if n.isClosed {
		n.mu.Unlock()
		return
	}
	n.isClosed = true
	close(n.closed)
	n.mu.Unlock()

	n.wg.Wait()
}

// StartScan requests a rescan and delivers the results on ScanResults once listed.
func (n *NMCLI) StartScan(ctx context.Context) (bool, error) {
	if _, err := n.run.Run(ctx, "device", "wifi", "rescan", "ifname", n.iface); err != nil {
		// A scan already in progress still produces results.
		if !strings.Contains(err.Error(), "not allowed") {
			return false, err
		}
		log.Debug().Str("component", "wifi").Err(err).Msg("rescan already in progress")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.isClosed {
		return false, nil
	}
	n.wg.Add(1)
	go n.deliverScan()
	return true, nil
}

func (n *NMCLI) deliverScan() {
	defer n.wg.Done()

	timer := n.clock.Timer(n.pollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-n.closed:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	visible, err := n.VisibleNetworks(ctx)
	if err != nil {
		log.Warn().Str("component", "wifi").Err(err).Msg("list scan results failed")
		return
	}

	select {
	case n.scans <- visible:
	case <-n.closed:
	}
}

// VisibleNetworks lists the networks from the most recent scan, in signal order.
func (n *NMCLI) VisibleNetworks(ctx context.Context) ([]models.VisibleNetwork, error) {
	out, err := n.run.Run(ctx, "-t", "-f", "SSID", "device", "wifi", "list", "ifname", n.iface, "--rescan", "no")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	visible := make([]models.VisibleNetwork, 0)
	for _, fields := range parseTerse(out) {
		ssid := fields[0]
		if ssid == "" {
			continue
		}
		if _, dup := seen[ssid]; dup {
			continue
		}
		seen[ssid] = struct{}{}
		visible = append(visible, models.VisibleNetwork{NetworkName: ssid})
	}
	return visible, nil
}

// WatchLinkState polls the link state and emits every change until ctx ends or Close is called.
func (n *NMCLI) WatchLinkState(ctx context.Context) error {
	ticker := n.clock.Ticker(n.pollInterval)
	defer ticker.Stop()

	var (
		last  models.LinkState
		known bool
	)
	for {
		state, err := n.CurrentLinkState(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Debug().Str("component", "wifi").Err(err).Msg("read link state failed")
		} else if !known || state != last {
			last, known = state, true
			select {
			case n.links <- state:
			case <-ctx.Done():
				return ctx.Err()
			case <-n.closed:
				return nil
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-n.closed:
			return nil
		}
	}
}

// Current returns the active wireless connection on the managed interface.
func (n *NMCLI) Current(ctx context.Context) (Handle, bool, error) {
	out, err := n.run.Run(ctx, "-t", "-f", "NAME,TYPE,DEVICE", "connection", "show", "--active")
	if err != nil {
		return "", false, err
	}

	for _, fields := range parseTerse(out) {
		if len(fields) < 3 {
			continue
		}
		if fields[1] == wirelessType && fields[2] == n.iface {
			return Handle(fields[0]), true, nil
		}
	}
	return "", false, nil
}

// Join adds a transient WPA profile for networkName and activates it without waiting.
func (n *NMCLI) Join(ctx context.Context, networkName, secret string) (Profile, error) {
	profile := Profile(ProfilePrefix + networkName)

	// A stale profile from an interrupted run would shadow the new credentials.
	_, _ = n.run.Run(ctx, "connection", "delete", "id", string(profile))

	args := []string{
		"connection", "add",
		"type", "wifi",
		"ifname", n.iface,
		"con-name", string(profile),
		"ssid", networkName,
		"connection.autoconnect", "no",
	}
	if secret != "" {
		args = append(args, "wifi-sec.key-mgmt", "wpa-psk", "wifi-sec.psk", secret)
	}
	if _, err := n.run.Run(ctx, args...); err != nil {
		return "", fmt.Errorf("%w: add profile for %q: %v", ErrJoinRejected, networkName, err)
	}

	if _, err := n.run.Run(ctx, "--wait", "0", "connection", "up", "id", string(profile)); err != nil {
		_, _ = n.run.Run(ctx, "connection", "delete", "id", string(profile))
		return "", fmt.Errorf("%w: activate %q: %v", ErrJoinRejected, networkName, err)
	}

	return profile, nil
}

// CurrentLinkState reports the interface state and the associated network name.
func (n *NMCLI) CurrentLinkState(ctx context.Context) (models.LinkState, error) {
	out, err := n.run.Run(ctx, "-t", "-f", "DEVICE,TYPE,STATE", "device", "status")
	if err != nil {
		return models.LinkState{}, err
	}

	connected := false
	for _, fields := range parseTerse(out) {
		if len(fields) >= 3 && fields[0] == n.iface {
			connected = fields[1] == "wifi" && fields[2] == "connected"
			break
		}
	}
	if !connected {
		return models.LinkState{}, nil
	}

	out, err = n.run.Run(ctx, "-t", "-f", "ACTIVE,SSID", "device", "wifi", "list", "ifname", n.iface, "--rescan", "no")
	if err != nil {
		return models.LinkState{}, err
	}
	for _, fields := range parseTerse(out) {
		if len(fields) >= 2 && fields[0] == "yes" {
			return models.LinkState{NetworkName: fields[1], WirelessConnected: true}, nil
		}
	}

	return models.LinkState{WirelessConnected: true}, nil
}

// RemoveProfile deletes a profile created by Join or CreateGroup.
func (n *NMCLI) RemoveProfile(ctx context.Context, profile Profile) error {
	if profile == "" {
		return nil
	}
	if _, err := n.run.Run(ctx, "connection", "delete", "id", string(profile)); err != nil {
		if strings.Contains(err.Error(), "unknown connection") {
			return nil
		}
		return fmt.Errorf("remove profile %q: %w", profile, err)
	}
	return nil
}

// Restore re-activates the saved connection.
func (n *NMCLI) Restore(ctx context.Context, handle Handle) error {
	if _, err := n.run.Run(ctx, "--wait", "0", "connection", "up", "id", string(handle)); err != nil {
		return fmt.Errorf("restore %q: %w", handle, err)
	}
	return nil
}

// Disconnect drops the managed interface's current attachment.
func (n *NMCLI) Disconnect(ctx context.Context) error {
	if _, err := n.run.Run(ctx, "device", "disconnect", n.iface); err != nil {
		if strings.Contains(err.Error(), "not active") {
			return nil
		}
		return fmt.Errorf("disconnect %q: %w", n.iface, err)
	}
	return nil
}

// CreateGroup starts a WPA hotspot named after name and reports its gateway address.
func (n *NMCLI) CreateGroup(ctx context.Context, name string) (Group, error) {
	ssid := "DIRECT-rc-" + name
	secret := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	profile := Profile(ProfilePrefix + "group")

	if _, err := n.run.Run(ctx,
		"device", "wifi", "hotspot",
		"ifname", n.iface,
		"con-name", string(profile),
		"ssid", ssid,
		"password", secret,
	); err != nil {
		return Group{}, fmt.Errorf("create group %q: %w", ssid, err)
	}

	host, err := n.interfaceAddress(ctx)
	if err != nil {
		_ = n.RemoveProfile(ctx, profile)
		return Group{}, err
	}

	return Group{
		NetworkName: ssid,
		Secret:      secret,
		HostAddress: host,
		Profile:     profile,
	}, nil
}

// RemoveGroup tears the hotspot down.
func (n *NMCLI) RemoveGroup(ctx context.Context, group Group) error {
	return n.RemoveProfile(ctx, group.Profile)
}

func (n *NMCLI) interfaceAddress(ctx context.Context) (string, error) {
	out, err := n.run.Run(ctx, "-t", "-f", "IP4.ADDRESS", "device", "show", n.iface)
	if err != nil {
		return "", err
	}
	for _, fields := range parseTerse(out) {
		if len(fields) < 2 || !strings.HasPrefix(fields[0], "IP4.ADDRESS") {
			continue
		}
		addr, _, _ := strings.Cut(fields[1], "/")
		if addr != "" {
			return addr, nil
		}
	}
	return "", fmt.Errorf("no IPv4 address on %q", n.iface)
}

func (n *NMCLI) firstWirelessDevice(ctx context.Context) (string, error) {
	out, err := n.run.Run(ctx, "-t", "-f", "DEVICE,TYPE", "device", "status")
	if err != nil {
		return "", err
	}
	for _, fields := range parseTerse(out) {
		if len(fields) >= 2 && fields[1] == "wifi" {
			return fields[0], nil
		}
	}
	return "", ErrNoInterface
}

// parseTerse splits nmcli -t output into rows of fields, honoring \: and \\ escapes.
func parseTerse(out []byte) [][]string {
	rows := make([][]string, 0)
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}

		fields := make([]string, 0, 4)
		var field strings.Builder
		escaped := false
		for _, r := range line {
			switch {
			case escaped:
				field.WriteRune(r)
				escaped = false
			case r == '\\':
				escaped = true
			case r == ':':
				fields = append(fields, field.String())
				field.Reset()
			default:
				field.WriteRune(r)
			}
		}
		fields = append(fields, field.String())
		rows = append(rows, fields)
	}
	return rows
}

var (
	_ Scanner    = (*NMCLI)(nil)
	_ Attachment = (*NMCLI)(nil)
	_ GroupHost  = (*NMCLI)(nil)
)
