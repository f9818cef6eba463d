package wifi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"rollcall/models"
)

type fakeRunner struct {
	mu      sync.Mutex
	outputs map[string]string
	errs    map[string]error
	calls   []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{outputs: map[string]string{}, errs: map[string]error{}}
}

func (r *fakeRunner) set(cmd, out string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[cmd] = out
}

func (r *fakeRunner) fail(cmd string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[cmd] = err
}

func (r *fakeRunner) Run(_ context.Context, args ...string) ([]byte, error) {
	cmd := strings.Join(args, " ")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, cmd)
	if err, ok := r.errs[cmd]; ok {
		return nil, err
	}
	return []byte(r.outputs[cmd]), nil
}

func (r *fakeRunner) called(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, call := range r.calls {
		if strings.HasPrefix(call, prefix) {
			return true
		}
	}
	return false
}

const (
	cmdDeviceStatus = "-t -f DEVICE,TYPE,STATE device status"
	cmdWifiActive   = "-t -f ACTIVE,SSID device wifi list ifname wlan0 --rescan no"
	cmdWifiList     = "-t -f SSID device wifi list ifname wlan0 --rescan no"
)

func newTestNMCLI(t *testing.T, runner Runner, clk clock.Clock) *NMCLI {
	t.Helper()
	n, err := NewNMCLI(context.Background(), NMCLIOptions{
		Interface:    "wlan0",
		PollInterval: time.Second,
		Runner:       runner,
		Clock:        clk,
	})
	require.NoError(t, err)
	t.Cleanup(n.Close)
	return n
}

func TestParseTerseHonorsEscapes(t *testing.T) {
	rows := parseTerse([]byte("yes:Cafe\\:Guest\nno:back\\\\slash\n\n"))
	require.Equal(t, [][]string{
		{"yes", "Cafe:Guest"},
		{"no", "back\\slash"},
	}, rows)
}

func TestNewNMCLIPicksFirstWirelessDevice(t *testing.T) {
	runner := newFakeRunner()
	runner.set("-t -f DEVICE,TYPE device status", "eth0:ethernet\nwlp2s0:wifi\nlo:loopback\n")

	n, err := NewNMCLI(context.Background(), NMCLIOptions{Runner: runner})
	require.NoError(t, err)
	require.Equal(t, "wlp2s0", n.Interface())

	runner.set("-t -f DEVICE,TYPE device status", "eth0:ethernet\n")
	_, err = NewNMCLI(context.Background(), NMCLIOptions{Runner: runner})
	require.ErrorIs(t, err, ErrNoInterface)
}

func TestCurrentReturnsActiveWirelessConnection(t *testing.T) {
	runner := newFakeRunner()
	runner.set("-t -f NAME,TYPE,DEVICE connection show --active",
		"Wired:802-3-ethernet:eth0\nHome\\:5G:802-11-wireless:wlan0\n")
	n := newTestNMCLI(t, runner, nil)

	handle, ok, err := n.Current(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Handle("Home:5G"), handle)

	runner.set("-t -f NAME,TYPE,DEVICE connection show --active", "Wired:802-3-ethernet:eth0\n")
	_, ok, err = n.Current(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestJoinCreatesTransientProfile(t *testing.T) {
	runner := newFakeRunner()
	n := newTestNMCLI(t, runner, nil)

	profile, err := n.Join(context.Background(), "Net1", "pass1")
	require.NoError(t, err)
	require.Equal(t, Profile("rollcall-Net1"), profile)
	require.True(t, runner.called("connection add type wifi ifname wlan0 con-name rollcall-Net1 ssid Net1"))
	require.True(t, runner.called("--wait 0 connection up id rollcall-Net1"))
}

func TestJoinRejectedWhenProfileCannotBeAdded(t *testing.T) {
	runner := newFakeRunner()
	runner.fail("connection add type wifi ifname wlan0 con-name rollcall-Net1 ssid Net1 connection.autoconnect no wifi-sec.key-mgmt wpa-psk wifi-sec.psk pass1",
		errors.New("exit status 2"))
	n := newTestNMCLI(t, runner, nil)

	_, err := n.Join(context.Background(), "Net1", "pass1")
	require.ErrorIs(t, err, ErrJoinRejected)
	require.False(t, runner.called("--wait 0 connection up"))
}

func TestCurrentLinkState(t *testing.T) {
	runner := newFakeRunner()
	runner.set(cmdDeviceStatus, "wlan0:wifi:connected\neth0:ethernet:unavailable\n")
	runner.set(cmdWifiActive, "no:Other\nyes:Net1\n")
	n := newTestNMCLI(t, runner, nil)

	state, err := n.CurrentLinkState(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.LinkState{NetworkName: "Net1", WirelessConnected: true}, state)

	runner.set(cmdDeviceStatus, "wlan0:wifi:disconnected\n")
	state, err = n.CurrentLinkState(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.LinkState{}, state)
}

func TestRemoveProfileAndDisconnectTolerateMissingState(t *testing.T) {
	runner := newFakeRunner()
	runner.fail("connection delete id rollcall-Net1", errors.New("Error: unknown connection 'rollcall-Net1'"))
	runner.fail("device disconnect wlan0", errors.New("Error: Device 'wlan0' is not active"))
	n := newTestNMCLI(t, runner, nil)

	require.NoError(t, n.RemoveProfile(context.Background(), "rollcall-Net1"))
	require.NoError(t, n.RemoveProfile(context.Background(), ""))
	require.NoError(t, n.Disconnect(context.Background()))
}

func TestStartScanDeliversVisibleNetworks(t *testing.T) {
	runner := newFakeRunner()
	runner.set(cmdWifiList, "Net1\n\nNet2\nNet1\n")
	mock := clock.NewMock()
	n := newTestNMCLI(t, runner, mock)

	accepted, err := n.StartScan(context.Background())
	require.NoError(t, err)
	require.True(t, accepted)

	var visible []models.VisibleNetwork
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case visible = <-n.ScanResults():
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, []models.VisibleNetwork{{NetworkName: "Net1"}, {NetworkName: "Net2"}}, visible)
}

func TestStartScanRejectedAfterClose(t *testing.T) {
	runner := newFakeRunner()
	n := newTestNMCLI(t, runner, clock.NewMock())
	n.Close()

	accepted, err := n.StartScan(context.Background())
	require.NoError(t, err)
	require.False(t, accepted)
}

func TestWatchLinkStateEmitsChangesOnly(t *testing.T) {
	runner := newFakeRunner()
	runner.set(cmdDeviceStatus, "wlan0:wifi:connected\n")
	runner.set(cmdWifiActive, "yes:Home\n")
	mock := clock.NewMock()
	n := newTestNMCLI(t, runner, mock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- n.WatchLinkState(ctx)
	}()

	first := <-n.LinkStates()
	require.Equal(t, models.LinkState{NetworkName: "Home", WirelessConnected: true}, first)

	runner.set(cmdWifiActive, "yes:Net1\n")
	var second models.LinkState
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case second = <-n.LinkStates():
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "Net1", second.NetworkName)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestCreateGroupReportsGatewayAddress(t *testing.T) {
	runner := newFakeRunner()
	runner.set("-t -f IP4.ADDRESS device show wlan0", "IP4.ADDRESS[1]:10.42.0.1/24\n")
	n := newTestNMCLI(t, runner, nil)

	group, err := n.CreateGroup(context.Background(), "z5123456")
	require.NoError(t, err)
	require.Equal(t, "DIRECT-rc-z5123456", group.NetworkName)
	require.Equal(t, "10.42.0.1", group.HostAddress)
	require.Len(t, group.Secret, 12)
	require.Equal(t, Profile("rollcall-group"), group.Profile)

	require.NoError(t, n.RemoveGroup(context.Background(), group))
	require.True(t, runner.called("connection delete id rollcall-group"))
}
