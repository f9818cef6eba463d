package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"rollcall/models"
)

func TestStartBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		SelfDeviceID: "device-123",
		DeviceName:   "z5123456",
		Advertisement: models.AdvertisementRecord{
			NetworkName: "DIRECT-xy-z5123456",
			Secret:      "pass1",
			HostAddress: "192.168.49.1",
			Port:        41234,
		},
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}
	if broadcaster == nil {
		t.Fatalf("expected broadcaster instance")
	}
	broadcaster.Stop()

	if gotInstance != "z5123456" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 41234 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "peer_id=device-123")
	assertContainsTXT(t, gotTXT, "ssid=DIRECT-xy-z5123456")
	assertContainsTXT(t, gotTXT, "passphrase=pass1")
	assertContainsTXT(t, gotTXT, "host=192.168.49.1")
	assertContainsTXT(t, gotTXT, "listenport=41234")
	assertContainsTXT(t, gotTXT, "version=1")
}

func TestStartBroadcasterRequiresAdvertisement(t *testing.T) {
	cfg := Config{
		SelfDeviceID: "device-123",
		DeviceName:   "z5123456",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			t.Fatalf("register must not be called without an advertisement")
			return nil, nil
		},
	}

	if _, err := StartBroadcaster(cfg); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestConfigWithDefaultsSetsPeerStaleAfterFromTTL(t *testing.T) {
	cfg := Config{
		RefreshInterval: 10 * time.Second,
		SelfDeviceID:    "self",
	}

	withDefaults := cfg.withDefaults()
	if withDefaults.TTL != DefaultTTL {
		t.Fatalf("expected default TTL %d, got %d", DefaultTTL, withDefaults.TTL)
	}
	if withDefaults.PeerStaleAfter < 2*time.Duration(DefaultTTL)*time.Second {
		t.Fatalf("expected peer stale timeout to be >= 2*TTL, got %s", withDefaults.PeerStaleAfter)
	}
	if withDefaults.Advertisement.PeerID != "self" {
		t.Fatalf("expected advertisement peer ID to default to self device ID, got %q", withDefaults.Advertisement.PeerID)
	}
}

func TestParseEntryRoundTripsAdvertisement(t *testing.T) {
	record := models.AdvertisementRecord{
		PeerID:      "peer-1",
		NetworkName: "Net1",
		Secret:      " pass1",
		HostAddress: "10.0.0.1",
		Port:        5000,
	}

	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "Bob"},
		Port:          7777,
		Text:          advertisementTXT(record, DefaultVersion),
		AddrIPv4:      []net.IP{net.ParseIP("192.168.1.20")},
	}

	peer, ok := parseEntry(entry, "self")
	if !ok {
		t.Fatalf("expected entry to parse")
	}
	if peer.Record != record {
		t.Fatalf("unexpected record: %+v", peer.Record)
	}
	if peer.Version != DefaultVersion {
		t.Fatalf("unexpected version: %d", peer.Version)
	}
}

func TestParseEntryFallsBackToServiceAddress(t *testing.T) {
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "Bob"},
		Port:          7777,
		Text:          []string{"peer_id=peer-1", "ssid=Net1"},
		AddrIPv4:      []net.IP{net.ParseIP("192.168.1.20")},
	}

	peer, ok := parseEntry(entry, "self")
	if !ok {
		t.Fatalf("expected entry to parse")
	}
	if peer.Record.HostAddress != "192.168.1.20" || peer.Record.Port != 7777 {
		t.Fatalf("unexpected fallback endpoint: %+v", peer.Record)
	}
}

func TestParseEntryRejectsIncompleteAdvertisements(t *testing.T) {
	cases := [][]string{
		{"ssid=Net1"},
		{"peer_id=self", "ssid=Net1"},
		{"peer_id=peer-1"},
	}
	for _, text := range cases {
		entry := &zeroconf.ServiceEntry{Text: text}
		if _, ok := parseEntry(entry, "self"); ok {
			t.Fatalf("expected %v to be rejected", text)
		}
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
