package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"rollcall/retry"
)

// ErrBadAddress indicates a malformed or unresolvable responder endpoint.
var ErrBadAddress = errors.New("network: malformed or unknown host")

// ContextDialer opens stream connections; *net.Dialer satisfies it.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// HostResolver resolves host names; *net.Resolver satisfies it.
type HostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// DialOptions configures DialWithRetry.
type DialOptions struct {
	Dialer        ContextDialer
	Policy        retry.Policy
	SocketTimeout time.Duration
}

func (o DialOptions) withDefaults() DialOptions {
	out := o
	if out.SocketTimeout <= 0 {
		out.SocketTimeout = DefaultSocketTimeout
	}
	if out.Dialer == nil {
		out.Dialer = &net.Dialer{Timeout: out.SocketTimeout}
	}
	return out
}

// ResolveEndpoint validates host and port and returns a dialable host:port address.
func ResolveEndpoint(ctx context.Context, resolver HostResolver, host string, port int) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", fmt.Errorf("%w: empty host", ErrBadAddress)
	}
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("%w: invalid port %d", ErrBadAddress, port)
	}

	if ip := net.ParseIP(host); ip != nil {
		return net.JoinHostPort(ip.String(), strconv.Itoa(port)), nil
	}

	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return "", fmt.Errorf("%w: lookup %q: %v", ErrBadAddress, host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("%w: no addresses for %q", ErrBadAddress, host)
	}

	return net.JoinHostPort(addrs[0], strconv.Itoa(port)), nil
}

// DialWithRetry connects to address, retrying connection failures per the options' policy.
// A successful connection carries a read/write deadline of SocketTimeout.
func DialWithRetry(ctx context.Context, address string, options DialOptions) (net.Conn, error) {
	opts := options.withDefaults()

	var conn net.Conn
	err := opts.Policy.Do(ctx, func(attempt int) error {
		dialed, err := opts.Dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			log.Debug().
				Str("address", address).
				Int("attempt", attempt).
				Err(err).
				Msg("network: connect failed")
			return err
		}
		conn = dialed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	if err := conn.SetDeadline(time.Now().Add(opts.SocketTimeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	return conn, nil
}
