package network

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	// ConvenerPrefix starts the line the convener sends.
	ConvenerPrefix = "Instructor:"
	// ResponderPrefix starts the line the responder replies with.
	ResponderPrefix = "Student:"
	// MaxNonce is the largest nonce the convener draws.
	MaxNonce = 999_999
	// MaxLineSize bounds one handshake line, excluding the terminator.
	MaxLineSize = 4096
	// DefaultSocketTimeout bounds every read and write of the handshake.
	DefaultSocketTimeout = 3 * time.Second
)

var (
	// ErrProtocol indicates a handshake line without the expected structure.
	ErrProtocol = errors.New("network: handshake protocol error")
	// ErrLineTooLong indicates a handshake line longer than MaxLineSize.
	ErrLineTooLong = errors.New("network: handshake line too long")
)

// ConvenerMessage is the convener's opening line.
type ConvenerMessage struct {
	ConvenerID string
	Nonce      int
}

// ResponderMessage is the responder's reply line.
type ResponderMessage struct {
	ResponderID string
}

// NewNonce draws a process-random nonce in [0, MaxNonce].
func NewNonce() int {
	return rand.IntN(MaxNonce + 1)
}

// EncodeConvenerMessage renders the convener line without its terminator.
func EncodeConvenerMessage(msg ConvenerMessage) string {
	return ConvenerPrefix + msg.ConvenerID + ":" + strconv.Itoa(msg.Nonce)
}

// DecodeConvenerMessage parses a received convener line.
func DecodeConvenerMessage(line string) (ConvenerMessage, error) {
	rest, ok := afterPrefix(line, ConvenerPrefix)
	if !ok {
		return ConvenerMessage{}, fmt.Errorf("%w: missing %q prefix in %q", ErrProtocol, ConvenerPrefix, line)
	}

	sep := strings.LastIndex(rest, ":")
	if sep <= 0 {
		return ConvenerMessage{}, fmt.Errorf("%w: missing convener id or nonce in %q", ErrProtocol, line)
	}

	nonce, err := strconv.Atoi(strings.TrimSpace(rest[sep+1:]))
	if err != nil || nonce < 0 {
		return ConvenerMessage{}, fmt.Errorf("%w: invalid nonce in %q", ErrProtocol, line)
	}

	return ConvenerMessage{
		ConvenerID: rest[:sep],
		Nonce:      nonce,
	}, nil
}

// EncodeResponderMessage renders the responder line without its terminator.
func EncodeResponderMessage(msg ResponderMessage) string {
	return ResponderPrefix + msg.ResponderID
}

// DecodeResponderMessage parses a received responder line.
func DecodeResponderMessage(line string) (ResponderMessage, error) {
	rest, ok := afterPrefix(line, ResponderPrefix)
	if !ok {
		return ResponderMessage{}, fmt.Errorf("%w: missing %q prefix in %q", ErrProtocol, ResponderPrefix, line)
	}

	id, _, _ := strings.Cut(rest, ":")
	id = strings.TrimSpace(id)
	if id == "" {
		return ResponderMessage{}, fmt.Errorf("%w: missing responder id in %q", ErrProtocol, line)
	}

	return ResponderMessage{ResponderID: id}, nil
}

// afterPrefix finds prefix anywhere in line and returns what follows it.
func afterPrefix(line, prefix string) (string, bool) {
	idx := strings.Index(line, prefix)
	if idx < 0 {
		return "", false
	}
	return strings.TrimRight(line[idx+len(prefix):], "\r"), true
}

// WriteLine writes one newline-terminated line.
func WriteLine(w io.Writer, line string) error {
	if len(line) > MaxLineSize {
		return ErrLineTooLong
	}
	if _, err := io.WriteString(w, line+"\n"); err != nil {
		return fmt.Errorf("write handshake line: %w", err)
	}
	return nil
}

// ReadLine reads one line, without its terminator, of at most MaxLineSize bytes.
func ReadLine(r *bufio.Reader) (string, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", fmt.Errorf("read handshake line: %w", err)
		}
		line = append(line, chunk...)
		if len(line) > MaxLineSize {
			return "", ErrLineTooLong
		}
		if !isPrefix {
			return string(line), nil
		}
	}
}

// ConvenerExchange sends msg over conn and reads the responder's reply.
// The returned line is the raw reply, set whenever one was read.
func ConvenerExchange(conn net.Conn, msg ConvenerMessage, timeout time.Duration) (ResponderMessage, string, error) {
	if err := setDeadline(conn, timeout); err != nil {
		return ResponderMessage{}, "", err
	}

	if err := WriteLine(conn, EncodeConvenerMessage(msg)); err != nil {
		return ResponderMessage{}, "", err
	}

	line, err := ReadLine(bufio.NewReader(conn))
	if err != nil {
		return ResponderMessage{}, "", err
	}

	reply, err := DecodeResponderMessage(line)
	return reply, line, err
}

// Served is the outcome of answering one convener line.
type Served struct {
	Line    string
	Message ConvenerMessage
	// DecodeErr is set when Line is not a valid convener message.
	DecodeErr error
	// ReplyErr is set when the responder line could not be written.
	ReplyErr error
}

// RespondOnce reads the convener's line from conn and replies with responderID.
// The reply is sent even when the received line is malformed. The returned
// error covers only failures before a line was read.
func RespondOnce(conn net.Conn, responderID string, timeout time.Duration) (Served, error) {
	if err := setDeadline(conn, timeout); err != nil {
		return Served{}, err
	}

	line, err := ReadLine(bufio.NewReader(conn))
	if err != nil {
		return Served{}, err
	}

	served := Served{Line: line}
	served.Message, served.DecodeErr = DecodeConvenerMessage(line)
	served.ReplyErr = WriteLine(conn, EncodeResponderMessage(ResponderMessage{ResponderID: responderID}))
	return served, nil
}

// IsTimeout reports whether err is a network deadline expiry.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func setDeadline(conn net.Conn, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultSocketTimeout
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}
	return nil
}
