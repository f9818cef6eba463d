package responder

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultAckDuration is how long the acknowledgment signal lasts.
const DefaultAckDuration = 800 * time.Millisecond

// Acknowledger signals the local user that attendance was recorded.
type Acknowledger interface {
	Acknowledge(ctx context.Context, d time.Duration) error
}

// BellAcknowledger rings the terminal bell.
type BellAcknowledger struct {
	Out io.Writer
}

// Acknowledge writes a bell character and logs the signal.
func (b BellAcknowledger) Acknowledge(_ context.Context, d time.Duration) error {
	out := b.Out
	if out == nil {
		out = os.Stdout
	}
	log.Info().Str("component", "responder").Dur("duration", d).Msg("attendance acknowledged")
	_, err := io.WriteString(out, "\a")
	return err
}
