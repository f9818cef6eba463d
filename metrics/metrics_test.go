package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"rollcall/models"
)

func TestCollectorObservesAttempts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	started := time.Unix(100, 0)
	c.ObserveAttempt(models.AttemptResult{Outcome: models.OutcomeRegistered, Started: started, Finished: started.Add(2 * time.Second)})
	c.ObserveAttempt(models.AttemptResult{Outcome: models.OutcomeTimeout, Started: started, Finished: started.Add(20 * time.Second)})
	c.ObserveAttempt(models.AttemptResult{Outcome: models.OutcomeTimeout})
	c.SetQueueDepth(3)
	c.ObserveHandshake(true)
	c.ObserveHandshake(false)
	c.ObserveHandshake(true)

	require.Equal(t, 1.0, testutil.ToFloat64(c.AttemptsTotal.WithLabelValues("registered")))
	require.Equal(t, 2.0, testutil.ToFloat64(c.AttemptsTotal.WithLabelValues("timeout")))
	require.Equal(t, 0.0, testutil.ToFloat64(c.AttemptsTotal.WithLabelValues("aborted")))
	require.Equal(t, 3.0, testutil.ToFloat64(c.QueueDepth))
	require.Equal(t, 2.0, testutil.ToFloat64(c.HandshakesTotal.WithLabelValues("true")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.HandshakesTotal.WithLabelValues("false")))

	// Every outcome series is exported from the start.
	require.Equal(t, len(models.Outcomes), testutil.CollectAndCount(c.AttemptsTotal))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.ObserveAttempt(models.AttemptResult{Outcome: models.OutcomeRegistered})
	c.SetQueueDepth(1)
	c.ObserveHandshake(true)
}

func TestServeExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	c.SetQueueDepth(5)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- Serve(ctx, addr, reg) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}
		body = string(raw)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	require.True(t, strings.Contains(body, "rollcall_queue_depth 5"), body)

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("metrics server did not shut down")
	}
}
