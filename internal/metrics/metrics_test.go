package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rubycave-project/rubycave/internal/protocol"
)

func TestCounters(t *testing.T) {
	m := New()

	m.Handshake(HandshakeAccepted)
	m.Handshake(HandshakeRejected)
	m.Handshake(HandshakeRejected)
	m.PacketIn(protocol.KeepAlive{})
	m.PacketOut(protocol.Teleport{})
	m.Kick(protocol.KickByOperator("x"))
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()

	if got := testutil.ToFloat64(m.handshakes.WithLabelValues(HandshakeRejected)); got != 2 {
		t.Errorf("rejected handshakes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.packets.WithLabelValues("in", "keep_alive")); got != 1 {
		t.Errorf("keep_alive in = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.kicks.WithLabelValues("operator")); got != 1 {
		t.Errorf("operator kicks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.connectionsActive); got != 1 {
		t.Errorf("connections_active = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Handshake(HandshakeFailed)
	m.PacketIn(protocol.Chunk{})
	m.KeepAliveLatency(time.Millisecond)
	m.PlayerJoined()
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.CorruptFrame()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "rubycave_corrupt_frames_total 1") {
		t.Errorf("exposition missing corrupt frame counter:\n%s", rec.Body.String())
	}
}
