package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordSessionOpened()
		m.RecordSessionClosed("idle_timeout", time.Second, 0)
		m.RecordReceived(10)
		m.RecordSent(10)
		m.RecordDecodeError("checksum_mismatch")
		m.RecordDrop("unknown_endpoint")
		m.RecordRetransmits(3)
		m.RecordAck()
		m.RecordDuplicate()
		m.RecordFragmentsEvicted(1)
		m.RecordDispatch("ok")
		m.RecordHandlerError("0x0042")
	})
}

func TestRegisterAndRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordSessionOpened()
	m.RecordSessionOpened()
	m.RecordSessionClosed("remote_disconnect", time.Minute, 20*time.Millisecond)
	m.RecordDecodeError("checksum_mismatch")
	m.RecordRetransmits(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsClosed.WithLabelValues("remote_disconnect")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecodeErrors.WithLabelValues("checksum_mismatch")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Retransmits))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
