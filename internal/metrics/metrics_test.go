package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marinex-ng/internal/aisstream"
	"marinex-ng/internal/sink"
)

var _ sink.Observer = (*Metrics)(nil)

func TestAttachCountsEvents(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	pub := aisstream.NewPublisher(zerolog.Nop())
	ids := m.Attach(pub)
	require.Len(t, ids, 3)

	pub.PublishStatus(aisstream.ConnectionStatusEvent{Connected: true, At: time.Now()})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connected))

	pub.PublishPosition(aisstream.VesselPosition{MMSI: "563000001"})
	pub.PublishPosition(aisstream.VesselPosition{MMSI: "563000002"})
	pub.PublishError(aisstream.StreamError{Category: aisstream.CategoryDecode, Detail: "bad json"})
	pub.PublishError(aisstream.StreamError{Category: aisstream.CategoryValidation, Detail: "lat"})
	pub.PublishError(aisstream.StreamError{Category: aisstream.CategoryValidation, Detail: "lon"})
	pub.PublishStatus(aisstream.ConnectionStatusEvent{Connected: false, At: time.Now()})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.positions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamErrors.WithLabelValues("decode")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.streamErrors.WithLabelValues("validation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.statusChanges.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.statusChanges.WithLabelValues("false")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.connected))

	for _, id := range ids {
		pub.Remove(id)
	}
	pub.PublishPosition(aisstream.VesselPosition{MMSI: "563000003"})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.positions))
}

func TestSinkObserver(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	m.SinkPublished("udp:127.0.0.1:4000")
	m.SinkPublished("udp:127.0.0.1:4000")
	m.SinkFailed("mqtt:tcp://broker:1883")
	m.SinkDropped()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sinkPublished.WithLabelValues("udp:127.0.0.1:4000")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sinkFailed.WithLabelValues("mqtt:tcp://broker:1883")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sinkDropped))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.Nil(t, m.Attach(aisstream.NewPublisher(zerolog.Nop())))
	assert.NoError(t, m.ObserveStream(func() aisstream.Snapshot { return aisstream.Snapshot{} }))
	m.SinkPublished("x")
	m.SinkFailed("x")
	m.SinkDropped()
}

func TestDuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestObserveStreamAndHandler(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	snap := aisstream.Snapshot{Frames: 9, Messages: 7, Unrecognized: 2, Sessions: 1}
	require.NoError(t, m.ObserveStream(func() aisstream.Snapshot { return snap }))

	ts := httptest.NewServer(m.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	for _, want := range []string{
		"marinex_stream_frames_total 9",
		"marinex_stream_messages_total 7",
		"marinex_stream_unrecognized_total 2",
		"marinex_stream_sessions_total 1",
		"marinex_sink_dropped_total 0",
	} {
		assert.True(t, strings.Contains(text, want), "missing %q", want)
	}
}
