package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.BridgeStarted()
	m.BridgeEnded("caller_hangup")
	m.Frame(DirectionInbound)
	m.FrameDropped("malformed")
	m.Interruption()
	m.AgentConnect(time.Second, nil)
	m.Transcription("groq", time.Second, errors.New("boom"))
	m.TranscriptionSkipped("groq", "silence")
	assert.Nil(t, m.Registry())
}

func TestBridgeGauge(t *testing.T) {
	m := New()
	m.BridgeStarted()
	m.BridgeStarted()
	m.BridgeEnded("caller_hangup")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.bridgesActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bridgesTotal.WithLabelValues("caller_hangup")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.Frame(DirectionOutbound)
	m.Interruption()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `voicebridge_frames_total{direction="outbound"} 1`))
	assert.True(t, strings.Contains(body, "voicebridge_interruptions_total 1"))
}
