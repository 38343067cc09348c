package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter_SameKeySameInstance(t *testing.T) {
	c := NewMetricsCollector()
	a := c.Counter("x_total", "x", Labels("kind", "text"))
	b := c.Counter("x_total", "x", Labels("kind", "text"))
	a.Inc()
	b.Add(2)
	assert.Same(t, a, b)
	assert.Equal(t, int64(3), a.Value())

	other := c.Counter("x_total", "x", Labels("kind", "image"))
	assert.Zero(t, other.Value())
}

func TestGauge(t *testing.T) {
	g := NewMetricsCollector().Gauge("g", "g", "")
	g.Inc()
	g.Inc()
	g.Dec()
	assert.Equal(t, int64(1), g.Value())
	g.Set(7)
	assert.Equal(t, int64(7), g.Value())
}

func TestHistogram_BucketsAreCumulative(t *testing.T) {
	c := NewMetricsCollector()
	h := c.Histogram("lat_seconds", "lat", "", []float64{1, 0.1})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(5)
	assert.Equal(t, int64(3), h.Count())

	var sb strings.Builder
	_, err := c.WriteTo(&sb)
	require.NoError(t, err)
	out := sb.String()
	assert.Contains(t, out, `lat_seconds_bucket{le="0.1"} 1`)
	assert.Contains(t, out, `lat_seconds_bucket{le="1"} 2`)
	assert.Contains(t, out, "lat_seconds_count 3")
	assert.Contains(t, out, "# TYPE lat_seconds histogram")
}

func TestLabels_Escapes(t *testing.T) {
	assert.Equal(t, `a="1",b="q\"x"`, Labels("a", "1", "b", `q"x`))
	assert.Equal(t, `a="line\nbreak"`, Labels("a", "line\nbreak"))
	assert.Empty(t, Labels())
}

func TestHandler_TextFormat(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("req_total", "requests", Labels("tier", "file")).Inc()
	c.Counter("req_total", "requests", Labels("tier", "direct")).Add(4)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	body := rec.Body.String()
	assert.Equal(t, 1, strings.Count(body, "# HELP req_total requests"))
	assert.Contains(t, body, `req_total{tier="direct"} 4`)
	assert.Contains(t, body, `req_total{tier="file"} 1`)
	assert.Contains(t, body, "wecombot_uptime_seconds")
	assert.Less(t, strings.Index(body, `tier="direct"`), strings.Index(body, `tier="file"`))
}

func TestPredefinedFamilies(t *testing.T) {
	Deliveries("segmented").Inc()
	MessagesReceived("text").Inc()
	MessagesSent("markdown", "ok").Inc()

	var sb strings.Builder
	_, err := Collector.WriteTo(&sb)
	require.NoError(t, err)
	out := sb.String()
	assert.Contains(t, out, `wecombot_deliveries_total{tier="segmented"}`)
	assert.Contains(t, out, `wecombot_messages_received_total{kind="text"}`)
	assert.Contains(t, out, `wecombot_messages_sent_total{type="markdown",result="ok"}`)
	assert.Contains(t, out, "wecombot_active_tasks")
}
