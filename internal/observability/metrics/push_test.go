package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

func TestRemoteWritePusherSendsSeries(t *testing.T) {
	registry := prometheus.NewRegistry()
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_total"}, []string{"job"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "job_seconds"})
	registry.MustRegister(runs, duration)
	runs.WithLabelValues("outbox_relay").Add(3)
	duration.Observe(0.5)

	var (
		received prompb.WriteRequest
		headers  http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, err := io.ReadAll(r.Body)
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		decoded, err := snappy.Decode(nil, body)
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.NoError(t, proto.Unmarshal(decoded, protoadapt.MessageV2Of(&received)))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	pusher := NewRemoteWritePusher(srv.URL, " secret ", srv.Client())
	pusher.now = func() time.Time { return time.UnixMilli(1_000) }
	require.NoError(t, pusher.Push(context.Background(), registry))

	assert.Equal(t, "Bearer secret", headers.Get("Authorization"))
	assert.Equal(t, "snappy", headers.Get("Content-Encoding"))

	values := map[string]float64{}
	for _, ts := range received.Timeseries {
		var name string
		for _, label := range ts.Labels {
			if label.Name == "__name__" {
				name = label.Value
			}
		}
		require.Len(t, ts.Samples, 1)
		assert.Equal(t, int64(1_000), ts.Samples[0].Timestamp)
		values[name] = ts.Samples[0].Value
	}
	assert.Equal(t, 3.0, values["jobs_total"])
	assert.Equal(t, 0.5, values["job_seconds_sum"])
	assert.Equal(t, 1.0, values["job_seconds_count"])
}

func TestRemoteWritePusherReportsRejection(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_total"})
	registry.MustRegister(counter)
	counter.Inc()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewRemoteWritePusher(srv.URL, "", srv.Client()).Push(context.Background(), registry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestNewPusherSelectsExporter(t *testing.T) {
	log := zap.NewNop()

	assert.Nil(t, NewPusher(PushConfig{}, log))
	assert.Nil(t, NewPusher(PushConfig{Exporter: ExporterRemoteWrite}, log))
	assert.Nil(t, NewPusher(PushConfig{Exporter: "statsd", Endpoint: "http://collector"}, log))

	_, ok := NewPusher(PushConfig{Exporter: " Prometheus_Remote_Write ", Endpoint: "http://collector/api/v1/write"}, log).(*RemoteWritePusher)
	assert.True(t, ok)
	gateway, ok := NewPusher(PushConfig{Exporter: ExporterPushgateway, Endpoint: "http://gateway:9091"}, log).(*PushgatewayPusher)
	require.True(t, ok)
	assert.Equal(t, "connectpay_scheduler", gateway.job)
}
