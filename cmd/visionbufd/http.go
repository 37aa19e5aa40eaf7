package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/e7canasta/orion-care-sensor/modules/visionbuf"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/control"
	"github.com/e7canasta/orion-care-sensor/modules/visionbuf/internal/metrics"
)

func newRouter(streams []*visionbuf.CameraStream, m *metrics.Metrics) (*chi.Mux, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := m.Register(reg); err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		for _, s := range streams {
			if s.State() != visionbuf.StateRunning || s.Err() != nil {
				http.Error(w, s.Camera()+" not running", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/streams", func(w http.ResponseWriter, _ *http.Request) {
		out := statusAll(streams)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	r.Get("/streams/{camera}", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "camera")
		for _, s := range streams {
			if s.Camera() == name {
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(statusOf(s))
				return
			}
		}
		http.NotFound(w, req)
	})
	return r, nil
}

func statusAll(streams []*visionbuf.CameraStream) []control.StreamStatus {
	out := make([]control.StreamStatus, 0, len(streams))
	for _, s := range streams {
		out = append(out, statusOf(s))
	}
	return out
}

func statusOf(s *visionbuf.CameraStream) control.StreamStatus {
	out := control.StreamStatus{
		Camera:    s.Camera(),
		State:     s.State().String(),
		SessionID: s.ID(),
	}
	if err := s.Err(); err != nil {
		out.Error = err.Error()
	}

	st, err := s.Stats()
	if err != nil {
		return out
	}
	in := st.Ingest
	out.Uptime = time.Since(st.Since).Round(time.Second).String()
	out.Received = in.Received
	out.Published = in.Published
	out.Dropped = in.Malformed + in.Oversized + in.Busy + in.CopyErrors
	out.LastFrame = in.LastFrameID
	out.FPS = st.Rate.FPSMean
	out.Stable = st.Rate.Stable
	out.Free = st.Pool.Free
	out.Ready = st.Pool.Ready
	out.Reading = st.Pool.Reading
	return out
}
