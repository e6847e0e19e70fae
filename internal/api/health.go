package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/pagecaster/internal/api/models"
	"github.com/smazurov/pagecaster/internal/streams"
)

func (s *Server) registerHealthRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Encoder, browser and stream state",
		Tags:        []string{"health"},
		Security:    []map[string][]string{}, // Empty security = no auth required
	}, func(_ context.Context, _ *struct{}) (*models.HealthResponse, error) {
		return &models.HealthResponse{Body: healthToAPI(s.ctrl.Health())}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodPost,
		Path:        "/api/health/check",
		Summary:     "Run Health Check",
		Description: "Probe every browser now and relaunch the ones that fail",
		Tags:        []string{"health"},
		Errors:      []int{401, 503},
		Security:    withAuth(),
	}, func(ctx context.Context, _ *struct{}) (*models.HealthResponse, error) {
		if s.health == nil {
			return nil, huma.Error503ServiceUnavailable("health supervisor not running")
		}
		s.health.CheckNow(ctx)
		return &models.HealthResponse{Body: healthToAPI(s.ctrl.Health())}, nil
	})
}

func healthToAPI(report streams.HealthReport) models.HealthData {
	data := models.HealthData{
		Status:   "ok",
		Encoders: make([]models.EncoderHealthData, 0, len(report.Encoders)),
		Streams:  make([]models.StreamData, 0, len(report.Streams)),
	}
	for _, e := range report.Encoders {
		if !e.IsHealthy {
			data.Status = "degraded"
		}
		data.Encoders = append(data.Encoders, models.EncoderHealthData{
			ID:          e.ID,
			Channel:     e.Channel,
			IngestURL:   e.IngestURL,
			AudioDevice: e.AudioDevice,
			State:       string(e.State),
			HasBrowser:  e.HasBrowser,
			IsHealthy:   e.IsHealthy,
			IsAvailable: e.IsAvailable,
			TargetURL:   e.TargetURL,
			BrowserPID:  e.BrowserPID,
			BrowserRSS:  e.BrowserRSS,
		})
	}
	for _, st := range report.Streams {
		data.Streams = append(data.Streams, models.StreamData{
			StreamID:       st.StreamID,
			EncoderID:      st.EncoderID,
			IngestURL:      st.IngestURL,
			TargetURL:      st.TargetURL,
			StartedAt:      st.StartedAt,
			Uptime:         st.Uptime.Round(time.Second).String(),
			AutoStopAt:     st.AutoStopAt,
			RecordingJobID: st.RecordingJobID,
		})
	}
	return data
}
