package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/pagecaster/internal/api/models"
	"github.com/smazurov/pagecaster/internal/dvr"
	"github.com/smazurov/pagecaster/internal/streams"
)

// StreamRedirectResponse sends the DVR to the encoder that is now playing.
type StreamRedirectResponse struct {
	Status   int
	Location string `header:"Location"`
}

func (s *Server) registerStreamRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "tune",
		Method:      http.MethodPost,
		Path:        "/api/tune",
		Summary:     "Tune",
		Description: "Play a page on an encoder. Uses the first available encoder unless one is given.",
		Tags:        []string{"streams"},
		Errors:      []int{400, 401, 404, 409, 503, 504},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.TuneRequest) (*models.StreamResponse, error) {
		res, err := s.ctrl.Tune(ctx, streams.TuneRequest{
			URL:             input.Body.URL,
			EncoderID:       input.Body.EncoderID,
			DurationMinutes: input.Body.DurationMinutes,
		})
		if err != nil {
			return nil, s.mapStreamError(err)
		}
		return &models.StreamResponse{Body: tuneToAPI(res)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "record",
		Method:      http.MethodPost,
		Path:        "/api/record",
		Summary:     "Record",
		Description: "Play a page and schedule a DVR recording of the encoder's channel for the same duration. " +
			"When the recording job fails the stream keeps playing and a 502 carries it in the body.",
		Tags:     []string{"streams"},
		Errors:   []int{400, 401, 404, 409, 502, 503, 504},
		Security: withAuth(),
	}, func(ctx context.Context, input *models.RecordRequest) (*models.StreamResponse, error) {
		res, err := s.ctrl.Record(ctx, streams.RecordRequest{
			URL:             input.Body.URL,
			EncoderID:       input.Body.EncoderID,
			DurationMinutes: input.Body.DurationMinutes,
			Metadata: dvr.Metadata{
				Title:        input.Body.Title,
				EpisodeTitle: input.Body.EpisodeTitle,
				Summary:      input.Body.Summary,
				Image:        input.Body.Image,
				Genres:       input.Body.Genres,
			},
		})
		if err != nil {
			if res != nil && streams.CodeOf(err) == streams.ErrCodeRecordingJobFailed {
				return nil, &models.RecordingError{
					Status: http.StatusBadGateway,
					Title:  http.StatusText(http.StatusBadGateway),
					Detail: err.Error(),
					Code:   streams.ErrCodeRecordingJobFailed,
					Stream: tuneToAPI(&res.TuneResult),
				}
			}
			return nil, s.mapStreamError(err)
		}
		data := tuneToAPI(&res.TuneResult)
		data.RecordingJobID = res.RecordingJobID
		return &models.StreamResponse{Body: data}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "stop",
		Method:      http.MethodPost,
		Path:        "/api/stop",
		Summary:     "Stop",
		Description: "Stop the stream on one encoder, or on every encoder when none is given",
		Tags:        []string{"streams"},
		Errors:      []int{401, 404},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.StopRequest) (*models.MessageResponse, error) {
		if input.Body.EncoderID == "" {
			s.ctrl.StopAll(ctx)
			return &models.MessageResponse{Body: models.MessageData{Message: "stopped all encoders"}}, nil
		}
		if err := s.ctrl.Stop(ctx, input.Body.EncoderID); err != nil {
			return nil, s.mapStreamError(err)
		}
		return &models.MessageResponse{Body: models.MessageData{Message: "stopped " + input.Body.EncoderID}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "restart-encoder",
		Method:      http.MethodPost,
		Path:        "/api/encoders/{encoder_id}/restart",
		Summary:     "Restart Browser",
		Description: "Relaunch the browser of an encoder that is not streaming",
		Tags:        []string{"encoders"},
		Errors:      []int{401, 404, 409, 503},
		Security:    withAuth(),
	}, func(ctx context.Context, input *struct {
		EncoderID string `path:"encoder_id" example:"enc1" doc:"Encoder identifier"`
	}) (*models.MessageResponse, error) {
		if err := s.ctrl.RestartBrowser(ctx, input.EncoderID); err != nil {
			return nil, s.mapStreamError(err)
		}
		return &models.MessageResponse{Body: models.MessageData{Message: "restarted " + input.EncoderID}}, nil
	})

	// DVR custom channels point at this URL; it has no auth because tuners
	// cannot send credentials.
	huma.Register(s.api, huma.Operation{
		OperationID: "stream-redirect",
		Method:      http.MethodGet,
		Path:        "/stream",
		Summary:     "Tune and Redirect",
		Description: "Play a page and redirect to the ingest URL of the encoder carrying it",
		Tags:        []string{"streams"},
		Errors:      []int{400, 404, 409, 503, 504},
		Security:    []map[string][]string{},
	}, func(ctx context.Context, input *struct {
		URL     string `query:"url" required:"true" example:"https://example.com/live" doc:"Page to play"`
		Encoder string `query:"encoder" example:"enc1" doc:"Encoder to use"`
	}) (*StreamRedirectResponse, error) {
		res, err := s.ctrl.Tune(ctx, streams.TuneRequest{URL: input.URL, EncoderID: input.Encoder})
		if err != nil {
			return nil, s.mapStreamError(err)
		}
		return &StreamRedirectResponse{Status: http.StatusFound, Location: res.IngestURL}, nil
	})
}

func tuneToAPI(res *streams.TuneResult) models.StreamData {
	return models.StreamData{
		StreamID:   res.StreamID,
		EncoderID:  res.EncoderID,
		Channel:    res.Channel,
		IngestURL:  res.IngestURL,
		TargetURL:  res.TargetURL,
		StartedAt:  res.StartedAt,
		Uptime:     time.Since(res.StartedAt).Round(time.Second).String(),
		AutoStopAt: res.AutoStopAt,
	}
}

// mapStreamError maps domain errors to HTTP errors
func (s *Server) mapStreamError(err error) error {
	var streamErr *streams.StreamError
	if !errors.As(err, &streamErr) {
		s.logger.Error("Unexpected error", "error", err)
		return huma.Error500InternalServerError("internal server error", err)
	}
	switch streamErr.Code {
	case streams.ErrCodeEncoderBusy, streams.ErrCodeTuneCancelled:
		return huma.Error409Conflict(streamErr.Message, err)
	case streams.ErrCodeEncoderNotFound:
		return huma.Error404NotFound(streamErr.Message, err)
	case streams.ErrCodeInvalidParams:
		return huma.Error400BadRequest(streamErr.Message, err)
	case streams.ErrCodeNavigationFailed, streams.ErrCodeVideoNotFound, streams.ErrCodePlaybackFailed:
		return huma.Error504GatewayTimeout(streamErr.Message, err)
	case streams.ErrCodeBrowserLaunchFailed:
		return huma.Error503ServiceUnavailable(streamErr.Message, err)
	case streams.ErrCodeRecordingJobFailed:
		return huma.Error502BadGateway(streamErr.Message, err)
	default:
		return huma.Error500InternalServerError("internal server error", err)
	}
}
