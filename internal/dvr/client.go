package dvr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/smazurov/pagecaster/internal/logging"
	"github.com/smazurov/pagecaster/internal/version"
)

// ErrDisabled is returned when no DVR URL is configured.
var ErrDisabled = errors.New("dvr not configured")

// Metadata describes the recording as it appears in the DVR library.
type Metadata struct {
	Title        string   `json:"title,omitempty" doc:"Program title"`
	EpisodeTitle string   `json:"episode_title,omitempty" doc:"Episode title"`
	Summary      string   `json:"summary,omitempty" doc:"Program description"`
	Image        string   `json:"image,omitempty" doc:"Poster image URL"`
	Genres       []string `json:"genres,omitempty" doc:"Genre tags"`
}

// Job is a recording request for one channel.
type Job struct {
	Channel  string
	Start    time.Time
	Duration time.Duration
	Metadata Metadata
}

type airing struct {
	Source       string   `json:"Source"`
	Channel      string   `json:"Channel"`
	Time         int64    `json:"Time"`
	Duration     int64    `json:"Duration"`
	Title        string   `json:"Title"`
	EpisodeTitle string   `json:"EpisodeTitle,omitempty"`
	Summary      string   `json:"Summary,omitempty"`
	Image        string   `json:"Image,omitempty"`
	Genres       []string `json:"Genres,omitempty"`
}

type jobRequest struct {
	Name     string   `json:"Name"`
	Time     int64    `json:"Time"`
	Duration int64    `json:"Duration"`
	Channels []string `json:"Channels"`
	Airing   airing   `json:"Airing"`
}

type jobResponse struct {
	ID string `json:"id"`
}

// Client submits recording jobs to a Channels DVR style server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a DVR client. An empty baseURL yields a client whose
// calls return ErrDisabled.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.GetLogger("dvr"),
	}
}

// Enabled reports whether a DVR URL is configured.
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// SubmitJob schedules a recording and returns the DVR's job id.
func (c *Client) SubmitJob(ctx context.Context, job Job) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}
	if job.Channel == "" {
		return "", errors.New("job channel is required")
	}
	if job.Duration <= 0 {
		return "", errors.New("job duration must be positive")
	}

	title := job.Metadata.Title
	if title == "" {
		title = "Channel " + job.Channel
	}
	start := job.Start.Unix()
	seconds := int64(job.Duration / time.Second)

	body := jobRequest{
		Name:     title,
		Time:     start,
		Duration: seconds,
		Channels: []string{job.Channel},
		Airing: airing{
			Source:       "manual",
			Channel:      job.Channel,
			Time:         start,
			Duration:     seconds,
			Title:        title,
			EpisodeTitle: job.Metadata.EpisodeTitle,
			Summary:      job.Metadata.Summary,
			Image:        job.Metadata.Image,
			Genres:       job.Metadata.Genres,
		},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/dvr/jobs/new", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to submit job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("failed to submit job, status: %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode job response: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("dvr returned no job id")
	}

	c.logger.Info("Recording job submitted", "job_id", out.ID, "channel", job.Channel, "duration", job.Duration)
	return out.ID, nil
}

// Ping checks the DVR API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/dvr", nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dvr status: %d", resp.StatusCode)
	}
	return nil
}
