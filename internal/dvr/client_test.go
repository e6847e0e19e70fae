package dvr

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitJob(t *testing.T) {
	var got jobRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/dvr/jobs/new", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "pagecaster/"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"job-17","Name":"Evening News"}`))
	}))
	defer srv.Close()

	start := time.Unix(1700000000, 0)
	c := NewClient(srv.URL+"/", time.Second)
	id, err := c.SubmitJob(t.Context(), Job{
		Channel:  "101",
		Start:    start,
		Duration: 90 * time.Minute,
		Metadata: Metadata{Title: "Evening News", Summary: "Local news", Genres: []string{"News"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "job-17", id)

	assert.Equal(t, "Evening News", got.Name)
	assert.Equal(t, []string{"101"}, got.Channels)
	assert.Equal(t, int64(5400), got.Duration)
	assert.Equal(t, start.Unix(), got.Time)
	assert.Equal(t, "101", got.Airing.Channel)
	assert.Equal(t, "Local news", got.Airing.Summary)
	assert.Equal(t, []string{"News"}, got.Airing.Genres)
}

func TestSubmitJobDefaultTitle(t *testing.T) {
	var got jobRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"id":"1"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).SubmitJob(t.Context(), Job{Channel: "102", Start: time.Now(), Duration: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "Channel 102", got.Name)
	assert.Equal(t, "Channel 102", got.Airing.Title)
}

func TestSubmitJobErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "channel not found", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.SubmitJob(t.Context(), Job{Channel: "999", Duration: time.Minute})
	assert.ErrorContains(t, err, "status: 400")
	assert.ErrorContains(t, err, "channel not found")

	_, err = c.SubmitJob(t.Context(), Job{Channel: "999"})
	assert.ErrorContains(t, err, "duration")

	_, err = c.SubmitJob(t.Context(), Job{Duration: time.Minute})
	assert.ErrorContains(t, err, "channel")
}

func TestSubmitJobMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).SubmitJob(t.Context(), Job{Channel: "1", Duration: time.Minute})
	assert.ErrorContains(t, err, "no job id")
}

func TestDisabledClient(t *testing.T) {
	c := NewClient("", 0)
	assert.False(t, c.Enabled())

	_, err := c.SubmitJob(t.Context(), Job{Channel: "1", Duration: time.Minute})
	assert.ErrorIs(t, err, ErrDisabled)
	assert.ErrorIs(t, c.Ping(t.Context()), ErrDisabled)
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/dvr" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	assert.NoError(t, NewClient(srv.URL, time.Second).Ping(t.Context()))
	assert.Error(t, NewClient(srv.URL+"/missing", time.Second).Ping(t.Context()))
}
