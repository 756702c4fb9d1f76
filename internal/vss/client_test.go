package vss

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_UploadVideo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/manager/videos/", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		file, hdr, err := r.FormFile("video")
		require.NoError(t, err)
		defer file.Close()
		body, _ := io.ReadAll(file)
		assert.Equal(t, "clip-bytes", string(body))
		assert.Equal(t, "evt-1.mp4", hdr.Filename)

		json.NewEncoder(w).Encode(map[string]string{"videoId": "vid-42"})
	}))
	defer srv.Close()

	id, err := NewClient(srv.URL, 0).UploadVideo(context.Background(), "evt-1.mp4", strings.NewReader("clip-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "vid-42", id)
}

func TestClient_UploadVideoMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, 0).UploadVideo(context.Background(), "x.mp4", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestClient_CreateSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/manager/summary", r.URL.Path)
		var got SummaryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "vid-1", got.VideoID)
		assert.Equal(t, 8, got.Sampling.ChunkDuration)
		assert.Equal(t, "object_detection", got.Evam.EvamPipeline)
		w.Write([]byte(`{"summaryPipelineId":"sum-7"}`))
	}))
	defer srv.Close()

	id, err := NewClient(srv.URL, 0).CreateSummary(context.Background(), SummaryRequest{
		VideoID:  "vid-1",
		Title:    "front person",
		Sampling: Sampling{ChunkDuration: 8, SamplingFrame: 3},
		Evam:     Evam{EvamPipeline: "object_detection"},
	})
	require.NoError(t, err)
	assert.Equal(t, "sum-7", id)
}

func TestClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "pipeline busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, 0).SearchEmbeddings(context.Background(), "vid-1")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Equal(t, "pipeline busy", se.Body)
}

func TestClient_GetSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/manager/summary/done":
			w.Write([]byte(`{"summary":"A person walks to the door.","status":"complete"}`))
		default:
			w.Write([]byte(`{"status":"running"}`))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", 0)
	res, err := c.GetSummary(context.Background(), "done")
	require.NoError(t, err)
	assert.True(t, res.Ready())
	assert.Equal(t, "A person walks to the door.", res.Summary)

	res, err = c.GetSummary(context.Background(), "pending")
	require.NoError(t, err)
	assert.False(t, res.Ready())
	assert.Equal(t, "running", res.Status)
}
