package frigate

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExports serves Frigate's export endpoints for a single export "exp-1".
func fakeExports(t *testing.T, inProgress bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/export/front/start/1700000000/end/1700000060.5":
			var body ExportRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "realtime", body.Playback)
			json.NewEncoder(w).Encode(ExportStarted{Success: true, Message: "Starting export of recording.", ExportID: "exp-1"})
		case r.Method == http.MethodGet && r.URL.Path == "/api/exports/exp-1":
			json.NewEncoder(w).Encode(Export{
				ID: "exp-1", Camera: "front", Name: "door",
				VideoPath: "/media/frigate/exports/front_exp-1.mp4", InProgress: inProgress,
			})
		case r.Method == http.MethodGet && r.URL.Path == "/exports/front_exp-1.mp4":
			w.Write([]byte("mp4-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_StartExport(t *testing.T) {
	c := NewClient(fakeExports(t, false).URL, time.Second)

	started, err := c.StartExport(context.Background(), "front", 1700000000, 1700000060.5, ExportRequest{Playback: "realtime", Source: "recordings"})
	require.NoError(t, err)
	assert.True(t, started.Success)
	assert.Equal(t, "exp-1", started.ExportID)
}

func TestClient_StartExportRejectsBadRange(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", time.Second)

	tests := []struct {
		name       string
		start, end float64
	}{
		{"inverted", 200, 100},
		{"empty", 100, 100},
		{"too long", 0, 301},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.StartExport(context.Background(), "front", tt.start, tt.end, ExportRequest{})
			assert.ErrorIs(t, err, ErrInvalidClipRange)
		})
	}
}

func TestClient_ExportVideo(t *testing.T) {
	c := NewClient(fakeExports(t, false).URL, time.Second)

	exp, err := c.GetExport(context.Background(), "exp-1")
	require.NoError(t, err)
	assert.Equal(t, "front", exp.Camera)

	rc, err := c.OpenExportVideo(context.Background(), "exp-1")
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "mp4-bytes", string(body))
}

func TestClient_ExportVideoInProgress(t *testing.T) {
	c := NewClient(fakeExports(t, true).URL, time.Second)

	_, err := c.OpenExportVideo(context.Background(), "exp-1")
	assert.ErrorIs(t, err, ErrExportInProgress)
}

func TestClient_MissingExport(t *testing.T) {
	c := NewClient(fakeExports(t, false).URL, time.Second)

	_, err := c.GetExport(context.Background(), "nope")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
}

func TestRangeEvent(t *testing.T) {
	now := time.Unix(1700000100, 0)

	evt, err := RangeEvent("front door", 1700000000, 1700000030, now)
	require.NoError(t, err)
	assert.Equal(t, "front door-1700000000-1700000030", evt.ID)
	assert.Equal(t, "/api/front%20door/start/1700000000/end/1700000030/clip.mp4", evt.SourceClipRef)
	assert.Equal(t, 30*time.Second, evt.Duration())

	_, err = RangeEvent("front", 1700000000, 1700000400, now)
	assert.ErrorIs(t, err, ErrInvalidClipRange)
	_, err = RangeEvent("", 1, 2, now)
	assert.ErrorIs(t, err, ErrInvalidClipRange)
}
