package frigate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/nvr-router/internal/data"
)

func TestClient_Events(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/events", r.URL.Path)
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode([]Event{endedEvent("e1")})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second)
	events, err := c.Events(context.Background(), EventQuery{
		Camera: "front",
		After:  data.UnixFloat(1700000000.5),
		Limit:  50,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e1", events[0].ID)
	assert.Contains(t, gotQuery, "after=1700000000.500000")
	assert.Contains(t, gotQuery, "camera=front")
	assert.Contains(t, gotQuery, "limit=50")
	assert.NotContains(t, gotQuery, "before=")
}

func TestClient_Cameras(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"cameras":{"yard":{},"front":{}},"mqtt":{}}`))
	}))
	defer srv.Close()

	names, err := NewClient(srv.URL, time.Second).Cameras(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"front", "yard"}, names)
}

func TestClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Events(context.Background(), EventQuery{})
	var sErr *StatusError
	require.True(t, errors.As(err, &sErr))
	assert.Equal(t, http.StatusBadGateway, sErr.HTTPStatus())
}

func TestClient_OpenClip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/events/e1/clip.mp4":
			w.Write([]byte("mp4-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	c := NewClient(srv.URL, time.Second)

	body, err := c.OpenClip(context.Background(), data.Event{ID: "e1", HasClip: true})
	require.NoError(t, err)
	b, _ := io.ReadAll(body)
	body.Close()
	assert.Equal(t, "mp4-bytes", string(b))

	_, err = c.OpenEventClip(context.Background(), "missing")
	var sErr *StatusError
	require.True(t, errors.As(err, &sErr))
	assert.Equal(t, http.StatusNotFound, sErr.StatusCode)
}

func TestValidateClipRange(t *testing.T) {
	assert.NoError(t, ValidateClipRange(100, 400))
	assert.ErrorIs(t, ValidateClipRange(100, 100), ErrInvalidClipRange)
	assert.ErrorIs(t, ValidateClipRange(100, 401), ErrInvalidClipRange)
}
