package frigate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/technosupport/nvr-router/internal/data"
)

// StatusError is a non-2xx answer from the Frigate API.
type StatusError struct {
	Path       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("frigate %s: status %d", e.Path, e.StatusCode)
}

func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

type EventQuery struct {
	Camera string
	After  time.Time
	Before time.Time
	Limit  int
}

type Client struct {
	baseURL string
	http    *http.Client
	// clips get no client timeout; the caller's context bounds them
	clipHTTP *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: timeout},
		clipHTTP: &http.Client{},
	}
}

// Cameras lists the camera names configured in Frigate.
func (c *Client) Cameras(ctx context.Context) ([]string, error) {
	var cfg struct {
		Cameras map[string]json.RawMessage `json:"cameras"`
	}
	if err := c.getJSON(ctx, "/api/config", nil, &cfg); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(cfg.Cameras))
	for name := range cfg.Cameras {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Events lists events matching q, newest first as Frigate returns them.
func (c *Client) Events(ctx context.Context, q EventQuery) ([]Event, error) {
	params := url.Values{}
	if q.Camera != "" {
		params.Set("camera", q.Camera)
	}
	if !q.After.IsZero() {
		params.Set("after", strconv.FormatFloat(data.ToUnixFloat(q.After), 'f', 6, 64))
	}
	if !q.Before.IsZero() {
		params.Set("before", strconv.FormatFloat(data.ToUnixFloat(q.Before), 'f', 6, 64))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	var events []Event
	if err := c.getJSON(ctx, "/api/events", params, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// OpenClip streams the clip behind an event's SourceClipRef.
func (c *Client) OpenClip(ctx context.Context, evt data.Event) (io.ReadCloser, error) {
	ref := evt.SourceClipRef
	if ref == "" {
		ref = ClipRef(evt)
	}
	return c.open(ctx, ref)
}

// OpenEventClip streams GET /api/events/{id}/clip.mp4.
func (c *Client) OpenEventClip(ctx context.Context, eventID string) (io.ReadCloser, error) {
	return c.open(ctx, fmt.Sprintf("/api/events/%s/clip.mp4", url.PathEscape(eventID)))
}

// OpenRangeClip streams a clip cut from a camera recording.
func (c *Client) OpenRangeClip(ctx context.Context, camera string, start, end int64) (io.ReadCloser, error) {
	if err := ValidateClipRange(start, end); err != nil {
		return nil, err
	}
	return c.open(ctx, rangeClipPath(url.PathEscape(camera), start, end))
}

// ValidateClipRange enforces end after start and the clip length cap.
func ValidateClipRange(start, end int64) error {
	if end <= start {
		return fmt.Errorf("%w: end_time must be greater than start_time", ErrInvalidClipRange)
	}
	if time.Duration(end-start)*time.Second > MaxClipDuration {
		return fmt.Errorf("%w: clip duration cannot exceed %d seconds", ErrInvalidClipRange, int(MaxClipDuration.Seconds()))
	}
	return nil
}

func (c *Client) open(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.clipHTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("frigate %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &StatusError{Path: path, StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("frigate %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{Path: path, StatusCode: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("frigate %s: decode: %w", path, err)
	}
	return nil
}
