package frigate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/technosupport/nvr-router/internal/data"
)

// ErrExportInProgress is returned for the video of an export Frigate is
// still writing.
var ErrExportInProgress = errors.New("export still in progress")

// ExportRequest is the body Frigate takes when starting an export.
type ExportRequest struct {
	Playback  string `json:"playback,omitempty"`
	Source    string `json:"source,omitempty"`
	Name      string `json:"name,omitempty"`
	ImagePath string `json:"image_path,omitempty"`
}

// ExportStarted is Frigate's answer to a new export.
type ExportStarted struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	ExportID string `json:"export_id,omitempty"`
}

type Export struct {
	ID         string  `json:"id"`
	Camera     string  `json:"camera"`
	Name       string  `json:"name"`
	Date       float64 `json:"date"`
	VideoPath  string  `json:"video_path"`
	ThumbPath  string  `json:"thumb_path"`
	InProgress bool    `json:"in_progress"`
}

// StartExport asks Frigate to render the camera recording between start
// and end, in unix seconds, into a saved export.
func (c *Client) StartExport(ctx context.Context, camera string, start, end float64, req ExportRequest) (*ExportStarted, error) {
	if end <= start {
		return nil, fmt.Errorf("%w: end_time must be greater than start_time", ErrInvalidClipRange)
	}
	if time.Duration((end-start)*float64(time.Second)) > MaxClipDuration {
		return nil, fmt.Errorf("%w: clip duration cannot exceed %d seconds", ErrInvalidClipRange, int(MaxClipDuration.Seconds()))
	}
	p := fmt.Sprintf("/api/export/%s/start/%s/end/%s", url.PathEscape(camera), formatSeconds(start), formatSeconds(end))

	var out ExportStarted
	if err := c.postJSON(ctx, p, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetExport returns the metadata Frigate keeps for an export.
func (c *Client) GetExport(ctx context.Context, id string) (*Export, error) {
	var exp Export
	if err := c.getJSON(ctx, "/api/exports/"+url.PathEscape(id), nil, &exp); err != nil {
		return nil, err
	}
	return &exp, nil
}

// OpenExportVideo streams the rendered video of a finished export from
// Frigate's exports media path.
func (c *Client) OpenExportVideo(ctx context.Context, id string) (io.ReadCloser, error) {
	exp, err := c.GetExport(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.InProgress {
		return nil, ErrExportInProgress
	}
	name := path.Base(exp.VideoPath)
	if exp.VideoPath == "" || name == "." || name == "/" {
		name = id + ".mp4"
	}
	return c.open(ctx, "/exports/"+url.PathEscape(name))
}

// RangeEvent describes a slice of a camera recording as an event, so a
// range can go through the same sinks as a detection. start and end are
// unix seconds.
func RangeEvent(camera string, start, end int64, now time.Time) (data.Event, error) {
	if camera == "" {
		return data.Event{}, fmt.Errorf("%w: camera is required", ErrInvalidClipRange)
	}
	if err := ValidateClipRange(start, end); err != nil {
		return data.Event{}, err
	}
	return data.Event{
		ID:             fmt.Sprintf("%s-%d-%d", camera, start, end),
		CameraID:       camera,
		EventType:      "range",
		Label:          "recording",
		StartTimestamp: time.Unix(start, 0).UTC(),
		EndTimestamp:   time.Unix(end, 0).UTC(),
		Confidence:     1,
		SourceClipRef:  rangeClipPath(url.PathEscape(camera), start, end),
		Source:         data.SourceAPI,
		ReceivedAt:     now.UTC(),
	}, nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (c *Client) postJSON(ctx context.Context, p string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+p, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("frigate %s: %w", p, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{Path: p, StatusCode: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("frigate %s: decode: %w", p, err)
	}
	return nil
}
