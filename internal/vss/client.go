package vss

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// ErrMalformedResponse is returned when VSS answers 2xx with a body that
// lacks the expected fields.
var ErrMalformedResponse = errors.New("malformed vss response")

// StatusError carries a non-2xx answer from VSS.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("vss %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

type Sampling struct {
	ChunkDuration int `json:"chunkDuration"`
	SamplingFrame int `json:"samplingFrame"`
}

type Evam struct {
	EvamPipeline string `json:"evamPipeline"`
}

type SummaryRequest struct {
	VideoID  string   `json:"videoId"`
	Title    string   `json:"title"`
	Sampling Sampling `json:"sampling"`
	Evam     Evam     `json:"evam"`
}

// SummaryResult is the pipeline state returned by GET /manager/summary/{id}.
// Summary stays empty until the pipeline has finished.
type SummaryResult struct {
	PipelineID string         `json:"summaryPipelineId,omitempty"`
	Summary    string         `json:"summary"`
	Status     any            `json:"status,omitempty"`
	Raw        map[string]any `json:"-"`
}

func (r *SummaryResult) Ready() bool {
	return r.Summary != ""
}

// Client talks to one VSS pipeline manager (search or summary).
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// UploadVideo streams an mp4 to POST /manager/videos/ and returns its videoId.
func (c *Client) UploadVideo(ctx context.Context, filename string, video io.Reader) (string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="video"; filename="%s"`, filename))
		h.Set("Content-Type", "video/mp4")
		part, err := mw.CreatePart(h)
		if err == nil {
			_, err = io.Copy(part, video)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/manager/videos/", pr)
	if err != nil {
		pr.Close()
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		VideoID string `json:"videoId"`
	}
	if err := c.do(req, "upload", &out); err != nil {
		pr.CloseWithError(err)
		return "", err
	}
	if out.VideoID == "" {
		return "", fmt.Errorf("upload: %w: missing videoId", ErrMalformedResponse)
	}
	return out.VideoID, nil
}

// CreateSummary starts a summary pipeline and returns its id.
func (c *Client) CreateSummary(ctx context.Context, sr SummaryRequest) (string, error) {
	body, err := json.Marshal(sr)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/manager/summary", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		PipelineID string `json:"summaryPipelineId"`
	}
	if err := c.do(req, "create summary", &out); err != nil {
		return "", err
	}
	if out.PipelineID == "" {
		return "", fmt.Errorf("create summary: %w: missing summaryPipelineId", ErrMalformedResponse)
	}
	return out.PipelineID, nil
}

func (c *Client) GetSummary(ctx context.Context, pipelineID string) (*SummaryResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/manager/summary/"+pipelineID, nil)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := c.do(req, "get summary", &raw); err != nil {
		return nil, err
	}
	res := &SummaryResult{PipelineID: pipelineID, Raw: raw, Status: raw["status"]}
	if s, ok := raw["summary"].(string); ok {
		res.Summary = s
	}
	return res, nil
}

// SearchEmbeddings asks the search pipeline to index an uploaded video and
// returns the service's message.
func (c *Client) SearchEmbeddings(ctx context.Context, videoID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/manager/videos/search-embeddings/"+videoID, nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Message string `json:"message"`
	}
	if err := c.do(req, "search embeddings", &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("vss %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrMalformedResponse, err)
	}
	return nil
}
