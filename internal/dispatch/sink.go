package dispatch

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/technosupport/nvr-router/internal/data"
	"github.com/technosupport/nvr-router/internal/vss"
)

// Sink delivers an event to one downstream pipeline and returns the
// identifier that pipeline assigned to it.
type Sink interface {
	Target() data.Target
	Send(ctx context.Context, evt data.Event, decision *data.RoutingDecision) (ref string, err error)
}

// ClipSource opens the recording of an event.
type ClipSource interface {
	OpenClip(ctx context.Context, evt data.Event) (io.ReadCloser, error)
}

type Uploader interface {
	UploadVideo(ctx context.Context, filename string, video io.Reader) (string, error)
}

type SearchService interface {
	Uploader
	SearchEmbeddings(ctx context.Context, videoID string) (string, error)
}

type SummaryService interface {
	Uploader
	CreateSummary(ctx context.Context, sr vss.SummaryRequest) (string, error)
}

// SearchSink uploads the clip to VSS Search and asks it to index the video.
type SearchSink struct {
	clips   ClipSource
	svc     SearchService
	uploads *uploads
}

func NewSearchSink(clips ClipSource, svc SearchService) *SearchSink {
	return &SearchSink{clips: clips, svc: svc, uploads: newUploads()}
}

func (s *SearchSink) Target() data.Target { return data.TargetSearch }

func (s *SearchSink) Send(ctx context.Context, evt data.Event, _ *data.RoutingDecision) (string, error) {
	videoID, err := s.uploads.get(ctx, s.clips, s.svc, evt)
	if err != nil {
		return "", err
	}
	if _, err := s.svc.SearchEmbeddings(ctx, videoID); err != nil {
		return "", fmt.Errorf("search embeddings for %s: %w", videoID, err)
	}
	s.uploads.done(evt)
	return videoID, nil
}

// SummaryOptions are the sampling parameters sent with every summary request.
type SummaryOptions struct {
	ChunkDuration int
	SamplingFrame int
	EvamPipeline  string
}

// SummarySink uploads the clip to VSS Summary and starts a summary pipeline.
type SummarySink struct {
	clips   ClipSource
	svc     SummaryService
	opts    SummaryOptions
	uploads *uploads
}

func NewSummarySink(clips ClipSource, svc SummaryService, opts SummaryOptions) *SummarySink {
	if opts.ChunkDuration <= 0 {
		opts.ChunkDuration = 8
	}
	if opts.SamplingFrame <= 0 {
		opts.SamplingFrame = 3
	}
	if opts.EvamPipeline == "" {
		opts.EvamPipeline = "object_detection"
	}
	return &SummarySink{clips: clips, svc: svc, opts: opts, uploads: newUploads()}
}

func (s *SummarySink) Target() data.Target { return data.TargetSummary }

func (s *SummarySink) Send(ctx context.Context, evt data.Event, _ *data.RoutingDecision) (string, error) {
	videoID, err := s.uploads.get(ctx, s.clips, s.svc, evt)
	if err != nil {
		return "", err
	}
	pipelineID, err := s.svc.CreateSummary(ctx, vss.SummaryRequest{
		VideoID: videoID,
		Title:   fmt.Sprintf("%s_%s_%s", evt.CameraID, evt.Label, evt.ID),
		Sampling: vss.Sampling{
			ChunkDuration: s.opts.ChunkDuration,
			SamplingFrame: s.opts.SamplingFrame,
		},
		Evam: vss.Evam{EvamPipeline: s.opts.EvamPipeline},
	})
	if err != nil {
		return "", fmt.Errorf("create summary for %s: %w", videoID, err)
	}
	s.uploads.done(evt)
	return pipelineID, nil
}

// uploads remembers which video a clip became until the call that follows
// the upload succeeds, so a retry reuses the video instead of sending the
// clip again. It is kept in memory only.
type uploads struct {
	ids *expirable.LRU[string, string]
}

func newUploads() *uploads {
	return &uploads{ids: expirable.NewLRU[string, string](1024, nil, time.Hour)}
}

func (u *uploads) get(ctx context.Context, clips ClipSource, up Uploader, evt data.Event) (string, error) {
	key := uploadKey(evt)
	if id, ok := u.ids.Get(key); ok {
		return id, nil
	}
	id, err := upload(ctx, clips, up, evt)
	if err != nil {
		return "", err
	}
	u.ids.Add(key, id)
	return id, nil
}

func (u *uploads) done(evt data.Event) {
	u.ids.Remove(uploadKey(evt))
}

func uploadKey(evt data.Event) string {
	return evt.ID + "|" + evt.SourceClipRef
}

func upload(ctx context.Context, clips ClipSource, up Uploader, evt data.Event) (string, error) {
	clip, err := clips.OpenClip(ctx, evt)
	if err != nil {
		return "", fmt.Errorf("fetch clip for %s: %w", evt.ID, err)
	}
	defer clip.Close()

	videoID, err := up.UploadVideo(ctx, clipFilename(evt), clip)
	if err != nil {
		return "", fmt.Errorf("upload clip for %s: %w", evt.ID, err)
	}
	return videoID, nil
}

func clipFilename(evt data.Event) string {
	return fmt.Sprintf("%s_%s.mp4", evt.CameraID, evt.ID)
}
