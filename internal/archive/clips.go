package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/nvr-router/internal/data"
)

var errIncomplete = errors.New("clip not read to the end")

type ClipSource interface {
	OpenClip(ctx context.Context, evt data.Event) (io.ReadCloser, error)
}

// ArchivingClipSource copies every clip it hands out into object storage while the
// caller reads it. Archive failures are logged and never reach the reader.
type ArchivingClipSource struct {
	inner ClipSource
	store Store
	log   *zap.Logger
}

func NewClipSource(inner ClipSource, store Store, log *zap.Logger) *ArchivingClipSource {
	return &ArchivingClipSource{inner: inner, store: store, log: log.Named("archive")}
}

// Key is the object key of an event's clip.
func Key(evt data.Event) string {
	return fmt.Sprintf("clips/%s/%s.mp4", evt.CameraID, evt.ID)
}

func (a *ArchivingClipSource) OpenClip(ctx context.Context, evt data.Event) (io.ReadCloser, error) {
	src, err := a.inner.OpenClip(ctx, evt)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	r := &teeClip{src: src, sink: &lossyWriter{w: pw}, pw: pw, done: make(chan error, 1)}
	key := Key(evt)
	meta := map[string]string{
		"event-id": evt.ID,
		"camera":   evt.CameraID,
		"label":    evt.Label,
		"start":    evt.StartTimestamp.Format(time.RFC3339),
	}
	go func() {
		err := a.store.Put(context.WithoutCancel(ctx), key, pr, -1, meta)
		pr.CloseWithError(err)
		r.done <- err
	}()
	r.onDone = func(err error) {
		if err != nil {
			a.log.Warn("clip not archived", zap.String("key", key), zap.Error(err))
			return
		}
		a.log.Debug("clip archived", zap.String("key", key))
	}
	return r, nil
}

// teeClip feeds everything read from src into the archive upload.
type teeClip struct {
	src    io.ReadCloser
	sink   *lossyWriter
	pw     *io.PipeWriter
	done   chan error
	onDone func(error)

	once sync.Once
	eof  bool
}

func (t *teeClip) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 {
		t.sink.Write(p[:n])
	}
	if err == io.EOF {
		t.eof = true
	}
	return n, err
}

func (t *teeClip) Close() error {
	err := t.src.Close()
	t.once.Do(func() {
		if t.eof {
			t.pw.Close()
		} else {
			t.pw.CloseWithError(errIncomplete)
		}
		t.onDone(<-t.done)
	})
	return err
}

// lossyWriter stops forwarding after the first failed write and always
// reports success, so a broken archive upload never fails the reader.
type lossyWriter struct {
	w      io.Writer
	failed bool
}

func (l *lossyWriter) Write(p []byte) (int, error) {
	if l.failed {
		return len(p), nil
	}
	if _, err := l.w.Write(p); err != nil {
		l.failed = true
	}
	return len(p), nil
}
