package inspect

import (
	"context"
	"image"
	"strings"
	"time"

	"github.com/intellioptics/platform/internal/errs"
	"github.com/intellioptics/platform/internal/ingest"
	"github.com/intellioptics/platform/internal/vision"
)

// StreamConnector opens camera sources through the ingestion transports and
// decodes frames for analysis. The timeout bounds only the wait for the first
// frame; a source that never produces one is reported unreachable rather than
// left hanging.
type StreamConnector struct {
	// FPS is passed to the ffmpeg transport. Zero means DefaultExpectedFPS.
	FPS float64
}

func (c *StreamConnector) Connect(ctx context.Context, url string, timeout time.Duration) (FrameSource, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	// The source must outlive Connect, so it is opened with the caller's
	// context. An ffmpeg source opened with a bounded context would have its
	// process killed the moment that context expired.
	src, err := c.open(ctx, url, timeout)
	if err != nil {
		return nil, err
	}

	type first struct {
		frame *ingest.Frame
		err   error
	}
	ch := make(chan first, 1)
	go func() {
		f, err := src.Read()
		ch <- first{frame: f, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			src.Close()
			return nil, errs.Wrap(errs.KindExternalUnavailable, "read first frame from "+url, r.err)
		}
		return &decodedSource{src: src, pending: r.frame}, nil
	case <-timer.C:
		src.Close()
		return nil, errs.New(errs.KindExternalUnavailable, "no frame from "+url+" within "+timeout.String())
	case <-ctx.Done():
		src.Close()
		return nil, errs.Wrap(errs.KindExternalUnavailable, "connect "+url, ctx.Err())
	}
}

func (c *StreamConnector) open(ctx context.Context, url string, timeout time.Duration) (ingest.FrameSource, error) {
	lower := strings.ToLower(url)
	switch {
	case strings.HasPrefix(lower, "mock://"), strings.HasPrefix(lower, "test://"):
		return ingest.NewSyntheticSource(), nil
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"), strings.HasSuffix(lower, ".png"):
		return ingest.NewSnapshotSource(url, timeout), nil
	default:
		fps := c.FPS
		if fps <= 0 {
			fps = DefaultExpectedFPS
		}
		return ingest.OpenFFmpegSource(ctx, url, fps)
	}
}

// decodedSource adapts the byte-oriented ingestion sources to the decoded
// frames inspection works on. The frame read to prove liveness is handed out
// first so it is not lost.
type decodedSource struct {
	src     ingest.FrameSource
	pending *ingest.Frame
}

func (d *decodedSource) Read() (image.Image, error) {
	f := d.pending
	if f != nil {
		d.pending = nil
	} else {
		var err error
		f, err = d.src.Read()
		if err != nil {
			return nil, err
		}
	}
	return vision.Decode(f.Data)
}

func (d *decodedSource) Close() error { return d.src.Close() }
