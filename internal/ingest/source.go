package ingest

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/intellioptics/platform/internal/errs"
	"github.com/intellioptics/platform/internal/vision"
)

// Frame is one captured frame as it goes to inference.
type Frame struct {
	Data        []byte
	ContentType string
}

// FrameSource is one open stream. Read blocks until the next frame or a
// stream error; Close releases the underlying capture.
type FrameSource interface {
	Read() (*Frame, error)
	Close() error
}

// Resolver turns a watch-page URL into a playable media URL.
type Resolver interface {
	Resolve(ctx context.Context, url string) (string, error)
}

// Opener builds the frame source for a stream once its URL is playable.
type Opener interface {
	Open(ctx context.Context, cfg StreamConfig, playableURL string) (FrameSource, error)
}

const (
	resolveTimeout = 30 * time.Second

	// Some stream CDNs refuse clients without a browser user agent.
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// StreamlinkResolver shells out to the streamlink tool, which knows how to
// extract playable URLs from YouTube, Twitch, EarthCam and friends.
type StreamlinkResolver struct {
	Timeout time.Duration
}

func (r *StreamlinkResolver) Resolve(ctx context.Context, sourceURL string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = resolveTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "streamlink", "--stream-url", sourceURL, "best").Output()
	if err != nil {
		return "", errs.Wrap(errs.KindExternalUnavailable, "streamlink", err)
	}
	playable := strings.TrimSpace(string(out))
	if !strings.HasPrefix(playable, "http") {
		return "", errs.Newf(errs.KindExternalUnavailable, "streamlink returned a non-http url %q", playable)
	}
	return playable, nil
}

// StreamOpener builds the production sources: synthetic for the test
// schemes, an HTTP snapshot poller, or the FFmpeg decoder.
type StreamOpener struct{}

func (o *StreamOpener) Open(ctx context.Context, cfg StreamConfig, playableURL string) (FrameSource, error) {
	if cfg.synthetic() {
		return NewSyntheticSource(), nil
	}
	if cfg.Poll {
		return NewSnapshotSource(playableURL, cfg.apiTimeout()), nil
	}
	fps := 1.0 / cfg.samplingInterval().Seconds()
	return OpenFFmpegSource(ctx, playableURL, fps)
}

// SyntheticSource draws flat-color frames with a rotating palette. It backs
// the mock:// and test:// stream URLs.
type SyntheticSource struct {
	frame int
}

var syntheticPalette = []color.RGBA{
	{255, 100, 100, 255}, {100, 255, 100, 255}, {100, 100, 255, 255},
	{255, 255, 100, 255}, {255, 100, 255, 255}, {100, 255, 255, 255},
}

func NewSyntheticSource() *SyntheticSource { return &SyntheticSource{} }

func (s *SyntheticSource) Read() (*Frame, error) {
	s.frame++
	c := syntheticPalette[s.frame%len(syntheticPalette)]

	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			img.SetRGBA(x, y, c)
		}
	}

	data, err := vision.EncodeJPEG(img, 85)
	if err != nil {
		return nil, err
	}
	return &Frame{Data: data, ContentType: "image/jpeg"}, nil
}

func (s *SyntheticSource) Close() error { return nil }

// SnapshotSource polls an HTTP still-image endpoint once per Read.
type SnapshotSource struct {
	url  string
	http *resty.Client
}

func NewSnapshotSource(url string, timeout time.Duration) *SnapshotSource {
	return &SnapshotSource{
		url:  url,
		http: resty.New().SetTimeout(timeout).SetHeader("User-Agent", browserUserAgent),
	}
}

func (s *SnapshotSource) Read() (*Frame, error) {
	resp, err := s.http.R().Get(s.url)
	if err != nil {
		return nil, errs.Wrap(errs.KindExternalUnavailable, "fetch snapshot", err)
	}
	if resp.IsError() {
		return nil, errs.Newf(errs.KindExternalUnavailable, "snapshot endpoint returned %s", resp.Status())
	}
	contentType := resp.Header().Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return &Frame{Data: resp.Body(), ContentType: contentType}, nil
}

func (s *SnapshotSource) Close() error { return nil }

const (
	ffmpegChunkSize = 64 * 1024
	// The scan buffer is trimmed once it outgrows this, keeping the tail.
	ffmpegBufferCap  = 10 * 1024 * 1024
	ffmpegBufferKeep = 1024 * 1024

	// FFmpeg gets this long to exit after a kill before Wait gives up.
	ffmpegStopTimeout = 5 * time.Second
)

var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}
)

// FFmpegSource decodes a stream into JPEG frames through an ffmpeg
// image2pipe subprocess and scans the pipe for frame markers.
type FFmpegSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	buf    []byte
	chunk  []byte
}

// OpenFFmpegSource starts the decoder at the given output frame rate. The
// subprocess is killed when ctx ends or Close is called, with Wait bounded
// so a wedged ffmpeg cannot hang shutdown.
func OpenFFmpegSource(ctx context.Context, streamURL string, fps float64) (*FFmpegSource, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-headers", fmt.Sprintf("User-Agent: %s\r\n", browserUserAgent),
		"-i", streamURL,
		"-vf", fmt.Sprintf("fps=%g", fps),
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-",
	)
	cmd.WaitDelay = ffmpegStopTimeout

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Wrap(errs.KindExternalUnavailable, "ffmpeg stdout", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.KindExternalUnavailable, "start ffmpeg", err)
	}

	return &FFmpegSource{
		cmd:    cmd,
		stdout: stdout,
		chunk:  make([]byte, ffmpegChunkSize),
	}, nil
}

func (f *FFmpegSource) Read() (*Frame, error) {
	for {
		if jpeg := f.extractJPEG(); jpeg != nil {
			return &Frame{Data: jpeg, ContentType: "image/jpeg"}, nil
		}

		n, err := f.stdout.Read(f.chunk)
		if n > 0 {
			f.buf = append(f.buf, f.chunk[:n]...)
			if len(f.buf) > ffmpegBufferCap {
				f.buf = append(f.buf[:0:0], f.buf[len(f.buf)-ffmpegBufferKeep:]...)
			}
		}
		if err != nil {
			return nil, errs.Wrap(errs.KindExternalUnavailable, "ffmpeg stream ended", err)
		}
	}
}

// extractJPEG pulls the first complete SOI..EOI frame out of the buffer and
// consumes it, or returns nil when no complete frame is buffered yet.
func (f *FFmpegSource) extractJPEG() []byte {
	start := bytes.Index(f.buf, jpegSOI)
	if start == -1 {
		return nil
	}
	rel := bytes.Index(f.buf[start+2:], jpegEOI)
	if rel == -1 {
		return nil
	}
	end := start + 2 + rel + 2

	jpeg := append([]byte(nil), f.buf[start:end]...)
	f.buf = f.buf[end:]
	return jpeg
}

// Close kills the decoder and reaps it. WaitDelay bounds the reap, so a
// wedged ffmpeg cannot hang shutdown past the stop budget.
func (f *FFmpegSource) Close() error {
	if f.cmd.Process != nil {
		_ = f.cmd.Process.Kill()
	}
	err := f.cmd.Wait()
	if err != nil && !strings.Contains(err.Error(), "killed") {
		return err
	}
	return nil
}
