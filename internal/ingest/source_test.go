package ingest

import (
	"bytes"
	"context"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/intellioptics/platform/internal/errs"
)

func TestSyntheticSourceFrames(t *testing.T) {
	src := NewSyntheticSource()
	defer src.Close()

	var prev []byte
	for i := 0; i < 3; i++ {
		frame, err := src.Read()
		if err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
		if frame.ContentType != "image/jpeg" {
			t.Errorf("content type = %q", frame.ContentType)
		}
		img, err := jpeg.Decode(bytes.NewReader(frame.Data))
		if err != nil {
			t.Fatalf("frame %d not a valid JPEG: %v", i, err)
		}
		if b := img.Bounds(); b.Dx() != 640 || b.Dy() != 480 {
			t.Errorf("frame %d size = %dx%d, want 640x480", i, b.Dx(), b.Dy())
		}
		if prev != nil && bytes.Equal(prev, frame.Data) {
			t.Errorf("frame %d identical to previous, want rotating palette", i)
		}
		prev = frame.Data
	}
}

func TestExtractJPEG(t *testing.T) {
	first := append(append([]byte{0xff, 0xd8}, 0x01, 0x02, 0x03), 0xff, 0xd9)
	second := append(append([]byte{0xff, 0xd8}, 0x04, 0x05), 0xff, 0xd9)

	f := &FFmpegSource{}
	f.buf = append(f.buf, 0xaa, 0xbb)        // leading garbage
	f.buf = append(f.buf, first...)          // one complete frame
	f.buf = append(f.buf, second[:3]...)     // start of the next

	got := f.extractJPEG()
	if !bytes.Equal(got, first) {
		t.Fatalf("first frame = %x, want %x", got, first)
	}
	if got := f.extractJPEG(); got != nil {
		t.Fatalf("incomplete frame yielded %x", got)
	}

	f.buf = append(f.buf, second[3:]...)
	if got := f.extractJPEG(); !bytes.Equal(got, second) {
		t.Fatalf("second frame = %x, want %x", got, second)
	}
	if got := f.extractJPEG(); got != nil {
		t.Fatalf("empty buffer yielded %x", got)
	}
}

func TestSnapshotSource(t *testing.T) {
	payload := []byte{0xff, 0xd8, 0x00, 0xff, 0xd9}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload)
	}))
	defer srv.Close()

	src := NewSnapshotSource(srv.URL, time.Second)
	frame, err := src.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(frame.Data, payload) {
		t.Errorf("data = %x, want %x", frame.Data, payload)
	}
	if frame.ContentType != "image/png" {
		t.Errorf("content type = %q, want image/png", frame.ContentType)
	}
}

func TestSnapshotSourceServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src := NewSnapshotSource(srv.URL, time.Second)
	if _, err := src.Read(); errs.KindOf(err) != errs.KindExternalUnavailable {
		t.Fatalf("err = %v, want ExternalUnavailable", err)
	}
}

func TestStreamOpenerPicksSource(t *testing.T) {
	o := &StreamOpener{}

	src, err := o.Open(context.Background(), StreamConfig{URL: "mock://colors"}, "mock://colors")
	if err != nil {
		t.Fatalf("Open synthetic: %v", err)
	}
	if _, ok := src.(*SyntheticSource); !ok {
		t.Errorf("synthetic stream opened as %T", src)
	}

	src, err = o.Open(context.Background(), StreamConfig{URL: "https://cam.example.com/shot.jpg", Poll: true}, "https://cam.example.com/shot.jpg")
	if err != nil {
		t.Fatalf("Open snapshot: %v", err)
	}
	if _, ok := src.(*SnapshotSource); !ok {
		t.Errorf("polling stream opened as %T", src)
	}
}
