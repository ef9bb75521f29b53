package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/intellioptics/platform/internal/inspect"
)

// Probes one camera the way an inspection cycle would: bounded connect, a
// short frame sample, then resolution and measured FPS on stdout.
func main() {
	url := flag.String("url", "", "stream URL (rtsp://, http(s):// snapshot, mock://)")
	frames := flag.Int("frames", 30, "frames to sample for the FPS estimate")
	timeout := flag.Duration("timeout", inspect.DefaultConnectTimeout, "connect timeout")
	flag.Parse()
	if *url == "" {
		log.Fatal("-url is required")
	}

	conn := &inspect.StreamConnector{}
	start := time.Now()
	src, err := conn.Connect(context.Background(), *url, *timeout)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer src.Close()
	fmt.Printf("connected in %s\n", time.Since(start).Round(time.Millisecond))

	first, err := src.Read()
	if err != nil {
		log.Fatalf("read first frame: %v", err)
	}
	b := first.Bounds()
	fmt.Printf("resolution: %dx%d\n", b.Dx(), b.Dy())

	sampleStart := time.Now()
	read := 0
	for read < *frames {
		if _, err := src.Read(); err != nil {
			log.Printf("stream ended after %d frames: %v", read, err)
			break
		}
		read++
	}
	if elapsed := time.Since(sampleStart).Seconds(); elapsed > 0 && read > 0 {
		fmt.Printf("fps: %.1f over %d frames\n", float64(read)/elapsed, read)
	}
}
