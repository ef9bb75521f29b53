package main

import (
	"context"
	"log"
	"time"

	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/metrics"
	"github.com/intellioptics/platform/internal/queue"
)

// Fetcher retrieves the image a queued request points at.
type Fetcher interface {
	Fetch(ctx context.Context, blobURL string) ([]byte, error)
}

// consumer drains the inbound queue: fetch the image, run the default model,
// publish the outcome. Failed messages are dead-lettered after their failure
// result is published, so the API side still learns the query errored.
type consumer struct {
	Queue      queue.Consumer
	Publisher  queue.Publisher
	Blobs      Fetcher
	Dispatcher Inferencer

	Default     *data.DetectorConfig
	BinaryClass string

	Inbound  string
	Outbound string

	// BatchSize and Wait fall back to 10 messages and 5 seconds.
	BatchSize int
	Wait      time.Duration
}

func (c *consumer) Run(ctx context.Context) error {
	batch := c.BatchSize
	if batch <= 0 {
		batch = 10
	}
	wait := c.Wait
	if wait <= 0 {
		wait = 5 * time.Second
	}

	log.Printf("[Worker] Consuming %s, publishing %s", c.Inbound, c.Outbound)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		deliveries, err := c.Queue.ReceiveBatch(ctx, batch, wait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[Worker] receive batch: %v", err)
			time.Sleep(time.Second)
			continue
		}
		for _, d := range deliveries {
			c.handle(ctx, d)
		}
	}
}

func (c *consumer) handle(ctx context.Context, d *queue.Delivery) {
	req, err := queue.ParseInferenceRequest(d.Data)
	if err != nil {
		log.Printf("[Worker] dead-lettering malformed request: %v", err)
		c.terminate(d)
		return
	}

	result := c.process(ctx, req)
	if err := c.Publisher.Enqueue(ctx, c.Outbound, result); err != nil {
		// Without a published result the API never learns the outcome.
		// Nak for redelivery instead of losing the message.
		log.Printf("[Worker] publish result for %s: %v", req.ImageQueryID, err)
		if err := d.Abandon(); err != nil {
			log.Printf("[Worker] abandon %s: %v", req.ImageQueryID, err)
		}
		metrics.RecordQueueMessage(c.Inbound, "abandoned")
		return
	}

	if result.OK {
		if err := d.Complete(); err != nil {
			log.Printf("[Worker] ack %s: %v", req.ImageQueryID, err)
		}
		metrics.RecordQueueMessage(c.Inbound, "completed")
		return
	}
	log.Printf("[Worker] query %s failed: %s", req.ImageQueryID, result.Error)
	c.terminate(d)
}

// terminate dead-letters a message, falling back to Nak when the terminate
// itself fails.
func (c *consumer) terminate(d *queue.Delivery) {
	if err := d.DeadLetter(); err != nil {
		log.Printf("[Worker] dead-letter failed, abandoning: %v", err)
		if err := d.Abandon(); err != nil {
			log.Printf("[Worker] abandon: %v", err)
		}
		metrics.RecordQueueMessage(c.Inbound, "abandoned")
		return
	}
	metrics.RecordQueueMessage(c.Inbound, "dead_letter")
}

func (c *consumer) process(ctx context.Context, req *queue.InferenceRequest) *queue.InferenceResult {
	out := &queue.InferenceResult{ImageQueryID: req.ImageQueryID}

	image, err := c.Blobs.Fetch(ctx, req.BlobURL)
	if err != nil {
		out.Error = err.Error()
		return out
	}

	cfg := *c.Default
	resp, err := c.Dispatcher.Run(ctx, &cfg, image)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	resp.Detections = filterClass(resp.Detections, c.BinaryClass)

	metrics.RecordInference("queue", topLabel(resp))
	metrics.RecordInferenceLatency("queue", float64(resp.LatencyMS))

	out.OK = true
	out.Result = resp
	out.LatencyMS = float64(resp.LatencyMS)
	return out
}
