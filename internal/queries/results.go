package queries

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/errs"
	"github.com/intellioptics/platform/internal/infer"
	"github.com/intellioptics/platform/internal/queue"
)

// ApplyResult folds a worker result from the outbound queue into its query
// row, then runs the same escalation and alerting steps as the synchronous
// path.
func (s *Service) ApplyResult(ctx context.Context, res *queue.InferenceResult) error {
	id, err := uuid.Parse(res.ImageQueryID)
	if err != nil {
		return errs.Wrap(errs.KindBadInput, "parse image_query_id", err)
	}
	q, err := s.Repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if !res.OK {
		log.Printf("[Queries] query %s: worker failed: %s", id, res.Error)
		return s.Repo.SetStatus(ctx, id, data.QueryError)
	}

	// Result rides the queue as loosely-typed JSON; round-trip it through
	// the shared response shape.
	raw, err := json.Marshal(res.Result)
	if err != nil {
		return errs.Wrap(errs.KindBadInput, "marshal worker result", err)
	}
	var resp infer.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return errs.Wrap(errs.KindBadInput, "decode worker result", err)
	}

	if q.DetectorID == nil {
		// Nothing to grade against; store and stop.
		label, conf := topDetection(resp.Detections)
		detJSON, err := json.Marshal(resp.Detections)
		if err != nil {
			return errs.Wrap(errs.KindBadInput, "marshal detections", err)
		}
		q.ResultLabel, q.Confidence = &label, &conf
		q.Status = data.QueryDone
		q.Detections = detJSON
		return s.Repo.UpdateResult(ctx, q)
	}
	det, err := s.Detectors.GetByID(ctx, *q.DetectorID)
	if err != nil {
		return err
	}
	return s.finalize(ctx, q, det, &resp, "")
}

// ResultConsumer drains the inference-results queue. Malformed payloads and
// results for vanished queries are dead-lettered; transient failures abandon
// the message for redelivery.
type ResultConsumer struct {
	Queue   queue.Consumer
	Service *Service

	BatchSize int           // default 10
	Wait      time.Duration // default 5s
}

// Run blocks until ctx is cancelled.
func (c *ResultConsumer) Run(ctx context.Context) {
	max := c.BatchSize
	if max <= 0 {
		max = 10
	}
	wait := c.Wait
	if wait <= 0 {
		wait = 5 * time.Second
	}

	log.Printf("[Queries] result consumer started")
	for {
		if ctx.Err() != nil {
			log.Printf("[Queries] result consumer stopped")
			return
		}
		batch, err := c.Queue.ReceiveBatch(ctx, max, wait)
		if err != nil {
			if ctx.Err() != nil {
				log.Printf("[Queries] result consumer stopped")
				return
			}
			log.Printf("[Queries] receive results: %v", err)
			time.Sleep(time.Second)
			continue
		}
		for _, d := range batch {
			c.handle(ctx, d)
		}
	}
}

func (c *ResultConsumer) handle(ctx context.Context, d *queue.Delivery) {
	var res queue.InferenceResult
	if err := json.Unmarshal(d.Data, &res); err != nil || res.ImageQueryID == "" {
		log.Printf("[Queries] malformed result dropped: %v", err)
		if err := d.DeadLetter(); err != nil {
			log.Printf("[Queries] dead-letter: %v", err)
		}
		return
	}

	err := c.Service.ApplyResult(ctx, &res)
	switch {
	case err == nil:
		if err := d.Complete(); err != nil {
			log.Printf("[Queries] ack result %s: %v", res.ImageQueryID, err)
		}
	case errs.KindOf(err) == errs.KindBadInput, errors.Is(err, data.ErrRecordNotFound):
		// Retrying cannot fix these.
		log.Printf("[Queries] result %s dropped: %v", res.ImageQueryID, err)
		if err := d.DeadLetter(); err != nil {
			log.Printf("[Queries] dead-letter: %v", err)
		}
	default:
		log.Printf("[Queries] result %s failed, will retry: %v", res.ImageQueryID, err)
		if err := d.Abandon(); err != nil {
			log.Printf("[Queries] abandon: %v", err)
		}
	}
}
