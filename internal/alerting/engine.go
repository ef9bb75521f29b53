// Package alerting evaluates per-detector alert rules after each query
// result and fans deliveries out over email, SMS and webhooks. The event row
// is always written before any delivery attempt, so alert history stays
// complete even when every channel is down.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/storage"
)

// RuleStore is the slice of alert storage the engine needs.
type RuleStore interface {
	GetRule(ctx context.Context, detectorID uuid.UUID) (*data.AlertRule, error)
	CreateEvent(ctx context.Context, e *data.AlertEvent) error
	LatestEvent(ctx context.Context, detectorID uuid.UUID) (*data.AlertEvent, error)
	MarkEmailSent(ctx context.Context, id uuid.UUID, sentTo []string) error
}

// QueryHistory exposes the recent-result lookups the repetition gates use.
type QueryHistory interface {
	ListRecent(ctx context.Context, detectorID uuid.UUID, limit int) ([]*data.Query, error)
	ListSince(ctx context.Context, detectorID uuid.UUID, since time.Time) ([]*data.Query, error)
}

// DetectorDirectory resolves detector IDs to their display name.
type DetectorDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*data.Detector, error)
}

// EmailSender delivers HTML mail to a recipient list.
type EmailSender interface {
	Send(ctx context.Context, to []string, subject, htmlBody string) error
}

// TextSender delivers a short message, optionally with an image link (MMS).
type TextSender interface {
	Send(ctx context.Context, to []string, body, imageURL string) error
}

// WebhookPoster posts an alert payload to one URL.
type WebhookPoster interface {
	Post(ctx context.Context, url string, payload interface{}) error
}

// Engine is the detector alert evaluator. Mail, SMS, Webhooks and Blobs are
// optional; nil disables that channel.
type Engine struct {
	Rules     RuleStore
	Detectors DetectorDirectory
	Queries   QueryHistory
	Blobs     storage.Gateway

	Mail     EmailSender
	SMS      TextSender
	Webhooks WebhookPoster

	// FunctionURL, when set, receives every created event alongside the
	// rule's own webhooks.
	FunctionURL string
}

// Trigger runs the rule evaluation for one finished query. A nil return with
// no event means the rule did not fire; delivery failures never surface, only
// rule-lookup and persistence failures do.
func (e *Engine) Trigger(ctx context.Context, detectorID, queryID uuid.UUID, label string, confidence float64, cameraName, imagePath string) error {
	// 1. Rules are opt-in per detector.
	rule, err := e.Rules.GetRule(ctx, detectorID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if !rule.Enabled {
		return nil
	}

	// 2. Base condition.
	if !conditionMet(rule, label, confidence) {
		return nil
	}

	// 3. Consecutive / time-window gate.
	ok, err := e.streakMet(ctx, rule, detectorID, label)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	// 4. Cooldown against the most recent event.
	if rule.CooldownMinutes > 0 {
		last, err := e.Rules.LatestEvent(ctx, detectorID)
		if err != nil && !errors.Is(err, data.ErrRecordNotFound) {
			return err
		}
		if last != nil && time.Since(last.CreatedAt) < time.Duration(rule.CooldownMinutes)*time.Minute {
			log.Printf("[Alerts] detector %s: cooldown active, skipping", detectorID)
			return nil
		}
	}

	// 5. Compose the message.
	detectorName := detectorID.String()
	if e.Detectors != nil {
		if det, derr := e.Detectors.GetByID(ctx, detectorID); derr == nil {
			detectorName = det.Name
		}
	}
	message := composeMessage(rule.CustomMessage, detectorName, label, confidence, cameraName)

	// 6. Persist first, deliver after.
	event := &data.AlertEvent{
		DetectorID:    detectorID,
		QueryID:       &queryID,
		AlertType:     "DETECTION",
		Severity:      rule.Severity,
		Message:       message,
		Label:         label,
		Confidence:    confidence,
		CameraName:    cameraName,
		ImageBlobPath: imagePath,
		SentTo:        rule.Emails,
	}
	if err := e.Rules.CreateEvent(ctx, event); err != nil {
		return err
	}
	log.Printf("[Alerts] created alert %s for detector %s", event.ID, detectorName)

	e.deliver(ctx, rule, event, detectorName)
	return nil
}

// deliver fans out over the configured channels. Each channel fails alone.
func (e *Engine) deliver(ctx context.Context, rule *data.AlertRule, event *data.AlertEvent, detectorName string) {
	imageURL := e.signImage(ctx, event.ImageBlobPath)

	if e.Mail != nil && len(rule.Emails) > 0 {
		subject := fmt.Sprintf("[%s] %s Alert", strings.ToUpper(rule.Severity), detectorName)
		html := renderAlertHTML(subject, event.Message, rule.Severity, imageURL)
		if err := e.Mail.Send(ctx, rule.Emails, subject, html); err != nil {
			log.Printf("[Alerts] alert %s: email: %v", event.ID, err)
		} else if err := e.Rules.MarkEmailSent(ctx, event.ID, rule.Emails); err != nil {
			log.Printf("[Alerts] alert %s: mark email sent: %v", event.ID, err)
		}
	}

	if e.SMS != nil && len(rule.Phones) > 0 {
		if err := e.SMS.Send(ctx, rule.Phones, event.Message, imageURL); err != nil {
			log.Printf("[Alerts] alert %s: sms: %v", event.ID, err)
		}
	}

	if e.Webhooks != nil {
		targets := rule.Webhooks
		if e.FunctionURL != "" {
			targets = append(append([]string(nil), targets...), e.FunctionURL)
		}
		for _, url := range targets {
			if err := e.Webhooks.Post(ctx, url, event); err != nil {
				log.Printf("[Alerts] alert %s: webhook %s: %v", event.ID, url, err)
			}
		}
	}
}

// signImage is best-effort; a broken link only loses the attachment.
func (e *Engine) signImage(ctx context.Context, blobPath string) string {
	if e.Blobs == nil || blobPath == "" {
		return ""
	}
	container, name, err := storage.SplitPath(blobPath)
	if err != nil {
		return ""
	}
	url, err := e.Blobs.SignedURL(ctx, container, name, time.Hour)
	if err != nil {
		log.Printf("[Alerts] sign %s: %v", blobPath, err)
		return ""
	}
	return url
}

// conditionMet evaluates the rule's base condition. Unparseable thresholds
// and unknown condition types never fire.
func conditionMet(rule *data.AlertRule, label string, confidence float64) bool {
	switch rule.ConditionType {
	case data.CondAlways:
		return true
	case data.CondLabelMatch:
		return rule.ConditionValue != "" && strings.EqualFold(label, rule.ConditionValue)
	case data.CondConfidenceAbove, data.CondConfidenceBelow:
		thr, err := strconv.ParseFloat(rule.ConditionValue, 64)
		if err != nil {
			log.Printf("[Alerts] detector %s: bad condition value %q", rule.DetectorID, rule.ConditionValue)
			return false
		}
		if rule.ConditionType == data.CondConfidenceAbove {
			return confidence >= thr
		}
		return confidence < thr
	}
	log.Printf("[Alerts] detector %s: unknown condition type %q", rule.DetectorID, rule.ConditionType)
	return false
}

// streakMet applies the optional repetition gates: a count within a time
// window, or an unbroken run of the latest results.
func (e *Engine) streakMet(ctx context.Context, rule *data.AlertRule, detectorID uuid.UUID, label string) (bool, error) {
	switch {
	case rule.TimeWindowMinutes > 0:
		since := time.Now().Add(-time.Duration(rule.TimeWindowMinutes) * time.Minute)
		rows, err := e.Queries.ListSince(ctx, detectorID, since)
		if err != nil {
			return false, err
		}
		matches := 0
		for _, q := range rows {
			if q.ResultLabel != nil && strings.EqualFold(*q.ResultLabel, label) {
				matches++
			}
		}
		need := rule.ConsecutiveCount
		if need < 1 {
			need = 1
		}
		return matches >= need, nil

	case rule.ConsecutiveCount > 1:
		rows, err := e.Queries.ListRecent(ctx, detectorID, rule.ConsecutiveCount)
		if err != nil {
			return false, err
		}
		if len(rows) < rule.ConsecutiveCount {
			return false, nil
		}
		for _, q := range rows {
			if q.ResultLabel == nil || !strings.EqualFold(*q.ResultLabel, label) {
				return false, nil
			}
		}
		return true, nil
	}
	return true, nil
}

// composeMessage expands the custom template or falls back to the default
// format. Confidence renders as a percentage in both.
func composeMessage(custom, detectorName, label string, confidence float64, cameraName string) string {
	pct := fmt.Sprintf("%.2f%%", confidence*100)
	if custom != "" {
		return strings.NewReplacer(
			"{detector_name}", detectorName,
			"{label}", label,
			"{confidence}", pct,
			"{camera_name}", cameraName,
		).Replace(custom)
	}
	msg := fmt.Sprintf("Alert: %s detected '%s' (confidence: %s)", detectorName, label, pct)
	if cameraName != "" {
		msg += fmt.Sprintf(" on camera '%s'", cameraName)
	}
	return msg
}
