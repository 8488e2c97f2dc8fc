package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/transfa/settlement-service/pkg/rabbitmq"
	"github.com/transfa/settlement-service/pkg/token"
)

// Redeliverer re-enqueues a task after a delay.
type Redeliverer interface {
	Redeliver(ctx context.Context, queue string, delay time.Duration, msg amqp091.Publishing) error
}

// WorkerConfig controls task delivery.
type WorkerConfig struct {
	BaseURL     string
	RetryDelay  time.Duration
	MaxDuration time.Duration
	Timeout     time.Duration
}

// Worker delivers queued tasks to stage endpoints over HTTP.
type Worker struct {
	cfg       WorkerConfig
	client    *http.Client
	redeliver Redeliverer
	now       func() time.Time
}

func NewWorker(cfg WorkerConfig, redeliver Redeliverer) *Worker {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 60 * time.Second
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Worker{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		redeliver: redeliver,
		now:       time.Now,
	}
}

// Handle delivers one message. It returns false only when the message must go back
// to the queue because it could not be re-enqueued with a delay.
func (w *Worker) Handle(msg rabbitmq.Message) bool {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout+10*time.Second)
	defer cancel()

	path := headerString(msg.Headers, HeaderPath)
	if !strings.HasPrefix(path, "/") {
		log.Printf("level=error component=task_worker queue=%s message_id=%s msg=\"task without path; dropping\"", msg.Queue, msg.MessageID)
		return true
	}

	status, err := w.post(ctx, path, msg)
	switch {
	case err == nil && status >= 200 && status < 300:
		return true
	case err == nil && status >= 400 && status < 500:
		taskOutcomes.WithLabelValues(msg.Queue, "rejected").Inc()
		log.Printf("level=error component=task_worker queue=%s path=%s status=%d message_id=%s msg=\"task rejected; not retrying\"", msg.Queue, path, status, msg.MessageID)
		return true
	}

	firstEnqueued := time.UnixMilli(headerInt(msg.Headers, HeaderFirstEnqueued))
	if headerInt(msg.Headers, HeaderFirstEnqueued) == 0 {
		firstEnqueued = msg.Timestamp
	}
	age := w.now().Sub(firstEnqueued)
	if age >= w.cfg.MaxDuration {
		taskOutcomes.WithLabelValues(msg.Queue, "expired").Inc()
		log.Printf("level=error component=task_worker queue=%s path=%s status=%d message_id=%s age=%s msg=\"task exceeded max retry duration; dropping\" err=%v", msg.Queue, path, status, msg.MessageID, age.Truncate(time.Second), err)
		return true
	}

	delivery := headerInt(msg.Headers, HeaderDeliveryNumber) + 1
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderDeliveryNumber] = delivery

	republish := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    msg.MessageID,
		Timestamp:    msg.Timestamp,
		Headers:      headers,
		Body:         msg.Body,
	}
	if rerr := w.redeliver.Redeliver(ctx, msg.Queue, w.cfg.RetryDelay, republish); rerr != nil {
		log.Printf("level=warn component=task_worker queue=%s message_id=%s msg=\"delayed redelivery failed; requeueing\" err=%v", msg.Queue, msg.MessageID, rerr)
		return false
	}
	taskOutcomes.WithLabelValues(msg.Queue, "redelivered").Inc()
	log.Printf("level=warn component=task_worker queue=%s path=%s status=%d delivery=%d message_id=%s msg=\"task failed; redelivering after delay\" err=%v", msg.Queue, path, status, delivery, msg.MessageID, err)
	return true
}

func (w *Worker) post(ctx context.Context, path string, msg rabbitmq.Message) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.BaseURL+path, bytes.NewReader(msg.Body))
	if err != nil {
		return 0, fmt.Errorf("build task request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-Queue", msg.Queue)
	req.Header.Set("X-Task-Id", msg.MessageID)
	if sig := headerString(msg.Headers, HeaderSignature); sig != "" {
		req.Header.Set(token.HeaderSignature, sig)
		req.Header.Set(token.HeaderTimestamp, headerString(msg.Headers, HeaderSigTimestamp))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func headerString(h map[string]interface{}, key string) string {
	if v, ok := h[key].(string); ok {
		return v
	}
	return ""
}

func headerInt(h map[string]interface{}, key string) int64 {
	switch v := h[key].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
