// Package audit keeps a searchable record of every delivery attempt.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"notification-workers/internal/common/logger"
)

const DefaultIndex = "notification-attempts"

const defaultRecordTimeout = 2 * time.Second

// Outcome values for Attempt.Outcome.
const (
	OutcomeSent        = "sent"
	OutcomeFailed      = "failed"
	OutcomeUserMissing = "user_missing"
)

// Attempt is one delivery attempt as written to the journal.
type Attempt struct {
	NotificationID string    `json:"notificationId"`
	UserID         string    `json:"userId"`
	Type           string    `json:"type"`
	Attempt        int       `json:"attempt"`
	Outcome        string    `json:"outcome"`
	ErrorCode      string    `json:"errorCode,omitempty"`
	Error          string    `json:"error,omitempty"`
	DurationMs     int64     `json:"durationMs"`
	TraceID        string    `json:"traceId,omitempty"`
	Timestamp      time.Time `json:"@timestamp"`
}

// Journal records attempts. Implementations never fail the caller.
type Journal interface {
	Record(ctx context.Context, a Attempt)
}

type NopJournal struct{}

func (NopJournal) Record(context.Context, Attempt) {}

// ElasticsearchJournal indexes attempts into a single index. Each write is
// detached from the caller's cancellation and bounded by its own timeout.
type ElasticsearchJournal struct {
	client  *elasticsearch.Client
	index   string
	timeout time.Duration
	logger  logger.Logger
}

func NewElasticsearchJournal(client *elasticsearch.Client, index string, log logger.Logger) *ElasticsearchJournal {
	if index == "" {
		index = DefaultIndex
	}
	return &ElasticsearchJournal{
		client:  client,
		index:   index,
		timeout: defaultRecordTimeout,
		logger:  logger.ForComponent(log, "audit"),
	}
}

func (j *ElasticsearchJournal) Record(ctx context.Context, a Attempt) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.timeout)
	defer cancel()
	if err := j.write(ctx, a); err != nil {
		j.logger.Warn("Failed to record delivery attempt", map[string]interface{}{
			"notificationId": a.NotificationID,
			"attempt":        a.Attempt,
			"index":          j.index,
			"error":          err,
		})
	}
}

func (j *ElasticsearchJournal) write(ctx context.Context, a Attempt) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode attempt: %w", err)
	}

	res, err := j.client.Index(
		j.index,
		bytes.NewReader(body),
		j.client.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("index request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("index error %s: %s", res.Status(), msg)
	}
	return nil
}
