// Package records persists every response envelope under a composite key.
package records

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
)

// ErrNotFound is returned by Get when no record matches.
var ErrNotFound = errors.New("records: not found")

// Store writes response records. Put overwrites a record with the same key.
type Store interface {
	Put(ctx context.Context, rec models.ResponseRecord) error
	Get(ctx context.Context, pk, sk string) (models.ResponseRecord, error)
}

// Keys derives the record key for env. Accepted messages are keyed by
// message sid and provider status. Everything else is keyed by HTTP status
// with a sort key of "<code>::<recipient>::<unix millis>", which keeps
// repeated failures for one recipient distinct and time ordered.
func Keys(env models.ResponseEnvelope, now time.Time) (pk, sk string) {
	fields := env.Fields()
	if env.Succeeded() && fields.SID != "" {
		status := fields.Status
		if status == "" {
			status = "unknown"
		}
		return fields.SID, status
	}
	pk = strconv.Itoa(env.Status)
	sk = fmt.Sprintf("%s::%s::%d", env.ErrorCode(), env.MessageParams.Recipient(), now.UnixMilli())
	return pk, sk
}

// NewRecord builds the persisted form of env.
func NewRecord(env models.ResponseEnvelope, now time.Time) models.ResponseRecord {
	pk, sk := Keys(env, now)
	return models.ResponseRecord{
		PK:            pk,
		SK:            sk,
		Status:        env.Status,
		Body:          env.Body,
		MessageParams: env.MessageParams,
		RecordedAt:    now.UTC(),
	}
}

func validate(rec models.ResponseRecord) error {
	if rec.PK == "" || rec.SK == "" {
		return errors.New("records: pk and sk are required")
	}
	return nil
}
