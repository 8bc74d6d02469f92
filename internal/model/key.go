package model

import (
	"fmt"
	"strings"
	"time"
)

// Bucket discretizes a scheduled moment so that re-evaluating the same rule
// within one bucket yields the same idempotency key.
type Bucket string

const (
	// BucketInstance keys on the exact fire instant: one key per offset, or per
	// occurrence of a recurring rule.
	BucketInstance Bucket = "instance"
	BucketHour     Bucket = "hour"
	BucketDay      Bucket = "day"
)

func ParseBucket(s string) (Bucket, error) {
	switch b := Bucket(strings.ToLower(strings.TrimSpace(s))); b {
	case "":
		return BucketInstance, nil
	case BucketInstance, BucketHour, BucketDay:
		return b, nil
	default:
		return "", fmt.Errorf("unknown dedupe bucket %q (use instance, hour or day)", s)
	}
}

// Apply returns the bucket label for t.
func (b Bucket) Apply(t time.Time) string {
	t = t.UTC()
	switch b {
	case BucketDay:
		return t.Format("2006-01-02")
	case BucketHour:
		return t.Truncate(time.Hour).Format("2006-01-02T15")
	default:
		return t.Format(time.RFC3339)
	}
}

// IdempotencyKey derives the deterministic key for one logical notification.
//
// Fields are escaped so that a '|' inside an ID can't collide with another tuple.
func IdempotencyKey(ruleID, entityID string, ch Channel, scheduledFor time.Time, b Bucket) string {
	esc := strings.NewReplacer(`\`, `\\`, `|`, `\|`)
	return strings.Join([]string{
		esc.Replace(ruleID),
		esc.Replace(entityID),
		string(ch),
		b.Apply(scheduledFor),
	}, "|")
}
