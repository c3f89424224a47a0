// Package queue holds the payout work queue shared by settlement workers.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	queueKey    = "payout_queue"
	inFlightKey = "payout_inflight"
)

// Queue is a priority queue of payout IDs with in-flight tracking. Lower
// scores pop first.
type Queue interface {
	Push(ctx context.Context, payoutID string, priority float64) error
	Pop(ctx context.Context) (string, error)
	SetInFlight(ctx context.Context, payoutID, worker string) error
	RemoveInFlight(ctx context.Context, payoutID string) error
	Length(ctx context.Context) (int64, error)
	InFlight(ctx context.Context) (map[string]string, error)
	RequeueStuck(ctx context.Context, timeout time.Duration) (int, error)
	Close() error
}

// inFlightValue encodes "worker,unix-timestamp".
func inFlightValue(worker string, at time.Time) string {
	return fmt.Sprintf("%s,%d", worker, at.Unix())
}

// parseInFlight decodes an in-flight value.
func parseInFlight(value string) (worker string, started time.Time, ok bool) {
	worker, ts, found := strings.Cut(value, ",")
	if !found {
		return "", time.Time{}, false
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return worker, time.Unix(unix, 0), true
}
