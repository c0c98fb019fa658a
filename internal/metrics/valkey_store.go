package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"
)

const recentErrorsKept = 100

// DeliveryMetrics holds delivery statistics
type DeliveryMetrics struct {
	TotalDelivered int64     `json:"total_delivered"`
	TotalFailed    int64     `json:"total_failed"`
	TotalDeferred  int64     `json:"total_deferred"`
	TotalReceived  int64     `json:"total_received"`
	LastUpdated    time.Time `json:"last_updated"`
}

// HourlyStats holds hourly delivery counts
type HourlyStats struct {
	Hour      string `json:"hour"`
	Delivered int64  `json:"delivered"`
	Failed    int64  `json:"failed"`
	Deferred  int64  `json:"deferred"`
}

// ValkeyStore records delivery totals in Valkey so they survive restarts
// and are shared by every node.
type ValkeyStore struct {
	client valkey.Client
	prefix string
}

var _ Recorder = (*ValkeyStore)(nil)

// NewValkeyStore creates a new Valkey-backed metrics store
func NewValkeyStore(addr string) (*ValkeyStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to valkey at %s: %w", addr, err)
	}
	return NewValkeyStoreWithClient(client, "elemta:metrics:"), nil
}

// NewValkeyStoreWithClient wraps an existing client.
func NewValkeyStoreWithClient(client valkey.Client, prefix string) *ValkeyStore {
	return &ValkeyStore{client: client, prefix: prefix}
}

// Close closes the Valkey connection
func (s *ValkeyStore) Close() error {
	s.client.Close()
	return nil
}

func hourKey(t time.Time) string {
	return t.Format("2006-01-02:15")
}

func (s *ValkeyStore) do(ctx context.Context, cmds ...valkey.Completed) error {
	for _, res := range s.client.DoMulti(ctx, cmds...) {
		if err := res.Error(); err != nil {
			return err
		}
	}
	return nil
}

// incrCounter bumps the total and the hourly bucket of counterName.
func (s *ValkeyStore) incrCounter(ctx context.Context, counterName string) error {
	now := time.Now()
	hourly := s.prefix + "hourly:" + hourKey(now) + ":" + counterName

	return s.do(ctx,
		s.client.B().Incr().Key(s.prefix+counterName).Build(),
		s.client.B().Incr().Key(hourly).Build(),
		s.client.B().Expire().Key(hourly).Seconds(86400).Build(),
		s.client.B().Set().Key(s.prefix+"last_updated").Value(now.Format(time.RFC3339)).Build(),
	)
}

// IncrDelivered increments the delivered counter
func (s *ValkeyStore) IncrDelivered(ctx context.Context) error {
	return s.incrCounter(ctx, "delivered")
}

// IncrFailed increments the failed counter
func (s *ValkeyStore) IncrFailed(ctx context.Context) error {
	return s.incrCounter(ctx, "failed")
}

// IncrDeferred increments the deferred counter
func (s *ValkeyStore) IncrDeferred(ctx context.Context) error {
	return s.incrCounter(ctx, "deferred")
}

// IncrReceived increments the received counter
func (s *ValkeyStore) IncrReceived(ctx context.Context) error {
	return s.do(ctx,
		s.client.B().Incr().Key(s.prefix+"received").Build(),
		s.client.B().Set().Key(s.prefix+"last_updated").Value(time.Now().Format(time.RFC3339)).Build(),
	)
}

func (s *ValkeyStore) getInt(ctx context.Context, key string) int64 {
	v, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

// GetMetrics retrieves current delivery metrics. Missing counters read as zero.
func (s *ValkeyStore) GetMetrics(ctx context.Context) (*DeliveryMetrics, error) {
	m := &DeliveryMetrics{
		TotalDelivered: s.getInt(ctx, s.prefix+"delivered"),
		TotalFailed:    s.getInt(ctx, s.prefix+"failed"),
		TotalDeferred:  s.getInt(ctx, s.prefix+"deferred"),
		TotalReceived:  s.getInt(ctx, s.prefix+"received"),
	}
	if last, err := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+"last_updated").Build()).ToString(); err == nil {
		m.LastUpdated, _ = time.Parse(time.RFC3339, last)
	}
	return m, nil
}

// GetHourlyStats retrieves hourly statistics for the last 24 hours
func (s *ValkeyStore) GetHourlyStats(ctx context.Context) ([]HourlyStats, error) {
	stats := make([]HourlyStats, 24)
	now := time.Now()

	for i := range stats {
		hour := now.Add(-time.Duration(23-i) * time.Hour)
		base := s.prefix + "hourly:" + hourKey(hour) + ":"
		stats[i] = HourlyStats{
			Hour:      hour.Format("15:00"),
			Delivered: s.getInt(ctx, base+"delivered"),
			Failed:    s.getInt(ctx, base+"failed"),
			Deferred:  s.getInt(ctx, base+"deferred"),
		}
	}
	return stats, nil
}

// AddRecentError stores a recent delivery error
func (s *ValkeyStore) AddRecentError(ctx context.Context, messageID, recipient, errorMsg string) error {
	data, err := json.Marshal(map[string]string{
		"message_id": messageID,
		"recipient":  recipient,
		"error":      errorMsg,
		"timestamp":  time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	key := s.prefix + "recent_errors"
	return s.do(ctx,
		s.client.B().Lpush().Key(key).Element(string(data)).Build(),
		s.client.B().Ltrim().Key(key).Start(0).Stop(recentErrorsKept-1).Build(),
	)
}

// GetRecentErrors retrieves recent delivery errors
func (s *ValkeyStore) GetRecentErrors(ctx context.Context, limit int64) ([]map[string]string, error) {
	key := s.prefix + "recent_errors"
	result, err := s.client.Do(ctx, s.client.B().Lrange().Key(key).Start(0).Stop(limit-1).Build()).AsStrSlice()
	if err != nil {
		return nil, err
	}

	out := make([]map[string]string, 0, len(result))
	for _, item := range result {
		var entry map[string]string
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}
