package metrics

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valkey-io/valkey-go"
)

func TestValkeyStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping Valkey integration test in short mode")
	}

	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{"localhost:6379"}})
	if err != nil {
		t.Skipf("Valkey not available, skipping test: %v", err)
	}
	store := NewValkeyStoreWithClient(client, "elemta:test:"+uuid.New().String()+":")
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.IncrDelivered(ctx))
	require.NoError(t, store.IncrDelivered(ctx))
	require.NoError(t, store.IncrDeferred(ctx))
	require.NoError(t, store.IncrReceived(ctx))

	m, err := store.GetMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.TotalDelivered)
	assert.Equal(t, int64(1), m.TotalDeferred)
	assert.Equal(t, int64(0), m.TotalFailed)
	assert.Equal(t, int64(1), m.TotalReceived)
	assert.False(t, m.LastUpdated.IsZero())

	hourly, err := store.GetHourlyStats(ctx)
	require.NoError(t, err)
	require.Len(t, hourly, 24)
	assert.Equal(t, int64(2), hourly[23].Delivered)

	require.NoError(t, store.AddRecentError(ctx, "m1", "a@x.org", "550 no such user"))
	recent, err := store.GetRecentErrors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "m1", recent[0]["message_id"])
}
