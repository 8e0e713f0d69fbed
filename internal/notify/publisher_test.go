package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lineabill/lineabill/internal/billing"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPublishAndListen(t *testing.T) {
	client := testClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan SummaryEvent, 1)
	require.NoError(t, Listen(ctx, client, events))

	pub := NewPublisher(client)
	totals := billing.Totals{
		Equipment: decimal.NewFromInt(150),
		Service:   decimal.NewFromInt(175),
		Company:   decimal.NewFromInt(120),
	}
	require.NoError(t, pub.PublishSummary(ctx, 42, totals))

	select {
	case event := <-events:
		assert.Equal(t, int64(42), event.SummaryID)
		assert.True(t, event.Totals.Equal(totals))
		assert.False(t, event.At.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestListenSkipsMalformedPayloads(t *testing.T) {
	client := testClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan SummaryEvent, 1)
	require.NoError(t, Listen(ctx, client, events))

	require.NoError(t, client.Publish(ctx, Channel, "not json").Err())
	require.NoError(t, NewPublisher(client).PublishSummary(ctx, 7, billing.Totals{
		Equipment: decimal.Zero,
		Service:   decimal.Zero,
		Company:   decimal.Zero,
	}))

	select {
	case event := <-events:
		assert.Equal(t, int64(7), event.SummaryID)
	case <-time.After(2 * time.Second):
		t.Fatal("valid event after malformed payload was not delivered")
	}
}

func TestNilPublisherIsNoop(t *testing.T) {
	var pub *Publisher
	assert.NoError(t, pub.PublishSummary(context.Background(), 1, billing.Totals{}))
	assert.NoError(t, NewPublisher(nil).PublishSummary(context.Background(), 1, billing.Totals{}))
}
