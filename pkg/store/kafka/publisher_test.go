package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gregtusar/perpmartin/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

type fakeProducer struct {
	records []*kgo.Record
	err     error
	closed  bool
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	out := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		if f.err == nil {
			f.records = append(f.records, r)
		}
		out = append(out, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return out
}

func (f *fakeProducer) Close() { f.closed = true }

func TestPublisher_KeysByTransactionID(t *testing.T) {
	fake := &fakeProducer{}
	p := NewPublisherWithClient(fake, "martin.trades", logrus.New())

	rec := models.NewTradeRecord("T20250101000000-1234", "martin_BTC-USDT-SWAP_a", "BTC-USDT-SWAP",
		models.SideLong, models.ActionOpen, time.Unix(0, 0).UTC())
	rec.Size = decimal.NewFromInt(10)

	require.NoError(t, p.Record(context.Background(), rec))
	require.Len(t, fake.records, 1)

	got := fake.records[0]
	assert.Equal(t, "martin.trades", got.Topic)
	assert.Equal(t, "T20250101000000-1234", string(got.Key))

	var decoded models.TradeRecord
	require.NoError(t, json.Unmarshal(got.Value, &decoded))
	assert.Equal(t, models.ActionOpen, decoded.Action)
	assert.Equal(t, "10", decoded.Size.String())

	produced, failed := p.Stats()
	assert.Equal(t, int64(1), produced)
	assert.Zero(t, failed)
}

func TestPublisher_ProduceError(t *testing.T) {
	fake := &fakeProducer{err: errors.New("broker down")}
	p := NewPublisherWithClient(fake, "t", logrus.New())

	err := p.Record(context.Background(), models.TradeRecord{RecordID: "r", TransactionID: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")

	_, failed := p.Stats()
	assert.Equal(t, int64(1), failed)

	p.Close()
	assert.True(t, fake.closed)
}
