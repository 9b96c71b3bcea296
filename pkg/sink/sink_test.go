package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/mmbot/pkg/models"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sampleEvents() []models.Event {
	return []models.Event{
		models.NewOrderEvent("SOL_USDC_PERP", "placed", models.OrderState{
			OrderID:       "1",
			CorrelationID: "corr-1",
			Side:          models.OrderSideBuy,
			Price:         d("99.94"),
			Size:          d("0.3"),
			Status:        models.OrderStatusAcknowledged,
		}),
		models.NewFillEvent(models.Fill{
			FillID:  "f-1",
			OrderID: "1",
			Symbol:  "SOL_USDC_PERP",
			Side:    models.OrderSideBuy,
			Price:   d("99.94"),
			Size:    d("0.3"),
		}),
		models.NewPositionEvent(models.Position{
			Symbol:     "SOL_USDC_PERP",
			NetSize:    d("0.3"),
			MarkPrice:  d("100"),
			RealizedPL: d("-0.01"),
		}),
	}
}

// memorySink records batches and can be told to block.
type memorySink struct {
	mu      sync.Mutex
	events  []models.Event
	gate    chan struct{}
	closed  bool
	failErr error
}

func (m *memorySink) Write(ctx context.Context, events []models.Event) error {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return m.failErr
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memorySink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestNewRecord(t *testing.T) {
	evs := sampleEvents()

	order := NewRecord(evs[0])
	assert.Equal(t, "order", order.Kind)
	assert.Equal(t, "corr-1", order.CorrelationID)
	assert.Equal(t, "99.94", order.Price)
	assert.Equal(t, string(models.OrderStatusAcknowledged), order.Status)
	assert.NotEmpty(t, order.Payload)

	fill := NewRecord(evs[1])
	assert.Equal(t, "f-1", fill.FillID)
	assert.Equal(t, "buy", fill.Side)

	pos := NewRecord(evs[2])
	assert.Equal(t, "0.3", pos.NetSize)
	assert.Equal(t, "-0.01", pos.RealizedPL)
}

func TestAsyncSinkFlushesOnClose(t *testing.T) {
	backend := &memorySink{}
	s := NewAsync(backend, quietLogger(), WithBatch(100, time.Hour))

	for _, ev := range sampleEvents() {
		s.Publish(ev)
	}
	require.NoError(t, s.Close())

	assert.Equal(t, 3, backend.count())
	assert.True(t, backend.closed)
	assert.Zero(t, s.Dropped())
}

func TestAsyncSinkDropsWhenFull(t *testing.T) {
	backend := &memorySink{gate: make(chan struct{})}
	var hooked int
	s := NewAsync(backend, quietLogger(),
		WithBuffer(2),
		WithBatch(1, time.Hour),
		WithDropHook(func() { hooked++ }),
	)

	ev := sampleEvents()[1]
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			s.Publish(ev)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}

	// at most one event is held by the blocked writer plus two buffered
	assert.GreaterOrEqual(t, s.Dropped(), int64(7))
	assert.Equal(t, int(s.Dropped()), hooked)

	close(backend.gate)
	require.NoError(t, s.Close())
	assert.Equal(t, 10-int(s.Dropped()), backend.count())
}

func TestAsyncSinkSurvivesWriteErrors(t *testing.T) {
	backend := &memorySink{failErr: errors.New("disk full")}
	s := NewAsync(backend, quietLogger(), WithBatch(1, time.Hour))
	for _, ev := range sampleEvents() {
		s.Publish(ev)
	}
	require.NoError(t, s.Close())
	assert.Equal(t, 3, backend.count())
}

func TestGormSink(t *testing.T) {
	g, err := OpenGorm("", filepath.Join(t.TempDir(), "data", "events.db"), quietLogger())
	require.NoError(t, err)
	defer g.Close()

	ctx := context.Background()
	require.NoError(t, g.Write(ctx, sampleEvents()))
	require.NoError(t, g.Write(ctx, nil))

	all, err := g.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "position", all[0].Kind)

	fills, err := g.Recent(ctx, models.EventKindFill, 10)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "f-1", fills[0].FillID)
}

func TestDialector(t *testing.T) {
	_, err := Dialector("mysql://user:pw@host/db", "")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "pw")

	dia, err := Dialector("postgres://user:pw@localhost:5432/mmbot", "")
	require.NoError(t, err)
	assert.Equal(t, "postgres", dia.Name())
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSink(t *testing.T) {
	w := &fakeWriter{}
	k := newKafkaSink(w, "mmbot.events", quietLogger())

	require.NoError(t, k.Write(context.Background(), sampleEvents()))
	require.Len(t, w.msgs, 3)

	msg := w.msgs[1]
	assert.Equal(t, "SOL_USDC_PERP", string(msg.Key))
	var rec Record
	require.NoError(t, json.Unmarshal(msg.Value, &rec))
	assert.Equal(t, "fill", rec.Kind)
	assert.Equal(t, "99.94", rec.Price)
	assert.Equal(t, "fill", string(msg.Headers[0].Value))

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &memorySink{}
	bad := &memorySink{failErr: errors.New("boom")}
	f := Fanout{ok, bad}

	err := f.Write(context.Background(), sampleEvents())
	require.Error(t, err)
	assert.Equal(t, 3, ok.count())
	require.NoError(t, f.Close())
	assert.True(t, ok.closed && bad.closed)
}
