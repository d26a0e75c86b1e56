package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
	block  chan struct{}
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestProducerFlushesOnClose(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, 8)
	p.Start(context.Background())

	require.NoError(t, p.Publish([]byte("o-1"), []byte("a")))
	require.NoError(t, p.Publish([]byte("o-1"), []byte("b"), kafka.Header{Key: HeaderEventType, Value: []byte("X")}))
	p.Close()
	p.Close()
	p.WaitClosed()

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "a", string(w.msgs[0].Value))
	assert.Equal(t, HeaderEventType, w.msgs[1].Headers[0].Key)
	assert.True(t, w.closed)
	assert.ErrorIs(t, p.Publish(nil, []byte("late")), ErrQueueFull)
}

func TestProducerFullQueueDoesNotBlock(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	p := newProducer(w, 1)
	p.Start(context.Background())

	var err error
	for i := 0; i < 5 && err == nil; i++ {
		err = p.Publish(nil, []byte("x"))
	}
	assert.ErrorIs(t, err, ErrQueueFull)

	close(w.block)
	p.Close()
	p.WaitClosed()
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

// commits lists committed offsets of one partition in commit order.
func (r *fakeReader) commits(partition int) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, m := range r.committed {
		if m.Partition == partition {
			out = append(out, m.Offset)
		}
	}
	return out
}

func TestConsumerRetriesFailedMessageBeforeCommittingPastIt(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{{Offset: 1}, {Offset: 2}, {Offset: 3}}}
	c := newConsumer(r, 1)
	c.backoff = time.Millisecond
	c.maxBackoff = 2 * time.Millisecond

	var healthy atomic.Bool
	var attempts atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(_ context.Context, m kafka.Message) error {
			if m.Offset == 2 && !healthy.Load() {
				attempts.Add(1)
				return errors.New("smtp down")
			}
			return nil
		})
	}()

	assert.Eventually(t, func() bool { return attempts.Load() >= 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []int64{1}, r.commits(0), "nothing past a failing offset is committed")

	healthy.Store(true)
	assert.Eventually(t, func() bool { return len(r.commits(0)) == 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []int64{1, 2, 3}, r.commits(0))
}

func TestConsumerKeepsPartitionOrderAcrossWorkers(t *testing.T) {
	var msgs []kafka.Message
	for off := int64(1); off <= 20; off++ {
		msgs = append(msgs, kafka.Message{Partition: 0, Offset: off}, kafka.Message{Partition: 1, Offset: off})
	}
	r := &fakeReader{msgs: msgs}
	c := newConsumer(r, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(context.Context, kafka.Message) error { return nil })
	}()

	assert.Eventually(t, func() bool { return len(r.commits(0)) == 20 && len(r.commits(1)) == 20 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	for _, p := range []int{0, 1} {
		got := r.commits(p)
		for i := range got {
			assert.Equal(t, int64(i+1), got[i], "partition %d", p)
		}
	}
}

func TestConsumerShutdownLeavesFailingOffsetUncommitted(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{{Offset: 1}}}
	c := newConsumer(r, 1)
	c.backoff = time.Millisecond

	var attempts atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(context.Context, kafka.Message) error {
			attempts.Add(1)
			return errors.New("boom")
		})
	}()

	assert.Eventually(t, func() bool { return attempts.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, r.commits(0))
}

type failingReader struct{ fakeReader }

func (r *failingReader) FetchMessage(context.Context) (kafka.Message, error) {
	return kafka.Message{}, io.ErrUnexpectedEOF
}

func TestConsumerReturnsFetchError(t *testing.T) {
	c := newConsumer(&failingReader{}, 2)

	err := c.Start(context.Background(), func(context.Context, kafka.Message) error { return nil })

	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	type payload struct {
		OrderID string `json:"order_id"`
	}
	env := Envelope{EventID: "e-1", EventType: EventNotificationRequested, EventVersion: 1, Payload: MustMarshal(payload{OrderID: "o-1"})}

	got, err := UnmarshalEnvelope(MustMarshal(env))
	require.NoError(t, err)
	p, err := UnwrapPayload[payload](got.Payload)
	require.NoError(t, err)
	assert.Equal(t, "o-1", p.OrderID)

	_, err = UnmarshalEnvelope([]byte("{"))
	assert.Error(t, err)
}
