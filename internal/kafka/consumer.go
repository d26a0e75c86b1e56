package kafka

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
)

// Handler must return nil only when the message is done and its offset may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r          messageReader
	workers    int
	backoff    time.Duration
	maxBackoff time.Duration
}

func NewConsumer(brokers []string, group, topic string, workers int) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	return newConsumer(r, workers)
}

func newConsumer(r messageReader, workers int) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{r: r, workers: workers, backoff: 200 * time.Millisecond, maxBackoff: 30 * time.Second}
}

// Start fetches until ctx is done. Each partition is owned by one worker, so
// offsets are handled and committed in order. A failed message is retried in
// place with backoff; nothing behind it on the partition is committed until it
// succeeds. If ctx ends first the offset stays uncommitted and the group
// redelivers from there.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	lanes := make([]chan kafka.Message, c.workers)
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 2)
	}
	g, gctx := errgroup.WithContext(ctx)

	for _, lane := range lanes {
		g.Go(func() error {
			for m := range lane {
				if !c.handle(gctx, h, m) {
					return nil
				}
				if err := c.r.CommitMessages(gctx, m); err != nil && gctx.Err() == nil {
					log.Printf("kafka: commit partition=%d offset=%d: %v", m.Partition, m.Offset, err)
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, lane := range lanes {
				close(lane)
			}
		}()
		for {
			m, err := c.r.FetchMessage(gctx)
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			select {
			case lanes[m.Partition%len(lanes)] <- m:
			case <-gctx.Done():
				return nil
			}
		}
	})

	return g.Wait()
}

// handle reports whether m was handled; false means ctx ended first.
func (c *Consumer) handle(ctx context.Context, h Handler, m kafka.Message) bool {
	wait := c.backoff
	for attempt := 1; ; attempt++ {
		err := h(ctx, m)
		if err == nil {
			return true
		}
		log.Printf("kafka: handle topic=%s partition=%d offset=%d attempt=%d: %v", m.Topic, m.Partition, m.Offset, attempt, err)
		if !sleep(ctx, wait) {
			return false
		}
		if wait *= 2; wait > c.maxBackoff {
			wait = c.maxBackoff
		}
	}
}

// sleep reports false when ctx ended before d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
