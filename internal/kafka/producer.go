package kafka

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

var ErrQueueFull = errors.New("kafka: producer queue full")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer hands messages to a background writer. Publish never blocks the caller.
type Producer struct {
	w       messageWriter
	inbox   chan kafka.Message
	closeCh chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewProducer(brokers []string, topic string, buf int) *Producer {
	return newProducer(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				log.Printf("kafka: write %d message(s) to %s: %v", len(msgs), topic, err)
			}
		},
	}, buf)
}

func newProducer(w messageWriter, buf int) *Producer {
	return &Producer{
		w:       w,
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
	}
}

// Start runs the writer loop until Close. Messages still queued at Close are flushed.
func (p *Producer) Start(ctx context.Context) {
	go func() {
		defer close(p.closeCh)
		for m := range p.inbox {
			if err := p.w.WriteMessages(context.WithoutCancel(ctx), m); err != nil {
				log.Printf("kafka: write key=%s: %v", m.Key, err)
			}
		}
		if err := p.w.Close(); err != nil {
			log.Printf("kafka: close writer: %v", err)
		}
	}()
}

// Publish enqueues a message, failing fast when the queue is full or closed.
func (p *Producer) Publish(key, value []byte, headers ...kafka.Header) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrQueueFull
	}
	select {
	case p.inbox <- kafka.Message{Key: key, Value: value, Time: time.Now(), Headers: headers}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting messages. Safe to call more than once.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.inbox)
	}
}

func (p *Producer) WaitClosed() { <-p.closeCh }
