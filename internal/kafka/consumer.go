package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler must return nil only when the message was processed and its offset
// may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type Consumer struct {
	r       *kafka.Reader
	workers int
	log     *zap.Logger

	attempts int           // handler calls per message
	backoff  time.Duration // first retry delay, doubled per attempt
}

func NewConsumer(brokers []string, group string, topics []string, workers int, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{r: r, workers: workers, log: log, attempts: 5, backoff: 200 * time.Millisecond}
}

// Start fetches messages and fans them out to a pool of workers until ctx is
// cancelled. A failing message is retried with backoff. Once the retries are
// used up it is logged and committed: a partition's committed offset is a
// single position, so any later commit would move past it anyway.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make(chan kafka.Message, 256)
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for m := range jobs {
				if err := c.process(ctx, h, m); err != nil {
					if ctx.Err() != nil {
						// shutting down; redelivered to the next group member
						continue
					}
					c.log.Error("message dropped after retries",
						zap.Int("worker", id), zap.String("topic", m.Topic), zap.Int("partition", m.Partition),
						zap.Int64("offset", m.Offset), zap.Error(err))
				}
				if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
					c.log.Warn("commit failed", zap.String("topic", m.Topic), zap.Error(err))
				}
			}
		}(i)
	}
	defer wg.Wait()
	defer close(jobs)

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case jobs <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

// process runs h until it succeeds, the attempts run out or ctx ends.
func (c *Consumer) process(ctx context.Context, h Handler, m kafka.Message) error {
	attempts := c.attempts
	if attempts <= 0 {
		attempts = 1
	}
	wait := c.backoff
	var err error
	for i := 1; i <= attempts; i++ {
		if err = h(ctx, m); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		c.log.Warn("handler failed, retrying",
			zap.String("topic", m.Topic), zap.Int64("offset", m.Offset),
			zap.Int("attempt", i), zap.Duration("backoff", wait), zap.Error(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		wait *= 2
	}
	return err
}
