package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RetryDelay is how long a failed delivery waits in the retry queue.
const RetryDelay = 10 * time.Second

const attemptHeader = "x-attempt"

// Handler processes one delivery body.
type Handler func(ctx context.Context, body []byte) error

type ConsumerOptions struct {
	Concurrency int
	// MaxAttempts counts the first delivery. Messages failing that often go to the DLQ.
	MaxAttempts int
	Logger      *slog.Logger
}

// Consumer reads one queue of the title topology.
type Consumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	opts  ConsumerOptions
	log   *slog.Logger

	// serializes retry publishes from the workers
	pubMu sync.Mutex
}

// NewConsumer declares the topology rooted at base and consumes queue, which
// is base itself or ResultsQueue(base).
func NewConsumer(url, base, queue string, opts ConsumerOptions) (*Consumer, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := declareTopology(ch, base); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	// strict concurrency control
	if err := ch.Qos(opts.Concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Consumer{
		conn:  conn,
		ch:    ch,
		queue: queue,
		opts:  opts,
		log:   opts.Logger.With("queue", queue),
	}, nil
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Run consumes until ctx is done, dispatching deliveries to a fixed set of
// workers. Failures are re-published to the retry queue until MaxAttempts,
// then rejected into the DLQ.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.log.Info("consumer started", "concurrency", c.opts.Concurrency)

	jobs := make(chan amqp.Delivery, c.opts.Concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.opts.Concurrency)
	for i := 0; i < c.opts.Concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.handle(ctx, workerID, d, handle)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			c.log.Info("consumer shutting down")
			close(jobs)
			wg.Wait()
			return nil

		case d, ok := <-msgs:
			if !ok {
				close(jobs)
				wg.Wait()
				return amqp.ErrClosed
			}
			jobs <- d
		}
	}
}

func attemptOf(headers amqp.Table) int {
	switch v := headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// nextStep decides what happens to a delivery whose handler returned err
// on its attempt-th failure: retry or dead-letter.
func nextStep(err error, attempt, maxAttempts int) (retry bool) {
	if errors.Is(err, ErrBadMessage) {
		return false
	}
	return attempt < maxAttempts
}

func (c *Consumer) handle(ctx context.Context, workerID int, d amqp.Delivery, handle Handler) {
	start := time.Now()
	err := handle(ctx, d.Body)
	if err == nil {
		if err := d.Ack(false); err != nil {
			c.log.Warn("ack failed", "worker", workerID, "err", err)
		}
		return
	}

	attempt := attemptOf(d.Headers) + 1
	c.log.Warn("delivery failed", "worker", workerID, "attempt", attempt, "cost", time.Since(start), "err", err)

	if !nextStep(err, attempt, c.opts.MaxAttempts) {
		_ = d.Nack(false, false)
		return
	}
	expiration := strconv.FormatInt(RetryDelay.Milliseconds(), 10)
	c.pubMu.Lock()
	err = publish(context.WithoutCancel(ctx), c.ch, retryQueue(c.queue), d.Body, amqp.Table{attemptHeader: int32(attempt)}, expiration)
	c.pubMu.Unlock()
	if err != nil {
		c.log.Error("retry publish failed", "err", err)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}
