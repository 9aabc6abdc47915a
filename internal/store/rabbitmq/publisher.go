// Package rabbitmq carries title work over durable RabbitMQ queues: jobs go
// out with a conversation snapshot, proposed titles come back on a results
// queue. Each queue has a retry queue and a dead-letter queue beside it.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/nahara-chat/internal/chat"
)

// ErrBadMessage marks deliveries that can never succeed; they skip the retry queue.
var ErrBadMessage = errors.New("rabbitmq: bad message")

// TitleJob asks a worker to propose a title for a conversation snapshot.
// Attachments are stripped before publishing.
type TitleJob struct {
	Conversation chat.Conversation `json:"conversation"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
}

// TitleResult carries a proposed title back to the process owning the store.
type TitleResult struct {
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
}

func ResultsQueue(q string) string { return q + ".results" }
func retryQueue(q string) string   { return q + ".retry" }
func deadQueue(q string) string    { return q + ".dlq" }

// declareQueue declares q with its retry and dead-letter queues.
func declareQueue(ch *amqp.Channel, q string) error {
	if _, err := ch.QueueDeclare(deadQueue(q), true, false, false, false, nil); err != nil {
		return err
	}

	// expired retries dead-letter back to the main queue
	if _, err := ch.QueueDeclare(retryQueue(q), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q,
	}); err != nil {
		return err
	}

	// rejected deliveries land in the DLQ
	_, err := ch.QueueDeclare(q, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": deadQueue(q),
	})
	return err
}

// declareTopology declares the job queue and the results queue. Publisher and
// consumers must agree on it.
func declareTopology(ch *amqp.Channel, queue string) error {
	if err := declareQueue(ch, queue); err != nil {
		return err
	}
	return declareQueue(ch, ResultsQueue(queue))
}

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := declareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func newTitleJob(conv chat.Conversation) TitleJob {
	msgs := make([]chat.Message, len(conv.Messages))
	for i, m := range conv.Messages {
		msgs[i] = chat.Message{ID: m.ID, Role: m.Role, Content: m.Content}
	}
	conv.Messages = msgs
	return TitleJob{Conversation: conv, EnqueuedAt: time.Now().UTC()}
}

// PublishTitleJob enqueues a title job for conv.
func (p *Publisher) PublishTitleJob(ctx context.Context, conv chat.Conversation) error {
	body, err := json.Marshal(newTitleJob(conv))
	if err != nil {
		return err
	}
	return publish(ctx, p.ch, p.queue, body, nil, "")
}

// PublishTitleResult sends a proposed title back to the store owner.
func (p *Publisher) PublishTitleResult(ctx context.Context, convID, title string) error {
	body, err := json.Marshal(TitleResult{ConversationID: convID, Title: title})
	if err != nil {
		return err
	}
	return publish(ctx, p.ch, ResultsQueue(p.queue), body, nil, "")
}

func publish(ctx context.Context, ch *amqp.Channel, queue string, body []byte, headers amqp.Table, expiration string) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return ch.PublishWithContext(cctx,
		"",    // default exchange
		queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      headers,
			Body:         body,
			Timestamp:    time.Now(),
			Expiration:   expiration,
		},
	)
}

func decodeJob(body []byte) (TitleJob, error) {
	var j TitleJob
	if err := json.Unmarshal(body, &j); err != nil {
		return j, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if strings.TrimSpace(j.Conversation.ID) == "" {
		return j, fmt.Errorf("%w: title job without conversation id", ErrBadMessage)
	}
	return j, nil
}

func decodeResult(body []byte) (TitleResult, error) {
	var r TitleResult
	if err := json.Unmarshal(body, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if strings.TrimSpace(r.ConversationID) == "" || strings.TrimSpace(r.Title) == "" {
		return r, fmt.Errorf("%w: incomplete title result", ErrBadMessage)
	}
	return r, nil
}

// JobHandler adapts fn to a Handler for the job queue.
func JobHandler(fn func(ctx context.Context, job TitleJob) error) Handler {
	return func(ctx context.Context, body []byte) error {
		job, err := decodeJob(body)
		if err != nil {
			return err
		}
		return fn(ctx, job)
	}
}

// ResultHandler adapts fn to a Handler for the results queue.
func ResultHandler(fn func(ctx context.Context, res TitleResult) error) Handler {
	return func(ctx context.Context, body []byte) error {
		res, err := decodeResult(body)
		if err != nil {
			return err
		}
		return fn(ctx, res)
	}
}
