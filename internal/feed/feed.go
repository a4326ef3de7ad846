// Package feed republishes finished rounds and cash outs to Kafka for
// downstream consumers such as reporting or risk.
package feed

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"crashroom/internal/game"
	"crashroom/internal/metrics"
)

const (
	FEED_BUFFER  = 4096
	BATCH_SIZE   = 100
	FLUSH_PERIOD = 500 * time.Millisecond
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
	}
}

// Feed is a hub subscriber. Only settled outcomes are forwarded; ticks and
// countdowns stay on the websocket.
type Feed struct {
	writer messageWriter
	log    *zap.Logger
	msgs   chan kafka.Message
	once   sync.Once
	closed chan struct{}
}

func New(w messageWriter, log *zap.Logger) *Feed {
	return &Feed{
		writer: w,
		log:    log.Named("feed"),
		msgs:   make(chan kafka.Message, FEED_BUFFER),
		closed: make(chan struct{}),
	}
}

func (f *Feed) ID() string { return "kafka-feed" }

func (f *Feed) Deliver(ev game.Event, payload []byte) bool {
	switch ev.(type) {
	case game.RoundCrashed, game.PlayerCashedOut:
	default:
		return true
	}

	msg := kafka.Message{
		// Keyed by round so one round's records stay on one partition.
		Key:     []byte(strconv.FormatInt(ev.Round(), 10)),
		Value:   payload,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.EventType())}},
		Time:    time.Now(),
	}
	select {
	case f.msgs <- msg:
	default:
		metrics.FeedErrors.Inc()
		f.log.Warn("feed buffer full, dropping record", zap.String("type", ev.EventType()), zap.Int64("round", ev.Round()))
	}
	// The feed has its own buffer; the hub never needs to drop it.
	return true
}

// Close stops intake. Run flushes what is buffered and returns.
func (f *Feed) Close() {
	f.once.Do(func() { close(f.closed) })
}

func (f *Feed) Run(ctx context.Context) {
	ticker := time.NewTicker(FLUSH_PERIOD)
	defer ticker.Stop()

	batch := make([]kafka.Message, 0, BATCH_SIZE)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := f.writer.WriteMessages(ctx, batch...); err != nil {
			metrics.FeedErrors.Add(float64(len(batch)))
			f.log.Error("write feed batch", zap.Int("records", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case msg := <-f.msgs:
			batch = append(batch, msg)
			if len(batch) >= BATCH_SIZE {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			f.finish(batch)
			return
		case <-f.closed:
			f.finish(batch)
			return
		}
	}
}

func (f *Feed) finish(batch []kafka.Message) {
drain:
	for {
		select {
		case msg := <-f.msgs:
			batch = append(batch, msg)
		default:
			break drain
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if len(batch) > 0 {
		if err := f.writer.WriteMessages(ctx, batch...); err != nil {
			metrics.FeedErrors.Add(float64(len(batch)))
			f.log.Error("final feed flush", zap.Int("records", len(batch)), zap.Error(err))
		}
	}
	if err := f.writer.Close(); err != nil {
		f.log.Warn("close kafka writer", zap.Error(err))
	}
}
