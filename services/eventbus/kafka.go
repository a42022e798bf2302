package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/metacogma/upload-engine/logger"
)

// KafkaBus publishes lifecycle events onto a Kafka topic and fans inbound
// messages out to local subscribers exactly like InMemoryBus. Used when
// multiple engine processes (or external dashboards, consumed read-only)
// need to observe the same lifecycle stream.
type KafkaBus struct {
	writer *kafka.Writer
	reader *kafka.Reader
	local  *InMemoryBus

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewKafkaBus connects to brokers and reads/writes topic.
func NewKafkaBus(brokers []string, topic string) *KafkaBus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &KafkaBus{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: "upload-engine",
		}),
		local:  NewInMemoryBus(),
		cancel: cancel,
	}

	b.wg.Add(1)
	go b.consumeLoop(ctx)
	return b
}

func (b *KafkaBus) consumeLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		msg, err := b.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("eventbus: kafka read failed", zap.Error(err))
			continue
		}
		var ev Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			logger.Error("eventbus: malformed event", zap.Error(err))
			continue
		}
		b.local.Publish(ctx, ev)
	}
}

func (b *KafkaBus) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Error("eventbus: marshal failed", zap.Error(err))
		return
	}
	if err := b.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.TaskID), Value: payload}); err != nil {
		logger.Error("eventbus: kafka write failed", zap.Error(err))
	}
}

func (b *KafkaBus) Subscribe(ctx context.Context) <-chan Event {
	return b.local.Subscribe(ctx)
}

func (b *KafkaBus) Close() {
	b.cancel()
	b.wg.Wait()
	b.writer.Close()
	b.reader.Close()
	b.local.Close()
}
