package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"ridedispatch/internal/logger"
)

// MessageWriter is the subset of *kafka.Writer the bridge uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBridge forwards bus topics to Kafka so other services can follow
// trip and location activity.
type KafkaBridge struct {
	bus    *Bus
	writer MessageWriter
	prefix string
	log    logger.ILogger
	wg     sync.WaitGroup
}

// NewKafkaWriter builds a writer that routes by the Topic field of each message.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
}

// NewKafkaBridge creates a bridge writing to topics named prefix + bus topic.
func NewKafkaBridge(bus *Bus, writer MessageWriter, prefix string, log logger.ILogger) *KafkaBridge {
	return &KafkaBridge{bus: bus, writer: writer, prefix: prefix, log: log}
}

// Run subscribes to every bus topic and forwards until ctx ends.
func (k *KafkaBridge) Run(ctx context.Context) {
	for _, topic := range []string{TopicTripLifecycle, TopicDriverLocation} {
		sub := k.bus.Subscribe(topic, 1024)
		k.wg.Add(1)
		go k.forward(ctx, sub)
	}
	k.wg.Wait()
}

func (k *KafkaBridge) forward(ctx context.Context, sub *Subscription) {
	defer k.wg.Done()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if err := k.write(ctx, e); err != nil {
				k.log.Warning("kafka forward failed",
					logger.String("topic", e.Topic),
					logger.String("event", e.Name),
					logger.Error(err),
				)
			}
		}
	}
}

func (k *KafkaBridge) write(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := e.TripID
	if key == "" && len(e.Recipients) > 0 {
		key = e.Recipients[0]
	}

	writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return k.writer.WriteMessages(writeCtx, kafka.Message{
		Topic: k.topicName(e.Topic),
		Key:   []byte(key),
		Value: value,
	})
}

func (k *KafkaBridge) topicName(topic string) string {
	return k.prefix + strings.ReplaceAll(topic, ".", "-")
}

// Close flushes and closes the writer.
func (k *KafkaBridge) Close() error {
	return k.writer.Close()
}
