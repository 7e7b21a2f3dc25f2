package kafka

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"

	"notifyhub/logger"
	"notifyhub/module/notify/model"
	"notifyhub/service/broker"
)

type Config struct {
	Brokers     []string
	Topic       string
	GroupID     string // per-instance group id => every instance gets every record
	Compression string // none|snappy|lz4|zstd
	Retries     int
}

func (c *Config) norm() {
	if c.Topic == "" {
		c.Topic = "notifyhub.fanout"
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
}

type kafkaBroker struct {
	cfg      Config
	client   sarama.Client
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	cancel   context.CancelFunc
}

// New connects the client and sync producer. The consumer group is only
// created once Subscribe is called.
func New(cfg Config) (broker.Broker, error) {
	cfg.norm()
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_1_0_0
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = cfg.Retries
	sc.Producer.Partitioner = sarama.NewHashPartitioner // key = userID keeps per-user order
	switch strings.ToLower(cfg.Compression) {
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Consumer.Return.Errors = true
	sc.Net.DialTimeout = 10 * time.Second
	sc.Net.ReadTimeout = 30 * time.Second
	sc.Net.WriteTimeout = 30 * time.Second

	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, errors.WithMessage(err, "kafka client")
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errors.WithMessage(err, "kafka sync producer")
	}
	return &kafkaBroker{cfg: cfg, client: client, producer: producer}, nil
}

func (b *kafkaBroker) Publish(_ context.Context, n *model.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return errors.WithMessage(err, "marshal envelope")
	}
	_, _, err = b.producer.SendMessage(&sarama.ProducerMessage{
		Topic: b.cfg.Topic,
		Key:   sarama.StringEncoder(n.UserID),
		Value: sarama.ByteEncoder(data),
	})
	return errors.WithMessage(err, "kafka publish")
}

func (b *kafkaBroker) Subscribe(h broker.Handler) error {
	group, err := sarama.NewConsumerGroupFromClient(b.cfg.GroupID, b.client)
	if err != nil {
		return errors.WithMessage(err, "kafka consumer group")
	}
	b.group = group

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	go func() {
		for err := range group.Errors() {
			logger.Errorf("[kafka] consumer group error: %v", err)
		}
	}()
	go func() {
		handler := &groupHandler{h: h}
		for {
			if err := group.Consume(ctx, []string{b.cfg.Topic}, handler); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Errorf("[kafka] consume error: %v", err)
				time.Sleep(time.Second)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return nil
}

func (b *kafkaBroker) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	if b.group != nil {
		_ = b.group.Close()
	}
	if b.producer != nil {
		_ = b.producer.Close()
	}
	return b.client.Close()
}

type groupHandler struct {
	h broker.Handler
}

func (g *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (g *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (g *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var n model.Notification
		if err := json.Unmarshal(msg.Value, &n); err != nil {
			logger.Errorf("[kafka] bad envelope topic=%s offset=%d: %v", msg.Topic, msg.Offset, err)
			session.MarkMessage(msg, "")
			continue
		}
		g.h(session.Context(), &n)
		session.MarkMessage(msg, "")
	}
	return nil
}
