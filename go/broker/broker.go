// Package broker wraps the Kafka client behind the narrow consumer and
// producer handles the stage engine runs against. Handle acquisition
// retries transport failures with bounded exponential backoff so that
// stages may start before the broker is fully up.
package broker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// maxConnectAttempts bounds handle acquisition retries before the
// transport error is surfaced to the caller.
const maxConnectAttempts = 20

// Message is one consumed broker record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

// Consumer is the stage engine's read side. Poll returns a nil batch
// once the poll timeout elapses with no pending records, which a stage
// treats as end of available input. Offsets advance only on Commit.
type Consumer interface {
	Poll(ctx context.Context) ([]Message, error)
	Commit(ctx context.Context) error
	Close()
}

// Producer is the stage engine's write side. Sends are idempotent.
type Producer interface {
	Send(ctx context.Context, topic string, value []byte) error
	Flush(ctx context.Context) error
	Close()
}

// ConsumerConfig shapes an OpenConsumer call.
type ConsumerConfig struct {
	Servers        []string
	Topics         []string
	Group          string
	SessionTimeout time.Duration
	// PollTimeout bounds one Poll call; an idle poll past it yields a
	// nil batch.
	PollTimeout time.Duration
}

type kafkaConsumer struct {
	client      *kgo.Client
	pollTimeout time.Duration
}

type kafkaProducer struct {
	client *kgo.Client
}

// OpenConsumer subscribes a consumer-group member to the given topics,
// reading from the earliest uncommitted offset. Automatic offset commit
// is disabled: the stage engine commits explicitly after publish.
func OpenConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	var opts = []kgo.Opt{
		kgo.SeedBrokers(cfg.Servers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts,
			kgo.SessionTimeout(cfg.SessionTimeout),
			kgo.RequestTimeoutOverhead(cfg.SessionTimeout))
	}

	var client, err = connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"topics": cfg.Topics,
		"group":  cfg.Group,
	}).Info("consumer started")

	var pollTimeout = cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 10 * time.Second
	}
	return &kafkaConsumer{client: client, pollTimeout: pollTimeout}, nil
}

// OpenProducer returns an idempotent-send producer handle.
func OpenProducer(ctx context.Context, servers []string) (Producer, error) {
	var client, err = connect(ctx, []kgo.Opt{kgo.SeedBrokers(servers...)})
	if err != nil {
		return nil, err
	}
	log.Info("producer started")
	return &kafkaProducer{client: client}, nil
}

// connect builds a client and confirms broker reachability, retrying
// transport errors with exponential backoff up to maxConnectAttempts.
func connect(ctx context.Context, opts []kgo.Opt) (*kgo.Client, error) {
	return backoff.Retry(ctx, func() (*kgo.Client, error) {
		var client, err = kgo.NewClient(opts...)
		if err != nil {
			// Option errors never heal on retry.
			return nil, backoff.Permanent(err)
		}
		if err = client.Ping(ctx); err != nil {
			client.Close()
			log.WithField("error", err).Warn("broker not reachable; backing off")
			return nil, err
		}
		return client, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxConnectAttempts),
	)
}

func (c *kafkaConsumer) Poll(ctx context.Context) ([]Message, error) {
	var pollCtx, cancel = context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	var fetches = c.client.PollFetches(pollCtx)
	if fetches.IsClientClosed() {
		return nil, context.Canceled
	}
	for _, fetchErr := range fetches.Errors() {
		if fetchErr.Err == context.DeadlineExceeded || fetchErr.Err == context.Canceled {
			continue
		}
		return nil, fetchErr.Err
	}

	var batch []Message
	fetches.EachRecord(func(record *kgo.Record) {
		batch = append(batch, Message{
			Topic:     record.Topic,
			Partition: record.Partition,
			Offset:    record.Offset,
			Key:       record.Key,
			Value:     record.Value,
		})
	})
	return batch, nil
}

func (c *kafkaConsumer) Commit(ctx context.Context) error {
	return c.client.CommitUncommittedOffsets(ctx)
}

func (c *kafkaConsumer) Close() {
	log.Info("closing consumer")
	c.client.Close()
}

func (p *kafkaProducer) Send(ctx context.Context, topic string, value []byte) error {
	return p.client.ProduceSync(ctx, &kgo.Record{Topic: topic, Value: value}).FirstErr()
}

func (p *kafkaProducer) Flush(ctx context.Context) error {
	return p.client.Flush(ctx)
}

func (p *kafkaProducer) Close() {
	// Flush before close so buffered sends survive every exit path.
	if err := p.client.Flush(context.Background()); err != nil {
		log.WithField("error", err).Error("producer flush on close")
	}
	log.Info("closing producer")
	p.client.Close()
}
