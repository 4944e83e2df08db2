package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ipechelon/domain-intel/go/config"
)

// maxFibonacciDelay caps the bootstrap wait between readiness probes.
const maxFibonacciDelay = 13 * time.Second

// AwaitTopics blocks until every configured topic exists with its full
// partition count and a leader on each partition, probing broker
// metadata on a Fibonacci schedule. Stages call this before consuming
// so a cold cluster still coming up doesn't look like missing input.
func AwaitTopics(ctx context.Context, servers []string, topics []config.Topic) error {
	if len(topics) == 0 {
		return nil
	}
	var names = make([]string, len(topics))
	for i, topic := range topics {
		names[i] = topic.Name
	}

	var client, err = kgo.NewClient(kgo.SeedBrokers(servers...))
	if err != nil {
		return fmt.Errorf("building admin client: %w", err)
	}
	defer client.Close()
	var admin = kadm.NewClient(client)

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		var details, err = admin.ListTopics(ctx, names...)
		if err == nil {
			err = topicsReady(details, topics)
		}
		if err != nil {
			log.WithField("reason", err).Info("topics not ready; waiting")
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(newFibonacciBackOff(maxFibonacciDelay)),
		backoff.WithMaxTries(maxConnectAttempts),
	)
	if err != nil {
		return fmt.Errorf("awaiting topics: %w", err)
	}
	log.WithField("topics", names).Info("topics ready")
	return nil
}

// topicsReady checks listed metadata against the expected topic shapes.
func topicsReady(details kadm.TopicDetails, topics []config.Topic) error {
	for _, topic := range topics {
		var detail, ok = details[topic.Name]
		if !ok || detail.Err != nil {
			return fmt.Errorf("topic %s not present", topic.Name)
		}
		if len(detail.Partitions) < topic.Partitions {
			return fmt.Errorf("topic %s has %d of %d partitions",
				topic.Name, len(detail.Partitions), topic.Partitions)
		}
		for _, partition := range detail.Partitions {
			if partition.Err != nil || partition.Leader < 0 {
				return fmt.Errorf("topic %s partition %d has no leader",
					topic.Name, partition.Partition)
			}
		}
	}
	return nil
}

// fibonacciBackOff yields 1s, 1s, 2s, 3s, 5s... capped at |max|.
type fibonacciBackOff struct {
	prev, next time.Duration
	max        time.Duration
}

func newFibonacciBackOff(max time.Duration) *fibonacciBackOff {
	var b = &fibonacciBackOff{max: max}
	b.Reset()
	return b
}

func (b *fibonacciBackOff) NextBackOff() time.Duration {
	var current = b.next
	if current > b.max {
		return b.max
	}
	b.prev, b.next = b.next, b.prev+b.next
	return current
}

func (b *fibonacciBackOff) Reset() {
	b.prev, b.next = 0, time.Second
}
