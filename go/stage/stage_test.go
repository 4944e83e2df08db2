package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ipechelon/domain-intel/go/broker"
)

// fakeConsumer serves queued batches then reports end of input.
type fakeConsumer struct {
	batches [][]broker.Message
	events  *[]string
	commits int
	closed  bool
}

func (c *fakeConsumer) Poll(ctx context.Context) ([]broker.Message, error) {
	if len(c.batches) == 0 {
		return nil, nil
	}
	var batch = c.batches[0]
	c.batches = c.batches[1:]
	return batch, nil
}

func (c *fakeConsumer) Commit(ctx context.Context) error {
	c.commits++
	if c.events != nil {
		*c.events = append(*c.events, "commit")
	}
	return nil
}

func (c *fakeConsumer) Close() { c.closed = true }

type sentRecord struct {
	topic string
	value string
}

type fakeProducer struct {
	sent    []sentRecord
	events  *[]string
	flushes int
	closed  bool
}

func (p *fakeProducer) Send(ctx context.Context, topic string, value []byte) error {
	p.sent = append(p.sent, sentRecord{topic, string(value)})
	if p.events != nil {
		*p.events = append(*p.events, "send:"+topic)
	}
	return nil
}

func (p *fakeProducer) Flush(ctx context.Context) error {
	p.flushes++
	if p.events != nil {
		*p.events = append(*p.events, "flush")
	}
	return nil
}

func (p *fakeProducer) Close() { p.closed = true }

func messages(values ...string) []broker.Message {
	var batch []broker.Message
	for i, value := range values {
		batch = append(batch, broker.Message{
			Topic:  "in",
			Offset: int64(i),
			Value:  []byte(value),
		})
	}
	return batch
}

func newTestStage(t *testing.T, cfg Config, consumer *fakeConsumer, producer *fakeProducer) *Stage {
	var s, err = New(cfg, []string{"localhost:9092"}, time.Second)
	require.NoError(t, err)
	s.OpenConsumer = func(ctx context.Context) (broker.Consumer, error) { return consumer, nil }
	s.OpenProducer = func(ctx context.Context) (broker.Producer, error) {
		if producer == nil {
			t.Fatal("producer opened unexpectedly")
		}
		return producer, nil
	}
	return s
}

func TestRunPipesMessages(t *testing.T) {
	var events []string
	var consumer = &fakeConsumer{
		batches: [][]broker.Message{messages("one", "two")},
		events:  &events,
	}
	var producer = &fakeProducer{events: &events}

	var s = newTestStage(t, Config{
		Name:         "echo",
		InputTopics:  []string{"in"},
		OutputTopics: []string{"out-a", "out-b"},
		GroupID:      "test",
		Worker: func(ctx context.Context, msg broker.Message) (interface{}, error) {
			return append([]byte("*"), msg.Value...), nil
		},
	}, consumer, producer)

	var metrics, err = s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, metrics.Received)
	require.Equal(t, 2, metrics.Processed)
	require.Equal(t, 4, metrics.Sent)
	require.Equal(t, map[string]int{"out-a": 2, "out-b": 2}, metrics.SentByTopic)

	require.Equal(t, []sentRecord{
		{"out-a", "*one"}, {"out-b", "*one"},
		{"out-a", "*two"}, {"out-b", "*two"},
	}, producer.sent)

	// At-least-once: every message's sends flush before its commit.
	require.Equal(t, []string{
		"send:out-a", "send:out-b", "flush", "commit",
		"send:out-a", "send:out-b", "flush", "commit",
	}, events)

	require.True(t, consumer.closed)
	require.True(t, producer.closed)
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	var retryable = errors.New("transient upstream failure")
	var attempts int

	var consumer = &fakeConsumer{batches: [][]broker.Message{messages("one")}}
	var producer = &fakeProducer{}
	var s = newTestStage(t, Config{
		Name:         "flaky",
		InputTopics:  []string{"in"},
		OutputTopics: []string{"out"},
		GroupID:      "test",
		Worker: func(ctx context.Context, msg broker.Message) (interface{}, error) {
			attempts++
			if attempts < 3 {
				return nil, retryable
			}
			return msg.Value, nil
		},
		Retryable: func(err error) bool { return errors.Is(err, retryable) },
	}, consumer, producer)

	var metrics, err = s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
	require.Equal(t, 2, metrics.Retries)
	require.Equal(t, 1, metrics.Sent)
	require.Equal(t, 1, consumer.commits)
}

func TestRunRetryExhaustionHaltsStage(t *testing.T) {
	var retryable = errors.New("transient upstream failure")

	var consumer = &fakeConsumer{batches: [][]broker.Message{messages("one", "two")}}
	var producer = &fakeProducer{}
	var s = newTestStage(t, Config{
		Name:         "doomed",
		InputTopics:  []string{"in"},
		OutputTopics: []string{"out"},
		GroupID:      "test",
		RetryCount:   1,
		Worker: func(ctx context.Context, msg broker.Message) (interface{}, error) {
			return nil, retryable
		},
		Retryable: func(err error) bool { return true },
	}, consumer, producer)

	var metrics, err = s.Run(context.Background())
	require.ErrorIs(t, err, retryable)
	// The offending message's offset is never committed.
	require.Equal(t, 0, consumer.commits)
	require.Equal(t, 1, metrics.Received)
	require.Equal(t, 0, metrics.Processed)
}

func TestRunNonRetryableErrorHaltsImmediately(t *testing.T) {
	var fatal = errors.New("bad payload")
	var attempts int

	var consumer = &fakeConsumer{batches: [][]broker.Message{messages("one")}}
	var s = newTestStage(t, Config{
		Name:         "strict",
		InputTopics:  []string{"in"},
		OutputTopics: []string{"out"},
		GroupID:      "test",
		Worker: func(ctx context.Context, msg broker.Message) (interface{}, error) {
			attempts++
			return nil, fatal
		},
	}, consumer, &fakeProducer{})

	var metrics, err = s.Run(context.Background())
	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, attempts)
	require.Equal(t, 0, metrics.Retries)
}

func TestRunWorkerTimeout(t *testing.T) {
	var consumer = &fakeConsumer{batches: [][]broker.Message{messages("one")}}
	var s = newTestStage(t, Config{
		Name:         "slow",
		InputTopics:  []string{"in"},
		OutputTopics: []string{"out"},
		GroupID:      "test",
		Timeout:      10 * time.Millisecond,
		RetryCount:   1,
		Worker: func(ctx context.Context, msg broker.Message) (interface{}, error) {
			select {
			case <-time.After(time.Second):
				return msg.Value, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}, consumer, &fakeProducer{})

	var metrics, err = s.Run(context.Background())
	require.ErrorIs(t, err, ErrWorkerTimedOut)
	require.Equal(t, 1, metrics.Retries)
	require.Equal(t, 0, consumer.commits)
}

func TestRunDryModeDumpsInsteadOfSending(t *testing.T) {
	var dump = t.TempDir()
	var consumer = &fakeConsumer{batches: [][]broker.Message{messages("payload")}}

	// A nil producer proves dry mode never opens one.
	var s = newTestStage(t, Config{
		Name:         "dry",
		InputTopics:  []string{"in"},
		OutputTopics: []string{"out"},
		GroupID:      "test",
		DumpDir:      dump,
		Dry:          true,
		Worker: func(ctx context.Context, msg broker.Message) (interface{}, error) {
			return msg.Value, nil
		},
	}, consumer, nil)

	var metrics, err = s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, metrics.Sent)

	var consumed, readErr = os.ReadFile(filepath.Join(dump, "consume", "1"))
	require.NoError(t, readErr)
	require.Equal(t, "payload", string(consumed))

	published, readErr := os.ReadFile(filepath.Join(dump, "publish", "1.0"))
	require.NoError(t, readErr)
	require.Equal(t, "payload", string(published))
}

func TestRunMaxReadCount(t *testing.T) {
	var consumer = &fakeConsumer{
		batches: [][]broker.Message{messages("one", "two", "three")},
	}
	var producer = &fakeProducer{}
	var s = newTestStage(t, Config{
		Name:         "bounded",
		InputTopics:  []string{"in"},
		OutputTopics: []string{"out"},
		GroupID:      "test",
		MaxReadCount: 2,
		Worker: func(ctx context.Context, msg broker.Message) (interface{}, error) {
			return msg.Value, nil
		},
	}, consumer, producer)

	var metrics, err = s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, metrics.Received)
	require.Len(t, producer.sent, 2)
}

func TestRunMultiRecordResult(t *testing.T) {
	var consumer = &fakeConsumer{batches: [][]broker.Message{messages("batch")}}
	var producer = &fakeProducer{}
	var s = newTestStage(t, Config{
		Name:         "splitter",
		InputTopics:  []string{"in"},
		OutputTopics: []string{"out"},
		GroupID:      "test",
		Worker: func(ctx context.Context, msg broker.Message) (interface{}, error) {
			return [][]byte{[]byte("a"), []byte("b"), []byte("c")}, nil
		},
	}, consumer, producer)

	var metrics, err = s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, metrics.Sent)
	require.Len(t, producer.sent, 3)
}

type marshalResult struct{ value string }

func (r marshalResult) Marshal() ([]byte, error) {
	return []byte(fmt.Sprintf("{%q}", r.value)), nil
}

func TestRunMarshalerResult(t *testing.T) {
	var consumer = &fakeConsumer{batches: [][]broker.Message{messages("one")}}
	var producer = &fakeProducer{}
	var s = newTestStage(t, Config{
		Name:         "marshalling",
		InputTopics:  []string{"in"},
		OutputTopics: []string{"out"},
		GroupID:      "test",
		Worker: func(ctx context.Context, msg broker.Message) (interface{}, error) {
			return marshalResult{string(msg.Value)}, nil
		},
	}, consumer, producer)

	var metrics, err = s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, metrics.Marshalled)
	require.Equal(t, []sentRecord{{"out", `{"one"}`}}, producer.sent)
}

func TestRunDrainFlushesBufferedBatch(t *testing.T) {
	var buffered []string
	var consumer = &fakeConsumer{
		batches: [][]broker.Message{messages("one", "two", "three")},
	}
	var producer = &fakeProducer{}

	var s = newTestStage(t, Config{
		Name:         "batching",
		InputTopics:  []string{"in"},
		OutputTopics: []string{"out"},
		GroupID:      "test",
		Worker: func(ctx context.Context, msg broker.Message) (interface{}, error) {
			buffered = append(buffered, string(msg.Value))
			if len(buffered) < 2 {
				return nil, nil
			}
			var joined = []byte(buffered[0] + "+" + buffered[1])
			buffered = nil
			return joined, nil
		},
		Drain: func(ctx context.Context) (interface{}, error) {
			if len(buffered) == 0 {
				return nil, nil
			}
			return []byte(buffered[0]), nil
		},
	}, consumer, producer)

	var metrics, err = s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, metrics.Received)
	// The laggard flushes after input is exhausted.
	require.Equal(t, []sentRecord{{"out", "one+two"}, {"out", "three"}}, producer.sent)
	require.Equal(t, 3, consumer.commits)
}

func TestValidate(t *testing.T) {
	var worker = func(ctx context.Context, msg broker.Message) (interface{}, error) {
		return nil, nil
	}

	var _, err = New(Config{Name: "x", InputTopics: []string{"in"}, Worker: worker},
		nil, time.Second)
	require.ErrorContains(t, err, "group id")

	_, err = New(Config{Name: "x", InputTopics: []string{"in"}, GroupID: "g"},
		nil, time.Second)
	require.ErrorContains(t, err, "worker")

	_, err = New(Config{Name: "x", InputTopics: []string{"in"}, GroupID: "g", Worker: worker},
		nil, time.Second)
	require.ErrorContains(t, err, "persist")

	_, err = New(Config{
		Name: "x", InputTopics: []string{"in"}, GroupID: "g",
		Worker: worker, Persist: true,
	}, nil, time.Second)
	require.NoError(t, err)
}

func TestPublish(t *testing.T) {
	var producer = &fakeProducer{}
	var s = newTestStage(t, Config{
		Name:         "source",
		OutputTopics: []string{"out"},
	}, nil, producer)

	var records = make(chan []byte, 3)
	records <- []byte("one")
	records <- []byte("two")
	records <- []byte("three")
	close(records)

	var published, err = s.Publish(context.Background(), records)
	require.NoError(t, err)
	require.Equal(t, 3, published)
	require.Len(t, producer.sent, 3)
	require.Equal(t, 1, producer.flushes)
	require.True(t, producer.closed)
}

func TestFanoutSumsMetrics(t *testing.T) {
	var s, err = Fanout(context.Background(), 2, func(instance int) (*Stage, error) {
		var consumer = &fakeConsumer{batches: [][]broker.Message{messages("one")}}
		return newTestStage(t, Config{
			Name:         "fanned",
			InputTopics:  []string{"in"},
			OutputTopics: []string{"out"},
			GroupID:      "test",
			Worker: func(ctx context.Context, msg broker.Message) (interface{}, error) {
				return msg.Value, nil
			},
		}, consumer, &fakeProducer{}), nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, s.Received)
	require.Equal(t, 2, s.Sent)
}

// blockingConsumer parks in Poll until the run context ends.
type blockingConsumer struct {
	closed chan struct{}
}

func (c *blockingConsumer) Poll(ctx context.Context) ([]broker.Message, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *blockingConsumer) Commit(ctx context.Context) error { return nil }
func (c *blockingConsumer) Close()                           { close(c.closed) }

func TestFanoutBuildFailureStopsRunningInstances(t *testing.T) {
	var consumer = &blockingConsumer{closed: make(chan struct{})}
	var buildErr = errors.New("bad instance")

	var _, err = Fanout(context.Background(), 2, func(instance int) (*Stage, error) {
		if instance == 1 {
			return nil, buildErr
		}
		var s, newErr = New(Config{
			Name:        "parked",
			InputTopics: []string{"in"},
			GroupID:     "test",
			Persist:     true,
			Worker: func(ctx context.Context, msg broker.Message) (interface{}, error) {
				return nil, nil
			},
		}, []string{"localhost:9092"}, time.Second)
		require.NoError(t, newErr)
		s.OpenConsumer = func(ctx context.Context) (broker.Consumer, error) { return consumer, nil }
		return s, nil
	})
	require.ErrorIs(t, err, buildErr)

	// The first instance must have been cancelled and joined before
	// Fanout returned.
	select {
	case <-consumer.closed:
	default:
		t.Fatal("running instance still holds its consumer")
	}
}
