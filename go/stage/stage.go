// Package stage runs one step of the enrichment pipeline: consume from
// input topics, run a worker per message, publish the result, commit.
// Delivery is at-least-once: the producer is flushed before the
// consumer offset commits, and content-derived keys make replays
// harmless downstream.
package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ipechelon/domain-intel/go/broker"
)

// ErrWorkerTimedOut is raised when a worker exceeds the stage's
// per-message timeout. It is always retryable.
var ErrWorkerTimedOut = errors.New("worker timed out")

// defaultRetryCount bounds worker retries after the first attempt.
const defaultRetryCount = 10

// Worker processes one consumed message. Its result becomes the
// published payload: []byte or string publish as-is, [][]byte publishes
// each element, a Marshaler is marshalled first, and nil publishes
// nothing.
type Worker func(ctx context.Context, msg broker.Message) (interface{}, error)

// Marshaler lets worker results provide their own transport bytes.
type Marshaler interface {
	Marshal() ([]byte, error)
}

// Config shapes one stage.
type Config struct {
	Name         string
	InputTopics  []string
	OutputTopics []string
	GroupID      string
	Worker       Worker
	// Drain, when set, runs once after input is exhausted so a
	// batching worker can flush buffered work. Its result is
	// published like a worker result.
	Drain func(ctx context.Context) (interface{}, error)

	// Timeout bounds one worker invocation; zero disables.
	Timeout time.Duration
	// Retryable classifies worker errors worth retrying; timeouts
	// always are.
	Retryable func(error) bool
	// RetryCount bounds retries after the first attempt; zero means
	// the default of 10.
	RetryCount int

	// MaxReadCount exits the stage cleanly once reached; zero reads
	// everything available.
	MaxReadCount int
	// SessionTimeout is the consumer-group session timeout.
	SessionTimeout time.Duration

	// DumpDir, when set, captures consumed payloads (and published
	// ones in dry mode) as files for inspection.
	DumpDir string
	// Dry disables producer sends and forces a unique group id so the
	// run cannot poison real consumer-group offsets.
	Dry bool
	// Persist marks a stage whose worker writes to the graph store
	// instead of an output topic.
	Persist bool
}

// Stage is one runnable pipeline step.
type Stage struct {
	Config      Config
	Servers     []string
	PollTimeout time.Duration

	// OpenConsumer and OpenProducer default to the broker package;
	// tests replace them.
	OpenConsumer func(ctx context.Context) (broker.Consumer, error)
	OpenProducer func(ctx context.Context) (broker.Producer, error)
}

// New validates cfg and returns a runnable stage.
func New(cfg Config, servers []string, pollTimeout time.Duration) (*Stage, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	var s = &Stage{Config: cfg, Servers: servers, PollTimeout: pollTimeout}
	s.OpenConsumer = func(ctx context.Context) (broker.Consumer, error) {
		var group = s.Config.GroupID
		if s.Config.Dry {
			// A throwaway group id leaves real offsets untouched.
			group = uuid.New().String()
		}
		return broker.OpenConsumer(ctx, broker.ConsumerConfig{
			Servers:        s.Servers,
			Topics:         s.Config.InputTopics,
			Group:          group,
			SessionTimeout: s.Config.SessionTimeout,
			PollTimeout:    s.PollTimeout,
		})
	}
	s.OpenProducer = func(ctx context.Context) (broker.Producer, error) {
		return broker.OpenProducer(ctx, s.Servers)
	}
	return s, nil
}

func validate(cfg Config) error {
	if len(cfg.InputTopics) != 0 {
		if cfg.GroupID == "" {
			return fmt.Errorf("stage %s: consuming stages need a group id", cfg.Name)
		}
		if cfg.Worker == nil {
			return fmt.Errorf("stage %s: consuming stages need a worker", cfg.Name)
		}
		if len(cfg.OutputTopics) == 0 && !cfg.Persist {
			return fmt.Errorf("stage %s: inputs without outputs, not a persist stage", cfg.Name)
		}
	}
	return nil
}

// Run consumes until input is exhausted or the context ends, and
// reports the run's counters. A worker failure that survives all
// retries halts the stage with the offending message uncommitted.
func (s *Stage) Run(ctx context.Context) (*Metrics, error) {
	var cfg = &s.Config
	if len(cfg.InputTopics) == 0 {
		return nil, fmt.Errorf("stage %s: no input topics; use Publish", cfg.Name)
	}
	var logger = log.WithField("stage", cfg.Name)
	var metrics = newMetrics()

	var consumer, err = s.OpenConsumer(ctx)
	if err != nil {
		return metrics, fmt.Errorf("stage %s: %w", cfg.Name, err)
	}
	defer consumer.Close()

	var producer broker.Producer
	if len(cfg.OutputTopics) != 0 && !cfg.Dry {
		if producer, err = s.OpenProducer(ctx); err != nil {
			return metrics, fmt.Errorf("stage %s: %w", cfg.Name, err)
		}
		defer producer.Close()
	}

poll:
	for {
		var batch []broker.Message
		if batch, err = consumer.Poll(ctx); err != nil {
			return metrics, fmt.Errorf("stage %s: polling: %w", cfg.Name, err)
		}
		if len(batch) == 0 {
			logger.Info("no more messages")
			break
		}

		for _, msg := range batch {
			metrics.received(cfg.Name)
			s.dump("consume", strconv.Itoa(metrics.Received), msg.Value)

			var result interface{}
			if result, err = s.invoke(ctx, msg, metrics); err != nil {
				return metrics, fmt.Errorf("stage %s: worker: %w", cfg.Name, err)
			}
			metrics.processed(cfg.Name)

			var payloads [][]byte
			if payloads, err = s.transportBytes(result, metrics); err != nil {
				return metrics, fmt.Errorf("stage %s: %w", cfg.Name, err)
			}
			if err = s.send(ctx, producer, payloads, metrics); err != nil {
				return metrics, fmt.Errorf("stage %s: %w", cfg.Name, err)
			}

			// Flush before commit: a crash in between replays the
			// message instead of losing it.
			if producer != nil {
				if err = producer.Flush(ctx); err != nil {
					return metrics, fmt.Errorf("stage %s: flushing: %w", cfg.Name, err)
				}
			}
			if err = consumer.Commit(ctx); err != nil {
				return metrics, fmt.Errorf("stage %s: committing: %w", cfg.Name, err)
			}

			if cfg.MaxReadCount > 0 && metrics.Received >= cfg.MaxReadCount {
				logger.WithField("max_read_count", cfg.MaxReadCount).
					Info("max read threshold breached")
				break poll
			}
		}
	}

	if cfg.Drain != nil {
		var result interface{}
		if result, err = cfg.Drain(ctx); err != nil {
			return metrics, fmt.Errorf("stage %s: draining: %w", cfg.Name, err)
		}
		var payloads [][]byte
		if payloads, err = s.transportBytes(result, metrics); err != nil {
			return metrics, fmt.Errorf("stage %s: %w", cfg.Name, err)
		}
		if err = s.send(ctx, producer, payloads, metrics); err != nil {
			return metrics, fmt.Errorf("stage %s: %w", cfg.Name, err)
		}
		if producer != nil {
			if err = producer.Flush(ctx); err != nil {
				return metrics, fmt.Errorf("stage %s: flushing: %w", cfg.Name, err)
			}
		}
	}

	logger.WithFields(log.Fields{
		"received":  metrics.Received,
		"processed": metrics.Processed,
		"sent":      metrics.Sent,
		"retries":   metrics.Retries,
	}).Info("stage finished")
	return metrics, nil
}

// invoke runs the worker under the configured timeout, retrying
// retryable failures with linear backoff (sleep equals the retry
// index in seconds).
func (s *Stage) invoke(ctx context.Context, msg broker.Message, metrics *Metrics) (interface{}, error) {
	var cfg = &s.Config
	var retryCount = cfg.RetryCount
	if retryCount <= 0 {
		retryCount = defaultRetryCount
	}

	for attempt := 0; ; attempt++ {
		var result, err = s.execute(ctx, msg)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		var retryable = errors.Is(err, ErrWorkerTimedOut) ||
			(cfg.Retryable != nil && cfg.Retryable(err))
		if !retryable || attempt >= retryCount {
			return nil, err
		}
		metrics.retried(cfg.Name)
		log.WithFields(log.Fields{
			"stage":   cfg.Name,
			"attempt": attempt,
			"error":   err,
		}).Warn("retrying worker")

		if err = sleep(ctx, time.Duration(attempt)*time.Second); err != nil {
			return nil, err
		}
	}
}

func (s *Stage) execute(ctx context.Context, msg broker.Message) (interface{}, error) {
	if s.Config.Timeout <= 0 {
		return s.Config.Worker(ctx, msg)
	}

	var workerCtx, cancel = context.WithTimeout(ctx, s.Config.Timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	var done = make(chan outcome, 1)
	go func() {
		var result, err = s.Config.Worker(workerCtx, msg)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-workerCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrWorkerTimedOut
	}
}

func (s *Stage) transportBytes(result interface{}, metrics *Metrics) ([][]byte, error) {
	switch value := result.(type) {
	case nil:
		return nil, nil
	case []byte:
		return [][]byte{value}, nil
	case [][]byte:
		return value, nil
	case string:
		return [][]byte{[]byte(value)}, nil
	case Marshaler:
		var payload, err = value.Marshal()
		if err != nil {
			return nil, fmt.Errorf("marshalling worker result: %w", err)
		}
		metrics.marshalled(s.Config.Name)
		return [][]byte{payload}, nil
	default:
		return nil, fmt.Errorf("worker result type %T is not publishable", result)
	}
}

func (s *Stage) send(ctx context.Context, producer broker.Producer, payloads [][]byte, metrics *Metrics) error {
	for _, topic := range s.Config.OutputTopics {
		for _, payload := range payloads {
			if s.Config.Dry {
				s.dump("publish",
					fmt.Sprintf("%d.%d", metrics.Received, metrics.Sent), payload)
				metrics.sent(s.Config.Name, topic)
				continue
			}
			if err := producer.Send(ctx, topic, payload); err != nil {
				return fmt.Errorf("sending to %s: %w", topic, err)
			}
			metrics.sent(s.Config.Name, topic)
		}
	}
	return nil
}

// Publish feeds a source stage: every record on the channel is sent to
// all output topics. Returns the number of records published.
func (s *Stage) Publish(ctx context.Context, records <-chan []byte) (int, error) {
	var cfg = &s.Config
	if len(cfg.OutputTopics) == 0 {
		return 0, fmt.Errorf("stage %s: no output topics", cfg.Name)
	}
	var metrics = newMetrics()

	var producer broker.Producer
	if !cfg.Dry {
		var err error
		if producer, err = s.OpenProducer(ctx); err != nil {
			return 0, fmt.Errorf("stage %s: %w", cfg.Name, err)
		}
		defer producer.Close()
	}

	var published int
	for {
		select {
		case <-ctx.Done():
			return published, ctx.Err()
		case record, ok := <-records:
			if !ok {
				if producer != nil {
					if err := producer.Flush(ctx); err != nil {
						return published, fmt.Errorf("stage %s: flushing: %w", cfg.Name, err)
					}
				}
				log.WithFields(log.Fields{
					"stage":     cfg.Name,
					"published": published,
				}).Info("publish finished")
				return published, nil
			}
			if err := s.send(ctx, producer, [][]byte{record}, metrics); err != nil {
				return published, fmt.Errorf("stage %s: %w", cfg.Name, err)
			}
			published++
		}
	}
}

func (s *Stage) dump(kind, name string, payload []byte) {
	if s.Config.DumpDir == "" {
		return
	}
	var dir = filepath.Join(s.Config.DumpDir, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.WithField("error", err).Error("creating dump directory")
		return
	}
	if err := os.WriteFile(filepath.Join(dir, name), payload, 0o644); err != nil {
		log.WithField("error", err).Error("writing dump file")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	var timer = time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
