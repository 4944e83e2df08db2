package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ipechelon/domain-intel/go/broker"
	"github.com/ipechelon/domain-intel/go/parser"
	"github.com/ipechelon/domain-intel/go/stage"
)

// LoadDomains publishes a newline-delimited domain file onto topic.
// Blank lines are skipped. Returns the number of domains published.
func (p *Pipeline) LoadDomains(ctx context.Context, path, topic string, opts Options) (int, error) {
	var file, err = os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening domain file: %w", err)
	}
	defer file.Close()
	log.WithFields(log.Fields{
		"path":  path,
		"topic": topic,
	}).Info("loading domains")

	var payloads [][]byte
	var scanner = bufio.NewScanner(file)
	for scanner.Scan() {
		var domain = strings.TrimSpace(scanner.Text())
		if domain == "" {
			continue
		}
		payloads = append(payloads, []byte(domain))
	}
	if err = scanner.Err(); err != nil {
		return 0, fmt.Errorf("reading domain file: %w", err)
	}
	return p.publishAll(ctx, "load-domains", topic, payloads, opts)
}

// LoadAnalystWorkbook publishes each workbook row as one JSON record
// onto analyst-qas.
func (p *Pipeline) LoadAnalystWorkbook(ctx context.Context, path string, opts Options) (int, error) {
	var records, err = parser.ReadAnalystWorkbook(path)
	if err != nil {
		return 0, err
	}

	var payloads [][]byte
	for _, record := range records {
		var payload []byte
		if payload, err = record.Marshal(); err != nil {
			return 0, err
		}
		payloads = append(payloads, payload)
	}
	return p.publishAll(ctx, "load-qas", "analyst-qas", payloads, opts)
}

// ReloadTopic publishes every file under dir (sorted, recursively)
// back onto topic. The inverse of a dump directory.
func (p *Pipeline) ReloadTopic(ctx context.Context, dir, topic string, opts Options) (int, error) {
	var paths []string
	var err = filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !info.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walking %s: %w", dir, err)
	}
	sort.Strings(paths)

	var payloads [][]byte
	for _, path := range paths {
		var contents []byte
		if contents, err = os.ReadFile(path); err != nil {
			return 0, fmt.Errorf("reading %s: %w", path, err)
		}
		payloads = append(payloads, contents)
	}
	return p.publishAll(ctx, "reload-topic", topic, payloads, opts)
}

// ReingestRaw re-segments a saved multi-response XML dump and publishes
// each response onto topic. endToken names the closing response
// element, for example "UrlInfoResponse".
func (p *Pipeline) ReingestRaw(ctx context.Context, path, endToken, topic string, opts Options) (int, error) {
	var file, err = os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening raw dump: %w", err)
	}
	defer file.Close()

	segments, err := parser.SplitRawResponses(file, endToken)
	if err != nil {
		return 0, err
	}
	return p.publishAll(ctx, "reingest-raw", topic, segments, opts)
}

// DumpTopic consumes a topic and writes each message to out, one
// message a line. Honors MaxReadCount and the group override.
func (p *Pipeline) DumpTopic(ctx context.Context, topic string, out io.Writer, opts Options) (int, error) {
	var s, err = stage.New(opts.apply(stage.Config{
		Name:        "dump-topic",
		InputTopics: []string{topic},
		Persist:     true,
		Worker: func(ctx context.Context, msg broker.Message) (interface{}, error) {
			if _, writeErr := out.Write(append(msg.Value, '\n')); writeErr != nil {
				return nil, writeErr
			}
			return nil, nil
		},
	}), p.cfg.BootstrapServers, p.pollTimeout())
	if err != nil {
		return 0, err
	}
	metrics, err := s.Run(ctx)
	if metrics == nil {
		return 0, err
	}
	return metrics.Received, err
}

func (p *Pipeline) publishAll(ctx context.Context, name, topic string, payloads [][]byte, opts Options) (int, error) {
	var s, err = stage.New(opts.apply(stage.Config{
		Name:         name,
		OutputTopics: []string{topic},
	}), p.cfg.BootstrapServers, p.pollTimeout())
	if err != nil {
		return 0, err
	}

	var records = make(chan []byte)
	go func() {
		defer close(records)
		for _, payload := range payloads {
			select {
			case records <- payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return s.Publish(ctx, records)
}
