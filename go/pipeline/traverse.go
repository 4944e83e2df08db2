package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ipechelon/domain-intel/go/broker"
	"github.com/ipechelon/domain-intel/go/reporter"
	"github.com/ipechelon/domain-intel/go/stage"
	"github.com/ipechelon/domain-intel/go/store"
)

// errExportDone stops a bounded label export early.
var errExportDone = errors.New("export threshold reached")

// EmitLabels publishes every domain vertex id onto domain-labels,
// seeding the traverse stage. Returns the number of labels published.
func (p *Pipeline) EmitLabels(ctx context.Context, opts Options) (int, error) {
	var s, err = stage.New(opts.apply(stage.Config{
		Name:         "emit-labels",
		OutputTopics: []string{"domain-labels"},
	}), p.cfg.BootstrapServers, p.pollTimeout())
	if err != nil {
		return 0, err
	}
	return emitLabels(ctx, s, func(ctx context.Context, emit func(id string) error) error {
		return p.store.ExportIDs(ctx, "domain", emit)
	}, opts.MaxReadCount)
}

// emitLabels streams exported ids through a source stage. The export
// runs under its own context, cancelled once Publish returns, so a
// producer failure cannot leave the exporter blocked on the records
// channel.
func emitLabels(
	ctx context.Context,
	s *stage.Stage,
	export func(ctx context.Context, emit func(id string) error) error,
	maxReadCount int,
) (int, error) {
	var exportCtx, cancel = context.WithCancel(ctx)
	defer cancel()

	var records = make(chan []byte)
	var exportErr = make(chan error, 1)
	go func() {
		defer close(records)
		var count int
		exportErr <- export(exportCtx, func(id string) error {
			select {
			case records <- []byte(id):
			case <-exportCtx.Done():
				return exportCtx.Err()
			}
			count++
			if maxReadCount > 0 && count >= maxReadCount {
				log.WithField("max_add_count", maxReadCount).
					Info("label threshold breached")
				return errExportDone
			}
			return nil
		})
	}()

	published, err := s.Publish(ctx, records)
	cancel()
	if exportFailure := <-exportErr; exportFailure != nil && err == nil &&
		!errors.Is(exportFailure, errExportDone) {
		err = exportFailure
	}
	return published, err
}

// traverse walks one hop from each consumed domain label and publishes
// the traversal. Labels whose seed vertex is missing are skipped, not
// failed: the label topic can outlive deleted vertices.
func (p *Pipeline) traverse(opts Options) stage.Config {
	return opts.apply(stage.Config{
		Name:         "traverse",
		InputTopics:  []string{"domain-labels"},
		OutputTopics: []string{"domain-traversals"},
		Worker: func(ctx context.Context, msg broker.Message) (interface{}, error) {
			var label = strings.TrimSpace(string(msg.Value))
			var traversal, err = p.store.Traverse(ctx, label)
			if errors.Is(err, store.ErrTraverseFailed) {
				log.WithField("label", label).Warn("seed vertex missing, skipping")
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			return json.Marshal(traversal)
		},
	})
}

// report renders each traversal into its wide-column CSV rows.
func (p *Pipeline) report(opts Options) stage.Config {
	return opts.apply(stage.Config{
		Name:         "report",
		InputTopics:  []string{"domain-traversals"},
		OutputTopics: []string{"wide-column-csv"},
		Worker: func(ctx context.Context, msg broker.Message) (interface{}, error) {
			var lines, err = reporter.WideColumnLines(msg.Value)
			if err != nil {
				return nil, err
			}
			var payloads = make([][]byte, 0, len(lines))
			for _, line := range lines {
				payloads = append(payloads, []byte(line))
			}
			return payloads, nil
		},
	})
}
