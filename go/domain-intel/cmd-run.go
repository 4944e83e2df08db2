package main

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ipechelon/domain-intel/go/pipeline"
)

type runOptions struct {
	Group        string `long:"group" description:"Consumer group override. A unique group forces a full topic re-read"`
	MaxReadCount int    `long:"max-read-count" description:"Stop after consuming this many messages"`
	DumpDir      string `long:"dump-dir" description:"Write consumed payloads beneath this directory"`
	Dry          bool   `long:"dry" description:"Consume under a throwaway group without producing or persisting"`
	Threads      int    `long:"threads" description:"Fan-out width override"`
}

func (o runOptions) pipelineOptions() pipeline.Options {
	return pipeline.Options{
		GroupID:      o.Group,
		MaxReadCount: o.MaxReadCount,
		DumpDir:      o.DumpDir,
		Dry:          o.Dry,
		Threads:      o.Threads,
	}
}

type cmdRun struct {
	runOptions
	Args struct {
		Stage string `positional-arg-name:"stage" description:"stage name"`
	} `positional-args:"yes" required:"yes"`
}

func (c *cmdRun) Execute(_ []string) error {
	var p, _, err = loadPipeline()
	if err != nil {
		return err
	}
	if _, err = p.StageConfig(c.Args.Stage, c.pipelineOptions()); err != nil {
		return fmt.Errorf("%w, expected one of: %s",
			err, strings.Join(pipeline.StageNames, ", "))
	}

	ctx, cancel := signalContext()
	defer cancel()

	metrics, err := p.Run(ctx, c.Args.Stage, c.pipelineOptions())
	if metrics != nil {
		log.WithFields(log.Fields{
			"stage":     c.Args.Stage,
			"received":  metrics.Received,
			"processed": metrics.Processed,
			"sent":      metrics.Sent,
			"retries":   metrics.Retries,
		}).Info("stage run complete")
	}
	return err
}

type cmdEmitLabels struct {
	runOptions
}

func (c *cmdEmitLabels) Execute(_ []string) error {
	var p, _, err = loadPipeline()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	published, err := p.EmitLabels(ctx, c.pipelineOptions())
	log.WithField("published", published).Info("domain labels emitted")
	return err
}
