package main

import (
	"os"

	log "github.com/sirupsen/logrus"
)

type cmdLoadDomains struct {
	runOptions
	Topic string `long:"topic" default:"gtr-domains" description:"Destination topic"`
	Args  struct {
		File string `positional-arg-name:"file" description:"newline-delimited domain list"`
	} `positional-args:"yes" required:"yes"`
}

func (c *cmdLoadDomains) Execute(_ []string) error {
	var p, _, err = loadPipeline()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	published, err := p.LoadDomains(ctx, c.Args.File, c.Topic, c.pipelineOptions())
	log.WithField("published", published).Info("domains loaded")
	return err
}

type cmdLoadQAS struct {
	runOptions
	Args struct {
		File string `positional-arg-name:"workbook" description:"analyst answers workbook (xlsx)"`
	} `positional-args:"yes" required:"yes"`
}

func (c *cmdLoadQAS) Execute(_ []string) error {
	var p, _, err = loadPipeline()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	published, err := p.LoadAnalystWorkbook(ctx, c.Args.File, c.pipelineOptions())
	log.WithField("published", published).Info("analyst answers loaded")
	return err
}

type cmdDumpTopic struct {
	runOptions
	Out  string `long:"out" description:"Output file (default stdout)"`
	Args struct {
		Topic string `positional-arg-name:"topic"`
	} `positional-args:"yes" required:"yes"`
}

func (c *cmdDumpTopic) Execute(_ []string) error {
	var p, _, err = loadPipeline()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	var out = os.Stdout
	if c.Out != "" {
		if out, err = os.Create(c.Out); err != nil {
			return err
		}
		defer out.Close()
	}

	received, err := p.DumpTopic(ctx, c.Args.Topic, out, c.pipelineOptions())
	log.WithFields(log.Fields{
		"topic":    c.Args.Topic,
		"received": received,
	}).Info("topic dumped")
	return err
}

type cmdReload struct {
	runOptions
	Args struct {
		Dir   string `positional-arg-name:"dir" description:"dump directory"`
		Topic string `positional-arg-name:"topic"`
	} `positional-args:"yes" required:"yes"`
}

func (c *cmdReload) Execute(_ []string) error {
	var p, _, err = loadPipeline()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	published, err := p.ReloadTopic(ctx, c.Args.Dir, c.Args.Topic, c.pipelineOptions())
	log.WithField("published", published).Info("topic reloaded")
	return err
}

type cmdReingest struct {
	runOptions
	EndToken string `long:"end-token" default:"UrlInfoResponse" description:"Closing response element to split on"`
	Args     struct {
		File  string `positional-arg-name:"file" description:"raw response dump"`
		Topic string `positional-arg-name:"topic"`
	} `positional-args:"yes" required:"yes"`
}

func (c *cmdReingest) Execute(_ []string) error {
	var p, _, err = loadPipeline()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	published, err := p.ReingestRaw(ctx, c.Args.File, c.EndToken, c.Args.Topic, c.pipelineOptions())
	log.WithField("published", published).Info("raw responses reingested")
	return err
}
