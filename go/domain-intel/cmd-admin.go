package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/ipechelon/domain-intel/go/broker"
	"github.com/ipechelon/domain-intel/go/store"
)

type cmdInit struct{}

func (c *cmdInit) Execute(_ []string) error {
	var p, cfg, err = loadPipeline()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	if err = broker.AwaitTopics(ctx, cfg.BootstrapServers, cfg.TopicList()); err != nil {
		return err
	}
	created, err := p.Store().Initialise(ctx)
	if err != nil {
		return err
	}
	log.WithField("created", created).Info("store initialised")
	return nil
}

type cmdBuildGraph struct{}

func (c *cmdBuildGraph) Execute(_ []string) error {
	var p, _, err = loadPipeline()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	created, err := p.Store().BuildGraph(ctx)
	if err != nil {
		return err
	}
	log.WithField("created", created).Info("graph built")
	return nil
}

type cmdSeedCountries struct {
	Dry bool `long:"dry" description:"Report what would be written without persisting"`
}

func (c *cmdSeedCountries) Execute(_ []string) error {
	var p, _, err = loadPipeline()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	seeded, err := p.SeedCountries(ctx, c.Dry)
	if err != nil {
		return err
	}
	log.WithField("seeded", seeded).Info("country vertices seeded")
	return nil
}

type cmdInfo struct{}

func (c *cmdInfo) Execute(_ []string) error {
	var p, _, err = loadPipeline()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	version, err := p.Store().Version(ctx)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"version":  version,
		"database": p.Store().DatabaseName(),
	}).Info("store status")

	for _, collection := range store.VertexCollections {
		var count, countErr = p.Store().Count(ctx, collection)
		if countErr != nil {
			return countErr
		}
		log.WithFields(log.Fields{
			"collection": collection,
			"documents":  count,
		}).Info("collection status")
	}
	return nil
}
