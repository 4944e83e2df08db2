// Package pipeline wires the enrichment stages together: which topics
// each stage consumes and produces, what its worker does, and how the
// supporting loaders and utilities move data in and out.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/ipechelon/domain-intel/go/awis"
	"github.com/ipechelon/domain-intel/go/config"
	"github.com/ipechelon/domain-intel/go/geodns"
	"github.com/ipechelon/domain-intel/go/stage"
	"github.com/ipechelon/domain-intel/go/store"
)

// DefaultGroupID is the consumer group shared by production stage runs.
const DefaultGroupID = "default"

// Pipeline holds the collaborators every stage draws on.
type Pipeline struct {
	cfg   *config.Config
	awis  *awis.Client
	geo   *geodns.GeoDNS
	store *store.Store
}

// New builds a pipeline from configuration. Collaborator connections
// are lazy: nothing is dialled until a stage runs.
func New(cfg *config.Config) (*Pipeline, error) {
	var st, err = store.NewStore(cfg, "")
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:   cfg,
		awis:  awis.NewClient(cfg),
		geo:   geodns.New(cfg),
		store: st,
	}, nil
}

// Store exposes the graph store for the administrative commands.
func (p *Pipeline) Store() *store.Store { return p.store }

// Options tune one stage run.
type Options struct {
	// GroupID overrides the default consumer group, forcing a topic
	// re-read when unique.
	GroupID string
	// MaxReadCount bounds the messages consumed; zero reads all.
	MaxReadCount int
	// DumpDir captures consumed (and, in dry mode, published) payloads.
	DumpDir string
	// Dry simulates the run without producing or persisting.
	Dry bool
	// Threads overrides the configured fan-out width.
	Threads int
}

func (o Options) group() string {
	if o.GroupID == "" {
		return DefaultGroupID
	}
	return o.GroupID
}

// StageNames lists the runnable stages in pipeline order.
var StageNames = []string{
	"resolve-urlinfo",
	"flatten-urlinfo",
	"persist-urlinfo",
	"slurp-sli",
	"persist-sli",
	"resolve-traffic",
	"flatten-traffic",
	"persist-traffic",
	"resolve-dns",
	"parse-dns",
	"resolve-geodns",
	"persist-geodns",
	"persist-qas",
	"traverse",
	"report",
}

// StageConfig builds the named stage's configuration. Builders are
// called once per fan-out instance so worker state is never shared.
func (p *Pipeline) StageConfig(name string, opts Options) (stage.Config, error) {
	var builders = map[string]func(Options) stage.Config{
		"resolve-urlinfo": p.resolveUrlInfo,
		"flatten-urlinfo": p.flattenUrlInfo,
		"persist-urlinfo": p.persistUrlInfo,
		"slurp-sli":       p.slurpSLI,
		"persist-sli":     p.persistSLI,
		"resolve-traffic": p.resolveTraffic,
		"flatten-traffic": p.flattenTraffic,
		"persist-traffic": p.persistTraffic,
		"resolve-dns":     p.resolveDNS,
		"parse-dns":       p.parseDNS,
		"resolve-geodns":  p.resolveGeoDNS,
		"persist-geodns":  p.persistGeoDNS,
		"persist-qas":     p.persistQAS,
		"traverse":        p.traverse,
		"report":          p.report,
	}
	var build, ok = builders[name]
	if !ok {
		return stage.Config{}, fmt.Errorf("unknown stage %q", name)
	}
	return build(opts), nil
}

// Run fans the named stage out across the configured thread count and
// reports the summed counters.
func (p *Pipeline) Run(ctx context.Context, name string, opts Options) (*stage.Metrics, error) {
	if _, err := p.StageConfig(name, opts); err != nil {
		return nil, err
	}
	var threads = opts.Threads
	if threads <= 0 {
		threads = p.cfg.Threads
	}
	return stage.Fanout(ctx, threads, func(int) (*stage.Stage, error) {
		var cfg, err = p.StageConfig(name, opts)
		if err != nil {
			return nil, err
		}
		return stage.New(cfg, p.cfg.BootstrapServers, p.pollTimeout())
	})
}

// SeedCountries preloads the country vertex collection from the
// embedded ISO-3166 table. Run before the persist stages so ranked
// edges always have their country endpoint.
func (p *Pipeline) SeedCountries(ctx context.Context, dry bool) (int, error) {
	return p.store.PersistCountryCodes(ctx, dry)
}

func (p *Pipeline) pollTimeout() time.Duration {
	return time.Duration(p.cfg.TimeoutMS) * time.Millisecond
}

// apply fills the run-tunable fields shared by every stage.
func (o Options) apply(cfg stage.Config) stage.Config {
	cfg.GroupID = o.group()
	cfg.MaxReadCount = o.MaxReadCount
	cfg.DumpDir = o.DumpDir
	cfg.Dry = o.Dry
	return cfg
}
