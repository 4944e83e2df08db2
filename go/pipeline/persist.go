package pipeline

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/ipechelon/domain-intel/go/broker"
	"github.com/ipechelon/domain-intel/go/parser"
	"github.com/ipechelon/domain-intel/go/stage"
	"github.com/ipechelon/domain-intel/go/store"
)

// projection is a parsed record's view of the graph: the vertex docs it
// implies and the typed edges between them.
type projection interface {
	VertexPayloads() []parser.Payload
	EdgePayloads() []parser.Payload
}

// persistWorker writes one parsed record to the graph. Vertices insert
// before edges so every edge endpoint exists; a store failure halts the
// stage with the message uncommitted.
func (p *Pipeline) persistWorker(
	name string,
	parse func([]byte) (projection, error),
	dry bool,
) stage.Worker {
	return func(ctx context.Context, msg broker.Message) (interface{}, error) {
		var proj, err = parse(msg.Value)
		if err != nil {
			return nil, err
		}

		for _, payload := range proj.VertexPayloads() {
			if _, err = p.store.InsertVertex(ctx, payload.Collection, store.Doc(payload.Doc), dry); err != nil {
				return nil, err
			}
		}
		var edgesCreated int
		for _, payload := range proj.EdgePayloads() {
			var created bool
			if created, err = p.store.InsertEdge(ctx, payload.Collection, store.Doc(payload.Doc), dry); err != nil {
				return nil, err
			}
			if created {
				edgesCreated++
			}
		}
		log.WithFields(log.Fields{
			"stage":         name,
			"edges_created": edgesCreated,
		}).Debug("record persisted")
		return nil, nil
	}
}

func (p *Pipeline) persistStage(opts Options, name, topic string, parse func([]byte) (projection, error)) stage.Config {
	return opts.apply(stage.Config{
		Name:        name,
		InputTopics: []string{topic},
		Worker:      p.persistWorker(name, parse, opts.Dry),
		Persist:     true,
	})
}

func (p *Pipeline) persistUrlInfo(opts Options) stage.Config {
	return p.persistStage(opts, "persist-urlinfo", "alexa-flattened",
		func(record []byte) (projection, error) { return parser.ParseUrlInfo(record) })
}

func (p *Pipeline) persistSLI(opts Options) stage.Config {
	return p.persistStage(opts, "persist-sli", "alexa-sli-results",
		func(record []byte) (projection, error) { return parser.ParseSitesLinkingIn(record) })
}

func (p *Pipeline) persistTraffic(opts Options) stage.Config {
	return p.persistStage(opts, "persist-traffic", "alexa-traffic-flattened",
		func(record []byte) (projection, error) { return parser.ParseTrafficHistory(record) })
}

func (p *Pipeline) persistGeoDNS(opts Options) stage.Config {
	return p.persistStage(opts, "persist-geodns", "dns-geodns-parsed",
		func(record []byte) (projection, error) { return parser.ParseGeoDNS(record) })
}

func (p *Pipeline) persistQAS(opts Options) stage.Config {
	return p.persistStage(opts, "persist-qas", "analyst-qas",
		func(record []byte) (projection, error) { return parser.ParseAnalystQAS(record) })
}
