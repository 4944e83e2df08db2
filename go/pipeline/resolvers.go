package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ipechelon/domain-intel/go/awis"
	"github.com/ipechelon/domain-intel/go/broker"
	"github.com/ipechelon/domain-intel/go/geodns"
	"github.com/ipechelon/domain-intel/go/parser"
	"github.com/ipechelon/domain-intel/go/stage"
)

// maxSlurps caps the SitesLinkingIn pages fetched for one domain.
const maxSlurps = 10000

// checkHostTimeout bounds one check-host.net lookup.
const checkHostTimeout = 15 * time.Second

// resolveUrlInfo batches domains into one AWIS UrlInfo call per five,
// draining the laggards when input runs out.
func (p *Pipeline) resolveUrlInfo(opts Options) stage.Config {
	var batch []string
	var flush = func(ctx context.Context) (interface{}, error) {
		if len(batch) == 0 {
			return nil, nil
		}
		var domains = batch
		batch = nil
		var raw, err = p.awis.UrlInfo(ctx, domains)
		if err != nil {
			return nil, err
		}
		return bytes.TrimSpace(raw), nil
	}

	return opts.apply(stage.Config{
		Name:         "resolve-urlinfo",
		InputTopics:  []string{"gtr-domains"},
		OutputTopics: []string{"alexa-results"},
		Worker: func(ctx context.Context, msg broker.Message) (interface{}, error) {
			batch = append(batch, domainOf(msg))
			if len(batch) < awis.MaxBatchRequests {
				return nil, nil
			}
			return flush(ctx)
		},
		Drain:     flush,
		Retryable: isTransportError,
	})
}

// flattenUrlInfo splits one batched AWIS response into per-domain flat
// records.
func (p *Pipeline) flattenUrlInfo(opts Options) stage.Config {
	return opts.apply(stage.Config{
		Name:         "flatten-urlinfo",
		InputTopics:  []string{"alexa-results"},
		OutputTopics: []string{"alexa-flattened"},
		Worker: func(ctx context.Context, msg broker.Message) (interface{}, error) {
			return parser.FlattenBatchedUrlInfo(msg.Value)
		},
	})
}

// slurpSLI pages through SitesLinkingIn for one domain, 20 sites a
// page, until a page comes back empty.
func (p *Pipeline) slurpSLI(opts Options) stage.Config {
	return opts.apply(stage.Config{
		Name:         "slurp-sli",
		InputTopics:  []string{"sli-domains"},
		OutputTopics: []string{"alexa-sli-results"},
		Worker: func(ctx context.Context, msg broker.Message) (interface{}, error) {
			var domain = domainOf(msg)

			var all []parser.Site
			for page := 0; page < maxSlurps; page++ {
				var raw, err = p.awis.SitesLinkingIn(ctx, domain, page*awis.SitesLinkingInCount)
				if err != nil {
					return nil, err
				}
				var sites = parser.ExtractSites(raw)
				if len(sites) == 0 {
					log.WithFields(log.Fields{
						"domain": domain,
						"page":   page + 1,
					}).Info("empty page, slurp complete")
					break
				}
				all = append(all, sites...)
			}

			var unique = parser.UniqueSites(all)
			if len(unique) == 0 {
				return nil, nil
			}
			return json.Marshal(map[string]interface{}{
				"domain": domain,
				"urls":   unique,
			})
		},
		Retryable: isTransportError,
	})
}

// resolveTraffic fetches one domain's monthly traffic history.
func (p *Pipeline) resolveTraffic(opts Options) stage.Config {
	return opts.apply(stage.Config{
		Name:         "resolve-traffic",
		InputTopics:  []string{"traffic-domains"},
		OutputTopics: []string{"alexa-traffic-results"},
		Worker: func(ctx context.Context, msg broker.Message) (interface{}, error) {
			var raw, err = p.awis.TrafficHistory(ctx, domainOf(msg), 0)
			if err != nil {
				return nil, err
			}
			return bytes.TrimSpace(raw), nil
		},
		Retryable: isTransportError,
	})
}

// flattenTraffic converts one TrafficHistory response to its flat
// record, dropping responses whose status is not Success.
func (p *Pipeline) flattenTraffic(opts Options) stage.Config {
	return opts.apply(stage.Config{
		Name:         "flatten-traffic",
		InputTopics:  []string{"alexa-traffic-results"},
		OutputTopics: []string{"alexa-traffic-flattened"},
		Worker: func(ctx context.Context, msg broker.Message) (interface{}, error) {
			var flat, err = parser.FlattenTrafficHistory(msg.Value)
			if err != nil || flat == nil {
				return nil, err
			}
			return flat, nil
		},
	})
}

// resolveDNS probes one domain's DNS records across vantage points.
func (p *Pipeline) resolveDNS(opts Options) stage.Config {
	return opts.apply(stage.Config{
		Name:         "resolve-dns",
		InputTopics:  []string{"dns-domains"},
		OutputTopics: []string{"dns-raw"},
		Timeout:      checkHostTimeout,
		Worker: func(ctx context.Context, msg broker.Message) (interface{}, error) {
			return p.geo.ResolveDNS(ctx, domainOf(msg))
		},
		Retryable: func(err error) bool { return errors.Is(err, geodns.ErrCheckHostNet) },
	})
}

// parseDNS merges one raw two-phase lookup into per-country record
// sets.
func (p *Pipeline) parseDNS(opts Options) stage.Config {
	return opts.apply(stage.Config{
		Name:         "parse-dns",
		InputTopics:  []string{"dns-raw"},
		OutputTopics: []string{"dns-parsed"},
		Worker: func(ctx context.Context, msg broker.Message) (interface{}, error) {
			var result, err = geodns.CheckHostNetResultFromJSON(msg.Value)
			if err != nil {
				return nil, err
			}
			return geodns.ParseCheckHostResult(result)
		},
	})
}

// resolveGeoDNS geolocates every resolved address of one record.
func (p *Pipeline) resolveGeoDNS(opts Options) stage.Config {
	return opts.apply(stage.Config{
		Name:         "resolve-geodns",
		InputTopics:  []string{"dns-parsed"},
		OutputTopics: []string{"dns-geodns-parsed"},
		Worker: func(ctx context.Context, msg broker.Message) (interface{}, error) {
			var dns, err = parser.ParsedDNSFromJSON(msg.Value)
			if err != nil {
				return nil, err
			}
			return p.geo.ResolveGeoFromDNS(ctx, dns)
		},
		Retryable: func(err error) bool { return errors.Is(err, geodns.ErrCompassServer) },
	})
}

func domainOf(msg broker.Message) string {
	return strings.TrimSpace(string(msg.Value))
}

func isTransportError(err error) bool {
	return errors.Is(err, awis.ErrRequestFailed)
}
