package geodns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/ipechelon/domain-intel/go/config"
	"github.com/ipechelon/domain-intel/go/parser"
)

// defaultMaxNodes bounds the vantage points asked of one DNS probe.
const defaultMaxNodes = 10

// DNSResolver schedules a dispersed DNS probe for a domain.
type DNSResolver interface {
	ResolveDNS(ctx context.Context, domain string, maxNodes int) (*CheckHostNetResult, error)
}

// GeoResolver geolocates one address.
type GeoResolver interface {
	Resolve(ctx context.Context, addr string, epoch int64) (map[string]interface{}, error)
}

// GeoDNS combines the DNS probe with per-address geolocation.
type GeoDNS struct {
	DNS      DNSResolver
	Compass  GeoResolver
	MaxNodes int
}

// New builds the production resolver pair from configuration.
func New(cfg *config.Config) *GeoDNS {
	return &GeoDNS{
		DNS:      NewCheckHostNet(),
		Compass:  NewCompass(cfg.GeoDNS.Compass.Username, cfg.GeoDNS.Compass.Password),
		MaxNodes: defaultMaxNodes,
	}
}

// ResolveDNS probes the domain's DNS records across vantage points.
func (g *GeoDNS) ResolveDNS(ctx context.Context, domain string) (*CheckHostNetResult, error) {
	var maxNodes = g.MaxNodes
	if maxNodes <= 0 {
		maxNodes = defaultMaxNodes
	}
	return g.DNS.ResolveDNS(ctx, domain, maxNodes)
}

// nodeAnswer is one node's answer within a check-host.net result.
// Pointer fields distinguish an absent record family from an empty one.
type nodeAnswer struct {
	A    *[]string `json:"A"`
	AAAA *[]string `json:"AAAA"`
}

// ParseCheckHostResult merges the two raw check-host.net responses into
// per-country record sets. Nodes without results, null results, and
// answers missing a record family are tolerated: the probe is best
// effort and partial answers are still worth keeping.
func ParseCheckHostResult(result *CheckHostNetResult) (parser.ParsedDNS, error) {
	var check struct {
		Nodes map[string][]string `json:"nodes"`
	}
	if err := json.Unmarshal(result.CheckResult, &check); err != nil {
		return nil, fmt.Errorf("deserialising check response: %w", err)
	}

	var answers map[string][]*nodeAnswer
	if err := json.Unmarshal(result.ResultsResult, &answers); err != nil {
		return nil, fmt.Errorf("deserialising results response: %w", err)
	}

	var parsed = parser.ParsedDNS{}
	for _, node := range sortedNodes(check.Nodes) {
		var nodeInfo = check.Nodes[node]
		if len(nodeInfo) == 0 {
			log.WithField("node", node).Warn("node carries no country id")
			continue
		}
		var countryID = nodeInfo[0]

		var set, ok = parsed[countryID]
		if !ok {
			set = parser.DNSRecordSet{
				Domain:    result.Domain,
				CountryID: countryID,
				A:         []string{},
				AAAA:      []string{},
			}
		}

		var nodeAnswers, answered = answers[node]
		if !answered || nodeAnswers == nil {
			log.WithField("node", node).Warn("node returned no results")
			parsed[countryID] = set
			continue
		}
		for _, answer := range nodeAnswers {
			if answer == nil {
				log.WithField("node", node).Warn("node returned a null result")
				continue
			}
			if answer.A != nil {
				set.A = append(set.A, *answer.A...)
			} else {
				log.WithField("node", node).Warn("node answered without A records")
			}
			if answer.AAAA != nil {
				set.AAAA = append(set.AAAA, *answer.AAAA...)
			} else {
				log.WithField("node", node).Warn("node answered without AAAA records")
			}
		}
		parsed[countryID] = set
	}
	return parsed, nil
}

// ResolveGeoFromDNS geolocates every distinct A record in the parsed
// DNS results. A no-routes answer for any address clears the whole
// geolocation map: the record then carries DNS results alone.
func (g *GeoDNS) ResolveGeoFromDNS(ctx context.Context, dns parser.ParsedDNS) (parser.ParsedGeoDNS, error) {
	var parsed = parser.ParsedGeoDNS{
		DNSResults:  dns,
		GeogResults: map[string]map[string]interface{}{},
	}

	for _, addr := range distinctA(dns) {
		var attrs, err = g.Compass.Resolve(ctx, addr, 0)
		if errors.Is(err, ErrCompassEmptyResponse) {
			log.WithField("addr", addr).Warn("no routes for address, dropping geolocation")
			parsed.GeogResults = map[string]map[string]interface{}{}
			return parsed, nil
		}
		if err != nil {
			return parsed, err
		}
		parsed.GeogResults[addr] = attrs
	}
	return parsed, nil
}

func distinctA(dns parser.ParsedDNS) []string {
	var seen = map[string]bool{}
	for _, set := range dns {
		for _, addr := range set.A {
			seen[addr] = true
		}
	}
	var addrs = make([]string, 0, len(seen))
	for addr := range seen {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

func sortedNodes(nodes map[string][]string) []string {
	var names = make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
