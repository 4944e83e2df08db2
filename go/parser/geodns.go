package parser

import (
	"bytes"
	"encoding/json"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// DNSRecordSet is one country's resolution results for a domain.
type DNSRecordSet struct {
	Domain    string   `json:"domain"`
	CountryID string   `json:"country_id"`
	A         []string `json:"A"`
	AAAA      []string `json:"AAAA"`
}

// ParsedDNS maps a country id to its record set.
type ParsedDNS map[string]DNSRecordSet

// Marshal encodes the result for transport.
func (p ParsedDNS) Marshal() ([]byte, error) { return json.Marshal(p) }

// ParsedDNSFromJSON decodes a transported ParsedDNS.
func ParsedDNSFromJSON(record []byte) (ParsedDNS, error) {
	var p ParsedDNS
	if err := json.Unmarshal(record, &p); err != nil {
		return nil, parseErr("GeoDNS", "malformed DNS results", err)
	}
	return p, nil
}

// ParsedGeoDNS pairs per-country DNS results with per-IP geolocation
// attributes.
type ParsedGeoDNS struct {
	DNSResults  ParsedDNS                         `json:"dns_results"`
	GeogResults map[string]map[string]interface{} `json:"geog_results"`
}

// Marshal encodes the result for transport.
func (p ParsedGeoDNS) Marshal() ([]byte, error) { return json.Marshal(p) }

// GeoDNS is one parsed flat geo-DNS record ready for projection.
type GeoDNS struct {
	raw    []byte
	parsed ParsedGeoDNS
	domain string
}

// ParseGeoDNS decodes a flat geo-DNS record. The domain key is NFKD
// normalised so differently-encoded spellings of one hostname share a
// vertex.
func ParseGeoDNS(record []byte) (*GeoDNS, error) {
	var g = &GeoDNS{raw: record}

	var dec = json.NewDecoder(bytes.NewReader(record))
	dec.UseNumber()
	if err := dec.Decode(&g.parsed); err != nil {
		return nil, parseErr("GeoDNS", "malformed JSON", err)
	}

	for _, countryID := range sortedKeys(g.parsed.DNSResults) {
		if domain := g.parsed.DNSResults[countryID].Domain; domain != "" {
			g.domain = norm.NFKD.String(domain)
			break
		}
	}
	if g.domain == "" {
		return nil, &Error{Family: "GeoDNS", Reason: "no domain in dns_results"}
	}
	return g, nil
}

// Domain is the normalised domain name.
func (g *GeoDNS) Domain() string { return g.domain }

// IPv4Vertices returns one doc per distinct A record, sorted, merged
// with that address's geolocation attributes when known.
func (g *GeoDNS) IPv4Vertices() []map[string]interface{} {
	return g.ipVertices(func(set DNSRecordSet) []string { return set.A })
}

// IPv6Vertices is IPv4Vertices over the AAAA records.
func (g *GeoDNS) IPv6Vertices() []map[string]interface{} {
	return g.ipVertices(func(set DNSRecordSet) []string { return set.AAAA })
}

func (g *GeoDNS) ipVertices(records func(DNSRecordSet) []string) []map[string]interface{} {
	var distinct = map[string]bool{}
	for _, set := range g.parsed.DNSResults {
		for _, addr := range records(set) {
			distinct[addr] = true
		}
	}

	var addrs = make([]string, 0, len(distinct))
	for addr := range distinct {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	var docs []map[string]interface{}
	for _, addr := range addrs {
		var doc = map[string]interface{}{"_key": addr}
		for key, value := range g.parsed.GeogResults[addr] {
			doc[key] = value
		}
		docs = append(docs, doc)
	}
	return docs
}

// VertexPayloads projects the record onto the geodns raw payload plus
// the resolved ipv4 and ipv6 address vertices.
func (g *GeoDNS) VertexPayloads() []Payload {
	var payloads = []Payload{
		{Collection: "geodns", Doc: map[string]interface{}{
			"_key": g.domain,
			"data": string(g.raw),
		}},
	}
	for _, doc := range g.IPv4Vertices() {
		payloads = append(payloads, Payload{Collection: "ipv4", Doc: doc})
	}
	for _, doc := range g.IPv6Vertices() {
		payloads = append(payloads, Payload{Collection: "ipv6", Doc: doc})
	}
	return payloads
}

// EdgePayloads projects the resolves edges from the domain to each
// address vertex.
func (g *GeoDNS) EdgePayloads() []Payload {
	var payloads []Payload
	for _, doc := range g.IPv4Vertices() {
		payloads = append(payloads, g.resolvesEdge("ipv4", doc))
	}
	for _, doc := range g.IPv6Vertices() {
		payloads = append(payloads, g.resolvesEdge("ipv6", doc))
	}
	return payloads
}

func (g *GeoDNS) resolvesEdge(family string, doc map[string]interface{}) Payload {
	var addr, _ = doc["_key"].(string)
	return Payload{Collection: family + "_resolves", Doc: map[string]interface{}{
		"_key":  g.domain + ":" + addr,
		"_from": "domain/" + g.domain,
		"_to":   family + "/" + addr,
	}}
}

func sortedKeys(p ParsedDNS) []string {
	var keys = make([]string, 0, len(p))
	for key := range p {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
