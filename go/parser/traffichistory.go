package parser

import (
	"bytes"
	"encoding/json"
)

// TrafficHistory is one parsed flat traffic record: a monthly snapshot
// of a domain's daily traffic series.
type TrafficHistory struct {
	raw    map[string]interface{}
	domain string
	start  string
}

// ParseTrafficHistory decodes a flat traffic record. The record must
// carry the TrafficHistory/Site and TrafficHistory/Start paths.
func ParseTrafficHistory(record []byte) (*TrafficHistory, error) {
	var t = &TrafficHistory{}

	var dec = json.NewDecoder(bytes.NewReader(record))
	dec.UseNumber()
	if err := dec.Decode(&t.raw); err != nil {
		return nil, parseErr("TrafficHistory", "malformed JSON", err)
	}

	var doc struct {
		TrafficHistory struct {
			Site  *Text `json:"Site"`
			Start *Text `json:"Start"`
		} `json:"TrafficHistory"`
	}
	if err := json.Unmarshal(record, &doc); err != nil {
		return nil, parseErr("TrafficHistory", "unexpected structure", err)
	}
	t.domain = doc.TrafficHistory.Site.String()
	t.start = doc.TrafficHistory.Start.String()
	if t.domain == "" || t.start == "" {
		return nil, &Error{Family: "TrafficHistory", Reason: "missing Site or Start"}
	}
	return t, nil
}

// Domain is the snapshot's domain name.
func (t *TrafficHistory) Domain() string { return t.domain }

// Start is the snapshot's range start date.
func (t *TrafficHistory) Start() string { return t.start }

// Key is the content key shared by the traffic vertex and visit edge.
func (t *TrafficHistory) Key() string { return t.domain + ":" + t.start }

// VertexPayloads projects the snapshot onto the traffic collection,
// carrying the full daily series as opaque payload.
func (t *TrafficHistory) VertexPayloads() []Payload {
	return []Payload{
		{Collection: "traffic", Doc: map[string]interface{}{
			"_key": t.Key(),
			"data": t.raw,
		}},
	}
}

// EdgePayloads projects the visit edge from the snapshot to its domain.
func (t *TrafficHistory) EdgePayloads() []Payload {
	return []Payload{
		{Collection: "visit", Doc: map[string]interface{}{
			"_key":  t.Key(),
			"_from": "traffic/" + t.Key(),
			"_to":   "domain/" + t.domain,
		}},
	}
}
