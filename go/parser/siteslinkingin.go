package parser

import (
	"encoding/json"
)

// Site is one inbound-linking page.
type Site struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

type sliDoc struct {
	SitesLinkingInResult struct {
		Alexa struct {
			SitesLinkingIn struct {
				Site Many[siteNode] `json:"Site"`
			} `json:"SitesLinkingIn"`
		} `json:"Alexa"`
	} `json:"SitesLinkingInResult"`
}

type siteNode struct {
	Title *Text `json:"Title"`
	Url   *Text `json:"Url"`
}

// ExtractSites pulls the {title, url} pairs out of one raw
// sites-linking-in XML response page. Empty or unparseable input
// yields no sites; a domain without inbound links is ordinary.
func ExtractSites(rawXML []byte) []Site {
	var flat = FlattenSitesLinkingIn(rawXML)
	if flat == nil {
		return nil
	}
	var doc sliDoc
	if err := json.Unmarshal(flat, &doc); err != nil {
		return nil
	}

	var sites []Site
	for _, node := range doc.SitesLinkingInResult.Alexa.SitesLinkingIn.Site {
		sites = append(sites, Site{
			Title: node.Title.String(),
			URL:   node.Url.String(),
		})
	}
	return sites
}

// UniqueSites drops sites whose title duplicates one already seen,
// preserving first-seen order. The dedup is by title, not URL.
func UniqueSites(sites []Site) []Site {
	var seen = map[string]bool{}
	var reduced []Site
	for _, site := range sites {
		if seen[site.Title] {
			continue
		}
		seen[site.Title] = true
		reduced = append(reduced, site)
	}
	return reduced
}

// SitesLinkingIn is one persisted inbound-links record: the target
// domain and the slurped site list.
type SitesLinkingIn struct {
	Domain string `json:"domain"`
	URLs   []Site `json:"urls"`
}

// ParseSitesLinkingIn decodes a persisted inbound-links record.
func ParseSitesLinkingIn(record []byte) (*SitesLinkingIn, error) {
	var s SitesLinkingIn
	if err := json.Unmarshal(record, &s); err != nil {
		return nil, parseErr("SitesLinkingIn", "malformed JSON", err)
	}
	if s.Domain == "" {
		return nil, &Error{Family: "SitesLinkingIn", Reason: "missing domain"}
	}
	return &s, nil
}

// VertexPayloads projects each inbound page onto the url collection,
// keyed by the page URL's full content hash.
func (s *SitesLinkingIn) VertexPayloads() []Payload {
	var payloads []Payload
	for _, site := range s.URLs {
		payloads = append(payloads, Payload{Collection: "url", Doc: map[string]interface{}{
			"_key":             URLKey(site.URL),
			"domain_linkingin": site.Title,
		}})
	}
	return payloads
}

// EdgePayloads projects the links_into edges from each inbound page to
// the target domain, labelled with the page URL.
func (s *SitesLinkingIn) EdgePayloads() []Payload {
	var payloads []Payload
	for _, site := range s.URLs {
		var key = URLKey(site.URL)
		payloads = append(payloads, Payload{Collection: "links_into", Doc: map[string]interface{}{
			"_key":  s.Domain + ":" + key,
			"label": site.URL,
			"_from": "url/" + key,
			"_to":   "domain/" + s.Domain,
		}})
	}
	return payloads
}
