package parser

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
)

// urlInfoDoc mirrors the flat rank-info record shape down to the
// fields the projections need. Everything else rides along in the raw
// document.
type urlInfoDoc struct {
	UrlInfoResult struct {
		Alexa struct {
			ContentData struct {
				DataUrl  *Text `json:"DataUrl"`
				SiteData struct {
					Title       *Text `json:"Title"`
					OnlineSince *Text `json:"OnlineSince"`
					Description *Text `json:"Description"`
				} `json:"SiteData"`
				Speed struct {
					MedianLoadTime *Text `json:"MedianLoadTime"`
					Percentile     *Text `json:"Percentile"`
				} `json:"Speed"`
				AdultContent *Text `json:"AdultContent"`
				LinksInCount *Text `json:"LinksInCount"`
				Language     struct {
					Locale   *Text `json:"Locale"`
					Encoding *Text `json:"Encoding"`
				} `json:"Language"`
			} `json:"ContentData"`
			TrafficData struct {
				Rank          *Text `json:"Rank"`
				RankByCountry struct {
					Country Many[countryRankNode] `json:"Country"`
				} `json:"RankByCountry"`
				ContributingSubdomains struct {
					ContributingSubdomain Many[subdomainNode] `json:"ContributingSubdomain"`
				} `json:"ContributingSubdomains"`
			} `json:"TrafficData"`
			Related struct {
				RelatedLinks struct {
					RelatedLink Many[relatedLinkNode] `json:"RelatedLink"`
				} `json:"RelatedLinks"`
			} `json:"Related"`
		} `json:"Alexa"`
	} `json:"UrlInfoResult"`
}

type countryRankNode struct {
	Code Scalar `json:"@Code"`
	Rank *Text  `json:"Rank"`
}

type relatedLinkNode struct {
	DataUrl      *Text `json:"DataUrl"`
	NavigableUrl *Text `json:"NavigableUrl"`
	Title        *Text `json:"Title"`
}

type subdomainNode struct {
	DataUrl   *Text `json:"DataUrl"`
	TimeRange struct {
		Months *Text `json:"Months"`
	} `json:"TimeRange"`
	Reach struct {
		Percentage *Text `json:"Percentage"`
	} `json:"Reach"`
	PageViews struct {
		Percentage *Text `json:"Percentage"`
		PerUser    *Text `json:"PerUser"`
	} `json:"PageViews"`
}

// CountryRank is one per-country rank entry.
type CountryRank struct {
	Code string
	Rank interface{}
}

// RelatedLink is one outbound related link.
type RelatedLink struct {
	URL          string
	NavigableURL string
	Title        string
}

// ContributingSubdomain is one contributing sub-host entry. Percentage
// fields arrive as "1.23%" strings and are converted to floats.
type ContributingSubdomain struct {
	DataURL          string
	Months           interface{}
	ReachPercent     interface{}
	PageViewsPercent interface{}
	PageViewsPerUser interface{}
}

// UrlInfo is one parsed flat rank-info record.
type UrlInfo struct {
	raw map[string]interface{}
	doc urlInfoDoc
}

// ParseUrlInfo decodes a flat rank-info record. The record must carry
// the UrlInfoResult/Alexa/ContentData/DataUrl path naming the domain.
func ParseUrlInfo(record []byte) (*UrlInfo, error) {
	var u = &UrlInfo{}

	var dec = json.NewDecoder(bytes.NewReader(record))
	dec.UseNumber()
	if err := dec.Decode(&u.raw); err != nil {
		return nil, parseErr("UrlInfo", "malformed JSON", err)
	}
	if err := json.Unmarshal(record, &u.doc); err != nil {
		return nil, parseErr("UrlInfo", "unexpected structure", err)
	}
	if u.Domain() == "" {
		return nil, &Error{Family: "UrlInfo", Reason: "missing ContentData DataUrl"}
	}
	return u, nil
}

// Raw is the full decoded record, persisted verbatim.
func (u *UrlInfo) Raw() map[string]interface{} { return u.raw }

// Domain is the record's domain name.
func (u *UrlInfo) Domain() string {
	return u.doc.UrlInfoResult.Alexa.ContentData.DataUrl.String()
}

// Flat returns the domain vertex attributes. Absent upstream fields
// yield null attributes.
func (u *UrlInfo) Flat() map[string]interface{} {
	var alexa = &u.doc.UrlInfoResult.Alexa
	var content = &alexa.ContentData
	return map[string]interface{}{
		"title":            content.SiteData.Title.Val(),
		"online_since":     content.SiteData.OnlineSince.Val(),
		"median_load_time": content.Speed.MedianLoadTime.Val(),
		"speed_percentile": content.Speed.Percentile.Val(),
		"adult_content":    content.AdultContent.String() == "yes",
		"links_in_count":   content.LinksInCount.Val(),
		"locale":           content.Language.Locale.Val(),
		"encoding":         content.Language.Encoding.Val(),
		"description":      content.SiteData.Description.Val(),
		"rank":             alexa.TrafficData.Rank.Val(),
	}
}

// CountryRanks returns per-country ranks. The catch-all "O" bucket is
// dropped.
func (u *UrlInfo) CountryRanks() []CountryRank {
	var ranks []CountryRank
	for _, node := range u.doc.UrlInfoResult.Alexa.TrafficData.RankByCountry.Country {
		if node.Code.String() == "O" {
			continue
		}
		ranks = append(ranks, CountryRank{
			Code: node.Code.String(),
			Rank: node.Rank.Val(),
		})
	}
	return ranks
}

// RelatedLinks returns the outbound related links.
func (u *UrlInfo) RelatedLinks() []RelatedLink {
	var links []RelatedLink
	for _, node := range u.doc.UrlInfoResult.Alexa.Related.RelatedLinks.RelatedLink {
		links = append(links, RelatedLink{
			URL:          node.DataUrl.String(),
			NavigableURL: node.NavigableUrl.String(),
			Title:        node.Title.String(),
		})
	}
	return links
}

// ContributingSubdomains returns contributing sub-hosts. The catch-all
// "OTHER" bucket is dropped.
func (u *UrlInfo) ContributingSubdomains() []ContributingSubdomain {
	var subdomains []ContributingSubdomain
	for _, node := range u.doc.UrlInfoResult.Alexa.TrafficData.ContributingSubdomains.ContributingSubdomain {
		var dataURL = node.DataUrl.String()
		if dataURL == "OTHER" {
			continue
		}
		var sub = ContributingSubdomain{
			DataURL:          dataURL,
			Months:           node.TimeRange.Months.Val(),
			PageViewsPerUser: node.PageViews.PerUser.Val(),
		}
		if node.Reach.Percentage != nil {
			sub.ReachPercent = node.Reach.Percentage.Value.Percent()
		}
		if node.PageViews.Percentage != nil {
			sub.PageViewsPercent = node.PageViews.Percentage.Value.Percent()
		}
		subdomains = append(subdomains, sub)
	}
	return subdomains
}

// VertexPayloads projects the record onto vertex inserts: the raw
// payload, the domain apex, outbound links and contributing
// subdomains. Country vertices are pre-seeded and not emitted here.
func (u *UrlInfo) VertexPayloads() []Payload {
	var domain = u.Domain()

	var payloads = []Payload{
		{Collection: "url-info", Doc: map[string]interface{}{
			"_key": domain,
			"data": u.raw,
		}},
	}

	var apex = u.Flat()
	apex["_key"] = domain
	payloads = append(payloads, Payload{Collection: "domain", Doc: apex})

	for _, link := range u.RelatedLinks() {
		payloads = append(payloads, Payload{Collection: "link", Doc: map[string]interface{}{
			"_key":          LinkKey(link.URL),
			"navigable_url": link.NavigableURL,
			"title":         link.Title,
		}})
	}
	for _, sub := range u.ContributingSubdomains() {
		payloads = append(payloads, Payload{Collection: "subdomain", Doc: map[string]interface{}{
			"_key":                sub.DataURL,
			"months":              sub.Months,
			"reach_pc":            sub.ReachPercent,
			"page_views_pc":       sub.PageViewsPercent,
			"page_views_per_user": sub.PageViewsPerUser,
		}})
	}
	return payloads
}

// EdgePayloads projects the record onto edge inserts: country ranks,
// related links and contributing subdomains.
func (u *UrlInfo) EdgePayloads() []Payload {
	var domain = u.Domain()

	var payloads []Payload
	for _, rank := range u.CountryRanks() {
		payloads = append(payloads, Payload{Collection: "ranked", Doc: map[string]interface{}{
			"_key":  domain + ":" + rank.Code,
			"_from": "domain/" + domain,
			"_to":   "country/" + rank.Code,
			"label": rank.Rank,
		}})
	}
	for _, link := range u.RelatedLinks() {
		var key = LinkKey(link.URL)
		payloads = append(payloads, Payload{Collection: "related", Doc: map[string]interface{}{
			"_key":  domain + ":" + key,
			"label": link.URL,
			"_from": "domain/" + domain,
			"_to":   "link/" + key,
		}})
	}
	for _, sub := range u.ContributingSubdomains() {
		payloads = append(payloads, Payload{Collection: "contribute", Doc: map[string]interface{}{
			"_key":  domain + ":" + sub.DataURL,
			"_from": "subdomain/" + sub.DataURL,
			"_to":   "domain/" + domain,
		}})
	}
	return payloads
}

// LinkKey is the 16-hex-digit content key of an outbound link URL.
func LinkKey(url string) string { return md5Hex(url)[:16] }

// URLKey is the full 32-hex-digit content key of an inbound page URL.
func URLKey(url string) string { return md5Hex(url) }

func md5Hex(s string) string {
	var sum = md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
