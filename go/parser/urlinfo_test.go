package parser

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

var urlInfoBatchXML = []byte(`<?xml version="1.0"?>
<aws:UrlInfoResponse xmlns:aws="http://alexa.amazonaws.com/doc/2005-10-05/">
  <aws:Response xmlns:aws="http://awis.amazonaws.com/doc/2005-07-11">
    <aws:UrlInfoResult>
      <aws:Alexa>
        <aws:ContentData>
          <aws:DataUrl type="canonical">feedblitz.com</aws:DataUrl>
          <aws:SiteData>
            <aws:Title>FeedBlitz</aws:Title>
            <aws:Description>Email marketing and RSS services</aws:Description>
            <aws:OnlineSince>05-May-2005</aws:OnlineSince>
          </aws:SiteData>
          <aws:Speed>
            <aws:MedianLoadTime>1099</aws:MedianLoadTime>
            <aws:Percentile>71</aws:Percentile>
          </aws:Speed>
          <aws:AdultContent>yes</aws:AdultContent>
          <aws:LinksInCount>2956</aws:LinksInCount>
          <aws:Language>
            <aws:Locale>en</aws:Locale>
            <aws:Encoding>us-ascii</aws:Encoding>
          </aws:Language>
        </aws:ContentData>
        <aws:TrafficData>
          <aws:DataUrl>feedblitz.com</aws:DataUrl>
          <aws:Rank>53960</aws:Rank>
          <aws:RankByCountry>
            <aws:Country Code="US">
              <aws:Rank>24352</aws:Rank>
            </aws:Country>
            <aws:Country Code="O">
              <aws:Rank>99999</aws:Rank>
            </aws:Country>
          </aws:RankByCountry>
          <aws:ContributingSubdomains>
            <aws:ContributingSubdomain>
              <aws:DataUrl>feedblitz.com</aws:DataUrl>
              <aws:TimeRange>
                <aws:Months>1</aws:Months>
              </aws:TimeRange>
              <aws:Reach>
                <aws:Percentage>88.0%</aws:Percentage>
              </aws:Reach>
              <aws:PageViews>
                <aws:Percentage>92.3%</aws:Percentage>
                <aws:PerUser>1.8</aws:PerUser>
              </aws:PageViews>
            </aws:ContributingSubdomain>
            <aws:ContributingSubdomain>
              <aws:DataUrl>OTHER</aws:DataUrl>
              <aws:TimeRange>
                <aws:Months>1</aws:Months>
              </aws:TimeRange>
              <aws:Reach>
                <aws:Percentage>12.0%</aws:Percentage>
              </aws:Reach>
              <aws:PageViews>
                <aws:Percentage>7.7%</aws:Percentage>
                <aws:PerUser>1.1</aws:PerUser>
              </aws:PageViews>
            </aws:ContributingSubdomain>
          </aws:ContributingSubdomains>
        </aws:TrafficData>
        <aws:Related>
          <aws:RelatedLinks>
            <aws:RelatedLink>
              <aws:DataUrl>www.feedblitz.com/f/</aws:DataUrl>
              <aws:NavigableUrl>http://www.feedblitz.com/f/</aws:NavigableUrl>
              <aws:Title>Feedblitz RSS</aws:Title>
            </aws:RelatedLink>
          </aws:RelatedLinks>
        </aws:Related>
      </aws:Alexa>
    </aws:UrlInfoResult>
    <aws:UrlInfoResult>
      <aws:Alexa>
        <aws:ContentData>
          <aws:DataUrl type="canonical">example.org</aws:DataUrl>
          <aws:SiteData>
            <aws:Title>Example</aws:Title>
          </aws:SiteData>
        </aws:ContentData>
        <aws:TrafficData>
          <aws:DataUrl>example.org</aws:DataUrl>
          <aws:Rank>12</aws:Rank>
        </aws:TrafficData>
      </aws:Alexa>
    </aws:UrlInfoResult>
  </aws:Response>
</aws:UrlInfoResponse>`)

func TestFlattenBatchedUrlInfo(t *testing.T) {
	var flat, err = FlattenBatchedUrlInfo(urlInfoBatchXML)
	require.NoError(t, err)
	require.Len(t, flat, 2)

	// Each flat record is rooted at UrlInfoResult with the envelope
	// stripped.
	for _, record := range flat {
		var doc map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(record, &doc))
		require.Contains(t, doc, "UrlInfoResult")
	}
}

func TestFlattenBatchedUrlInfoRejectsEnvelopeOnly(t *testing.T) {
	var _, err = FlattenBatchedUrlInfo([]byte(
		`<aws:UrlInfoResponse xmlns:aws="http://alexa.amazonaws.com/doc/2005-10-05/"/>`))
	require.Error(t, err)
	var parseError *Error
	require.ErrorAs(t, err, &parseError)
	require.Equal(t, "UrlInfo", parseError.Family)
}

func TestParseUrlInfo(t *testing.T) {
	var flat, err = FlattenBatchedUrlInfo(urlInfoBatchXML)
	require.NoError(t, err)

	info, err := ParseUrlInfo(flat[0])
	require.NoError(t, err)
	require.Equal(t, "feedblitz.com", info.Domain())

	var attrs = info.Flat()
	require.Equal(t, "FeedBlitz", attrs["title"])
	require.Equal(t, "05-May-2005", attrs["online_since"])
	require.Equal(t, json.Number("1099"), attrs["median_load_time"])
	require.Equal(t, json.Number("71"), attrs["speed_percentile"])
	require.Equal(t, true, attrs["adult_content"])
	require.Equal(t, json.Number("2956"), attrs["links_in_count"])
	require.Equal(t, "en", attrs["locale"])
	require.Equal(t, "us-ascii", attrs["encoding"])
	require.Equal(t, json.Number("53960"), attrs["rank"])
}

func TestParseUrlInfoMissingOptionalFields(t *testing.T) {
	var flat, err = FlattenBatchedUrlInfo(urlInfoBatchXML)
	require.NoError(t, err)

	info, err := ParseUrlInfo(flat[1])
	require.NoError(t, err)
	require.Equal(t, "example.org", info.Domain())

	var attrs = info.Flat()
	require.Nil(t, attrs["description"])
	require.Nil(t, attrs["online_since"])
	require.Equal(t, false, attrs["adult_content"])
	require.Equal(t, json.Number("12"), attrs["rank"])
	require.Empty(t, info.CountryRanks())
	require.Empty(t, info.RelatedLinks())
	require.Empty(t, info.ContributingSubdomains())
}

func TestCountryRanksDropCatchAllBucket(t *testing.T) {
	var flat, _ = FlattenBatchedUrlInfo(urlInfoBatchXML)
	var info, err = ParseUrlInfo(flat[0])
	require.NoError(t, err)

	var ranks = info.CountryRanks()
	require.Len(t, ranks, 1)
	require.Equal(t, "US", ranks[0].Code)
	require.Equal(t, json.Number("24352"), ranks[0].Rank)
}

func TestContributingSubdomains(t *testing.T) {
	var flat, _ = FlattenBatchedUrlInfo(urlInfoBatchXML)
	var info, err = ParseUrlInfo(flat[0])
	require.NoError(t, err)

	// The OTHER bucket is dropped; percentages become floats.
	var subs = info.ContributingSubdomains()
	require.Len(t, subs, 1)
	require.Equal(t, "feedblitz.com", subs[0].DataURL)
	require.Equal(t, json.Number("1"), subs[0].Months)
	require.Equal(t, 88.0, subs[0].ReachPercent)
	require.Equal(t, 92.3, subs[0].PageViewsPercent)
	require.Equal(t, json.Number("1.8"), subs[0].PageViewsPerUser)
}

func TestUrlInfoPayloads(t *testing.T) {
	var flat, _ = FlattenBatchedUrlInfo(urlInfoBatchXML)
	var info, err = ParseUrlInfo(flat[0])
	require.NoError(t, err)

	var vertices = info.VertexPayloads()
	require.Len(t, vertices, 4)
	require.Equal(t, "url-info", vertices[0].Collection)
	require.Equal(t, "feedblitz.com", vertices[0].Doc["_key"])
	require.Equal(t, "domain", vertices[1].Collection)
	require.Equal(t, "feedblitz.com", vertices[1].Doc["_key"])
	require.Equal(t, "link", vertices[2].Collection)
	require.Equal(t, "196128297dac8fc0", vertices[2].Doc["_key"])
	require.Equal(t, "http://www.feedblitz.com/f/", vertices[2].Doc["navigable_url"])
	require.Equal(t, "subdomain", vertices[3].Collection)
	require.Equal(t, "feedblitz.com", vertices[3].Doc["_key"])

	var edges = info.EdgePayloads()
	require.Len(t, edges, 3)
	require.Equal(t, "ranked", edges[0].Collection)
	require.Equal(t, map[string]interface{}{
		"_key":  "feedblitz.com:US",
		"_from": "domain/feedblitz.com",
		"_to":   "country/US",
		"label": json.Number("24352"),
	}, edges[0].Doc)
	require.Equal(t, "related", edges[1].Collection)
	require.Equal(t, "feedblitz.com:196128297dac8fc0", edges[1].Doc["_key"])
	require.Equal(t, "link/196128297dac8fc0", edges[1].Doc["_to"])
	require.Equal(t, "www.feedblitz.com/f/", edges[1].Doc["label"])
	require.Equal(t, "contribute", edges[2].Collection)
	require.Equal(t, "subdomain/feedblitz.com", edges[2].Doc["_from"])
}

func TestParseUrlInfoRejectsForeignShape(t *testing.T) {
	var _, err = ParseUrlInfo([]byte(`{"TrafficHistory": {}}`))
	require.Error(t, err)
	var parseError *Error
	require.ErrorAs(t, err, &parseError)
}
