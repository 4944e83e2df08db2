package awis

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testAccessKey = "AKIAJLLAHHxxxxxxxxxx"
	testSecretKey = "UiRBL2Tn/QKdiOxxxxxxxxxxxxxxxxxxxxxxxxxx"
)

func testClient() *Client {
	return &Client{
		accessKeyID:     testAccessKey,
		secretAccessKey: testSecretKey,
		BaseURL:         "http://awis.amazonaws.com/",
		HTTPClient:      http.DefaultClient,
		Now:             func() time.Time { return time.Date(2017, 3, 23, 0, 0, 0, 0, time.UTC) },
	}
}

func TestSignature(t *testing.T) {
	var params = url.Values{
		"Action":           {"UrlInfo"},
		"Url":              {"google.com"},
		"ResponseGroup":    {"Rank,LinksInCount"},
		"AWSAccessKeyId":   {testAccessKey},
		"SignatureMethod":  {"HmacSHA1"},
		"SignatureVersion": {"2"},
		"Timestamp":        {"2017-04-27T03:01:30.000Z"},
	}
	require.Equal(t, "vJgaj9iiyiFs7aeG9AhPcNJlkSQ=", testClient().Signature(params))
}

func TestBuildURL(t *testing.T) {
	var params = url.Values{
		"Action": {"UrlInfo"},
		"Url":    {"google.com"},
		"ResponseGroup": {"RelatedLinks,Categories,Rank,RankByCountry," +
			"UsageStats,AdultContent,Speed,Language,OwnedDomains," +
			"LinksInCount,SiteData"},
	}

	var expected = "http://awis.amazonaws.com/?" +
		"AWSAccessKeyId=AKIAJLLAHHxxxxxxxxxx&" +
		"Action=UrlInfo&" +
		"ResponseGroup=RelatedLinks%2CCategories%2CRank%2CRankByCountry%2C" +
		"UsageStats%2CAdultContent%2CSpeed%2CLanguage%2COwnedDomains%2C" +
		"LinksInCount%2CSiteData&" +
		"Signature=2SF51zGJqd9yLq1rIW805WzWlKc%3D&" +
		"SignatureMethod=HmacSHA1&" +
		"SignatureVersion=2&" +
		"Timestamp=2017-03-23T00%3A00%3A00.000Z&" +
		"Url=google.com"
	require.Equal(t, expected, testClient().BuildURL(params))
}

func TestTrafficMonth(t *testing.T) {
	var cases = []struct {
		today      time.Time
		monthRange int
		start      string
		days       int
	}{
		{time.Date(2017, 8, 15, 0, 0, 0, 0, time.UTC), 0, "20170701", 31},
		{time.Date(2017, 8, 15, 0, 0, 0, 0, time.UTC), 1, "20170601", 30},
		{time.Date(2017, 3, 31, 0, 0, 0, 0, time.UTC), 0, "20170201", 28},
		{time.Date(2016, 3, 1, 0, 0, 0, 0, time.UTC), 0, "20160201", 29},
		{time.Date(2017, 1, 10, 0, 0, 0, 0, time.UTC), 0, "20161201", 31},
		{time.Date(2017, 1, 10, 0, 0, 0, 0, time.UTC), 13, "20151101", 30},
	}
	for _, c := range cases {
		var start, days = trafficMonth(c.today, c.monthRange)
		require.Equal(t, c.start, start, "today %s range %d", c.today, c.monthRange)
		require.Equal(t, c.days, days, "today %s range %d", c.today, c.monthRange)
	}
}

func fixtureServer(captured *url.Values) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*captured = r.URL.Query()
		fmt.Fprint(w, `<?xml version="1.0"?><aws:Response></aws:Response>`)
	}))
}

func TestUrlInfoSingleDomain(t *testing.T) {
	var captured url.Values
	var server = fixtureServer(&captured)
	defer server.Close()

	var client = testClient()
	client.BaseURL = server.URL + "/"

	var body, err = client.UrlInfo(context.Background(), []string{"google.com.au"})
	require.NoError(t, err)
	require.Contains(t, string(body), "aws:Response")

	require.Equal(t, "UrlInfo", captured.Get("Action"))
	require.Equal(t, "google.com.au", captured.Get("Url"))
	require.Contains(t, captured.Get("ResponseGroup"), "RankByCountry")
	require.Equal(t, "2017-03-23T00:00:00.000Z", captured.Get("Timestamp"))
	require.NotEmpty(t, captured.Get("Signature"))
}

func TestUrlInfoBatch(t *testing.T) {
	var captured url.Values
	var server = fixtureServer(&captured)
	defer server.Close()

	var client = testClient()
	client.BaseURL = server.URL + "/"

	var _, err = client.UrlInfo(context.Background(),
		[]string{"google.com.au", "feedblitz.com"})
	require.NoError(t, err)

	require.Empty(t, captured.Get("Url"))
	require.Equal(t, "google.com.au", captured.Get("UrlInfo.1.Url"))
	require.Equal(t, "feedblitz.com", captured.Get("UrlInfo.2.Url"))
	require.Contains(t, captured.Get("UrlInfo.Shared.ResponseGroup"), "SiteData")
}

func TestUrlInfoBatchLimit(t *testing.T) {
	var domains = []string{"a.com", "b.com", "c.com", "d.com", "e.com", "f.com"}
	var _, err = testClient().UrlInfo(context.Background(), domains)
	require.Error(t, err)

	_, err = testClient().UrlInfo(context.Background(), nil)
	require.Error(t, err)
}

func TestSitesLinkingInPaging(t *testing.T) {
	var captured url.Values
	var server = fixtureServer(&captured)
	defer server.Close()

	var client = testClient()
	client.BaseURL = server.URL + "/"

	var _, err = client.SitesLinkingIn(context.Background(), "feedblitz.com", 40)
	require.NoError(t, err)

	require.Equal(t, "SitesLinkingIn", captured.Get("Action"))
	require.Equal(t, "feedblitz.com", captured.Get("Url"))
	require.Equal(t, "SitesLinkingIn", captured.Get("ResponseGroup"))
	require.Equal(t, "20", captured.Get("Count"))
	require.Equal(t, "40", captured.Get("Start"))
}

func TestTrafficHistoryQuery(t *testing.T) {
	var captured url.Values
	var server = fixtureServer(&captured)
	defer server.Close()

	var client = testClient()
	client.BaseURL = server.URL + "/"

	var _, err = client.TrafficHistory(context.Background(), "feedblitz.com", 0)
	require.NoError(t, err)

	require.Equal(t, "TrafficHistory", captured.Get("Action"))
	require.Equal(t, "History", captured.Get("ResponseGroup"))
	require.Equal(t, "20170201", captured.Get("Start"))
	require.Equal(t, "28", captured.Get("Range"))
}

func TestRequestRetriesThenFails(t *testing.T) {
	var hits int
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "throttled", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	var client = testClient()
	client.BaseURL = server.URL + "/"

	var _, err = client.SitesLinkingIn(context.Background(), "feedblitz.com", 0)
	require.ErrorIs(t, err, ErrRequestFailed)
	require.Equal(t, 3, hits)
}
