package awis

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// UrlInfo fetches traffic, content and related-site information for up
// to MaxBatchRequests domains in one call. A single domain uses the
// plain Url parameter; a batch uses the numbered batch form.
func (c *Client) UrlInfo(ctx context.Context, domains []string) ([]byte, error) {
	if len(domains) == 0 {
		return nil, fmt.Errorf("urlinfo: no domains given")
	}
	if len(domains) > MaxBatchRequests {
		return nil, fmt.Errorf("urlinfo: %d domains exceeds the batch limit of %d",
			len(domains), MaxBatchRequests)
	}
	log.WithField("domains", domains).Info("awis urlinfo")

	var groups = strings.Join(urlInfoResponseGroups, ",")
	var params = url.Values{"Action": {"UrlInfo"}}
	if len(domains) == 1 {
		params.Set("Url", domains[0])
		params.Set("ResponseGroup", groups)
	} else {
		params.Set("UrlInfo.Shared.ResponseGroup", groups)
		for i, domain := range domains {
			params.Set(fmt.Sprintf("UrlInfo.%d.Url", i+1), domain)
		}
	}
	return c.request(ctx, c.BuildURL(params))
}

// SitesLinkingIn fetches one page of sites linking to the domain,
// SitesLinkingInCount entries from the start offset.
func (c *Client) SitesLinkingIn(ctx context.Context, domain string, start int) ([]byte, error) {
	log.WithFields(log.Fields{
		"domain": domain,
		"start":  start,
	}).Info("awis siteslinkingin")

	var params = url.Values{
		"Action":        {"SitesLinkingIn"},
		"Url":           {domain},
		"ResponseGroup": {"SitesLinkingIn"},
		"Count":         {strconv.Itoa(SitesLinkingInCount)},
		"Start":         {strconv.Itoa(start)},
	}
	return c.request(ctx, c.BuildURL(params))
}

// TrafficHistory fetches the domain's daily traffic metrics for a full
// calendar month: last month by default, or monthRange months further
// back.
func (c *Client) TrafficHistory(ctx context.Context, domain string, monthRange int) ([]byte, error) {
	log.WithField("domain", domain).Info("awis traffichistory")

	var start, days = trafficMonth(c.Now().UTC(), monthRange)
	var params = url.Values{
		"Action":        {"TrafficHistory"},
		"Url":           {domain},
		"ResponseGroup": {"History"},
		"Range":         {strconv.Itoa(days)},
		"Start":         {start},
	}
	return c.request(ctx, c.BuildURL(params))
}

// trafficMonth resolves the month monthRange+1 months before today to
// its first day ("yyyymm01") and its day count.
func trafficMonth(today time.Time, monthRange int) (start string, days int) {
	var year, month, _ = today.Date()

	// Month arithmetic on year/month alone avoids the day-of-month
	// normalisation surprises of AddDate.
	var months = year*12 + int(month) - 1 - 1 - monthRange
	year, month = months/12, time.Month(months%12+1)

	var lastDay = time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
	return fmt.Sprintf("%04d%02d01", year, month), lastDay.Day()
}
