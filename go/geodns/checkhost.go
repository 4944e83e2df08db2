// Package geodns resolves a domain's DNS records from geographically
// dispersed vantage points and attaches per-address geolocation.
package geodns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrCheckHostNet marks a failed check-host.net call. Callers treat it
// as retryable.
var ErrCheckHostNet = errors.New("check-host.net request failed")

const (
	defaultCheckURL   = "https://check-host.net/check-dns?host=https://%s&max_nodes=%d"
	defaultResultsURL = "https://check-host.net/check-result/%s"
)

// CheckHostNetResult holds the raw responses of the two-phase lookup:
// the check call that schedules the probe and the result call keyed by
// the returned request id. Raw bytes are kept so downstream stages can
// re-parse on their own schedule.
type CheckHostNetResult struct {
	Domain        string `json:"domain"`
	CheckResult   []byte `json:"check_result"`
	ResultsResult []byte `json:"results_result"`
}

// Marshal encodes the result for transport.
func (r *CheckHostNetResult) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// CheckHostNetResultFromJSON decodes a transported result.
func CheckHostNetResultFromJSON(record []byte) (*CheckHostNetResult, error) {
	var r CheckHostNetResult
	if err := json.Unmarshal(record, &r); err != nil {
		return nil, fmt.Errorf("deserialising check-host.net result: %w", err)
	}
	return &r, nil
}

// CheckHostNet is the check-host.net client.
type CheckHostNet struct {
	// CheckURL and ResultsURL override the service endpoints in tests.
	CheckURL   string
	ResultsURL string
	HTTPClient *http.Client
}

// NewCheckHostNet returns a client against the public service.
func NewCheckHostNet() *CheckHostNet {
	return &CheckHostNet{
		CheckURL:   defaultCheckURL,
		ResultsURL: defaultResultsURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ResolveDNS schedules a DNS probe across up to maxNodes vantage
// points and fetches its result.
func (c *CheckHostNet) ResolveDNS(ctx context.Context, domain string, maxNodes int) (*CheckHostNetResult, error) {
	var checkBody, err = c.get(ctx, fmt.Sprintf(c.CheckURL, domain, maxNodes))
	if err != nil {
		return nil, err
	}

	var check struct {
		RequestID string `json:"request_id"`
	}
	if err = json.Unmarshal(checkBody, &check); err != nil {
		return nil, fmt.Errorf("%w: deserialising check response: %v", ErrCheckHostNet, err)
	}

	resultsBody, err := c.get(ctx, fmt.Sprintf(c.ResultsURL, check.RequestID))
	if err != nil {
		return nil, err
	}
	return &CheckHostNetResult{
		Domain:        domain,
		CheckResult:   checkBody,
		ResultsResult: resultsBody,
	}, nil
}

func (c *CheckHostNet) get(ctx context.Context, url string) ([]byte, error) {
	log.WithField("url", url).Debug("requesting check backend")

	var req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckHostNet, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckHostNet, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrCheckHostNet, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d from %s", ErrCheckHostNet, resp.StatusCode, url)
	}
	return body, nil
}
