// Package awis is the Alexa Web Information Service client: signature
// v2 request signing plus the UrlInfo, SitesLinkingIn and
// TrafficHistory actions the pipeline sources its raw XML from.
package awis

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ipechelon/domain-intel/go/config"
)

// ErrRequestFailed marks an exhausted AWIS call. Callers treat it as
// retryable.
var ErrRequestFailed = errors.New("awis request failed")

const (
	host             = "awis.amazonaws.com"
	path             = "/"
	signatureMethod  = "HmacSHA1"
	signatureVersion = "2"
	timestampLayout  = "2006-01-02T15:04:05.000Z"

	// MaxBatchRequests bounds the domains of one UrlInfo call.
	MaxBatchRequests = 5
	// SitesLinkingInCount is the page size of a SitesLinkingIn call.
	SitesLinkingInCount = 20

	requestTries = 3
)

// urlInfoResponseGroups are the groups requested of every UrlInfo call.
var urlInfoResponseGroups = []string{
	"RelatedLinks",
	"Categories",
	"Rank",
	"RankByCountry",
	"UsageStats",
	"AdultContent",
	"Speed",
	"Language",
	"OwnedDomains",
	"LinksInCount",
	"SiteData",
}

// Client signs and issues AWIS action requests.
type Client struct {
	accessKeyID     string
	secretAccessKey string

	// BaseURL overrides the service endpoint in tests.
	BaseURL    string
	HTTPClient *http.Client

	// Now stands in for the wall clock in tests.
	Now func() time.Time
}

// NewClient builds a client from configuration.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		accessKeyID:     cfg.AWIS.AccessKeyID,
		secretAccessKey: cfg.AWIS.SecretAccessKey,
		BaseURL:         "http://" + host + path,
		HTTPClient:      &http.Client{Timeout: 30 * time.Second},
		Now:             time.Now,
	}
}

// Signature is the signature v2 HMAC-SHA1 of the canonical query,
// base64 encoded.
func (c *Client) Signature(params url.Values) string {
	var preSigned = strings.Join([]string{
		http.MethodGet,
		host,
		path,
		params.Encode(),
	}, "\n")

	var mac = hmac.New(sha1.New, []byte(c.secretAccessKey))
	mac.Write([]byte(preSigned))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// BuildURL completes the action parameters with the authentication
// fields and signature, and returns the full request URL.
func (c *Client) BuildURL(params url.Values) string {
	params.Set("AWSAccessKeyId", c.accessKeyID)
	params.Set("SignatureMethod", signatureMethod)
	params.Set("SignatureVersion", signatureVersion)
	params.Set("Timestamp", c.Now().UTC().Format(timestampLayout))
	params.Set("Signature", c.Signature(params))
	return c.BaseURL + "?" + params.Encode()
}

// request fetches a signed URL, allowing a few failures before giving
// up.
func (c *Client) request(ctx context.Context, signedURL string) ([]byte, error) {
	for attempt := 1; attempt <= requestTries; attempt++ {
		log.WithFields(log.Fields{
			"attempt": attempt,
			"tries":   requestTries,
		}).Debug("awis request")

		var body, err = c.fetch(ctx, signedURL)
		if err == nil {
			return body, nil
		}
		log.WithField("error", err).Error("awis request failed")
		if ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: all %d tries failed", ErrRequestFailed, requestTries)
}

func (c *Client) fetch(ctx context.Context, signedURL string) ([]byte, error) {
	var req, err = http.NewRequestWithContext(ctx, http.MethodGet, signedURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	return body, nil
}
