package geodns

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrCompassServer marks a failed compass lookup. Callers treat it as
// retryable.
var ErrCompassServer = errors.New("compass lookup failed")

// ErrCompassEmptyResponse means compass knows no routes for the
// address. An ordinary outcome, not a server failure.
var ErrCompassEmptyResponse = errors.New("compass returned no routes")

const defaultCompassURL = "https://api.ip-echelon.com/compass/verbose_lookup"

// Compass is the verbose-lookup geolocation client.
type Compass struct {
	Username string
	Password string
	// URL overrides the service endpoint in tests.
	URL        string
	HTTPClient *http.Client
}

// NewCompass returns a client against the production endpoint.
func NewCompass(username, password string) *Compass {
	return &Compass{
		Username:   username,
		Password:   password,
		URL:        defaultCompassURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Resolve looks an address up at a point in time (zero epoch means
// now) and returns its geolocation attributes.
func (c *Compass) Resolve(ctx context.Context, addr string, epoch int64) (map[string]interface{}, error) {
	if epoch == 0 {
		epoch = time.Now().Unix()
	}
	log.WithField("addr", addr).Debug("compass requesting")

	var payload, err = json.Marshal(map[string]interface{}{
		"ip":   addr,
		"time": epoch,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompassServer, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompassServer, err)
	}
	req.SetBasicAuth(c.Username, c.Password)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompassServer, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrCompassServer, err)
	}

	// The no-routes error is checked before the status: compass
	// reports it cleanly even on error statuses.
	var result map[string]interface{}
	if err = json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: deserialising response %q: %v", ErrCompassServer, body, err)
	}
	if msg, _ := result["Error"].(string); msg == "no routes" {
		return nil, ErrCompassEmptyResponse
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrCompassServer, resp.StatusCode, body)
	}
	return result, nil
}
