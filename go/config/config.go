// Package config loads the single JSON configuration document shared by
// every Domain Intel binary and stage.
//
// The document is searched for in order:
//
//  1. the path named by the DIS_CONF environment variable,
//  2. the system directory /etc/domainintel,
//  3. the development file config/dev.json.
//
// A directory path implies a config.json file inside it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// EnvVar names the environment variable holding an explicit config path.
const EnvVar = "DIS_CONF"

const systemDir = "/etc/domainintel"

// Config is the parsed configuration document.
type Config struct {
	// BootstrapServers is the broker address list.
	BootstrapServers []string `json:"bootstrap_servers"`
	// TimeoutMS bounds a consumer poll, in milliseconds.
	TimeoutMS int `json:"timeout"`
	// Threads is the per-stage worker count.
	Threads int `json:"threads"`
	// Topics is a comma-separated "name:partitions:replication" list,
	// used for bootstrap readiness checks.
	Topics string `json:"topics"`

	ArangoHost     string `json:"arango_host"`
	ArangoPort     int    `json:"arango_port"`
	ArangoUsername string `json:"arango_username"`
	ArangoPassword string `json:"arango_password"`

	AWIS struct {
		AccessKeyID     string `json:"access_key_id"`
		SecretAccessKey string `json:"secret_access_key"`
	} `json:"awis"`

	GeoDNS struct {
		Compass struct {
			Username string `json:"username"`
			Password string `json:"password"`
		} `json:"compass"`
	} `json:"geodns"`
}

// Topic is one entry of the bootstrap topic list.
type Topic struct {
	Name        string
	Partitions  int
	Replication int
}

// Load discovers and parses the configuration document.
func Load() (*Config, error) {
	var locations = []string{os.Getenv(EnvVar), systemDir, filepath.Join("config", "dev.json")}

	for _, location := range locations {
		if location == "" {
			continue
		}
		var path = location
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			path = filepath.Join(path, "config.json")
		}

		var raw, err = os.ReadFile(path)
		if err != nil {
			// Not a problem: the source simply doesn't exist.
			continue
		}
		log.WithField("path", path).Info("sourcing config")

		var cfg = &Config{TimeoutMS: 10000, Threads: 1}
		if err = json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
		return cfg, nil
	}
	return nil, fmt.Errorf("no config file found in locations: %s",
		strings.Join(locations, ", "))
}

// TopicList parses the Topics field. Malformed entries carry through with
// zero partition/replication counts rather than failing the load.
func (c *Config) TopicList() []Topic {
	var out []Topic
	for _, entry := range strings.Split(c.Topics, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		var topic = Topic{Name: entry, Partitions: 1, Replication: 1}
		if parts := strings.Split(entry, ":"); len(parts) == 3 {
			topic.Name = parts[0]
			if n, err := strconv.Atoi(parts[1]); err == nil {
				topic.Partitions = n
			}
			if n, err := strconv.Atoi(parts[2]); err == nil {
				topic.Replication = n
			}
		}
		out = append(out, topic)
	}
	return out
}
