// Package store adapts the ArangoDB property graph holding enriched
// domain intelligence. All inserts are keyed on content so replays and
// concurrent writers collide benignly.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	driver "github.com/arangodb/go-driver"
	arangohttp "github.com/arangodb/go-driver/http"
	"github.com/cenkalti/backoff/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/ipechelon/domain-intel/go/config"
	"github.com/ipechelon/domain-intel/go/countries"
)

const (
	// DefaultDatabase is the database holding the production graph.
	DefaultDatabase = "ipe"
	// GraphName is the named graph spanning all collections.
	GraphName = "domain-intel"

	// recentInsertSize bounds the recently-inserted key cache.
	recentInsertSize = 4096
	// versionAttempts bounds readiness probes against a starting server.
	versionAttempts = 15
)

// ErrTraverseFailed is returned by Traverse when the seed vertex does
// not exist.
var ErrTraverseFailed = errors.New("traverse failed: seed vertex not found")

// VertexCollections enumerates the graph's vertex collections.
var VertexCollections = []string{
	"url-info",
	"geodns",
	"domain",
	"country",
	"link",
	"subdomain",
	"url",
	"ipv4",
	"ipv6",
	"traffic",
	"analyst-qas",
}

// EdgeDefinitions enumerates the typed edge collections and the vertex
// collections they span.
var EdgeDefinitions = []driver.EdgeDefinition{
	{Collection: "ranked", From: []string{"domain"}, To: []string{"country"}},
	{Collection: "related", From: []string{"domain"}, To: []string{"link"}},
	{Collection: "contribute", From: []string{"subdomain"}, To: []string{"domain"}},
	{Collection: "links_into", From: []string{"url"}, To: []string{"domain"}},
	{Collection: "ipv4_resolves", From: []string{"domain"}, To: []string{"ipv4"}},
	{Collection: "ipv6_resolves", From: []string{"domain"}, To: []string{"ipv6"}},
	{Collection: "visit", From: []string{"traffic"}, To: []string{"domain"}},
	{Collection: "marked", From: []string{"domain"}, To: []string{"analyst-qas"}},
}

// Doc is a graph document payload. Vertex docs carry "_key"; edge docs
// additionally carry "_from" and "_to".
type Doc map[string]interface{}

// Traversal is the result of a one-hop walk: the visited vertices (seed
// first) and the walked paths, where the first path is the trivial path
// holding only the seed.
type Traversal struct {
	Vertices []Doc  `json:"vertices"`
	Paths    []Path `json:"paths"`
}

// Path is one walked path in traversal order.
type Path struct {
	Edges    []Doc `json:"edges"`
	Vertices []Doc `json:"vertices"`
}

// Store is a handle on one graph database. It is safe for concurrent
// use by multiple persist workers.
type Store struct {
	client       driver.Client
	databaseName string
	recent       *lru.Cache[string, struct{}]

	mu    sync.Mutex
	db    driver.Database
	graph driver.Graph
}

// NewStore connects to the configured server. An empty database name
// selects DefaultDatabase. The connection is lazy: the database and
// graph are opened on first use.
func NewStore(cfg *config.Config, database string) (*Store, error) {
	if database == "" {
		database = DefaultDatabase
	}
	var conn, err = arangohttp.NewConnection(arangohttp.ConnectionConfig{
		Endpoints: []string{
			fmt.Sprintf("http://%s:%d", cfg.ArangoHost, cfg.ArangoPort),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("building store connection: %w", err)
	}
	client, err := driver.NewClient(driver.ClientConfig{
		Connection:     conn,
		Authentication: driver.BasicAuthentication(cfg.ArangoUsername, cfg.ArangoPassword),
	})
	if err != nil {
		return nil, fmt.Errorf("building store client: %w", err)
	}
	recent, err := lru.New[string, struct{}](recentInsertSize)
	if err != nil {
		return nil, err
	}
	return &Store{client: client, databaseName: database, recent: recent}, nil
}

// DatabaseName is the database this handle addresses.
func (s *Store) DatabaseName() string { return s.databaseName }

// Version probes the server, retrying with exponential backoff while it
// is still starting. Doubles as a health check.
func (s *Store) Version(ctx context.Context) (string, error) {
	var info, err = backoff.Retry(ctx, func() (driver.VersionInfo, error) {
		var info, err = s.client.Version(ctx)
		if err != nil {
			log.WithField("error", err).Warn("store not reachable; backing off")
		}
		return info, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(versionAttempts),
	)
	if err != nil {
		return "", fmt.Errorf("probing store version: %w", err)
	}
	log.WithField("version", info.Version).Info("store ready")
	return string(info.Version), nil
}

// Initialise creates the database when missing. A duplicate-exists
// response is success. Returns the names of databases newly created.
func (s *Store) Initialise(ctx context.Context) ([]string, error) {
	log.WithField("database", s.databaseName).Info("creating database")

	var _, err = s.client.CreateDatabase(ctx, s.databaseName, nil)
	if driver.IsConflict(err) {
		log.WithField("database", s.databaseName).Warn("database already exists")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("creating database %s: %w", s.databaseName, err)
	}
	return []string{s.databaseName}, nil
}

// BuildGraph creates the named graph, its vertex collections and edge
// definitions. Idempotent: a second run finds everything in place and
// returns an empty created list.
func (s *Store) BuildGraph(ctx context.Context) ([]string, error) {
	var db, err = s.database(ctx)
	if err != nil {
		return nil, err
	}

	var exists bool
	if exists, err = db.GraphExists(ctx, GraphName); err != nil {
		return nil, fmt.Errorf("checking graph %s: %w", GraphName, err)
	}
	if !exists {
		var orphans []string
		for _, name := range VertexCollections {
			if !spannedByEdge(name) {
				orphans = append(orphans, name)
			}
		}
		_, err = db.CreateGraph(ctx, GraphName, &driver.CreateGraphOptions{
			EdgeDefinitions:         EdgeDefinitions,
			OrphanVertexCollections: orphans,
		})
		if err != nil && !driver.IsConflict(err) {
			return nil, fmt.Errorf("creating graph %s: %w", GraphName, err)
		}
		if err == nil {
			log.WithField("graph", GraphName).Info("graph created")
			return append([]string{}, VertexCollections...), nil
		}
	}

	// The graph already exists. Fill in any vertex collection dropped
	// since the last build.
	var graph driver.Graph
	if graph, err = db.Graph(ctx, GraphName); err != nil {
		return nil, fmt.Errorf("opening graph %s: %w", GraphName, err)
	}
	var created []string
	for _, name := range VertexCollections {
		var have bool
		if have, err = db.CollectionExists(ctx, name); err != nil {
			return nil, fmt.Errorf("checking collection %s: %w", name, err)
		}
		if have {
			continue
		}
		if _, err = graph.CreateVertexCollection(ctx, name); err != nil && !driver.IsConflict(err) {
			return nil, fmt.Errorf("creating collection %s: %w", name, err)
		}
		created = append(created, name)
	}
	return created, nil
}

func spannedByEdge(collection string) bool {
	for _, def := range EdgeDefinitions {
		if def.From[0] == collection || def.To[0] == collection {
			return true
		}
	}
	return false
}

// InsertVertex inserts doc into the named vertex collection under its
// "_key". Returns true iff a new row was created: duplicate keys are
// logged and reported as not created, never raised.
func (s *Store) InsertVertex(ctx context.Context, collection string, doc Doc, dry bool) (bool, error) {
	return s.insert(ctx, collection, doc, dry, func() (driver.Collection, error) {
		var graph, err = s.graphHandle(ctx)
		if err != nil {
			return nil, err
		}
		return graph.VertexCollection(ctx, collection)
	})
}

// InsertEdge is InsertVertex for a typed edge collection. The doc must
// carry "_from" and "_to" vertex ids.
func (s *Store) InsertEdge(ctx context.Context, edge string, doc Doc, dry bool) (bool, error) {
	return s.insert(ctx, edge, doc, dry, func() (driver.Collection, error) {
		var graph, err = s.graphHandle(ctx)
		if err != nil {
			return nil, err
		}
		var col, _, colErr = graph.EdgeCollection(ctx, edge)
		return col, colErr
	})
}

func (s *Store) insert(
	ctx context.Context,
	collection string,
	doc Doc,
	dry bool,
	open func() (driver.Collection, error),
) (bool, error) {
	var key, _ = doc["_key"].(string)
	var logger = log.WithFields(log.Fields{
		"collection": collection,
		"key":        key,
	})
	logger.Info("inserting document")

	if dry {
		return true, nil
	}

	// A key inserted moments ago by this process cannot create a row.
	var cacheKey = collection + "/" + key
	if key != "" && s.recent.Contains(cacheKey) {
		logger.Debug("duplicate key, recently inserted")
		return false, nil
	}

	var col, err = open()
	if err != nil {
		return false, fmt.Errorf("opening collection %s: %w", collection, err)
	}
	if _, err = col.CreateDocument(ctx, doc); err != nil {
		if driver.IsConflict(err) {
			logger.WithField("error", err).Warn("duplicate key, not created")
			s.cacheKey(cacheKey, key)
			return false, nil
		}
		return false, fmt.Errorf("inserting into %s: %w", collection, err)
	}
	s.cacheKey(cacheKey, key)
	return true, nil
}

func (s *Store) cacheKey(cacheKey, key string) {
	if key != "" {
		s.recent.Add(cacheKey, struct{}{})
	}
}

// Count returns the exact row count of a collection.
func (s *Store) Count(ctx context.Context, collection string) (int64, error) {
	var db, err = s.database(ctx)
	if err != nil {
		return 0, err
	}
	col, err := db.Collection(ctx, collection)
	if err != nil {
		return 0, fmt.Errorf("opening collection %s: %w", collection, err)
	}
	count, err := col.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", collection, err)
	}
	return count, nil
}

// Traverse walks one hop in any direction from the seed vertex id
// (for example "domain/feedblitz.com") and returns the visited
// vertices and paths. The seed leads the vertex list and the trivial
// seed-only path leads the path list. Returns ErrTraverseFailed when
// the seed does not exist.
func (s *Store) Traverse(ctx context.Context, seedID string) (*Traversal, error) {
	var parts = strings.SplitN(seedID, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: malformed id %q", ErrTraverseFailed, seedID)
	}

	var db, err = s.database(ctx)
	if err != nil {
		return nil, err
	}
	col, err := db.Collection(ctx, parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTraverseFailed, seedID)
	}
	exists, err := col.DocumentExists(ctx, parts[1])
	if err != nil {
		return nil, fmt.Errorf("checking seed %s: %w", seedID, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTraverseFailed, seedID)
	}

	var seed Doc
	if _, err = col.ReadDocument(ctx, parts[1], &seed); err != nil {
		return nil, fmt.Errorf("reading seed %s: %w", seedID, err)
	}

	var query = fmt.Sprintf(
		`FOR v, e IN 1..1 ANY @seed GRAPH %q RETURN {vertex: v, edge: e}`, GraphName)
	cursor, err := db.Query(ctx, query, map[string]interface{}{"seed": seedID})
	if err != nil {
		return nil, fmt.Errorf("traversing %s: %w", seedID, err)
	}
	defer cursor.Close()

	var result = &Traversal{
		Vertices: []Doc{seed},
		Paths:    []Path{{Edges: []Doc{}, Vertices: []Doc{seed}}},
	}
	var seen = map[string]bool{fmt.Sprint(seed["_id"]): true}
	for {
		var row struct {
			Vertex Doc `json:"vertex"`
			Edge   Doc `json:"edge"`
		}
		if _, err = cursor.ReadDocument(ctx, &row); driver.IsNoMoreDocuments(err) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("reading traversal of %s: %w", seedID, err)
		}

		if id := fmt.Sprint(row.Vertex["_id"]); !seen[id] {
			seen[id] = true
			result.Vertices = append(result.Vertices, row.Vertex)
		}
		result.Paths = append(result.Paths, Path{
			Edges:    []Doc{row.Edge},
			Vertices: []Doc{seed, row.Vertex},
		})
	}
	return result, nil
}

// ExportIDs streams every "_id" of a collection to emit, in store
// order. Used to fan domain labels back onto the pipeline.
func (s *Store) ExportIDs(ctx context.Context, collection string, emit func(id string) error) error {
	var db, err = s.database(ctx)
	if err != nil {
		return err
	}
	log.WithField("collection", collection).Info("exporting collection labels")

	cursor, err := db.Query(ctx,
		"FOR d IN @@collection RETURN d._id",
		map[string]interface{}{"@collection": collection})
	if err != nil {
		return fmt.Errorf("exporting %s: %w", collection, err)
	}
	defer cursor.Close()

	for {
		var id string
		if _, err = cursor.ReadDocument(ctx, &id); driver.IsNoMoreDocuments(err) {
			return nil
		} else if err != nil {
			return fmt.Errorf("reading export of %s: %w", collection, err)
		}
		if err = emit(id); err != nil {
			return err
		}
	}
}

// PersistCountryCodes seeds the country collection from the embedded
// ISO-3166 table. Returns the number of rows newly created.
func (s *Store) PersistCountryCodes(ctx context.Context, dry bool) (int, error) {
	var created int
	for code, name := range countries.Codes() {
		var ok, err = s.InsertVertex(ctx, "country", Doc{
			"_key": strings.ToUpper(code),
			"name": name,
		}, dry)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// DropDatabase removes the whole database. Destructive; test use only.
func (s *Store) DropDatabase(ctx context.Context) error {
	var db, err = s.database(ctx)
	if err != nil {
		return err
	}
	log.WithField("database", s.databaseName).Info("deleting database")
	if err = db.Remove(ctx); err != nil {
		return fmt.Errorf("deleting database %s: %w", s.databaseName, err)
	}
	s.mu.Lock()
	s.db, s.graph = nil, nil
	s.mu.Unlock()
	s.recent.Purge()
	return nil
}

func (s *Store) database(ctx context.Context) (driver.Database, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	var db, err = s.client.Database(ctx, s.databaseName)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", s.databaseName, err)
	}
	s.db = db
	return db, nil
}

// graphHandle opens the named graph, creating it on first use the same
// way BuildGraph would.
func (s *Store) graphHandle(ctx context.Context) (driver.Graph, error) {
	s.mu.Lock()
	var cached = s.graph
	s.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	if _, err := s.BuildGraph(ctx); err != nil {
		return nil, err
	}
	var db, err = s.database(ctx)
	if err != nil {
		return nil, err
	}
	graph, err := db.Graph(ctx, GraphName)
	if err != nil {
		return nil, fmt.Errorf("opening graph %s: %w", GraphName, err)
	}
	s.mu.Lock()
	s.graph = graph
	s.mu.Unlock()
	return graph, nil
}

// WaitHealthy blocks until the server answers a version probe or the
// context expires.
func (s *Store) WaitHealthy(ctx context.Context, timeout time.Duration) error {
	var probeCtx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()
	var _, err = s.Version(probeCtx)
	return err
}
