package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ipechelon/domain-intel/go/config"
)

func testStore(t *testing.T) *Store {
	var cfg = &config.Config{ArangoHost: "localhost", ArangoPort: 8529}
	var s, err = NewStore(cfg, "")
	require.NoError(t, err)
	require.Equal(t, DefaultDatabase, s.DatabaseName())
	return s
}

func TestGraphShape(t *testing.T) {
	require.Len(t, VertexCollections, 11)
	require.Len(t, EdgeDefinitions, 8)

	// Every edge definition spans declared vertex collections.
	var declared = map[string]bool{}
	for _, name := range VertexCollections {
		declared[name] = true
	}
	for _, def := range EdgeDefinitions {
		require.True(t, declared[def.From[0]], def.Collection)
		require.True(t, declared[def.To[0]], def.Collection)
	}

	// Payload collections hang off the graph without edges of their own.
	require.False(t, spannedByEdge("url-info"))
	require.False(t, spannedByEdge("geodns"))
	require.True(t, spannedByEdge("domain"))
	require.True(t, spannedByEdge("analyst-qas"))
}

func TestDryInsertsTouchNothing(t *testing.T) {
	// No server is listening; a dry insert must still report created.
	var s = testStore(t)

	var created, err = s.InsertVertex(context.Background(), "domain",
		Doc{"_key": "feedblitz.com", "rank": 53960}, true)
	require.NoError(t, err)
	require.True(t, created)

	created, err = s.InsertEdge(context.Background(), "ranked",
		Doc{"_key": "feedblitz.com:US", "_from": "domain/feedblitz.com", "_to": "country/US"}, true)
	require.NoError(t, err)
	require.True(t, created)
}

func TestPersistCountryCodesDry(t *testing.T) {
	var s = testStore(t)

	var created, err = s.PersistCountryCodes(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, 249, created)
}

func TestTraverseMalformedSeed(t *testing.T) {
	var s = testStore(t)

	for _, seed := range []string{"", "feedblitz.com", "domain/", "/feedblitz.com"} {
		var _, err = s.Traverse(context.Background(), seed)
		require.ErrorIs(t, err, ErrTraverseFailed, seed)
	}
}
