package registry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	deperr "github.com/mbaxter/depot/internal/errors"
	"github.com/mbaxter/depot/internal/models"
	"github.com/mbaxter/depot/internal/store"
)

type fakeTokenCache struct {
	mu      sync.Mutex
	cleared []string
}

func (f *fakeTokenCache) ClearConnection(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cleared = append(f.cleared, id)
}

// fakeVerifier reports success or failure per connection name.
type fakeVerifier struct {
	mu     sync.Mutex
	calls  []string
	verify func(conn models.Connection) (bool, error)
}

func (f *fakeVerifier) VerifyWithRetry(_ context.Context, conn models.Connection, _ models.SecretBundle) (bool, error) {
	f.mu.Lock()
	f.calls = append(f.calls, conn.ID)
	f.mu.Unlock()

	if f.verify == nil {
		return true, nil
	}

	return f.verify(conn)
}

func testRegistry(t *testing.T) (*Registry, *store.Store, *fakeTokenCache, *fakeVerifier) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "depot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tokens := &fakeTokenCache{}
	verifier := &fakeVerifier{}
	reg := New(st, tokens, verifier, slog.New(slog.DiscardHandler))

	return reg, st, tokens, verifier
}

func basicCreds(name string) models.Credentials {
	return models.Credentials{
		Connection: models.Connection{
			Name:     name,
			URL:      "https://" + name + ".example.com",
			AuthType: models.AuthBasic,
		},
		Secret: models.SecretBundle{
			Basic: &models.BasicSecret{Username: "user", Password: "pass"},
		},
	}
}

// --- save / load ---

func TestSaveAndLoadCredentials(t *testing.T) {
	reg, _, _, _ := testRegistry(t)

	id, err := reg.SaveCredentials(basicCreds("alpha"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	creds, err := reg.LoadCredentials(id)
	require.NoError(t, err)
	assert.Equal(t, "alpha", creds.Name)
	assert.Equal(t, "user", creds.Secret.Basic.Username)
}

func TestLoadCredentials_Unknown(t *testing.T) {
	reg, _, _, _ := testRegistry(t)

	_, err := reg.LoadCredentials("nope")
	assert.ErrorIs(t, err, deperr.ErrNotFound)
}

func TestLoadConnections_MostRecentFirst(t *testing.T) {
	reg, st, _, _ := testRegistry(t)

	idOld, err := reg.SaveCredentials(basicCreds("old"))
	require.NoError(t, err)
	idNew, err := reg.SaveCredentials(basicCreds("new"))
	require.NoError(t, err)
	_, err = reg.SaveCredentials(basicCreds("never"))
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, st.TouchLastConnected(idOld, now.Add(-time.Hour)))
	require.NoError(t, st.TouchLastConnected(idNew, now))

	conns, err := reg.LoadConnections()
	require.NoError(t, err)
	require.Len(t, conns, 3)
	assert.Equal(t, "new", conns[0].Name)
	assert.Equal(t, "old", conns[1].Name)
	assert.Equal(t, "never", conns[2].Name)
}

func TestLoadConnections_TiesSortByName(t *testing.T) {
	reg, _, _, _ := testRegistry(t)

	for _, name := range []string{"charlie", "alpha", "bravo"} {
		_, err := reg.SaveCredentials(basicCreds(name))
		require.NoError(t, err)
	}

	conns, err := reg.LoadConnections()
	require.NoError(t, err)
	require.Len(t, conns, 3)
	assert.Equal(t, "alpha", conns[0].Name)
	assert.Equal(t, "bravo", conns[1].Name)
	assert.Equal(t, "charlie", conns[2].Name)
}

// --- delete ---

func TestDeleteCredentials_CascadesToTokenCache(t *testing.T) {
	reg, _, tokens, _ := testRegistry(t)

	id, err := reg.SaveCredentials(basicCreds("alpha"))
	require.NoError(t, err)

	existed, err := reg.DeleteCredentials(id)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, []string{id}, tokens.cleared)

	_, err = reg.LoadCredentials(id)
	assert.ErrorIs(t, err, deperr.ErrNotFound)
}

func TestDeleteCredentials_UnknownStillClearsCache(t *testing.T) {
	reg, _, tokens, _ := testRegistry(t)

	existed, err := reg.DeleteCredentials("ghost")
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, []string{"ghost"}, tokens.cleared)
}

// --- verification ---

func TestTestConnection_SuccessTouchesLastConnected(t *testing.T) {
	reg, st, _, _ := testRegistry(t)

	id, err := reg.SaveCredentials(basicCreds("alpha"))
	require.NoError(t, err)

	creds, err := reg.LoadCredentials(id)
	require.NoError(t, err)

	ok, err := reg.TestConnection(t.Context(), creds)
	require.NoError(t, err)
	assert.True(t, ok)

	conn, err := st.Get(id)
	require.NoError(t, err)
	assert.False(t, conn.LastConnectedAt.IsZero())
}

func TestTestConnection_FailureLeavesTimestampAlone(t *testing.T) {
	reg, st, _, verifier := testRegistry(t)
	verifier.verify = func(models.Connection) (bool, error) { return false, nil }

	id, err := reg.SaveCredentials(basicCreds("alpha"))
	require.NoError(t, err)

	creds, err := reg.LoadCredentials(id)
	require.NoError(t, err)

	ok, err := reg.TestConnection(t.Context(), creds)
	require.NoError(t, err)
	assert.False(t, ok)

	conn, err := st.Get(id)
	require.NoError(t, err)
	assert.True(t, conn.LastConnectedAt.IsZero())
}

func TestTestConnection_UnsavedRecordSkipsTouch(t *testing.T) {
	reg, _, _, _ := testRegistry(t)

	ok, err := reg.TestConnection(t.Context(), basicCreds("adhoc"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTestSaved_MissingSecret(t *testing.T) {
	reg, st, _, verifier := testRegistry(t)

	id, err := st.PutPublic(models.Connection{
		Name:     "half",
		URL:      "https://half.example.com",
		AuthType: models.AuthBasic,
	})
	require.NoError(t, err)

	ok, err := reg.TestSaved(t.Context(), id)
	assert.False(t, ok)
	assert.ErrorIs(t, err, deperr.ErrSecretMissing)
	assert.Empty(t, verifier.calls, "verifier must not run without a secret")
}

func TestTestAll_MixedResults(t *testing.T) {
	reg, _, _, verifier := testRegistry(t)

	goodID, err := reg.SaveCredentials(basicCreds("good"))
	require.NoError(t, err)
	badID, err := reg.SaveCredentials(basicCreds("bad"))
	require.NoError(t, err)

	verifier.verify = func(conn models.Connection) (bool, error) {
		return conn.ID == goodID, nil
	}

	results, err := reg.TestAll(t.Context())
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{goodID: true, badID: false}, results)
}

func TestTestAll_ErrorYieldsPartialResults(t *testing.T) {
	reg, _, _, verifier := testRegistry(t)

	id, err := reg.SaveCredentials(basicCreds("broken"))
	require.NoError(t, err)

	verifier.verify = func(models.Connection) (bool, error) {
		return false, errors.New("endpoint unreachable")
	}

	results, err := reg.TestAll(t.Context())
	require.Error(t, err)
	assert.Equal(t, map[string]bool{id: false}, results)
}

func TestTestAll_Empty(t *testing.T) {
	reg, _, _, _ := testRegistry(t)

	results, err := reg.TestAll(t.Context())
	require.NoError(t, err)
	assert.Empty(t, results)
}

// --- export / import ---

func TestExportImport_RoundTripPublicMetadata(t *testing.T) {
	reg, _, _, _ := testRegistry(t)

	id, err := reg.SaveCredentials(basicCreds("alpha"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, reg.ExportConnections(&buf))

	exported := buf.String()
	assert.Contains(t, exported, "alpha")
	assert.NotContains(t, exported, "pass", "secrets must never be exported")

	// Import into a fresh registry.
	dest, _, _, _ := testRegistry(t)

	n, err := dest.ImportConnections(&buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	conns, err := dest.LoadConnections()
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, id, conns[0].ID)
	assert.Equal(t, "alpha", conns[0].Name)

	// Imported records carry no secret until one is re-entered.
	_, err = dest.LoadCredentials(id)
	assert.ErrorIs(t, err, deperr.ErrSecretMissing)
}

func TestImportConnections_RejectsIncompleteRecord(t *testing.T) {
	reg, _, _, _ := testRegistry(t)

	doc := "connections:\n  - id: abc123\n    name: \"\"\n    url: https://x\n    auth_type: basic\n"

	_, err := reg.ImportConnections(bytes.NewBufferString(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name and url are required")
}

func TestImportConnections_MalformedYAML(t *testing.T) {
	reg, _, _, _ := testRegistry(t)

	_, err := reg.ImportConnections(bytes.NewBufferString("{not yaml"))
	require.Error(t, err)
}

// --- custom ids ---

func TestCustomIDPassthrough(t *testing.T) {
	reg, _, _, _ := testRegistry(t)

	id, err := reg.SaveCredentials(basicCreds("alpha"))
	require.NoError(t, err)

	require.NoError(t, reg.AddCatalogID(id, "cat-1"))
	require.NoError(t, reg.AddLibraryID(id, "lib-1"))

	ids, err := reg.CustomIDs(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat-1"}, ids.CatalogIDs)
	assert.Equal(t, []string{"lib-1"}, ids.LibraryIDs)

	require.NoError(t, reg.RemoveCatalogID(id, "cat-1"))

	ids, err = reg.CustomIDs(id)
	require.NoError(t, err)
	assert.Empty(t, ids.CatalogIDs)
}

// --- wipe ---

func TestWipe_ClearsTokensAndStore(t *testing.T) {
	reg, _, tokens, _ := testRegistry(t)

	id1, err := reg.SaveCredentials(basicCreds("alpha"))
	require.NoError(t, err)
	id2, err := reg.SaveCredentials(basicCreds("beta"))
	require.NoError(t, err)

	require.NoError(t, reg.Wipe())

	assert.ElementsMatch(t, []string{id1, id2}, tokens.cleared)

	conns, err := reg.LoadConnections()
	require.NoError(t, err)
	assert.Empty(t, conns)
}
