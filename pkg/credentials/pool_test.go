package credentials

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denizumutdereli/vertexrelay/pkg/core"
)

const (
	credA = `{"type":"service_account","project_id":"proj-a","client_email":"a@proj-a.iam.gserviceaccount.com"}`
	credB = `{"type":"service_account","project_id":"proj-b","client_email":"b@proj-b.iam.gserviceaccount.com"}`
	credC = `{"type":"service_account","project_id":"proj-c"}`
)

func mustEntry(t *testing.T, raw string, p Provenance) Entry {
	t.Helper()
	e, err := NewEntry([]byte(raw), p, "test")
	require.NoError(t, err)
	return e
}

// ---------------------------------------------------------------------------
// ParseBlob
// ---------------------------------------------------------------------------

func TestParseBlob_SingleObject(t *testing.T) {
	entries, err := ParseBlob(credA)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, Environment, e.Provenance)
	assert.Equal(t, "proj-a", e.ProjectID)
	assert.Equal(t, "a@proj-a.iam.gserviceaccount.com", e.ClientEmail)
	assert.Len(t, e.ID, 64)
}

func TestParseBlob_CommaSeparated(t *testing.T) {
	entries, err := ParseBlob(credA + " ,\n" + credB)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "proj-a", entries[0].ProjectID)
	assert.Equal(t, "proj-b", entries[1].ProjectID)
}

func TestParseBlob_JSONArray(t *testing.T) {
	entries, err := ParseBlob("[" + credA + "," + credB + "]")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestParseBlob_DuplicatesCollapse(t *testing.T) {
	reordered := `{"client_email":"a@proj-a.iam.gserviceaccount.com","project_id":"proj-a","type":"service_account"}`
	entries, err := ParseBlob(credA + "," + reordered)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "key order must not change identity")
}

func TestParseBlob_Empty(t *testing.T) {
	entries, err := ParseBlob("   ")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestParseBlob_Malformed(t *testing.T) {
	for name, blob := range map[string]string{
		"plain text":       "not json",
		"truncated object": `{"project_id":"p"`,
		"number":           "42",
		"mixed list":       credA + `, 42`,
		"string list":      `"a","b"`,
		"empty array":      `[]`,
		"trailing garbage": credA + ` garbage`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseBlob(blob)
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrMalformedCredentialBlob))
		})
	}
}

// ---------------------------------------------------------------------------
// Pool
// ---------------------------------------------------------------------------

func TestReloadFromBlob_KeepsOtherProvenances(t *testing.T) {
	p := NewPool()
	require.True(t, p.Add(mustEntry(t, credC, File)))

	n, err := p.ReloadFromBlob(credA + "," + credB)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, p.TotalCount())

	n, err = p.ReloadFromBlob(credB)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, p.CountBy(Environment))
	assert.Equal(t, 1, p.CountBy(File))
	assert.Equal(t, 2, p.TotalCount())
}

func TestReloadFromBlob_MalformedLeavesPoolUntouched(t *testing.T) {
	p := NewPool()
	_, err := p.ReloadFromBlob(credA)
	require.NoError(t, err)
	before := p.Entries()
	version := p.Version()

	_, err = p.ReloadFromBlob("{broken")
	require.Error(t, err)
	assert.Equal(t, before, p.Entries())
	assert.Equal(t, version, p.Version())
}

func TestReloadFromBlob_EmptyClearsEnvironment(t *testing.T) {
	p := NewPool()
	require.True(t, p.Add(mustEntry(t, credC, File)))
	_, err := p.ReloadFromBlob(credA + "," + credB)
	require.NoError(t, err)

	n, err := p.ReloadFromBlob("")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, p.CountBy(Environment))
	assert.Equal(t, 1, p.TotalCount())
}

func TestPool_AddRemoveAndVersion(t *testing.T) {
	p := NewPool()
	e := mustEntry(t, credA, File)

	v0 := p.Version()
	assert.True(t, p.Add(e))
	assert.False(t, p.Add(e), "duplicate within provenance")
	assert.Greater(t, p.Version(), v0)

	env := e
	env.Provenance = Environment
	assert.True(t, p.Add(env), "same credential may exist once per provenance")
	assert.Equal(t, 2, p.TotalCount())

	assert.True(t, p.Remove(e.ID))
	assert.Equal(t, 0, p.TotalCount())
	assert.False(t, p.Remove(e.ID))
}

func TestPool_ClearProvenance(t *testing.T) {
	p := NewPool()
	p.Add(mustEntry(t, credA, File))
	p.Add(mustEntry(t, credB, File))
	p.Add(mustEntry(t, credC, Environment))

	assert.Equal(t, 2, p.ClearProvenance(File))
	assert.Equal(t, 1, p.TotalCount())

	v := p.Version()
	assert.Equal(t, 0, p.ClearProvenance(File))
	assert.Equal(t, v, p.Version(), "no-op clear does not bump version")
}

func TestPool_EntriesStableOrderAndCopy(t *testing.T) {
	p := NewPool()
	p.Add(mustEntry(t, credB, File))
	p.Add(mustEntry(t, credA, File))

	got := p.Entries()
	require.Len(t, got, 2)
	assert.Equal(t, "proj-b", got[0].ProjectID)
	assert.Equal(t, "proj-a", got[1].ProjectID)

	got[0].ProjectID = "mutated"
	assert.Equal(t, "proj-b", p.Entries()[0].ProjectID)
}

func TestPool_ConcurrentReloads(t *testing.T) {
	p := NewPool()
	blobs := []string{credA, credA + "," + credB, credB, ""}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _ = p.ReloadFromBlob(blobs[i%len(blobs)])
		}(i)
		go func() {
			defer wg.Done()
			_ = p.Entries()
			_ = p.CountBy(Environment)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, p.TotalCount(), 2)
}
