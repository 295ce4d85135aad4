package storage

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string   `json:"name"`
	Count int      `json:"count"`
	Tags  []string `json:"tags,omitempty"`
}

func backends(t *testing.T) map[string]Store {
	t.Helper()

	out := make(map[string]Store)
	for _, kind := range []string{KindJSON, KindBolt} {
		s, err := Open(kind, t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		out[kind] = s
	}
	return out
}

func TestLoadMissing(t *testing.T) {
	for kind, s := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			var v sample
			found, err := s.Load("meta", &v)
			require.NoError(t, err)
			assert.False(t, found)
			assert.Equal(t, sample{}, v)
		})
	}
}

func TestSaveLoad(t *testing.T) {
	for kind, s := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			in := sample{Name: "audit", Count: 3, Tags: []string{"a", "b"}}
			require.NoError(t, s.Save("audit", in))

			var out sample
			found, err := s.Load("audit", &out)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, in, out)

			// Save replaces rather than merges.
			require.NoError(t, s.Save("audit", sample{Name: "second"}))
			out = sample{}
			_, err = s.Load("audit", &out)
			require.NoError(t, err)
			assert.Equal(t, sample{Name: "second"}, out)
		})
	}
}

func TestUpdate(t *testing.T) {
	for kind, s := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			var v sample
			err := s.Update("counter", &v, func(found bool) error {
				assert.False(t, found)
				v.Count = 1
				return nil
			})
			require.NoError(t, err)

			v = sample{}
			err = s.Update("counter", &v, func(found bool) error {
				assert.True(t, found)
				assert.Equal(t, 1, v.Count)
				v.Count++
				return nil
			})
			require.NoError(t, err)

			var out sample
			_, err = s.Load("counter", &out)
			require.NoError(t, err)
			assert.Equal(t, 2, out.Count)
		})
	}
}

func TestUpdateAbortKeepsRecord(t *testing.T) {
	for kind, s := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			require.NoError(t, s.Save("meta", sample{Count: 7}))

			abort := errors.New("abort")
			var v sample
			err := s.Update("meta", &v, func(bool) error {
				v.Count = 100
				return abort
			})
			assert.ErrorIs(t, err, abort)

			var out sample
			_, err = s.Load("meta", &out)
			require.NoError(t, err)
			assert.Equal(t, 7, out.Count)
		})
	}
}

func TestConcurrentUpdates(t *testing.T) {
	for kind, s := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					var v sample
					assert.NoError(t, s.Update("counter", &v, func(bool) error {
						v.Count++
						return nil
					}))
				}()
			}
			wg.Wait()

			var out sample
			_, err := s.Load("counter", &out)
			require.NoError(t, err)
			assert.Equal(t, 20, out.Count)
		})
	}
}

func TestInvalidNames(t *testing.T) {
	for kind, s := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			for _, name := range []string{"", "../meta", "a/b", `a\b`, ".."} {
				_, err := s.Load(name, &sample{})
				assert.ErrorIs(t, err, ErrInvalidName, "load %q", name)
				assert.ErrorIs(t, s.Save(name, sample{}), ErrInvalidName, "save %q", name)
			}
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("postgres", t.TempDir())
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestJSONStoreLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := NewJSONStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Save("meta", map[string]any{"prime": 13}))

	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"prime": 13}`, string(data))

	_, err = os.Stat(filepath.Join(dir, "meta.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestJSONStoreReadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "regmap.json"), []byte(`{"name": "legacy", "count": 4}`), 0644))

	s, err := NewJSONStore(dir)
	require.NoError(t, err)

	var v sample
	found, err := s.Load("regmap", &v)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, sample{Name: "legacy", Count: 4}, v)
}

func TestJSONStoreCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "audit.json"), []byte(`{not json`), 0644))

	s, err := NewJSONStore(dir)
	require.NoError(t, err)

	_, err = s.Load("audit", &sample{})
	assert.Error(t, err)
}

func TestBoltStoreReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save("meta", sample{Name: "persisted"}))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer s.Close()

	var v sample
	found, err := s.Load("meta", &v)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "persisted", v.Name)
}

func TestArchiveRotation(t *testing.T) {
	a, err := NewArchive(t.TempDir(), 3, nil)
	require.NoError(t, err)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}

	for i := 1; i <= 5; i++ {
		_, err := a.Put("audit", sample{Count: i})
		require.NoError(t, err)
	}
	_, err = a.Put("audit_extra", sample{Count: 99})
	require.NoError(t, err)

	n, err := a.Count("audit")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var latest sample
	found, err := a.Latest("audit", &latest)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 5, latest.Count)

	found, err = a.Latest("tally", &latest)
	require.NoError(t, err)
	assert.False(t, found)
}
