package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelStores(t *testing.T) {
	for _, kind := range []Kind{KindFile, KindBadger} {
		t.Run(string(kind), func(t *testing.T) {
			store, err := Open(kind, t.TempDir())
			require.NoError(t, err)
			defer store.Close()

			require.NoError(t, store.Save(3, []byte(`{"a":1}`)))
			require.NoError(t, store.Save(1, []byte(`{"b":2}`)))
			require.NoError(t, store.Save(12, []byte(`{"c":3}`)))

			got, err := store.Load(1)
			require.NoError(t, err)
			assert.Equal(t, `{"b":2}`, string(got))

			idx, err := store.Indices()
			require.NoError(t, err)
			assert.Equal(t, []int{1, 3, 12}, idx)

			require.NoError(t, store.Delete(3))
			require.NoError(t, store.Delete(99))
			_, err = store.Load(3)
			assert.ErrorIs(t, err, ErrNotFound)

			idx, err = store.Indices()
			require.NoError(t, err)
			assert.Equal(t, []int{1, 12}, idx)
		})
	}
}

func TestOpenUnknownKind(t *testing.T) {
	_, err := Open("s3", t.TempDir())
	assert.Error(t, err)
}
