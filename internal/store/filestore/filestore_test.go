package filestore

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/nahara-chat/internal/store"
)

func TestStore_LoadMissingKey(t *testing.T) {
	s := New(afero.NewMemMapFs(), "/data")
	_, err := s.Load(context.Background(), "conversations")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_SaveThenLoad(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := New(fsys, "/data/nested")
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "conversations", []byte(`{"version":1}`)))
	require.NoError(t, s.Save(ctx, "conversations", []byte(`{"version":2}`)))

	b, err := s.Load(ctx, "conversations")
	require.NoError(t, err)
	assert.Equal(t, `{"version":2}`, string(b))

	exists, err := afero.Exists(fsys, "/data/nested/conversations.json.tmp")
	require.NoError(t, err)
	assert.False(t, exists, "temp file is renamed away")
}

func TestStore_KeyIsSanitized(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := New(fsys, "/d")
	require.NoError(t, s.Save(context.Background(), "../../etc/passwd", []byte("x")))

	exists, err := afero.Exists(fsys, "/d/.._.._etc_passwd.json")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStore_SaveHonoursCancelledContext(t *testing.T) {
	s := New(afero.NewMemMapFs(), "/d")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, s.Save(ctx, "k", []byte("x")))
}
