package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_LoadMissing(t *testing.T) {
	_, err := NewMemory().Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_CopiesOnSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	data := []byte("doc")
	require.NoError(t, m.Save(ctx, "k", data))
	data[0] = 'X'

	got, err := m.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "doc", string(got))

	got[0] = 'Y'
	again, err := m.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "doc", string(again))
	assert.Equal(t, 1, m.Saves)
}
