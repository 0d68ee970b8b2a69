package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SetGetDelete(t *testing.T) {
	s := NewStore(keyring.NewArrayKeyring(nil))

	require.NoError(t, s.Set(KeyIMAPPassword, []byte("hunter2")))

	got, err := s.Get(KeyIMAPPassword)
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), got)

	require.NoError(t, s.Delete(KeyIMAPPassword))

	_, err = s.Get(KeyIMAPPassword)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DeleteMissingKey(t *testing.T) {
	s := NewStore(keyring.NewArrayKeyring(nil))

	assert.NoError(t, s.Delete("nope"))
}
