package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
}

func TestArtistEntityIDDeterministic(t *testing.T) {
	t.Parallel()

	a := ArtistEntityID("Ink_Master")
	b := ArtistEntityID("  ink_master ")
	require.Equal(t, a, b)
	require.NotEqual(t, a, ArtistEntityID("someone_else"))

	parsed, err := goUUID.Parse(a)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(5), parsed.Version())
}

func TestValid(t *testing.T) {
	t.Parallel()

	require.True(t, Valid("123e4567-e89b-12d3-a456-426614174000"))
	require.False(t, Valid("not-a-uuid"))
	require.False(t, Valid(""))
}
