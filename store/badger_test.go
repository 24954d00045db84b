package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newBadgerStore(t *testing.T, clock Clock) Store {
	t.Helper()
	s, err := OpenBadger("")
	require.NoError(t, err)
	s.clock = clock
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestBadgerStore(t *testing.T) {
	runStoreSuite(t, newBadgerStore)
}

func TestBadgerStoreOnDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenBadger(dir)
	require.NoError(t, err)
	m, err := s.Create(ctx, draft("u1", "u2", "durable"))
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	reopened, err := OpenBadger(dir)
	require.NoError(t, err)
	defer reopened.Close(ctx)
	found, err := reopened.FindByID(ctx, m.ID.String())
	require.NoError(t, err)
	requireSameMessage(t, m, found)
	require.NoError(t, reopened.Ping(ctx))
}
