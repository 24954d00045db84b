package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"chatrelay/conversation"
	"chatrelay/models"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/samber/lo/mutable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory returns an empty store whose records are stamped by clock.
type storeFactory func(t *testing.T, clock Clock) Store

func steppingClock() Clock {
	var mu sync.Mutex
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return start.Add(time.Duration(n) * time.Second)
	}
}

func draft(sender, recipient, text string) models.Draft {
	return models.Draft{Sender: sender, SenderName: "name-" + sender, Recipient: recipient, Message: text}
}

func requireSameMessage(t *testing.T, want, got models.Message) {
	t.Helper()
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.Sender, got.Sender)
	require.Equal(t, want.SenderName, got.SenderName)
	require.Equal(t, want.SenderImage, got.SenderImage)
	require.Equal(t, want.Recipient, got.Recipient)
	require.Equal(t, want.Message, got.Message)
	require.True(t, want.Timestamp.Equal(got.Timestamp), "timestamp %s != %s", want.Timestamp, got.Timestamp)
}

func ids(msgs []models.Message) []uuid.UUID {
	return lo.Map(msgs, func(m models.Message, _ int) uuid.UUID { return m.ID })
}

func runStoreSuite(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("CreateAssignsIdentityAndTime", func(t *testing.T) {
		s := newStore(t, steppingClock())
		img := "https://example.com/u1.png"
		d := draft("u1", "u2", "hi")
		d.SenderImage = &img

		m, err := s.Create(ctx, d)
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, m.ID)
		assert.False(t, m.Timestamp.IsZero())
		assert.True(t, m.CreatedAt.Equal(m.Timestamp))
		assert.Equal(t, "hi", m.Message)

		other, err := s.Create(ctx, draft("u1", "u2", "again"))
		require.NoError(t, err)
		assert.NotEqual(t, m.ID, other.ID)

		found, err := s.FindByID(ctx, m.ID.String())
		require.NoError(t, err)
		requireSameMessage(t, m, found)
	})

	t.Run("CreateRejectsMissingFields", func(t *testing.T) {
		s := newStore(t, steppingClock())
		for name, d := range map[string]models.Draft{
			"sender":     {SenderName: "n", Recipient: "u2", Message: "x"},
			"senderName": {Sender: "u1", Recipient: "u2", Message: "x"},
			"recipient":  {Sender: "u1", SenderName: "n", Message: "x"},
			"message":    {Sender: "u1", SenderName: "n", Recipient: "u2"},
		} {
			_, err := s.Create(ctx, d)
			assert.ErrorIs(t, err, ErrValidation, name)
		}
		page, err := s.Query(ctx, conversation.Resolve("u2", "u1"), Page{Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, page)
	})

	t.Run("FindByIDUnknownOrMalformed", func(t *testing.T) {
		s := newStore(t, steppingClock())
		_, err := s.FindByID(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.FindByID(ctx, "missing-id")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UpdateContentIsIdempotent", func(t *testing.T) {
		s := newStore(t, steppingClock())
		m, err := s.Create(ctx, draft("u1", "u2", "first"))
		require.NoError(t, err)

		u1, err := s.UpdateContent(ctx, m.ID.String(), "edited")
		require.NoError(t, err)
		u2, err := s.UpdateContent(ctx, m.ID.String(), "edited")
		require.NoError(t, err)

		assert.Equal(t, "edited", u1.Message)
		assert.Equal(t, "edited", u2.Message)
		assert.True(t, u1.Timestamp.Equal(m.Timestamp), "timestamp must not move on update")
		assert.Equal(t, m.Sender, u2.Sender)
		assert.Equal(t, m.Recipient, u2.Recipient)
		assert.True(t, u2.UpdatedAt.After(m.UpdatedAt))

		found, err := s.FindByID(ctx, m.ID.String())
		require.NoError(t, err)
		assert.Equal(t, "edited", found.Message)
	})

	t.Run("UpdateContentMissingAndInvalid", func(t *testing.T) {
		s := newStore(t, steppingClock())
		_, err := s.UpdateContent(ctx, uuid.NewString(), "x")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.UpdateContent(ctx, "missing-id", "x")
		assert.ErrorIs(t, err, ErrNotFound)

		m, err := s.Create(ctx, draft("u1", "u2", "keep"))
		require.NoError(t, err)
		_, err = s.UpdateContent(ctx, m.ID.String(), "")
		assert.ErrorIs(t, err, ErrValidation)
		found, err := s.FindByID(ctx, m.ID.String())
		require.NoError(t, err)
		assert.Equal(t, "keep", found.Message)
	})

	t.Run("DeleteFinality", func(t *testing.T) {
		s := newStore(t, steppingClock())
		m, err := s.Create(ctx, draft("u1", "u2", "bye"))
		require.NoError(t, err)

		removed, err := s.Delete(ctx, m.ID.String())
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = s.Delete(ctx, m.ID.String())
		require.NoError(t, err)
		assert.False(t, removed)

		_, err = s.UpdateContent(ctx, m.ID.String(), "zombie")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.FindByID(ctx, m.ID.String())
		assert.ErrorIs(t, err, ErrNotFound)

		removed, err = s.Delete(ctx, "missing-id")
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("ConversationSymmetry", func(t *testing.T) {
		s := newStore(t, steppingClock())
		ab, err := s.Create(ctx, draft("a", "b", "a->b"))
		require.NoError(t, err)
		ba, err := s.Create(ctx, draft("b", "a", "b->a"))
		require.NoError(t, err)
		_, err = s.Create(ctx, draft("a", "c", "a->c"))
		require.NoError(t, err)
		_, err = s.Create(ctx, draft("a", models.PublicChannel, "public"))
		require.NoError(t, err)

		want := []uuid.UUID{ba.ID, ab.ID}
		fromA, err := s.Query(ctx, conversation.Resolve("b", "a"), Page{Limit: 10})
		require.NoError(t, err)
		fromB, err := s.Query(ctx, conversation.Resolve("a", "b"), Page{Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, want, ids(fromA))
		assert.Equal(t, want, ids(fromB))
	})

	t.Run("PublicChannelIsolation", func(t *testing.T) {
		s := newStore(t, steppingClock())
		p1, err := s.Create(ctx, draft("u1", models.PublicChannel, "hello all"))
		require.NoError(t, err)
		p2, err := s.Create(ctx, draft("u2", models.PublicChannel, "hi everyone"))
		require.NoError(t, err)
		dm, err := s.Create(ctx, draft("u1", "u2", "private"))
		require.NoError(t, err)
		odd, err := s.Create(ctx, draft(models.PublicChannel, "u1", "from a user named like the channel"))
		require.NoError(t, err)

		for _, sender := range []string{"u1", "u2", "nobody", ""} {
			pub, err := s.Query(ctx, conversation.Resolve(models.PublicChannel, sender), Page{Limit: 10})
			require.NoError(t, err)
			assert.Equal(t, []uuid.UUID{p2.ID, p1.ID}, ids(pub))
		}

		direct, err := s.Query(ctx, conversation.Resolve("u2", "u1"), Page{Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{dm.ID}, ids(direct))

		// The pair {u1, sentinel} only sees the direct message, never the channel.
		pair, err := s.Query(ctx, conversation.Filter{A: "u1", B: models.PublicChannel}, Page{Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{odd.ID}, ids(pair))
	})

	t.Run("Pagination", func(t *testing.T) {
		s := newStore(t, steppingClock())
		var created []models.Message
		for i := range 7 {
			from, to := "u1", "u2"
			if i%2 == 1 {
				from, to = to, from
			}
			m, err := s.Create(ctx, draft(from, to, fmt.Sprintf("m%d", i)))
			require.NoError(t, err)
			created = append(created, m)
		}
		desc := ids(created)
		mutable.Reverse(desc)
		filter := conversation.Resolve("u2", "u1")

		for _, tc := range []struct{ offset, limit int }{{0, 3}, {2, 3}, {3, 10}, {6, 1}, {7, 5}, {0, 7}} {
			page, err := s.Query(ctx, filter, Page{Offset: tc.offset, Limit: tc.limit})
			require.NoError(t, err)
			end := min(tc.offset+tc.limit, len(desc))
			start := min(tc.offset, len(desc))
			assert.Equal(t, desc[start:end], ids(page), "offset=%d limit=%d", tc.offset, tc.limit)
		}

		first, err := s.Query(ctx, filter, Page{Offset: 0, Limit: 4})
		require.NoError(t, err)
		second, err := s.Query(ctx, filter, Page{Offset: 2, Limit: 4})
		require.NoError(t, err)
		assert.Equal(t, ids(first)[2:], ids(second)[:2])
	})

	t.Run("PaginationTiesAreStable", func(t *testing.T) {
		fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		s := newStore(t, func() time.Time { return fixed })
		for i := range 5 {
			_, err := s.Create(ctx, draft("u1", "u2", fmt.Sprintf("same-%d", i)))
			require.NoError(t, err)
		}
		filter := conversation.Resolve("u2", "u1")
		all, err := s.Query(ctx, filter, Page{Limit: 5})
		require.NoError(t, err)
		require.Len(t, all, 5)

		var stitched []uuid.UUID
		for off := 0; off < 5; off += 2 {
			page, err := s.Query(ctx, filter, Page{Offset: off, Limit: 2})
			require.NoError(t, err)
			stitched = append(stitched, ids(page)...)
		}
		assert.Equal(t, ids(all), stitched)
	})

	t.Run("QueryBounds", func(t *testing.T) {
		s := newStore(t, steppingClock())
		_, err := s.Create(ctx, draft("u1", "u2", "x"))
		require.NoError(t, err)
		filter := conversation.Resolve("u2", "u1")

		page, err := s.Query(ctx, filter, Page{Limit: 0})
		require.NoError(t, err)
		assert.Empty(t, page)

		_, err = s.Query(ctx, filter, Page{Offset: -1, Limit: 1})
		assert.ErrorIs(t, err, ErrValidation)
		_, err = s.Query(ctx, filter, Page{Offset: 0, Limit: -1})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("ConcurrentUpdateAndDelete", func(t *testing.T) {
		s := newStore(t, steppingClock())
		m, err := s.Create(ctx, draft("u1", "u2", "race"))
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			updateErr error
			removed   bool
			deleteErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, updateErr = s.UpdateContent(ctx, m.ID.String(), "raced")
		}()
		go func() {
			defer wg.Done()
			removed, deleteErr = s.Delete(ctx, m.ID.String())
		}()
		wg.Wait()

		require.NoError(t, deleteErr)
		assert.True(t, removed)
		if updateErr != nil {
			assert.ErrorIs(t, updateErr, ErrNotFound)
		}
		_, err = s.FindByID(ctx, m.ID.String())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
