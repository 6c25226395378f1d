package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go-dm/internal/apperr"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestAppend(t *testing.T) {
	ctx := context.Background()

	t.Run("stores trimmed content and bumps recency", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t)
		c := f.conversation(t, f.alice, f.bob)

		f.ledger.now = func() time.Time { return c.UpdatedAt.Add(time.Second) }
		m, err := f.ledger.Append(ctx, c.ID, f.alice.ID, "  hi  ")
		req.NoError(err)
		req.Equal("hi", m.Content)
		req.Equal(f.alice.ID, m.SenderID)
		req.Equal(Sender{ID: f.alice.ID, Username: "alice"}, m.Sender)
		req.Equal(c.ID, m.ConversationID)

		list, err := f.directory.List(ctx, f.bob.ID)
		req.NoError(err)
		req.Equal(m.CreatedAt, list[0].UpdatedAt)
		req.True(list[0].UpdatedAt.After(c.UpdatedAt))
	})

	t.Run("non-member is forbidden and nothing is written", func(t *testing.T) {
		f := newFixture(t)
		c := f.conversation(t, f.alice, f.bob)

		_, err := f.ledger.Append(ctx, c.ID, f.carol.ID, "let me in")
		require.ErrorIs(t, err, apperr.ErrForbidden)
		require.Zero(t, f.store.MessageCount())
	})

	t.Run("content bounds", func(t *testing.T) {
		f := newFixture(t)
		c := f.conversation(t, f.alice, f.bob)

		for _, content := range []string{"", "   \n\t", strings.Repeat("x", MaxContentLength+1)} {
			_, err := f.ledger.Append(ctx, c.ID, f.alice.ID, content)
			require.ErrorIs(t, err, apperr.ErrInvalidInput)
		}
		require.Zero(t, f.store.MessageCount())

		// The bound counts characters, not bytes.
		_, err := f.ledger.Append(ctx, c.ID, f.alice.ID, strings.Repeat("é", MaxContentLength))
		require.NoError(t, err)
	})

	t.Run("store failure surfaces as a generic error", func(t *testing.T) {
		f := newFixture(t)
		c := f.conversation(t, f.alice, f.bob)
		f.store.SetFail(errors.New("timeout"))

		_, err := f.ledger.Append(ctx, c.ID, f.alice.ID, "hi")
		require.Error(t, err)
		require.Equal(t, 500, apperr.Status(err))
	})
}

func TestPage(t *testing.T) {
	ctx := context.Background()

	t.Run("first page of a single message has no cursor", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t)
		c := f.conversation(t, f.alice, f.bob)

		m, err := f.ledger.Append(ctx, c.ID, f.alice.ID, "hi")
		req.NoError(err)

		page, err := f.ledger.Page(ctx, c.ID, f.bob.ID, "", 20)
		req.NoError(err)
		req.Equal([]Message{m}, page.Messages)
		req.Empty(page.NextCursor)
	})

	t.Run("empty conversation", func(t *testing.T) {
		f := newFixture(t)
		c := f.conversation(t, f.alice, f.bob)

		page, err := f.ledger.Page(ctx, c.ID, f.alice.ID, "", 0)
		require.NoError(t, err)
		require.NotNil(t, page.Messages)
		require.Empty(t, page.Messages)
	})

	t.Run("non-member is forbidden", func(t *testing.T) {
		f := newFixture(t)
		c := f.conversation(t, f.alice, f.bob)

		_, err := f.ledger.Page(ctx, c.ID, f.carol.ID, "", 20)
		require.ErrorIs(t, err, apperr.ErrForbidden)
	})

	t.Run("cursor from another conversation is rejected", func(t *testing.T) {
		f := newFixture(t)
		ab := f.conversation(t, f.alice, f.bob)
		ac := f.conversation(t, f.alice, f.carol)

		m, err := f.ledger.Append(ctx, ac.ID, f.alice.ID, "hi carol")
		require.NoError(t, err)

		_, err = f.ledger.Page(ctx, ab.ID, f.alice.ID, m.ID, 20)
		require.ErrorIs(t, err, apperr.ErrInvalidInput)
		_, err = f.ledger.Page(ctx, ab.ID, f.alice.ID, "garbage", 20)
		require.ErrorIs(t, err, apperr.ErrInvalidInput)
		_, err = f.ledger.Page(ctx, ab.ID, f.alice.ID, uuid.NewString(), 20)
		require.ErrorIs(t, err, apperr.ErrInvalidInput)
	})
}

func TestPageWalksHistoryExactlyOnce(t *testing.T) {
	ctx := context.Background()

	for _, limit := range []int{1, 3, 7, 20, 50} {
		t.Run(fmt.Sprintf("limit %d", limit), func(t *testing.T) {
			req := require.New(t)
			f := newFixture(t)
			c := f.conversation(t, f.alice, f.bob)

			// Clusters of identical timestamps force the id tie-break.
			base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
			tick := 0
			f.ledger.now = func() time.Time {
				tick++
				return base.Add(time.Duration(tick/4) * time.Second)
			}

			const total = 23
			sent := make(map[string]bool, total)
			for i := 0; i < total; i++ {
				from := f.alice
				if i%2 == 1 {
					from = f.bob
				}
				m, err := f.ledger.Append(ctx, c.ID, from.ID, fmt.Sprintf("msg %d", i))
				req.NoError(err)
				sent[m.ID] = true
			}

			var (
				seen   []Message
				cursor string
				pages  int
			)
			for {
				page, err := f.ledger.Page(ctx, c.ID, f.alice.ID, cursor, limit)
				req.NoError(err)
				req.LessOrEqual(len(page.Messages), limit)
				seen = append(seen, page.Messages...)
				pages++
				if page.NextCursor == "" {
					break
				}
				req.Len(page.Messages, limit)
				req.Equal(page.Messages[len(page.Messages)-1].ID, page.NextCursor)
				cursor = page.NextCursor
				req.Less(pages, total+2, "paging does not terminate")
			}

			req.Len(seen, total)
			ids := make(map[string]bool, total)
			for i, m := range seen {
				req.True(sent[m.ID])
				req.False(ids[m.ID], "duplicate %s", m.ID)
				ids[m.ID] = true
				if i > 0 {
					req.True(sortsBefore(seen[i-1].CreatedAt, seen[i-1].ID, m.CreatedAt, m.ID),
						"messages %d and %d out of order", i-1, i)
				}
			}
		})
	}
}

func TestClampLimit(t *testing.T) {
	require.Equal(t, DefaultPageSize, ClampLimit(0))
	require.Equal(t, 1, ClampLimit(-5))
	require.Equal(t, 1, ClampLimit(1))
	require.Equal(t, 35, ClampLimit(35))
	require.Equal(t, MaxPageSize, ClampLimit(500))
}
