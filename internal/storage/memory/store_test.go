package memory

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"tempinbox/backend/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMessage(from, subject string) *domain.Message {
	return &domain.Message{From: from, Subject: subject}
}

func TestMemoryStore_MailboxOperations(t *testing.T) {
	store := NewStore()

	mailbox, err := store.Create("Test@Temp.Mail", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "test@temp.mail", mailbox.Address)
	assert.Equal(t, "test", mailbox.LocalPart)
	assert.Equal(t, "temp.mail", mailbox.Domain)
	assert.Empty(t, mailbox.Messages)
	assert.Equal(t, 1, store.Count())

	// 重复创建
	_, err = store.Create("test@temp.mail", time.Hour)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	got, err := store.Get("test@temp.mail")
	require.NoError(t, err)
	assert.Equal(t, mailbox.CreatedAt, got.CreatedAt)
	assert.Equal(t, time.Hour, got.TTL)
	assert.True(t, store.Exists("TEST@temp.mail"))

	require.NoError(t, store.Destroy("test@temp.mail"))
	assert.False(t, store.Exists("test@temp.mail"))
	assert.Zero(t, store.Count())

	_, err = store.Get("test@temp.mail")
	assert.ErrorIs(t, err, domain.ErrNoSuchMailbox)

	// 销毁后可重新创建
	_, err = store.Create("test@temp.mail", time.Hour)
	assert.NoError(t, err)
}

func TestMemoryStore_CreateInvalidAddress(t *testing.T) {
	store := NewStore()

	_, err := store.Create("not-an-address", time.Hour)

	assert.ErrorIs(t, err, domain.ErrInvalidEmail)
	assert.Zero(t, store.Count())
}

func TestMemoryStore_MessageOperations(t *testing.T) {
	store := NewStore()
	_, err := store.Create("inbox@temp.mail", time.Hour)
	require.NoError(t, err)

	id, err := store.Append("inbox@temp.mail", newMessage("x@y.com", "hi"))
	require.NoError(t, err)
	assert.Equal(t, domain.MessageID(1), id)

	messages, err := store.List("inbox@temp.mail")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "x@y.com", messages[0].From)
	assert.Equal(t, "hi", messages[0].Subject)
	assert.Equal(t, "inbox@temp.mail", messages[0].To)
	assert.True(t, messages[0].IsNew())
	assert.False(t, messages[0].ReceivedAt.IsZero())

	require.NoError(t, store.MarkRead("inbox@temp.mail", id))
	messages, err = store.List("inbox@temp.mail")
	require.NoError(t, err)
	assert.False(t, messages[0].IsNew())

	// 重复标记无副作用
	require.NoError(t, store.MarkRead("inbox@temp.mail", id))

	msg, err := store.GetMessage("inbox@temp.mail", id)
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Subject)

	assert.ErrorIs(t, store.MarkRead("inbox@temp.mail", 99), domain.ErrNoSuchMessage)
	_, err = store.GetMessage("inbox@temp.mail", 0)
	assert.ErrorIs(t, err, domain.ErrNoSuchMessage)
	assert.ErrorIs(t, store.MarkRead("missing@temp.mail", id), domain.ErrNoSuchMailbox)
}

func TestMemoryStore_ListPreservesArrivalOrder(t *testing.T) {
	store := NewStore()
	_, err := store.Create("order@temp.mail", time.Hour)
	require.NoError(t, err)

	const n = 20
	for i := 0; i < n; i++ {
		_, err := store.Append("order@temp.mail", newMessage("a@b.com", fmt.Sprintf("msg-%d", i)))
		require.NoError(t, err)
	}

	messages, err := store.List("order@temp.mail")
	require.NoError(t, err)
	require.Len(t, messages, n)
	for i, msg := range messages {
		assert.Equal(t, fmt.Sprintf("msg-%d", i), msg.Subject)
		assert.Equal(t, domain.MessageID(i+1), msg.ID)
	}
}

func TestMemoryStore_ListReturnsCopy(t *testing.T) {
	store := NewStore()
	_, err := store.Create("copy@temp.mail", time.Hour)
	require.NoError(t, err)
	_, err = store.Append("copy@temp.mail", newMessage("a@b.com", "original"))
	require.NoError(t, err)

	messages, err := store.List("copy@temp.mail")
	require.NoError(t, err)
	messages[0].Subject = "changed"
	messages[0].IsRead = true

	again, err := store.List("copy@temp.mail")
	require.NoError(t, err)
	assert.Equal(t, "original", again[0].Subject)
	assert.True(t, again[0].IsNew())
}

func TestMemoryStore_AppendToMissingMailbox(t *testing.T) {
	store := NewStore()

	_, err := store.Append("ghost@temp.mail", newMessage("a@b.com", "boo"))

	assert.ErrorIs(t, err, domain.ErrNoSuchMailbox)
	assert.Zero(t, store.Count())
	assert.False(t, store.Exists("ghost@temp.mail"))
}

func TestMemoryStore_Destroy(t *testing.T) {
	store := NewStore()
	_, err := store.Create("bye@temp.mail", time.Hour)
	require.NoError(t, err)
	_, err = store.Append("bye@temp.mail", newMessage("a@b.com", "one"))
	require.NoError(t, err)

	require.NoError(t, store.Destroy("bye@temp.mail"))

	_, err = store.List("bye@temp.mail")
	assert.ErrorIs(t, err, domain.ErrNoSuchMailbox)
	_, err = store.Append("bye@temp.mail", newMessage("a@b.com", "two"))
	assert.ErrorIs(t, err, domain.ErrNoSuchMailbox)

	// 幂等
	assert.NoError(t, store.Destroy("bye@temp.mail"))
	assert.NoError(t, store.Destroy("never@temp.mail"))
	assert.Zero(t, store.Count())
}

func TestMemoryStore_DestroyedEntryRejectsStaleHandle(t *testing.T) {
	store := NewStore()
	_, err := store.Create("stale@temp.mail", time.Hour)
	require.NoError(t, err)

	e, ok := store.load("stale@temp.mail")
	require.True(t, ok)
	require.NoError(t, store.Destroy("stale@temp.mail"))

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.True(t, e.destroyed)
	assert.Nil(t, e.mailbox.Messages)
}

func TestMemoryStore_CreateOverDestroyingEntryKeepsCount(t *testing.T) {
	store := NewStore()
	_, err := store.Create("race@temp.mail", time.Hour)
	require.NoError(t, err)

	// Destroy 已置位 destroyed，但尚未移除索引项
	old, ok := store.load("race@temp.mail")
	require.True(t, ok)
	old.mu.Lock()
	old.destroyed = true
	old.mu.Unlock()

	_, err = store.Create("race@temp.mail", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Count())

	// Destroy 随后的移除落空，不能再次扣减
	assert.False(t, store.mailboxes.CompareAndDelete("race@temp.mail", old))
	assert.Equal(t, 1, store.Count())
	assert.True(t, store.Exists("race@temp.mail"))
}

func TestMemoryStore_DestroyExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewStore(WithClock(func() time.Time { return now }))
	_, err := store.Create("ttl@temp.mail", time.Minute)
	require.NoError(t, err)

	removed, err := store.DestroyExpired("ttl@temp.mail", now.Add(59*time.Second))
	require.NoError(t, err)
	assert.False(t, removed)
	assert.True(t, store.Exists("ttl@temp.mail"))

	removed, err = store.DestroyExpired("ttl@temp.mail", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, store.Exists("ttl@temp.mail"))
	assert.Zero(t, store.Count())

	removed, err = store.DestroyExpired("ttl@temp.mail", now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestMemoryStore_MaxMessages(t *testing.T) {
	store := NewStore(WithMaxMessages(2))
	_, err := store.Create("small@temp.mail", time.Hour)
	require.NoError(t, err)

	_, err = store.Append("small@temp.mail", newMessage("a@b.com", "1"))
	require.NoError(t, err)
	_, err = store.Append("small@temp.mail", newMessage("a@b.com", "2"))
	require.NoError(t, err)

	_, err = store.Append("small@temp.mail", newMessage("a@b.com", "3"))
	assert.ErrorIs(t, err, domain.ErrMailboxFull)
	assert.Equal(t, 2, store.MaxMessages())
}

func TestMemoryStore_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewStore(WithClock(func() time.Time { return now }))

	_, err := store.Create("short@temp.mail", time.Second)
	require.NoError(t, err)
	_, err = store.Create("long@temp.mail", time.Hour)
	require.NoError(t, err)

	assert.Empty(t, store.Expired(now))
	assert.Equal(t, []string{"short@temp.mail"}, store.Expired(now.Add(time.Second)))
	assert.ElementsMatch(t, []string{"short@temp.mail", "long@temp.mail"}, store.Expired(now.Add(time.Hour)))
}

func TestMemoryStore_ConcurrentAppend(t *testing.T) {
	store := NewStore()
	_, err := store.Create("busy@temp.mail", time.Hour)
	require.NoError(t, err)

	const writers = 32
	const perWriter = 25

	ids := make(chan domain.MessageID, writers*perWriter)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id, err := store.Append("busy@temp.mail", newMessage("a@b.com", fmt.Sprintf("%d-%d", w, i)))
				if assert.NoError(t, err) {
					ids <- id
				}
			}
		}(w)
	}
	wg.Wait()
	close(ids)

	unique := make(map[domain.MessageID]struct{})
	for id := range ids {
		unique[id] = struct{}{}
	}
	assert.Len(t, unique, writers*perWriter)

	messages, err := store.List("busy@temp.mail")
	require.NoError(t, err)
	assert.Len(t, messages, writers*perWriter)
}

func TestMemoryStore_ConcurrentDestroyAndAppend(t *testing.T) {
	store := NewStore()
	_, err := store.Create("race@temp.mail", time.Hour)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Append("race@temp.mail", newMessage("a@b.com", "x"))
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrNoSuchMailbox)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, store.Destroy("race@temp.mail"))
	}()
	wg.Wait()

	_, err = store.List("race@temp.mail")
	assert.ErrorIs(t, err, domain.ErrNoSuchMailbox)
	assert.Zero(t, store.Count())
}
