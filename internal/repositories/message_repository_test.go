package repositories

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaulted/internal/models"
)

func TestAppendMessageReplayKeepsSingleRow(t *testing.T) {
	database := newTestDB(t)
	seedUsers(t, database, "alice", "bob")
	chat, err := NewChatRepo(database).CreateOrGetChat(context.Background(), "alice", "bob")
	require.NoError(t, err)
	repo := NewMessageRepo(database)

	msg := models.Message{ID: "client-id-1", ChatID: chat.ID, SenderID: "alice", ReceiverID: "bob", Ciphertext: "X", Timestamp: 10}
	first, err := repo.AppendMessage(context.Background(), msg)
	require.NoError(t, err)

	msg.Timestamp = 20
	second, err := repo.AppendMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	msgs, err := repo.ListMessages(context.Background(), chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(10), msgs[0].Timestamp)
}

func TestAppendMessageRejectsReusedIDFromOtherSender(t *testing.T) {
	database := newTestDB(t)
	seedUsers(t, database, "alice", "bob")
	chat, err := NewChatRepo(database).CreateOrGetChat(context.Background(), "alice", "bob")
	require.NoError(t, err)
	repo := NewMessageRepo(database)

	_, err = repo.AppendMessage(context.Background(), models.Message{ID: "dup", ChatID: chat.ID, SenderID: "alice", ReceiverID: "bob", Ciphertext: "a", Timestamp: 1})
	require.NoError(t, err)
	_, err = repo.AppendMessage(context.Background(), models.Message{ID: "dup", ChatID: chat.ID, SenderID: "bob", ReceiverID: "alice", Ciphertext: "b", Timestamp: 2})
	require.ErrorIs(t, err, ErrConflict)
}

func TestListMessagesOrderedWithStableTieBreak(t *testing.T) {
	database := newTestDB(t)
	seedUsers(t, database, "alice", "bob")
	chat, err := NewChatRepo(database).CreateOrGetChat(context.Background(), "alice", "bob")
	require.NoError(t, err)
	repo := NewMessageRepo(database)
	ctx := context.Background()

	_, err = repo.AppendMessage(ctx, models.Message{ID: "late", ChatID: chat.ID, SenderID: "bob", ReceiverID: "alice", Ciphertext: "late", Timestamp: 500})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.AppendMessage(ctx, models.Message{ID: fmt.Sprintf("same-%d", i), ChatID: chat.ID, SenderID: "alice", ReceiverID: "bob", Ciphertext: "c", Timestamp: 100})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	msgs, err := repo.ListMessages(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 11)
	for i := 1; i < len(msgs); i++ {
		assert.LessOrEqual(t, msgs[i-1].Timestamp, msgs[i].Timestamp)
		if msgs[i-1].Timestamp == msgs[i].Timestamp {
			assert.Less(t, msgs[i-1].Seq, msgs[i].Seq)
		}
	}
	assert.Equal(t, "late", msgs[len(msgs)-1].ID)
}

func TestListMessagesEmptyChat(t *testing.T) {
	database := newTestDB(t)
	msgs, err := NewMessageRepo(database).ListMessages(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.NotNil(t, msgs)
}
