package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
	"streamcast/internal/core/services"
	"streamcast/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testChatConfig() services.ChatConfig {
	return services.ChatConfig{
		HistoryLimit:      50,
		GraceWindow:       30 * time.Millisecond,
		DedupWindow:       5 * time.Second,
		DedupRingSize:     64,
		MessagesPerSecond: 100,
		Burst:             100,
	}
}

func newChatFixture(t *testing.T, cfg services.ChatConfig) (*services.ChatService, *captureSink, *memory.ChatRepository) {
	t.Helper()
	repo := memory.NewChatRepository()
	sink := newCaptureSink()
	svc := services.NewChatService(repo, sink, nil, newTestRegistry(), cfg, zap.NewNop().Sugar())
	return svc, sink, repo
}

func chatConn(id, participant string) domain.Connection {
	return domain.Connection{
		ID:            domain.ConnectionID(id),
		StreamID:      "stream-1",
		Role:          domain.RoleChatParticipant,
		ParticipantID: domain.ParticipantID(participant),
	}
}

func TestPublishFansOutExcludingSender(t *testing.T) {
	svc, sink, _ := newChatFixture(t, testChatConfig())
	ctx := context.Background()

	alice := chatConn("conn-a", "alice")
	bob := chatConn("conn-b", "bob")
	_, err := svc.Subscribe(ctx, "stream-1", alice, "Alice")
	require.NoError(t, err)
	_, err = svc.Subscribe(ctx, "stream-1", bob, "Bob")
	require.NoError(t, err)

	msg, err := svc.Publish(ctx, "stream-1", alice, "Alice", domain.ChatPayload{Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg.Seq)
	assert.Equal(t, "Alice", msg.Username)

	// Bob receives new_message, Alice gets the ack only.
	require.Len(t, sink.byType(bob.ID, domain.TypeNewMessage), 1)
	assert.Empty(t, sink.byType(alice.ID, domain.TypeNewMessage))
	require.Len(t, sink.byType(alice.ID, domain.TypeMessageSent), 1)

	var delivered domain.ChatMessage
	require.NoError(t, json.Unmarshal(sink.byType(bob.ID, domain.TypeNewMessage)[0].Payload, &delivered))
	assert.Equal(t, msg.ID, delivered.ID)
	assert.Equal(t, "hello", delivered.Content)
}

func TestPublishAssignsMonotonicSeq(t *testing.T) {
	svc, _, _ := newChatFixture(t, testChatConfig())
	ctx := context.Background()

	alice := chatConn("conn-a", "alice")
	_, err := svc.Subscribe(ctx, "stream-1", alice, "Alice")
	require.NoError(t, err)

	for i := uint64(1); i <= 3; i++ {
		msg, err := svc.Publish(ctx, "stream-1", alice, "Alice", domain.ChatPayload{Content: string(rune('a' + i))})
		require.NoError(t, err)
		assert.Equal(t, i, msg.Seq)
	}
}

func TestPersistedHistoryCarriesSeq(t *testing.T) {
	svc, sink, repo := newChatFixture(t, testChatConfig())
	ctx := context.Background()

	alice := chatConn("conn-a", "alice")
	bob := chatConn("conn-b", "bob")
	_, err := svc.Subscribe(ctx, "stream-1", alice, "Alice")
	require.NoError(t, err)
	_, err = svc.Subscribe(ctx, "stream-1", bob, "Bob")
	require.NoError(t, err)

	msg, err := svc.Publish(ctx, "stream-1", alice, "Alice", domain.ChatPayload{Content: "hello"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), msg.Seq)

	var delivered domain.ChatMessage
	require.NoError(t, json.Unmarshal(sink.byType(bob.ID, domain.TypeNewMessage)[0].Payload, &delivered))
	assert.Equal(t, uint64(1), delivered.Seq)

	// The stored form carries the same sequence as the broadcast form.
	stored, err := repo.Recent(ctx, "stream-1", 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, uint64(1), stored[0].Seq)

	// A late joiner replays history with the sequence intact.
	carol := chatConn("conn-c", "carol")
	history, err := svc.Subscribe(ctx, "stream-1", carol, "Carol")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, uint64(1), history[0].Seq)
}

// flakyChatRepository fails saves on demand.
type flakyChatRepository struct {
	ports.ChatRepository
	failSaves bool
}

func (r *flakyChatRepository) Save(ctx context.Context, msg *domain.ChatMessage) error {
	if r.failSaves {
		return errors.New("store unavailable")
	}
	return r.ChatRepository.Save(ctx, msg)
}

func TestSaveFailureReleasesSeqAndRing(t *testing.T) {
	repo := &flakyChatRepository{ChatRepository: memory.NewChatRepository(), failSaves: true}
	sink := newCaptureSink()
	svc := services.NewChatService(repo, sink, nil, newTestRegistry(), testChatConfig(), zap.NewNop().Sugar())
	ctx := context.Background()

	alice := chatConn("conn-a", "alice")
	_, err := svc.Subscribe(ctx, "stream-1", alice, "Alice")
	require.NoError(t, err)

	_, err = svc.Publish(ctx, "stream-1", alice, "Alice", domain.ChatPayload{Content: "hi", ClientMsgID: "c1"})
	require.Error(t, err)
	assert.Empty(t, sink.byType(alice.ID, domain.TypeMessageSent))

	// The retry is not deduped against the failed attempt and picks up
	// the released sequence number.
	repo.failSaves = false
	msg, err := svc.Publish(ctx, "stream-1", alice, "Alice", domain.ChatPayload{Content: "hi", ClientMsgID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg.Seq)
}

func TestConcurrentRetransmitsCollapse(t *testing.T) {
	svc, sink, repo := newChatFixture(t, testChatConfig())
	ctx := context.Background()

	alice := chatConn("conn-a", "alice")
	bob := chatConn("conn-b", "bob")
	_, err := svc.Subscribe(ctx, "stream-1", alice, "Alice")
	require.NoError(t, err)
	_, err = svc.Subscribe(ctx, "stream-1", bob, "Bob")
	require.NoError(t, err)

	const attempts = 8
	results := make([]*domain.ChatMessage, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, err := svc.Publish(ctx, "stream-1", alice, "Alice", domain.ChatPayload{Content: "hi", ClientMsgID: "c1"})
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = msg
		}(i)
	}
	wg.Wait()

	// Every retransmit resolved to one assigned message.
	for _, msg := range results {
		require.NotNil(t, msg)
		assert.Equal(t, results[0].ID, msg.ID)
		assert.Equal(t, results[0].Seq, msg.Seq)
	}

	history, err := repo.Recent(ctx, "stream-1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Len(t, sink.byType(bob.ID, domain.TypeNewMessage), 1)
}

func TestPublishDedupByClientMsgID(t *testing.T) {
	svc, sink, repo := newChatFixture(t, testChatConfig())
	ctx := context.Background()

	alice := chatConn("conn-a", "alice")
	bob := chatConn("conn-b", "bob")
	_, err := svc.Subscribe(ctx, "stream-1", alice, "Alice")
	require.NoError(t, err)
	_, err = svc.Subscribe(ctx, "stream-1", bob, "Bob")
	require.NoError(t, err)

	first, err := svc.Publish(ctx, "stream-1", alice, "Alice", domain.ChatPayload{Content: "hi", ClientMsgID: "c1"})
	require.NoError(t, err)

	// Retransmit with the same client id resolves to the original.
	second, err := svc.Publish(ctx, "stream-1", alice, "Alice", domain.ChatPayload{Content: "hi", ClientMsgID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Seq, second.Seq)

	// Only one copy reached bob and only one was persisted.
	assert.Len(t, sink.byType(bob.ID, domain.TypeNewMessage), 1)
	history, err := repo.Recent(ctx, "stream-1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestPublishDedupByContentWithinWindow(t *testing.T) {
	svc, _, _ := newChatFixture(t, testChatConfig())
	ctx := context.Background()

	alice := chatConn("conn-a", "alice")
	_, err := svc.Subscribe(ctx, "stream-1", alice, "Alice")
	require.NoError(t, err)

	first, err := svc.Publish(ctx, "stream-1", alice, "Alice", domain.ChatPayload{Content: "same thing"})
	require.NoError(t, err)
	second, err := svc.Publish(ctx, "stream-1", alice, "Alice", domain.ChatPayload{Content: "same thing"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// A different sender saying the same thing is not a duplicate.
	bob := chatConn("conn-b", "bob")
	_, err = svc.Subscribe(ctx, "stream-1", bob, "Bob")
	require.NoError(t, err)
	third, err := svc.Publish(ctx, "stream-1", bob, "Bob", domain.ChatPayload{Content: "same thing"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestPublishRateLimited(t *testing.T) {
	cfg := testChatConfig()
	cfg.MessagesPerSecond = 1
	cfg.Burst = 2
	svc, _, _ := newChatFixture(t, cfg)
	ctx := context.Background()

	alice := chatConn("conn-a", "alice")
	_, err := svc.Subscribe(ctx, "stream-1", alice, "Alice")
	require.NoError(t, err)

	_, err = svc.Publish(ctx, "stream-1", alice, "Alice", domain.ChatPayload{Content: "one"})
	require.NoError(t, err)
	_, err = svc.Publish(ctx, "stream-1", alice, "Alice", domain.ChatPayload{Content: "two"})
	require.NoError(t, err)

	_, err = svc.Publish(ctx, "stream-1", alice, "Alice", domain.ChatPayload{Content: "three"})
	assert.ErrorIs(t, err, domain.ErrBackpressure)
}

func TestDeleteRequiresAuthor(t *testing.T) {
	svc, sink, repo := newChatFixture(t, testChatConfig())
	ctx := context.Background()

	alice := chatConn("conn-a", "alice")
	bob := chatConn("conn-b", "bob")
	_, err := svc.Subscribe(ctx, "stream-1", alice, "Alice")
	require.NoError(t, err)
	_, err = svc.Subscribe(ctx, "stream-1", bob, "Bob")
	require.NoError(t, err)

	msg, err := svc.Publish(ctx, "stream-1", alice, "Alice", domain.ChatPayload{Content: "delete me"})
	require.NoError(t, err)

	err = svc.Delete(ctx, "stream-1", "bob", msg.ID)
	assert.ErrorIs(t, err, domain.ErrNotMessageAuthor)

	require.NoError(t, svc.Delete(ctx, "stream-1", "alice", msg.ID))
	assert.NotEmpty(t, sink.byType(bob.ID, domain.TypeMessageDeleted))

	stored, err := repo.GetByID(ctx, "stream-1", msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.Deleted)
}

func TestDeleteUnknownMessage(t *testing.T) {
	svc, _, _ := newChatFixture(t, testChatConfig())
	err := svc.Delete(context.Background(), "stream-1", "alice", "missing")
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
}

func TestGraceWindowClosesTopic(t *testing.T) {
	svc, _, _ := newChatFixture(t, testChatConfig())
	ctx := context.Background()

	alice := chatConn("conn-a", "alice")
	_, err := svc.Subscribe(ctx, "stream-1", alice, "Alice")
	require.NoError(t, err)

	svc.StreamEnded(ctx, "stream-1")

	// Chat stays open during the grace window.
	_, err = svc.Publish(ctx, "stream-1", alice, "Alice", domain.ChatPayload{Content: "gg"})
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	_, err = svc.Publish(ctx, "stream-1", alice, "Alice", domain.ChatPayload{Content: "too late"})
	assert.ErrorIs(t, err, domain.ErrTopicClosed)

	_, err = svc.Subscribe(ctx, "stream-1", alice, "Alice")
	assert.ErrorIs(t, err, domain.ErrTopicClosed)
}

func TestStreamStartedReopensTopic(t *testing.T) {
	svc, _, _ := newChatFixture(t, testChatConfig())
	ctx := context.Background()

	alice := chatConn("conn-a", "alice")
	_, err := svc.Subscribe(ctx, "stream-1", alice, "Alice")
	require.NoError(t, err)
	first, err := svc.Publish(ctx, "stream-1", alice, "Alice", domain.ChatPayload{Content: "round one"})
	require.NoError(t, err)

	svc.StreamEnded(ctx, "stream-1")
	time.Sleep(60 * time.Millisecond)

	// A new broadcast reopens the topic and sequences keep climbing.
	svc.StreamStarted(ctx, "stream-1")
	_, err = svc.Subscribe(ctx, "stream-1", alice, "Alice")
	require.NoError(t, err)
	second, err := svc.Publish(ctx, "stream-1", alice, "Alice", domain.ChatPayload{Content: "round two"})
	require.NoError(t, err)
	assert.Greater(t, second.Seq, first.Seq)
}

func TestSubscribeReturnsHistoryOldestFirst(t *testing.T) {
	svc, _, _ := newChatFixture(t, testChatConfig())
	ctx := context.Background()

	alice := chatConn("conn-a", "alice")
	_, err := svc.Subscribe(ctx, "stream-1", alice, "Alice")
	require.NoError(t, err)
	for _, text := range []string{"first", "second", "third"} {
		_, err := svc.Publish(ctx, "stream-1", alice, "Alice", domain.ChatPayload{Content: text})
		require.NoError(t, err)
	}

	bob := chatConn("conn-b", "bob")
	history, err := svc.Subscribe(ctx, "stream-1", bob, "Bob")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "first", history[0].Content)
	assert.Equal(t, "third", history[2].Content)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	svc, sink, _ := newChatFixture(t, testChatConfig())
	ctx := context.Background()

	alice := chatConn("conn-a", "alice")
	bob := chatConn("conn-b", "bob")
	_, err := svc.Subscribe(ctx, "stream-1", alice, "Alice")
	require.NoError(t, err)
	_, err = svc.Subscribe(ctx, "stream-1", bob, "Bob")
	require.NoError(t, err)

	svc.Unsubscribe(ctx, "stream-1", bob.ID)

	_, err = svc.Publish(ctx, "stream-1", alice, "Alice", domain.ChatPayload{Content: "hello"})
	require.NoError(t, err)
	assert.Empty(t, sink.byType(bob.ID, domain.TypeNewMessage))
}

func TestApplyRemoteDeliversAndBumpsSeq(t *testing.T) {
	svc, sink, repo := newChatFixture(t, testChatConfig())
	ctx := context.Background()

	alice := chatConn("conn-a", "alice")
	_, err := svc.Subscribe(ctx, "stream-1", alice, "Alice")
	require.NoError(t, err)

	svc.ApplyRemote(&domain.ChatMessage{
		ID:       "remote-1",
		StreamID: "stream-1",
		SenderID: "carol",
		Content:  "from elsewhere",
		Seq:      7,
	})

	require.Len(t, sink.byType(alice.ID, domain.TypeNewMessage), 1)

	// Remote messages are not re-persisted locally.
	history, err := repo.Recent(ctx, "stream-1", 10)
	require.NoError(t, err)
	assert.Empty(t, history)

	// The local counter moves past the remote sequence.
	msg, err := svc.Publish(ctx, "stream-1", alice, "Alice", domain.ChatPayload{Content: "local"})
	require.NoError(t, err)
	assert.Equal(t, uint64(8), msg.Seq)
}
