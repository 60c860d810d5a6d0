package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/PaulBabatuyi/dm-gateway/internal/chat"
	"github.com/PaulBabatuyi/dm-gateway/internal/chat/mocks"
	"github.com/PaulBabatuyi/dm-gateway/internal/chatv1"
	"github.com/PaulBabatuyi/dm-gateway/internal/data"
	"github.com/PaulBabatuyi/dm-gateway/internal/db"
	"github.com/PaulBabatuyi/dm-gateway/internal/gateway"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// idResolver treats the credential as the user id.
type idResolver struct{}

func (idResolver) Verify(_ context.Context, credential string) (string, error) {
	if credential == "" {
		return "", chat.ErrUnauthenticated
	}
	return credential, nil
}

type fixture struct {
	store  *data.BadgerStore
	gw     *gateway.Gateway
	engine *Engine
	users  map[string]string
}

func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()
	bdb, err := db.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = bdb.Close() })

	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	store := data.NewBadgerStore(bdb)
	gw := gateway.New(idResolver{}, store, log, nil, gateway.Config{BufferSize: 64})
	f := &fixture{
		store:  store,
		gw:     gw,
		engine: New(store, gw, store, log, nil, Config{MaxContentLength: 20}),
		users:  map[string]string{},
	}
	for _, name := range names {
		u, err := store.CreateUser(context.Background(), &data.User{Email: name + "@example.com", Handle: name, Password: "x"})
		require.NoError(t, err)
		f.users[name] = u.ID
	}
	return f
}

func (f *fixture) connect(t *testing.T, name string) *gateway.Conn {
	t.Helper()
	c := f.gw.NewConn()
	_, err := f.gw.Authenticate(context.Background(), c, f.users[name])
	require.NoError(t, err)
	return c
}

func (f *fixture) conversation(t *testing.T, a, b string) *chat.Conversation {
	t.Helper()
	conv, err := f.engine.OpenConversation(context.Background(), f.users[a], f.users[b])
	require.NoError(t, err)
	return conv
}

func messages(c *gateway.Conn) []*chat.Message {
	var out []*chat.Message
	for {
		select {
		case ev := <-c.Outbound():
			if ev.Type == chatv1.EventMessage {
				out = append(out, ev.Message)
			}
		default:
			return out
		}
	}
}

func TestEngine_SendHelloReachesPeerAndIsPersisted(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	conv := f.conversation(t, "alice", "bob")

	// Given both users are joined to the conversation
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	req.NoError(f.gw.JoinRoom(ctx, alice, conv.ID))
	req.NoError(f.gw.JoinRoom(ctx, bob, conv.ID))

	// When alice says hello
	msg, err := f.engine.SendMessage(ctx, alice, conv.ID, "hello", "")
	req.NoError(err)

	// Then bob receives exactly the persisted message
	got := messages(bob)
	req.Len(got, 1)
	req.Equal("hello", got[0].Content)
	req.Equal(f.users["alice"], got[0].SenderID)
	req.Equal(conv.ID, got[0].ConversationID)
	req.Equal(msg, got[0])

	// And history holds exactly that message
	history, err := f.store.ListMessages(ctx, conv.ID, chat.Page{})
	req.NoError(err)
	req.Len(history, 1)
	req.Equal(msg.ID, history[0].ID)
	req.Equal(msg.Content, history[0].Content)
	req.Equal(msg.Seq, history[0].Seq)
}

func TestEngine_NonParticipantIsForbidden(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, "alice", "bob", "dave")
	conv := f.conversation(t, "bob", "dave")

	bob := f.connect(t, "bob")
	req.NoError(f.gw.JoinRoom(ctx, bob, conv.ID))
	alice := f.connect(t, "alice")

	_, err := f.engine.SendMessage(ctx, alice, conv.ID, "let me in", "")

	req.ErrorIs(err, chat.ErrForbidden)
	req.Empty(messages(bob))
	history, err := f.store.ListMessages(ctx, conv.ID, chat.Page{})
	req.NoError(err)
	req.Empty(history)

	_, err = f.engine.SendMessage(ctx, alice, "no-such-conversation", "hi", "")
	req.ErrorIs(err, chat.ErrForbidden)
}

func TestEngine_EmptyContentIsInvalid(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	conv := f.conversation(t, "alice", "bob")
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	req.NoError(f.gw.JoinRoom(ctx, bob, conv.ID))

	for _, content := range []string{"", "   \n\t", "<script></script>"} {
		_, err := f.engine.SendMessage(ctx, alice, conv.ID, content, "")
		req.ErrorIs(err, chat.ErrInvalidArgument, "content %q", content)
	}
	_, err := f.engine.SendMessage(ctx, alice, conv.ID, "this message is far too long", "")
	req.ErrorIs(err, chat.ErrInvalidArgument)
	_, err = f.engine.SendMessage(ctx, alice, "", "hi", "")
	req.ErrorIs(err, chat.ErrInvalidArgument)

	req.Empty(messages(bob))
	history, err := f.store.ListMessages(ctx, conv.ID, chat.Page{})
	req.NoError(err)
	req.Empty(history)
}

func TestEngine_ContentIsSanitized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	conv := f.conversation(t, "alice", "bob")
	alice := f.connect(t, "alice")

	msg, err := f.engine.SendMessage(ctx, alice, conv.ID, "  <b>bold</b> move ", "")
	require.NoError(t, err)
	require.Equal(t, "bold move", msg.Content)
}

func TestEngine_PlainTextIsStoredAsTyped(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	conv := f.conversation(t, "alice", "bob")
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	req.NoError(f.gw.JoinRoom(ctx, bob, conv.ID))

	texts := []string{"Tom & Jerry", "I'm here", "if a < b then", `say "hi"`}
	for _, text := range texts {
		msg, err := f.engine.SendMessage(ctx, alice, conv.ID, text, "")
		req.NoError(err)
		req.Equal(text, msg.Content)
	}

	got := messages(bob)
	req.Len(got, len(texts))
	history, err := f.store.ListMessages(ctx, conv.ID, chat.Page{})
	req.NoError(err)
	req.Len(history, len(texts))
	for i, text := range texts {
		req.Equal(text, got[i].Content)
		req.Equal(text, history[i].Content)
	}
}

func TestEngine_LengthLimitCountsTypedCharacters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	conv := f.conversation(t, "alice", "bob")
	alice := f.connect(t, "alice")

	msg, err := f.engine.SendMessage(ctx, alice, conv.ID, strings.Repeat("&", 20), "")
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("&", 20), msg.Content)

	_, err = f.engine.SendMessage(ctx, alice, conv.ID, strings.Repeat("&", 21), "")
	require.ErrorIs(t, err, chat.ErrInvalidArgument)
}

func TestEngine_SlowSenderOutsideRoomIsDisconnected(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	conv := f.conversation(t, "alice", "bob")
	alice := f.connect(t, "alice")

	// Given alice is not joined and never drains her 64 slot buffer
	for i := 1; i <= 64; i++ {
		_, err := f.engine.SendMessage(ctx, alice, conv.ID, fmt.Sprintf("m%d", i), "")
		req.NoError(err)
	}
	req.Equal(gateway.StateAuthenticated, alice.State())

	// When her own 65th message no longer fits
	msg, err := f.engine.SendMessage(ctx, alice, conv.ID, "m65", "")

	// Then it is still persisted but alice is cut off instead of missing it
	req.NoError(err)
	req.Equal(int64(65), msg.Seq)
	req.Equal(gateway.StateDisconnected, alice.State())
	req.ErrorIs(alice.Err(), chat.ErrSlowConsumer)
	req.Zero(f.gw.UserConnections(f.users["alice"]))
	req.Len(messages(alice), 64)
}

func TestEngine_UnauthenticatedOriginCannotSend(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	conv := f.conversation(t, "alice", "bob")

	_, err := f.engine.SendMessage(context.Background(), f.gw.NewConn(), conv.ID, "hi", "")
	require.ErrorIs(t, err, chat.ErrUnauthenticated)
}

func TestEngine_EveryJoinedConnectionGetsOneCopy(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	conv := f.conversation(t, "alice", "bob")

	alice1 := f.connect(t, "alice")
	alice2 := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	for _, c := range []*gateway.Conn{alice1, alice2, bob} {
		req.NoError(f.gw.JoinRoom(ctx, c, conv.ID))
	}

	_, err := f.engine.SendMessage(ctx, alice1, conv.ID, "hi both", "")
	req.NoError(err)

	for _, c := range []*gateway.Conn{alice1, alice2, bob} {
		req.Len(messages(c), 1)
	}
}

func TestEngine_SenderOutsideRoomStillSeesPersistedMessage(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	conv := f.conversation(t, "alice", "bob")
	alice := f.connect(t, "alice")

	msg, err := f.engine.SendMessage(ctx, alice, conv.ID, "anyone?", "")
	req.NoError(err)

	got := messages(alice)
	req.Len(got, 1)
	req.Equal(msg.ID, got[0].ID)
}

func TestEngine_RetriedSendIsDeliveredOnce(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	conv := f.conversation(t, "alice", "bob")
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	req.NoError(f.gw.JoinRoom(ctx, alice, conv.ID))
	req.NoError(f.gw.JoinRoom(ctx, bob, conv.ID))

	first, err := f.engine.SendMessage(ctx, alice, conv.ID, "once", "client-1")
	req.NoError(err)
	retry, err := f.engine.SendMessage(ctx, alice, conv.ID, "once", "client-1")
	req.NoError(err)

	req.Equal(first.ID, retry.ID)
	req.Len(messages(bob), 1)
	req.Len(messages(alice), 2, "the origin is told about the original message again")

	history, err := f.store.ListMessages(ctx, conv.ID, chat.Page{})
	req.NoError(err)
	req.Len(history, 1)
}

func TestEngine_StorageFailureMeansNoFanOut(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockConversationStore(ctrl)

	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	gw := gateway.New(idResolver{}, store, log, nil, gateway.Config{BufferSize: 8})
	engine := New(store, gw, nil, log, nil, Config{})

	store.EXPECT().IsParticipant(gomock.Any(), "conv-1", gomock.Any()).Return(true, nil).AnyTimes()
	store.EXPECT().AppendMessage(gomock.Any(), gomock.Any()).Return(nil, fmt.Errorf("disk full: %w", chat.ErrStorage))

	alice := gw.NewConn()
	_, err := gw.Authenticate(ctx, alice, "alice")
	req.NoError(err)
	bob := gw.NewConn()
	_, err = gw.Authenticate(ctx, bob, "bob")
	req.NoError(err)
	req.NoError(gw.JoinRoom(ctx, alice, "conv-1"))
	req.NoError(gw.JoinRoom(ctx, bob, "conv-1"))

	_, err = engine.SendMessage(ctx, alice, "conv-1", "lost", "")

	req.ErrorIs(err, chat.ErrStorage)
	req.Empty(messages(bob))
	req.Empty(messages(alice))
}

func TestEngine_ParticipantCheckFailureIsStorageError(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockConversationStore(ctrl)
	store.EXPECT().IsParticipant(gomock.Any(), "conv-1", "alice").Return(false, errors.New("timeout"))

	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	gw := gateway.New(idResolver{}, store, log, nil, gateway.Config{BufferSize: 8})
	engine := New(store, gw, nil, log, nil, Config{})
	alice := gw.NewConn()
	_, err := gw.Authenticate(context.Background(), alice, "alice")
	require.NoError(t, err)

	_, err = engine.SendMessage(context.Background(), alice, "conv-1", "hi", "")
	require.ErrorIs(t, err, chat.ErrStorage)
}

func TestEngine_ConcurrentSendsArriveInAppendOrder(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	conv := f.conversation(t, "alice", "bob")
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	watcher := f.connect(t, "bob")
	req.NoError(f.gw.JoinRoom(ctx, alice, conv.ID))
	req.NoError(f.gw.JoinRoom(ctx, bob, conv.ID))
	req.NoError(f.gw.JoinRoom(ctx, watcher, conv.ID))

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			origin := alice
			if i%2 == 0 {
				origin = bob
			}
			_, _ = f.engine.SendMessage(ctx, origin, conv.ID, fmt.Sprintf("m%d", i), "")
		}(i)
	}
	wg.Wait()

	got := messages(watcher)
	req.Len(got, 30)
	for i, m := range got {
		req.EqualValues(i+1, m.Seq)
	}

	history, err := f.store.ListMessages(ctx, conv.ID, chat.Page{})
	req.NoError(err)
	for i := range history {
		req.Equal(history[i].ID, got[i].ID)
	}
	req.Zero(f.engine.locks.size())
}

func TestEngine_OpenConversation(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")

	ab, err := f.engine.OpenConversation(ctx, f.users["alice"], f.users["bob"])
	req.NoError(err)
	ba, err := f.engine.OpenConversation(ctx, f.users["bob"], f.users["alice"])
	req.NoError(err)
	req.Equal(ab.ID, ba.ID)

	_, err = f.engine.OpenConversation(ctx, f.users["alice"], f.users["alice"])
	req.ErrorIs(err, chat.ErrInvalidArgument)
	_, err = f.engine.OpenConversation(ctx, f.users["alice"], "ghost")
	req.ErrorIs(err, chat.ErrNotFound)
}

func TestEngine_HistoryIsForParticipantsOnly(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, "alice", "bob", "eve")
	conv := f.conversation(t, "alice", "bob")
	alice := f.connect(t, "alice")
	for i := 0; i < 3; i++ {
		_, err := f.engine.SendMessage(ctx, alice, conv.ID, fmt.Sprintf("m%d", i), "")
		req.NoError(err)
	}

	msgs, err := f.engine.History(ctx, f.users["bob"], conv.ID, chat.Page{Limit: 2})
	req.NoError(err)
	req.Len(msgs, 2)
	req.Equal("m1", msgs[0].Content)
	req.Equal("m2", msgs[1].Content)

	_, err = f.engine.History(ctx, f.users["eve"], conv.ID, chat.Page{})
	req.ErrorIs(err, chat.ErrForbidden)

	convs, err := f.engine.Conversations(ctx, f.users["bob"], 0)
	req.NoError(err)
	req.Len(convs, 1)
	req.Equal("m2", convs[0].LastMessagePreview)
}
