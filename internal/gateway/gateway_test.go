package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/PaulBabatuyi/dm-gateway/internal/chat"
	"github.com/PaulBabatuyi/dm-gateway/internal/chat/mocks"
	"github.com/PaulBabatuyi/dm-gateway/internal/chatv1"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// tokenResolver accepts "token-<user>" credentials.
type tokenResolver struct{}

func (tokenResolver) Verify(_ context.Context, credential string) (string, error) {
	var user string
	if _, err := fmt.Sscanf(credential, "token-%s", &user); err != nil {
		return "", fmt.Errorf("bad token: %w", chat.ErrUnauthenticated)
	}
	return user, nil
}

// pairs admits "a" and "b" to "c-ab" and "b" and "d" to "c-bd".
type pairs struct{}

func (pairs) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	switch conversationID {
	case "c-ab":
		return userID == "a" || userID == "b", nil
	case "c-bd":
		return userID == "b" || userID == "d", nil
	}
	return false, nil
}

func newGateway(t *testing.T, buffer int) *Gateway {
	t.Helper()
	return New(tokenResolver{}, pairs{}, logs.GetLoggerFromLevel(slog.LevelDebug), nil, Config{BufferSize: buffer})
}

func connect(t *testing.T, g *Gateway, user string) *Conn {
	t.Helper()
	c := g.NewConn()
	got, err := g.Authenticate(context.Background(), c, "token-"+user)
	require.NoError(t, err)
	require.Equal(t, user, got)
	return c
}

// userInRoom reports whether any of the user's connections joined the room.
func userInRoom(g *Gateway, conversationID, userID string) bool {
	for _, c := range g.users.snapshot(userID) {
		if c.InRoom(conversationID) {
			return true
		}
	}
	return false
}

func drain(c *Conn) []*chatv1.ServerEvent {
	var out []*chatv1.ServerEvent
	for {
		select {
		case ev := <-c.Outbound():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestGateway_AuthenticateRegistersConnection(t *testing.T) {
	req := require.New(t)
	g := newGateway(t, 8)

	// Given a new connection
	c := g.NewConn()
	req.Equal(StateConnecting, c.State())
	req.Empty(c.UserID())

	// When it authenticates
	user, err := g.Authenticate(context.Background(), c, "token-a")

	// Then it is routable under its user
	req.NoError(err)
	req.Equal("a", user)
	req.Equal(StateAuthenticated, c.State())
	req.Equal(1, g.UserConnections("a"))

	_, err = g.Authenticate(context.Background(), c, "token-a")
	req.ErrorIs(err, chat.ErrInvalidArgument)
}

func TestGateway_FailedHandshakeClosesAndNeverRegisters(t *testing.T) {
	req := require.New(t)
	g := newGateway(t, 8)
	c := g.NewConn()

	_, err := g.Authenticate(context.Background(), c, "garbage")

	req.ErrorIs(err, chat.ErrUnauthenticated)
	req.Equal(StateDisconnected, c.State())
	req.ErrorIs(c.Err(), chat.ErrUnauthenticated)
	req.Zero(g.UserConnections(""))
	select {
	case <-c.Done():
	default:
		t.Fatal("connection should be closed")
	}
}

func TestGateway_UnauthenticatedConnectionCannotJoin(t *testing.T) {
	req := require.New(t)
	g := newGateway(t, 8)
	c := g.NewConn()

	req.ErrorIs(g.JoinRoom(context.Background(), c, "c-ab"), chat.ErrUnauthenticated)
	req.ErrorIs(g.LeaveRoom(c, "c-ab"), chat.ErrUnauthenticated)
	req.Zero(g.RoomSize("c-ab"))
}

func TestGateway_JoinRequiresParticipant(t *testing.T) {
	req := require.New(t)
	g := newGateway(t, 8)
	a := connect(t, g, "a")

	req.ErrorIs(g.JoinRoom(context.Background(), a, "c-bd"), chat.ErrForbidden)
	req.ErrorIs(g.JoinRoom(context.Background(), a, ""), chat.ErrInvalidArgument)
	req.NoError(g.JoinRoom(context.Background(), a, "c-ab"))

	// joining twice is a no-op
	req.NoError(g.JoinRoom(context.Background(), a, "c-ab"))
	req.Equal(1, g.RoomSize("c-ab"))
	req.Equal([]string{"c-ab"}, a.Rooms())
	req.Zero(g.RoomSize("c-bd"))

	// the refused operation leaves the connection usable
	req.Equal(StateAuthenticated, a.State())
}

func TestGateway_JoinSurfacesStorageErrors(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockConversationStore(ctrl)
	store.EXPECT().IsParticipant(gomock.Any(), "c-ab", "a").Return(false, errors.New("connection refused"))

	g := New(tokenResolver{}, store, logs.GetLoggerFromLevel(slog.LevelDebug), nil, Config{BufferSize: 4})
	a := connect(t, g, "a")

	req.ErrorIs(g.JoinRoom(context.Background(), a, "c-ab"), chat.ErrStorage)
	req.False(a.InRoom("c-ab"))
}

func TestGateway_LeaveIsIdempotent(t *testing.T) {
	req := require.New(t)
	g := newGateway(t, 8)
	a := connect(t, g, "a")

	req.NoError(g.LeaveRoom(a, "c-ab"))
	req.NoError(g.JoinRoom(context.Background(), a, "c-ab"))
	req.NoError(g.LeaveRoom(a, "c-ab"))
	req.NoError(g.LeaveRoom(a, "c-ab"))
	req.Zero(g.RoomSize("c-ab"))
	req.Empty(a.Rooms())
}

func TestGateway_RouteToRoomReachesOnlyJoinedConnections(t *testing.T) {
	req := require.New(t)
	g := newGateway(t, 8)
	a1 := connect(t, g, "a")
	a2 := connect(t, g, "a")
	b := connect(t, g, "b")
	bOther := connect(t, g, "b")
	d := connect(t, g, "d")

	for _, c := range []*Conn{a1, a2, b} {
		req.NoError(g.JoinRoom(context.Background(), c, "c-ab"))
	}
	req.NoError(g.JoinRoom(context.Background(), bOther, "c-bd"))
	req.NoError(g.JoinRoom(context.Background(), d, "c-bd"))

	msg := &chat.Message{ID: "m1", ConversationID: "c-ab", SenderID: "a", Content: "hello", Seq: 1}
	n := g.RouteToRoom("c-ab", chatv1.NewMessageEvent(msg))

	req.Equal(3, n)
	for _, c := range []*Conn{a1, a2, b} {
		events := drain(c)
		req.Len(events, 1)
		req.Equal("hello", events[0].Message.Content)
	}
	req.Empty(drain(bOther))
	req.Empty(drain(d))
}

func TestGateway_RouteToRoomExceptSkipsUser(t *testing.T) {
	req := require.New(t)
	g := newGateway(t, 8)
	a1 := connect(t, g, "a")
	a2 := connect(t, g, "a")
	b := connect(t, g, "b")
	for _, c := range []*Conn{a1, a2, b} {
		req.NoError(g.JoinRoom(context.Background(), c, "c-ab"))
	}

	n := g.RouteToRoomExcept("c-ab", "a", chatv1.NewTypingEvent("c-ab", "a", 1000))

	req.Equal(1, n)
	req.Empty(drain(a1))
	req.Empty(drain(a2))
	req.Len(drain(b), 1)
}

func TestGateway_RouteToUserWithNoConnectionsIsNoop(t *testing.T) {
	g := newGateway(t, 8)
	require.Zero(t, g.RouteToUser("nobody", chatv1.NewStopTypingEvent("c-ab", "a")))
	require.Zero(t, g.RouteToRoom("empty-room", chatv1.NewStopTypingEvent("c-ab", "a")))
}

func TestGateway_DisconnectRemovesFromEveryRoom(t *testing.T) {
	req := require.New(t)
	g := newGateway(t, 8)
	b := connect(t, g, "b")
	req.NoError(g.JoinRoom(context.Background(), b, "c-ab"))
	req.NoError(g.JoinRoom(context.Background(), b, "c-bd"))

	g.Disconnect(b, nil)
	g.Disconnect(b, nil)

	req.Equal(StateDisconnected, b.State())
	req.Zero(g.RoomSize("c-ab"))
	req.Zero(g.RoomSize("c-bd"))
	req.Zero(g.UserConnections("b"))
	req.Zero(g.RouteToRoom("c-ab", chatv1.NewStopTypingEvent("c-ab", "a")))
	req.ErrorIs(g.JoinRoom(context.Background(), b, "c-ab"), chat.ErrConnectionClosed)
	req.ErrorIs(b.Deliver(chatv1.NewStopTypingEvent("c-ab", "a")), chat.ErrConnectionClosed)
}

func TestGateway_OfflineHookRunsOnLastConnection(t *testing.T) {
	req := require.New(t)
	g := newGateway(t, 8)
	var offline []string
	g.OnUserOffline(func(userID string) { offline = append(offline, userID) })

	a1 := connect(t, g, "a")
	a2 := connect(t, g, "a")

	g.Disconnect(a1, nil)
	req.Empty(offline)

	g.Disconnect(a2, nil)
	req.Equal([]string{"a"}, offline)

	// unauthenticated connections never count as a user going offline
	g.Disconnect(g.NewConn(), nil)
	req.Equal([]string{"a"}, offline)
}

func TestGateway_SlowConsumerPolicy(t *testing.T) {
	req := require.New(t)
	g := newGateway(t, 1)
	a := connect(t, g, "a")
	b := connect(t, g, "b")
	req.NoError(g.JoinRoom(context.Background(), a, "c-ab"))
	req.NoError(g.JoinRoom(context.Background(), b, "c-ab"))

	// Given b's buffer is full
	req.Equal(1, g.RouteToUser("b", chatv1.NewTypingEvent("c-ab", "a", 1000)))

	// When a presence event overflows, it is dropped and b stays connected
	req.Zero(g.RouteToUser("b", chatv1.NewTypingEvent("c-ab", "a", 1000)))
	req.Equal(StateAuthenticated, b.State())

	// When a message overflows, b is disconnected
	msg := &chat.Message{ID: "m1", ConversationID: "c-ab", SenderID: "a", Content: "hi", Seq: 1}
	drain(a)
	req.Equal(1, g.RouteToRoom("c-ab", chatv1.NewMessageEvent(msg)))
	req.Equal(StateDisconnected, b.State())
	req.ErrorIs(b.Err(), chat.ErrSlowConsumer)
	req.Equal(1, g.RoomSize("c-ab"))
}

func TestGateway_DirectDeliveryFollowsSlowConsumerPolicy(t *testing.T) {
	req := require.New(t)
	g := newGateway(t, 1)
	a := connect(t, g, "a")
	req.NoError(g.JoinRoom(context.Background(), a, "c-ab"))

	msg := &chat.Message{ID: "m1", ConversationID: "c-ab", SenderID: "a", Content: "hi", Seq: 1}
	req.NoError(a.Deliver(chatv1.NewMessageEvent(msg)))

	// a full buffer still swallows presence without consequence
	req.Error(a.Deliver(chatv1.NewTypingEvent("c-ab", "b", 1000)))
	req.Equal(StateAuthenticated, a.State())

	// a message that does not fit removes a everywhere
	req.ErrorIs(a.Deliver(chatv1.NewMessageEvent(msg)), chat.ErrSlowConsumer)
	req.Equal(StateDisconnected, a.State())
	req.ErrorIs(a.Err(), chat.ErrSlowConsumer)
	req.Zero(g.RoomSize("c-ab"))
	req.Zero(g.UserConnections("a"))
}

func TestGateway_ConcurrentJoinAndDisconnectLeaveNoStaleMembership(t *testing.T) {
	g := newGateway(t, 8)
	var wg sync.WaitGroup

	for i := 0; i < 200; i++ {
		c := connect(t, g, "a")
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = g.JoinRoom(context.Background(), c, "c-ab")
		}()
		go func() {
			defer wg.Done()
			g.Disconnect(c, nil)
		}()
	}
	wg.Wait()

	require.Zero(t, g.RoomSize("c-ab"))
	require.Zero(t, g.UserConnections("a"))
}

func TestGateway_UserInRoom(t *testing.T) {
	req := require.New(t)
	g := newGateway(t, 8)
	a1 := connect(t, g, "a")
	connect(t, g, "a")

	req.False(userInRoom(g, "c-ab", "a"))
	req.NoError(g.JoinKnownRoom(a1, &chat.Conversation{ID: "c-ab", Participants: [2]string{"a", "b"}}))
	req.True(userInRoom(g, "c-ab", "a"))
	req.True(g.InRoom("c-ab", a1))
	req.ErrorIs(g.JoinKnownRoom(a1, &chat.Conversation{ID: "c-bd", Participants: [2]string{"b", "d"}}), chat.ErrForbidden)
}
