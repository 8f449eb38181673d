package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/songforge/support-gateway/internal/auth"
	"github.com/songforge/support-gateway/internal/autoreply"
	"github.com/songforge/support-gateway/internal/llm"
	"github.com/songforge/support-gateway/internal/model"
	"github.com/songforge/support-gateway/internal/store"
	"github.com/songforge/support-gateway/pkg/logger"
)

const testSecret = "hub-test-secret"

// fakeTransport is an in-process stand-in for *websocket.Conn. Outbound
// frames are captured for assertions; inbound bytes are fed through a channel.
type fakeTransport struct {
	mu      sync.Mutex
	frames  []model.Frame
	pings   int
	closed  bool
	inbound chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan []byte, 16)}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	raw, ok := <-f.inbound
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return websocket.TextMessage, raw, nil
}

func (f *fakeTransport) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("write on closed connection")
	}
	frame, ok := v.(model.Frame)
	if !ok {
		return fmt.Errorf("unexpected write of %T", v)
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) WriteControl(messageType int, _ []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("write on closed connection")
	}
	if messageType == websocket.PingMessage {
		f.pings++
	}
	return nil
}

func (f *fakeTransport) SetReadLimit(int64)                {}
func (f *fakeTransport) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeTransport) SetPongHandler(func(string) error) {}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbound)
	}
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) framesOfType(t model.FrameType) []model.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Frame
	for _, fr := range f.frames {
		if fr.Type == t {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeTransport) lastOfType(t model.FrameType) (model.Frame, bool) {
	frames := f.framesOfType(t)
	if len(frames) == 0 {
		return model.Frame{}, false
	}
	return frames[len(frames)-1], true
}

func mustUnmarshal(t *testing.T, data json.RawMessage, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
}

func mustFrame(t *testing.T, ft *fakeTransport, typ model.FrameType) model.Frame {
	t.Helper()
	frame, ok := ft.lastOfType(typ)
	if !ok {
		t.Fatalf("expected a %q frame, got %v", typ, allTypes(ft))
	}
	return frame
}

func allTypes(ft *fakeTransport) []model.FrameType {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	out := make([]model.FrameType, 0, len(ft.frames))
	for _, fr := range ft.frames {
		out = append(out, fr.Type)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestHub(t *testing.T, st store.Store) *Hub {
	t.Helper()
	log, err := logger.New("error")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return NewHub(st, auth.NewVerifier(testSecret), nil, nil, log, Options{})
}

// register wires an already-authenticated connection into the hub, skipping
// the token handshake.
func register(h *Hub, userID int64, name string, agent bool) (*Conn, *fakeTransport) {
	ft := newFakeTransport()
	c := newConn(fmt.Sprintf("conn-%d-%v", userID, agent), ft)
	c.userID = userID
	c.name = name
	c.isAgent = agent
	c.authed.Store(true)
	h.registry.Put(c)
	return c, ft
}

func signToken(t *testing.T, userID int64, name string, admin bool, expiresIn time.Duration) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprint(userID),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Name:  name,
		Admin: admin,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func dispatchFrame(t *testing.T, h *Hub, c *Conn, typ model.FrameType, payload any) {
	t.Helper()
	frame, err := model.NewFrame(typ, payload)
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	h.dispatch(c, frame)
}

func seedTicket(st *store.MemoryStore, id, ownerID int64, assignedTo *int64) {
	status := model.TicketStatusOpen
	if assignedTo != nil {
		status = model.TicketStatusInProgress
	}
	st.SeedTicket(model.Ticket{
		ID:         id,
		UserID:     ownerID,
		Subject:    "custom anniversary song",
		Status:     status,
		AssignedTo: assignedTo,
	})
}

func TestPreAuthFramesRejected(t *testing.T) {
	h := newTestHub(t, store.NewMemory())
	ft := newFakeTransport()
	c := newConn("unauth", ft)

	dispatchFrame(t, h, c, model.FrameMessage, model.ChatPayload{ConversationID: 1, Content: "hi"})

	frame := mustFrame(t, ft, model.FrameError)
	var p model.ErrorPayload
	mustUnmarshal(t, frame.Data, &p)
	if p.Message != "not authenticated" {
		t.Fatalf("error = %q, want %q", p.Message, "not authenticated")
	}
	if _, ok := ft.lastOfType(model.FrameMessageSent); ok {
		t.Fatal("unauthenticated message must not be processed")
	}
}

func TestPingAllowedBeforeAuth(t *testing.T) {
	h := newTestHub(t, store.NewMemory())
	ft := newFakeTransport()
	c := newConn("unauth", ft)

	dispatchFrame(t, h, c, model.FramePing, nil)

	if _, ok := ft.lastOfType(model.FramePong); !ok {
		t.Fatal("ping should be answered before authentication")
	}
}

func TestAuthenticateSuccess(t *testing.T) {
	st := store.NewMemory()
	st.SeedUser(model.User{ID: 7, Name: "Maya", IsAdmin: false})
	h := newTestHub(t, st)

	ft := newFakeTransport()
	c := newConn("c1", ft)
	dispatchFrame(t, h, c, model.FrameAuthenticate, model.AuthenticatePayload{
		Token: signToken(t, 7, "Maya", false, time.Hour),
	})

	frame := mustFrame(t, ft, model.FrameAuthSuccess)
	var p model.AuthSuccessPayload
	mustUnmarshal(t, frame.Data, &p)
	if p.UserID != 7 || p.IsAdmin {
		t.Fatalf("auth_success = %+v, want userId 7, customer", p)
	}
	if h.registry.Customer(7) != c {
		t.Fatal("authenticated connection missing from registry")
	}
}

func TestAuthenticateRejectsBadToken(t *testing.T) {
	h := newTestHub(t, store.NewMemory())

	cases := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"expired", signToken(t, 7, "Maya", false, -time.Hour)},
		{"empty", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ft := newFakeTransport()
			c := newConn("c1", ft)
			dispatchFrame(t, h, c, model.FrameAuthenticate, model.AuthenticatePayload{Token: tc.token})

			if _, ok := ft.lastOfType(model.FrameAuthError); !ok {
				t.Fatalf("expected auth_error, got %v", allTypes(ft))
			}
			if c.authed.Load() {
				t.Fatal("connection must stay unauthenticated")
			}
			if h.registry.Customer(7) != nil {
				t.Fatal("rejected connection must not be registered")
			}
		})
	}
}

func TestAuthenticateReplacesPriorConnection(t *testing.T) {
	h := newTestHub(t, store.NewMemory())

	_, oldFT := register(h, 7, "Maya", false)

	ft := newFakeTransport()
	c := newConn("c2", ft)
	dispatchFrame(t, h, c, model.FrameAuthenticate, model.AuthenticatePayload{
		Token: signToken(t, 7, "Maya", false, time.Hour),
	})

	if !oldFT.isClosed() {
		t.Fatal("prior connection for the same identity should be closed")
	}
	if h.registry.Customer(7) != c {
		t.Fatal("registry should hold the newer connection")
	}
}

func TestReauthenticateOnLiveConnectionRejected(t *testing.T) {
	h := newTestHub(t, store.NewMemory())

	c, ft := register(h, 5, "Maya", false)

	// A second authenticate with a different (valid) token must not swap
	// the connection's identity or leave a stale registry entry behind.
	dispatchFrame(t, h, c, model.FrameAuthenticate, model.AuthenticatePayload{
		Token: signToken(t, 6, "Imposter", false, time.Hour),
	})

	frame := mustFrame(t, ft, model.FrameError)
	var p model.ErrorPayload
	mustUnmarshal(t, frame.Data, &p)
	if p.Message != "already authenticated" {
		t.Fatalf("error = %q, want %q", p.Message, "already authenticated")
	}
	if _, ok := ft.lastOfType(model.FrameAuthSuccess); ok {
		t.Fatal("repeat authenticate must not succeed")
	}
	if c.userID != 5 || c.isAgent {
		t.Fatalf("identity changed to user %d (agent=%v), must stay user 5", c.userID, c.isAgent)
	}
	if h.registry.Customer(5) != c {
		t.Fatal("registry entry for the original identity should be untouched")
	}
	if h.registry.Customer(6) != nil {
		t.Fatal("no registry entry may appear for the rejected identity")
	}
}

func TestChatAccessDenied(t *testing.T) {
	st := store.NewMemory()
	st.SeedUser(model.User{ID: 7, Name: "Maya"})
	seedTicket(st, 1, 99, nil) // owned by someone else

	h := newTestHub(t, st)
	c, ft := register(h, 7, "Maya", false)

	dispatchFrame(t, h, c, model.FrameMessage, model.ChatPayload{ConversationID: 1, Content: "hello?"})

	frame := mustFrame(t, ft, model.FrameError)
	var p model.ErrorPayload
	mustUnmarshal(t, frame.Data, &p)
	if p.Message != "ticket not found or access denied" {
		t.Fatalf("error = %q", p.Message)
	}
	if _, ok := ft.lastOfType(model.FrameMessageSent); ok {
		t.Fatal("denied message must not be acknowledged")
	}

	msgs, err := st.MessagesAfter(context.Background(), 1, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("denied message must not be persisted, found %d rows", len(msgs))
	}

	// A missing ticket reads exactly the same to the caller.
	dispatchFrame(t, h, c, model.FrameMessage, model.ChatPayload{ConversationID: 404, Content: "hello?"})
	frame = mustFrame(t, ft, model.FrameError)
	mustUnmarshal(t, frame.Data, &p)
	if p.Message != "ticket not found or access denied" {
		t.Fatalf("missing-ticket error = %q, must be indistinguishable from denial", p.Message)
	}
}

func TestChatValidatesPayload(t *testing.T) {
	h := newTestHub(t, store.NewMemory())
	c, ft := register(h, 7, "Maya", false)

	cases := []model.ChatPayload{
		{ConversationID: 0, Content: "hi"},
		{ConversationID: 1, Content: ""},
		{ConversationID: 1, Content: "   "},
	}
	for i, p := range cases {
		dispatchFrame(t, h, c, model.FrameMessage, p)
		if _, ok := ft.lastOfType(model.FrameError); !ok {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

// failingStore wraps the in-memory store and refuses inserts so delivery
// behavior on persistence failure can be observed.
type failingStore struct {
	*store.MemoryStore
}

func (s *failingStore) InsertMessage(context.Context, *model.TicketMessage) error {
	return errors.New("database unavailable")
}

func TestChatNotDeliveredWhenPersistFails(t *testing.T) {
	mem := store.NewMemory()
	mem.SeedUser(model.User{ID: 7, Name: "Maya"})
	seedTicket(mem, 1, 7, nil)

	h := newTestHub(t, &failingStore{MemoryStore: mem})
	c, custFT := register(h, 7, "Maya", false)
	_, agentFT := register(h, 50, "Sam", true)

	dispatchFrame(t, h, c, model.FrameMessage, model.ChatPayload{ConversationID: 1, Content: "hello"})

	if _, ok := custFT.lastOfType(model.FrameError); !ok {
		t.Fatal("sender should get an error when persistence fails")
	}
	if _, ok := custFT.lastOfType(model.FrameMessageSent); ok {
		t.Fatal("unpersisted message must not be acknowledged")
	}
	if got := agentFT.framesOfType(model.FrameMessage); len(got) != 0 {
		t.Fatal("unpersisted message must never reach a recipient")
	}
}

func TestChatFanOutToAllAgentsWhenUnassigned(t *testing.T) {
	st := store.NewMemory()
	st.SeedUser(model.User{ID: 7, Name: "Maya"})
	seedTicket(st, 1, 7, nil)

	h := newTestHub(t, st)
	c, custFT := register(h, 7, "Maya", false)
	_, agent1 := register(h, 50, "Sam", true)
	_, agent2 := register(h, 51, "Rae", true)

	dispatchFrame(t, h, c, model.FrameMessage, model.ChatPayload{
		ConversationID: 1,
		Content:        "can you add a bridge?",
		CorrelationID:  "corr-123",
	})

	for i, ft := range []*fakeTransport{agent1, agent2} {
		frame := mustFrame(t, ft, model.FrameMessage)
		var p model.DeliverPayload
		mustUnmarshal(t, frame.Data, &p)
		if p.Message.Message != "can you add a bridge?" || p.Message.UserName != "Maya" {
			t.Fatalf("agent %d got %+v", i, p.Message)
		}
		if p.Message.ID == 0 {
			t.Fatalf("delivered message must carry its persisted id")
		}
	}

	ack := mustFrame(t, custFT, model.FrameMessageSent)
	var ackP model.MessageSentPayload
	mustUnmarshal(t, ack.Data, &ackP)
	if ackP.CorrelationID != "corr-123" {
		t.Fatalf("ack correlation id = %q, want corr-123", ackP.CorrelationID)
	}
	if ackP.MessageID == 0 {
		t.Fatal("ack must carry the persisted message id")
	}
}

func TestChatFastPathToAssignedAgent(t *testing.T) {
	st := store.NewMemory()
	st.SeedUser(model.User{ID: 7, Name: "Maya"})
	assignee := int64(50)
	seedTicket(st, 1, 7, &assignee)

	h := newTestHub(t, st)
	c, _ := register(h, 7, "Maya", false)
	_, assignedFT := register(h, 50, "Sam", true)
	_, otherFT := register(h, 51, "Rae", true)

	dispatchFrame(t, h, c, model.FrameMessage, model.ChatPayload{ConversationID: 1, Content: "any news?"})

	if got := assignedFT.framesOfType(model.FrameMessage); len(got) != 1 {
		t.Fatalf("assigned agent should get exactly one delivery, got %d", len(got))
	}
	if got := otherFT.framesOfType(model.FrameMessage); len(got) != 0 {
		t.Fatal("unassigned agent must not receive a fast-path message")
	}
}

func TestAgentReplyRoutesToOwningCustomerOnly(t *testing.T) {
	st := store.NewMemory()
	st.SeedUser(model.User{ID: 50, Name: "Sam", IsAdmin: true})
	seedTicket(st, 1, 7, nil)

	h := newTestHub(t, st)
	agent, agentFT := register(h, 50, "Sam", true)
	_, ownerFT := register(h, 7, "Maya", false)
	_, bystanderFT := register(h, 8, "Noor", false)

	dispatchFrame(t, h, agent, model.FrameMessage, model.ChatPayload{ConversationID: 1, Content: "draft attached"})

	frame := mustFrame(t, ownerFT, model.FrameMessage)
	var p model.DeliverPayload
	mustUnmarshal(t, frame.Data, &p)
	if !p.Message.IsAdmin || p.Message.UserName != "Sam" {
		t.Fatalf("owner got %+v", p.Message)
	}
	if got := bystanderFT.framesOfType(model.FrameMessage); len(got) != 0 {
		t.Fatal("other customers must never see the message")
	}
	if _, ok := agentFT.lastOfType(model.FrameMessageSent); !ok {
		t.Fatal("agent should be acknowledged")
	}
}

func TestAssignTicketImpliesStatus(t *testing.T) {
	st := store.NewMemory()
	st.SeedUser(model.User{ID: 50, Name: "Sam", IsAdmin: true})
	st.SeedUser(model.User{ID: 51, Name: "Rae", IsAdmin: true})
	seedTicket(st, 1, 7, nil)

	h := newTestHub(t, st)
	actor, actorFT := register(h, 50, "Sam", true)
	_, otherFT := register(h, 51, "Rae", true)

	assignee := int64(51)
	dispatchFrame(t, h, actor, model.FrameAssignTicket, model.AssignTicketPayload{TicketID: 1, AssignedTo: &assignee})

	ticket, err := st.TicketByID(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if ticket.AssignedTo == nil || *ticket.AssignedTo != 51 {
		t.Fatalf("assigned_to = %v, want 51", ticket.AssignedTo)
	}
	if ticket.Status != model.TicketStatusInProgress {
		t.Fatalf("status = %q, assignment must imply in_progress", ticket.Status)
	}

	// All agents, including the actor, hear about it.
	for i, ft := range []*fakeTransport{actorFT, otherFT} {
		frame := mustFrame(t, ft, model.FrameTicketAssigned)
		var p model.TicketAssignedPayload
		mustUnmarshal(t, frame.Data, &p)
		if p.AssignedTo == nil || *p.AssignedTo != 51 || p.AssignedName != "Rae" {
			t.Fatalf("agent %d got %+v", i, p)
		}
	}

	// Unassigning flips the status back to open.
	dispatchFrame(t, h, actor, model.FrameAssignTicket, model.AssignTicketPayload{TicketID: 1, AssignedTo: nil})
	ticket, err = st.TicketByID(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if ticket.AssignedTo != nil {
		t.Fatalf("assigned_to = %v, want nil", *ticket.AssignedTo)
	}
	if ticket.Status != model.TicketStatusOpen {
		t.Fatalf("status = %q, unassignment must imply open", ticket.Status)
	}
}

func TestTicketStatusAgentOnly(t *testing.T) {
	st := store.NewMemory()
	seedTicket(st, 1, 7, nil)

	h := newTestHub(t, st)
	c, ft := register(h, 7, "Maya", false)

	dispatchFrame(t, h, c, model.FrameTicketStatus, model.TicketStatusPayload{TicketID: 1, Status: model.TicketStatusClosed})

	frame := mustFrame(t, ft, model.FrameError)
	var p model.ErrorPayload
	mustUnmarshal(t, frame.Data, &p)
	if p.Message != "unauthorized" {
		t.Fatalf("error = %q, want unauthorized", p.Message)
	}

	ticket, err := st.TicketByID(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if ticket.Status != model.TicketStatusOpen {
		t.Fatalf("status = %q, customer must not change it", ticket.Status)
	}
}

func TestTicketStatusNotifiesOwnerAndOtherAgents(t *testing.T) {
	st := store.NewMemory()
	seedTicket(st, 1, 7, nil)

	h := newTestHub(t, st)
	actor, actorFT := register(h, 50, "Sam", true)
	_, otherFT := register(h, 51, "Rae", true)
	_, ownerFT := register(h, 7, "Maya", false)

	dispatchFrame(t, h, actor, model.FrameTicketStatus, model.TicketStatusPayload{TicketID: 1, Status: model.TicketStatusResolved})

	ticket, err := st.TicketByID(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if ticket.Status != model.TicketStatusResolved {
		t.Fatalf("status = %q, want resolved", ticket.Status)
	}

	for _, ft := range []*fakeTransport{ownerFT, otherFT} {
		frame := mustFrame(t, ft, model.FrameTicketStatus)
		var p model.TicketStatusPayload
		mustUnmarshal(t, frame.Data, &p)
		if p.Status != model.TicketStatusResolved {
			t.Fatalf("notice status = %q", p.Status)
		}
	}
	if got := actorFT.framesOfType(model.FrameTicketStatus); len(got) != 0 {
		t.Fatal("actor already knows; no echo expected")
	}
}

func TestTicketStatusRejectsInvalidValue(t *testing.T) {
	st := store.NewMemory()
	seedTicket(st, 1, 7, nil)

	h := newTestHub(t, st)
	actor, ft := register(h, 50, "Sam", true)

	dispatchFrame(t, h, actor, model.FrameTicketStatus, model.TicketStatusPayload{TicketID: 1, Status: "escalated"})

	if _, ok := ft.lastOfType(model.FrameError); !ok {
		t.Fatal("invalid status must be rejected")
	}
	ticket, _ := st.TicketByID(context.Background(), 1)
	if ticket.Status != model.TicketStatusOpen {
		t.Fatalf("status = %q, invalid value must not be written", ticket.Status)
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	st := store.NewMemory()
	st.SeedUser(model.User{ID: 7, Name: "Maya"})
	seedTicket(st, 1, 7, nil)
	for i := 0; i < 3; i++ {
		if err := st.InsertMessage(context.Background(), &model.TicketMessage{
			TicketID: 1, UserID: 50, Message: fmt.Sprintf("update %d", i), IsAdmin: true,
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.TouchTicket(context.Background(), 1, model.TicketStatusOpen, true); err != nil {
		t.Fatal(err)
	}

	h := newTestHub(t, st)
	c, _ := register(h, 7, "Maya", false)

	checkAllRead := func() {
		t.Helper()
		msgs, err := st.MessagesAfter(context.Background(), 1, 0, 10)
		if err != nil {
			t.Fatal(err)
		}
		for _, m := range msgs {
			if !m.IsRead {
				t.Fatalf("message %d still unread", m.ID)
			}
		}
		ticket, err := st.TicketByID(context.Background(), 1)
		if err != nil {
			t.Fatal(err)
		}
		if ticket.HasNewMessage {
			t.Fatal("new-message flag should be cleared")
		}
	}

	dispatchFrame(t, h, c, model.FrameMarkRead, model.MarkReadPayload{TicketID: 1})
	checkAllRead()

	// Marking again must land in the same state.
	dispatchFrame(t, h, c, model.FrameMarkRead, model.MarkReadPayload{TicketID: 1})
	checkAllRead()
}

func TestMarkReadDeniedForNonParticipant(t *testing.T) {
	st := store.NewMemory()
	seedTicket(st, 1, 99, nil)

	h := newTestHub(t, st)
	c, ft := register(h, 7, "Maya", false)

	dispatchFrame(t, h, c, model.FrameMarkRead, model.MarkReadPayload{TicketID: 1})
	if _, ok := ft.lastOfType(model.FrameError); !ok {
		t.Fatal("non-participant mark_read must be rejected")
	}
}

func TestCustomerMessageBumpsStatusAwaitingReply(t *testing.T) {
	st := store.NewMemory()
	st.SeedUser(model.User{ID: 7, Name: "Maya"})
	seedTicket(st, 1, 7, nil)

	h := newTestHub(t, st)
	c, custFT := register(h, 7, "Maya", false)
	_, agentFT := register(h, 50, "Sam", true)

	dispatchFrame(t, h, c, model.FrameMessage, model.ChatPayload{ConversationID: 1, Content: "is the demo ready?"})

	if _, ok := agentFT.lastOfType(model.FrameMessage); !ok {
		t.Fatal("connected agent should receive the message")
	}
	if _, ok := custFT.lastOfType(model.FrameMessageSent); !ok {
		t.Fatal("sender should be acknowledged")
	}

	waitFor(t, "status bump to awaiting_reply", func() bool {
		ticket, err := st.TicketByID(context.Background(), 1)
		return err == nil && ticket.Status == model.TicketStatusAwaitingReply
	})
}

func TestAgentReplyBumpsStatusAndUnreadFlag(t *testing.T) {
	st := store.NewMemory()
	st.SeedUser(model.User{ID: 50, Name: "Sam", IsAdmin: true})
	seedTicket(st, 1, 7, nil)
	if err := st.TouchTicket(context.Background(), 1, model.TicketStatusAwaitingReply, false); err != nil {
		t.Fatal(err)
	}

	h := newTestHub(t, st)
	agent, _ := register(h, 50, "Sam", true)
	_, ownerFT := register(h, 7, "Maya", false)

	dispatchFrame(t, h, agent, model.FrameMessage, model.ChatPayload{ConversationID: 1, Content: "demo is up"})

	if _, ok := ownerFT.lastOfType(model.FrameMessage); !ok {
		t.Fatal("owning customer should receive the reply")
	}

	waitFor(t, "status bump to open with unread flag", func() bool {
		ticket, err := st.TicketByID(context.Background(), 1)
		return err == nil && ticket.Status == model.TicketStatusOpen && ticket.HasNewMessage
	})
}

func TestAgentReplyKeepsAssignedTicketInProgress(t *testing.T) {
	st := store.NewMemory()
	st.SeedUser(model.User{ID: 50, Name: "Sam", IsAdmin: true})
	assignee := int64(50)
	seedTicket(st, 1, 7, &assignee)

	h := newTestHub(t, st)
	agent, _ := register(h, 50, "Sam", true)

	dispatchFrame(t, h, agent, model.FrameMessage, model.ChatPayload{ConversationID: 1, Content: "working on it"})

	waitFor(t, "unread flag raised without losing in_progress", func() bool {
		ticket, err := st.TicketByID(context.Background(), 1)
		return err == nil && ticket.Status == model.TicketStatusInProgress && ticket.HasNewMessage
	})
}

func TestAdminStatusBroadcastsPresence(t *testing.T) {
	st := store.NewMemory()
	st.SeedUser(model.User{ID: 50, Name: "Sam", IsAdmin: true})

	h := newTestHub(t, st)
	agent, _ := register(h, 50, "Sam", true)
	_, custFT := register(h, 7, "Maya", false)

	dispatchFrame(t, h, agent, model.FrameAdminStatus, model.AdminStatusPayload{IsOnline: true})

	frame := mustFrame(t, custFT, model.FrameAdminStatus)
	var p model.AdminStatusPayload
	mustUnmarshal(t, frame.Data, &p)
	if !p.IsOnline {
		t.Fatal("customers should see the agent online")
	}
	if p.LastActiveTime == nil {
		t.Fatal("presence should carry the last-active time")
	}

	dispatchFrame(t, h, agent, model.FrameAdminStatus, model.AdminStatusPayload{IsOnline: false})
	frame = mustFrame(t, custFT, model.FrameAdminStatus)
	mustUnmarshal(t, frame.Data, &p)
	if p.IsOnline {
		t.Fatal("explicit offline should reach customers while the socket stays up")
	}
}

func TestLastAgentDisconnectBroadcastsOffline(t *testing.T) {
	st := store.NewMemory()
	st.SeedUser(model.User{ID: 50, Name: "Sam", IsAdmin: true})
	if err := st.TouchAgentActivity(context.Background(), 50); err != nil {
		t.Fatal(err)
	}

	h := newTestHub(t, st)
	agent, _ := register(h, 50, "Sam", true)
	_, custFT := register(h, 7, "Maya", false)

	h.drop(agent)

	frame := mustFrame(t, custFT, model.FrameAdminStatus)
	var p model.AdminStatusPayload
	mustUnmarshal(t, frame.Data, &p)
	if p.IsOnline {
		t.Fatal("last agent disconnect should broadcast offline")
	}
	if h.registry.AgentCount() != 0 {
		t.Fatal("agent should be unregistered")
	}
}

func TestDropSupersededConnectionKeepsPresence(t *testing.T) {
	st := store.NewMemory()
	h := newTestHub(t, st)

	old, _ := register(h, 50, "Sam", true)
	replacement, _ := register(h, 50, "Sam", true)
	_, custFT := register(h, 7, "Maya", false)

	// The old connection's cleanup runs after it was replaced; the agent is
	// still online through the replacement.
	h.drop(old)

	if got := custFT.framesOfType(model.FrameAdminStatus); len(got) != 0 {
		t.Fatal("superseded cleanup must not broadcast offline")
	}
	if h.registry.Agent(50) != replacement {
		t.Fatal("replacement should survive stale cleanup")
	}
}

func TestSweepClosesUnresponsiveAndPingsRest(t *testing.T) {
	h := newTestHub(t, store.NewMemory())

	stale, staleFT := register(h, 7, "Maya", false)
	live, liveFT := register(h, 8, "Noor", false)

	stale.alive.Store(false)
	live.alive.Store(true)

	h.sweepOnce()

	if !staleFT.isClosed() {
		t.Fatal("unresponsive connection should be closed")
	}
	if liveFT.isClosed() {
		t.Fatal("live connection should survive the sweep")
	}
	liveFT.mu.Lock()
	pings := liveFT.pings
	liveFT.mu.Unlock()
	if pings != 1 {
		t.Fatalf("live connection got %d pings, want 1", pings)
	}
	if live.alive.Load() {
		t.Fatal("sweep should clear the liveness flag pending the next pong")
	}
}

// scriptedLLM returns a canned completion for auto-reply tests.
type scriptedLLM struct{ reply string }

func (s *scriptedLLM) Complete(context.Context, *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Content: s.reply}, nil
}
func (s *scriptedLLM) Name() string { return "scripted" }

func TestAutoReplyWhenNoAgentsOnline(t *testing.T) {
	st := store.NewMemory()
	st.SeedUser(model.User{ID: 7, Name: "Maya"})
	st.SeedUser(model.User{ID: 1000, Name: "Song Assistant", IsAdmin: true})
	seedTicket(st, 1, 7, nil)

	log, err := logger.New("error")
	if err != nil {
		t.Fatal(err)
	}
	responder := autoreply.New(&scriptedLLM{reply: "Thanks for reaching out! An agent will follow up soon."}, st, 1000, time.Minute, log)
	h := NewHub(st, auth.NewVerifier(testSecret), nil, responder, log, Options{})

	c, custFT := register(h, 7, "Maya", false)
	dispatchFrame(t, h, c, model.FrameMessage, model.ChatPayload{ConversationID: 1, Content: "anyone there?"})

	waitFor(t, "auto reply delivered to customer", func() bool {
		for _, fr := range custFT.framesOfType(model.FrameMessage) {
			var p model.DeliverPayload
			if json.Unmarshal(fr.Data, &p) == nil && p.Message.IsAutoResponse {
				return true
			}
		}
		return false
	})

	msgs, err := st.MessagesAfter(context.Background(), 1, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	var auto *model.TicketMessage
	for i := range msgs {
		if msgs[i].IsAutoResponse {
			auto = &msgs[i]
		}
	}
	if auto == nil {
		t.Fatal("auto reply should be persisted")
	}
	if !auto.IsAdmin || auto.UserID != 1000 {
		t.Fatalf("auto reply should be agent-authored by the assistant identity, got %+v", auto)
	}
}

func TestNoAutoReplyWhileAgentsOnline(t *testing.T) {
	st := store.NewMemory()
	st.SeedUser(model.User{ID: 7, Name: "Maya"})
	seedTicket(st, 1, 7, nil)

	log, err := logger.New("error")
	if err != nil {
		t.Fatal(err)
	}
	responder := autoreply.New(&scriptedLLM{reply: "canned"}, st, 1000, time.Minute, log)
	h := NewHub(st, auth.NewVerifier(testSecret), nil, responder, log, Options{})

	c, _ := register(h, 7, "Maya", false)
	_, agentFT := register(h, 50, "Sam", true)

	dispatchFrame(t, h, c, model.FrameMessage, model.ChatPayload{ConversationID: 1, Content: "hello"})

	if _, ok := agentFT.lastOfType(model.FrameMessage); !ok {
		t.Fatal("agent should receive the message")
	}

	// Give a stray auto-reply goroutine a chance to run, then verify none did.
	time.Sleep(100 * time.Millisecond)
	msgs, err := st.MessagesAfter(context.Background(), 1, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range msgs {
		if m.IsAutoResponse {
			t.Fatal("no auto reply while an agent is connected")
		}
	}
}

func TestUnknownFrameType(t *testing.T) {
	h := newTestHub(t, store.NewMemory())
	c, ft := register(h, 7, "Maya", false)

	h.dispatch(c, model.Frame{Type: "subscribe"})

	frame := mustFrame(t, ft, model.FrameError)
	var p model.ErrorPayload
	mustUnmarshal(t, frame.Data, &p)
	if p.Message != "unknown message type" {
		t.Fatalf("error = %q", p.Message)
	}
}

func TestServeHandlesMalformedFrame(t *testing.T) {
	h := newTestHub(t, store.NewMemory())
	ft := newFakeTransport()
	c := newConn("c1", ft)

	done := make(chan struct{})
	go func() {
		h.serve(c)
		close(done)
	}()

	ft.inbound <- []byte("{not json")
	ft.inbound <- mustMarshalFrame(t, model.FramePing, nil)

	waitFor(t, "pong after malformed frame", func() bool {
		_, ok := ft.lastOfType(model.FramePong)
		return ok
	})
	if _, ok := ft.lastOfType(model.FrameError); !ok {
		t.Fatal("malformed frame should be reported")
	}

	ft.Close()
	<-done
}

func mustMarshalFrame(t *testing.T, typ model.FrameType, payload any) []byte {
	t.Helper()
	frame, err := model.NewFrame(typ, payload)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}
