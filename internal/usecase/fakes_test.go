package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"conversation-engine/internal/domain"
)

// memStore applies the same conditions as the DynamoDB repository under a
// single lock.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]domain.UserSession
	conns    map[string]string
	convs    map[string]domain.Conversation
	msgs     map[string][]domain.Message
	msgIDs   map[string]bool
	queue    map[string]domain.QueueEntry
	errs     map[string]error
	calls    map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		sessions: map[string]domain.UserSession{},
		conns:    map[string]string{},
		convs:    map[string]domain.Conversation{},
		msgs:     map[string][]domain.Message{},
		msgIDs:   map[string]bool{},
		queue:    map[string]domain.QueueEntry{},
		errs:     map[string]error{},
		calls:    map[string]int{},
	}
}

func notFound(what string) error { return fmt.Errorf("mem: %s: %w", what, domain.ErrNotFound) }
func condFailed(what string) error { return fmt.Errorf("mem: %s: %w", what, domain.ErrConditionFailed) }

// enter locks the store and returns an injected error for op, if any.
func (s *memStore) enter(op string) error {
	s.mu.Lock()
	s.calls[op]++
	return s.errs[op]
}

func (s *memStore) failOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[op] = err
}

func (s *memStore) callCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *memStore) session(userID string) domain.UserSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[userID]
}

func (s *memStore) putSession(sess domain.UserSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.UserID] = sess
	if sess.ConnectionHandle != "" {
		s.conns[sess.ConnectionHandle] = sess.UserID
	}
}

func (s *memStore) GetSession(_ context.Context, userID string) (domain.UserSession, error) {
	if err := s.enter("GetSession"); err != nil {
		s.mu.Unlock()
		return domain.UserSession{}, err
	}
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return domain.UserSession{}, notFound("session")
	}
	return sess, nil
}

func (s *memStore) RegisterConnection(_ context.Context, id domain.Identity, handle string, at time.Time) (domain.UserSession, bool, error) {
	if err := s.enter("RegisterConnection"); err != nil {
		s.mu.Unlock()
		return domain.UserSession{}, false, err
	}
	defer s.mu.Unlock()
	prior, existed := s.sessions[id.UserID]
	if existed && prior.ConnectedAt.After(at) {
		return domain.UserSession{}, false, condFailed("register")
	}
	next := prior
	if !existed {
		next = domain.UserSession{UserID: id.UserID, Email: id.Email, CreatedAt: at}
	}
	next.ConnectionHandle = handle
	next.Presence = domain.PresenceOnline
	next.ConnectedAt = at
	next.LastSeen = at
	if id.Email != "" {
		next.Email = id.Email
	}
	s.sessions[id.UserID] = next
	return prior, existed, nil
}

func (s *memStore) ClearConnection(_ context.Context, userID, handle string, at time.Time) error {
	if err := s.enter("ClearConnection"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return notFound("session")
	}
	if sess.ConnectionHandle != handle {
		return condFailed("clear connection")
	}
	sess.ConnectionHandle = ""
	sess.Presence = domain.PresenceOffline
	sess.LastSeen = at
	s.sessions[userID] = sess
	return nil
}

func (s *memStore) PutConnection(_ context.Context, handle, userID string, _ time.Time) error {
	if err := s.enter("PutConnection"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	s.conns[handle] = userID
	return nil
}

func (s *memStore) GetConnectionOwner(_ context.Context, handle string) (string, error) {
	if err := s.enter("GetConnectionOwner"); err != nil {
		s.mu.Unlock()
		return "", err
	}
	defer s.mu.Unlock()
	userID, ok := s.conns[handle]
	if !ok {
		return "", notFound("connection")
	}
	return userID, nil
}

func (s *memStore) DeleteConnection(_ context.Context, handle, userID string) error {
	if err := s.enter("DeleteConnection"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	if owner, ok := s.conns[handle]; ok && owner != userID {
		return condFailed("delete connection")
	}
	delete(s.conns, handle)
	return nil
}

func (s *memStore) SetReady(_ context.Context, userID, chatID string, ready bool) (domain.UserSession, error) {
	if err := s.enter("SetReady"); err != nil {
		s.mu.Unlock()
		return domain.UserSession{}, err
	}
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return domain.UserSession{}, notFound("session")
	}
	if ready && sess.ChatID != chatID {
		return domain.UserSession{}, condFailed("set ready")
	}
	sess.Ready = ready
	s.sessions[userID] = sess
	return sess, nil
}

func (s *memStore) UpdatePresence(_ context.Context, userID string, p domain.Presence, at time.Time) error {
	if err := s.enter("UpdatePresence"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return notFound("session")
	}
	sess.Presence = p
	sess.LastSeen = at
	s.sessions[userID] = sess
	return nil
}

func (s *memStore) ClearChat(_ context.Context, userID, chatID string) error {
	if err := s.enter("ClearChat"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return notFound("session")
	}
	if sess.ChatID != chatID {
		return condFailed("clear chat")
	}
	sess.ChatID = ""
	sess.Ready = false
	sess.QuestionIndex = 0
	s.sessions[userID] = sess
	return nil
}

func (s *memStore) AdvanceQuestion(_ context.Context, chatID string, participants [2]string, expected int, at time.Time) error {
	if err := s.enter("AdvanceQuestion"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	conv, ok := s.convs[chatID]
	if !ok || conv.QuestionIndex != expected || conv.State() != domain.ConversationActive {
		return condFailed("advance conversation")
	}
	for _, u := range participants {
		sess, ok := s.sessions[u]
		if !ok || sess.ChatID != chatID || !sess.Ready || sess.QuestionIndex != expected {
			return condFailed("advance session")
		}
	}
	for _, u := range participants {
		sess := s.sessions[u]
		sess.Ready = false
		sess.QuestionIndex = expected + 1
		s.sessions[u] = sess
	}
	conv.QuestionIndex = expected + 1
	conv.LastUpdated = at
	s.convs[chatID] = conv
	return nil
}

func (s *memStore) PutQueueEntry(_ context.Context, e domain.QueueEntry) error {
	if err := s.enter("PutQueueEntry"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	if prior, ok := s.queue[e.UserID]; ok && !prior.Expired(e.JoinedAt) {
		return condFailed("queue entry")
	}
	s.queue[e.UserID] = e
	return nil
}

func (s *memStore) ListQueueEntries(_ context.Context) ([]domain.QueueEntry, error) {
	if err := s.enter("ListQueueEntries"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer s.mu.Unlock()
	entries := make([]domain.QueueEntry, 0, len(s.queue))
	for _, e := range s.queue {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].UserID < entries[j].UserID
		}
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})
	return entries, nil
}

func (s *memStore) DeleteQueueEntry(_ context.Context, userID string) error {
	if err := s.enter("DeleteQueueEntry"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	delete(s.queue, userID)
	return nil
}

func (s *memStore) queued(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queue[userID]
	return ok
}

func (s *memStore) CreateConversation(_ context.Context, conv domain.Conversation, claimQueue bool) error {
	if err := s.enter("CreateConversation"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.convs[conv.ChatID]; ok {
		return condFailed("conversation exists")
	}
	participants := []string{conv.ParticipantA, conv.ParticipantB}
	for _, u := range participants {
		sess, ok := s.sessions[u]
		if !ok || sess.ChatID != "" {
			return condFailed("participant unavailable")
		}
		if claimQueue {
			if _, ok := s.queue[u]; !ok {
				return condFailed("queue entry claimed")
			}
		}
	}
	for _, u := range participants {
		sess := s.sessions[u]
		sess.ChatID = conv.ChatID
		sess.Ready = false
		sess.QuestionIndex = 0
		s.sessions[u] = sess
		if claimQueue {
			delete(s.queue, u)
		}
	}
	s.convs[conv.ChatID] = conv
	return nil
}

func (s *memStore) GetConversation(_ context.Context, chatID string) (domain.Conversation, error) {
	if err := s.enter("GetConversation"); err != nil {
		s.mu.Unlock()
		return domain.Conversation{}, err
	}
	defer s.mu.Unlock()
	conv, ok := s.convs[chatID]
	if !ok {
		return domain.Conversation{}, notFound("conversation")
	}
	return conv, nil
}

func (s *memStore) EndConversation(_ context.Context, chatID, endedBy, reason string, at time.Time) (domain.Conversation, error) {
	if err := s.enter("EndConversation"); err != nil {
		s.mu.Unlock()
		return domain.Conversation{}, err
	}
	defer s.mu.Unlock()
	conv, ok := s.convs[chatID]
	if !ok {
		return domain.Conversation{}, notFound("conversation")
	}
	if conv.EndedBy != "" {
		return domain.Conversation{}, condFailed("already ended")
	}
	conv.EndedBy = endedBy
	conv.EndReason = reason
	conv.LastUpdated = at
	s.convs[chatID] = conv
	return conv, nil
}

func (s *memStore) SaveMessage(_ context.Context, msg domain.Message, at time.Time) error {
	if err := s.enter("SaveMessage"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	if s.msgIDs[msg.ChatID+"/"+msg.MessageID] {
		return fmt.Errorf("mem: message: %w", domain.ErrDuplicate)
	}
	conv, ok := s.convs[msg.ChatID]
	if !ok || conv.State() == domain.ConversationEnded {
		return condFailed("conversation not active")
	}
	s.msgIDs[msg.ChatID+"/"+msg.MessageID] = true
	list := append(s.msgs[msg.ChatID], msg)
	sort.SliceStable(list, func(i, j int) bool { return msgLess(list[i], list[j]) })
	s.msgs[msg.ChatID] = list
	conv.LastMessage = &domain.LastMessage{Content: msg.Content, SenderID: msg.SenderID, SentAt: msg.SentAt}
	conv.LastUpdated = at
	s.convs[msg.ChatID] = conv
	return nil
}

func msgLess(a, b domain.Message) bool {
	if a.SentAt.Equal(b.SentAt) {
		return a.MessageID < b.MessageID
	}
	return a.SentAt.Before(b.SentAt)
}

func (s *memStore) MarkDelivered(_ context.Context, chatID, messageID string, _ time.Time) error {
	if err := s.enter("MarkDelivered"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	for i, m := range s.msgs[chatID] {
		if m.MessageID == messageID {
			s.msgs[chatID][i].Delivered = true
		}
	}
	return nil
}

func (s *memStore) ListMessages(_ context.Context, chatID string, limit int, cursor string) (domain.MessagePage, error) {
	if err := s.enter("ListMessages"); err != nil {
		s.mu.Unlock()
		return domain.MessagePage{}, err
	}
	defer s.mu.Unlock()
	start := 0
	if cursor != "" {
		after, err := parseMemCursor(cursor)
		if err != nil {
			return domain.MessagePage{}, err
		}
		start = len(s.msgs[chatID])
		for i, m := range s.msgs[chatID] {
			if msgLess(after, m) {
				start = i
				break
			}
		}
	}
	rest := s.msgs[chatID][start:]
	page := domain.MessagePage{}
	if len(rest) > limit {
		rest = rest[:limit]
		last := rest[len(rest)-1]
		page.NextCursor = fmt.Sprintf("%d#%s", last.SentAt.UnixNano(), last.MessageID)
	}
	page.Messages = append([]domain.Message(nil), rest...)
	return page, nil
}

func parseMemCursor(cursor string) (domain.Message, error) {
	nanos, id, ok := strings.Cut(cursor, "#")
	n, err := strconv.ParseInt(nanos, 10, 64)
	if !ok || err != nil || id == "" {
		return domain.Message{}, fmt.Errorf("mem: cursor: %w", domain.ErrInvalidCursor)
	}
	return domain.Message{SentAt: time.Unix(0, n).UTC(), MessageID: id}, nil
}

func (s *memStore) ListUndelivered(_ context.Context, chatID, recipientID string) ([]domain.Message, error) {
	if err := s.enter("ListUndelivered"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer s.mu.Unlock()
	var out []domain.Message
	for _, m := range s.msgs[chatID] {
		if !m.Delivered && m.SenderID != recipientID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) messages(chatID string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.msgs[chatID]...)
}

type goneErr struct{}

func (goneErr) Error() string { return "gone" }
func (goneErr) Gone() bool    { return true }

type pushed struct {
	ConnectionID string
	Note         domain.Notification
}

type fakePusher struct {
	mu     sync.Mutex
	sent   []pushed
	gone   map[string]bool
	failed map[string]error
}

func newFakePusher() *fakePusher {
	return &fakePusher{gone: map[string]bool{}, failed: map[string]error{}}
}

func (p *fakePusher) Push(_ context.Context, connectionID string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone[connectionID] {
		return fmt.Errorf("push: %w", goneErr{})
	}
	if err := p.failed[connectionID]; err != nil {
		return err
	}
	var note domain.Notification
	if err := json.Unmarshal(payload, &note); err != nil {
		return err
	}
	p.sent = append(p.sent, pushed{ConnectionID: connectionID, Note: note})
	return nil
}

func (p *fakePusher) markGone(connectionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gone[connectionID] = true
}

func (p *fakePusher) to(connectionID string) []domain.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Notification
	for _, s := range p.sent {
		if s.ConnectionID == connectionID {
			out = append(out, s.Note)
		}
	}
	return out
}

func (p *fakePusher) count(connectionID string, typ domain.NotificationType) int {
	n := 0
	for _, note := range p.to(connectionID) {
		if note.Type == typ {
			n++
		}
	}
	return n
}

// fakeVerifier accepts tokens of the form "token-<userID>".
type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, token string) (domain.Identity, error) {
	userID, ok := strings.CutPrefix(token, "token-")
	if !ok || userID == "" {
		return domain.Identity{}, fmt.Errorf("fake: bad token %q", token)
	}
	return domain.Identity{UserID: userID, Email: userID + "@example.com"}, nil
}

type engine struct {
	store    *memStore
	push     *fakePusher
	registry *Registry
	convs    *Conversations
	match    *Matchmaker
	ready    *Readiness
	relay    *Relay
	presence *PresenceService
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	store := newMemStore()
	push := newFakePusher()
	log := discardLogger()

	n, err := NewNotifier(push, store, time.Second, log)
	require.NoError(t, err)
	registry, err := NewRegistry(fakeVerifier{}, store, store, n, log)
	require.NoError(t, err)
	convs, err := NewConversations(store, store, n, log)
	require.NoError(t, err)
	match, err := NewMatchmaker(store, store, convs, MatchmakerOptions{EntryTTL: time.Minute, MaxPairAttempts: 3}, log)
	require.NoError(t, err)
	ready, err := NewReadiness(store, store, store, n, log)
	require.NoError(t, err)
	relay, err := NewRelay(store, store, store, n, RelayOptions{MaxMessageLength: 20, HistoryLimit: 2, HistoryMaxLimit: 5}, log)
	require.NoError(t, err)
	presence, err := NewPresenceService(store, store, n, log)
	require.NoError(t, err)

	return &engine{store: store, push: push, registry: registry, convs: convs, match: match, ready: ready, relay: relay, presence: presence}
}

// connect registers userID on handle "conn-<userID>".
func (e *engine) connect(t *testing.T, userID string) string {
	t.Helper()
	handle := "conn-" + userID
	_, err := e.registry.Connect(context.Background(), ConnectInput{Token: "token-" + userID, ConnectionID: handle})
	require.NoError(t, err)
	return handle
}

// paired connects both users and starts their conversation.
func (e *engine) paired(t *testing.T, a, b string) domain.Conversation {
	t.Helper()
	e.connect(t, a)
	e.connect(t, b)
	conv, err := e.convs.Create(context.Background(), a, b)
	require.NoError(t, err)
	return conv
}

func requireCode(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	require.Error(t, err)
	var ue *Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, code, ue.Code)
	if reason != "" {
		require.Equal(t, reason, ue.Reason)
	}
}

func withClock(t *testing.T, at time.Time) {
	t.Helper()
	orig := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = orig })
}
