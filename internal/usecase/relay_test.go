package usecase

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"conversation-engine/internal/domain"
)

func sendInput(chatID, id string, at time.Time) SendInput {
	return SendInput{
		SenderID:     "alice",
		ConnectionID: "conn-alice",
		ChatID:       chatID,
		MessageID:    id,
		Content:      "hello",
		SentAt:       at.Format(time.RFC3339Nano),
	}
}

func TestSend_PushesToOnlinePartner(t *testing.T) {
	e := newEngine(t)
	conv := e.paired(t, "alice", "bob")

	out, err := e.relay.Send(context.Background(), sendInput(conv.ChatID, "m1", t0))
	require.NoError(t, err)
	require.True(t, out.Delivered)
	require.False(t, out.Duplicate)

	notes := e.push.to("conn-bob")
	last := notes[len(notes)-1]
	require.Equal(t, domain.NotificationNewMessage, last.Type)
	require.Equal(t, "hello", last.Message.Content)
	require.Equal(t, "alice", last.Message.SenderID)
	require.True(t, t0.Equal(last.Message.SentAt))

	stored := e.store.messages(conv.ChatID)
	require.Len(t, stored, 1)
	require.True(t, stored[0].Delivered)

	got, err := e.convs.Get(context.Background(), conv.ChatID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessage)
	require.Equal(t, "hello", got.LastMessage.Content)
}

func TestSend_OfflinePartnerStoresUndelivered(t *testing.T) {
	e := newEngine(t)
	conv := e.paired(t, "alice", "bob")
	_, err := e.registry.Disconnect(context.Background(), "conn-bob")
	require.NoError(t, err)

	out, err := e.relay.Send(context.Background(), sendInput(conv.ChatID, "m1", t0))
	require.NoError(t, err)
	require.False(t, out.Delivered)
	require.False(t, e.store.messages(conv.ChatID)[0].Delivered)
}

func TestSend_DuplicateIsNotPushedTwice(t *testing.T) {
	e := newEngine(t)
	conv := e.paired(t, "alice", "bob")

	_, err := e.relay.Send(context.Background(), sendInput(conv.ChatID, "m1", t0))
	require.NoError(t, err)
	out, err := e.relay.Send(context.Background(), sendInput(conv.ChatID, "m1", t0.Add(time.Second)))
	require.NoError(t, err)
	require.True(t, out.Duplicate)

	require.Len(t, e.store.messages(conv.ChatID), 1)
	require.Equal(t, 1, e.push.count("conn-bob", domain.NotificationNewMessage))
}

func TestSend_Validation(t *testing.T) {
	e := newEngine(t)
	conv := e.paired(t, "alice", "bob")

	tests := []struct {
		name   string
		mutate func(*SendInput)
		code   ErrorCode
		reason string
	}{
		{name: "empty content", mutate: func(in *SendInput) { in.Content = "  " }, code: ErrorValidation, reason: "empty_content"},
		{name: "too long", mutate: func(in *SendInput) { in.Content = strings.Repeat("é", 21) }, code: ErrorValidation, reason: "content_too_long"},
		{name: "missing message id", mutate: func(in *SendInput) { in.MessageID = "" }, code: ErrorValidation, reason: "missing_message_id"},
		{name: "missing chat", mutate: func(in *SendInput) { in.ChatID = "" }, code: ErrorValidation, reason: "missing_chat_id"},
		{name: "missing sent at", mutate: func(in *SendInput) { in.SentAt = "" }, code: ErrorValidation, reason: "missing_sent_at"},
		{name: "bad sent at", mutate: func(in *SendInput) { in.SentAt = "yesterday" }, code: ErrorValidation, reason: "invalid_sent_at"},
		{name: "missing connection", mutate: func(in *SendInput) { in.ConnectionID = "" }, code: ErrorAuthentication, reason: "missing_connection_id"},
		{name: "spoofed connection", mutate: func(in *SendInput) { in.ConnectionID = "conn-bob" }, code: ErrorAuthentication, reason: "connection_mismatch"},
		{name: "unknown conversation", mutate: func(in *SendInput) { in.ChatID = "alice#zed" }, code: ErrorNotFound, reason: "conversation_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := sendInput(conv.ChatID, "m1", t0)
			tt.mutate(&in)
			_, err := e.relay.Send(context.Background(), in)
			requireCode(t, err, tt.code, tt.reason)
		})
	}
	require.Empty(t, e.store.messages(conv.ChatID))
}

func TestSend_NonParticipant(t *testing.T) {
	e := newEngine(t)
	conv := e.paired(t, "alice", "bob")
	e.connect(t, "carol")

	in := sendInput(conv.ChatID, "m1", t0)
	in.SenderID, in.ConnectionID = "carol", "conn-carol"
	_, err := e.relay.Send(context.Background(), in)
	requireCode(t, err, ErrorValidation, "not_participant")
}

func TestSend_EndedConversation(t *testing.T) {
	e := newEngine(t)
	conv := e.paired(t, "alice", "bob")
	_, err := e.convs.End(context.Background(), EndInput{UserID: "bob", ChatID: conv.ChatID})
	require.NoError(t, err)

	_, err = e.relay.Send(context.Background(), sendInput(conv.ChatID, "m1", t0))
	requireCode(t, err, ErrorConflict, "conversation_ended")
}

func TestSend_GonePartnerIsCleared(t *testing.T) {
	e := newEngine(t)
	conv := e.paired(t, "alice", "bob")
	e.push.markGone("conn-bob")

	out, err := e.relay.Send(context.Background(), sendInput(conv.ChatID, "m1", t0))
	require.NoError(t, err)
	require.False(t, out.Delivered)
	require.Empty(t, e.store.session("bob").ConnectionHandle)
	_, err = e.registry.ResolveConnection(context.Background(), "conn-bob")
	requireCode(t, err, ErrorAuthentication, "unknown_connection")
}

func TestHistory_AscendingPages(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	conv := e.paired(t, "alice", "bob")
	_, err := e.registry.Disconnect(ctx, "conn-bob")
	require.NoError(t, err)

	for _, m := range []struct {
		id string
		at time.Time
	}{{"m3", t0.Add(3 * time.Second)}, {"m1", t0.Add(time.Second)}, {"m2", t0.Add(2 * time.Second)}} {
		_, err := e.relay.Send(ctx, sendInput(conv.ChatID, m.id, m.at))
		require.NoError(t, err)
	}

	page, err := e.relay.History(ctx, HistoryInput{UserID: "bob", ChatID: conv.ChatID})
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	require.Equal(t, "m1", page.Messages[0].MessageID)
	require.Equal(t, "m2", page.Messages[1].MessageID)
	require.True(t, page.Messages[0].Delivered)
	require.NotEmpty(t, page.NextCursor)

	page, err = e.relay.History(ctx, HistoryInput{UserID: "bob", ChatID: conv.ChatID, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	require.Equal(t, "m3", page.Messages[0].MessageID)
	require.Empty(t, page.NextCursor)

	for _, m := range e.store.messages(conv.ChatID) {
		require.True(t, m.Delivered, m.MessageID)
	}
}

func TestHistory_SenderReadDoesNotMarkDelivered(t *testing.T) {
	e := newEngine(t)
	conv := e.paired(t, "alice", "bob")
	_, err := e.registry.Disconnect(context.Background(), "conn-bob")
	require.NoError(t, err)
	_, err = e.relay.Send(context.Background(), sendInput(conv.ChatID, "m1", t0))
	require.NoError(t, err)

	page, err := e.relay.History(context.Background(), HistoryInput{UserID: "alice", ChatID: conv.ChatID, Limit: 99})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	require.False(t, page.Messages[0].Delivered)
	require.False(t, e.store.messages(conv.ChatID)[0].Delivered)
}

func TestHistory_AvailableAfterEnd(t *testing.T) {
	e := newEngine(t)
	conv := e.paired(t, "alice", "bob")
	_, err := e.relay.Send(context.Background(), sendInput(conv.ChatID, "m1", t0))
	require.NoError(t, err)
	_, err = e.convs.End(context.Background(), EndInput{UserID: "alice", ChatID: conv.ChatID})
	require.NoError(t, err)

	page, err := e.relay.History(context.Background(), HistoryInput{UserID: "bob", ChatID: conv.ChatID})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
}

func TestHistory_Rejections(t *testing.T) {
	e := newEngine(t)
	conv := e.paired(t, "alice", "bob")

	_, err := e.relay.History(context.Background(), HistoryInput{UserID: "bob", ChatID: conv.ChatID, Cursor: "garbage"})
	requireCode(t, err, ErrorValidation, "invalid_cursor")
	_, err = e.relay.History(context.Background(), HistoryInput{UserID: "bob", ChatID: conv.ChatID, Limit: -1})
	requireCode(t, err, ErrorValidation, "invalid_limit")
	_, err = e.relay.History(context.Background(), HistoryInput{UserID: "carol", ChatID: conv.ChatID})
	requireCode(t, err, ErrorValidation, "not_participant")
	_, err = e.relay.History(context.Background(), HistoryInput{UserID: "bob", ChatID: "bob#zed"})
	requireCode(t, err, ErrorNotFound, "conversation_not_found")
}
