package client

import (
	"context"
	"fmt"
	"sync"

	"lexrt/pkg/protocol"
	"lexrt/pkg/stream"
)

// Conversation is a multi-turn chat bound to one slot. The first Ask starts
// the chat session; later turns reuse it and carry the history.
type Conversation struct {
	c      *Client
	slot   string
	userID string

	mu        sync.Mutex
	sessionID string
	history   []protocol.ChatTurn
}

// Conversation returns a new conversation for userID on slot.
func (c *Client) Conversation(slot, userID string) *Conversation {
	return &Conversation{c: c, slot: slot, userID: userID}
}

// SessionID returns the chat session id, empty before the first turn.
func (cv *Conversation) SessionID() string {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return cv.sessionID
}

// History returns a copy of the completed turns.
func (cv *Conversation) History() []protocol.ChatTurn {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return append([]protocol.ChatTurn(nil), cv.history...)
}

// Send starts one turn and returns the session id it streams on.
func (cv *Conversation) Send(ctx context.Context, message string) (string, error) {
	cv.mu.Lock()
	id := cv.sessionID
	history := append([]protocol.ChatTurn(nil), cv.history...)
	cv.mu.Unlock()

	if id == "" {
		var err error
		if id, err = cv.c.StartChat(ctx, cv.slot, cv.userID); err != nil {
			return "", err
		}
		cv.mu.Lock()
		cv.sessionID = id
		cv.mu.Unlock()
	}

	if err := cv.c.SendMessage(ctx, id, history, message); err != nil {
		return id, err
	}
	cv.mu.Lock()
	cv.history = append(cv.history, protocol.ChatTurn{Role: "user", Content: message})
	cv.mu.Unlock()
	return id, nil
}

// Ask sends message and waits for the turn to end. A failed turn is
// returned as an error together with the session.
func (cv *Conversation) Ask(ctx context.Context, message string) (stream.Session, error) {
	id, err := cv.Send(ctx, message)
	if err != nil {
		return stream.Session{}, err
	}
	sess, err := cv.c.Wait(ctx, id)
	if err != nil {
		return stream.Session{}, err
	}
	if sess.Status == stream.StatusFailed {
		return sess, fmt.Errorf("chat turn failed: %s", sess.Error)
	}
	cv.mu.Lock()
	cv.history = append(cv.history, protocol.ChatTurn{Role: "assistant", Content: sess.Content})
	cv.mu.Unlock()
	return sess, nil
}
