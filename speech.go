package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// speechEventType enumerates the notifications a speech backend session can
// emit.
type speechEventType string

const (
	speechAudioChunk     speechEventType = "audio_chunk"
	speechConnected      speechEventType = "connected"
	speechTextMessage    speechEventType = "text_message"
	speechResponseDone   speechEventType = "response_done"
	speechFunctionCall   speechEventType = "function_call"
	speechError          speechEventType = "error"
	speechClosed         speechEventType = "closed"
	speechSessionExpired speechEventType = "session_expired"
	speechMaxReconnect   speechEventType = "max_reconnect_failed"
)

// speechEvent is one notification from the backend, delivered through a
// typed mailbox rather than a registered callback so backpressure stays
// explicit.
type speechEvent struct {
	CallID  string
	Type    speechEventType
	Audio   string // base64 for audio_chunk
	Message string
}

// speechBackend is the contract with the streaming speech AI service.
type speechBackend interface {
	Initialize(ctx context.Context, callID, externalCallID, conversationID, prompt string) (bool, error)
	SendAudioChunk(callID, audio string) error
	Disconnect(callID string) error
	Events() <-chan speechEvent
}

// wsSpeechClient implements speechBackend over one WebSocket session per
// call.
type wsSpeechClient struct {
	url    string
	apiKey string

	mu       sync.Mutex
	sessions map[string]*speechSession
	events   chan speechEvent
}

type speechSession struct {
	callID  string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// speechFrame is the JSON wire format shared by both directions.
type speechFrame struct {
	Type           string `json:"type"`
	CallID         string `json:"call_id,omitempty"`
	ExternalCallID string `json:"external_call_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Prompt         string `json:"prompt,omitempty"`
	Audio          string `json:"audio,omitempty"`
	Message        string `json:"message,omitempty"`
}

func newWSSpeechClient(cfg *Settings) *wsSpeechClient {
	return &wsSpeechClient{
		url:      cfg.SpeechURL(),
		apiKey:   cfg.SpeechAPIKey(),
		sessions: make(map[string]*speechSession),
		events:   make(chan speechEvent, 256),
	}
}

// Initialize opens the backend session for a call. A false return means the
// backend refused the session and the call must not proceed.
func (c *wsSpeechClient) Initialize(ctx context.Context, callID, externalCallID, conversationID, prompt string) (bool, error) {
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return false, fmt.Errorf("speech dial: %w", err)
	}

	start := speechFrame{
		Type:           "session.start",
		CallID:         callID,
		ExternalCallID: externalCallID,
		ConversationID: conversationID,
		Prompt:         prompt,
	}
	if err := conn.WriteJSON(start); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("speech session start: %w", err)
	}

	var first speechFrame
	if err := conn.ReadJSON(&first); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("speech session handshake: %w", err)
	}
	if first.Type != string(speechConnected) {
		_ = conn.Close()
		speechLog.Warnf("speech backend refused call %s: %s %s", callID, first.Type, first.Message)
		return false, nil
	}

	sess := &speechSession{callID: callID, conn: conn}
	c.mu.Lock()
	if old, ok := c.sessions[callID]; ok {
		_ = old.conn.Close()
	}
	c.sessions[callID] = sess
	c.mu.Unlock()

	c.emit(speechEvent{CallID: callID, Type: speechConnected})
	go c.readLoop(sess)
	return true, nil
}

func (c *wsSpeechClient) readLoop(sess *speechSession) {
	for {
		var frame speechFrame
		if err := sess.conn.ReadJSON(&frame); err != nil {
			c.mu.Lock()
			if cur, ok := c.sessions[sess.callID]; ok && cur == sess {
				delete(c.sessions, sess.callID)
			}
			c.mu.Unlock()
			c.emit(speechEvent{CallID: sess.callID, Type: speechClosed, Message: err.Error()})
			return
		}
		c.emit(speechEvent{
			CallID:  sess.callID,
			Type:    speechEventType(frame.Type),
			Audio:   frame.Audio,
			Message: frame.Message,
		})
	}
}

func (c *wsSpeechClient) emit(ev speechEvent) {
	select {
	case c.events <- ev:
	default:
		speechLog.Warnf("speech event mailbox full, dropping %s for call %s", ev.Type, ev.CallID)
	}
}

// SendAudioChunk forwards one base64 caller-audio chunk to the backend.
func (c *wsSpeechClient) SendAudioChunk(callID, audio string) error {
	c.mu.Lock()
	sess, ok := c.sessions[callID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no speech session for call %s", callID)
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if err := sess.conn.WriteJSON(speechFrame{Type: "input_audio", Audio: audio}); err != nil {
		return fmt.Errorf("speech send audio: %w", err)
	}
	return nil
}

// Disconnect closes the backend session for a call. Unknown calls are a
// no-op so cleanup stays idempotent.
func (c *wsSpeechClient) Disconnect(callID string) error {
	c.mu.Lock()
	sess, ok := c.sessions[callID]
	delete(c.sessions, callID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	sess.writeMu.Lock()
	_ = sess.conn.WriteJSON(speechFrame{Type: "session.end"})
	sess.writeMu.Unlock()
	return sess.conn.Close()
}

func (c *wsSpeechClient) Events() <-chan speechEvent { return c.events }
