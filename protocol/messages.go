/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Requests sent by participants.

type GetPuzzleRequest struct {
	Action       string `json:"action"` // "get-puzzle"
	SessionToken string `json:"sessionToken"`
}

type BroadcastRequest struct {
	Action  string `json:"action"`  // "broadcast-message"
	Message string `json:"message"` // opaque to the relay
}

type JudgmentRequest struct {
	Action       string `json:"action"` // "submit-judgment"
	SessionToken string `json:"sessionToken"`
	QuestionID   string `json:"questionId"`
	Judgment     bool   `json:"judgment"`
}

func NewGetPuzzle(sessionToken string) GetPuzzleRequest {
	return GetPuzzleRequest{Action: ActionGetPuzzle, SessionToken: sessionToken}
}

func NewBroadcast(message string) BroadcastRequest {
	return BroadcastRequest{Action: ActionBroadcastMessage, Message: message}
}

func NewJudgment(sessionToken, questionID string, judgment bool) JudgmentRequest {
	return JudgmentRequest{
		Action:       ActionSubmitJudgment,
		SessionToken: sessionToken,
		QuestionID:   questionID,
		Judgment:     judgment,
	}
}

// QuestionPayload is what guessers place inside a broadcast message.
type QuestionPayload struct {
	Question   string `json:"question"`
	QuestionID string `json:"questionId"`
}

// EncodeQuestion renders a question as a broadcast message body.
func EncodeQuestion(id, text string) (string, error) {
	b, err := json.Marshal(QuestionPayload{Question: text, QuestionID: id})
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// DecodeQuestion reports whether message carries a question. Plain text and
// JSON without both fields are not questions.
func DecodeQuestion(message string) (QuestionPayload, bool) {
	var q QuestionPayload
	if err := json.Unmarshal([]byte(message), &q); err != nil {
		return QuestionPayload{}, false
	}

	if strings.TrimSpace(q.QuestionID) == "" || q.Question == "" {
		return QuestionPayload{}, false
	}

	return q, true
}

// Frames sent to participants.

// SessionMessage is sent once on connect so the client knows its own
// connection id.
type SessionMessage struct {
	Type         string `json:"type"` // "session"
	ConnectionID string `json:"connectionId"`
	SessionToken string `json:"sessionToken,omitempty"`
}

type PuzzleMessage struct {
	Type         string `json:"type"` // "puzzle"
	SessionToken string `json:"sessionToken"`
	Question     string `json:"question"`
	Answer       string `json:"answer"`
}

// BroadcastMessage carries a broadcast-message body verbatim.
type BroadcastMessage struct {
	Type    string `json:"type"` // "message"
	Message string `json:"message"`
}

type JudgmentMessage struct {
	Type         string `json:"type"` // "judgment"
	SessionToken string `json:"sessionToken"`
	QuestionID   string `json:"questionId"`
	Judgment     bool   `json:"judgment"`
	JudgeID      string `json:"judgeId,omitempty"`
}

type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Envelope is the union of every frame a participant can receive.
type Envelope struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId,omitempty"`
	SessionToken string `json:"sessionToken,omitempty"`
	Question     string `json:"question,omitempty"`
	Answer       string `json:"answer,omitempty"`
	Message      string `json:"message,omitempty"`
	QuestionID   string `json:"questionId,omitempty"`
	Judgment     *bool  `json:"judgment,omitempty"`
	JudgeID      string `json:"judgeId,omitempty"`
	Kind         string `json:"kind,omitempty"`

	// Untyped judgment frames from first-generation relays.
	Watchword        string `json:"watchword,omitempty"`
	LegacyQuestionID string `json:"question_id,omitempty"`
}

// envelopeWire reads judgment loosely, as inbound frames do.
type envelopeWire struct {
	Envelope
	Judgment json.RawMessage `json:"judgment"`
}

// untyped classifies frames that carry no type: a bare question
// {question, questionId} or a bare judgment {watchword, question_id, judgment}.
func untyped(e *Envelope) {
	switch {
	case e.Question != "" && e.QuestionID != "" && e.Judgment == nil:
		e.Type = TypeQuestion
	case e.Judgment != nil && (e.QuestionID != "" || e.LegacyQuestionID != ""):
		e.Type = TypeJudgment
		if e.QuestionID == "" {
			e.QuestionID = e.LegacyQuestionID
		}
		if e.SessionToken == "" {
			e.SessionToken = e.Watchword
		}
	}
}

// ParseEnvelope decodes a frame received from the relay.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var w envelopeWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	e := w.Envelope
	if len(w.Judgment) > 0 && string(w.Judgment) != "null" {
		judgment, err := ParseJudgment(w.Judgment)
		if err != nil {
			return Envelope{}, err
		}
		e.Judgment = &judgment
	}

	if e.Type == "" {
		untyped(&e)
	}

	switch e.Type {
	case TypeSession, TypePuzzle, TypeMessage, TypeQuestion, TypeError:
	case TypeJudgment:
		if e.QuestionID == "" || e.Judgment == nil {
			return Envelope{}, fmt.Errorf("%w: incomplete judgment", ErrMalformed)
		}
	default:
		return Envelope{}, fmt.Errorf("%w: unknown frame type %q", ErrMalformed, e.Type)
	}

	return e, nil
}
