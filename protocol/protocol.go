/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package protocol defines the frames exchanged between participants and the
// broadcast relay, along with validation of inbound frames.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Action tags accepted from participants.
const (
	ActionGetPuzzle        = "get-puzzle"
	ActionBroadcastMessage = "broadcast-message"
	ActionSubmitJudgment   = "submit-judgment"

	// Tags used by the first generation of clients.
	legacyGetPuzzle        = "get-umigame"
	legacyBroadcastMessage = "sendmessage"
	legacySubmitJudgment   = "question-judgment"
)

// Frame types sent to participants.
const (
	TypeSession  = "session"
	TypePuzzle   = "puzzle"
	TypeMessage  = "message"
	TypeJudgment = "judgment"
	TypeError    = "error"

	// TypeQuestion is never sent; untyped {question, questionId} frames are
	// classified as it.
	TypeQuestion = "question"
)

// Error kinds carried by ErrorMessage.
const (
	KindNotFound    = "not-found"
	KindMalformed   = "malformed"
	KindPersistence = "persistence"
	KindDirectory   = "directory"
	KindUnavailable = "unavailable"
)

var (
	ErrMalformed     = errors.New("malformed payload")
	ErrUnknownAction = errors.New("unknown action")
)

// Inbound is one validated frame received from a participant.
type Inbound struct {
	Action       string
	SessionToken string
	Message      string
	QuestionID   string
	Judgment     bool
}

type inboundWire struct {
	Action       string          `json:"action"`
	SessionToken string          `json:"sessionToken"`
	Message      *string         `json:"message"`
	QuestionID   string          `json:"questionId"`
	Judgment     json.RawMessage `json:"judgment"`

	// Field names sent by the first generation of clients.
	Watchword        string `json:"watchword"`
	LegacyQuestionID string `json:"question_id"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}

	return ""
}

// Decode parses and validates a raw inbound frame. Every returned error wraps
// ErrMalformed or ErrUnknownAction.
func Decode(raw []byte) (Inbound, error) {
	var w inboundWire

	if err := json.Unmarshal(raw, &w); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	in := Inbound{
		Action:       normalizeAction(w.Action),
		SessionToken: firstNonEmpty(w.SessionToken, w.Watchword),
		QuestionID:   firstNonEmpty(w.QuestionID, w.LegacyQuestionID),
	}

	if strings.ContainsRune(in.SessionToken, 0) || strings.ContainsRune(in.QuestionID, 0) {
		return Inbound{}, fmt.Errorf("%w: NUL byte in identifier", ErrMalformed)
	}

	switch in.Action {
	case "":
		return Inbound{}, fmt.Errorf("%w: missing action", ErrMalformed)

	case ActionGetPuzzle:
		if in.SessionToken == "" {
			return Inbound{}, fmt.Errorf("%w: missing sessionToken", ErrMalformed)
		}

	case ActionBroadcastMessage:
		if w.Message == nil || *w.Message == "" {
			return Inbound{}, fmt.Errorf("%w: missing message", ErrMalformed)
		}
		in.Message = *w.Message

	case ActionSubmitJudgment:
		switch {
		case in.SessionToken == "":
			return Inbound{}, fmt.Errorf("%w: missing sessionToken", ErrMalformed)
		case in.QuestionID == "":
			return Inbound{}, fmt.Errorf("%w: missing questionId", ErrMalformed)
		}

		judgment, err := ParseJudgment(w.Judgment)
		if err != nil {
			return Inbound{}, err
		}
		in.Judgment = judgment

	default:
		return Inbound{}, fmt.Errorf("%w: %q", ErrUnknownAction, w.Action)
	}

	return in, nil
}

func normalizeAction(action string) string {
	action = strings.ToLower(strings.TrimSpace(action))

	switch action {
	case legacyGetPuzzle:
		return ActionGetPuzzle
	case legacyBroadcastMessage:
		return ActionBroadcastMessage
	case legacySubmitJudgment:
		return ActionSubmitJudgment
	}

	return action
}

// ParseJudgment accepts a JSON boolean or the strings "true" and "false".
func ParseJudgment(raw json.RawMessage) (bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return false, fmt.Errorf("%w: missing judgment", ErrMalformed)
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}

	return false, fmt.Errorf("%w: judgment must be a boolean, got %s", ErrMalformed, raw)
}
