/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package relay accepts one inbound frame from a participant, persists what
// must be persisted, and fans the frame out to every other live connection.
//
// The relay keeps no memory between frames. Delivery is best-effort and
// unordered across destinations; a failing destination never affects its
// siblings.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Seednode/umigame/protocol"
	"golang.org/x/sync/errgroup"
)

const (
	defaultDeliveryTimeout = 5 * time.Second
	defaultConcurrency     = 16
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrSessionStore = errors.New("session store lookup failed")
	ErrPersistence  = errors.New("judgment ledger append failed")
	ErrDirectory    = errors.New("connection directory enumeration failed")
	ErrDelivery     = errors.New("delivery failed")
)

// Origin identifies the connection a frame arrived on. SessionToken is the
// session the connection joined, or empty for deployment-wide connections.
type Origin struct {
	ConnectionID string
	SessionToken string
}

// Puzzle is the content stored for a session token.
type Puzzle struct {
	Question string
	Answer   string
}

// Judgment is one ledger record.
type Judgment struct {
	SessionToken       string
	QuestionID         string
	OriginConnectionID string
	Judgment           bool
}

type SessionStore interface {
	// Lookup reports whether a puzzle exists for token.
	Lookup(ctx context.Context, token string) (Puzzle, bool, error)
}

type Ledger interface {
	// Append records j under (SessionToken, QuestionID, OriginConnectionID)
	// and returns the judgment stored for that key. Appending an existing key
	// succeeds without changing the stored record and reports false.
	Append(ctx context.Context, j Judgment) (Judgment, bool, error)
}

type Directory interface {
	// Connections lists live connection ids. An empty scope lists the whole
	// deployment; otherwise only connections joined to that session.
	Connections(ctx context.Context, scope string) ([]string, error)
}

type Transport interface {
	// Send delivers payload to one connection, giving up when ctx is done.
	Send(ctx context.Context, connectionID string, payload []byte) error
}

// Result describes one fan-out.
type Result struct {
	Attempted int
	Delivered int
	Failed    []string
}

type Relay struct {
	sessions  SessionStore
	directory Directory
	ledger    Ledger
	transport Transport

	deliveryTimeout time.Duration
	concurrency     int
	sessionScoped   bool

	logger   Logger
	recorder Recorder
}

func New(sessions SessionStore, directory Directory, ledger Ledger, transport Transport, opts ...Option) *Relay {
	r := &Relay{
		sessions:        sessions,
		directory:       directory,
		ledger:          ledger,
		transport:       transport,
		deliveryTimeout: defaultDeliveryTimeout,
		concurrency:     defaultConcurrency,
		sessionScoped:   true,
		logger:          nopLogger{},
		recorder:        nopRecorder{},
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *Relay) scope(token string) string {
	if !r.sessionScoped {
		return ""
	}

	return token
}

// Handle decodes one inbound frame and dispatches it. Failures the sender
// must know about are reported back to the origin connection.
func (r *Relay) Handle(ctx context.Context, origin Origin, raw []byte) error {
	in, err := protocol.Decode(raw)
	if err != nil {
		r.recorder.Rejected(protocol.KindMalformed)
		r.reply(ctx, origin, protocol.KindMalformed, err.Error())

		return err
	}

	r.recorder.Inbound(in.Action)

	switch in.Action {
	case protocol.ActionGetPuzzle:
		err = r.RelateProblem(ctx, origin, in.SessionToken)

	case protocol.ActionBroadcastMessage:
		_, err = r.RelayQuestion(ctx, origin, in.Message)

	case protocol.ActionSubmitJudgment:
		_, err = r.RelayJudgment(ctx, origin, Judgment{
			SessionToken:       in.SessionToken,
			QuestionID:         in.QuestionID,
			OriginConnectionID: origin.ConnectionID,
			Judgment:           in.Judgment,
		})
	}

	if err != nil {
		if kind := errorKind(err); kind != "" {
			r.recorder.Rejected(kind)
			r.reply(ctx, origin, kind, err.Error())
		}
	}

	return err
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return protocol.KindNotFound
	case errors.Is(err, ErrPersistence):
		return protocol.KindPersistence
	case errors.Is(err, ErrDirectory):
		return protocol.KindDirectory
	case errors.Is(err, ErrSessionStore):
		return protocol.KindUnavailable
	}

	return ""
}

// RelateProblem delivers the puzzle for token to the requesting connection
// only.
func (r *Relay) RelateProblem(ctx context.Context, origin Origin, token string) error {
	puzzle, ok, err := r.sessions.Lookup(ctx, token)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSessionStore, err)
	}
	if !ok {
		r.logger.Info("RELAY: No puzzle for session %q (requested by %s)", token, origin.ConnectionID)

		return fmt.Errorf("%w: %q", ErrNotFound, token)
	}

	payload, err := json.Marshal(protocol.PuzzleMessage{
		Type:         protocol.TypePuzzle,
		SessionToken: token,
		Question:     puzzle.Question,
		Answer:       puzzle.Answer,
	})
	if err != nil {
		return err
	}

	if err := r.send(ctx, origin.ConnectionID, payload); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDelivery, origin.ConnectionID, err)
	}

	return nil
}

// RelayQuestion fans a broadcast message out verbatim. Nothing is persisted.
func (r *Relay) RelayQuestion(ctx context.Context, origin Origin, message string) (Result, error) {
	payload, err := json.Marshal(protocol.BroadcastMessage{
		Type:    protocol.TypeMessage,
		Message: message,
	})
	if err != nil {
		return Result{}, err
	}

	conns, err := r.directory.Connections(ctx, r.scope(origin.SessionToken))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrDirectory, err)
	}

	return r.fanOut(ctx, origin.ConnectionID, conns, payload), nil
}

// RelayJudgment appends j to the ledger and only then fans out the stored
// judgment to every connection except the one that cast it.
func (r *Relay) RelayJudgment(ctx context.Context, origin Origin, j Judgment) (Result, error) {
	if j.OriginConnectionID == "" {
		j.OriginConnectionID = origin.ConnectionID
	}

	stored, created, err := r.ledger.Append(ctx, j)
	r.recorder.LedgerAppend(err == nil)
	if err != nil {
		r.logger.Error("RELAY: Ledger append for %s/%s failed: %v", j.SessionToken, j.QuestionID, err)

		return Result{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if !created {
		r.logger.Debug("RELAY: Judgment %s/%s from %s already recorded", j.SessionToken, j.QuestionID, j.OriginConnectionID)
	}

	// Peers only ever see the verdict the ledger holds.
	j = stored

	payload, err := json.Marshal(protocol.JudgmentMessage{
		Type:         protocol.TypeJudgment,
		SessionToken: j.SessionToken,
		QuestionID:   j.QuestionID,
		Judgment:     j.Judgment,
		JudgeID:      j.OriginConnectionID,
	})
	if err != nil {
		return Result{}, err
	}

	conns, err := r.directory.Connections(ctx, r.scope(j.SessionToken))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrDirectory, err)
	}

	return r.fanOut(ctx, origin.ConnectionID, conns, payload), nil
}

// fanOut delivers payload to every connection but originID and waits for all
// attempts to finish.
func (r *Relay) fanOut(ctx context.Context, originID string, conns []string, payload []byte) Result {
	startTime := time.Now()

	var (
		mu        sync.Mutex
		res       Result
		attempted int
		g         errgroup.Group
	)

	if r.concurrency > 0 {
		g.SetLimit(r.concurrency)
	}

	for _, id := range conns {
		if id == originID {
			continue
		}
		attempted++

		g.Go(func() error {
			err := r.send(ctx, id, payload)
			r.recorder.Delivery(err == nil)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				r.logger.Warn("RELAY: Delivery to %s failed: %v", id, err)
				res.Failed = append(res.Failed, id)

				return nil
			}
			res.Delivered++

			return nil
		})
	}

	_ = g.Wait()

	res.Attempted = attempted
	sort.Strings(res.Failed)

	r.recorder.FanOut(time.Since(startTime))
	r.logger.Debug("RELAY: Fanned out to %d/%d connections in %s",
		res.Delivered,
		res.Attempted,
		time.Since(startTime).Round(time.Microsecond),
	)

	return res
}

func (r *Relay) send(ctx context.Context, id string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.deliveryTimeout)
	defer cancel()

	return r.transport.Send(ctx, id, payload)
}

func (r *Relay) reply(ctx context.Context, origin Origin, kind, message string) {
	payload, err := json.Marshal(protocol.ErrorMessage{
		Type:    protocol.TypeError,
		Kind:    kind,
		Message: message,
	})
	if err != nil {
		return
	}

	if err := r.send(ctx, origin.ConnectionID, payload); err != nil {
		r.logger.Warn("RELAY: Error reply to %s failed: %v", origin.ConnectionID, err)
	}
}
