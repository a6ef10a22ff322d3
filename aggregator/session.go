/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package aggregator maintains one participant's view of a round: the
// deduplicated question list and the judgments received for each question.
//
// Locally originated actions are applied before they are handed to the relay,
// and frames fanned out by the relay are merged with the same rules, so the
// visible state converges regardless of delivery order.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Seednode/umigame/protocol"
	"github.com/sasha-s/go-deadlock"
)

const defaultMaxPending = 256

var (
	ErrWrongRole       = errors.New("action not permitted for this role")
	ErrUnknownQuestion = errors.New("unknown question")
	ErrEmptyQuestion   = errors.New("question text is empty")
	ErrRelay           = errors.New("relay failed")
)

type Role string

const (
	RoleSetter  Role = "setter"
	RoleGuesser Role = "guesser"
)

// ParseRole accepts the role names used by current and earlier clients.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "setter", "questioner", "judge":
		return RoleSetter, nil
	case "guesser", "answerer":
		return RoleGuesser, nil
	}

	return "", fmt.Errorf("unknown role %q (must be setter or guesser)", s)
}

type Origin string

const (
	OriginSelf  Origin = "self"
	OriginOther Origin = "other"
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Sender hands a frame to the transport.
type Sender interface {
	Send(ctx context.Context, v any) error
}

// Puzzle is the content fetched for the round.
type Puzzle struct {
	Question string
	Answer   string
}

// RemoteError is a failure reported by the relay for one of our frames.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Kind + ": " + e.Message
}

// Question is a point-in-time copy of one question in the local view.
type Question struct {
	ID          string
	Text        string
	Origin      Origin
	Judgments   []bool
	HasAnswered bool
	ReceivedAt  time.Time
}

type question struct {
	Question
	judges map[string]struct{}
}

func (q *question) snapshot() Question {
	c := q.Question
	c.Judgments = append([]bool(nil), q.Judgments...)
	return c
}

// apply appends a judgment unless judgeID has already been counted.
func (q *question) apply(judgment bool, judgeID string) bool {
	if judgeID != "" {
		if _, dup := q.judges[judgeID]; dup {
			return false
		}
		q.judges[judgeID] = struct{}{}
	}
	q.Judgments = append(q.Judgments, judgment)

	return true
}

type pendingJudgment struct {
	judgment bool
	judgeID  string
}

// Session is one participant's state for a single round. All methods are safe
// for concurrent use; mutations are serialized.
type Session struct {
	mu deadlock.Mutex

	token  string
	role   Role
	sender Sender

	now        func() time.Time
	maxPending int
	onChange   func()

	counter uint64
	selfID  string
	puzzle  *Puzzle
	status  Status
	lastErr error

	questions []*question
	index     map[string]*question

	pending      map[string][]pendingJudgment
	pendingOrder []string
}

type Option func(*Session)

// WithClock replaces the clock used for question ids and receive times.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxPending bounds the number of unknown question ids for which early
// judgments are buffered. The oldest id is evicted once the bound is reached.
func WithMaxPending(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.maxPending = n
		}
	}
}

// WithOnChange registers a callback run after every visible state change.
// It is invoked without the session lock held.
func WithOnChange(fn func()) Option {
	return func(s *Session) {
		s.onChange = fn
	}
}

func New(token string, role Role, sender Sender, opts ...Option) *Session {
	s := &Session{
		token:      token,
		role:       role,
		sender:     sender,
		now:        time.Now,
		maxPending: defaultMaxPending,
		status:     StatusConnecting,
		index:      make(map[string]*question),
		pending:    make(map[string][]pendingJudgment),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Session) Token() string { return s.token }

func (s *Session) Role() Role { return s.role }

func (s *Session) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

// nextIDLocked returns a fresh question id: a millisecond timestamp plus a
// per-session counter, so ids from one participant never collide.
func (s *Session) nextIDLocked() string {
	id := fmt.Sprintf("q_%d_%d", s.now().UnixMilli(), s.counter)
	s.counter++

	return id
}

// insertLocked adds a question unless its id is already known, then replays
// any judgments that arrived before it.
func (s *Session) insertLocked(id, text string, origin Origin) (*question, bool) {
	if q, ok := s.index[id]; ok {
		return q, false
	}

	q := &question{
		Question: Question{
			ID:         id,
			Text:       text,
			Origin:     origin,
			ReceivedAt: s.now(),
		},
		judges: make(map[string]struct{}),
	}
	s.questions = append(s.questions, q)
	s.index[id] = q

	if early, ok := s.pending[id]; ok {
		for _, p := range early {
			q.apply(p.judgment, p.judgeID)
		}
		s.dropPendingLocked(id)
	}

	return q, true
}

func (s *Session) bufferLocked(id string, p pendingJudgment) {
	if _, ok := s.pending[id]; !ok {
		if len(s.pendingOrder) >= s.maxPending {
			s.dropPendingLocked(s.pendingOrder[0])
		}
		s.pendingOrder = append(s.pendingOrder, id)
	}

	s.pending[id] = append(s.pending[id], p)
}

func (s *Session) dropPendingLocked(id string) {
	delete(s.pending, id)

	for i, pid := range s.pendingOrder {
		if pid == id {
			s.pendingOrder = append(s.pendingOrder[:i], s.pendingOrder[i+1:]...)
			break
		}
	}
}

func (s *Session) relay(ctx context.Context, v any) error {
	if s.sender == nil {
		return nil
	}

	if err := s.sender.Send(ctx, v); err != nil {
		err = fmt.Errorf("%w: %w", ErrRelay, err)

		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.changed()

		return err
	}

	return nil
}

// SubmitQuestion records a new question locally and hands it to the relay.
// The local question is kept even when the relay call fails.
func (s *Session) SubmitQuestion(ctx context.Context, text string) (Question, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Question{}, ErrEmptyQuestion
	}
	if s.role != RoleGuesser {
		return Question{}, ErrWrongRole
	}

	s.mu.Lock()
	q, _ := s.insertLocked(s.nextIDLocked(), text, OriginSelf)
	snap := q.snapshot()
	s.mu.Unlock()
	s.changed()

	body, err := protocol.EncodeQuestion(snap.ID, snap.Text)
	if err != nil {
		return snap, err
	}

	return snap, s.relay(ctx, protocol.NewBroadcast(body))
}

// ReceiveQuestion merges a question fanned out by the relay. It reports
// whether the question was new.
func (s *Session) ReceiveQuestion(p protocol.QuestionPayload) bool {
	s.mu.Lock()
	_, inserted := s.insertLocked(p.QuestionID, p.Question, OriginOther)
	s.mu.Unlock()

	if inserted {
		s.changed()
	}

	return inserted
}

// SubmitJudgment records this participant's verdict on a question and hands
// it to the relay. A question can be judged once; later calls report false.
func (s *Session) SubmitJudgment(ctx context.Context, id string, judgment bool) (bool, error) {
	if s.role != RoleSetter {
		return false, ErrWrongRole
	}

	s.mu.Lock()
	q, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownQuestion, id)
	}
	if q.HasAnswered {
		s.mu.Unlock()
		return false, nil
	}
	q.apply(judgment, s.selfID)
	q.HasAnswered = true
	s.mu.Unlock()
	s.changed()

	return true, s.relay(ctx, protocol.NewJudgment(s.token, id, judgment))
}

// ReceiveJudgment merges a judgment fanned out by the relay. Judgments for a
// question not yet seen are buffered until it arrives. It reports whether the
// judgment was counted immediately.
func (s *Session) ReceiveJudgment(id string, judgment bool, judgeID string) bool {
	s.mu.Lock()
	q, ok := s.index[id]
	if !ok {
		s.bufferLocked(id, pendingJudgment{judgment: judgment, judgeID: judgeID})
		s.mu.Unlock()
		return false
	}
	applied := q.apply(judgment, judgeID)
	s.mu.Unlock()

	if applied {
		s.changed()
	}

	return applied
}

// Tally computes the current summary for one question.
func (s *Session) Tally(id string) (Tally, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.index[id]
	if !ok {
		return Tally{}, false
	}

	return TallyOf(q.Judgments), true
}

// Question returns a copy of one question.
func (s *Session) Question(id string) (Question, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.index[id]
	if !ok {
		return Question{}, false
	}

	return q.snapshot(), true
}

// Questions returns copies of all questions in arrival order.
func (s *Session) Questions() []Question {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Question, 0, len(s.questions))
	for _, q := range s.questions {
		out = append(out, q.snapshot())
	}

	return out
}

// Pending reports how many question ids have buffered judgments.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.pending)
}

// RequestPuzzle asks the relay for the round's puzzle content.
func (s *Session) RequestPuzzle(ctx context.Context) error {
	return s.relay(ctx, protocol.NewGetPuzzle(s.token))
}

func (s *Session) Puzzle() (Puzzle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.puzzle == nil {
		return Puzzle{}, false
	}

	return *s.puzzle, true
}

func (s *Session) SelfID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selfID
}

func (s *Session) SetStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.changed()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

// LastError returns the most recent transient failure, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastErr
}

// Apply decodes one frame from the relay and merges it into the session.
// Broadcast messages that do not carry a question are ignored.
func (s *Session) Apply(raw []byte) error {
	e, err := protocol.ParseEnvelope(raw)
	if err != nil {
		return err
	}

	switch e.Type {
	case protocol.TypeSession:
		s.mu.Lock()
		s.selfID = e.ConnectionID
		s.status = StatusConnected
		s.mu.Unlock()
		s.changed()

	case protocol.TypePuzzle:
		s.mu.Lock()
		s.puzzle = &Puzzle{Question: e.Question, Answer: e.Answer}
		s.mu.Unlock()
		s.changed()

	case protocol.TypeMessage:
		if q, ok := protocol.DecodeQuestion(e.Message); ok {
			s.ReceiveQuestion(q)
		}

	case protocol.TypeQuestion:
		s.ReceiveQuestion(protocol.QuestionPayload{QuestionID: e.QuestionID, Question: e.Question})

	case protocol.TypeJudgment:
		s.ReceiveJudgment(e.QuestionID, *e.Judgment, e.JudgeID)

	case protocol.TypeError:
		s.mu.Lock()
		s.lastErr = &RemoteError{Kind: e.Kind, Message: e.Message}
		s.mu.Unlock()
		s.changed()
	}

	return nil
}

// End finishes the round and discards all in-memory state. The id counter
// is kept so ids are never reused by this participant.
func (s *Session) End() {
	s.mu.Lock()
	s.questions = nil
	s.index = make(map[string]*question)
	s.pending = make(map[string][]pendingJudgment)
	s.pendingOrder = nil
	s.puzzle = nil
	s.lastErr = nil
	s.status = StatusDisconnected
	s.mu.Unlock()
	s.changed()
}
