package relay_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Seednode/umigame/aggregator"
	"github.com/Seednode/umigame/protocol"
	"github.com/Seednode/umigame/relay"
	"github.com/Seednode/umigame/store"
	. "github.com/smartystreets/goconvey/convey"
)

type fakeSessions struct {
	puzzles map[string]relay.Puzzle
	err     error
}

func (f *fakeSessions) Lookup(_ context.Context, token string) (relay.Puzzle, bool, error) {
	if f.err != nil {
		return relay.Puzzle{}, false, f.err
	}
	p, ok := f.puzzles[token]
	return p, ok, nil
}

type fakeLedger struct {
	mu      sync.Mutex
	records []relay.Judgment
	err     error
}

func (f *fakeLedger) Append(_ context.Context, j relay.Judgment) (relay.Judgment, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return relay.Judgment{}, false, f.err
	}
	f.records = append(f.records, j)
	return j, true, nil
}

type fakeDirectory struct {
	byScope map[string][]string
	err     error
	calls   int
}

func (f *fakeDirectory) Connections(_ context.Context, scope string) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.byScope[scope], nil
}

type fakeTransport struct {
	mu        sync.Mutex
	delivered map[string][][]byte
	failing   map[string]bool
	blocking  map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		delivered: make(map[string][][]byte),
		failing:   make(map[string]bool),
		blocking:  make(map[string]bool),
	}
}

func (f *fakeTransport) Send(ctx context.Context, id string, payload []byte) error {
	f.mu.Lock()
	failing, blocking := f.failing[id], f.blocking[id]
	f.mu.Unlock()

	if blocking {
		<-ctx.Done()
		return ctx.Err()
	}
	if failing {
		return errors.New("gone away")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered[id] = append(f.delivered[id], payload)
	return nil
}

func (f *fakeTransport) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered[id])
}

func (f *fakeTransport) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.delivered {
		n += len(d)
	}
	return n
}

func (f *fakeTransport) last(id string) protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.delivered[id]
	e, _ := protocol.ParseEnvelope(d[len(d)-1])
	return e
}

type countingRecorder struct {
	mu         sync.Mutex
	inbound    map[string]int
	rejected   map[string]int
	deliveries map[bool]int
	appends    map[bool]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		inbound:    make(map[string]int),
		rejected:   make(map[string]int),
		deliveries: make(map[bool]int),
		appends:    make(map[bool]int),
	}
}

func (c *countingRecorder) Inbound(a string)       { c.mu.Lock(); c.inbound[a]++; c.mu.Unlock() }
func (c *countingRecorder) Rejected(k string)      { c.mu.Lock(); c.rejected[k]++; c.mu.Unlock() }
func (c *countingRecorder) LedgerAppend(ok bool)   { c.mu.Lock(); c.appends[ok]++; c.mu.Unlock() }
func (c *countingRecorder) Delivery(ok bool)       { c.mu.Lock(); c.deliveries[ok]++; c.mu.Unlock() }
func (c *countingRecorder) FanOut(_ time.Duration) {}

func judgmentFrame(token, id string, v bool) []byte {
	b, _ := json.Marshal(protocol.NewJudgment(token, id, v))
	return b
}

func TestRelayJudgment(t *testing.T) {
	Convey("Given a relay with four connections in one session", t, func() {
		ledger := &fakeLedger{}
		dir := &fakeDirectory{byScope: map[string][]string{
			"soup": {"a", "b", "c", "d"},
			"":     {"a", "b", "c", "d", "x"},
		}}
		tr := newFakeTransport()
		rec := newCountingRecorder()
		r := relay.New(&fakeSessions{}, dir, ledger, tr, relay.WithRecorder(rec))
		ctx := context.Background()
		origin := relay.Origin{ConnectionID: "a", SessionToken: "soup"}

		Convey("When connection a judges a question", func() {
			err := r.Handle(ctx, origin, judgmentFrame("soup", "q_1_0", true))

			Convey("Then the ledger records it under the originating connection", func() {
				So(err, ShouldBeNil)
				So(ledger.records, ShouldResemble, []relay.Judgment{{
					SessionToken:       "soup",
					QuestionID:         "q_1_0",
					OriginConnectionID: "a",
					Judgment:           true,
				}})
			})

			Convey("Then every other connection receives it and a does not", func() {
				So(tr.count("a"), ShouldEqual, 0)
				for _, id := range []string{"b", "c", "d"} {
					So(tr.count(id), ShouldEqual, 1)
					e := tr.last(id)
					So(e.Type, ShouldEqual, protocol.TypeJudgment)
					So(e.QuestionID, ShouldEqual, "q_1_0")
					So(*e.Judgment, ShouldBeTrue)
					So(e.JudgeID, ShouldEqual, "a")
				}
			})

			Convey("Then connections outside the session receive nothing", func() {
				So(tr.count("x"), ShouldEqual, 0)
			})

			Convey("Then the inbound action is recorded", func() {
				So(rec.inbound[protocol.ActionSubmitJudgment], ShouldEqual, 1)
				So(rec.appends[true], ShouldEqual, 1)
				So(rec.deliveries[true], ShouldEqual, 3)
			})
		})

		Convey("When connection a changes its verdict on a retransmission", func() {
			stored := store.NewMemoryLedger()
			firstWins := relay.New(&fakeSessions{}, dir, stored, tr)

			So(firstWins.Handle(ctx, origin, judgmentFrame("soup", "q_1_0", true)), ShouldBeNil)
			So(firstWins.Handle(ctx, origin, judgmentFrame("soup", "q_1_0", false)), ShouldBeNil)

			Convey("Then peers only ever hear the recorded verdict", func() {
				So(stored.Records(), ShouldHaveLength, 1)
				So(stored.Records()[0].Judgment, ShouldBeTrue)
				So(tr.count("b"), ShouldEqual, 2)
				So(*tr.last("b").Judgment, ShouldBeTrue)
			})
		})

		Convey("When session scoping is disabled", func() {
			wide := relay.New(&fakeSessions{}, dir, ledger, tr, relay.WithSessionScoping(false))
			_, err := wide.RelayJudgment(ctx, origin, relay.Judgment{SessionToken: "soup", QuestionID: "q_1_0", Judgment: false})

			Convey("Then the whole deployment receives it", func() {
				So(err, ShouldBeNil)
				So(tr.count("x"), ShouldEqual, 1)
				So(tr.count("a"), ShouldEqual, 0)
			})
		})

		Convey("When one of three destinations fails", func() {
			tr.failing["c"] = true
			res, err := r.RelayJudgment(ctx, origin, relay.Judgment{SessionToken: "soup", QuestionID: "q_1_0", Judgment: true})

			Convey("Then the others still receive it and the call succeeds", func() {
				So(err, ShouldBeNil)
				So(res.Attempted, ShouldEqual, 3)
				So(res.Delivered, ShouldEqual, 2)
				So(res.Failed, ShouldResemble, []string{"c"})
				So(tr.count("b"), ShouldEqual, 1)
				So(tr.count("d"), ShouldEqual, 1)
			})
		})

		Convey("When one destination never responds", func() {
			tr.blocking["b"] = true
			slow := relay.New(&fakeSessions{}, dir, ledger, tr, relay.WithDeliveryTimeout(50*time.Millisecond))

			startTime := time.Now()
			res, err := slow.RelayJudgment(ctx, origin, relay.Judgment{SessionToken: "soup", QuestionID: "q_1_0", Judgment: true})

			Convey("Then the fan-out completes once the delivery times out", func() {
				So(err, ShouldBeNil)
				So(time.Since(startTime), ShouldBeLessThan, 2*time.Second)
				So(res.Failed, ShouldResemble, []string{"b"})
				So(res.Delivered, ShouldEqual, 2)
			})
		})

		Convey("When the ledger append fails", func() {
			ledger.err = errors.New("table unavailable")
			err := r.Handle(ctx, origin, judgmentFrame("soup", "q_1_0", true))

			Convey("Then nothing is fanned out and the sender is told", func() {
				So(errors.Is(err, relay.ErrPersistence), ShouldBeTrue)
				So(dir.calls, ShouldEqual, 0)
				So(tr.count("b"), ShouldEqual, 0)
				So(tr.count("a"), ShouldEqual, 1)
				e := tr.last("a")
				So(e.Type, ShouldEqual, protocol.TypeError)
				So(e.Kind, ShouldEqual, protocol.KindPersistence)
			})
		})

		Convey("When the directory cannot be enumerated", func() {
			dir.err = errors.New("scan failed")
			err := r.Handle(ctx, origin, judgmentFrame("soup", "q_1_0", true))

			Convey("Then the judgment is persisted but not fanned out", func() {
				So(errors.Is(err, relay.ErrDirectory), ShouldBeTrue)
				So(ledger.records, ShouldHaveLength, 1)
				So(tr.count("b"), ShouldEqual, 0)
				So(tr.last("a").Kind, ShouldEqual, protocol.KindDirectory)
			})
		})

		Convey("When the frame is malformed", func() {
			err := r.Handle(ctx, origin, []byte(`{"action":"submit-judgment","sessionToken":"soup"}`))

			Convey("Then it is rejected before persistence or fan-out", func() {
				So(errors.Is(err, protocol.ErrMalformed), ShouldBeTrue)
				So(ledger.records, ShouldBeEmpty)
				So(dir.calls, ShouldEqual, 0)
				So(tr.count("b"), ShouldEqual, 0)
				So(tr.last("a").Kind, ShouldEqual, protocol.KindMalformed)
				So(rec.rejected[protocol.KindMalformed], ShouldEqual, 1)
			})
		})

		Convey("When a question id carries a NUL byte", func() {
			err := r.Handle(ctx, origin, judgmentFrame("soup", "q_1\x00_0", true))

			Convey("Then it is malformed rather than a persistence failure", func() {
				So(errors.Is(err, protocol.ErrMalformed), ShouldBeTrue)
				So(ledger.records, ShouldBeEmpty)
				So(tr.last("a").Kind, ShouldEqual, protocol.KindMalformed)
				So(rec.rejected[protocol.KindPersistence], ShouldEqual, 0)
			})
		})
	})
}

func TestRelayQuestion(t *testing.T) {
	Convey("Given a relay with three connections", t, func() {
		ledger := &fakeLedger{}
		dir := &fakeDirectory{byScope: map[string][]string{"soup": {"a", "b", "c"}}}
		tr := newFakeTransport()
		r := relay.New(&fakeSessions{}, dir, ledger, tr)
		origin := relay.Origin{ConnectionID: "a", SessionToken: "soup"}

		Convey("When a broadcast message arrives", func() {
			body, _ := protocol.EncodeQuestion("q_1_0", "Is it raining?")
			frame, _ := json.Marshal(protocol.NewBroadcast(body))
			err := r.Handle(context.Background(), origin, frame)

			Convey("Then it is delivered verbatim to the others without persistence", func() {
				So(err, ShouldBeNil)
				So(ledger.records, ShouldBeEmpty)
				So(tr.count("a"), ShouldEqual, 0)
				for _, id := range []string{"b", "c"} {
					e := tr.last(id)
					So(e.Type, ShouldEqual, protocol.TypeMessage)
					So(e.Message, ShouldEqual, body)
				}
			})
		})

		Convey("When a stale connection fails", func() {
			tr.failing["b"] = true
			res, err := r.RelayQuestion(context.Background(), origin, "hello")

			Convey("Then delivery to the rest continues", func() {
				So(err, ShouldBeNil)
				So(res.Failed, ShouldResemble, []string{"b"})
				So(tr.count("c"), ShouldEqual, 1)
			})
		})
	})
}

func TestRelateProblem(t *testing.T) {
	Convey("Given a relay with one stored puzzle", t, func() {
		sessions := &fakeSessions{puzzles: map[string]relay.Puzzle{
			"soup": {Question: "A man orders turtle soup.", Answer: "He had been shipwrecked."},
		}}
		dir := &fakeDirectory{byScope: map[string][]string{"soup": {"a", "b"}}}
		tr := newFakeTransport()
		r := relay.New(sessions, dir, &fakeLedger{}, tr)
		origin := relay.Origin{ConnectionID: "a", SessionToken: "soup"}

		Convey("When the puzzle is requested", func() {
			err := r.Handle(context.Background(), origin, []byte(`{"action":"get-puzzle","sessionToken":"soup"}`))

			Convey("Then only the requester receives it", func() {
				So(err, ShouldBeNil)
				So(tr.count("b"), ShouldEqual, 0)
				e := tr.last("a")
				So(e.Type, ShouldEqual, protocol.TypePuzzle)
				So(e.Question, ShouldEqual, "A man orders turtle soup.")
				So(e.Answer, ShouldEqual, "He had been shipwrecked.")
			})
		})

		Convey("When an unknown token is requested", func() {
			err := r.Handle(context.Background(), origin, []byte(`{"action":"get-puzzle","sessionToken":"nope"}`))

			Convey("Then a not-found reply goes to the requester and nothing is fanned out", func() {
				So(errors.Is(err, relay.ErrNotFound), ShouldBeTrue)
				So(dir.calls, ShouldEqual, 0)
				So(tr.total(), ShouldEqual, 1)
				So(tr.last("a").Kind, ShouldEqual, protocol.KindNotFound)
			})
		})

		Convey("When the store lookup errors", func() {
			sessions.err = errors.New("throttled")
			err := r.RelateProblem(context.Background(), origin, "soup")

			Convey("Then the error is wrapped", func() {
				So(errors.Is(err, relay.ErrSessionStore), ShouldBeTrue)
				So(tr.total(), ShouldEqual, 0)
			})
		})
	})
}

// loopback connects relay deliveries straight into participant sessions.
type loopback struct {
	mu       sync.Mutex
	sessions map[string]*aggregator.Session
}

func (l *loopback) Send(_ context.Context, id string, payload []byte) error {
	l.mu.Lock()
	s, ok := l.sessions[id]
	l.mu.Unlock()
	if !ok {
		return errors.New("no such connection")
	}
	return s.Apply(payload)
}

type relaySender struct {
	relay  *relay.Relay
	origin relay.Origin
}

func (s relaySender) Send(ctx context.Context, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.relay.Handle(ctx, s.origin, raw)
}

func TestEndToEnd(t *testing.T) {
	Convey("Given a guesser A and a setter B sharing a session", t, func() {
		lb := &loopback{sessions: make(map[string]*aggregator.Session)}
		dir := &fakeDirectory{byScope: map[string][]string{"soup": {"A", "B"}}}
		sessions := &fakeSessions{puzzles: map[string]relay.Puzzle{"soup": {Question: "q", Answer: "a"}}}
		r := relay.New(sessions, dir, &fakeLedger{}, lb)

		a := aggregator.New("soup", aggregator.RoleGuesser, relaySender{r, relay.Origin{ConnectionID: "A", SessionToken: "soup"}})
		b := aggregator.New("soup", aggregator.RoleSetter, relaySender{r, relay.Origin{ConnectionID: "B", SessionToken: "soup"}})
		lb.sessions["A"] = a
		lb.sessions["B"] = b
		ctx := context.Background()

		Convey("When A asks and B judges", func() {
			q, err := a.SubmitQuestion(ctx, "Is it raining?")
			So(err, ShouldBeNil)

			mine, _ := a.Question(q.ID)
			theirs, ok := b.Question(q.ID)

			Convey("Then each side sees the question with the right origin", func() {
				So(mine.Origin, ShouldEqual, aggregator.OriginSelf)
				So(ok, ShouldBeTrue)
				So(theirs.Origin, ShouldEqual, aggregator.OriginOther)
				So(theirs.Text, ShouldEqual, "Is it raining?")
			})

			Convey("And B's judgment reaches A", func() {
				applied, err := b.SubmitJudgment(ctx, q.ID, true)
				So(err, ShouldBeNil)
				So(applied, ShouldBeTrue)

				got, _ := a.Tally(q.ID)
				So(got.YesCount, ShouldEqual, 1)
				So(got.NoCount, ShouldEqual, 0)
				So(got.Total, ShouldEqual, 1)
				So(got.Majority, ShouldEqual, aggregator.MajorityYes)

				own, _ := b.Tally(q.ID)
				So(own, ShouldResemble, got)
			})
		})

		Convey("When A requests the puzzle", func() {
			So(a.RequestPuzzle(ctx), ShouldBeNil)

			Convey("Then A holds it and B was not sent anything", func() {
				p, ok := a.Puzzle()
				So(ok, ShouldBeTrue)
				So(p.Answer, ShouldEqual, "a")
				_, ok = b.Puzzle()
				So(ok, ShouldBeFalse)
			})
		})
	})
}
