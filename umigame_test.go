package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Seednode/umigame/protocol"
	"github.com/Seednode/umigame/relay"
	"github.com/Seednode/umigame/store"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	. "github.com/smartystreets/goconvey/convey"
)

func testConfig() *Config {
	return &Config{
		connectionTimeout: time.Minute,
		deliveryTimeout:   time.Second,
		fanoutConcurrency: 4,
		metrics:           true,
		port:              8080,
		sessionScoped:     true,
	}
}

func newTestServer(cfg *Config) (*httptest.Server, *store.MemoryLedger, *Hub) {
	puzzles := store.NewPuzzles()
	puzzles.Put("soup", relay.Puzzle{Question: "Why did he cry?", Answer: "The soup was not the soup."})

	ledger := store.NewMemoryLedger()
	errs := make(chan error, 16)

	mux := httprouter.New()
	hub := registerRoutes(cfg, mux, puzzles, ledger, errs)

	return httptest.NewServer(mux), ledger, hub
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()

	target := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		t.Fatal(err)
	}

	return conn
}

func readEnvelope(conn *websocket.Conn, wait time.Duration) (protocol.Envelope, error) {
	_ = conn.SetReadDeadline(time.Now().Add(wait))

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}

	return protocol.ParseEnvelope(raw)
}

func TestHub(t *testing.T) {
	Convey("Given a running relay with three participants", t, func() {
		srv, ledger, hub := newTestServer(testConfig())
		Reset(func() {
			hub.closeAll()
			srv.Close()
		})

		setter := dial(t, srv, "/umigame/soup/ws")
		guesser := dial(t, srv, "/umigame/soup/ws")
		stranger := dial(t, srv, "/umigame/other/ws")

		hello := make([]protocol.Envelope, 0, 3)
		for _, conn := range []*websocket.Conn{setter, guesser, stranger} {
			e, err := readEnvelope(conn, 2*time.Second)
			So(err, ShouldBeNil)
			hello = append(hello, e)
		}

		Convey("Then each connection is told its own id and session", func() {
			So(hello[0].Type, ShouldEqual, protocol.TypeSession)
			So(hello[0].SessionToken, ShouldEqual, "soup")
			So(hello[2].SessionToken, ShouldEqual, "other")
			So(hello[0].ConnectionID, ShouldNotEqual, hello[1].ConnectionID)

			ids, err := hub.Connections(context.Background(), "soup")
			So(err, ShouldBeNil)
			So(ids, ShouldHaveLength, 2)
		})

		Convey("When the setter judges a question", func() {
			So(setter.WriteJSON(protocol.NewJudgment("soup", "q_1_0", true)), ShouldBeNil)

			got, err := readEnvelope(guesser, 2*time.Second)

			Convey("Then the guesser receives it with the judge's id", func() {
				So(err, ShouldBeNil)
				So(got.Type, ShouldEqual, protocol.TypeJudgment)
				So(got.QuestionID, ShouldEqual, "q_1_0")
				So(*got.Judgment, ShouldBeTrue)
				So(got.JudgeID, ShouldEqual, hello[0].ConnectionID)
				So(ledger.Records(), ShouldHaveLength, 1)
			})

			Convey("Then the setter does not hear its own judgment", func() {
				So(setter.WriteJSON(protocol.NewGetPuzzle("soup")), ShouldBeNil)

				next, err := readEnvelope(setter, 2*time.Second)
				So(err, ShouldBeNil)
				So(next.Type, ShouldEqual, protocol.TypePuzzle)
				So(next.Answer, ShouldContainSubstring, "not the soup")
			})

			Convey("Then the other session hears nothing", func() {
				_, err := readEnvelope(stranger, 300*time.Millisecond)
				So(err, ShouldNotBeNil)
			})
		})

		Convey("When a guesser broadcasts a question", func() {
			body, err := protocol.EncodeQuestion("q_5_0", "Was it really soup?")
			So(err, ShouldBeNil)
			So(guesser.WriteJSON(protocol.NewBroadcast(body)), ShouldBeNil)

			got, err := readEnvelope(setter, 2*time.Second)

			Convey("Then the message arrives verbatim", func() {
				So(err, ShouldBeNil)
				So(got.Type, ShouldEqual, protocol.TypeMessage)
				So(got.Message, ShouldEqual, body)
			})
		})

		Convey("When a participant sends garbage", func() {
			So(guesser.WriteMessage(websocket.TextMessage, []byte("{not json")), ShouldBeNil)

			got, err := readEnvelope(guesser, 2*time.Second)

			Convey("Then only the sender is told it was malformed", func() {
				So(err, ShouldBeNil)
				So(got.Type, ShouldEqual, protocol.TypeError)
				So(got.Kind, ShouldEqual, protocol.KindMalformed)
			})
		})

		Convey("When a participant leaves", func() {
			So(stranger.Close(), ShouldBeNil)

			Convey("Then it is dropped from the directory", func() {
				var ids []string
				for range 50 {
					ids, _ = hub.Connections(context.Background(), "other")
					if len(ids) == 0 {
						break
					}
					time.Sleep(20 * time.Millisecond)
				}
				So(ids, ShouldBeEmpty)
			})
		})
	})
}

func TestSend(t *testing.T) {
	Convey("Given a hub with no connections", t, func() {
		hub := newHub(nil)

		Convey("Then sending to an unknown id reports a stale connection", func() {
			err := hub.Send(context.Background(), "gone", []byte("{}"))
			So(errors.Is(err, ErrStaleConnection), ShouldBeTrue)
		})
	})

	Convey("Given a client whose writer has stopped", t, func() {
		hub := newHub(nil)
		c := &Client{id: "slow", send: make(chan []byte), done: make(chan struct{})}
		hub.register(c)

		Convey("When its deadline passes", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()

			err := hub.Send(ctx, "slow", []byte("{}"))

			Convey("Then the send gives up", func() {
				So(err, ShouldEqual, context.DeadlineExceeded)
			})
		})

		Convey("When it is closed", func() {
			hub.unregister(c)
			err := hub.Send(context.Background(), "slow", []byte("{}"))

			Convey("Then it is stale", func() {
				So(errors.Is(err, ErrStaleConnection), ShouldBeTrue)
			})
		})
	})
}

func TestPages(t *testing.T) {
	Convey("Given the relay's web routes", t, func() {
		srv, _, hub := newTestServer(testConfig())
		Reset(func() {
			hub.closeAll()
			srv.Close()
		})

		get := func(path string) (*http.Response, string) {
			resp, err := http.Get(srv.URL + path)
			So(err, ShouldBeNil)
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			So(err, ShouldBeNil)

			return resp, string(body)
		}

		Convey("Then the health check answers", func() {
			resp, body := get("/healthz")
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body, ShouldEqual, "Ok\n")
		})

		Convey("Then the session page escapes its token", func() {
			resp, body := get("/umigame/%3Cb%3E")
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body, ShouldContainSubstring, "&lt;b&gt;")
			So(body, ShouldNotContainSubstring, "<b>")
		})

		Convey("Then the QR code is a PNG", func() {
			resp, body := get("/umigame/soup/qr")
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(resp.Header.Get("Content-Type"), ShouldEqual, "image/png")
			So(strings.HasPrefix(body, "\x89PNG"), ShouldBeTrue)
		})

		Convey("Then metrics are exposed", func() {
			resp, body := get("/metrics")
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body, ShouldContainSubstring, "umigame_hub_live_connections")
		})

		Convey("Then the version is reported", func() {
			_, body := get("/version")
			So(body, ShouldEqual, "umigame v"+releaseVersion+"\n")
		})
	})
}
