/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Seednode/umigame/aggregator"
	"github.com/gorilla/websocket"
	"github.com/sasha-s/go-deadlock"
	"github.com/spf13/cobra"
)

var ErrUnknownCommand = errors.New("unknown command")

type playConfig struct {
	role   string
	server string
}

// wsSender writes frames to the relay. gorilla connections allow one
// concurrent writer.
type wsSender struct {
	mu   deadlock.Mutex
	conn *websocket.Conn
}

func (s *wsSender) Send(ctx context.Context, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	_ = s.conn.SetWriteDeadline(deadline)

	return s.conn.WriteJSON(v)
}

type command struct {
	name string
	arg  string
}

func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, nil
	}

	name, arg, _ := strings.Cut(line, " ")
	name = strings.ToLower(name)
	arg = strings.TrimSpace(arg)

	switch name {
	case "ask", "a":
		if arg == "" {
			return command{}, errors.New("usage: ask <question>")
		}
		return command{name: "ask", arg: arg}, nil
	case "yes", "y", "no", "n":
		if arg == "" {
			return command{}, fmt.Errorf("usage: %s <number or question id>", name)
		}
		return command{name: name[:1], arg: arg}, nil
	case "list", "l", "ls":
		return command{name: "list"}, nil
	case "quit", "q", "exit":
		return command{name: "quit"}, nil
	}

	return command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
}

// resolveQuestion accepts a 1-based position in the list or a question id.
func resolveQuestion(questions []aggregator.Question, ref string) (string, bool) {
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(questions) {
			return "", false
		}
		return questions[n-1].ID, true
	}

	for _, q := range questions {
		if q.ID == ref {
			return q.ID, true
		}
	}

	return "", false
}

func render(w io.Writer, s *aggregator.Session) {
	fmt.Fprintf(w, "== %s (%s, %s) ==\n", s.Token(), s.Role(), s.Status())

	if puzzle, ok := s.Puzzle(); ok {
		fmt.Fprintf(w, "Puzzle: %s\n", puzzle.Question)
		if s.Role() == aggregator.RoleSetter {
			fmt.Fprintf(w, "Answer: %s\n", puzzle.Answer)
		}
	}

	questions := s.Questions()
	if len(questions) == 0 {
		fmt.Fprintln(w, "No questions yet.")
	}

	for i, q := range questions {
		mark := " "
		if q.Origin == aggregator.OriginSelf {
			mark = "*"
		}

		t := aggregator.TallyOf(q.Judgments)
		if t.Total == 0 {
			fmt.Fprintf(w, "%s%d. %s (unjudged)\n", mark, i+1, q.Text)
			continue
		}

		fmt.Fprintf(w, "%s%d. %s [yes %d%% / no %d%% of %d: %s]\n",
			mark, i+1, q.Text, t.YesPercent, t.NoPercent, t.Total, t.Majority)
	}

	if err := s.LastError(); err != nil {
		fmt.Fprintf(w, "! %v\n", err)
	}
}

func runCommand(ctx context.Context, w io.Writer, s *aggregator.Session, cmd command) (bool, error) {
	switch cmd.name {
	case "ask":
		_, err := s.SubmitQuestion(ctx, cmd.arg)
		return false, err

	case "y", "n":
		id, ok := resolveQuestion(s.Questions(), cmd.arg)
		if !ok {
			return false, fmt.Errorf("%w: %s", aggregator.ErrUnknownQuestion, cmd.arg)
		}
		accepted, err := s.SubmitJudgment(ctx, id, cmd.name == "y")
		if err == nil && !accepted {
			fmt.Fprintln(w, "Already judged.")
		}
		return false, err

	case "list":
		render(w, s)

	case "quit":
		return true, nil
	}

	return false, nil
}

func play(ctx context.Context, pc *playConfig, token string, in io.Reader, out io.Writer) error {
	role, err := aggregator.ParseRole(pc.role)
	if err != nil {
		return err
	}

	target := strings.TrimSuffix(pc.server, "/") + "/umigame/" + url.PathEscape(token) + "/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	redraw := make(chan struct{}, 1)
	session := aggregator.New(token, role, &wsSender{conn: conn},
		aggregator.WithOnChange(func() {
			select {
			case redraw <- struct{}{}:
			default:
			}
		}),
	)
	defer session.End()

	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				session.SetStatus(readFailureStatus(err))

				return
			}
			if err := session.Apply(raw); err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}()

	if err := session.RequestPuzzle(ctx); err != nil {
		return err
	}

	stop := make(chan struct{})
	defer close(stop)

	lines := readLines(in, stop)

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-redraw:
			render(out, session)
			switch session.Status() {
			case aggregator.StatusDisconnected:
				return errors.New("connection to relay lost")
			case aggregator.StatusError:
				return errors.New("connection to relay failed")
			}

		case line, ok := <-lines:
			if !ok {
				return nil
			}

			cmd, err := parseCommand(line)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
				continue
			}

			done, err := runCommand(ctx, out, session, cmd)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if done {
				return nil
			}
		}
	}
}

// readFailureStatus maps a read error to the session status it leaves behind.
// An orderly close is a disconnect; anything else is an error.
func readFailureStatus(err error) aggregator.Status {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return aggregator.StatusError
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return aggregator.StatusDisconnected
	}

	return aggregator.StatusError
}

// readLines forwards lines from in until it is exhausted or stop is closed.
func readLines(in io.Reader, stop <-chan struct{}) <-chan string {
	lines := make(chan string)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
	}()

	return lines
}

func newPlayCmd() *cobra.Command {
	pc := &playConfig{}
	v := newViper()

	cmd := &cobra.Command{
		Use:   "play <token>",
		Short: "Join a puzzle session from the terminal.",
		Long: `Join a puzzle session from the terminal.

Commands:
  ask <question>     ask a yes/no question (guesser)
  yes <n|id>         judge a question yes (setter)
  no <n|id>          judge a question no (setter)
  list               show every question and its tally
  quit               leave the session`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return play(cmd.Context(), pc, args[0], os.Stdin, cmd.OutOrStdout())
		},
	}

	fs := cmd.Flags()

	fs.StringVarP(&pc.role, "role", "r", "guesser", "setter or guesser (env: UMIGAME_ROLE)")
	fs.StringVarP(&pc.server, "server", "s", "ws://127.0.0.1:8080", "relay to connect to (env: UMIGAME_SERVER)")

	bindFlags(v, fs)

	return cmd
}
