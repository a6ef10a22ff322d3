/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package store provides the session store and judgment ledgers used by the
// relay.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Seednode/umigame/relay"
	"github.com/fsnotify/fsnotify"
	"github.com/sasha-s/go-deadlock"
	"github.com/spf13/viper"
)

var ErrInvalidPuzzle = errors.New("invalid puzzle entry")

type puzzleEntry struct {
	Token    string `mapstructure:"token"`
	Question string `mapstructure:"question"`
	Answer   string `mapstructure:"answer"`
}

// Puzzles maps session tokens to puzzle content. Tokens are case-sensitive.
type Puzzles struct {
	mu      deadlock.RWMutex
	puzzles map[string]relay.Puzzle
}

func NewPuzzles() *Puzzles {
	return &Puzzles{puzzles: make(map[string]relay.Puzzle)}
}

// Put stores or replaces the puzzle for token.
func (p *Puzzles) Put(token string, puzzle relay.Puzzle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.puzzles[token] = puzzle
}

func (p *Puzzles) Lookup(_ context.Context, token string) (relay.Puzzle, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	puzzle, ok := p.puzzles[token]

	return puzzle, ok, nil
}

func (p *Puzzles) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.puzzles)
}

func (p *Puzzles) replace(puzzles map[string]relay.Puzzle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.puzzles = puzzles
}

// LoadPuzzles reads a puzzle file in any format viper understands:
//
//	puzzles:
//	  - token: turtle
//	    question: A man orders turtle soup...
//	    answer: He had been shipwrecked...
//
// When watch is set the file is re-read on every change; a change that fails
// to parse keeps the previous contents and is passed to onError.
func LoadPuzzles(path string, watch bool, onError func(error)) (*Puzzles, error) {
	v := viper.New()
	v.SetConfigFile(path)

	p := NewPuzzles()

	if err := load(v, p); err != nil {
		return nil, err
	}

	if watch {
		v.OnConfigChange(func(_ fsnotify.Event) {
			if err := load(v, p); err != nil && onError != nil {
				onError(err)
			}
		})
		v.WatchConfig()
	}

	return p, nil
}

func load(v *viper.Viper, p *Puzzles) error {
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading puzzle file: %w", err)
	}

	var entries []puzzleEntry
	if err := v.UnmarshalKey("puzzles", &entries); err != nil {
		return fmt.Errorf("parsing puzzle file: %w", err)
	}

	puzzles := make(map[string]relay.Puzzle, len(entries))
	for i, e := range entries {
		token := strings.TrimSpace(e.Token)

		switch {
		case token == "":
			return fmt.Errorf("%w: entry %d has no token", ErrInvalidPuzzle, i)
		case e.Question == "" || e.Answer == "":
			return fmt.Errorf("%w: %q needs both question and answer", ErrInvalidPuzzle, token)
		}

		if _, dup := puzzles[token]; dup {
			return fmt.Errorf("%w: duplicate token %q", ErrInvalidPuzzle, token)
		}

		puzzles[token] = relay.Puzzle{Question: e.Question, Answer: e.Answer}
	}

	p.replace(puzzles)

	return nil
}
