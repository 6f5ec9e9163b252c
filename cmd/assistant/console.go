package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"eric_assistant/internal/dialogue"
)

// consoleListener turns stdin lines into commands. Reading happens on its own
// goroutine so Listen can honour cancellation.
type consoleListener struct {
	out    io.Writer
	lines  chan string
	err    error
	prompt sync.Once
}

func newConsoleListener(ctx context.Context, in io.Reader, out io.Writer) *consoleListener {
	l := &consoleListener{out: out, lines: make(chan string)}
	go l.read(ctx, in)
	return l
}

func (l *consoleListener) read(ctx context.Context, in io.Reader) {
	defer close(l.lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case l.lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
	l.err = scanner.Err()
}

func (l *consoleListener) Listen(ctx context.Context) (string, error) {
	l.prompt.Do(func() { fmt.Fprint(l.out, "> ") })
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-l.lines:
		if !ok {
			if l.err != nil {
				return "", fmt.Errorf("%w: %v", dialogue.ErrListenerClosed, l.err)
			}
			return "", dialogue.ErrListenerClosed
		}
		return line, nil
	}
}

// consoleSpeaker prints replies in place of speech
type consoleSpeaker struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsoleSpeaker(out io.Writer) *consoleSpeaker {
	return &consoleSpeaker{out: out}
}

func (s *consoleSpeaker) Say(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.out, "Eric: %s\n> ", text)
	return err
}
