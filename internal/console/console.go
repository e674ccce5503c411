// Package console is the interactive terminal front end: pick a user from
// the roster, then chat until the user asks to stop.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/m-mizutani/goerr/v2"

	"mnemo/internal/config"
	"mnemo/internal/session"
)

const (
	stopPrompt = "Do you want to stop? (yes/no): "
	separator  = "\n========================================\n\n"
)

// ErrInterrupted is returned by a LineReader when the user presses Ctrl-C.
var ErrInterrupted = errors.New("interrupted")

// LineReader reads one line of input after showing prompt. It returns
// io.EOF when input ends.
type LineReader interface {
	ReadLine(prompt string) (string, error)
}

// Chatter is the part of agent.Handler the console drives.
type Chatter interface {
	Initialize(ctx context.Context, userID, name string) (*session.Session, error)
	Reply(ctx context.Context, userID, message string) (string, error)
}

type Console struct {
	in      LineReader
	out     io.Writer
	chatter Chatter
	roster  []config.UserConfig
	spinner bool
}

type Option func(*Console)

// WithSpinner shows a progress indicator while a turn runs.
func WithSpinner(enabled bool) Option {
	return func(c *Console) { c.spinner = enabled }
}

func New(in LineReader, out io.Writer, chatter Chatter, roster []config.UserConfig, opts ...Option) *Console {
	c := &Console{in: in, out: out, chatter: chatter, roster: roster}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run selects a user, or uses userID when it is non-empty, and chats until
// the user answers yes to the stop prompt or input ends.
func (c *Console) Run(ctx context.Context, userID string) error {
	user, err := c.selectUser(userID)
	if err != nil {
		return done(err)
	}

	if _, err := c.chatter.Initialize(ctx, user.ID, user.Name); err != nil {
		return goerr.Wrap(err, "failed to initialize session", goerr.V("user_id", user.ID))
	}

	for {
		line, err := c.in.ReadLine(user.Name + ": ")
		if err != nil {
			return done(err)
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		reply, err := c.reply(ctx, user.ID, line)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "AI: %s\n\n\n", reply)

		answer, err := c.in.ReadLine(stopPrompt)
		if err != nil {
			return done(err)
		}
		if isYes(answer) {
			return nil
		}
		fmt.Fprintln(c.out, "Continuing...")
		fmt.Fprint(c.out, separator)
	}
}

func (c *Console) selectUser(userID string) (config.UserConfig, error) {
	if userID != "" {
		for _, u := range c.roster {
			if u.ID == userID {
				return u, nil
			}
		}
		return config.UserConfig{}, goerr.New("user not found", goerr.V("user_id", userID))
	}
	if len(c.roster) == 0 {
		return config.UserConfig{}, goerr.New("no users configured")
	}

	options := make([]string, 0, len(c.roster))
	for i, u := range c.roster {
		options = append(options, fmt.Sprintf("[%d] %s", i, u.Name))
	}
	prompt := "SelectUser: " + strings.Join(options, " | ") + " : "

	for {
		line, err := c.in.ReadLine(prompt)
		if err != nil {
			return config.UserConfig{}, err
		}
		i, err := strconv.Atoi(strings.TrimSpace(line))
		if err == nil && i >= 0 && i < len(c.roster) {
			return c.roster[i], nil
		}
		fmt.Fprintln(c.out, "ERROR: user not found")
	}
}

func (c *Console) reply(ctx context.Context, userID, line string) (string, error) {
	if c.spinner {
		s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(c.out))
		s.Suffix = " thinking"
		s.Start()
		defer s.Stop()
	}
	return c.chatter.Reply(ctx, userID, line)
}

func isYes(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "yes", "y":
		return true
	}
	return false
}

// done treats end of input and Ctrl-C as a normal exit.
func done(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, ErrInterrupted) {
		return nil
	}
	return err
}
