package console

import (
	"errors"

	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
)

// Readline reads lines from the terminal with history and line editing.
type Readline struct {
	rl *readline.Instance
}

// NewReadline opens the terminal. historyFile may be empty.
func NewReadline(historyFile string) (*Readline, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open terminal")
	}
	return &Readline{rl: rl}, nil
}

func (r *Readline) ReadLine(prompt string) (string, error) {
	r.rl.SetPrompt(prompt)
	line, err := r.rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) {
		return "", ErrInterrupted
	}
	return line, err
}

func (r *Readline) Close() error {
	return r.rl.Close()
}
