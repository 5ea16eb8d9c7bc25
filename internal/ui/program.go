package ui

import (
	"context"
	"errors"
	"io"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jmylchreest/pitx/internal/transcoder"
)

// Program runs the progress view and feeds it from a reporter.
type Program struct {
	p *tea.Program
}

// NewProgram creates a program drawing to out.
func NewProgram(ctx context.Context, info Info, out io.Writer) *Program {
	return &Program{p: tea.NewProgram(NewModel(info),
		tea.WithContext(ctx),
		tea.WithOutput(out),
	)}
}

// Observer forwards reporter snapshots to the view.
func (p *Program) Observer() transcoder.Observer {
	return func(s transcoder.Snapshot) {
		p.p.Send(Progress(s))
	}
}

// Finish shows the outcome and lets the view exit.
func (p *Program) Finish(err error) {
	p.p.Send(Done{Err: err})
}

// Run blocks until the view exits. Cancelling the context is a normal
// exit.
func (p *Program) Run() error {
	_, err := p.p.Run()
	if errors.Is(err, tea.ErrProgramKilled) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
