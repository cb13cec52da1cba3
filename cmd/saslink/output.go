package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"pkt.systems/saslink/core"
	"pkt.systems/saslink/schema"
)

// logPrinter writes SAS log lines, coloured by line type when enabled.
type logPrinter struct {
	w      io.Writer
	colors map[schema.LogType]*color.Color
	// keep retains printed lines for run persistence.
	keep  bool
	lines []schema.LogLine
}

func newLogPrinter(w io.Writer, mode string) (*logPrinter, error) {
	enabled, err := colorEnabled(w, mode)
	if err != nil {
		return nil, err
	}
	p := &logPrinter{w: w}
	if enabled {
		p.colors = logColors()
	}
	return p, nil
}

func colorEnabled(w io.Writer, mode string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "auto":
		if _, ok := os.LookupEnv("NO_COLOR"); ok {
			return false, nil
		}
		return isTerminal(w), nil
	case "always":
		return true, nil
	case "never":
		return false, nil
	default:
		return false, fmt.Errorf("invalid color mode %q (want auto, always or never)", mode)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func logColors() map[schema.LogType]*color.Color {
	colors := map[schema.LogType]*color.Color{
		schema.LogError:    color.New(color.FgRed, color.Bold),
		schema.LogWarning:  color.New(color.FgGreen),
		schema.LogNote:     color.New(color.FgBlue),
		schema.LogSource:   color.New(color.Faint),
		schema.LogTitle:    color.New(color.Bold),
		schema.LogFootnote: color.New(color.Italic),
	}
	// color disables itself globally when stdout is not a tty.
	for _, c := range colors {
		c.EnableColor()
	}
	return colors
}

func (p *logPrinter) print(lines []schema.LogLine) error {
	for _, line := range lines {
		if p.keep {
			p.lines = append(p.lines, line)
		}
		text := line.Line
		if c := p.colors[line.Type]; c != nil {
			text = c.Sprint(text)
		}
		if _, err := fmt.Fprintln(p.w, text); err != nil {
			return err
		}
	}
	return nil
}

// drain prints every batch of the stream until it ends.
func (p *logPrinter) drain(ctx context.Context, stream core.LogStream) error {
	defer func() { _ = stream.Close() }()
	for {
		batch, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := p.print(batch); err != nil {
			return err
		}
	}
}
