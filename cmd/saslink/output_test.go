package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"pkt.systems/saslink/schema"
)

func TestColorEnabled(t *testing.T) {
	t.Setenv("NO_COLOR", "")
	tests := []struct {
		mode    string
		want    bool
		wantErr bool
	}{
		{mode: "auto", want: false},
		{mode: "", want: false},
		{mode: "always", want: true},
		{mode: "NEVER", want: false},
		{mode: "rainbow", wantErr: true},
	}
	for _, tc := range tests {
		got, err := colorEnabled(&bytes.Buffer{}, tc.mode)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.mode)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%q: got %v (%v), want %v", tc.mode, got, err, tc.want)
		}
	}
}

func TestLogPrinterColours(t *testing.T) {
	var buf bytes.Buffer
	p, err := newLogPrinter(&buf, "always")
	if err != nil {
		t.Fatalf("newLogPrinter: %v", err)
	}
	p.keep = true
	lines := []schema.LogLine{
		{Type: schema.LogError, Line: "ERROR: boom"},
		{Type: schema.LogNormal, Line: "plain"},
	}
	if err := p.print(lines); err != nil {
		t.Fatalf("print: %v", err)
	}
	out := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(out) != 2 {
		t.Fatalf("expected two lines, got %q", buf.String())
	}
	if !strings.HasPrefix(out[0], "\x1b[") || !strings.Contains(out[0], "ERROR: boom") {
		t.Fatalf("expected coloured error line, got %q", out[0])
	}
	if out[1] != "plain" {
		t.Fatalf("expected plain normal line, got %q", out[1])
	}
	if len(p.lines) != 2 {
		t.Fatalf("expected kept lines, got %d", len(p.lines))
	}
}

type sliceStream struct {
	batches [][]schema.LogLine
	closed  bool
}

func (s *sliceStream) Next(context.Context) ([]schema.LogLine, error) {
	if len(s.batches) == 0 {
		return nil, io.EOF
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

func TestLogPrinterDrain(t *testing.T) {
	var buf bytes.Buffer
	p, err := newLogPrinter(&buf, "never")
	if err != nil {
		t.Fatalf("newLogPrinter: %v", err)
	}
	stream := &sliceStream{batches: [][]schema.LogLine{
		{{Type: schema.LogNote, Line: "a"}, {Type: schema.LogNote, Line: "b"}},
		{{Type: schema.LogWarning, Line: "c"}},
	}}
	if err := p.drain(context.Background(), stream); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if buf.String() != "a\nb\nc\n" {
		t.Fatalf("unexpected output %q", buf.String())
	}
	if !stream.closed {
		t.Fatalf("expected stream closed")
	}
}

func TestReadCode(t *testing.T) {
	code, fromStdin, err := readCode(strings.NewReader("proc print; run;"), nil)
	if err != nil || !fromStdin || code != "proc print; run;" {
		t.Fatalf("stdin: %q %v %v", code, fromStdin, err)
	}
	if _, _, err := readCode(strings.NewReader(""), []string{"/does/not/exist.sas"}); err == nil {
		t.Fatalf("expected missing file error")
	}
}
