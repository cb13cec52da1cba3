package core

import (
	"regexp"
	"strings"

	"pkt.systems/saslink/schema"
)

var sourceLinePattern = regexp.MustCompile(`^\d+(\s|$)`)

// LineClassifier assigns a LogType to raw engine log lines. Continuation
// lines (leading whitespace) inherit the type of the line before them.
type LineClassifier struct {
	last schema.LogType
}

// Classify returns the classified line.
func (c *LineClassifier) Classify(raw string) schema.LogLine {
	line := strings.TrimRight(raw, "\r\n")
	typ := schema.LogNormal
	switch {
	case strings.HasPrefix(line, "ERROR"):
		typ = schema.LogError
	case strings.HasPrefix(line, "WARNING"):
		typ = schema.LogWarning
	case strings.HasPrefix(line, "NOTE"):
		typ = schema.LogNote
	case sourceLinePattern.MatchString(line):
		typ = schema.LogSource
	case line != "" && (line[0] == ' ' || line[0] == '\t') && c.last != "" && c.last != schema.LogSource:
		typ = c.last
	}
	c.last = typ
	return schema.LogLine{Type: typ, Line: line}
}

// ClassifyLines classifies a block of text split on newlines. A trailing
// newline does not produce an empty final line.
func (c *LineClassifier) ClassifyLines(text string) []schema.LogLine {
	text = strings.TrimSuffix(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if text == "" {
		return nil
	}
	parts := strings.Split(text, "\n")
	lines := make([]schema.LogLine, 0, len(parts))
	for _, part := range parts {
		lines = append(lines, c.Classify(part))
	}
	return lines
}
