package core

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// BodyFilePattern matches the engine note announcing the HTML5 body file.
var BodyFilePattern = regexp.MustCompile(`NOTE: .+ HTML5.* Body .+: (.+)\.htm`)

var titlePattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// DefaultResultTitle is used when the HTML carries no title element.
const DefaultResultTitle = "Result"

// DefaultODSStyle is the ODS style applied by WrapCode.
const DefaultODSStyle = "Illuminate"

// MatchBodyFile returns the body file name (without .htm) announced by line.
func MatchBodyFile(line string) (string, bool) {
	m := BodyFilePattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// WrapOptions controls the ODS HTML5 wrapper.
type WrapOptions struct {
	// Path is the output directory for the body file; empty uses the engine cwd.
	Path string
	// Body is the body file name without extension.
	Body  string
	Style string
}

// WrapCode surrounds code with ODS statements so the engine renders HTML5
// output to a known body file. The trailing quote-closing comment protects the
// close statement from unbalanced quotes in user code.
func WrapCode(code string, opts WrapOptions) string {
	body := opts.Body
	if body == "" {
		body = "saslink"
	}
	style := opts.Style
	if style == "" {
		style = DefaultODSStyle
	}
	path := ""
	if opts.Path != "" {
		path = fmt.Sprintf(" path=%q", opts.Path)
	}
	var b strings.Builder
	b.WriteString("ods _all_ close;\n")
	fmt.Fprintf(&b, "ods html5 (id=saslink)%s body=\"%s.htm\" options(bitmap_mode='inline') style=%s;\n", path, body, style)
	b.WriteString("ods graphics on;\n")
	b.WriteString(code)
	b.WriteString("\n;*';*\";*/;\n")
	b.WriteString("ods html5 (id=saslink) close;\n")
	return b.String()
}

// ExtractTitle returns the text of the HTML title element or DefaultResultTitle.
func ExtractTitle(doc string) string {
	m := titlePattern.FindStringSubmatch(doc)
	if m == nil {
		return DefaultResultTitle
	}
	title := strings.TrimSpace(html.UnescapeString(m[1]))
	if title == "" {
		return DefaultResultTitle
	}
	return title
}
