package oauth

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pkg/browser"
)

var quietBrowser sync.Once

// OpenBrowser opens url in the user's default browser. Output of the launcher
// is discarded so it cannot mix with run logs.
func OpenBrowser(url string) error {
	quietBrowser.Do(func() {
		browser.Stdout = io.Discard
		browser.Stderr = io.Discard
	})
	return browser.OpenURL(url)
}

// PromptAuthorizer opens the authorization URL and reads the code the user
// pastes back after signing in. The URL is printed when Open is nil or fails.
type PromptAuthorizer struct {
	In   io.Reader
	Out  io.Writer
	Open func(url string) error
}

// Authorize implements Authorizer.
func (p PromptAuthorizer) Authorize(ctx context.Context, authURL string) (string, error) {
	opened := false
	if p.Open != nil {
		if err := p.Open(authURL); err == nil {
			opened = true
		}
	}
	var err error
	if opened {
		_, err = fmt.Fprintf(p.Out, "A browser window was opened for sign-in. If it did not appear, open:\n\n  %s\n\ncode: ", authURL)
	} else {
		_, err = fmt.Fprintf(p.Out, "Open the following URL, sign in and paste the authorization code:\n\n  %s\n\ncode: ", authURL)
	}
	if err != nil {
		return "", err
	}
	type result struct {
		code string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(p.In).ReadString('\n')
		if err != nil && !(err == io.EOF && line != "") {
			done <- result{err: err}
			return
		}
		done <- result{code: strings.TrimSpace(line)}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		return r.code, r.err
	}
}
