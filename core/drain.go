package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/saslink/schema"
)

// ErrNotModified is returned by JobSource.PollState when the state did not
// change within the wait window.
var ErrNotModified = errors.New("job state not modified")

// DefaultPollWait is the long-poll window used when PollPolicy.Wait is zero.
const DefaultPollWait = 5 * time.Second

// LogCursor is the read position within a job log. Next, when set, is the
// server-provided link to the following page and takes precedence over Offset.
type LogCursor struct {
	Offset int
	Next   string
}

// LogPage is one page of log lines plus the link to the next page, if any.
type LogPage struct {
	Lines []schema.LogLine
	Next  string
}

// JobSource is the remote side of a running job.
type JobSource interface {
	// PollState waits up to wait for a state change. It returns ErrNotModified
	// when nothing changed.
	PollState(ctx context.Context, wait time.Duration) (schema.JobState, error)
	// FetchLog returns the page at cursor. A non-zero wait lets the server hold
	// the request until lines are available.
	FetchLog(ctx context.Context, cursor LogCursor, wait time.Duration) (LogPage, error)
}

// PollPolicy bounds the drain loop.
type PollPolicy struct {
	// Wait is the long-poll window passed to the source.
	Wait time.Duration
	// MaxNotModified caps consecutive not-modified polls; zero is unlimited.
	MaxNotModified int
	// Timeout caps the whole drain; zero means no limit beyond ctx.
	Timeout time.Duration
}

func (p PollPolicy) normalize() PollPolicy {
	if p.Wait <= 0 {
		p.Wait = DefaultPollWait
	}
	if p.MaxNotModified < 0 {
		p.MaxNotModified = 0
	}
	return p
}

// Drain forwards every log line of a job to sink exactly once and in order,
// returning the terminal job state. Once the job is terminal, one final pass
// collects whatever the server still holds.
func Drain(ctx context.Context, src JobSource, sink LogSink, policy PollPolicy) (schema.JobState, error) {
	policy = policy.normalize()
	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}

	var (
		cursor      LogCursor
		state       schema.JobState
		notModified int
		fetchWait   time.Duration
	)
	for {
		next, err := src.PollState(ctx, policy.Wait)
		switch {
		case errors.Is(err, ErrNotModified):
			notModified++
			if policy.MaxNotModified > 0 && notModified >= policy.MaxNotModified {
				return state, NewError(ErrorTimeout, "poll state", fmt.Errorf("no state change after %d polls", notModified))
			}
		case err != nil:
			return state, Classify("poll state", err)
		default:
			state = next
			notModified = 0
		}
		if state.Terminal() {
			break
		}
		n, err := drainPages(ctx, src, &cursor, fetchWait, sink)
		if err != nil {
			return state, Classify("fetch log", err)
		}
		if n == 0 {
			fetchWait = policy.Wait
		} else {
			fetchWait = 0
		}
	}
	if _, err := drainPages(ctx, src, &cursor, 0, sink); err != nil {
		return state, Classify("fetch log", err)
	}
	return state, nil
}

// drainPages follows next links from cursor until an empty page or a page
// without a link. Only the first fetch carries wait.
func drainPages(ctx context.Context, src JobSource, cursor *LogCursor, wait time.Duration, sink LogSink) (int, error) {
	total := 0
	for {
		page, err := src.FetchLog(ctx, *cursor, wait)
		if err != nil {
			return total, err
		}
		wait = 0
		if len(page.Lines) > 0 {
			sink(page.Lines)
			cursor.Offset += len(page.Lines)
			total += len(page.Lines)
		}
		cursor.Next = page.Next
		if len(page.Lines) == 0 || page.Next == "" {
			return total, nil
		}
	}
}
