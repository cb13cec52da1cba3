package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "canceled", err: fmt.Errorf("read: %w", context.Canceled), want: ErrorCanceled},
		{name: "deadline", err: fmt.Errorf("read: %w", context.DeadlineExceeded), want: ErrorTimeout},
		{name: "socket", err: errors.New("connection reset by peer"), want: ErrorTransport},
		{name: "already classified", err: NewError(ErrorSessionStale, "run", context.Canceled), want: ErrorSessionStale},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(Classify("run", tc.err)); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
	if Classify("run", nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}
