package apperr

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
)

func TestClassifiersMatchWrappedErrors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"configuration", fmt.Errorf("startup: %w", &ConfigurationError{Field: "DB_PATH", Reason: "empty"}), IsConfiguration},
		{"not found", fmt.Errorf("load: %w", &NotFoundError{Path: "db.json", Err: fs.ErrNotExist}), IsNotFound},
		{"parse", &ParseError{Path: "db.json", Err: errors.New("unexpected EOF")}, IsParse},
		{"lookup", &RemoteLookupError{Channels: []string{"alice"}, Err: errors.New("boom")}, IsRemoteLookup},
		{"subscription", &RemoteSubscriptionError{Channel: "alice", Op: "subscribe", Err: errors.New("boom")}, IsRemoteSubscription},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.err) {
				t.Fatalf("classifier did not match %v", tt.err)
			}
		})
	}
	if IsParse(&NotFoundError{Path: "x"}) {
		t.Fatalf("IsParse matched a NotFoundError")
	}
}

func TestNotFoundUnwrapsToFsError(t *testing.T) {
	err := &NotFoundError{Path: "db.json", Err: fs.ErrNotExist}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected errors.Is(err, fs.ErrNotExist)")
	}
}

func TestRemoteLookupErrorMessage(t *testing.T) {
	err := &RemoteLookupError{Channels: []string{"alice", "bob"}, Err: errors.New("503")}
	if !strings.Contains(err.Error(), "alice,bob") {
		t.Fatalf("message %q does not list channels", err.Error())
	}
	whole := &RemoteLookupError{Err: errors.New("timeout")}
	if strings.Contains(whole.Error(), " for ") {
		t.Fatalf("whole-call failure should not list channels: %q", whole.Error())
	}
}
