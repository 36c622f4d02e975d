package session

import "context"

// Hooks lets embedders observe shell lifecycle transitions. The coordinator
// calls BeforeShellStart after connect and tmux planning but before the
// shell request goes out; a non-nil error aborts that attempt.
type Hooks interface {
	BeforeShellStart(ctx context.Context, sessionID string) error
	AfterShellStarted(ctx context.Context, sessionID string)
}

// NopHooks is the default no-op implementation.
type NopHooks struct{}

func (NopHooks) BeforeShellStart(ctx context.Context, sessionID string) error { return nil }
func (NopHooks) AfterShellStarted(ctx context.Context, sessionID string)      {}
