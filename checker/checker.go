// Package checker performs the remote "does this profile have a story"
// call through an assigned proxy. The transport lives behind the Checker
// interface; the executor only sees the result contract.
package checker

import (
	"context"

	"github.com/storyscan-io/storyscan/proxypool"
)

// Result is the outcome of a successful profile check.
type Result struct {
	HasStory bool `json:"has_story"`
}

// Checker performs one remote profile check through the given proxy.
// Implementations must honor ctx for timeout and cancellation and surface
// classified errors (retry.HTTPError for HTTP failures).
type Checker interface {
	Check(ctx context.Context, profileID string, creds proxypool.Credentials) (Result, error)
}
