package crawler

import (
	"context"
)

// Source hands out pages of work. An empty page means no more work for now.
type Source interface {
	FetchBatch(ctx context.Context) ([]WorkItem, error)
}

// Sink persists a batch of results in a single call.
type Sink interface {
	Persist(ctx context.Context, results []Result) error
}

// Fetcher retrieves a remote URI and classifies what came back. A non-nil error means
// the outcome could not be classified at all.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) (Outcome, error)
}

// Publisher pushes notifications to a message bus (or similar).
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
