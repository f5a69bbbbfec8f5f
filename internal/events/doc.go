// Package events implements the observability hook: every job status
// transition is published as a structured event to registered handlers.
// A slog handler gives external metrics/logging collaborators a stream to
// scrape; an optional Redis publisher forwards completion events to the
// cache-invalidation collaborator.
package events
