// Package api exposes the producer and administrative HTTP surface:
// enqueueing jobs, inspecting queue statistics, and triaging the
// dead-letter store (list, inspect, manual requeue).
package api
