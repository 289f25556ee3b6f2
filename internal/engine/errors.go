package engine

import "errors"

// Sentinel errors for pipeline execution failures. Callers match them with
// errors.Is after the engine wraps them with node context.
var (
	// ErrLLM wraps provider completion failures.
	ErrLLM = errors.New("llm error")

	// ErrParse wraps malformed pipeline or node output handling.
	ErrParse = errors.New("parse error")

	// ErrWorkerFailed wraps a worker node whose execution failed.
	ErrWorkerFailed = errors.New("worker failed")

	// ErrExternalAPI wraps failures talking to external services.
	ErrExternalAPI = errors.New("external api error")

	// ErrMaxRetries marks an operation that kept failing after retries.
	ErrMaxRetries = errors.New("max retries exceeded")

	// ErrUnknownWorker marks an edge referencing an undeclared node.
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrWebSocket wraps session transport failures.
	ErrWebSocket = errors.New("websocket error")
)
