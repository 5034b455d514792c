package terminal

import "golang-stock-gateway/internal/market"

// RequestKind names a request/response exchange type against the terminal.
type RequestKind string

// RequestBasicInfo fetches the per-instrument basic info record.
const RequestBasicInfo RequestKind = "basic_info"

// Handlers receives driver callbacks. Every handler fires on the session's
// own goroutine while it pumps events; handlers must hand data off to other
// goroutines through thread-safe structures and never block.
type Handlers struct {
	// OnConnect fires once after Connect with the terminal's error code
	// (zero means logged in).
	OnConnect func(errCode int)

	// OnDataReady fires when response data for a previously issued request
	// is available, carrying the correlation key it was issued under.
	OnDataReady func(correlationKey string, fields map[string]string)

	// OnLiveTick fires for every real-time update of a registered
	// instrument, with raw field values keyed by field ID.
	OnLiveTick func(stockCode string, fields map[string]string)
}

// Driver is the vendor terminal binding. It is inherently single-threaded:
// implementations are not safe for concurrent use and the Session goroutine
// is the only permitted caller. All calls are unreliable by contract -
// callers must treat "no callback ever arrives" as a normal outcome.
type Driver interface {
	// SetHandlers registers the callback set. Must be called before Connect.
	SetHandlers(h Handlers)

	// Connect starts the asynchronous login. The result arrives via
	// OnConnect; a non-zero return means the attempt was not even started.
	Connect() int

	// IssueRequest submits a request and returns an immediate accept code
	// (zero accepted). Acceptance says nothing about whether response data
	// will ever arrive.
	IssueRequest(kind RequestKind, stockCode, correlationKey string) int

	// ListCodes returns the instrument code universe for one market segment.
	ListCodes(segment market.Segment) ([]string, error)

	// SubscribeLive registers instruments for push updates with the given
	// field ID mask. Returns an immediate accept code.
	SubscribeLive(stockCodes []string, fieldMask string) int

	// UnsubscribeAll drops every live registration.
	UnsubscribeAll()

	// PumpEvents delivers any queued callbacks on the calling goroutine.
	PumpEvents()

	// Close releases the binding.
	Close() error
}
