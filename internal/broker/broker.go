package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang-stock-gateway/internal/logger"
	"golang-stock-gateway/internal/market"
	"golang-stock-gateway/internal/terminal"
)

var (
	// ErrTimeout indicates no response callback arrived within the wait
	// window. The instrument's data is unavailable this pass; callers skip
	// and retry on a later pass.
	ErrTimeout = errors.New("request timed out")

	// ErrRejected indicates the terminal refused the request on every
	// attempt.
	ErrRejected = errors.New("request rejected by terminal")
)

// Issuer is the slice of the terminal session the broker needs.
type Issuer interface {
	IssueRequest(kind terminal.RequestKind, stockCode, correlationKey string) int
}

// pendingRequest is one in-flight correlation unit. The done channel is
// closed exactly once, by whichever side takes the entry out of the table
// first; a late callback that finds the entry gone is dropped.
type pendingRequest struct {
	stockCode string
	snapshot  market.Snapshot
	done      chan struct{}
}

// Broker correlates outbound requests with inbound data-ready callbacks,
// turning the terminal's callback style into a synchronous-looking call
// safe for concurrent use. The session's owner goroutine keeps pumping
// while callers block here, so waiting never starves the terminal.
type Broker struct {
	session Issuer

	requestTimeout time.Duration
	retryBackoff   time.Duration
	maxAttempts    int

	mu      sync.Mutex
	pending map[string]*pendingRequest
	seq     uint64

	// Statistics
	resolved   int64
	timeouts   int64
	rejections int64
	lateDrops  int64

	log *logger.Entry
}

// New creates a broker around the given session.
func New(session Issuer, requestTimeout, retryBackoff time.Duration, maxAttempts int, log *logger.Log) *Broker {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Broker{
		session:        session,
		requestTimeout: requestTimeout,
		retryBackoff:   retryBackoff,
		maxAttempts:    maxAttempts,
		pending:        make(map[string]*pendingRequest),
		log:            log.WithComponent("broker"),
	}
}

// RequestOne fetches the basic info snapshot for one instrument. Each call
// gets its own correlation key, so reissues for the same instrument never
// collide with a still-settling prior request.
func (b *Broker) RequestOne(ctx context.Context, stockCode string) (market.Snapshot, error) {
	key := fmt.Sprintf("%s_%s_%d", terminal.RequestBasicInfo, stockCode, atomic.AddUint64(&b.seq, 1))

	req := &pendingRequest{
		stockCode: stockCode,
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	b.pending[key] = req
	b.mu.Unlock()

	if err := b.issueWithRetry(ctx, stockCode, key); err != nil {
		b.take(key)
		return market.Snapshot{}, err
	}

	timer := time.NewTimer(b.requestTimeout)
	defer timer.Stop()

	select {
	case <-req.done:
		atomic.AddInt64(&b.resolved, 1)
		return req.snapshot, nil

	case <-timer.C:
		if b.take(key) == nil {
			// The callback took the entry between the timer firing and
			// now; its close is imminent.
			<-req.done
			atomic.AddInt64(&b.resolved, 1)
			return req.snapshot, nil
		}
		atomic.AddInt64(&b.timeouts, 1)
		b.log.WithFields(logger.Fields{"stock_code": stockCode, "key": key}).Warn("⚠️ No data callback within wait window")
		return market.Snapshot{}, fmt.Errorf("no data for %s within %s: %w", stockCode, b.requestTimeout, ErrTimeout)

	case <-ctx.Done():
		if b.take(key) == nil {
			<-req.done
			atomic.AddInt64(&b.resolved, 1)
			return req.snapshot, nil
		}
		return market.Snapshot{}, ctx.Err()
	}
}

// issueWithRetry submits the request, retrying immediate rejections with a
// fixed backoff before giving up.
func (b *Broker) issueWithRetry(ctx context.Context, stockCode, key string) error {
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		ret := b.session.IssueRequest(terminal.RequestBasicInfo, stockCode, key)
		if ret == 0 {
			return nil
		}

		atomic.AddInt64(&b.rejections, 1)
		b.log.WithFields(logger.Fields{
			"stock_code": stockCode,
			"attempt":    attempt,
			"ret":        ret,
		}).Warn("⚠️ Request rejected by terminal")

		if attempt == b.maxAttempts {
			break
		}

		timer := time.NewTimer(b.retryBackoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("issue request for %s failed after %d attempts: %w", stockCode, b.maxAttempts, ErrRejected)
}

// HandleDataReady resolves the pending request matching the correlation
// key. It runs on the terminal session's goroutine; a callback whose key
// matches no live entry (already timed out, or a duplicate) is logged and
// dropped.
func (b *Broker) HandleDataReady(correlationKey string, fields map[string]string) {
	req := b.take(correlationKey)
	if req == nil {
		atomic.AddInt64(&b.lateDrops, 1)
		b.log.WithFields(logger.Fields{"key": correlationKey}).Warn("⚠️ Dropping callback with no pending request")
		return
	}

	req.snapshot = market.DecodeSnapshot(req.stockCode, fields)
	close(req.done)
}

// take atomically removes and returns the pending entry for a key, or nil
// if another party already took it.
func (b *Broker) take(key string) *pendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, ok := b.pending[key]
	if !ok {
		return nil
	}
	delete(b.pending, key)
	return req
}

// PendingCount reports the number of live pending requests.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// GetStats returns broker statistics.
func (b *Broker) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"pending":    b.PendingCount(),
		"resolved":   atomic.LoadInt64(&b.resolved),
		"timeouts":   atomic.LoadInt64(&b.timeouts),
		"rejections": atomic.LoadInt64(&b.rejections),
		"late_drops": atomic.LoadInt64(&b.lateDrops),
	}
}
