package fanout

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"golang-stock-gateway/internal/logger"
	"golang-stock-gateway/internal/market"
)

// consecutiveDropLimit is how many back-to-back undeliverable ticks a
// subscriber may accumulate before it is considered dead and removed.
const consecutiveDropLimit = 64

// Subscriber is one connected consumer of live ticks. Ticks are delivered
// only for instrument codes the subscriber has asked for.
type Subscriber struct {
	id   string
	send chan market.LiveTick

	mu     sync.Mutex
	codes  map[string]bool
	closed bool

	consecutiveDrops int
}

// ID returns the subscriber's unique identifier.
func (s *Subscriber) ID() string {
	return s.id
}

// Ticks returns the delivery channel. It is closed when the subscriber is
// unregistered or dropped.
func (s *Subscriber) Ticks() <-chan market.LiveTick {
	return s.send
}

// AddCodes adds instrument codes to the subscriber's filter.
func (s *Subscriber) AddCodes(codes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, code := range codes {
		s.codes[code] = true
	}
}

// RemoveCodes removes instrument codes from the subscriber's filter.
func (s *Subscriber) RemoveCodes(codes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, code := range codes {
		delete(s.codes, code)
	}
}

// Codes returns the currently filtered instrument codes.
func (s *Subscriber) Codes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := make([]string, 0, len(s.codes))
	for code := range s.codes {
		codes = append(codes, code)
	}
	return codes
}

// trySend attempts non-blocking delivery of a matching tick. The second
// result reports that the subscriber has exhausted its consecutive drop
// budget and should be removed. Sends race against close, so both happen
// under the subscriber's lock.
func (s *Subscriber) trySend(tick market.LiveTick) (delivered, dead bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.codes[tick.StockCode] {
		return false, false
	}

	select {
	case s.send <- tick:
		s.consecutiveDrops = 0
		return true, false
	default:
		s.consecutiveDrops++
		return false, s.consecutiveDrops >= consecutiveDropLimit
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// Hub moves decoded live ticks from the terminal session's goroutine to
// every connected subscriber. Publish is the single legal crossing point
// out of the session context: a non-blocking enqueue into the hub queue.
// A dedicated broadcaster goroutine drains the queue and attempts delivery
// to each subscriber independently, so one slow or dead subscriber never
// blocks the rest.
type Hub struct {
	queue      chan market.LiveTick
	bufferSize int

	mu          sync.RWMutex
	subscribers map[string]*Subscriber

	publishCallback func(market.LiveTick) error

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Statistics
	published      int64
	delivered      int64
	queueDrops     int64
	subscriberDrop int64

	log *logger.Entry
}

// NewHub creates a hub with the given queue and per-subscriber buffer sizes.
func NewHub(queueSize, subscriberBuffer int, log *logger.Log) *Hub {
	if queueSize < 1 {
		queueSize = 1
	}
	if subscriberBuffer < 1 {
		subscriberBuffer = 1
	}
	return &Hub{
		queue:       make(chan market.LiveTick, queueSize),
		bufferSize:  subscriberBuffer,
		subscribers: make(map[string]*Subscriber),
		stopChan:    make(chan struct{}),
		log:         log.WithComponent("fanout"),
	}
}

// SetPublishCallback registers an additional per-tick sink (e.g. a pub/sub
// channel for external consumers). Errors are logged, never fatal.
func (h *Hub) SetPublishCallback(cb func(market.LiveTick) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publishCallback = cb
}

// Start launches the broadcaster goroutine.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.broadcastLoop()
	h.log.Info("✅ Fan-out hub started")
}

// Publish enqueues a tick for broadcast. Safe to call from the terminal
// session's goroutine; never blocks. On overflow the tick is dropped and
// counted.
func (h *Hub) Publish(tick market.LiveTick) {
	atomic.AddInt64(&h.published, 1)
	select {
	case h.queue <- tick:
	default:
		drops := atomic.AddInt64(&h.queueDrops, 1)
		if drops%1000 == 1 {
			h.log.WithFields(logger.Fields{"drops": drops}).Warn("⚠️ Fan-out queue full, dropping ticks")
		}
	}
}

// Register adds a new subscriber and returns it.
func (h *Hub) Register() *Subscriber {
	sub := &Subscriber{
		id:    uuid.NewString(),
		send:  make(chan market.LiveTick, h.bufferSize),
		codes: make(map[string]bool),
	}

	h.mu.Lock()
	h.subscribers[sub.id] = sub
	h.mu.Unlock()

	h.log.WithFields(logger.Fields{"subscriber": sub.id}).Info("🔌 Subscriber registered")
	return sub
}

// Unregister removes a subscriber and closes its channel.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
		h.log.WithFields(logger.Fields{"subscriber": id}).Info("🔌 Subscriber unregistered")
	}
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// broadcastLoop drains the queue and delivers each tick.
func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case tick := <-h.queue:
			h.deliver(tick)
		case <-h.stopChan:
			return
		}
	}
}

// deliver attempts delivery to every matching subscriber independently.
func (h *Hub) deliver(tick market.LiveTick) {
	h.mu.RLock()
	publishCallback := h.publishCallback
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	if publishCallback != nil {
		if err := publishCallback(tick); err != nil {
			h.log.WithError(err).Warn("⚠️ Publish callback failed")
		}
	}

	var dead []string
	for _, sub := range subs {
		delivered, gone := sub.trySend(tick)
		if delivered {
			atomic.AddInt64(&h.delivered, 1)
		}
		if gone {
			dead = append(dead, sub.id)
		}
	}

	for _, id := range dead {
		atomic.AddInt64(&h.subscriberDrop, 1)
		h.log.WithFields(logger.Fields{"subscriber": id}).Warn("⚠️ Removing unresponsive subscriber")
		h.Unregister(id)
	}
}

// Stop shuts down the broadcaster.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopChan) })
	h.wg.Wait()

	h.mu.Lock()
	for id, sub := range h.subscribers {
		sub.close()
		delete(h.subscribers, id)
	}
	h.mu.Unlock()

	h.log.Info("✅ Fan-out hub stopped")
}

// GetStats returns hub statistics.
func (h *Hub) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"subscribers":         h.SubscriberCount(),
		"published":           atomic.LoadInt64(&h.published),
		"delivered":           atomic.LoadInt64(&h.delivered),
		"queue_drops":         atomic.LoadInt64(&h.queueDrops),
		"subscribers_dropped": atomic.LoadInt64(&h.subscriberDrop),
		"queue_depth":         len(h.queue),
	}
}
