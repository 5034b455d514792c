package terminal

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang-stock-gateway/internal/logger"
	"golang-stock-gateway/internal/market"
)

var (
	// ErrNotConnected indicates the terminal login failed or never completed.
	ErrNotConnected = errors.New("terminal not connected")

	// ErrSessionClosed indicates the session has been stopped.
	ErrSessionClosed = errors.New("terminal session closed")
)

// Session owns the single logical connection to the terminal. One goroutine
// (locked to its OS thread, since the underlying binding is COM-style) makes
// every driver call and delivers every callback; all other goroutines talk
// to it through the command mailbox. Between commands the loop keeps pumping
// driver events so that a logically "waiting" caller never starves the
// binding's internal event queue.
type Session struct {
	driver       Driver
	pumpInterval time.Duration
	loginTimeout time.Duration

	commands chan func()
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu          sync.Mutex
	connected   bool
	loginResult chan int

	onDataReady func(correlationKey string, fields map[string]string)
	onLiveTick  func(stockCode string, fields map[string]string)

	// Statistics
	requestsIssued int64
	ticksReceived  int64
	dataCallbacks  int64

	log *logger.Entry
}

// NewSession creates a session around the given driver.
func NewSession(driver Driver, pumpInterval, loginTimeout time.Duration, log *logger.Log) *Session {
	if pumpInterval <= 0 {
		pumpInterval = 10 * time.Millisecond
	}
	return &Session{
		driver:       driver,
		pumpInterval: pumpInterval,
		loginTimeout: loginTimeout,
		commands:     make(chan func()),
		stopChan:     make(chan struct{}),
		log:          log.WithComponent("terminal"),
	}
}

// SetDataReadyHandler registers the data-ready consumer. Must be called
// before Start.
func (s *Session) SetDataReadyHandler(h func(correlationKey string, fields map[string]string)) {
	s.onDataReady = h
}

// SetLiveTickHandler registers the live tick consumer. Must be called
// before Start.
func (s *Session) SetLiveTickHandler(h func(stockCode string, fields map[string]string)) {
	s.onLiveTick = h
}

// Start launches the owner goroutine and begins pumping events.
func (s *Session) Start() {
	s.driver.SetHandlers(Handlers{
		OnConnect:   s.handleConnect,
		OnDataReady: s.handleDataReady,
		OnLiveTick:  s.handleLiveTick,
	})

	s.wg.Add(1)
	go s.run()

	s.log.Info("✅ Terminal session started")
}

// run is the exclusive owner loop. The binding expects every call and
// callback on one OS thread.
func (s *Session) run() {
	defer s.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-s.stopChan:
			return
		case cmd := <-s.commands:
			cmd()
		default:
			s.driver.PumpEvents()
			time.Sleep(s.pumpInterval)
		}
	}
}

// do executes fn on the session goroutine and waits for it to finish.
func (s *Session) do(fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case s.commands <- wrapped:
	case <-s.stopChan:
		return ErrSessionClosed
	}
	select {
	case <-done:
		return nil
	case <-s.stopChan:
		return ErrSessionClosed
	}
}

// Connect starts the terminal login and waits for the asynchronous result.
// The wait is bounded by the configured login timeout so a callback that
// never fires surfaces as ErrNotConnected instead of a hang.
func (s *Session) Connect(ctx context.Context) error {
	result := make(chan int, 1)
	s.mu.Lock()
	s.loginResult = result
	s.mu.Unlock()

	var ret int
	if err := s.do(func() { ret = s.driver.Connect() }); err != nil {
		return err
	}
	if ret != 0 {
		return fmt.Errorf("login request returned %d: %w", ret, ErrNotConnected)
	}

	timer := time.NewTimer(s.loginTimeout)
	defer timer.Stop()

	select {
	case errCode := <-result:
		if errCode != 0 {
			s.log.WithFields(logger.Fields{"err_code": errCode}).Error("🔥 Terminal login failed")
			return fmt.Errorf("login failed with code %d: %w", errCode, ErrNotConnected)
		}
		s.mu.Lock()
		s.connected = true
		s.mu.Unlock()
		s.log.Info("✅ Terminal login successful")
		return nil
	case <-timer.C:
		s.log.WithFields(logger.Fields{"timeout": s.loginTimeout.String()}).Error("🔥 Terminal login timed out")
		return fmt.Errorf("no login callback within %s: %w", s.loginTimeout, ErrNotConnected)
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopChan:
		return ErrSessionClosed
	}
}

// IsConnected reports whether login has completed successfully.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// IssueRequest submits a request on the session goroutine and returns the
// terminal's immediate accept code. The eventual response, if any, arrives
// through the data-ready handler.
func (s *Session) IssueRequest(kind RequestKind, stockCode, correlationKey string) int {
	ret := -1
	if err := s.do(func() {
		ret = s.driver.IssueRequest(kind, stockCode, correlationKey)
	}); err != nil {
		return -1
	}
	s.mu.Lock()
	s.requestsIssued++
	s.mu.Unlock()
	return ret
}

// ListCodes fetches the instrument universe for one market segment.
func (s *Session) ListCodes(segment market.Segment) ([]string, error) {
	var codes []string
	var err error
	if doErr := s.do(func() {
		codes, err = s.driver.ListCodes(segment)
	}); doErr != nil {
		return nil, doErr
	}
	if err != nil {
		return nil, fmt.Errorf("list codes for %s: %w", segment, err)
	}
	return codes, nil
}

// SubscribeLive registers instruments for push updates.
func (s *Session) SubscribeLive(stockCodes []string, fieldMask string) int {
	ret := -1
	if err := s.do(func() {
		ret = s.driver.SubscribeLive(stockCodes, fieldMask)
	}); err != nil {
		return -1
	}
	return ret
}

// UnsubscribeAll drops every live registration.
func (s *Session) UnsubscribeAll() {
	_ = s.do(func() { s.driver.UnsubscribeAll() })
}

// handleConnect runs on the session goroutine.
func (s *Session) handleConnect(errCode int) {
	s.mu.Lock()
	result := s.loginResult
	s.loginResult = nil
	s.mu.Unlock()

	if result != nil {
		result <- errCode
	}
}

// handleDataReady runs on the session goroutine.
func (s *Session) handleDataReady(correlationKey string, fields map[string]string) {
	s.mu.Lock()
	s.dataCallbacks++
	s.mu.Unlock()

	if s.onDataReady != nil {
		s.onDataReady(correlationKey, fields)
	}
}

// handleLiveTick runs on the session goroutine.
func (s *Session) handleLiveTick(stockCode string, fields map[string]string) {
	s.mu.Lock()
	s.ticksReceived++
	s.mu.Unlock()

	if s.onLiveTick != nil {
		s.onLiveTick(stockCode, fields)
	}
}

// Stop shuts the session down and closes the driver.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()

	err := s.driver.Close()
	s.log.Info("✅ Terminal session stopped")
	return err
}

// GetStats returns session statistics.
func (s *Session) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]interface{}{
		"connected":       s.connected,
		"requests_issued": s.requestsIssued,
		"data_callbacks":  s.dataCallbacks,
		"ticks_received":  s.ticksReceived,
	}
}
