package terminal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang-stock-gateway/internal/logger"
	"golang-stock-gateway/internal/market"
)

// fakeDriver is an in-process Driver whose callbacks are scripted through
// event queues, mirroring the real binding's pump-delivered model.
type fakeDriver struct {
	mu       sync.Mutex
	handlers Handlers
	events   []func(Handlers)

	connectRet   int
	issueRet     int
	issuedKeys   []string
	subscribed   [][]string
	unsubscribed int
	codesBySeg   map[market.Segment][]string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		codesBySeg: map[market.Segment][]string{},
	}
}

func (f *fakeDriver) queue(ev func(Handlers)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeDriver) SetHandlers(h Handlers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = h
}

func (f *fakeDriver) Connect() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectRet
}

func (f *fakeDriver) IssueRequest(kind RequestKind, stockCode, correlationKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issuedKeys = append(f.issuedKeys, correlationKey)
	return f.issueRet
}

func (f *fakeDriver) ListCodes(segment market.Segment) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	codes, ok := f.codesBySeg[segment]
	if !ok {
		return nil, errors.New("segment unavailable")
	}
	return codes, nil
}

func (f *fakeDriver) SubscribeLive(stockCodes []string, fieldMask string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, stockCodes)
	return 0
}

func (f *fakeDriver) UnsubscribeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed++
}

func (f *fakeDriver) PumpEvents() {
	f.mu.Lock()
	events := f.events
	f.events = nil
	handlers := f.handlers
	f.mu.Unlock()

	for _, ev := range events {
		ev(handlers)
	}
}

func (f *fakeDriver) Close() error { return nil }

func newTestSession(t *testing.T, driver Driver, loginTimeout time.Duration) *Session {
	t.Helper()
	s := NewSession(driver, time.Millisecond, loginTimeout, logger.New())
	s.Start()
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestConnectSuccess(t *testing.T) {
	driver := newFakeDriver()
	driver.queue(func(h Handlers) { h.OnConnect(0) })

	s := newTestSession(t, driver, time.Second)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !s.IsConnected() {
		t.Error("session should report connected")
	}
}

func TestConnectLoginFailure(t *testing.T) {
	driver := newFakeDriver()
	driver.queue(func(h Handlers) { h.OnConnect(-100) })

	s := newTestSession(t, driver, time.Second)

	err := s.Connect(context.Background())
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if s.IsConnected() {
		t.Error("session should not report connected")
	}
}

func TestConnectTimesOutWithoutCallback(t *testing.T) {
	driver := newFakeDriver()
	// No connect event is ever queued.

	s := newTestSession(t, driver, 50*time.Millisecond)

	start := time.Now()
	err := s.Connect(context.Background())
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Connect did not respect login timeout")
	}
}

func TestIssueRequestPassesThrough(t *testing.T) {
	driver := newFakeDriver()
	s := newTestSession(t, driver, time.Second)

	if ret := s.IssueRequest(RequestBasicInfo, "005930", "basic_info_005930_1"); ret != 0 {
		t.Fatalf("IssueRequest returned %d", ret)
	}

	driver.mu.Lock()
	defer driver.mu.Unlock()
	if len(driver.issuedKeys) != 1 || driver.issuedKeys[0] != "basic_info_005930_1" {
		t.Errorf("unexpected issued keys: %v", driver.issuedKeys)
	}
}

func TestLiveTickDispatch(t *testing.T) {
	driver := newFakeDriver()

	received := make(chan string, 1)
	s := NewSession(driver, time.Millisecond, time.Second, logger.New())
	s.SetLiveTickHandler(func(stockCode string, fields map[string]string) {
		received <- stockCode
	})
	s.Start()
	defer s.Stop()

	driver.queue(func(h Handlers) {
		h.OnLiveTick("005930", map[string]string{market.FidCurrentPrice: "72300"})
	})

	select {
	case code := <-received:
		if code != "005930" {
			t.Errorf("unexpected stock code: %s", code)
		}
	case <-time.After(time.Second):
		t.Fatal("live tick never dispatched")
	}
}

func TestListCodes(t *testing.T) {
	driver := newFakeDriver()
	driver.codesBySeg[market.SegmentKOSPI] = []string{"005930", "000660"}

	s := newTestSession(t, driver, time.Second)

	codes, err := s.ListCodes(market.SegmentKOSPI)
	if err != nil {
		t.Fatalf("ListCodes failed: %v", err)
	}
	if len(codes) != 2 {
		t.Errorf("unexpected codes: %v", codes)
	}

	if _, err := s.ListCodes(market.SegmentKOSDAQ); err == nil {
		t.Error("expected error for unavailable segment")
	}
}

func TestStoppedSessionRejectsCalls(t *testing.T) {
	driver := newFakeDriver()
	s := NewSession(driver, time.Millisecond, time.Second, logger.New())
	s.Start()
	s.Stop()

	if ret := s.IssueRequest(RequestBasicInfo, "005930", "k"); ret != -1 {
		t.Errorf("expected -1 from stopped session, got %d", ret)
	}
	if err := s.Connect(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}
