package subscription

import (
	"sort"
	"sync"
	"testing"

	"golang-stock-gateway/internal/logger"
)

// fakeRegistrar records live registration traffic.
type fakeRegistrar struct {
	mu             sync.Mutex
	batches        [][]string
	masks          []string
	unsubscribeAll int
	ret            int
}

func (f *fakeRegistrar) SubscribeLive(codes []string, fieldMask string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := append([]string(nil), codes...)
	sort.Strings(batch)
	f.batches = append(f.batches, batch)
	f.masks = append(f.masks, fieldMask)
	return f.ret
}

func (f *fakeRegistrar) UnsubscribeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribeAll++
}

func (f *fakeRegistrar) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func newTestManager(t *testing.T) (*Manager, *fakeRegistrar) {
	t.Helper()
	reg := &fakeRegistrar{}
	return NewManager(reg, "10;11;12;15", logger.New()), reg
}

func TestSubscribeIssuesOneBatchedRegistration(t *testing.T) {
	m, reg := newTestManager(t)

	if err := m.Subscribe("client-a", []string{"005930", "000660"}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if reg.batchCount() != 1 {
		t.Fatalf("expected 1 registration call, got %d", reg.batchCount())
	}
	if got := reg.batches[0]; len(got) != 2 || got[0] != "000660" || got[1] != "005930" {
		t.Errorf("unexpected batch: %v", got)
	}
	if reg.masks[0] != "10;11;12;15" {
		t.Errorf("unexpected field mask: %q", reg.masks[0])
	}
}

func TestSecondSubscriberReusesExistingRegistration(t *testing.T) {
	m, reg := newTestManager(t)

	if err := m.Subscribe("client-a", []string{"005930"}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := m.Subscribe("client-b", []string{"005930"}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if reg.batchCount() != 1 {
		t.Errorf("already-registered code re-registered: %d calls", reg.batchCount())
	}
	if m.RefCount("005930") != 2 {
		t.Errorf("ref count = %d, want 2", m.RefCount("005930"))
	}
}

func TestOnlyNewCodesAreRegistered(t *testing.T) {
	m, reg := newTestManager(t)

	if err := m.Subscribe("client-a", []string{"005930"}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := m.Subscribe("client-a", []string{"005930", "000660"}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if reg.batchCount() != 2 {
		t.Fatalf("expected 2 registration calls, got %d", reg.batchCount())
	}
	if got := reg.batches[1]; len(got) != 1 || got[0] != "000660" {
		t.Errorf("second batch should carry only the new code: %v", got)
	}
}

func TestUnsubscribeKeepsCodeRegisteredWhileOthersHoldIt(t *testing.T) {
	m, reg := newTestManager(t)

	m.Subscribe("client-a", []string{"005930"})
	m.Subscribe("client-b", []string{"005930"})
	m.Unsubscribe("client-a", []string{"005930"})

	if m.RefCount("005930") != 1 {
		t.Errorf("ref count = %d, want 1", m.RefCount("005930"))
	}
	if reg.unsubscribeAll != 0 {
		t.Error("registrations released while a subscriber still holds the code")
	}
}

func TestDropLastSubscriberReleasesEverything(t *testing.T) {
	m, reg := newTestManager(t)

	m.Subscribe("client-a", []string{"005930", "000660"})
	m.Subscribe("client-b", []string{"005930"})

	m.Drop("client-a")
	if reg.unsubscribeAll != 0 {
		t.Fatal("released registrations while a subscriber remained")
	}

	m.Drop("client-b")
	if reg.unsubscribeAll != 1 {
		t.Fatalf("expected one bulk release, got %d", reg.unsubscribeAll)
	}
	if m.RefCount("005930") != 0 {
		t.Errorf("ref count not cleared: %d", m.RefCount("005930"))
	}

	// A new subscriber after the release must trigger re-registration.
	m.Subscribe("client-c", []string{"005930"})
	if reg.batchCount() != 2 {
		t.Errorf("code not re-registered after bulk release: %d calls", reg.batchCount())
	}
}

func TestFailedRegistrationRollsBack(t *testing.T) {
	m, reg := newTestManager(t)
	reg.ret = -1

	if err := m.Subscribe("client-a", []string{"005930"}); err == nil {
		t.Fatal("expected error on rejected registration")
	}

	// The code must be retried on the next subscribe once the terminal
	// accepts again.
	reg.ret = 0
	if err := m.Subscribe("client-b", []string{"005930"}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if reg.batchCount() != 2 {
		t.Errorf("expected re-registration attempt, got %d calls", reg.batchCount())
	}
}
