package fanout

import (
	"testing"
	"time"

	"golang-stock-gateway/internal/logger"
	"golang-stock-gateway/internal/market"
)

func newTestHub(t *testing.T, queueSize, subscriberBuffer int) *Hub {
	t.Helper()
	h := NewHub(queueSize, subscriberBuffer, logger.New())
	h.Start()
	t.Cleanup(h.Stop)
	return h
}

func tick(code string, price int64) market.LiveTick {
	return market.LiveTick{StockCode: code, CurrentPrice: price, Timestamp: time.Now()}
}

func waitTick(t *testing.T, sub *Subscriber) market.LiveTick {
	t.Helper()
	select {
	case tk, ok := <-sub.Ticks():
		if !ok {
			t.Fatal("subscriber channel closed unexpectedly")
		}
		return tk
	case <-time.After(time.Second):
		t.Fatal("no tick delivered within a second")
	}
	return market.LiveTick{}
}

func TestDeliveryIsFilteredByCodes(t *testing.T) {
	h := newTestHub(t, 16, 16)

	samsung := h.Register()
	samsung.AddCodes([]string{"005930"})
	hynix := h.Register()
	hynix.AddCodes([]string{"000660"})

	h.Publish(tick("005930", 72300))

	got := waitTick(t, samsung)
	if got.StockCode != "005930" {
		t.Errorf("unexpected tick: %+v", got)
	}

	select {
	case tk := <-hynix.Ticks():
		t.Errorf("subscriber received unrequested tick: %+v", tk)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStalledSubscriberDoesNotBlockOthers(t *testing.T) {
	h := newTestHub(t, 16, 1)

	stalled := h.Register()
	stalled.AddCodes([]string{"005930"})
	healthy := h.Register()
	healthy.AddCodes([]string{"005930"})

	// Fill the stalled subscriber's buffer, then keep publishing. The
	// healthy subscriber must receive every tick in the same broadcast
	// cycles.
	for i := 0; i < 5; i++ {
		h.Publish(tick("005930", int64(70000+i)))
		got := waitTick(t, healthy)
		if got.CurrentPrice != int64(70000+i) {
			t.Errorf("tick %d: unexpected price %d", i, got.CurrentPrice)
		}
	}
}

func TestUnresponsiveSubscriberIsRemoved(t *testing.T) {
	h := newTestHub(t, 1024, 1)

	stalled := h.Register()
	stalled.AddCodes([]string{"005930"})

	for i := 0; i < consecutiveDropLimit+2; i++ {
		h.Publish(tick("005930", 72300))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.SubscriberCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("unresponsive subscriber was not removed, count=%d", h.SubscriberCount())
}

func TestRemoveCodesStopsDelivery(t *testing.T) {
	h := newTestHub(t, 16, 16)

	sub := h.Register()
	sub.AddCodes([]string{"005930", "000660"})
	sub.RemoveCodes([]string{"005930"})

	h.Publish(tick("005930", 72300))
	h.Publish(tick("000660", 131000))

	got := waitTick(t, sub)
	if got.StockCode != "000660" {
		t.Errorf("delivery not filtered after RemoveCodes: %+v", got)
	}
}

func TestPublishCallbackReceivesEveryTick(t *testing.T) {
	h := newTestHub(t, 16, 16)

	received := make(chan market.LiveTick, 4)
	h.SetPublishCallback(func(tk market.LiveTick) error {
		received <- tk
		return nil
	})

	h.Publish(tick("005930", 72300))

	select {
	case tk := <-received:
		if tk.StockCode != "005930" {
			t.Errorf("unexpected tick in callback: %+v", tk)
		}
	case <-time.After(time.Second):
		t.Fatal("publish callback never invoked")
	}
}

func TestUnregisterClosesChannel(t *testing.T) {
	h := newTestHub(t, 16, 16)

	sub := h.Register()
	h.Unregister(sub.ID())

	select {
	case _, ok := <-sub.Ticks():
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Unregister")
	}

	if h.SubscriberCount() != 0 {
		t.Errorf("subscriber count = %d", h.SubscriberCount())
	}
}
