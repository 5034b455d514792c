package stock

import (
	"path/filepath"
	"testing"

	"golang-stock-gateway/internal/logger"
	"golang-stock-gateway/internal/market"
)

func newTestDatabase(t *testing.T) (*Database, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "instruments.db")
	d, err := NewDatabase(path, logger.New())
	if err != nil {
		t.Fatalf("NewDatabase failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, path
}

func TestUpsertAndLookup(t *testing.T) {
	d, _ := newTestDatabase(t)

	err := d.UpsertInstruments([]market.Snapshot{
		{StockCode: "005930", Name: "삼성전자", Market: market.SegmentKOSPI},
		{StockCode: "000660", Name: "SK하이닉스", Market: market.SegmentKOSPI},
	})
	if err != nil {
		t.Fatalf("UpsertInstruments failed: %v", err)
	}

	if got := d.GetName("005930"); got != "삼성전자" {
		t.Errorf("GetName = %q", got)
	}
	if seg, ok := d.GetMarket("000660"); !ok || seg != market.SegmentKOSPI {
		t.Errorf("GetMarket = %v, %v", seg, ok)
	}
	if d.Count() != 2 {
		t.Errorf("Count = %d", d.Count())
	}
}

func TestUpsertUpdatesExisting(t *testing.T) {
	d, _ := newTestDatabase(t)

	d.UpsertInstruments([]market.Snapshot{{StockCode: "035720", Name: "old", Market: market.SegmentKOSPI}})
	d.UpsertInstruments([]market.Snapshot{{StockCode: "035720", Name: "카카오", Market: market.SegmentKOSDAQ}})

	if got := d.GetName("035720"); got != "카카오" {
		t.Errorf("GetName = %q", got)
	}
	if d.Count() != 1 {
		t.Errorf("Count = %d", d.Count())
	}
}

func TestSnapshotsWithoutNamesAreSkipped(t *testing.T) {
	d, _ := newTestDatabase(t)

	d.UpsertInstruments([]market.Snapshot{{StockCode: "999999", Market: market.SegmentKOSPI}})

	if d.Count() != 0 {
		t.Errorf("nameless snapshot recorded: count = %d", d.Count())
	}
}

func TestReopenLoadsPersistedInstruments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instruments.db")

	d, err := NewDatabase(path, logger.New())
	if err != nil {
		t.Fatalf("NewDatabase failed: %v", err)
	}
	d.UpsertInstruments([]market.Snapshot{{StockCode: "005930", Name: "삼성전자", Market: market.SegmentKOSPI}})
	d.Close()

	d2, err := NewDatabase(path, logger.New())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer d2.Close()

	if got := d2.GetName("005930"); got != "삼성전자" {
		t.Errorf("persisted name lost: %q", got)
	}
}
