package market

import "testing"

func TestParseSignedMagnitude(t *testing.T) {
	tests := []struct {
		raw       string
		magnitude int64
		direction Direction
	}{
		{"1500", 1500, DirectionUp},
		{"-1500", 1500, DirectionDown},
		{"0", 0, DirectionFlat},
		{" -72300 ", 72300, DirectionDown},
		{"", 0, DirectionFlat},
		{"abc", 0, DirectionFlat},
		{"+300", 300, DirectionUp},
	}

	for _, tt := range tests {
		magnitude, direction := ParseSignedMagnitude(tt.raw)
		if magnitude != tt.magnitude {
			t.Errorf("ParseSignedMagnitude(%q) magnitude = %d, want %d", tt.raw, magnitude, tt.magnitude)
		}
		if direction != tt.direction {
			t.Errorf("ParseSignedMagnitude(%q) direction = %s, want %s", tt.raw, direction, tt.direction)
		}
	}
}

func TestParseRate(t *testing.T) {
	if got := ParseRate("-2.31"); got != -2.31 {
		t.Errorf("ParseRate(-2.31) = %f", got)
	}
	if got := ParseRate(""); got != 0 {
		t.Errorf("ParseRate(empty) = %f, want 0", got)
	}
	if got := ParseRate("n/a"); got != 0 {
		t.Errorf("ParseRate(n/a) = %f, want 0", got)
	}
}

func TestDecodeSnapshot(t *testing.T) {
	fields := map[string]string{
		FieldName:          " 삼성전자 ",
		FieldCurrentPrice:  "-72300",
		FieldOpeningPrice:  "72800",
		FieldHighPrice:     "73000",
		FieldLowPrice:      "-72100",
		FieldPreviousClose: "73500",
		FieldChange:        "-1200",
		FieldChangeRate:    "-1.63",
		FieldVolume:        "13245678",
		FieldMarketCap:     "4316514",
		FieldPER:           "13.2",
	}

	snap := DecodeSnapshot("005930", fields)

	if snap.StockCode != "005930" {
		t.Errorf("stock code = %s", snap.StockCode)
	}
	if snap.Name != "삼성전자" {
		t.Errorf("name = %q, want trimmed", snap.Name)
	}
	if snap.CurrentPrice != 72300 || snap.LowPrice != 72100 {
		t.Errorf("price fields not normalized to magnitude: current=%d low=%d", snap.CurrentPrice, snap.LowPrice)
	}
	if snap.Change != 1200 || snap.Direction != DirectionDown {
		t.Errorf("change = %d direction = %s, want 1200 down", snap.Change, snap.Direction)
	}
	if snap.ChangeRate != -1.63 {
		t.Errorf("change rate = %f", snap.ChangeRate)
	}
	if snap.CollectedAt.IsZero() {
		t.Error("CollectedAt not set")
	}
}

func TestDecodeSnapshotZeroPriceFallsBackToPreviousClose(t *testing.T) {
	fields := map[string]string{
		FieldCurrentPrice:  "0",
		FieldPreviousClose: "73500",
	}

	snap := DecodeSnapshot("005930", fields)
	if snap.CurrentPrice != 73500 {
		t.Errorf("current price = %d, want previous close 73500", snap.CurrentPrice)
	}
}

func TestDecodeSnapshotGarbageFieldsNormalizeToZero(t *testing.T) {
	fields := map[string]string{
		FieldCurrentPrice: "not-a-number",
		FieldVolume:       "",
	}

	snap := DecodeSnapshot("000660", fields)
	if snap.CurrentPrice != 0 || snap.Volume != 0 {
		t.Errorf("garbage fields should decode to zero: price=%d volume=%d", snap.CurrentPrice, snap.Volume)
	}
}

func TestDecodeLiveTick(t *testing.T) {
	fields := map[string]string{
		FidCurrentPrice: "-72300",
		FidChange:       "-1200",
		FidChangeRate:   "-1.63",
		FidVolume:       "55100",
	}

	tick := DecodeLiveTick("005930", fields)

	if tick.CurrentPrice != 72300 {
		t.Errorf("current price = %d, want 72300", tick.CurrentPrice)
	}
	if tick.Change != 1200 || tick.Direction != DirectionDown {
		t.Errorf("change = %d direction = %s", tick.Change, tick.Direction)
	}
	if tick.ChangeRate != -1.63 {
		t.Errorf("change rate = %f", tick.ChangeRate)
	}
	if tick.Volume != 55100 {
		t.Errorf("volume = %d", tick.Volume)
	}
}

func TestSegmentTerminalCode(t *testing.T) {
	if SegmentKOSPI.TerminalCode() != "0" {
		t.Errorf("KOSPI code = %s", SegmentKOSPI.TerminalCode())
	}
	if SegmentKOSDAQ.TerminalCode() != "10" {
		t.Errorf("KOSDAQ code = %s", SegmentKOSDAQ.TerminalCode())
	}
}
