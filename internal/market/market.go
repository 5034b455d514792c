package market

import (
	"strconv"
	"strings"
	"time"
)

// Segment identifies a market segment tracked by the gateway.
type Segment string

const (
	SegmentKOSPI  Segment = "KOSPI"
	SegmentKOSDAQ Segment = "KOSDAQ"
)

// TerminalCode returns the segment code the terminal binding expects.
func (s Segment) TerminalCode() string {
	if s == SegmentKOSDAQ {
		return "10"
	}
	return "0"
}

// Segments lists all tracked market segments in collection order.
func Segments() []Segment {
	return []Segment{SegmentKOSPI, SegmentKOSDAQ}
}

// Direction is the price movement direction recovered from the terminal's
// sign-encoded price strings. The terminal encodes direction in the sign of
// otherwise-positive magnitudes, so it must be kept as a separate field.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionFlat Direction = "flat"
)

// TR response field names used by the terminal bridge protocol.
const (
	FieldName          = "name"
	FieldMarketCap     = "market_cap"
	FieldPER           = "per"
	FieldVolume        = "volume"
	FieldCurrentPrice  = "current_price"
	FieldOpeningPrice  = "opening_price"
	FieldHighPrice     = "high_price"
	FieldLowPrice      = "low_price"
	FieldChange        = "change"
	FieldChangeRate    = "change_rate"
	FieldPreviousClose = "previous_close"
)

// Live tick field IDs registered with the terminal. The mask requests
// price, change, change rate and volume.
const (
	FidCurrentPrice = "10"
	FidChange       = "11"
	FidChangeRate   = "12"
	FidVolume       = "15"
)

// LiveFieldMask is the field ID list sent with live registrations.
const LiveFieldMask = FidCurrentPrice + ";" + FidChange + ";" + FidChangeRate + ";" + FidVolume

// Snapshot is the full static record for one instrument, overwritten
// wholesale on each collection pass.
type Snapshot struct {
	StockCode     string    `json:"stockCode"`
	Name          string    `json:"name"`
	Market        Segment   `json:"market"`
	CurrentPrice  int64     `json:"currentPrice"`
	OpeningPrice  int64     `json:"openingPrice"`
	HighPrice     int64     `json:"highPrice"`
	LowPrice      int64     `json:"lowPrice"`
	PreviousClose int64     `json:"previousClose"`
	Change        int64     `json:"change"`
	Direction     Direction `json:"direction"`
	ChangeRate    float64   `json:"changeRate"`
	Volume        int64     `json:"volume"`
	MarketCap     int64     `json:"marketCap"`
	PER           float64   `json:"per"`
	CollectedAt   time.Time `json:"collectedAt"`
}

// LiveTick is a decoded real-time price update.
type LiveTick struct {
	StockCode    string    `json:"stockCode"`
	CurrentPrice int64     `json:"currentPrice"`
	Change       int64     `json:"change"`
	Direction    Direction `json:"direction"`
	ChangeRate   float64   `json:"changeRate"`
	Volume       int64     `json:"volume"`
	Timestamp    time.Time `json:"timestamp"`
}

// ParseSignedMagnitude normalizes the terminal's sign-encoded numeric
// strings into a non-negative magnitude plus direction. Unparseable input
// normalizes to zero rather than failing, so a single bad field never
// aborts a collection pass.
func ParseSignedMagnitude(raw string) (int64, Direction) {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, DirectionFlat
	}
	switch {
	case v > 0:
		return v, DirectionUp
	case v < 0:
		return -v, DirectionDown
	default:
		return 0, DirectionFlat
	}
}

// ParseRate parses a percentage field, defaulting to zero on bad input.
func ParseRate(raw string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return f
}

// DecodeSnapshot builds a Snapshot from raw TR response fields.
func DecodeSnapshot(stockCode string, fields map[string]string) Snapshot {
	currentPrice, _ := ParseSignedMagnitude(fields[FieldCurrentPrice])
	openingPrice, _ := ParseSignedMagnitude(fields[FieldOpeningPrice])
	highPrice, _ := ParseSignedMagnitude(fields[FieldHighPrice])
	lowPrice, _ := ParseSignedMagnitude(fields[FieldLowPrice])
	previousClose, _ := ParseSignedMagnitude(fields[FieldPreviousClose])
	change, direction := ParseSignedMagnitude(fields[FieldChange])
	volume, _ := ParseSignedMagnitude(fields[FieldVolume])
	marketCap, _ := ParseSignedMagnitude(fields[FieldMarketCap])

	// Outside trading hours the terminal reports a zero current price while
	// the previous close is still populated.
	if currentPrice == 0 && previousClose != 0 {
		currentPrice = previousClose
	}

	return Snapshot{
		StockCode:     stockCode,
		Name:          strings.TrimSpace(fields[FieldName]),
		CurrentPrice:  currentPrice,
		OpeningPrice:  openingPrice,
		HighPrice:     highPrice,
		LowPrice:      lowPrice,
		PreviousClose: previousClose,
		Change:        change,
		Direction:     direction,
		ChangeRate:    ParseRate(fields[FieldChangeRate]),
		Volume:        volume,
		MarketCap:     marketCap,
		PER:           ParseRate(fields[FieldPER]),
		CollectedAt:   time.Now(),
	}
}

// DecodeLiveTick builds a LiveTick from raw real-time fields keyed by
// field ID.
func DecodeLiveTick(stockCode string, fields map[string]string) LiveTick {
	currentPrice, _ := ParseSignedMagnitude(fields[FidCurrentPrice])
	change, direction := ParseSignedMagnitude(fields[FidChange])
	volume, _ := ParseSignedMagnitude(fields[FidVolume])

	return LiveTick{
		StockCode:    stockCode,
		CurrentPrice: currentPrice,
		Change:       change,
		Direction:    direction,
		ChangeRate:   ParseRate(fields[FidChangeRate]),
		Volume:       volume,
		Timestamp:    time.Now(),
	}
}
