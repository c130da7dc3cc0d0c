package protocol

import (
	"fmt"
	"time"
	_ "time/tzdata" // trading hours are defined in exchange-local time
)

// AssetType classifies instruments by how their trading day is shaped
type AssetType int8

const (
	USEquity AssetType = iota + 1
	Forex
	Crypto
)

var assetTypeNames = []string{USEquity: "us_equity", Forex: "forex", Crypto: "crypto"}

func ParseAssetType(s string) (AssetType, error) {
	return enumParse[AssetType](s, assetTypeNames, "asset type")
}
func (a AssetType) String() string {
	return enumString(a, assetTypeNames)
}
func (a AssetType) MarshalText() ([]byte, error) {
	return enumMarshal(a, assetTypeNames, "asset type")
}
func (a *AssetType) UnmarshalText(b []byte) error {
	return unmarshalInto(a, ParseAssetType, b)
}

// ClockTime is a wall-clock offset from local midnight.
type ClockTime time.Duration

func At(hour, minute int) ClockTime {
	return ClockTime(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

// TradingHours describes one exchange trading day in its local timezone.
// Zero PreMarketOpen/AfterHoursClose mean the venue has no extended session.
type TradingHours struct {
	Location        string
	PreMarketOpen   ClockTime
	RegularOpen     ClockTime
	RegularClose    ClockTime
	AfterHoursClose ClockTime
}

var (
	// USEquityHours: NYSE/Nasdaq with pre-market and after-hours sessions
	USEquityHours = TradingHours{
		Location:        "America/New_York",
		PreMarketOpen:   At(4, 0),
		RegularOpen:     At(9, 30),
		RegularClose:    At(16, 0),
		AfterHoursClose: At(20, 0),
	}

	// LondonForexHours: London session used for session-aligned FX resampling
	LondonForexHours = TradingHours{
		Location:     "Europe/London",
		RegularOpen:  At(8, 0),
		RegularClose: At(16, 30),
	}
)

// Load returns the venue's timezone.
func (h TradingHours) Load() (*time.Location, error) {
	loc, err := time.LoadLocation(h.Location)
	if err != nil {
		return nil, fmt.Errorf("load location %s: %w", h.Location, err)
	}
	return loc, nil
}

// Classify returns the market session an instant falls in and whether the
// venue is open at all. Weekends are closed.
func (h TradingHours) Classify(t time.Time) (MarketSession, bool, error) {
	loc, err := h.Load()
	if err != nil {
		return 0, false, err
	}
	session, open := h.ClassifyIn(loc, t)
	return session, open, nil
}

// ClassifyIn is Classify with the venue location already loaded.
func (h TradingHours) ClassifyIn(loc *time.Location, t time.Time) (MarketSession, bool) {
	local := t.In(loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return 0, false
	}

	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	offset := ClockTime(local.Sub(midnight))

	switch {
	case offset >= h.RegularOpen && offset < h.RegularClose:
		return RegularHours, true
	case h.PreMarketOpen != 0 && offset >= h.PreMarketOpen && offset < h.RegularOpen:
		return PreMarket, true
	case h.AfterHoursClose != 0 && offset >= h.RegularClose && offset < h.AfterHoursClose:
		return AfterHours, true
	default:
		return 0, false
	}
}

// Close returns the last trading instant of the day containing t
// (after-hours close if the venue has one).
func (h TradingHours) Close(t time.Time) (time.Time, error) {
	loc, err := h.Load()
	if err != nil {
		return time.Time{}, err
	}
	local := t.In(loc)
	end := h.RegularClose
	if h.AfterHoursClose != 0 {
		end = h.AfterHoursClose
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return midnight.Add(time.Duration(end)), nil
}

// AssetTypeConfig is per-asset trading-session metadata.
type AssetTypeConfig struct {
	Type            AssetType
	Hours           *TradingHours // nil for 24/7 markets
	TwentyFourSeven bool
	// SessionAligned resamples bars from the session open rather than midnight
	SessionAligned   bool
	ResamplingOffset time.Duration
}

var assetConfigs = map[AssetType]AssetTypeConfig{
	USEquity: {
		Type:             USEquity,
		Hours:            &USEquityHours,
		SessionAligned:   true,
		ResamplingOffset: 30 * time.Minute, // bars anchor on 09:30
	},
	Forex: {
		Type:           Forex,
		Hours:          &LondonForexHours,
		SessionAligned: false,
	},
	Crypto: {
		Type:            Crypto,
		TwentyFourSeven: true,
	},
}

func AssetConfig(t AssetType) (AssetTypeConfig, error) {
	cfg, ok := assetConfigs[t]
	if !ok {
		return AssetTypeConfig{}, fmt.Errorf("no config for asset type %s", t)
	}
	return cfg, nil
}

func IsTwentyFourSeven(t AssetType) bool {
	return assetConfigs[t].TwentyFourSeven
}

func SessionAligned(t AssetType) bool {
	return assetConfigs[t].SessionAligned
}

func ResamplingOffset(t AssetType) time.Duration {
	return assetConfigs[t].ResamplingOffset
}
