package transcript

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Seconds is the canonical time unit of every Event: seconds since the track
// started streaming.
type Seconds float64

// Duration converts to a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

// Millis rounds to whole milliseconds, the unit used on the BigBlueButton wire.
func (s Seconds) Millis() int64 {
	return int64(math.Round(float64(s) * 1000))
}

// SecondsOf converts a duration to Seconds.
func SecondsOf(d time.Duration) Seconds {
	return Seconds(d.Seconds())
}

// TimeUnit names the native unit a vendor reports timestamps in.
type TimeUnit string

const (
	UnitSeconds      TimeUnit = "s"
	UnitMilliseconds TimeUnit = "ms"
)

// ParseTimeUnit accepts "s", "sec", "seconds", "ms", "millis", "milliseconds".
func ParseTimeUnit(v string) (TimeUnit, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "s", "sec", "secs", "second", "seconds":
		return UnitSeconds, nil
	case "ms", "millis", "millisecond", "milliseconds":
		return UnitMilliseconds, nil
	default:
		return "", fmt.Errorf("unknown time unit %q", v)
	}
}

// VendorTime is a timestamp as reported by the vendor. It is deliberately not
// a number: the only way to use it is through Seconds.
type VendorTime struct {
	Value float64
	Unit  TimeUnit
}

// VendorSeconds and VendorMillis build VendorTime values.
func VendorSeconds(v float64) VendorTime { return VendorTime{Value: v, Unit: UnitSeconds} }
func VendorMillis(v float64) VendorTime  { return VendorTime{Value: v, Unit: UnitMilliseconds} }

// Seconds converts the vendor value into canonical seconds. An unset unit is
// treated as seconds. NaN and infinities become zero.
func (t VendorTime) Seconds() Seconds {
	v := t.Value
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	switch t.Unit {
	case UnitMilliseconds:
		return Seconds(v / 1000)
	default:
		return Seconds(v)
	}
}
