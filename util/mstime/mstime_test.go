package mstime

import (
	"testing"
	"time"
)

func TestUnixMilliRoundTrip(t *testing.T) {
	tests := []int64{0, 1, 999, 1000, 1600000000123}
	for _, ms := range tests {
		converted := TimeToUnixMilli(UnixMilliToTime(ms))
		if converted != ms {
			t.Errorf("round trip of %d gave %d", ms, converted)
		}
	}
}

func TestZeroTimeIsZeroMilli(t *testing.T) {
	if TimeToUnixMilli(time.Time{}) != 0 {
		t.Fatalf("zero time should convert to 0")
	}
	if !UnixMilliToTime(0).IsZero() {
		t.Fatalf("0 should convert to the zero time")
	}
}

func TestReduceToMillisecondPrecision(t *testing.T) {
	original := time.Unix(100, 123456789)
	reduced := ReduceToMillisecondPrecision(original)
	if reduced.Nanosecond() != 123000000 {
		t.Fatalf("unexpected nanoseconds %d", reduced.Nanosecond())
	}
}
