package models

import (
	"testing"
	"time"
)

func TestDayKeyOf_TruncatesToMidnightUTC(t *testing.T) {
	ts := time.Date(2025, 5, 20, 17, 45, 12, 0, time.UTC)
	got := DayKeyOf(ts)
	want := DayKey(time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC).Unix())
	if got != want {
		t.Errorf("DayKeyOf() = %d, want %d", got, want)
	}
}

func TestDayKeyOf_UsesUTCDate(t *testing.T) {
	// 23:30 in UTC-5 is already the next day in UTC.
	loc := time.FixedZone("UTC-5", -5*60*60)
	ts := time.Date(2025, 5, 20, 23, 30, 0, 0, loc)
	if got := DayKeyOf(ts).String(); got != "2025-05-21" {
		t.Errorf("DayKeyOf().String() = %q, want %q", got, "2025-05-21")
	}
}

func TestDayKey_FetchInstantRoundTrip(t *testing.T) {
	k := DayKeyOf(time.Date(2025, 5, 21, 0, 0, 0, 0, time.UTC))
	instant := k.FetchInstant()
	wantInstant := time.Date(2025, 5, 21, 12, 0, 0, 0, time.UTC).Unix()
	if instant != wantInstant {
		t.Fatalf("FetchInstant() = %d, want %d", instant, wantInstant)
	}
	if back := DayKeyFromInstant(instant); back != k {
		t.Errorf("DayKeyFromInstant(%d) = %d, want %d", instant, back, k)
	}
	if DayKey(instant) == k {
		t.Error("FetchInstant must differ from DayKey")
	}
}

func TestDaysBetween(t *testing.T) {
	tests := []struct {
		name     string
		start    string
		end      string
		wantDays []string
	}{
		{
			name:     "single day",
			start:    "2025-05-20",
			end:      "2025-05-20",
			wantDays: []string{"2025-05-20"},
		},
		{
			name:     "three days inclusive",
			start:    "2025-05-20",
			end:      "2025-05-22",
			wantDays: []string{"2025-05-20", "2025-05-21", "2025-05-22"},
		},
		{
			name:     "across month boundary",
			start:    "2025-02-27",
			end:      "2025-03-01",
			wantDays: []string{"2025-02-27", "2025-02-28", "2025-03-01"},
		},
		{
			name:     "start after end",
			start:    "2025-05-22",
			end:      "2025-05-20",
			wantDays: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, err := ParseDate(tt.start)
			if err != nil {
				t.Fatalf("ParseDate(%q) error = %v", tt.start, err)
			}
			end, err := ParseDate(tt.end)
			if err != nil {
				t.Fatalf("ParseDate(%q) error = %v", tt.end, err)
			}
			got := DaysBetween(start, end)
			if len(got) != len(tt.wantDays) {
				t.Fatalf("DaysBetween() returned %d days, want %d", len(got), len(tt.wantDays))
			}
			for i, k := range got {
				if k.String() != tt.wantDays[i] {
					t.Errorf("day[%d] = %s, want %s", i, k, tt.wantDays[i])
				}
			}
		})
	}
}

func TestSpanDays(t *testing.T) {
	day := func(y int, m time.Month, d int) DayKey {
		return DayKeyOf(time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
	}
	tests := []struct {
		name        string
		first, last DayKey
		want        int64
	}{
		{"single day", day(2025, 1, 1), day(2025, 1, 1), 1},
		{"leap february", day(2024, 2, 1), day(2024, 2, 29), 29},
		{"inverted", day(2025, 1, 2), day(2025, 1, 1), 0},
		{"full calendar", day(1, 1, 2), day(9999, 12, 31), 3652058},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SpanDays(tt.first, tt.last); got != tt.want {
				t.Errorf("SpanDays() = %d, want %d", got, tt.want)
			}
		})
	}
}
