package nightsched

import (
	"testing"
	"time"
)

// Mid-latitude site with nautical twilight gating.
func warsaw() *Scheduler {
	return New(Config{LatitudeDeg: 52.23, LongitudeDeg: 21.01, TwilightDeg: 12})
}

func utc(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func TestSunAltitudeEquinoxNoon(t *testing.T) {
	s := New(Config{LatitudeDeg: 51.4769, LongitudeDeg: 0})
	alt := s.SunAltitude(utc(2026, time.March, 20, 12, 0))
	if alt < 37 || alt > 40 {
		t.Fatalf("Greenwich equinox noon altitude = %.2f, want ~38.5", alt)
	}
	alt = s.SunAltitude(utc(2026, time.March, 20, 0, 0))
	if alt > -30 {
		t.Fatalf("Greenwich equinox midnight altitude = %.2f, want well below horizon", alt)
	}
}

func TestIsNightMidLatitudeWinter(t *testing.T) {
	s := warsaw()
	if s.IsNight(utc(2026, time.January, 15, 11, 0)) {
		t.Fatalf("local noon reported as night")
	}
	if !s.IsNight(utc(2026, time.January, 15, 17, 30)) {
		t.Fatalf("winter evening not reported as night")
	}
}

func TestNextTransitionFlips(t *testing.T) {
	s := warsaw()
	at := utc(2026, time.January, 15, 12, 0)
	tr := s.NextTransition(at)
	if !tr.After(at) || tr.Sub(at) > 24*time.Hour {
		t.Fatalf("transition %v not within a day of %v", tr, at)
	}
	if s.IsNight(tr.Add(-time.Minute)) {
		t.Fatalf("instant just before dusk transition already night")
	}
	if !s.IsNight(tr.Add(time.Minute)) {
		t.Fatalf("instant just after dusk transition not night")
	}
}

func TestWindowFromDaylight(t *testing.T) {
	s := warsaw()
	at := utc(2026, time.January, 15, 12, 0)
	w, ok := s.Window(at)
	if !ok {
		t.Fatalf("no window found from daylight")
	}
	if !w.Start.After(at) {
		t.Fatalf("window start %v not after %v", w.Start, at)
	}
	if !w.End.After(w.Start) {
		t.Fatalf("window end %v not after start %v", w.End, w.Start)
	}
	if d := w.End.Sub(w.Start); d < 8*time.Hour || d > 20*time.Hour {
		t.Fatalf("january night length %v implausible for 52N", d)
	}
	// Instants strictly inside are night, strictly outside are day.
	for _, in := range []time.Time{w.Start.Add(time.Hour), w.Start.Add(w.End.Sub(w.Start) / 2), w.End.Add(-time.Hour)} {
		if !s.IsNight(in) {
			t.Fatalf("instant %v inside window reported as day", in)
		}
	}
	for _, out := range []time.Time{w.Start.Add(-time.Minute), w.End.Add(time.Minute)} {
		if s.IsNight(out) {
			t.Fatalf("instant %v outside window reported as night", out)
		}
	}
}

func TestWindowsDoNotOverlap(t *testing.T) {
	s := warsaw()
	w1, ok := s.Window(utc(2026, time.January, 15, 12, 0))
	if !ok {
		t.Fatalf("no first window")
	}
	w2, ok := s.Window(w1.End.Add(time.Minute))
	if !ok {
		t.Fatalf("no second window")
	}
	if !w2.Start.After(w1.End) {
		t.Fatalf("windows overlap: first ends %v, second starts %v", w1.End, w2.Start)
	}
	mid := w1.End.Add(w2.Start.Sub(w1.End) / 2)
	if s.IsNight(mid) {
		t.Fatalf("gap between windows contains night instant %v", mid)
	}
}

func TestPolarDay(t *testing.T) {
	s := New(Config{LatitudeDeg: 78.22, LongitudeDeg: 15.64, TwilightDeg: 12})
	at := utc(2026, time.June, 21, 0, 0)
	for hh := 0; hh < 24; hh += 6 {
		if s.IsNight(utc(2026, time.June, 21, hh, 0)) {
			t.Fatalf("midnight sun at hour %d reported as night", hh)
		}
	}
	if got := s.NextTransition(at); !got.Equal(at.Add(24 * time.Hour)) {
		t.Fatalf("polar day transition = %v, want scan bound %v", got, at.Add(24*time.Hour))
	}
	if _, ok := s.Window(at); ok {
		t.Fatalf("polar day produced a night window")
	}
}

func TestPolarNight(t *testing.T) {
	s := New(Config{LatitudeDeg: 78.22, LongitudeDeg: 15.64, TwilightDeg: 0})
	at := utc(2026, time.December, 21, 12, 0)
	for hh := 0; hh < 24; hh += 6 {
		if !s.IsNight(utc(2026, time.December, 21, hh, 0)) {
			t.Fatalf("polar night at hour %d reported as day", hh)
		}
	}
	w, ok := s.Window(at)
	if !ok {
		t.Fatalf("polar night has no window")
	}
	if !w.Start.Equal(at) || !w.End.Equal(at.Add(24*time.Hour)) {
		t.Fatalf("polar night window = %v..%v, want horizon-spanning from %v", w.Start, w.End, at)
	}
}

func TestIsNightNowUsesClock(t *testing.T) {
	s := warsaw()
	s.SetClock(func() time.Time { return utc(2026, time.January, 15, 22, 0) })
	if !s.IsNightNow() {
		t.Fatalf("fixed winter-evening clock not reported as night")
	}
	s.SetClock(func() time.Time { return utc(2026, time.June, 15, 11, 0) })
	if s.IsNightNow() {
		t.Fatalf("fixed summer-noon clock reported as night")
	}
}
