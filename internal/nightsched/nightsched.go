// Package nightsched decides when the observatory may operate. Night is
// defined as the sun sitting more than a configured twilight offset below
// the horizon at the site; everything here is a pure function of an instant
// plus static site parameters, with no filesystem or network side effects.
package nightsched

import (
	"math"
	"time"
)

// scanHorizon bounds every transition search so polar day and polar night
// terminate instead of scanning forever.
const scanHorizon = 48 * time.Hour

const coarseStep = time.Minute

// Config holds the static site parameters.
type Config struct {
	LatitudeDeg  float64 `json:"latitude" mapstructure:"latitude"`
	LongitudeDeg float64 `json:"longitude" mapstructure:"longitude"` // east positive
	TwilightDeg  float64 `json:"twilight_deg" mapstructure:"twilight_deg"`
}

// Window is one contiguous operating period. End is strictly after Start.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type Scheduler struct {
	cfg Config
	now func() time.Time
}

func New(cfg Config) *Scheduler {
	return &Scheduler{cfg: cfg, now: time.Now}
}

// SetClock replaces the wall clock, for tests.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// IsNightNow reports whether the site may operate at this moment.
func (s *Scheduler) IsNightNow() bool { return s.IsNight(s.now()) }

// IsNight reports whether the sun is below the configured twilight altitude
// at the given instant.
func (s *Scheduler) IsNight(at time.Time) bool {
	return s.SunAltitude(at) < -s.cfg.TwilightDeg
}

// SunAltitude returns the solar altitude in degrees at the site for the
// given instant, using the NOAA fractional-year approximation. Accuracy is
// a small fraction of a degree, more than enough for twilight gating.
func (s *Scheduler) SunAltitude(at time.Time) float64 {
	u := at.UTC()
	day := float64(u.YearDay() - 1)
	hour := float64(u.Hour()) + float64(u.Minute())/60 + float64(u.Second())/3600

	gamma := 2 * math.Pi / 365 * (day + (hour-12)/24)

	eqtimeMin := 229.18 * (0.000075 +
		0.001868*math.Cos(gamma) - 0.032077*math.Sin(gamma) -
		0.014615*math.Cos(2*gamma) - 0.040849*math.Sin(2*gamma))
	decl := 0.006918 -
		0.399912*math.Cos(gamma) + 0.070257*math.Sin(gamma) -
		0.006758*math.Cos(2*gamma) + 0.000907*math.Sin(2*gamma) -
		0.002697*math.Cos(3*gamma) + 0.00148*math.Sin(3*gamma)

	// True solar time in minutes, then hour angle in radians.
	tst := hour*60 + eqtimeMin + 4*s.cfg.LongitudeDeg
	haDeg := tst/4 - 180
	ha := haDeg * math.Pi / 180

	lat := s.cfg.LatitudeDeg * math.Pi / 180
	cosZenith := math.Sin(lat)*math.Sin(decl) + math.Cos(lat)*math.Cos(decl)*math.Cos(ha)
	cosZenith = math.Max(-1, math.Min(1, cosZenith))
	return 90 - math.Acos(cosZenith)*180/math.Pi
}

// NextTransition returns the next instant at which IsNight flips. When no
// flip occurs within the scan horizon (polar day or polar night) it returns
// at+24h so callers re-evaluate instead of looping.
func (s *Scheduler) NextTransition(at time.Time) time.Time {
	if tr, ok := s.nextCrossing(at); ok {
		return tr
	}
	return at.Add(24 * time.Hour)
}

// Window returns the night window containing at, or the next one when at is
// in daylight. ok is false only in polar day, when no night begins within
// the scan horizon. During polar night the window spans the scan bound.
func (s *Scheduler) Window(at time.Time) (Window, bool) {
	if s.IsNight(at) {
		end, ok := s.nextCrossing(at)
		if !ok {
			end = at.Add(24 * time.Hour)
		}
		return Window{Start: at, End: end}, true
	}
	start, ok := s.nextCrossing(at)
	if !ok {
		return Window{}, false
	}
	end, ok := s.nextCrossing(start.Add(time.Second))
	if !ok {
		end = start.Add(24 * time.Hour)
	}
	return Window{Start: start, End: end}, true
}

// nextCrossing finds the first instant after at where IsNight differs from
// IsNight(at), stepping coarsely and then bisecting to second precision.
func (s *Scheduler) nextCrossing(at time.Time) (time.Time, bool) {
	ref := s.IsNight(at)
	for lo := at; lo.Sub(at) < scanHorizon; lo = lo.Add(coarseStep) {
		hi := lo.Add(coarseStep)
		if s.IsNight(hi) == ref {
			continue
		}
		for hi.Sub(lo) > time.Second {
			mid := lo.Add(hi.Sub(lo) / 2)
			if s.IsNight(mid) == ref {
				lo = mid
			} else {
				hi = mid
			}
		}
		return hi, true
	}
	return time.Time{}, false
}
