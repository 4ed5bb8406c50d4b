package appointment

import (
	"sort"
	"time"
)

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// PlanInput is a snapshot of everything the planner needs. PlanSlots reads no
// clocks and touches no storage, so identical input always yields identical
// output.
type PlanInput struct {
	Day          time.Time     // midnight of the target day in the clinic zone
	Now          time.Time     // current instant, only consulted when Day is today
	Granularity  time.Duration // bucket width
	Windows      []AvailabilityWindow
	Appointments []Appointment // non-cancelled rows for the provider and day
	Breaks       []Interval
}

// PlanSlots expands a provider's availability windows for one day into
// discrete bookable buckets, ascending by start time.
//
// A bucket is dropped when it overlaps a break, when it would run past the
// end of its window, or, on the current day, once Now has reached its start.
// A bucket is occupied when a non-cancelled appointment starts at it.
func PlanSlots(in PlanInput) []Slot {
	if in.Granularity <= 0 {
		return nil
	}

	taken := make(map[int64]bool, len(in.Appointments))
	for _, a := range in.Appointments {
		if a.Status != StatusCancelled {
			taken[a.StartsAt.Unix()] = true
		}
	}

	today := sameDay(in.Day, in.Now)

	var slots []Slot
	for _, w := range in.Windows {
		if !w.Open {
			continue
		}
		for start := w.StartsAt; !start.Add(in.Granularity).After(w.EndsAt); start = start.Add(in.Granularity) {
			if overlapsBreak(start, in.Breaks) {
				continue
			}
			// A slot is elapsed once the clock reaches its start, not its end.
			if today && !in.Now.Before(start) {
				continue
			}
			slots = append(slots, Slot{
				Start:    start,
				End:      start.Add(in.Granularity),
				Label:    slotLabel(start),
				Occupied: taken[start.Unix()],
			})
		}
	}

	sort.Slice(slots, func(i, j int) bool {
		return slots[i].Start.Before(slots[j].Start)
	})

	return slots
}

// ExpandWeeklyRules materializes recurring weekly rules into dated windows for
// every day in [from, to]. This is the one-way import path from the legacy
// day-of-week representation; the planner only ever sees dated windows.
func ExpandWeeklyRules(rules []WeeklyRule, from, to time.Time) []AvailabilityWindow {
	var windows []AvailabilityWindow
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		for _, r := range rules {
			if day.Weekday() != r.Weekday || r.End <= r.Start {
				continue
			}
			windows = append(windows, AvailabilityWindow{
				ProviderID: r.ProviderID,
				StartsAt:   day.Add(r.Start),
				EndsAt:     day.Add(r.End),
				Open:       r.Open,
			})
		}
	}
	return windows
}

func overlapsBreak(start time.Time, breaks []Interval) bool {
	for _, b := range breaks {
		if !start.Before(b.Start) && start.Before(b.End) {
			return true
		}
	}
	return false
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	return ay == by && am == bm && ad == bd
}

func slotLabel(start time.Time) string {
	switch h := start.Hour(); {
	case h < 12:
		return "morning"
	case h < 17:
		return "afternoon"
	default:
		return "evening"
	}
}
