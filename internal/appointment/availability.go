package appointment

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/hospital-scheduling/internal/apperrors"
	"github.com/hackgods/hospital-scheduling/internal/clinic"
)

// Slots lists the free 30-minute starts of date, ascending. Intervals for
// other days of the week are ignored; booked holds the start times already
// taken on date. When date is the same calendar day as now, only starts
// strictly after now are returned.
func Slots(intervals []clinic.ScheduleInterval, booked []clinic.Clock, date, now time.Time) []clinic.Clock {
	dow := clinic.ISOWeekday(date)
	now = now.In(date.Location())
	today := clinic.SameDay(date, now)

	taken := make(map[clinic.Clock]struct{}, len(booked))
	for _, b := range booked {
		taken[b] = struct{}{}
	}

	var out []clinic.Clock
	for _, iv := range intervals {
		if iv.DayOfWeek != dow {
			continue
		}
		for step := iv.Start; step.Add(SlotDuration) <= iv.End; step = step.Add(SlotDuration) {
			if _, ok := taken[step]; ok {
				continue
			}
			if today && !step.On(date).After(now) {
				continue
			}
			out = append(out, step)
		}
	}

	slices.Sort(out)
	return slices.Compact(out)
}

// AvailableSlots returns the free slot starts for the doctor on date. A
// doctor without a schedule that day has no slots.
func (s *Service) AvailableSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]clinic.Clock, error) {
	if doctorID == uuid.Nil {
		return nil, apperrors.Validation("doctor_id is required")
	}
	if date.IsZero() {
		return nil, apperrors.Validation("date is required")
	}
	day := s.day(date)

	intervals, err := s.schedules.ScheduleFor(ctx, doctorID, clinic.ISOWeekday(day))
	if err != nil {
		return nil, err
	}
	if len(intervals) == 0 {
		return []clinic.Clock{}, nil
	}

	booked, err := s.repo.BookedTimes(ctx, doctorID, day)
	if err != nil {
		return nil, err
	}

	slots := Slots(intervals, booked, day, s.now())
	if slots == nil {
		slots = []clinic.Clock{}
	}
	return slots, nil
}
