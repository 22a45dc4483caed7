package clinic

import (
	"github.com/google/uuid"

	"github.com/hackgods/hospital-scheduling/internal/apperrors"
)

type Specialization struct {
	ID   uuid.UUID `json:"id" db:"id"`
	Name string    `json:"name" db:"name"`
}

type MedicalService struct {
	ID              uuid.UUID `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	PriceCents      int64     `json:"price_cents" db:"price_cents"`
	DurationMinutes int       `json:"duration_minutes" db:"duration_minutes"`
}

type Doctor struct {
	ID                 uuid.UUID  `json:"id"`
	Name               string     `json:"name"`
	SpecializationID   *uuid.UUID `json:"specialization_id,omitempty"`
	SpecializationName *string    `json:"specialization,omitempty"`
}

// ScheduleInterval is one working block in a doctor's weekly schedule.
// DayOfWeek runs 1 (Monday) to 7 (Sunday).
type ScheduleInterval struct {
	DoctorID  uuid.UUID `json:"doctor_id"`
	DayOfWeek int       `json:"day_of_week"`
	Start     Clock     `json:"start"`
	End       Clock     `json:"end"`
}

func (s ScheduleInterval) Validate() error {
	if s.DayOfWeek < 1 || s.DayOfWeek > 7 {
		return apperrors.Validation("day_of_week must be between 1 and 7")
	}
	if !s.Start.Valid() || !(s.End.Valid() || s.End == EndOfDay) {
		return apperrors.Validation("start and end must be valid times of day")
	}
	if s.Start >= s.End {
		return apperrors.Validation("start must be before end")
	}
	return nil
}
