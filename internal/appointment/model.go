package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/hospital-scheduling/internal/clinic"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusDone      Status = "DONE"
	StatusCanceled  Status = "CANCELED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusDone, StatusCanceled:
		return true
	}
	return false
}

// SlotMinutes is the booking granularity.
const SlotMinutes = 30

const SlotDuration = SlotMinutes * time.Minute

type Appointment struct {
	ID        uuid.UUID    `json:"id"`
	PatientID uuid.UUID    `json:"patient_id"`
	DoctorID  uuid.UUID    `json:"doctor_id"`
	ServiceID *uuid.UUID   `json:"service_id,omitempty"`
	Date      time.Time    `json:"-"`
	Time      clinic.Clock `json:"time"`
	Status    Status       `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Day renders Date as YYYY-MM-DD.
func (a Appointment) Day() string {
	return a.Date.Format(time.DateOnly)
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

type BookRequest struct {
	PatientID uuid.UUID    `json:"patient_id"`
	DoctorID  uuid.UUID    `json:"doctor_id"`
	ServiceID *uuid.UUID   `json:"service_id,omitempty"`
	Date      time.Time    `json:"-"`
	Time      clinic.Clock `json:"time"`
}

// slotName identifies a bookable slot; it is the Redis lock name.
func slotName(doctorID uuid.UUID, date time.Time, at clinic.Clock) string {
	return doctorID.String() + ":" + date.Format(time.DateOnly) + ":" + at.String()
}
