package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/hospital-scheduling/internal/apperrors"
	"github.com/hackgods/hospital-scheduling/internal/clinic"
)

var ErrAppointmentNotFound = apperrors.NotFound("appointment not found")

// Repository contains all DB interactions needed by the service.
type Repository interface {
	// Conflict checks; canceled appointments never count.
	BookedTimes(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]clinic.Clock, error)
	CountActiveAt(ctx context.Context, doctorID uuid.UUID, date time.Time, at clinic.Clock) (int, error)

	Insert(ctx context.Context, a Appointment) (*Appointment, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	UpdateStatus(ctx context.Context, id uuid.UUID, to Status) (*Appointment, error)
	// UpdateStatusFrom only updates while the row is still in status from.
	UpdateStatusFrom(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error)

	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)
	ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Appointment, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
