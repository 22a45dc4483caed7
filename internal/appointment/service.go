package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/hospital-scheduling/internal/apperrors"
	"github.com/hackgods/hospital-scheduling/internal/clinic"
	redisclient "github.com/hackgods/hospital-scheduling/internal/redis"
)

const (
	EventAppointmentCreated       = "APPOINTMENT_CREATED"
	EventAppointmentStatusChanged = "APPOINTMENT_STATUS_CHANGED"
	EventAppointmentCanceled      = "APPOINTMENT_CANCELED"
)

// ScheduleSource provides a doctor's working intervals for one ISO day of week.
type ScheduleSource interface {
	ScheduleFor(ctx context.Context, doctorID uuid.UUID, dayOfWeek int) ([]clinic.ScheduleInterval, error)
}

// TransitionPolicy decides which status changes UpdateStatus accepts.
type TransitionPolicy int

const (
	// Permissive accepts any change between known statuses.
	Permissive TransitionPolicy = iota
	// Strict accepts PENDING->CONFIRMED, CONFIRMED->DONE and cancellation of
	// PENDING or CONFIRMED appointments.
	Strict
)

func (p TransitionPolicy) Allows(from, to Status) bool {
	if p == Permissive {
		return true
	}
	switch {
	case from == StatusPending && to == StatusConfirmed:
		return true
	case from == StatusConfirmed && to == StatusDone:
		return true
	case to == StatusCanceled:
		return from == StatusPending || from == StatusConfirmed
	}
	return false
}

type Service struct {
	repo      Repository
	schedules ScheduleSource
	locker    redisclient.Locker
	log       zerolog.Logger

	policy TransitionPolicy
	loc    *time.Location
	now    func() time.Time
}

type Option func(*Service)

func WithTransitionPolicy(p TransitionPolicy) Option {
	return func(s *Service) { s.policy = p }
}

// WithLocation sets the clinic time zone used for dates and "today".
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, schedules ScheduleSource, locker redisclient.Locker, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		schedules: schedules,
		locker:    locker,
		log:       log.With().Str("component", "appointments").Logger(),
		policy:    Permissive,
		loc:       time.Local,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locker == nil {
		s.locker = redisclient.NopLocker{}
	}
	return s
}

// day keeps the calendar date of t and places it at midnight in the clinic zone.
func (s *Service) day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.loc)
}

func validateBooking(req BookRequest) error {
	if req.PatientID == uuid.Nil {
		return apperrors.Validation("patient_id is required")
	}
	if req.DoctorID == uuid.Nil {
		return apperrors.Validation("doctor_id is required")
	}
	if req.Date.IsZero() {
		return apperrors.Validation("date is required")
	}
	if !req.Time.Valid() {
		return apperrors.Validation("time %d is not a time of day", int(req.Time))
	}
	if int(req.Time)%SlotMinutes != 0 {
		return apperrors.Validation("time %s is not on a %d-minute boundary", req.Time, SlotMinutes)
	}
	return nil
}

// Book reserves (doctor, date, time) for the patient. The slot is re-checked
// under a per-slot lock and the insert is backed by a unique index over
// non-canceled appointments, so two concurrent bookings never both succeed.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	if err := validateBooking(req); err != nil {
		return nil, err
	}
	req.Date = s.day(req.Date)

	var created *Appointment

	err := s.locker.WithSlotLock(ctx, slotName(req.DoctorID, req.Date, req.Time), func(lockCtx context.Context) error {
		n, err := s.repo.CountActiveAt(lockCtx, req.DoctorID, req.Date, req.Time)
		if err != nil {
			return err
		}
		if n > 0 {
			return apperrors.SlotTaken("slot already booked", nil)
		}

		appt, err := s.repo.Insert(lockCtx, Appointment{
			ID:        uuid.New(),
			PatientID: req.PatientID,
			DoctorID:  req.DoctorID,
			ServiceID: req.ServiceID,
			Date:      req.Date,
			Time:      req.Time,
			Status:    StatusPending,
		})
		if err != nil {
			return err
		}
		created = appt

		payload := map[string]any{
			"patient_id": req.PatientID.String(),
			"doctor_id":  req.DoctorID.String(),
			"date":       req.Date.Format(time.DateOnly),
			"time":       req.Time.String(),
		}
		s.logEvent(lockCtx, appt.ID, EventAppointmentCreated, payload)

		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, apperrors.SlotTaken("slot is currently being booked", err)
		}
		var appErr *apperrors.Error
		if !errors.As(err, &appErr) {
			return nil, apperrors.Storage("book appointment", err)
		}
		return nil, err
	}

	s.log.Info().
		Str("appointment_id", created.ID.String()).
		Str("doctor_id", req.DoctorID.String()).
		Str("slot", req.Date.Format(time.DateOnly)+" "+req.Time.String()).
		Msg("appointment booked")

	return created, nil
}

// UpdateStatus sets the appointment's status. Under the strict policy the
// change only applies if the row still holds the status it was checked against.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, to Status) (*Appointment, error) {
	if id == uuid.Nil {
		return nil, apperrors.Validation("appointment id is required")
	}
	if !to.Valid() {
		return nil, apperrors.Validation("unknown status %q", string(to))
	}

	var (
		updated *Appointment
		from    Status
		err     error
	)

	if s.policy == Permissive {
		updated, err = s.repo.UpdateStatus(ctx, id, to)
		if err != nil {
			return nil, err
		}
	} else {
		current, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		from = current.Status
		if !s.policy.Allows(from, to) {
			return nil, apperrors.Validation("invalid status transition %s -> %s", from, to)
		}

		updated, err = s.repo.UpdateStatusFrom(ctx, id, from, to)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return nil, apperrors.Validation("appointment %s changed status concurrently", id)
			}
			return nil, err
		}
	}

	eventType := EventAppointmentStatusChanged
	if to == StatusCanceled {
		eventType = EventAppointmentCanceled
	}
	payload := map[string]any{"status": string(to)}
	if from != "" {
		payload["from"] = string(from)
	}
	s.logEvent(ctx, updated.ID, eventType, payload)

	return updated, nil
}

// Cancel frees the appointment's slot for rebooking.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.UpdateStatus(ctx, id, StatusCanceled)
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error().Err(err).
			Str("event", eventType).
			Str("appointment_id", appointmentID.String()).
			Msg("failed to insert event log")
	}
}

// GetAppointment retrieves an appointment by ID
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetByID(ctx, id)
}

// ListByPatient retrieves a page of a patient's appointments, newest first.
func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	if patientID == uuid.Nil {
		return nil, apperrors.Validation("patient_id is required")
	}
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}

	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

// ListByDoctorDate retrieves every appointment of the doctor on date, canceled included.
func (s *Service) ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Appointment, error) {
	if doctorID == uuid.Nil {
		return nil, apperrors.Validation("doctor_id is required")
	}
	if date.IsZero() {
		return nil, apperrors.Validation("date is required")
	}
	return s.repo.ListByDoctorDate(ctx, doctorID, s.day(date))
}

// Location is the clinic time zone.
func (s *Service) Location() *time.Location {
	return s.loc
}
