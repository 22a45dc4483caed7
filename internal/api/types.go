package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/hospital-scheduling/internal/appointment"
	"github.com/hackgods/hospital-scheduling/internal/clinic"
)

type CreateAppointmentRequest struct {
	PatientID string  `json:"patient_id"`
	DoctorID  string  `json:"doctor_id"`
	ServiceID *string `json:"service_id,omitempty"`
	Date      string  `json:"date"` // YYYY-MM-DD
	Time      string  `json:"time"` // HH:MM
}

type UpdateStatusRequest struct {
	Status string `json:"status"`
}

type ReplaceScheduleRequest struct {
	Intervals []clinic.ScheduleInterval `json:"intervals"`
}

type AppointmentResponse struct {
	ID        uuid.UUID  `json:"id"`
	PatientID uuid.UUID  `json:"patient_id"`
	DoctorID  uuid.UUID  `json:"doctor_id"`
	ServiceID *uuid.UUID `json:"service_id,omitempty"`
	Date      string     `json:"date"`
	Time      string     `json:"time"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:        a.ID,
		PatientID: a.PatientID,
		DoctorID:  a.DoctorID,
		ServiceID: a.ServiceID,
		Date:      a.Day(),
		Time:      a.Time.String(),
		Status:    string(a.Status),
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

type SlotsResponse struct {
	DoctorID uuid.UUID      `json:"doctor_id"`
	Date     string         `json:"date"`
	Slots    []clinic.Clock `json:"slots"`
}

type ListResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func newList[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Count: len(items)}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
