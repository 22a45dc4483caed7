package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/hospital-scheduling/internal/appointment"
	"github.com/hackgods/hospital-scheduling/internal/apperrors"
	"github.com/hackgods/hospital-scheduling/internal/clinic"
)

type AppointmentService interface {
	AvailableSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]clinic.Clock, error)
	Book(ctx context.Context, req appointment.BookRequest) (*appointment.Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]appointment.Appointment, error)
	ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]appointment.Appointment, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, to appointment.Status) (*appointment.Appointment, error)
	Cancel(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Location() *time.Location
}

// BookingRecorder counts booking outcomes; metrics.Collector implements it.
type BookingRecorder interface {
	RecordBooking(outcome string)
}

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, apperrors.Validation("%s must be a valid UUID", name)
	}
	return id, nil
}

func parseDate(raw string, loc *time.Location) (time.Time, error) {
	if raw == "" {
		return time.Time{}, apperrors.Validation("date is required")
	}
	d, err := time.ParseInLocation(time.DateOnly, raw, loc)
	if err != nil {
		return time.Time{}, apperrors.Validation("date must be YYYY-MM-DD")
	}
	return d, nil
}

func createAppointmentHandler(svc AppointmentService, rec BookingRecorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}

		var serviceID *uuid.UUID
		if req.ServiceID != nil && *req.ServiceID != "" {
			id, err := uuid.Parse(*req.ServiceID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_service_id", "service_id must be a valid UUID")
				return
			}
			serviceID = &id
		}

		date, err := parseDate(req.Date, svc.Location())
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		at, err := clinic.ParseClock(req.Time)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_time", "time must be HH:MM")
			return
		}

		appt, err := svc.Book(r.Context(), appointment.BookRequest{
			PatientID: patientID,
			DoctorID:  doctorID,
			ServiceID: serviceID,
			Date:      date,
			Time:      at,
		})
		if rec != nil {
			outcome := "ok"
			if err != nil {
				outcome = string(apperrors.KindOf(err))
			}
			rec.RecordBooking(outcome)
		}
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseUUIDParam(r, "id")
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

// listAppointmentsHandler serves ?patient_id=&limit=&offset= or ?doctor_id=&date=.
func listAppointmentsHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var (
			appts []appointment.Appointment
			err   error
		)

		switch {
		case q.Get("patient_id") != "":
			patientID, perr := uuid.Parse(q.Get("patient_id"))
			if perr != nil {
				writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
				return
			}
			limit, _ := strconv.Atoi(q.Get("limit"))
			offset, _ := strconv.Atoi(q.Get("offset"))
			appts, err = svc.ListByPatient(r.Context(), patientID, limit, offset)

		case q.Get("doctor_id") != "":
			doctorID, perr := uuid.Parse(q.Get("doctor_id"))
			if perr != nil {
				writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
				return
			}
			date, perr := parseDate(q.Get("date"), svc.Location())
			if perr != nil {
				writeAppError(w, r, perr)
				return
			}
			appts, err = svc.ListByDoctorDate(r.Context(), doctorID, date)

		default:
			writeError(w, http.StatusBadRequest, "missing_filter", "patient_id or doctor_id is required")
			return
		}

		if err != nil {
			writeAppError(w, r, err)
			return
		}

		out := make([]AppointmentResponse, 0, len(appts))
		for i := range appts {
			out = append(out, toAppointmentResponse(&appts[i]))
		}
		writeJSON(w, http.StatusOK, newList(out))
	}
}

func updateStatusHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseUUIDParam(r, "id")
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		var req UpdateStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		appt, err := svc.UpdateStatus(r.Context(), id, appointment.Status(req.Status))
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseUUIDParam(r, "id")
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		appt, err := svc.Cancel(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func availableSlotsHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, err := parseUUIDParam(r, "id")
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		date, err := parseDate(r.URL.Query().Get("date"), svc.Location())
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		slots, err := svc.AvailableSlots(r.Context(), doctorID, date)
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, SlotsResponse{
			DoctorID: doctorID,
			Date:     date.Format(time.DateOnly),
			Slots:    slots,
		})
	}
}
