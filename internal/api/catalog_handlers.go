package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/hackgods/hospital-scheduling/internal/clinic"
)

type CatalogService interface {
	Specializations(ctx context.Context) ([]clinic.Specialization, error)
	Services(ctx context.Context) ([]clinic.MedicalService, error)
	Doctors(ctx context.Context) ([]clinic.Doctor, error)
	Doctor(ctx context.Context, id uuid.UUID) (clinic.Doctor, error)
	WeeklySchedule(ctx context.Context, doctorID uuid.UUID) ([]clinic.ScheduleInterval, error)
	ReplaceSchedule(ctx context.Context, doctorID uuid.UUID, intervals []clinic.ScheduleInterval) error
}

// listHandler serves a cached reference list.
func listHandler[T any](load func(context.Context) ([]T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := load(r.Context())
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newList(items))
	}
}

func getDoctorHandler(cat CatalogService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseUUIDParam(r, "id")
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		d, err := cat.Doctor(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func getScheduleHandler(cat CatalogService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseUUIDParam(r, "id")
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		week, err := cat.WeeklySchedule(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newList(week))
	}
}

func replaceScheduleHandler(cat CatalogService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseUUIDParam(r, "id")
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		var req ReplaceScheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		if err := cat.ReplaceSchedule(r.Context(), id, req.Intervals); err != nil {
			writeAppError(w, r, err)
			return
		}

		week, err := cat.WeeklySchedule(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newList(week))
	}
}
