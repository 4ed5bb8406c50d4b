package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aloktripathi1/hospital-management-system/internal/appointment"
	"github.com/aloktripathi1/hospital-management-system/internal/cache"
	"github.com/aloktripathi1/hospital-management-system/internal/metrics"
)

type Handlers struct {
	svc   *appointment.Service
	cache *cache.ScheduleCache
	col   *metrics.Collector
	loc   *time.Location
}

func NewHandlers(svc *appointment.Service, sc *cache.ScheduleCache, col *metrics.Collector, loc *time.Location) *Handlers {
	return &Handlers{svc: svc, cache: sc, col: col, loc: loc}
}

func (h *Handlers) book(w http.ResponseWriter, r *http.Request) {
	var req BookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	if req.SubjectID == 0 || req.ProviderID == 0 {
		writeError(w, http.StatusBadRequest, "missing_identity", "subject_id and provider_id are required")
		return
	}

	start, err := h.parseDateTime(req.Date, req.Time)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_slot_time", err.Error())
		return
	}

	appt, err := h.svc.Book(r.Context(), appointment.BookingRequest{
		SubjectID:  req.SubjectID,
		ProviderID: req.ProviderID,
		Start:      start,
		Notes:      req.Notes,
	})
	if err != nil {
		h.col.BookingsTotal.WithLabelValues(bookingOutcome(err)).Inc()
		writeServiceError(w, err)
		return
	}
	h.col.BookingsTotal.WithLabelValues("booked").Inc()

	h.invalidateDay(r, appt)
	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *Handlers) cancel(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.idAndActor(w, r)
	if !ok {
		return
	}

	appt, err := h.svc.Cancel(r.Context(), id, actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.invalidateDay(r, appt)
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handlers) complete(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.idAndActor(w, r)
	if !ok {
		return
	}

	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	appt, err := h.svc.Complete(r.Context(), id, actor, appointment.Outcome{
		Diagnosis:    req.Diagnosis,
		Prescription: req.Prescription,
		Notes:        req.Notes,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handlers) noShow(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.idAndActor(w, r)
	if !ok {
		return
	}

	appt, err := h.svc.MarkNoShow(r.Context(), id, actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handlers) reschedule(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.idAndActor(w, r)
	if !ok {
		return
	}

	var req RescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	start, err := h.parseDateTime(req.Date, req.Time)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_slot_time", err.Error())
		return
	}

	appt, err := h.svc.Reschedule(r.Context(), id, actor, start)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.invalidateDay(r, appt)
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.idAndActor(w, r)
	if !ok {
		return
	}

	appt, err := h.svc.GetAppointment(r.Context(), id, actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handlers) getOutcome(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.idAndActor(w, r)
	if !ok {
		return
	}

	out, err := h.svc.GetOutcome(r.Context(), id, actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OutcomeResponse{
		AppointmentID: out.AppointmentID,
		Diagnosis:     out.Diagnosis,
		Prescription:  out.Prescription,
		Notes:         out.Notes,
		CreatedAt:     out.CreatedAt,
	})
}

// daySlots serves the calendar feed. Cached per (provider, day) with a TTL;
// staleness is resolved by the booking conflict path, never by locking.
func (h *Handlers) daySlots(w http.ResponseWriter, r *http.Request) {
	providerID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_provider_id", "id must be numeric")
		return
	}
	day, err := h.parseDate(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", err.Error())
		return
	}

	if slots, ok := h.cache.GetDay(r.Context(), providerID, day); ok {
		writeJSON(w, http.StatusOK, DayScheduleResponse{ProviderID: providerID, Date: day.Format("2006-01-02"), Slots: slots})
		return
	}

	slots, err := h.svc.PlanDay(r.Context(), providerID, day)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	h.cache.SetDay(r.Context(), providerID, day, slots)

	writeJSON(w, http.StatusOK, DayScheduleResponse{ProviderID: providerID, Date: day.Format("2006-01-02"), Slots: slots})
}

func (h *Handlers) setAvailability(w http.ResponseWriter, r *http.Request) {
	providerID, actor, ok := h.idAndActor(w, r)
	if !ok {
		return
	}

	var req SetAvailabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	windows := make([]appointment.AvailabilityWindow, 0, len(req.Windows))
	for _, wr := range req.Windows {
		start, err := h.parseDateTime(wr.Date, wr.Start)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_window", err.Error())
			return
		}
		end, err := h.parseDateTime(wr.Date, wr.End)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_window", err.Error())
			return
		}
		open := true
		if wr.Open != nil {
			open = *wr.Open
		}
		windows = append(windows, appointment.AvailabilityWindow{StartsAt: start, EndsAt: end, Open: open})
	}

	saved, err := h.svc.SetAvailability(r.Context(), actor, providerID, windows)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := make([]WindowResponse, 0, len(saved))
	for _, win := range saved {
		h.cache.InvalidateDay(r.Context(), providerID, h.dayOf(win.StartsAt))
		resp = append(resp, WindowResponse{ID: win.ID, StartsAt: win.StartsAt, EndsAt: win.EndsAt, Open: win.Open})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) importWeekly(w http.ResponseWriter, r *http.Request) {
	providerID, actor, ok := h.idAndActor(w, r)
	if !ok {
		return
	}

	var req ImportWeeklyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	from, err := h.parseDate(req.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", err.Error())
		return
	}
	to, err := h.parseDate(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", err.Error())
		return
	}

	rules := make([]appointment.WeeklyRule, 0, len(req.Rules))
	for _, rr := range req.Rules {
		start, err := parseClockOffset(rr.Start)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_rule", err.Error())
			return
		}
		end, err := parseClockOffset(rr.End)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_rule", err.Error())
			return
		}
		open := true
		if rr.Open != nil {
			open = *rr.Open
		}
		rules = append(rules, appointment.WeeklyRule{
			Weekday: time.Weekday(rr.Weekday),
			Start:   start,
			End:     end,
			Open:    open,
		})
	}

	saved, err := h.svc.ImportWeeklyRules(r.Context(), actor, providerID, rules, from, to)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := make([]WindowResponse, 0, len(saved))
	for _, win := range saved {
		resp = append(resp, WindowResponse{ID: win.ID, StartsAt: win.StartsAt, EndsAt: win.EndsAt, Open: win.Open})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) closeWindow(w http.ResponseWriter, r *http.Request) {
	providerID, actor, ok := h.idAndActor(w, r)
	if !ok {
		return
	}
	windowID, err := pathID(r, "windowID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_window_id", "windowID must be numeric")
		return
	}

	if err := h.svc.CloseWindow(r.Context(), actor, providerID, windowID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) subjectAppointments(w http.ResponseWriter, r *http.Request) {
	h.listAppointments(w, r, func(id int64, status appointment.Status, limit, offset int) ([]appointment.Appointment, error) {
		return h.svc.ListBySubject(r.Context(), id, status, limit, offset)
	})
}

func (h *Handlers) providerAppointments(w http.ResponseWriter, r *http.Request) {
	h.listAppointments(w, r, func(id int64, status appointment.Status, limit, offset int) ([]appointment.Appointment, error) {
		return h.svc.ListByProvider(r.Context(), id, status, limit, offset)
	})
}

func (h *Handlers) listAppointments(w http.ResponseWriter, r *http.Request, list func(int64, appointment.Status, int, int) ([]appointment.Appointment, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be numeric")
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	appts, err := list(id, appointment.Status(q.Get("status")), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := make([]AppointmentResponse, 0, len(appts))
	for i := range appts {
		resp = append(resp, toAppointmentResponse(&appts[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Helpers

func (h *Handlers) idAndActor(w http.ResponseWriter, r *http.Request) (int64, appointment.Actor, bool) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be numeric")
		return 0, appointment.Actor{}, false
	}
	actor, ok := GetActor(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_actor", "X-Actor-Role and X-Actor-ID headers are required")
		return 0, appointment.Actor{}, false
	}
	return id, actor, true
}

func (h *Handlers) invalidateDay(r *http.Request, appt *appointment.Appointment) {
	h.cache.InvalidateDay(r.Context(), appt.ProviderID, h.dayOf(appt.StartsAt))
}

func (h *Handlers) dayOf(t time.Time) time.Time {
	y, m, d := t.In(h.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, h.loc)
}

func (h *Handlers) parseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", s, h.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("date must be YYYY-MM-DD, got %q", s)
	}
	return t, nil
}

func (h *Handlers) parseDateTime(date, clock string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02 15:04", date+" "+clock, h.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected date YYYY-MM-DD and time HH:MM, got %q %q", date, clock)
	}
	return t, nil
}

func parseClockOffset(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("time must be HH:MM, got %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func pathID(r *http.Request, param string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, param), 10, 64)
}

func bookingOutcome(err error) string {
	switch {
	case errors.Is(err, appointment.ErrSlotAlreadyBooked),
		errors.Is(err, appointment.ErrSubjectDoubleBooked):
		return "conflict"
	case errors.Is(err, appointment.ErrProviderUnavailable),
		errors.Is(err, appointment.ErrSubjectBlocked),
		errors.Is(err, appointment.ErrPastDate),
		errors.Is(err, appointment.ErrSlotElapsed),
		errors.Is(err, appointment.ErrOutsideAvailability):
		return "rejected"
	default:
		return "error"
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider_not_found", err.Error())
	case errors.Is(err, appointment.ErrSubjectNotFound):
		writeError(w, http.StatusNotFound, "subject_not_found", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrWindowNotFound):
		writeError(w, http.StatusNotFound, "window_not_found", err.Error())
	case errors.Is(err, appointment.ErrOutcomeNotFound):
		writeError(w, http.StatusNotFound, "outcome_not_found", err.Error())
	case errors.Is(err, appointment.ErrProviderUnavailable):
		writeError(w, http.StatusConflict, "provider_unavailable", err.Error())
	case errors.Is(err, appointment.ErrSlotAlreadyBooked):
		writeError(w, http.StatusConflict, "slot_already_booked", err.Error())
	case errors.Is(err, appointment.ErrSubjectDoubleBooked):
		writeError(w, http.StatusConflict, "subject_double_booked", err.Error())
	case errors.Is(err, appointment.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, appointment.ErrPastDate):
		writeError(w, http.StatusBadRequest, "past_date", err.Error())
	case errors.Is(err, appointment.ErrSlotElapsed):
		writeError(w, http.StatusBadRequest, "slot_elapsed", err.Error())
	case errors.Is(err, appointment.ErrOutsideAvailability):
		writeError(w, http.StatusBadRequest, "outside_availability", err.Error())
	case errors.Is(err, appointment.ErrOutcomeRequired):
		writeError(w, http.StatusBadRequest, "outcome_required", err.Error())
	case errors.Is(err, appointment.ErrTooEarly):
		writeError(w, http.StatusBadRequest, "too_early", err.Error())
	case errors.Is(err, appointment.ErrSubjectBlocked):
		writeError(w, http.StatusForbidden, "subject_blocked", err.Error())
	case errors.Is(err, appointment.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "unauthorized", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
