package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aloktripathi1/hospital-management-system/internal/config"
)

const (
	EventAppointmentBooked    = "APPOINTMENT_BOOKED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
	EventAppointmentNoShow    = "APPOINTMENT_NO_SHOW"
)

var (
	ErrProviderUnavailable = errors.New("provider does not exist or is not active")
	ErrSubjectBlocked      = errors.New("subject is blocked from booking")
	ErrPastDate            = errors.New("appointment date is in the past")
	ErrSlotElapsed         = errors.New("slot start time has already elapsed")
	ErrOutsideAvailability = errors.New("requested time is outside the provider's availability")
	ErrSubjectDoubleBooked = errors.New("subject already holds an appointment at this time")
	ErrSlotAlreadyBooked   = errors.New("slot already has an active booking")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrUnauthorized        = errors.New("caller is not allowed to act on this appointment")
	ErrOutcomeRequired     = errors.New("completing an appointment requires an outcome with a diagnosis")
	ErrTooEarly            = errors.New("appointment has not started yet")
)

// Directory is the identity collaborator. It answers the two questions the
// engine asks about callers; everything else about identity lives elsewhere.
type Directory interface {
	IsActiveProvider(ctx context.Context, id int64) (bool, error)
	IsBlacklistedSubject(ctx context.Context, id int64) (bool, error)
}

type BookingRequest struct {
	SubjectID  int64
	ProviderID int64
	Start      time.Time
	Notes      string
}

type Service struct {
	repo Repository
	dir  Directory
	cfg  config.Config
	log  zerolog.Logger
	now  func() time.Time
}

func NewService(repo Repository, dir Directory, cfg config.Config, log zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		dir:  dir,
		cfg:  cfg,
		log:  log,
		now:  time.Now,
	}
}

// Book validates the request and attempts the single atomic reservation.
// The storage uniqueness indexes, not an application-level check, decide
// conflicts; a losing caller gets ErrSlotAlreadyBooked and must re-query
// slots itself. Nothing is written when any precondition fails.
func (s *Service) Book(ctx context.Context, req BookingRequest) (*Appointment, error) {
	end, err := s.validateBooking(ctx, req)
	if err != nil {
		return nil, err
	}

	ev := newEvent(EventAppointmentBooked, map[string]any{
		"provider_id": req.ProviderID,
		"subject_id":  req.SubjectID,
		"starts_at":   req.Start,
	})

	created, err := s.repo.CreateBooked(ctx, Appointment{
		ProviderID: req.ProviderID,
		SubjectID:  req.SubjectID,
		StartsAt:   req.Start,
		EndsAt:     end,
		Notes:      req.Notes,
	}, ev)
	if err != nil {
		if errors.Is(err, ErrSlotAlreadyBooked) || errors.Is(err, ErrSubjectDoubleBooked) {
			return nil, err
		}
		return nil, fmt.Errorf("create booking: %w", err)
	}

	s.log.Info().
		Int64("appointment_id", created.ID).
		Int64("provider_id", created.ProviderID).
		Int64("subject_id", created.SubjectID).
		Time("starts_at", created.StartsAt).
		Msg("appointment booked")

	return created, nil
}

// validateBooking runs the precondition chain in order, failing fast.
// It returns the slot end time derived from the provider's granularity.
func (s *Service) validateBooking(ctx context.Context, req BookingRequest) (time.Time, error) {
	active, err := s.dir.IsActiveProvider(ctx, req.ProviderID)
	if err != nil {
		return time.Time{}, fmt.Errorf("check provider: %w", err)
	}
	if !active {
		return time.Time{}, ErrProviderUnavailable
	}

	blocked, err := s.dir.IsBlacklistedSubject(ctx, req.SubjectID)
	if err != nil {
		return time.Time{}, fmt.Errorf("check subject: %w", err)
	}
	if blocked {
		return time.Time{}, ErrSubjectBlocked
	}

	now := s.now().In(s.cfg.Location)
	start := req.Start.In(s.cfg.Location)
	day := s.startOfDay(start)
	today := s.startOfDay(now)

	if day.Before(today) {
		return time.Time{}, ErrPastDate
	}
	if day.Equal(today) && !now.Before(start) {
		return time.Time{}, ErrSlotElapsed
	}

	provider, err := s.repo.GetProvider(ctx, req.ProviderID)
	if err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			return time.Time{}, ErrProviderUnavailable
		}
		return time.Time{}, fmt.Errorf("load provider: %w", err)
	}
	gran := s.granularityFor(provider)

	windows, err := s.repo.ListWindows(ctx, req.ProviderID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return time.Time{}, fmt.Errorf("load availability: %w", err)
	}

	slots := PlanSlots(PlanInput{
		Day:         day,
		Now:         now,
		Granularity: gran,
		Windows:     windows,
		Breaks:      s.dayBreaks(day),
	})
	if !slotExists(slots, start) {
		return time.Time{}, ErrOutsideAvailability
	}

	taken, err := s.repo.SubjectHasBookingAt(ctx, req.SubjectID, start)
	if err != nil {
		return time.Time{}, fmt.Errorf("check subject bookings: %w", err)
	}
	if taken {
		return time.Time{}, ErrSubjectDoubleBooked
	}

	return start.Add(gran), nil
}

// Cancel transitions a booked appointment to cancelled. The caller must own
// the appointment as subject or provider, or hold administrative override.
// The freed slot becomes eligible for a fresh booking because cancelled rows
// fall outside the uniqueness index.
func (s *Service) Cancel(ctx context.Context, id int64, actor Actor) (*Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ownsAppointment(actor, appt) {
		return nil, ErrUnauthorized
	}

	ev := newEvent(EventAppointmentCancelled, map[string]any{
		"cancelled_by": string(actor.Role),
	})
	updated, err := s.repo.TransitionStatus(ctx, id, StatusBooked, StatusCancelled, ev)
	if err != nil {
		return nil, transitionErr(err)
	}

	s.log.Info().
		Int64("appointment_id", id).
		Str("actor_role", string(actor.Role)).
		Msg("appointment cancelled")

	return updated, nil
}

// Complete transitions a booked appointment to completed and attaches the
// clinical outcome in the same transaction. A completed appointment without
// an outcome row can never exist.
func (s *Service) Complete(ctx context.Context, id int64, actor Actor, out Outcome) (*Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != RoleProvider || actor.ID != appt.ProviderID {
		return nil, ErrUnauthorized
	}
	if strings.TrimSpace(out.Diagnosis) == "" {
		return nil, ErrOutcomeRequired
	}

	ev := newEvent(EventAppointmentCompleted, map[string]any{
		"diagnosis": out.Diagnosis,
	})
	updated, err := s.repo.CompleteWithOutcome(ctx, id, out, ev)
	if err != nil {
		return nil, transitionErr(err)
	}

	s.log.Info().Int64("appointment_id", id).Msg("appointment completed")
	return updated, nil
}

// MarkNoShow records that the subject did not turn up. Only the owning
// provider may do this, and only once the slot start has passed.
func (s *Service) MarkNoShow(ctx context.Context, id int64, actor Actor) (*Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != RoleProvider || actor.ID != appt.ProviderID {
		return nil, ErrUnauthorized
	}
	if s.now().Before(appt.StartsAt) {
		return nil, ErrTooEarly
	}

	ev := newEvent(EventAppointmentNoShow, nil)
	updated, err := s.repo.TransitionStatus(ctx, id, StatusBooked, StatusNoShow, ev)
	if err != nil {
		return nil, transitionErr(err)
	}

	s.log.Info().Int64("appointment_id", id).Msg("appointment marked no-show")
	return updated, nil
}

// Reschedule moves a booked appointment to a new start time as an atomic
// cancel-then-book: the new slot runs the full booking precondition chain,
// then one transaction vacates the old row and inserts the new one. Losing
// the insert race rolls the cancellation back too.
func (s *Service) Reschedule(ctx context.Context, id int64, actor Actor, newStart time.Time) (*Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ownsAppointment(actor, appt) {
		return nil, ErrUnauthorized
	}
	if appt.Status != StatusBooked {
		return nil, ErrInvalidTransition
	}

	req := BookingRequest{
		SubjectID:  appt.SubjectID,
		ProviderID: appt.ProviderID,
		Start:      newStart,
		Notes:      appt.Notes,
	}
	end, err := s.validateBooking(ctx, req)
	if err != nil {
		return nil, err
	}

	cancelEv := newEvent(EventAppointmentCancelled, map[string]any{
		"cancelled_by": string(actor.Role),
		"reason":       "reschedule",
	})
	bookEv := newEvent(EventAppointmentBooked, map[string]any{
		"provider_id":      appt.ProviderID,
		"subject_id":       appt.SubjectID,
		"starts_at":        newStart,
		"rescheduled_from": appt.StartsAt,
	})

	created, err := s.repo.Reschedule(ctx, id, Appointment{
		ProviderID: appt.ProviderID,
		SubjectID:  appt.SubjectID,
		StartsAt:   req.Start.In(s.cfg.Location),
		EndsAt:     end,
		Notes:      appt.Notes,
	}, cancelEv, bookEv)
	if err != nil {
		if errors.Is(err, ErrSlotAlreadyBooked) || errors.Is(err, ErrSubjectDoubleBooked) {
			return nil, err
		}
		return nil, transitionErr(err)
	}

	s.log.Info().
		Int64("old_appointment_id", id).
		Int64("appointment_id", created.ID).
		Time("starts_at", created.StartsAt).
		Msg("appointment rescheduled")

	return created, nil
}

// PlanDay derives the bookable slots for one provider and day. Snapshot read,
// no locking; a stale result is corrected by the conflict path on booking.
func (s *Service) PlanDay(ctx context.Context, providerID int64, day time.Time) ([]Slot, error) {
	provider, err := s.repo.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}

	day = s.startOfDay(day.In(s.cfg.Location))
	next := day.AddDate(0, 0, 1)

	windows, err := s.repo.ListWindows(ctx, providerID, day, next)
	if err != nil {
		return nil, fmt.Errorf("load availability: %w", err)
	}

	appts, err := s.repo.ListAppointments(ctx, AppointmentQuery{
		ProviderID:       providerID,
		From:             day,
		To:               next,
		ExcludeCancelled: true,
	})
	if err != nil {
		return nil, fmt.Errorf("load appointments: %w", err)
	}

	return PlanSlots(PlanInput{
		Day:          day,
		Now:          s.now().In(s.cfg.Location),
		Granularity:  s.granularityFor(provider),
		Windows:      windows,
		Appointments: appts,
		Breaks:       s.dayBreaks(day),
	}), nil
}

// SetAvailability upserts dated windows for a provider. Only the provider
// itself or an admin may declare availability; the booking engine never does.
func (s *Service) SetAvailability(ctx context.Context, actor Actor, providerID int64, windows []AvailabilityWindow) ([]AvailabilityWindow, error) {
	if !ownsProvider(actor, providerID) {
		return nil, ErrUnauthorized
	}
	if _, err := s.repo.GetProvider(ctx, providerID); err != nil {
		return nil, err
	}

	var result []AvailabilityWindow
	for _, w := range windows {
		if !w.EndsAt.After(w.StartsAt) {
			return nil, fmt.Errorf("window ending %s before it starts: %w", w.EndsAt, ErrOutsideAvailability)
		}
		w.ProviderID = providerID
		saved, err := s.repo.UpsertWindow(ctx, w)
		if err != nil {
			return nil, fmt.Errorf("upsert window: %w", err)
		}
		result = append(result, *saved)
	}
	return result, nil
}

// ImportWeeklyRules is the one-way migration from the legacy recurring
// representation: rules are expanded into dated windows over [from, to] and
// stored like any other windows.
func (s *Service) ImportWeeklyRules(ctx context.Context, actor Actor, providerID int64, rules []WeeklyRule, from, to time.Time) ([]AvailabilityWindow, error) {
	for i := range rules {
		rules[i].ProviderID = providerID
	}
	from = s.startOfDay(from.In(s.cfg.Location))
	to = s.startOfDay(to.In(s.cfg.Location))
	return s.SetAvailability(ctx, actor, providerID, ExpandWeeklyRules(rules, from, to))
}

func (s *Service) CloseWindow(ctx context.Context, actor Actor, providerID, windowID int64) error {
	if !ownsProvider(actor, providerID) {
		return ErrUnauthorized
	}
	return s.repo.CloseWindow(ctx, providerID, windowID)
}

func (s *Service) GetAppointment(ctx context.Context, id int64, actor Actor) (*Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ownsAppointment(actor, appt) {
		return nil, ErrUnauthorized
	}
	return appt, nil
}

// GetOutcome serves the clinical-record collaborator's read contract.
func (s *Service) GetOutcome(ctx context.Context, appointmentID int64, actor Actor) (*Outcome, error) {
	appt, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if !ownsAppointment(actor, appt) {
		return nil, ErrUnauthorized
	}
	return s.repo.GetOutcome(ctx, appointmentID)
}

func (s *Service) ListBySubject(ctx context.Context, subjectID int64, status Status, limit, offset int) ([]Appointment, error) {
	return s.repo.ListAppointments(ctx, AppointmentQuery{
		SubjectID: subjectID,
		Status:    status,
		Limit:     clampLimit(limit),
		Offset:    maxInt(offset, 0),
	})
}

func (s *Service) ListByProvider(ctx context.Context, providerID int64, status Status, limit, offset int) ([]Appointment, error) {
	return s.repo.ListAppointments(ctx, AppointmentQuery{
		ProviderID: providerID,
		Status:     status,
		Limit:      clampLimit(limit),
		Offset:     maxInt(offset, 0),
	})
}

// RelayEvents drains unpublished outbox rows into the Notifier. Called by the
// notify worker; a failed delivery stays unpublished and is retried on the
// next poll, so delivery is at-least-once.
func (s *Service) RelayEvents(ctx context.Context, n Notifier) (int, error) {
	events, err := s.repo.FindUnpublishedEvents(ctx, s.cfg.WorkerBatch)
	if err != nil {
		return 0, fmt.Errorf("find unpublished events: %w", err)
	}

	published := 0
	for _, ev := range events {
		if err := n.Notify(ctx, ev); err != nil {
			s.log.Warn().Err(err).
				Int64("event_id", ev.ID).
				Str("event_type", ev.EventType).
				Msg("notify failed, will retry")
			continue
		}
		if err := s.repo.MarkEventPublished(ctx, ev.ID, s.now()); err != nil {
			s.log.Error().Err(err).Int64("event_id", ev.ID).Msg("mark event published failed")
			continue
		}
		published++
	}
	return published, nil
}

// Helpers

func (s *Service) startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.cfg.Location)
}

func (s *Service) granularityFor(p *Provider) time.Duration {
	if p.SlotMinutes > 0 {
		return time.Duration(p.SlotMinutes) * time.Minute
	}
	return time.Duration(s.cfg.SlotMinutes) * time.Minute
}

func (s *Service) dayBreaks(day time.Time) []Interval {
	if !s.cfg.HasBreak {
		return nil
	}
	return []Interval{{Start: day.Add(s.cfg.BreakStart), End: day.Add(s.cfg.BreakEnd)}}
}

func ownsAppointment(actor Actor, appt *Appointment) bool {
	switch actor.Role {
	case RoleAdmin:
		return true
	case RoleSubject:
		return actor.ID == appt.SubjectID
	case RoleProvider:
		return actor.ID == appt.ProviderID
	}
	return false
}

func ownsProvider(actor Actor, providerID int64) bool {
	return actor.Role == RoleAdmin || (actor.Role == RoleProvider && actor.ID == providerID)
}

func slotExists(slots []Slot, start time.Time) bool {
	for _, sl := range slots {
		if sl.Start.Equal(start) {
			return true
		}
	}
	return false
}

// transitionErr maps the guarded-update miss onto the lifecycle error: the
// row was loaded a moment ago, so "no row matched" means its status changed.
func transitionErr(err error) error {
	if errors.Is(err, ErrAppointmentNotFound) {
		return ErrInvalidTransition
	}
	return err
}

func newEvent(eventType string, payload map[string]any) Event {
	var data []byte
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	return Event{EventType: eventType, Payload: data}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
