package appointment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aloktripathi1/hospital-management-system/internal/config"
)

// fakeRepo is an in-memory Repository that mirrors the storage guarantees the
// service leans on: the two partial uniqueness checks over active rows, and
// guarded status transitions that miss when the row left the expected state.
type fakeRepo struct {
	mu        sync.Mutex
	providers map[int64]Provider
	subjects  map[int64]Subject
	windows   map[int64]AvailabilityWindow
	appts     map[int64]Appointment
	outcomes  map[int64]Outcome
	events    []Event
	nextID    int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		providers: make(map[int64]Provider),
		subjects:  make(map[int64]Subject),
		windows:   make(map[int64]AvailabilityWindow),
		appts:     make(map[int64]Appointment),
		outcomes:  make(map[int64]Outcome),
	}
}

func (r *fakeRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *fakeRepo) GetProvider(_ context.Context, id int64) (*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return &p, nil
}

func (r *fakeRepo) GetSubject(_ context.Context, id int64) (*Subject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subjects[id]
	if !ok {
		return nil, ErrSubjectNotFound
	}
	return &s, nil
}

func (r *fakeRepo) UpsertWindow(_ context.Context, w AvailabilityWindow) (*AvailabilityWindow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, existing := range r.windows {
		if existing.ProviderID == w.ProviderID && existing.StartsAt.Equal(w.StartsAt) {
			w.ID = id
			r.windows[id] = w
			return &w, nil
		}
	}
	w.ID = r.id()
	r.windows[w.ID] = w
	return &w, nil
}

func (r *fakeRepo) ListWindows(_ context.Context, providerID int64, from, to time.Time) ([]AvailabilityWindow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []AvailabilityWindow
	for _, w := range r.windows {
		if w.ProviderID == providerID && !w.StartsAt.Before(from) && w.StartsAt.Before(to) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (r *fakeRepo) CloseWindow(_ context.Context, providerID, windowID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[windowID]
	if !ok || w.ProviderID != providerID {
		return ErrWindowNotFound
	}
	w.Open = false
	r.windows[windowID] = w
	return nil
}

func (r *fakeRepo) GetAppointment(_ context.Context, id int64) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *fakeRepo) ListAppointments(_ context.Context, q AppointmentQuery) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Appointment
	for _, a := range r.appts {
		if q.ProviderID != 0 && a.ProviderID != q.ProviderID {
			continue
		}
		if q.SubjectID != 0 && a.SubjectID != q.SubjectID {
			continue
		}
		if !q.From.IsZero() && a.StartsAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && !a.StartsAt.Before(q.To) {
			continue
		}
		if q.Status != "" && a.Status != q.Status {
			continue
		}
		if q.ExcludeCancelled && a.Status == StatusCancelled {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *fakeRepo) SubjectHasBookingAt(_ context.Context, subjectID int64, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.appts {
		if a.SubjectID == subjectID && a.StartsAt.Equal(at) && a.Status != StatusCancelled {
			return true, nil
		}
	}
	return false, nil
}

// conflictLocked checks the two active-row uniqueness rules. Caller holds mu.
func (r *fakeRepo) conflictLocked(a Appointment) error {
	for _, existing := range r.appts {
		if existing.Status == StatusCancelled || !existing.StartsAt.Equal(a.StartsAt) {
			continue
		}
		if existing.ProviderID == a.ProviderID {
			return ErrSlotAlreadyBooked
		}
		if existing.SubjectID == a.SubjectID {
			return ErrSubjectDoubleBooked
		}
	}
	return nil
}

func (r *fakeRepo) appendEventLocked(apptID int64, ev Event) {
	ev.ID = r.id()
	ev.AppointmentID = apptID
	ev.CreatedAt = time.Now()
	r.events = append(r.events, ev)
}

func (r *fakeRepo) CreateBooked(_ context.Context, a Appointment, ev Event) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.conflictLocked(a); err != nil {
		return nil, err
	}
	a.ID = r.id()
	a.Status = StatusBooked
	r.appts[a.ID] = a
	r.appendEventLocked(a.ID, ev)
	return &a, nil
}

func (r *fakeRepo) transitionLocked(id int64, from, to Status) (*Appointment, error) {
	a, ok := r.appts[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	r.appts[id] = a
	return &a, nil
}

func (r *fakeRepo) TransitionStatus(_ context.Context, id int64, from, to Status, ev Event) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, err := r.transitionLocked(id, from, to)
	if err != nil {
		return nil, err
	}
	r.appendEventLocked(id, ev)
	return a, nil
}

func (r *fakeRepo) CompleteWithOutcome(_ context.Context, id int64, out Outcome, ev Event) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, err := r.transitionLocked(id, StatusBooked, StatusCompleted)
	if err != nil {
		return nil, err
	}
	out.ID = r.id()
	out.AppointmentID = id
	r.outcomes[id] = out
	r.appendEventLocked(id, ev)
	return a, nil
}

func (r *fakeRepo) Reschedule(_ context.Context, oldID int64, replacement Appointment, cancelEv, bookEv Event) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, err := r.transitionLocked(oldID, StatusBooked, StatusCancelled)
	if err != nil {
		return nil, err
	}
	if err := r.conflictLocked(replacement); err != nil {
		// Roll the cancellation back, as the single transaction would.
		old.Status = StatusBooked
		r.appts[oldID] = *old
		return nil, err
	}
	replacement.ID = r.id()
	replacement.Status = StatusBooked
	r.appts[replacement.ID] = replacement
	r.appendEventLocked(oldID, cancelEv)
	r.appendEventLocked(replacement.ID, bookEv)
	return &replacement, nil
}

func (r *fakeRepo) GetOutcome(_ context.Context, appointmentID int64) (*Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, ok := r.outcomes[appointmentID]
	if !ok {
		return nil, ErrOutcomeNotFound
	}
	return &out, nil
}

func (r *fakeRepo) FindUnpublishedEvents(_ context.Context, limit int) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.PublishedAt == nil {
			out = append(out, ev)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *fakeRepo) MarkEventPublished(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.events {
		if r.events[i].ID == id {
			r.events[i].PublishedAt = &at
			return nil
		}
	}
	return fmt.Errorf("event %d not found", id)
}

// Fixture: one active provider with morning and evening windows today, a
// clean subject, and a frozen clock at 08:00.

const (
	testProviderID = int64(100)
	testSubjectID  = int64(200)
)

var testNow = time.Date(2026, time.September, 14, 8, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *fakeRepo) {
	t.Helper()
	repo := newFakeRepo()
	repo.providers[testProviderID] = Provider{ID: testProviderID, Name: "Dr. Rao", Active: true}
	repo.subjects[testSubjectID] = Subject{ID: testSubjectID, Name: "Asha"}

	d := testNow.Truncate(24 * time.Hour)
	for _, hours := range [][2]int{{9, 13}, {15, 19}} {
		repo.windows[repo.id()] = AvailabilityWindow{
			ID:         repo.nextID,
			ProviderID: testProviderID,
			StartsAt:   d.Add(time.Duration(hours[0]) * time.Hour),
			EndsAt:     d.Add(time.Duration(hours[1]) * time.Hour),
			Open:       true,
		}
	}

	cfg := config.Config{Location: time.UTC, SlotMinutes: 120, WorkerBatch: 100}
	svc := NewService(repo, NewRepositoryDirectory(repo), cfg, zerolog.Nop())
	svc.now = func() time.Time { return testNow }
	return svc, repo
}

func slotAt(h int) time.Time {
	return time.Date(2026, time.September, 14, h, 0, 0, 0, time.UTC)
}

func bookReq(h int) BookingRequest {
	return BookingRequest{SubjectID: testSubjectID, ProviderID: testProviderID, Start: slotAt(h)}
}

func mustBook(t *testing.T, svc *Service, req BookingRequest) *Appointment {
	t.Helper()
	appt, err := svc.Book(context.Background(), req)
	if err != nil {
		t.Fatalf("Book(%s) failed: %v", req.Start, err)
	}
	return appt
}

func TestBook(t *testing.T) {
	svc, repo := newTestService(t)

	appt := mustBook(t, svc, bookReq(11))
	if appt.Status != StatusBooked {
		t.Errorf("status = %s, want booked", appt.Status)
	}
	if !appt.EndsAt.Equal(slotAt(13)) {
		t.Errorf("end = %s, want 13:00 from the 120m granularity", appt.EndsAt)
	}

	if len(repo.events) != 1 || repo.events[0].EventType != EventAppointmentBooked {
		t.Fatalf("expected one booked event, got %+v", repo.events)
	}
	if repo.events[0].AppointmentID != appt.ID {
		t.Errorf("event references appointment %d, want %d", repo.events[0].AppointmentID, appt.ID)
	}
}

func TestBookPreconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("inactive provider", func(t *testing.T) {
		svc, repo := newTestService(t)
		p := repo.providers[testProviderID]
		p.Active = false
		repo.providers[testProviderID] = p
		// The subject is also blocked: the provider check must win.
		s := repo.subjects[testSubjectID]
		s.Blacklisted = true
		repo.subjects[testSubjectID] = s

		if _, err := svc.Book(ctx, bookReq(11)); !errors.Is(err, ErrProviderUnavailable) {
			t.Fatalf("err = %v, want ErrProviderUnavailable", err)
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		svc, _ := newTestService(t)
		req := bookReq(11)
		req.ProviderID = 999
		if _, err := svc.Book(ctx, req); !errors.Is(err, ErrProviderUnavailable) {
			t.Fatalf("err = %v, want ErrProviderUnavailable", err)
		}
	})

	t.Run("blocked subject", func(t *testing.T) {
		svc, repo := newTestService(t)
		s := repo.subjects[testSubjectID]
		s.Blacklisted = true
		repo.subjects[testSubjectID] = s

		if _, err := svc.Book(ctx, bookReq(11)); !errors.Is(err, ErrSubjectBlocked) {
			t.Fatalf("err = %v, want ErrSubjectBlocked", err)
		}
	})

	t.Run("past date", func(t *testing.T) {
		svc, _ := newTestService(t)
		req := bookReq(11)
		req.Start = req.Start.AddDate(0, 0, -1)
		if _, err := svc.Book(ctx, req); !errors.Is(err, ErrPastDate) {
			t.Fatalf("err = %v, want ErrPastDate", err)
		}
	})

	t.Run("elapsed slot today", func(t *testing.T) {
		svc, _ := newTestService(t)
		svc.now = func() time.Time { return slotAt(9).Add(5 * time.Minute) }
		if _, err := svc.Book(ctx, bookReq(9)); !errors.Is(err, ErrSlotElapsed) {
			t.Fatalf("err = %v, want ErrSlotElapsed", err)
		}
	})

	t.Run("off grid time", func(t *testing.T) {
		svc, _ := newTestService(t)
		req := bookReq(10)
		if _, err := svc.Book(ctx, req); !errors.Is(err, ErrOutsideAvailability) {
			t.Fatalf("err = %v, want ErrOutsideAvailability", err)
		}
	})

	t.Run("outside any window", func(t *testing.T) {
		svc, _ := newTestService(t)
		req := bookReq(13)
		if _, err := svc.Book(ctx, req); !errors.Is(err, ErrOutsideAvailability) {
			t.Fatalf("err = %v, want ErrOutsideAvailability", err)
		}
	})

	t.Run("subject double booking", func(t *testing.T) {
		svc, repo := newTestService(t)
		// A second active provider with the same window, already booked by
		// the subject at 11:00.
		repo.providers[101] = Provider{ID: 101, Name: "Dr. Iyer", Active: true}
		d := testNow.Truncate(24 * time.Hour)
		repo.windows[repo.id()] = AvailabilityWindow{
			ID: repo.nextID, ProviderID: 101,
			StartsAt: d.Add(9 * time.Hour), EndsAt: d.Add(13 * time.Hour), Open: true,
		}
		req := bookReq(11)
		req.ProviderID = 101
		mustBook(t, svc, req)

		if _, err := svc.Book(ctx, bookReq(11)); !errors.Is(err, ErrSubjectDoubleBooked) {
			t.Fatalf("err = %v, want ErrSubjectDoubleBooked", err)
		}
	})
}

func TestBookSlotConflict(t *testing.T) {
	svc, repo := newTestService(t)
	repo.subjects[201] = Subject{ID: 201, Name: "Vikram"}

	mustBook(t, svc, bookReq(11))

	req := bookReq(11)
	req.SubjectID = 201
	if _, err := svc.Book(context.Background(), req); !errors.Is(err, ErrSlotAlreadyBooked) {
		t.Fatalf("err = %v, want ErrSlotAlreadyBooked", err)
	}
}

func TestBookConcurrentSingleWinner(t *testing.T) {
	svc, repo := newTestService(t)

	const workers = 32
	for i := int64(0); i < workers; i++ {
		repo.subjects[300+i] = Subject{ID: 300 + i}
	}

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := bookReq(11)
			req.SubjectID = 300 + int64(i)
			_, errs[i] = svc.Book(context.Background(), req)
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrSlotAlreadyBooked):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("got %d winners, want exactly 1 (%d conflicts)", wins, conflicts)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	subjectActor := Actor{Role: RoleSubject, ID: testSubjectID}

	t.Run("by subject", func(t *testing.T) {
		svc, _ := newTestService(t)
		appt := mustBook(t, svc, bookReq(11))

		updated, err := svc.Cancel(ctx, appt.ID, subjectActor)
		if err != nil {
			t.Fatalf("cancel failed: %v", err)
		}
		if updated.Status != StatusCancelled {
			t.Errorf("status = %s, want cancelled", updated.Status)
		}
	})

	t.Run("by owning provider and admin", func(t *testing.T) {
		svc, _ := newTestService(t)
		appt := mustBook(t, svc, bookReq(11))
		if _, err := svc.Cancel(ctx, appt.ID, Actor{Role: RoleProvider, ID: testProviderID}); err != nil {
			t.Fatalf("provider cancel failed: %v", err)
		}

		appt = mustBook(t, svc, bookReq(15))
		if _, err := svc.Cancel(ctx, appt.ID, Actor{Role: RoleAdmin, ID: 1}); err != nil {
			t.Fatalf("admin cancel failed: %v", err)
		}
	})

	t.Run("by stranger", func(t *testing.T) {
		svc, _ := newTestService(t)
		appt := mustBook(t, svc, bookReq(11))

		for _, actor := range []Actor{
			{Role: RoleSubject, ID: 999},
			{Role: RoleProvider, ID: 999},
		} {
			if _, err := svc.Cancel(ctx, appt.ID, actor); !errors.Is(err, ErrUnauthorized) {
				t.Errorf("%s %d: err = %v, want ErrUnauthorized", actor.Role, actor.ID, err)
			}
		}
	})

	t.Run("second cancel is rejected", func(t *testing.T) {
		svc, _ := newTestService(t)
		appt := mustBook(t, svc, bookReq(11))

		if _, err := svc.Cancel(ctx, appt.ID, subjectActor); err != nil {
			t.Fatalf("first cancel failed: %v", err)
		}
		if _, err := svc.Cancel(ctx, appt.ID, subjectActor); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("second cancel: err = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("frees the slot", func(t *testing.T) {
		svc, repo := newTestService(t)
		repo.subjects[201] = Subject{ID: 201}
		appt := mustBook(t, svc, bookReq(11))

		if _, err := svc.Cancel(ctx, appt.ID, subjectActor); err != nil {
			t.Fatalf("cancel failed: %v", err)
		}

		req := bookReq(11)
		req.SubjectID = 201
		mustBook(t, svc, req)
	})

	t.Run("missing appointment", func(t *testing.T) {
		svc, _ := newTestService(t)
		if _, err := svc.Cancel(ctx, 999, subjectActor); !errors.Is(err, ErrAppointmentNotFound) {
			t.Fatalf("err = %v, want ErrAppointmentNotFound", err)
		}
	})
}

func TestComplete(t *testing.T) {
	ctx := context.Background()
	providerActor := Actor{Role: RoleProvider, ID: testProviderID}
	outcome := Outcome{Diagnosis: "seasonal flu", Prescription: "rest, fluids"}

	t.Run("records outcome", func(t *testing.T) {
		svc, _ := newTestService(t)
		appt := mustBook(t, svc, bookReq(11))

		updated, err := svc.Complete(ctx, appt.ID, providerActor, outcome)
		if err != nil {
			t.Fatalf("complete failed: %v", err)
		}
		if updated.Status != StatusCompleted {
			t.Errorf("status = %s, want completed", updated.Status)
		}

		got, err := svc.GetOutcome(ctx, appt.ID, providerActor)
		if err != nil {
			t.Fatalf("get outcome failed: %v", err)
		}
		if got.Diagnosis != outcome.Diagnosis {
			t.Errorf("diagnosis = %q, want %q", got.Diagnosis, outcome.Diagnosis)
		}
	})

	t.Run("requires diagnosis", func(t *testing.T) {
		svc, _ := newTestService(t)
		appt := mustBook(t, svc, bookReq(11))

		if _, err := svc.Complete(ctx, appt.ID, providerActor, Outcome{Diagnosis: "   "}); !errors.Is(err, ErrOutcomeRequired) {
			t.Fatalf("err = %v, want ErrOutcomeRequired", err)
		}
	})

	t.Run("only owning provider", func(t *testing.T) {
		svc, _ := newTestService(t)
		appt := mustBook(t, svc, bookReq(11))

		for _, actor := range []Actor{
			{Role: RoleSubject, ID: testSubjectID},
			{Role: RoleProvider, ID: 999},
		} {
			if _, err := svc.Complete(ctx, appt.ID, actor, outcome); !errors.Is(err, ErrUnauthorized) {
				t.Errorf("%s %d: err = %v, want ErrUnauthorized", actor.Role, actor.ID, err)
			}
		}
	})

	t.Run("terminal afterwards", func(t *testing.T) {
		svc, _ := newTestService(t)
		appt := mustBook(t, svc, bookReq(11))

		if _, err := svc.Complete(ctx, appt.ID, providerActor, outcome); err != nil {
			t.Fatalf("complete failed: %v", err)
		}
		if _, err := svc.Complete(ctx, appt.ID, providerActor, outcome); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("second complete: err = %v, want ErrInvalidTransition", err)
		}
		if _, err := svc.Cancel(ctx, appt.ID, providerActor); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("cancel after complete: err = %v, want ErrInvalidTransition", err)
		}
	})
}

func TestMarkNoShow(t *testing.T) {
	ctx := context.Background()
	providerActor := Actor{Role: RoleProvider, ID: testProviderID}

	t.Run("before start", func(t *testing.T) {
		svc, _ := newTestService(t)
		appt := mustBook(t, svc, bookReq(11))

		if _, err := svc.MarkNoShow(ctx, appt.ID, providerActor); !errors.Is(err, ErrTooEarly) {
			t.Fatalf("err = %v, want ErrTooEarly", err)
		}
	})

	t.Run("after start", func(t *testing.T) {
		svc, _ := newTestService(t)
		appt := mustBook(t, svc, bookReq(11))
		svc.now = func() time.Time { return slotAt(11).Add(20 * time.Minute) }

		updated, err := svc.MarkNoShow(ctx, appt.ID, providerActor)
		if err != nil {
			t.Fatalf("no-show failed: %v", err)
		}
		if updated.Status != StatusNoShow {
			t.Errorf("status = %s, want no_show", updated.Status)
		}
	})

	t.Run("subject cannot self report", func(t *testing.T) {
		svc, _ := newTestService(t)
		appt := mustBook(t, svc, bookReq(11))
		svc.now = func() time.Time { return slotAt(11).Add(20 * time.Minute) }

		if _, err := svc.MarkNoShow(ctx, appt.ID, Actor{Role: RoleSubject, ID: testSubjectID}); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("err = %v, want ErrUnauthorized", err)
		}
	})
}

func TestReschedule(t *testing.T) {
	ctx := context.Background()
	subjectActor := Actor{Role: RoleSubject, ID: testSubjectID}

	t.Run("moves the booking", func(t *testing.T) {
		svc, _ := newTestService(t)
		appt := mustBook(t, svc, bookReq(11))

		moved, err := svc.Reschedule(ctx, appt.ID, subjectActor, slotAt(15))
		if err != nil {
			t.Fatalf("reschedule failed: %v", err)
		}
		if !moved.StartsAt.Equal(slotAt(15)) {
			t.Errorf("moved to %s, want 15:00", moved.StartsAt)
		}

		old, err := svc.GetAppointment(ctx, appt.ID, subjectActor)
		if err != nil {
			t.Fatalf("load old appointment: %v", err)
		}
		if old.Status != StatusCancelled {
			t.Errorf("old status = %s, want cancelled", old.Status)
		}
	})

	t.Run("conflict keeps original", func(t *testing.T) {
		svc, repo := newTestService(t)
		repo.subjects[201] = Subject{ID: 201}

		appt := mustBook(t, svc, bookReq(11))
		other := bookReq(15)
		other.SubjectID = 201
		mustBook(t, svc, other)

		if _, err := svc.Reschedule(ctx, appt.ID, subjectActor, slotAt(15)); !errors.Is(err, ErrSlotAlreadyBooked) {
			t.Fatalf("err = %v, want ErrSlotAlreadyBooked", err)
		}

		kept, err := svc.GetAppointment(ctx, appt.ID, subjectActor)
		if err != nil {
			t.Fatalf("load appointment: %v", err)
		}
		if kept.Status != StatusBooked {
			t.Errorf("status after failed reschedule = %s, want booked", kept.Status)
		}
	})

	t.Run("cancelled appointment", func(t *testing.T) {
		svc, _ := newTestService(t)
		appt := mustBook(t, svc, bookReq(11))
		if _, err := svc.Cancel(ctx, appt.ID, subjectActor); err != nil {
			t.Fatalf("cancel failed: %v", err)
		}

		if _, err := svc.Reschedule(ctx, appt.ID, subjectActor, slotAt(15)); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("err = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("invalid target slot", func(t *testing.T) {
		svc, _ := newTestService(t)
		appt := mustBook(t, svc, bookReq(11))

		if _, err := svc.Reschedule(ctx, appt.ID, subjectActor, slotAt(14)); !errors.Is(err, ErrOutsideAvailability) {
			t.Fatalf("err = %v, want ErrOutsideAvailability", err)
		}
	})
}

func TestPlanDay(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustBook(t, svc, bookReq(11))

	slots, err := svc.PlanDay(ctx, testProviderID, testNow)
	if err != nil {
		t.Fatalf("plan day failed: %v", err)
	}
	// Two windows of 4h at 120m granularity.
	if len(slots) != 4 {
		t.Fatalf("expected 4 slots, got %d", len(slots))
	}

	var occupied int
	for _, s := range slots {
		if s.Occupied {
			occupied++
			if !s.Start.Equal(slotAt(11)) {
				t.Errorf("occupied slot at %s, want 11:00", s.Start)
			}
		}
	}
	if occupied != 1 {
		t.Errorf("occupied slots = %d, want 1", occupied)
	}
}

func TestSetAvailability(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	d := testNow.Truncate(24 * time.Hour).AddDate(0, 0, 7)

	windows := []AvailabilityWindow{
		{StartsAt: d.Add(9 * time.Hour), EndsAt: d.Add(13 * time.Hour), Open: true},
	}

	if _, err := svc.SetAvailability(ctx, Actor{Role: RoleSubject, ID: 1}, testProviderID, windows); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("subject set availability: err = %v, want ErrUnauthorized", err)
	}

	saved, err := svc.SetAvailability(ctx, Actor{Role: RoleProvider, ID: testProviderID}, testProviderID, windows)
	if err != nil {
		t.Fatalf("set availability failed: %v", err)
	}
	if len(saved) != 1 || saved[0].ProviderID != testProviderID {
		t.Fatalf("saved = %+v", saved)
	}

	bad := []AvailabilityWindow{{StartsAt: d.Add(13 * time.Hour), EndsAt: d.Add(9 * time.Hour), Open: true}}
	if _, err := svc.SetAvailability(ctx, Actor{Role: RoleProvider, ID: testProviderID}, testProviderID, bad); err == nil {
		t.Fatal("inverted window must be rejected")
	}
}

func TestImportWeeklyRules(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rules := []WeeklyRule{
		{Weekday: time.Monday, Start: 9 * time.Hour, End: 13 * time.Hour, Open: true},
	}
	from := testNow.AddDate(0, 0, 7)
	to := testNow.AddDate(0, 0, 20)

	saved, err := svc.ImportWeeklyRules(ctx, Actor{Role: RoleAdmin, ID: 1}, testProviderID, rules, from, to)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	// Two Mondays fall in a two-week range.
	if len(saved) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(saved))
	}
	for _, w := range saved {
		if w.ProviderID != testProviderID {
			t.Errorf("window provider = %d, want %d", w.ProviderID, testProviderID)
		}
		if w.StartsAt.Weekday() != time.Monday {
			t.Errorf("window on %s, want Monday", w.StartsAt.Weekday())
		}
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	got  []Event
	fail bool
}

func (n *recordingNotifier) Notify(_ context.Context, ev Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("delivery refused")
	}
	n.got = append(n.got, ev)
	return nil
}

func TestRelayEvents(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	appt := mustBook(t, svc, bookReq(11))
	if _, err := svc.Cancel(ctx, appt.ID, Actor{Role: RoleSubject, ID: testSubjectID}); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	n := &recordingNotifier{}
	published, err := svc.RelayEvents(ctx, n)
	if err != nil {
		t.Fatalf("relay failed: %v", err)
	}
	if published != 2 || len(n.got) != 2 {
		t.Fatalf("published %d events, notifier saw %d, want 2", published, len(n.got))
	}
	if n.got[0].EventType != EventAppointmentBooked || n.got[1].EventType != EventAppointmentCancelled {
		t.Errorf("event order = %s, %s", n.got[0].EventType, n.got[1].EventType)
	}

	// Nothing left to relay.
	published, err = svc.RelayEvents(ctx, n)
	if err != nil {
		t.Fatalf("second relay failed: %v", err)
	}
	if published != 0 {
		t.Errorf("second relay published %d, want 0", published)
	}
}

func TestRelayEventsRetriesFailures(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustBook(t, svc, bookReq(11))

	n := &recordingNotifier{fail: true}
	published, err := svc.RelayEvents(ctx, n)
	if err != nil {
		t.Fatalf("relay failed: %v", err)
	}
	if published != 0 {
		t.Fatalf("published %d with failing notifier, want 0", published)
	}

	// The event stays unpublished and goes out on the next poll.
	n.fail = false
	published, err = svc.RelayEvents(ctx, n)
	if err != nil {
		t.Fatalf("retry relay failed: %v", err)
	}
	if published != 1 {
		t.Fatalf("retry published %d, want 1", published)
	}
}
