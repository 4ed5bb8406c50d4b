package appointment

import (
	"context"
	"errors"
	"time"
)

var (
	ErrProviderNotFound    = errors.New("provider not found")
	ErrSubjectNotFound     = errors.New("subject not found")
	ErrWindowNotFound      = errors.New("availability window not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrOutcomeNotFound     = errors.New("outcome not found")
)

// AppointmentQuery filters history listings. Zero-valued fields are ignored.
type AppointmentQuery struct {
	ProviderID       int64
	SubjectID        int64
	From             time.Time
	To               time.Time
	Status           Status
	ExcludeCancelled bool
	Limit            int
	Offset           int
}

// Repository contains all DB interactions needed by the service.
//
// The write methods that carry an Event must persist the ledger change and the
// outbox row in one transaction: a reader must never observe a booking without
// its event or an event without its booking.
type Repository interface {
	GetProvider(ctx context.Context, id int64) (*Provider, error)
	GetSubject(ctx context.Context, id int64) (*Subject, error)

	// Availability store
	UpsertWindow(ctx context.Context, w AvailabilityWindow) (*AvailabilityWindow, error)
	ListWindows(ctx context.Context, providerID int64, from, to time.Time) ([]AvailabilityWindow, error)
	CloseWindow(ctx context.Context, providerID, windowID int64) error

	// Ledger reads
	GetAppointment(ctx context.Context, id int64) (*Appointment, error)
	ListAppointments(ctx context.Context, q AppointmentQuery) ([]Appointment, error)
	SubjectHasBookingAt(ctx context.Context, subjectID int64, at time.Time) (bool, error)

	// Ledger writes. CreateBooked relies on the storage uniqueness indexes as
	// the authoritative conflict signal; the status transitions are guarded
	// UPDATEs that fail with ErrAppointmentNotFound when the row is no longer
	// in the expected state.
	CreateBooked(ctx context.Context, a Appointment, ev Event) (*Appointment, error)
	TransitionStatus(ctx context.Context, id int64, from, to Status, ev Event) (*Appointment, error)
	CompleteWithOutcome(ctx context.Context, id int64, out Outcome, ev Event) (*Appointment, error)
	Reschedule(ctx context.Context, oldID int64, replacement Appointment, cancelEv, bookEv Event) (*Appointment, error)

	GetOutcome(ctx context.Context, appointmentID int64) (*Outcome, error)

	// Outbox
	FindUnpublishedEvents(ctx context.Context, limit int) ([]Event, error)
	MarkEventPublished(ctx context.Context, id int64, at time.Time) error
}
