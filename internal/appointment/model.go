package appointment

import "time"

type Status string

const (
	StatusBooked    Status = "booked"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no_show"
)

// Role of an already-authorized caller. Authentication happens upstream;
// the engine only sees a role and a numeric identity.
type Role string

const (
	RoleSubject  Role = "subject"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
)

type Actor struct {
	Role Role
	ID   int64
}

type Provider struct {
	ID          int64
	Name        string
	Specialty   string
	Active      bool
	SlotMinutes int // 0 means the deployment default applies
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Subject struct {
	ID          int64
	Name        string
	Blacklisted bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AvailabilityWindow is a dated open interval during which a provider
// accepts bookings. Unique per (provider, start).
type AvailabilityWindow struct {
	ID         int64
	ProviderID int64
	StartsAt   time.Time
	EndsAt     time.Time
	Open       bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Appointment is the ledger row. Slots are materialized on demand, so a row
// always has a subject; there are no placeholder rows.
type Appointment struct {
	ID         int64
	ProviderID int64
	SubjectID  int64
	StartsAt   time.Time
	EndsAt     time.Time
	Status     Status
	Notes      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Outcome is the clinical record attached when an appointment completes.
// One-to-one with its appointment.
type Outcome struct {
	ID            int64
	AppointmentID int64
	Diagnosis     string
	Prescription  string
	Notes         string
	CreatedAt     time.Time
}

// Event is an outbox row written in the same transaction as the ledger write
// it describes. The notify worker relays unpublished rows to the Notifier.
type Event struct {
	ID            int64
	EventType     string
	AppointmentID int64
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

// Slot is one bookable bucket derived from an availability window.
type Slot struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Label    string    `json:"label"`
	Occupied bool      `json:"occupied"`
}

// WeeklyRule is the legacy recurring availability representation
// (weekday plus clock offsets). It is only ever expanded one way into
// dated windows, never consulted live.
type WeeklyRule struct {
	ProviderID int64
	Weekday    time.Weekday
	Start      time.Duration // offset from midnight
	End        time.Duration
	Open       bool
}
