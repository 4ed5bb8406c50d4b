package api

import (
	"time"

	"github.com/aloktripathi1/hospital-management-system/internal/appointment"
)

type BookRequest struct {
	SubjectID  int64  `json:"subject_id"`
	ProviderID int64  `json:"provider_id"`
	Date       string `json:"date"` // 2006-01-02, clinic zone
	Time       string `json:"time"` // 15:04
	Notes      string `json:"notes,omitempty"`
}

type RescheduleRequest struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

type CompleteRequest struct {
	Diagnosis    string `json:"diagnosis"`
	Prescription string `json:"prescription,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

type WindowRequest struct {
	Date  string `json:"date"`
	Start string `json:"start"`
	End   string `json:"end"`
	Open  *bool  `json:"open,omitempty"` // default true
}

type SetAvailabilityRequest struct {
	Windows []WindowRequest `json:"windows"`
}

type WeeklyRuleRequest struct {
	Weekday int    `json:"weekday"` // 0 = Sunday
	Start   string `json:"start"`
	End     string `json:"end"`
	Open    *bool  `json:"open,omitempty"`
}

type ImportWeeklyRequest struct {
	Rules []WeeklyRuleRequest `json:"rules"`
	From  string              `json:"from"`
	To    string              `json:"to"`
}

type AppointmentResponse struct {
	ID         int64     `json:"id"`
	ProviderID int64     `json:"provider_id"`
	SubjectID  int64     `json:"subject_id"`
	StartsAt   time.Time `json:"starts_at"`
	EndsAt     time.Time `json:"ends_at"`
	Status     string    `json:"status"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:         a.ID,
		ProviderID: a.ProviderID,
		SubjectID:  a.SubjectID,
		StartsAt:   a.StartsAt,
		EndsAt:     a.EndsAt,
		Status:     string(a.Status),
		Notes:      a.Notes,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

type DayScheduleResponse struct {
	ProviderID int64              `json:"provider_id"`
	Date       string             `json:"date"`
	Slots      []appointment.Slot `json:"slots"`
}

type WindowResponse struct {
	ID       int64     `json:"id"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
	Open     bool      `json:"open"`
}

type OutcomeResponse struct {
	AppointmentID int64     `json:"appointment_id"`
	Diagnosis     string    `json:"diagnosis"`
	Prescription  string    `json:"prescription,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
