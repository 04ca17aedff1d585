package queueview

import (
	"time"

	"urban-assist/urban-assist-queue-server/pkg/availability"
)

// QueueEntry is one waiting patient as reported by the server.
type QueueEntry struct {
	Id                   string `json:"_id"`
	DoctorId             string `json:"doctor_id"`
	PatientName          string `json:"patient_name"`
	ContactNumber        int64  `json:"contact_number"`
	TimeSlot             string `json:"time_slot"`
	EstimatedTimeMinutes int    `json:"estimated_time"`

	// 1-based place in the server's sequence, never computed from
	// anything else.
	Position int `json:"-"`
}

// Snapshot is the queue of one provider as of one successful fetch.
type Snapshot struct {
	DoctorId   string
	Entries    []QueueEntry
	FetchedAt  time.Time
	Generation uint64
}

func (s Snapshot) Len() int {
	return len(s.Entries)
}

func (s Snapshot) copy() Snapshot {
	entries := make([]QueueEntry, len(s.Entries))
	copy(entries, s.Entries)
	s.Entries = entries
	return s
}

// AvailabilityConfig is what a provider submits from the availability
// editor.
type AvailabilityConfig = availability.Availability
