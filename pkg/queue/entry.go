package queue

import "time"

type DoctorId string

// Patient is what a caller submits to join a provider's queue.
type Patient struct {
	PatientName   string `json:"patient_name"`
	ContactNumber int64  `json:"contact_number"`
	TimeSlot      string `json:"time_slot"`
}

// Entry is one waiting patient. Position and estimate are derived from
// the entry's place in the queue and rewritten whenever the queue
// shifts.
type Entry struct {
	Id            string   `json:"_id"`
	DoctorId      DoctorId `json:"doctor_id"`
	PatientName   string   `json:"patient_name"`
	ContactNumber int64    `json:"contact_number"`
	TimeSlot      string   `json:"time_slot"`

	// 1-based, head of the queue is 1.
	QueuePosition int `json:"queue_position"`

	// Minutes until this patient is expected to be seen.
	EstimatedTime int `json:"estimated_time"`

	// The time when entry joined the queue.
	joinTime time.Time

	// The time when entry became head of the queue. Zero while someone
	// is still in front of it.
	headTime time.Time
}
