package queue

import (
	"time"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
)

type Stats struct {
	// Avg time a patient spends at the head of the queue before the
	// provider moves on. Calculated by a fixed size sliding window,
	// starts from the provider's configured consultation time.
	AvgConsultationDuration time.Duration

	// Number of consultations in the window.
	Observed int

	// A fixed size sliding window for calculating average
	// consultation time.
	consultationWindow *linkedlistqueue.Queue

	windowSize int
}

// StatsSnapshot is a copy of a provider's stats safe to hand out of the
// queue worker.
type StatsSnapshot struct {
	DoctorId            DoctorId `json:"doctor_id"`
	QueueLength         int      `json:"queue_length"`
	AvgConsultationMsec int64    `json:"avg_consultation_msec"`
	Observed            int      `json:"observed_consultations"`

	// How long the current head has been waiting since it joined.
	LongestWaitMsec int64 `json:"longest_wait_msec"`
}

func newStats(initAvgConsultation time.Duration, windowSize int) *Stats {
	return &Stats{
		AvgConsultationDuration: initAvgConsultation,
		consultationWindow:      linkedlistqueue.New(),
		windowSize:              windowSize,
	}
}

func (s *Stats) updateAvgConsultation(durations []time.Duration) {
	if durations == nil {
		return
	}

	for _, value := range durations {
		if s.consultationWindow.Size() >= s.windowSize {
			s.consultationWindow.Dequeue()
		}
		s.consultationWindow.Enqueue(value)
	}

	if s.consultationWindow.Size() <= 0 {
		return
	}

	it := s.consultationWindow.Iterator()
	var totalDuration time.Duration
	for it.Next() {
		totalDuration += it.Value().(time.Duration)
	}

	s.Observed = s.consultationWindow.Size()
	s.AvgConsultationDuration = totalDuration / time.Duration(s.consultationWindow.Size())
}
