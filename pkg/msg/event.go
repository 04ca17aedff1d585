package msg

type EventCode uint

const (
	QueueUpdateCode EventCode = 1000
)

type QueueAction string

const (
	JoinAction         QueueAction = "add_to_queue"
	NextAction         QueueAction = "next_patient"
	CancelAction       QueueAction = "cancel_appointment"
	AvailabilityAction QueueAction = "set_availability"
)

// Sent to every subscriber of a provider after its queue changed.
// Subscribers are expected to refetch, the queue here is informative.
type QueueUpdateServerEvent struct {
	DoctorId string      `json:"doctor_id"`
	Action   QueueAction `json:"action"`
	Queue    interface{} `json:"queue,omitempty"`
}
