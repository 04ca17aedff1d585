package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"urban-assist/urban-assist-queue-server/pkg/config"
	"urban-assist/urban-assist-queue-server/pkg/infra"
	"urban-assist/urban-assist-queue-server/pkg/msg"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrQueueEmpty      = errors.New("no patients in the queue")
	ErrPatientNotFound = errors.New("patient not found in the queue")
	ErrAlreadyQueued   = errors.New("patient is already in the queue")
	ErrInvalidPatient  = errors.New("patient name and contact number are required")
	ErrStopped         = errors.New("queue is stopped")
)

// AvgConsultationSource gives the configured consultation length of a
// provider the first time the queue sees it.
type AvgConsultationSource interface {
	AvgConsultation(ctx context.Context, doctorId string) (time.Duration, error)
}

// Update is published after every change to a provider's queue.
type Update struct {
	DoctorId DoctorId
	Action   msg.QueueAction
	Queue    []Entry
}

type reply struct {
	queue []Entry
	entry *Entry
	stats StatsSnapshot
	err   error
}

type request struct {
	doctorId        DoctorId
	patient         *Patient
	contactNumber   int64
	avgConsultation time.Duration
	reply           chan reply
}

type doctorQueue struct {
	doctorId DoctorId

	// Waiting patients in arrival order. It's implemented as
	// linkedhashmap since we want to find entries through contact
	// number for cancel and lookup, but at the same time we want to
	// keep the insert order so the head is always the earliest.
	// Key value: contactNumber -> entry.
	entries *linkedhashmap.Map

	avgConsultation time.Duration

	stats *Stats
}

type Queue struct {
	// Join queue request from handlers.
	join chan *request

	// Move a provider's queue to its next patient.
	next chan *request

	// Remove a patient from a provider's queue.
	cancel chan *request

	// Read a provider's queue or one entry of it.
	status chan *request
	find   chan *request

	// Change a provider's consultation length.
	configure chan *request

	stats chan *request

	// Notify hub that a provider's queue changed.
	NotifyUpdate chan *Update

	// Per provider queues. Only touched by queueWorker.
	doctors map[DoctorId]*doctorQueue

	consultation AvgConsultationSource

	done     chan struct{}
	stopOnce sync.Once
	worker   sync.WaitGroup

	config *config.Config

	logger *zap.SugaredLogger
}

func ProvideQueue(consultation AvgConsultationSource, config *config.Config, loggerFactory *infra.LoggerFactory) *Queue {
	return &Queue{
		join:         make(chan *request, 1024),
		next:         make(chan *request, 1024),
		cancel:       make(chan *request, 1024),
		status:       make(chan *request, 1024),
		find:         make(chan *request, 1024),
		configure:    make(chan *request, 1024),
		stats:        make(chan *request, 1024),
		NotifyUpdate: make(chan *Update, 1024),
		doctors:      make(map[DoctorId]*doctorQueue),

		consultation: consultation,
		done:         make(chan struct{}),
		config:       config,
		logger:       loggerFactory.Create("Queue").Sugar(),
	}
}

func (q *Queue) Run() {
	q.worker.Add(1)
	go func() {
		defer q.worker.Done()
		q.queueWorker()
	}()
}

// Stop returns once the worker has exited. Pending calls fail with
// ErrStopped.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.done)
		q.worker.Wait()
	})
}

func (q *Queue) Join(ctx context.Context, doctorId DoctorId, patient *Patient) (*Entry, error) {
	if patient == nil || patient.PatientName == "" || patient.ContactNumber == 0 {
		return nil, ErrInvalidPatient
	}
	r, err := q.call(ctx, q.join, &request{doctorId: doctorId, patient: patient})
	return r.entry, err
}

func (q *Queue) Next(ctx context.Context, doctorId DoctorId) ([]Entry, error) {
	r, err := q.call(ctx, q.next, &request{doctorId: doctorId})
	return r.queue, err
}

func (q *Queue) Cancel(ctx context.Context, doctorId DoctorId, contactNumber int64) ([]Entry, error) {
	r, err := q.call(ctx, q.cancel, &request{doctorId: doctorId, contactNumber: contactNumber})
	return r.queue, err
}

func (q *Queue) Status(ctx context.Context, doctorId DoctorId) ([]Entry, error) {
	r, err := q.call(ctx, q.status, &request{doctorId: doctorId})
	return r.queue, err
}

func (q *Queue) Find(ctx context.Context, doctorId DoctorId, contactNumber int64) (*Entry, error) {
	r, err := q.call(ctx, q.find, &request{doctorId: doctorId, contactNumber: contactNumber})
	return r.entry, err
}

func (q *Queue) Configure(ctx context.Context, doctorId DoctorId, avgConsultation time.Duration) ([]Entry, error) {
	r, err := q.call(ctx, q.configure, &request{doctorId: doctorId, avgConsultation: avgConsultation})
	return r.queue, err
}

func (q *Queue) Stats(ctx context.Context, doctorId DoctorId) (StatsSnapshot, error) {
	r, err := q.call(ctx, q.stats, &request{doctorId: doctorId})
	return r.stats, err
}

func (q *Queue) call(ctx context.Context, ch chan<- *request, req *request) (reply, error) {
	req.reply = make(chan reply, 1)

	select {
	case ch <- req:
	case <-q.done:
		return reply{}, ErrStopped
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}

	select {
	case r := <-req.reply:
		return r, r.err
	case <-q.done:
		return reply{}, ErrStopped
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// Don't need lock on entries and doctor queues since only 1 goroutine
// will access them.
func (q *Queue) queueWorker() {
	ticker := time.NewTicker(time.Duration(*q.config.NotifyStatsIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			q.logger.Infof("queue worker stopped")
			return

		case req := <-q.join:
			d := q.getOrCreate(req.doctorId)
			if _, exists := d.entries.Get(req.patient.ContactNumber); exists {
				q.logger.Infof("reject join doctorId[%v] contactNumber[%v] already queued", req.doctorId, req.patient.ContactNumber)
				queueOperations.WithLabelValues("join", "conflict").Inc()
				req.reply <- reply{err: ErrAlreadyQueued}
				continue
			}

			entry := d.push(req.patient)
			q.logger.Infof("inserted new entry[%+v]", entry)
			queueOperations.WithLabelValues("join", "success").Inc()

			copied := *entry
			req.reply <- reply{entry: &copied}
			q.publish(d, msg.JoinAction)

		case req := <-q.next:
			d := q.getOrCreate(req.doctorId)
			entry, ok := d.pop()
			if !ok {
				queueOperations.WithLabelValues("next", "empty").Inc()
				req.reply <- reply{err: ErrQueueEmpty}
				continue
			}

			consultation := time.Since(entry.headTime)
			d.stats.updateAvgConsultation([]time.Duration{consultation})
			q.logger.Infof("moved to next patient doctorId[%v] done entry[%+v] consultation[%v]", req.doctorId, entry, consultation)
			queueOperations.WithLabelValues("next", "success").Inc()

			req.reply <- reply{queue: d.snapshot()}
			q.publish(d, msg.NextAction)

		case req := <-q.cancel:
			d := q.getOrCreate(req.doctorId)
			entry, ok := d.remove(req.contactNumber)
			if !ok {
				queueOperations.WithLabelValues("cancel", "not_found").Inc()
				req.reply <- reply{err: ErrPatientNotFound}
				continue
			}

			q.logger.Infof("cancelled entry[%+v]", entry)
			queueOperations.WithLabelValues("cancel", "success").Inc()

			req.reply <- reply{queue: d.snapshot()}
			q.publish(d, msg.CancelAction)

		case req := <-q.status:
			d, ok := q.doctors[req.doctorId]
			if !ok {
				req.reply <- reply{queue: []Entry{}}
				continue
			}
			req.reply <- reply{queue: d.snapshot()}

		case req := <-q.find:
			d, ok := q.doctors[req.doctorId]
			if !ok {
				req.reply <- reply{err: ErrPatientNotFound}
				continue
			}
			value, ok := d.entries.Get(req.contactNumber)
			if !ok {
				req.reply <- reply{err: ErrPatientNotFound}
				continue
			}
			copied := *value.(*Entry)
			req.reply <- reply{entry: &copied}

		case req := <-q.configure:
			d := q.getOrCreate(req.doctorId)
			d.avgConsultation = req.avgConsultation
			if d.stats.Observed == 0 {
				d.stats.AvgConsultationDuration = req.avgConsultation
			}
			d.renumber()
			q.logger.Infof("configured doctorId[%v] avgConsultation[%v]", req.doctorId, req.avgConsultation)
			queueOperations.WithLabelValues("configure", "success").Inc()

			req.reply <- reply{queue: d.snapshot()}
			q.publish(d, msg.AvailabilityAction)

		case req := <-q.stats:
			d, ok := q.doctors[req.doctorId]
			if !ok {
				req.reply <- reply{stats: StatsSnapshot{
					DoctorId:            req.doctorId,
					AvgConsultationMsec: q.defaultAvgConsultation().Milliseconds(),
				}}
				continue
			}
			req.reply <- reply{stats: d.statsSnapshot()}

		case <-ticker.C:
			for _, d := range q.doctors {
				stats := d.statsSnapshot()
				queueLength.WithLabelValues(string(d.doctorId)).Set(float64(stats.QueueLength))
				avgConsultationSeconds.WithLabelValues(string(d.doctorId)).Set(d.stats.AvgConsultationDuration.Seconds())
				q.logger.Debugf("current stats[%+v]", stats)
			}
		}
	}
}

func (q *Queue) getOrCreate(doctorId DoctorId) *doctorQueue {
	if d, ok := q.doctors[doctorId]; ok {
		return d
	}

	avgConsultation := q.defaultAvgConsultation()
	if q.consultation != nil {
		ctx, cancel := context.WithTimeout(context.Background(), q.config.RequestTimeout())
		configured, err := q.consultation.AvgConsultation(ctx, string(doctorId))
		cancel()
		if err != nil {
			q.logger.Warnf("cannot get avg consultation for doctorId[%v], using default %v", doctorId, err)
		} else {
			avgConsultation = configured
		}
	}

	d := &doctorQueue{
		doctorId:        doctorId,
		entries:         linkedhashmap.New(),
		avgConsultation: avgConsultation,
		stats:           newStats(avgConsultation, *q.config.ConsultationWindowSize),
	}
	q.doctors[doctorId] = d
	q.logger.Infof("created queue doctorId[%v] avgConsultation[%v]", doctorId, avgConsultation)
	return d
}

func (q *Queue) defaultAvgConsultation() time.Duration {
	return time.Duration(*q.config.DefaultAvgConsultationMinutes) * time.Minute
}

func (q *Queue) publish(d *doctorQueue, action msg.QueueAction) {
	queueLength.WithLabelValues(string(d.doctorId)).Set(float64(d.entries.Size()))

	update := &Update{
		DoctorId: d.doctorId,
		Action:   action,
		Queue:    d.snapshot(),
	}
	select {
	case q.NotifyUpdate <- update:
	default:
		q.logger.Warnf("notifyUpdate is full, dropped update doctorId[%v] action[%v]", d.doctorId, action)
	}
}

func (d *doctorQueue) push(patient *Patient) *Entry {
	now := time.Now()
	entry := &Entry{
		Id:            uuid.NewString(),
		DoctorId:      d.doctorId,
		PatientName:   patient.PatientName,
		ContactNumber: patient.ContactNumber,
		TimeSlot:      patient.TimeSlot,
		joinTime:      now,
	}
	if d.entries.Empty() {
		entry.headTime = now
	}
	d.entries.Put(patient.ContactNumber, entry)
	d.renumber()
	return entry
}

func (d *doctorQueue) pop() (*Entry, bool) {
	it := d.entries.Iterator()
	if !it.First() {
		return nil, false
	}

	entry := it.Value().(*Entry)
	d.entries.Remove(entry.ContactNumber)
	d.markHead()
	d.renumber()
	return entry, true
}

func (d *doctorQueue) remove(contactNumber int64) (*Entry, bool) {
	value, ok := d.entries.Get(contactNumber)
	if !ok {
		return nil, false
	}

	d.entries.Remove(contactNumber)
	d.markHead()
	d.renumber()
	return value.(*Entry), true
}

func (d *doctorQueue) markHead() {
	it := d.entries.Iterator()
	if !it.First() {
		return
	}
	head := it.Value().(*Entry)
	if head.headTime.IsZero() {
		head.headTime = time.Now()
	}
}

func (d *doctorQueue) renumber() {
	minutes := int(d.avgConsultation / time.Minute)
	position := 1
	it := d.entries.Iterator()
	for it.Begin(); it.Next(); {
		entry := it.Value().(*Entry)
		entry.QueuePosition = position
		entry.EstimatedTime = position * minutes
		position++
	}
}

func (d *doctorQueue) snapshot() []Entry {
	entries := make([]Entry, 0, d.entries.Size())
	it := d.entries.Iterator()
	for it.Begin(); it.Next(); {
		entries = append(entries, *it.Value().(*Entry))
	}
	return entries
}

func (d *doctorQueue) statsSnapshot() StatsSnapshot {
	stats := StatsSnapshot{
		DoctorId:            d.doctorId,
		QueueLength:         d.entries.Size(),
		AvgConsultationMsec: d.stats.AvgConsultationDuration.Milliseconds(),
		Observed:            d.stats.Observed,
	}

	// The head joined first, so it has waited the longest.
	it := d.entries.Iterator()
	if it.First() {
		stats.LongestWaitMsec = time.Since(it.Value().(*Entry).joinTime).Milliseconds()
	}
	return stats
}
