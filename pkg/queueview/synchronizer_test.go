package queueview

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"urban-assist/urban-assist-queue-server/pkg/availability"
	"urban-assist/urban-assist-queue-server/pkg/infra"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeServer speaks the queue server's REST and push protocol for a
// single provider.
type fakeServer struct {
	t      *testing.T
	server *httptest.Server

	mu            sync.Mutex
	queue         []QueueEntry
	conns         []*websocket.Conn
	refuseUpgrade bool
	authHeaders   []string

	fetches       atomic.Int32
	nexts         atomic.Int32
	availabilitys atomic.Int32
	upgrades      atomic.Int32

	// Optional overrides.
	onFetch        func(n int32, w http.ResponseWriter) bool
	onAvailability func(w http.ResponseWriter, body map[string]interface{})
}

func newFakeServer(t *testing.T, names ...string) *fakeServer {
	f := &fakeServer{t: t}
	for i, name := range names {
		f.queue = append(f.queue, QueueEntry{
			Id:                   name,
			DoctorId:             "doc-1",
			PatientName:          name,
			ContactNumber:        int64(100 + i),
			EstimatedTimeMinutes: (i + 1) * 10,
		})
	}

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/doctors/doc-1/queue/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
		f.mu.Unlock()

		n := f.fetches.Add(1)
		f.mu.Lock()
		onFetch := f.onFetch
		f.mu.Unlock()
		if onFetch != nil && onFetch(n, w) {
			return
		}
		f.mu.Lock()
		queue := append([]QueueEntry{}, f.queue...)
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]interface{}{"queue": queue})
	})
	mux.HandleFunc("/doctors/doc-1/queue/next/", func(w http.ResponseWriter, r *http.Request) {
		f.nexts.Add(1)
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.queue) == 0 {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"detail": "no patients in the queue"})
			return
		}
		f.queue = f.queue[1:]
		writeJSON(w, http.StatusOK, map[string]interface{}{"message": "Moved to the next patient"})
	})
	mux.HandleFunc("/doctors/doc-1/availability/", func(w http.ResponseWriter, r *http.Request) {
		f.availabilitys.Add(1)
		body := map[string]interface{}{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		onAvailability := f.onAvailability
		f.mu.Unlock()
		if onAvailability != nil {
			onAvailability(w, body)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"message": "Availability set for doctor doc-1"})
	})
	mux.HandleFunc("/doctors/doc-1/queue/ws/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		refuse := f.refuseUpgrade
		f.mu.Unlock()
		if refuse {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.upgrades.Add(1)
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()

		// Drain until the client goes away.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (f *fakeServer) lastConn() *websocket.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(f.t, f.conns)
	return f.conns[len(f.conns)-1]
}

func (f *fakeServer) notify(payload string) {
	require.NoError(f.t, f.lastConn().WriteMessage(websocket.TextMessage, []byte(payload)))
}

// dropConnection kills the socket without a close frame.
func (f *fakeServer) dropConnection() {
	f.lastConn().UnderlyingConn().Close()
}

func (f *fakeServer) setOnFetch(fn func(n int32, w http.ResponseWriter) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFetch = fn
}

func (f *fakeServer) setOnAvailability(fn func(w http.ResponseWriter, body map[string]interface{})) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onAvailability = fn
}

func (f *fakeServer) setRefuseUpgrade(refuse bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refuseUpgrade = refuse
}

func (f *fakeServer) setQueue(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = nil
	for i, name := range names {
		f.queue = append(f.queue, QueueEntry{Id: name, PatientName: name, ContactNumber: int64(100 + i)})
	}
}

type recorder struct {
	mu        sync.Mutex
	snapshots []Snapshot
	errs      []error
	states    []State
	saved     []AvailabilityConfig
}

func (r *recorder) options(opts Options) Options {
	opts.OnSnapshot = func(s Snapshot) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.snapshots = append(r.snapshots, s)
	}
	opts.OnError = func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.errs = append(r.errs, err)
	}
	opts.OnStateChange = func(s State) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.states = append(r.states, s)
	}
	opts.OnAvailabilitySaved = func(cfg AvailabilityConfig) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.saved = append(r.saved, cfg)
	}
	return opts
}

func (r *recorder) snapshotCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func names(s Snapshot) []string {
	result := make([]string, 0, len(s.Entries))
	for _, entry := range s.Entries {
		result = append(result, entry.PatientName)
	}
	return result
}

func setupTestSynchronizer(t *testing.T, f *fakeServer, opts Options) (*Synchronizer, *recorder) {
	rec := &recorder{}
	opts.BaseURL = f.server.URL
	if opts.ReconnectInterval == 0 {
		opts.ReconnectInterval = 10 * time.Millisecond
		opts.MaxReconnectInterval = 50 * time.Millisecond
	}

	s := New(rec.options(opts), infra.NewLoggerFactory(zaptest.NewLogger(t)))
	t.Cleanup(func() { s.Close() })
	return s, rec
}

func openTestSynchronizer(t *testing.T, f *fakeServer, opts Options) (*Synchronizer, *recorder) {
	s, rec := setupTestSynchronizer(t, f, opts)
	require.NoError(t, s.Open(context.Background(), "doc-1"))
	require.Eventually(t, func() bool { return f.upgrades.Load() > 0 }, time.Second, 5*time.Millisecond)
	return s, rec
}

func TestOpen_InitialFetch(t *testing.T) {
	f := newFakeServer(t, "A", "B")
	s, rec := openTestSynchronizer(t, f, Options{})

	assert.Equal(t, StateOpen, s.State())
	snapshot := s.Snapshot()
	assert.Equal(t, []string{"A", "B"}, names(snapshot))
	assert.Equal(t, 1, snapshot.Entries[0].Position)
	assert.Equal(t, 2, snapshot.Entries[1].Position)
	assert.Equal(t, 20, snapshot.Entries[1].EstimatedTimeMinutes)
	assert.Equal(t, 1, rec.snapshotCount())
	assert.NoError(t, s.Err())
}

func TestOpen_EmptyProvider(t *testing.T) {
	f := newFakeServer(t)
	s, _ := setupTestSynchronizer(t, f, Options{})

	assert.ErrorIs(t, s.Open(context.Background(), " "), ErrInvalidProvider)
	assert.Zero(t, f.upgrades.Load())
	assert.Zero(t, f.fetches.Load())
}

func TestOpen_Twice(t *testing.T) {
	f := newFakeServer(t)
	s, _ := openTestSynchronizer(t, f, Options{})

	assert.ErrorIs(t, s.Open(context.Background(), "doc-1"), ErrAlreadyOpen)
}

func TestOpen_DialFailure(t *testing.T) {
	f := newFakeServer(t)
	f.setRefuseUpgrade(true)
	s, _ := setupTestSynchronizer(t, f, Options{})

	err := s.Open(context.Background(), "doc-1")
	assert.ErrorIs(t, err, ErrChannel)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, "WebSocket connection error", s.Err().Error())
	assert.ErrorIs(t, s.Refresh(context.Background()), ErrNotOpen)
	assert.ErrorIs(t, s.AdvanceQueue(context.Background()), ErrNotOpen)
	assert.Zero(t, f.fetches.Load())

	// A failed open leaves the view reusable.
	f.setRefuseUpgrade(false)
	require.NoError(t, s.Open(context.Background(), "doc-1"))
	assert.Equal(t, StateOpen, s.State())
	assert.Equal(t, int32(1), f.fetches.Load())
}

func TestOpen_FetchFailureIsSurfaced(t *testing.T) {
	f := newFakeServer(t)
	f.setOnFetch(func(n int32, w http.ResponseWriter) bool {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"detail": "Doctor not found"})
		return true
	})
	s, _ := openTestSynchronizer(t, f, Options{})

	assert.Equal(t, StateOpen, s.State())
	assert.Empty(t, s.Snapshot().Entries)
	var apiErr *APIError
	require.ErrorAs(t, s.Err(), &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "Doctor not found", apiErr.Error())
}

func TestNotification_TriggersRefresh(t *testing.T) {
	f := newFakeServer(t, "A")
	s, _ := openTestSynchronizer(t, f, Options{})

	f.setQueue("A", "C")
	f.notify(`{"eventCode":1000,"eventData":{"doctor_id":"doc-1","action":"add_to_queue"}}`)

	assert.Eventually(t, func() bool {
		return len(s.Snapshot().Entries) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A", "C"}, names(s.Snapshot()))
}

func TestNotification_UnparseablePayload(t *testing.T) {
	f := newFakeServer(t, "A")
	s, _ := openTestSynchronizer(t, f, Options{})
	before := f.fetches.Load()

	f.setQueue()
	f.notify("{{not json")

	assert.Eventually(t, func() bool {
		return f.fetches.Load() == before+1 && len(s.Snapshot().Entries) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestNotification_BurstSettlesOnLatest(t *testing.T) {
	f := newFakeServer(t, "A")
	s, _ := openTestSynchronizer(t, f, Options{})
	before := f.fetches.Load()

	f.setQueue("A", "B", "C")
	for i := 0; i < 10; i++ {
		f.notify("queue changed")
	}

	require.Eventually(t, func() bool {
		return f.fetches.Load() == before+10
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(s.Snapshot().Entries) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A", "B", "C"}, names(s.Snapshot()))
}

func TestRefresh_StaleResponseDiscarded(t *testing.T) {
	f := newFakeServer(t, "A")
	s, rec := openTestSynchronizer(t, f, Options{})
	initial := f.fetches.Load()

	release := make(chan struct{})
	newerDone := make(chan struct{})
	f.setOnFetch(func(n int32, w http.ResponseWriter) bool {
		switch n {
		case initial + 1:
			// Older fetch answers last, with outdated data.
			<-release
			writeJSON(w, http.StatusOK, map[string]interface{}{"queue": []QueueEntry{{PatientName: "stale"}}})
		case initial + 2:
			writeJSON(w, http.StatusOK, map[string]interface{}{"queue": []QueueEntry{{PatientName: "fresh"}}})
		default:
			return false
		}
		return true
	})

	olderDone := make(chan error, 1)
	go func() { olderDone <- s.Refresh(context.Background()) }()
	require.Eventually(t, func() bool { return f.fetches.Load() == initial+1 }, time.Second, 5*time.Millisecond)

	go func() {
		assert.NoError(t, s.Refresh(context.Background()))
		close(newerDone)
	}()
	<-newerDone
	close(release)
	require.NoError(t, <-olderDone)

	snapshot := s.Snapshot()
	assert.Equal(t, []string{"fresh"}, names(snapshot))
	assert.Equal(t, uint64(initial+2), snapshot.Generation)

	rec.mu.Lock()
	last := rec.snapshots[len(rec.snapshots)-1]
	rec.mu.Unlock()
	assert.Equal(t, []string{"fresh"}, names(last))
}

func TestAdvanceQueue(t *testing.T) {
	f := newFakeServer(t, "A", "B")
	s, _ := openTestSynchronizer(t, f, Options{})

	require.NoError(t, s.AdvanceQueue(context.Background()))

	snapshot := s.Snapshot()
	require.Len(t, snapshot.Entries, 1)
	assert.Equal(t, "B", snapshot.Entries[0].PatientName)
	assert.Equal(t, 1, snapshot.Entries[0].Position)
	assert.Equal(t, int32(1), f.nexts.Load())
}

func TestAdvanceQueue_EmptyQueue(t *testing.T) {
	f := newFakeServer(t)
	s, _ := openTestSynchronizer(t, f, Options{})
	before := f.fetches.Load()

	err := s.AdvanceQueue(context.Background())
	require.Error(t, err)
	assert.Equal(t, "no patients in the queue", err.Error())
	assert.Equal(t, err, s.Err())
	// No refetch after a failed advance.
	assert.Equal(t, before, f.fetches.Load())
}

func TestAdvanceQueue_TransportFailure(t *testing.T) {
	f := newFakeServer(t, "A")
	s, _ := openTestSynchronizer(t, f, Options{DisableReconnect: true})
	f.server.CloseClientConnections()
	f.server.Close()

	err := s.AdvanceQueue(context.Background())
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "Failed to move to the next patient", err.Error())
}

func TestAdvanceQueue_NotOpen(t *testing.T) {
	f := newFakeServer(t)
	s, _ := setupTestSynchronizer(t, f, Options{})

	assert.ErrorIs(t, s.AdvanceQueue(context.Background()), ErrNotOpen)
	assert.Zero(t, f.nexts.Load())
}

func validAvailability() AvailabilityConfig {
	return AvailabilityConfig{
		Day:                 "Monday",
		TimeSlots:           []string{"9:00", "10:00"},
		Available:           true,
		MaxPatients:         5,
		AvgConsultationTime: 10,
	}
}

func TestSubmitAvailability(t *testing.T) {
	f := newFakeServer(t)
	bodies := make(chan map[string]interface{}, 1)
	f.setOnAvailability(func(w http.ResponseWriter, body map[string]interface{}) {
		bodies <- body
		writeJSON(w, http.StatusOK, map[string]interface{}{"message": "Availability set for doctor doc-1"})
	})
	s, rec := openTestSynchronizer(t, f, Options{})

	s.BeginAvailabilityEdit()
	require.True(t, s.EditingAvailability())

	require.NoError(t, s.SubmitAvailability(context.Background(), validAvailability()))
	assert.False(t, s.EditingAvailability())
	assert.Len(t, rec.saved, 1)

	received := <-bodies
	assert.Equal(t, "Monday", received["day"])
	assert.Equal(t, []interface{}{"9:00", "10:00"}, received["time_slots"])
	assert.Equal(t, true, received["Available"])
	assert.Equal(t, float64(5), received["max_patients"])
	assert.Equal(t, float64(10), received["avg_consultation_time"])
}

func TestSubmitAvailability_MissingField(t *testing.T) {
	f := newFakeServer(t)
	s, rec := openTestSynchronizer(t, f, Options{})
	s.BeginAvailabilityEdit()

	cfg := validAvailability()
	cfg.Day = ""
	err := s.SubmitAvailability(context.Background(), cfg)

	var validationErr *availability.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Zero(t, f.availabilitys.Load())
	assert.True(t, s.EditingAvailability())
	assert.Empty(t, rec.saved)

	cfg = validAvailability()
	cfg.TimeSlots = []string{"9:00", ""}
	assert.Error(t, s.SubmitAvailability(context.Background(), cfg))
	assert.Zero(t, f.availabilitys.Load())
}

func TestSubmitAvailability_ServerFieldErrors(t *testing.T) {
	f := newFakeServer(t)
	f.setOnAvailability(func(w http.ResponseWriter, body map[string]interface{}) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"detail": []map[string]interface{}{
				{"loc": []string{"body", "day"}, "msg": "field required"},
				{"loc": []string{"body", "time_slots"}, "msg": "value is not a valid list"},
			},
		})
	})
	s, rec := openTestSynchronizer(t, f, Options{})
	s.BeginAvailabilityEdit()

	err := s.SubmitAvailability(context.Background(), validAvailability())
	require.Error(t, err)
	assert.Equal(t, "field required, value is not a valid list", err.Error())
	assert.True(t, s.EditingAvailability())
	assert.Empty(t, rec.saved)
}

func TestSubmitAvailability_UnknownErrorBody(t *testing.T) {
	f := newFakeServer(t)
	f.setOnAvailability(func(w http.ResponseWriter, body map[string]interface{}) {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "boom"})
	})
	s, _ := openTestSynchronizer(t, f, Options{})

	err := s.SubmitAvailability(context.Background(), validAvailability())
	require.Error(t, err)
	assert.Equal(t, "Failed to set availability", err.Error())
}

func TestClose_DuringInFlightFetch(t *testing.T) {
	f := newFakeServer(t, "A")
	s, rec := openTestSynchronizer(t, f, Options{})
	initial := f.fetches.Load()
	delivered := rec.snapshotCount()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f.setOnFetch(func(n int32, w http.ResponseWriter) bool {
		<-release
		return false
	})

	f.setQueue("B")
	f.notify("changed")
	require.Eventually(t, func() bool { return f.fetches.Load() == initial+1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, []string{"A"}, names(s.Snapshot()))
	assert.Equal(t, delivered, rec.snapshotCount())

	// Idempotent.
	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.Refresh(context.Background()), ErrClosed)
}

func TestClose_ServerClose(t *testing.T) {
	f := newFakeServer(t)
	s, _ := openTestSynchronizer(t, f, Options{})

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, f.lastConn().WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	assert.Eventually(t, func() bool { return s.State() == StateClosed }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), f.upgrades.Load())
}

func TestReconnect_RefreshesAfterReconnect(t *testing.T) {
	f := newFakeServer(t, "A")
	s, rec := openTestSynchronizer(t, f, Options{})
	before := f.fetches.Load()

	f.setQueue("A", "B")
	f.dropConnection()

	require.Eventually(t, func() bool {
		return f.upgrades.Load() == 2 && s.State() == StateOpen
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return f.fetches.Load() > before && len(s.Snapshot().Entries) == 2
	}, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Contains(t, rec.states, StateReconnecting)
	assert.Contains(t, rec.errs, ErrChannel)
}

func TestReconnect_GivesUp(t *testing.T) {
	f := newFakeServer(t)
	s, _ := openTestSynchronizer(t, f, Options{MaxReconnectAttempts: 2})

	f.setRefuseUpgrade(true)
	f.dropConnection()

	require.Eventually(t, func() bool { return s.State() == StateClosed }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.Err(), ErrChannel)
	assert.Equal(t, int32(1), f.upgrades.Load())
}

func TestSession(t *testing.T) {
	f := newFakeServer(t)
	session := NewSession("token-1", 9876543210)
	s, _ := openTestSynchronizer(t, f, Options{Session: session})

	f.mu.Lock()
	assert.Contains(t, f.authHeaders, "Bearer token-1")
	f.mu.Unlock()

	session.End()
	assert.False(t, session.Active())
	assert.ErrorIs(t, s.Refresh(context.Background()), ErrSessionEnded)

	other, _ := setupTestSynchronizer(t, f, Options{Session: session})
	assert.ErrorIs(t, other.Open(context.Background(), "doc-1"), ErrSessionEnded)
}

func TestBuildWebSocketURL(t *testing.T) {
	tests := []struct {
		base     string
		doctorId string
		want     string
		wantErr  bool
	}{
		{base: "http://localhost:8000", want: "ws://localhost:8000/doctors/doc-1/queue/ws/"},
		{base: "https://api.example.com/", want: "wss://api.example.com/doctors/doc-1/queue/ws/"},
		{base: "https://api.example.com/v1", want: "wss://api.example.com/v1/doctors/doc-1/queue/ws/"},
		{base: "http://localhost:8000", doctorId: "doc/1", want: "ws://localhost:8000/doctors/doc%2F1/queue/ws/"},
		{base: "http://localhost:8000/api%20v1", doctorId: "doc 1", want: "ws://localhost:8000/api%20v1/doctors/doc%201/queue/ws/"},
		{base: "ftp://example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.base+"/"+tt.doctorId, func(t *testing.T) {
			doctorId := tt.doctorId
			if doctorId == "" {
				doctorId = "doc-1"
			}
			got, err := buildWebSocketURL(tt.base, doctorId)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestErrorBody(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "string", body: `{"detail":"Doctor not found"}`, want: "Doctor not found"},
		{name: "list", body: `{"detail":[{"msg":"a"},{"msg":"b"}]}`, want: "a, b"},
		{name: "missing", body: `{}`, want: "Failed to fetch queue status"},
		{name: "unknown shape", body: `{"detail":42}`, want: "Failed to fetch queue status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body errorBody
			require.NoError(t, json.Unmarshal([]byte(tt.body), &body))
			assert.Equal(t, tt.want, body.apiError(http.StatusBadRequest, "fetch queue status").Error())
		})
	}
}
