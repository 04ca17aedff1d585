package queueview

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"urban-assist/urban-assist-queue-server/pkg/availability"
	"urban-assist/urban-assist-queue-server/pkg/infra"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/imroc/req/v3"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout       = 10 * time.Second
	defaultReadTimeout          = 75 * time.Second
	defaultWriteWait            = 10 * time.Second
	defaultMaxReconnectAttempts = 5
	defaultReconnectInterval    = 500 * time.Millisecond
	defaultMaxReconnectInterval = 10 * time.Second
)

type Options struct {
	// REST base url of the queue server, eg. http://localhost:8000.
	// The push channel url is derived from it.
	BaseURL string

	// Optional, built from BaseURL when nil.
	HttpClient *req.Client
	Dialer     *websocket.Dialer

	Session *Session

	// Read deadline of the push channel, extended on every ping.
	ReadTimeout time.Duration

	MaxReconnectAttempts uint64
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	DisableReconnect     bool

	OnSnapshot          func(Snapshot)
	OnError             func(error)
	OnStateChange       func(State)
	OnAvailabilitySaved func(AvailabilityConfig)
}

func (o *Options) setDefaults() {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = defaultReconnectInterval
	}
	if o.MaxReconnectInterval <= 0 {
		o.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.HttpClient == nil {
		o.HttpClient = infra.ProvideHttpClient(o.BaseURL, defaultRequestTimeout, 0)
	}
}

// Synchronizer keeps one provider's queue snapshot consistent with the
// server. Every push notification triggers a full refetch, the payload
// is never trusted.
type Synchronizer struct {
	opts   Options
	http   *req.Client
	logger *zap.SugaredLogger

	// Generation of the latest issued fetch.
	issued atomic.Uint64
	closed atomic.Bool

	mu        sync.Mutex
	doctorId  string
	state     State
	conn      *websocket.Conn
	snapshot  Snapshot
	applied   uint64
	lastErr   error
	editing   bool
	ctx       context.Context
	cancel    context.CancelFunc
	closeDone chan struct{}

	// Serializes callbacks, held by Close as a barrier.
	callbackMu sync.Mutex
	delivered  uint64

	wg sync.WaitGroup
}

func New(opts Options, loggerFactory *infra.LoggerFactory) *Synchronizer {
	opts.setDefaults()
	return &Synchronizer{
		opts:      opts,
		http:      opts.HttpClient,
		logger:    loggerFactory.Create("QueueView").Sugar(),
		state:     StateConnecting,
		closeDone: make(chan struct{}),
	}
}

// Open subscribes to the provider's push channel and fetches the
// initial snapshot. A failing initial fetch is surfaced through Err,
// not returned.
func (s *Synchronizer) Open(ctx context.Context, doctorId string) error {
	doctorId = strings.TrimSpace(doctorId)
	if doctorId == "" {
		return ErrInvalidProvider
	}
	if s.opts.Session != nil && !s.opts.Session.Active() {
		return ErrSessionEnded
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.doctorId = doctorId
	s.state = StateConnecting
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()
	s.notifyState(StateConnecting)

	conn, err := s.dial(ctx)
	if err != nil {
		s.logger.Errorf("dial push channel failed, doctorId[%s] err[%s]", doctorId, err)

		// Nothing was started, the view may be opened again.
		s.mu.Lock()
		s.cancel()
		s.ctx, s.cancel = nil, nil
		s.mu.Unlock()

		s.setState(StateClosed)
		s.surface(ErrChannel)
		return fmt.Errorf("%w: %v", ErrChannel, err)
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.wg.Add(1)
	s.mu.Unlock()
	s.setState(StateOpen)

	go s.listen(conn)

	if err := s.Refresh(ctx); err != nil {
		s.logger.Warnf("initial fetch failed, doctorId[%s] err[%s]", doctorId, err)
	}
	return nil
}

func (s *Synchronizer) DoctorId() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doctorId
}

func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.copy()
}

// Err returns the standing error shown to the user, if any.
func (s *Synchronizer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Refresh fetches the full queue and replaces the snapshot, unless a
// newer fetch has already been applied.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	ctx, cancel, doctorId, err := s.scope(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	gen := s.issued.Add(1)
	var result struct {
		Queue []QueueEntry `json:"queue"`
	}
	err = s.send(ctx, http.MethodGet, "/doctors/"+url.PathEscape(doctorId)+"/queue/", nil, &result, "fetch queue status")
	if err != nil {
		return s.fail(err)
	}

	for i := range result.Queue {
		result.Queue[i].Position = i + 1
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return ErrClosed
	}
	if applied := s.applied; gen <= applied {
		s.mu.Unlock()
		s.logger.Debugf("discard stale snapshot, gen[%d] applied[%d]", gen, applied)
		return nil
	}
	s.applied = gen
	s.snapshot = Snapshot{
		DoctorId:   doctorId,
		Entries:    result.Queue,
		FetchedAt:  time.Now(),
		Generation: gen,
	}
	snapshot := s.snapshot.copy()
	s.mu.Unlock()

	s.deliverSnapshot(snapshot)
	return nil
}

// AdvanceQueue asks the server to serve the head of the queue, then
// refetches. Nothing is removed locally.
func (s *Synchronizer) AdvanceQueue(ctx context.Context) error {
	ctx, cancel, doctorId, err := s.scope(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	err = s.send(ctx, http.MethodPost, "/doctors/"+url.PathEscape(doctorId)+"/queue/next/", nil, nil, "move to the next patient")
	if err != nil {
		return s.fail(err)
	}
	return s.Refresh(ctx)
}

// BeginAvailabilityEdit opens the availability editor.
func (s *Synchronizer) BeginAvailabilityEdit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.editing = true
}

func (s *Synchronizer) CancelAvailabilityEdit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.editing = false
}

func (s *Synchronizer) EditingAvailability() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.editing
}

// SubmitAvailability checks every field is present before anything is
// sent. On success the editor is closed.
func (s *Synchronizer) SubmitAvailability(ctx context.Context, cfg AvailabilityConfig) error {
	if err := availability.Validate(&cfg); err != nil {
		return err
	}

	ctx, cancel, doctorId, err := s.scope(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	cfg.DoctorId = ""
	err = s.send(ctx, http.MethodPost, "/doctors/"+url.PathEscape(doctorId)+"/availability/", &cfg, nil, "set availability")
	if err != nil {
		return s.fail(err)
	}

	s.mu.Lock()
	s.editing = false
	s.mu.Unlock()

	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	if !s.closed.Load() && s.opts.OnAvailabilitySaved != nil {
		s.opts.OnAvailabilitySaved(cfg)
	}
	return nil
}

// Close tears the view down. Safe to call more than once; no snapshot
// or callback is delivered after it returns.
func (s *Synchronizer) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		<-s.closeDone
		return nil
	}
	defer close(s.closeDone)

	s.mu.Lock()
	conn, cancel := s.conn, s.cancel
	s.conn = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		s.closeConnection(conn)
	}
	s.wg.Wait()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	// Wait for any callback in flight, later ones see closed.
	s.callbackMu.Lock()
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(StateClosed)
	}
	s.callbackMu.Unlock()

	s.logger.Debugf("queue view closed, doctorId[%s]", s.doctorId)
	return nil
}

// scope derives a request context that also ends when the view closes.
func (s *Synchronizer) scope(ctx context.Context) (context.Context, context.CancelFunc, string, error) {
	if s.closed.Load() {
		return nil, nil, "", ErrClosed
	}
	if s.opts.Session != nil && !s.opts.Session.Active() {
		return nil, nil, "", ErrSessionEnded
	}

	s.mu.Lock()
	base, doctorId := s.ctx, s.doctorId
	s.mu.Unlock()
	if base == nil {
		return nil, nil, "", ErrNotOpen
	}

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}, doctorId, nil
}

func (s *Synchronizer) send(ctx context.Context, method, path string, body, result interface{}, action string) error {
	var errBody errorBody
	r := s.http.R().
		SetContext(ctx).
		SetError(&errBody)
	if s.opts.Session != nil {
		r.SetBearerAuthToken(s.opts.Session.Token())
	}
	if body != nil {
		r.SetBodyJsonMarshal(body)
	}
	if result != nil {
		r.SetResult(result)
	}

	resp, err := r.Send(method, path)
	if err != nil {
		return &RequestError{Action: action, Err: err}
	}
	if resp.IsError() {
		return errBody.apiError(resp.StatusCode, action)
	}
	return nil
}

// fail surfaces err as the standing error unless the view is gone.
func (s *Synchronizer) fail(err error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.logger.Warnf("request failed, doctorId[%s] err[%s]", s.doctorId, err)
	s.surface(err)
	return err
}

func (s *Synchronizer) surface(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()

	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	if !s.closed.Load() && s.opts.OnError != nil {
		s.opts.OnError(err)
	}
}

func (s *Synchronizer) deliverSnapshot(snapshot Snapshot) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()

	// A newer snapshot may have been delivered while we waited.
	if s.closed.Load() || snapshot.Generation <= s.delivered {
		return
	}
	s.delivered = snapshot.Generation
	if s.opts.OnSnapshot != nil {
		s.opts.OnSnapshot(snapshot)
	}
}

func (s *Synchronizer) setState(state State) {
	s.mu.Lock()
	if s.closed.Load() || s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	s.logger.Debugf("state changed, doctorId[%s] state[%s]", s.doctorId, state)
	s.notifyState(state)
}

func (s *Synchronizer) notifyState(state State) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	if !s.closed.Load() && s.opts.OnStateChange != nil {
		s.opts.OnStateChange(state)
	}
}

// listen reads the push channel until it breaks or the view closes.
// Every data frame, whatever it carries, triggers a refresh.
func (s *Synchronizer) listen(conn *websocket.Conn) {
	defer s.wg.Done()

	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			s.onNotification()
			continue
		}

		if s.closed.Load() {
			return
		}
		conn.Close()

		if websocket.IsCloseError(err, websocket.CloseNormalClosure) || s.opts.DisableReconnect {
			s.logger.Infof("push channel closed by server, doctorId[%s] err[%s]", s.doctorId, err)
			s.setState(StateClosed)
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.surface(ErrChannel)
			}
			return
		}

		s.logger.Warnf("push channel lost, doctorId[%s] err[%s]", s.doctorId, err)
		s.setState(StateReconnecting)
		s.surface(ErrChannel)

		conn = s.reconnect()
		if conn == nil {
			return
		}
	}
}

func (s *Synchronizer) onNotification() {
	s.mu.Lock()
	open := s.state == StateOpen
	ctx := s.ctx
	s.mu.Unlock()
	if !open {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrClosed) {
			s.logger.Debugf("refresh on notification failed, err[%s]", err)
		}
	}()
}

// reconnect dials with capped exponential backoff. Returns nil when the
// attempts run out or the view closes.
func (s *Synchronizer) reconnect() *websocket.Conn {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.ReconnectInterval
	b.MaxInterval = s.opts.MaxReconnectInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.opts.MaxReconnectAttempts), ctx)

	var conn *websocket.Conn
	err := backoff.RetryNotify(func() error {
		var err error
		conn, err = s.dial(ctx)
		return err
	}, policy, func(err error, next time.Duration) {
		s.logger.Debugf("reconnect failed, doctorId[%s] next[%s] err[%s]", s.doctorId, next, err)
	})
	if err != nil {
		if s.closed.Load() {
			return nil
		}
		s.logger.Errorf("giving up reconnecting, doctorId[%s] err[%s]", s.doctorId, err)
		s.setState(StateClosed)
		s.surface(ErrChannel)
		return nil
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conn = conn
	s.mu.Unlock()
	s.setState(StateOpen)

	// Notifications may have been missed while disconnected.
	s.onNotification()
	return conn
}

func (s *Synchronizer) dial(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	doctorId := s.doctorId
	s.mu.Unlock()

	wsURL, err := buildWebSocketURL(s.opts.BaseURL, doctorId)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	header := http.Header{}
	if s.opts.Session != nil {
		if !s.opts.Session.Active() {
			return nil, backoff.Permanent(ErrSessionEnded)
		}
		header.Set("Authorization", "Bearer "+s.opts.Session.Token())
	}

	conn, resp, err := s.opts.Dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	readTimeout := s.opts.ReadTimeout
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(defaultWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return conn, nil
}

func (s *Synchronizer) closeConnection(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(defaultWriteWait)); err != nil {
		s.logger.Debugf("write close frame failed, err[%s]", err)
	}
	conn.Close()
}

// buildWebSocketURL maps http(s)://host/base onto
// ws(s)://host/base/doctors/{id}/queue/ws/.
func buildWebSocketURL(baseURL, doctorId string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}

	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid base url scheme %q", u.Scheme)
	}

	base := strings.TrimRight(u.Path, "/")
	rawBase := strings.TrimRight(u.EscapedPath(), "/")
	u.Path = base + "/doctors/" + doctorId + "/queue/ws/"
	u.RawPath = rawBase + "/doctors/" + url.PathEscape(doctorId) + "/queue/ws/"
	return u.String(), nil
}
