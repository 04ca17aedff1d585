package queueview

import "sync/atomic"

// Session is the signed-in user's credentials. It is created at login
// and ended at logout, views only borrow it.
type Session struct {
	token         string
	contactNumber int64
	ended         atomic.Bool
}

func NewSession(token string, contactNumber int64) *Session {
	return &Session{
		token:         token,
		contactNumber: contactNumber,
	}
}

func (s *Session) Token() string {
	return s.token
}

func (s *Session) ContactNumber() int64 {
	return s.contactNumber
}

// End invalidates the session. Views holding it stop sending its
// credentials and fail their next request with ErrSessionEnded.
func (s *Session) End() {
	s.ended.Store(true)
}

func (s *Session) Active() bool {
	return s != nil && !s.ended.Load()
}
