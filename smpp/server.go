package smpp

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"otp-smpp-gateway/auth"
	"otp-smpp-gateway/otpapi"
	"otp-smpp-gateway/ratelimit"
)

var ErrServerClosed = errors.New("smpp: server closed")

// Sender delivers one OTP through the downstream API.
type Sender interface {
	SendOTP(ctx context.Context, req otpapi.SendRequest, apiKey string) (*otpapi.Result, error)
}

// Config holds the listener and session limits. Zero durations disable the
// corresponding timer; a zero MaxConnections disables the cap.
type Config struct {
	SystemID           string
	MaxConnections     int
	PreBindTimeout     time.Duration
	InactivityTimeout  time.Duration
	MaxSessionDuration time.Duration
	UnbindGrace        time.Duration
	ShutdownGrace      time.Duration
	WriteTimeout       time.Duration
}

func DefaultConfig() Config {
	return Config{
		SystemID:           "otpgw",
		MaxConnections:     1000,
		PreBindTimeout:     30 * time.Second,
		InactivityTimeout:  90 * time.Second,
		MaxSessionDuration: 24 * time.Hour,
		UnbindGrace:        5 * time.Second,
		ShutdownGrace:      5 * time.Second,
		WriteTimeout:       10 * time.Second,
	}
}

// Deps are the collaborators shared by every session. Directory and Sender
// are required.
type Deps struct {
	Directory auth.Directory
	Guard     *auth.BindGuard
	Limiters  *ratelimit.Registry
	Sender    Sender
	Observer  Observer
	Recorder  Recorder
	Log       *logrus.Entry
}

// Server accepts SMPP connections and owns the state shared between them:
// the session registry, per-client connection counts and rate limiters.
type Server struct {
	cfg  Config
	deps Deps
	log  *logrus.Entry
	now  func() time.Time

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	sessions  map[*Session]struct{}
	perClient map[string]int
	closing   bool
	wg        sync.WaitGroup
}

func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Directory == nil {
		return nil, errors.New("smpp: credential directory is required")
	}
	if deps.Sender == nil {
		return nil, errors.New("smpp: sender is required")
	}
	if deps.Log == nil {
		deps.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if deps.Guard == nil {
		deps.Guard = auth.NewBindGuard(deps.Log)
	}
	if deps.Limiters == nil {
		deps.Limiters = ratelimit.NewRegistry()
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	return &Server{
		cfg:       cfg,
		deps:      deps,
		log:       deps.Log,
		now:       time.Now,
		listeners: make(map[net.Listener]struct{}),
		sessions:  make(map[*Session]struct{}),
		perClient: make(map[string]int),
	}, nil
}

// Serve accepts connections on l until the listener fails or Shutdown is
// called. Every listener passed here shares the same sessions and limits.
func (s *Server) Serve(l net.Listener) error {
	if !s.trackListener(l) {
		l.Close()
		return ErrServerClosed
	}
	defer s.untrackListener(l)

	log := s.log.WithFields(logrus.Fields{"component": "Server.SMPP.Serve", "listen": l.Addr().String()})
	log.Info("SMPPListening")

	var backoff time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosing() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			log.WithError(err).Warn("SMPPAcceptError")
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		s.admit(conn)
	}
}

func (s *Server) admit(conn net.Conn) {
	s.mu.Lock()
	if s.closing || (s.cfg.MaxConnections > 0 && len(s.sessions) >= s.cfg.MaxConnections) {
		active := len(s.sessions)
		closing := s.closing
		s.mu.Unlock()
		s.log.WithFields(logrus.Fields{
			"component": "Server.SMPP.Accept",
			"ip":        remoteIP(conn),
			"active":    active,
			"closing":   closing,
		}).Warn("ConnectionRejected")
		conn.Close()
		return
	}
	sess := newSession(s, conn)
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go sess.run()
}

// bound is called by a session once its bind succeeded.
func (s *Server) bound(sess *Session) {
	s.mu.Lock()
	s.perClient[sess.systemID]++
	s.mu.Unlock()
	s.deps.Observer.SessionOpened(sess.systemID)
}

// release drops a torn-down session from the registry.
func (s *Server) release(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	if sess.systemID != "" {
		if s.perClient[sess.systemID]--; s.perClient[sess.systemID] <= 0 {
			delete(s.perClient, sess.systemID)
		}
	}
	s.mu.Unlock()
	if sess.systemID != "" {
		s.deps.Observer.SessionClosed(sess.systemID)
	}
	s.wg.Done()
}

// Shutdown asks every session to unbind, waits up to ShutdownGrace (or
// until ctx is done), force-closes whatever is left and then closes the
// listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	log := s.log.WithField("component", "Server.SMPP.Shutdown")

	s.mu.Lock()
	s.closing = true
	pending := s.snapshot()
	s.mu.Unlock()

	log.WithField("sessions", len(pending)).Info("SMPPShutdownStarted")
	for _, sess := range pending {
		sess.requestUnbind()
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()

	var err error
	select {
	case <-drained:
	case <-grace.C:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.mu.Lock()
	remaining := s.snapshot()
	s.mu.Unlock()
	if len(remaining) > 0 {
		log.WithField("sessions", len(remaining)).Warn("SMPPForceClose")
		for _, sess := range remaining {
			sess.kill()
		}
		select {
		case <-drained:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	s.mu.Lock()
	for l := range s.listeners {
		l.Close()
	}
	s.mu.Unlock()

	log.Info("SMPPShutdownComplete")
	return err
}

func (s *Server) snapshot() []*Session {
	out := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Server) trackListener(l net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.listeners[l] = struct{}{}
	return true
}

func (s *Server) untrackListener(l net.Listener) {
	s.mu.Lock()
	delete(s.listeners, l)
	s.mu.Unlock()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Closing reports whether Shutdown has begun.
func (s *Server) Closing() bool { return s.isClosing() }

// ActiveConnections is the number of open sessions, bound or not.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ClientConnections returns the bound session count per system id.
func (s *Server) ClientConnections() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.perClient))
	for id, n := range s.perClient {
		out[id] = n
	}
	return out
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
