package smpp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"otp-smpp-gateway/address"
	"otp-smpp-gateway/auth"
	"otp-smpp-gateway/otp"
	"otp-smpp-gateway/otpapi"
	"otp-smpp-gateway/ratelimit"
	"otp-smpp-gateway/smpp/coding"
	"otp-smpp-gateway/smpp/pdu"
)

const (
	maxDestinationLen = 21
	maxShortMessage   = 512
)

type sessionState int

const (
	stateOpen sessionState = iota
	stateBound
	stateUnbinding
)

type inbound struct {
	pdu pdu.PDU
	err error
}

// Session is one client connection. All PDU handling happens on the run
// goroutine; the reader goroutine only decodes frames and queues them.
type Session struct {
	id       string
	srv      *Server
	conn     net.Conn
	remoteIP string
	log      *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	inbound   chan inbound
	unbindReq chan struct{}
	done      chan struct{}
	killOnce  sync.Once

	// owned by run
	state    sessionState
	mode     pdu.BindMode
	systemID string
	profile  *auth.Profile
	limiter  *ratelimit.TokenBucket
	sequence int32

	preBind    *time.Timer
	inactivity *time.Timer
	lifetime   *time.Timer
	grace      *time.Timer
}

func newSession(srv *Server, conn net.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        uuid.NewString(),
		srv:       srv,
		conn:      conn,
		remoteIP:  remoteIP(conn),
		ctx:       ctx,
		cancel:    cancel,
		inbound:   make(chan inbound, 8),
		unbindReq: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	s.log = srv.log.WithFields(logrus.Fields{"session": s.id, "ip": s.remoteIP})
	return s
}

// requestUnbind asks the session to start a server-side unbind.
func (s *Session) requestUnbind() {
	select {
	case s.unbindReq <- struct{}{}:
	default:
	}
}

// kill aborts the session from outside the run goroutine. In-flight API
// calls are cancelled and the reader unblocks on the closed connection.
func (s *Session) kill() {
	s.killOnce.Do(func() {
		s.cancel()
		s.conn.Close()
	})
}

func (s *Session) run() {
	defer s.teardown()
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(logrus.Fields{
				"component": "Server.SMPP.Session",
				"panic":     r,
				"stack":     string(debug.Stack()),
			}).Error("SessionPanic")
		}
	}()

	s.log.WithField("component", "Server.SMPP.Session").Debug("SessionOpened")
	go s.read()
	s.preBind = startTimer(s.srv.cfg.PreBindTimeout)

	for {
		select {
		case in := <-s.inbound:
			if !s.handle(in) {
				return
			}
		case <-timerC(s.preBind):
			s.log.WithField("component", "Server.SMPP.Session").Info("PreBindTimeout")
			return
		case <-timerC(s.inactivity):
			s.beginUnbind("inactivity")
		case <-timerC(s.lifetime):
			s.beginUnbind("max_session_duration")
		case <-timerC(s.grace):
			s.log.WithField("component", "Server.SMPP.Session").Info("UnbindGraceExpired")
			return
		case <-s.unbindReq:
			if s.state != stateBound {
				return
			}
			s.beginUnbind("shutdown")
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) read() {
	r := bufio.NewReader(s.conn)
	for {
		p, err := pdu.Read(r)
		var frameErr *pdu.FrameError
		fatal := err != nil && !errors.As(err, &frameErr)
		select {
		case s.inbound <- inbound{pdu: p, err: err}:
		case <-s.done:
			return
		}
		if fatal {
			return
		}
	}
}

func (s *Session) teardown() {
	stopTimer(s.preBind)
	stopTimer(s.inactivity)
	stopTimer(s.lifetime)
	stopTimer(s.grace)
	s.cancel()
	close(s.done)
	s.srv.release(s)
	s.kill()
	s.log.WithFields(logrus.Fields{
		"component": "Server.SMPP.Session",
		"system_id": s.systemID,
	}).Info("SessionClosed")
}

// handle processes one inbound item and reports whether the session
// should keep running.
func (s *Session) handle(in inbound) bool {
	log := s.log.WithField("component", "Server.SMPP.HandlePDU")

	if in.err != nil {
		var frameErr *pdu.FrameError
		if errors.As(in.err, &frameErr) {
			log.WithError(in.err).Warn("SMPPMalformedPDU")
			s.send(pdu.Nack(frameErr.Sequence, frameErr.Status()))
			return true
		}
		if !errors.Is(in.err, io.EOF) && !errors.Is(in.err, net.ErrClosed) {
			log.WithError(in.err).Warn("SMPPReadError")
		}
		return false
	}

	if s.state == stateBound {
		resetTimer(s.inactivity, s.srv.cfg.InactivityTimeout)
	}

	switch p := in.pdu.(type) {
	case *pdu.BindRequest:
		return s.handleBind(p)
	case *pdu.SubmitSM:
		s.handleSubmit(p)
	case *pdu.EnquireLink:
		s.send(pdu.Respond(p, pdu.StatusOK))
	case *pdu.Unbind:
		log.WithField("system_id", s.systemID).Info("SMPPUnbind")
		s.send(pdu.Respond(p, pdu.StatusOK))
		return false
	case *pdu.UnbindResp:
		if s.state == stateUnbinding {
			return false
		}
	case *pdu.DeliverSMResp, *pdu.EnquireLinkResp, *pdu.GenericNack:
	default:
		log.WithField("pdu", fmt.Sprintf("%T", p)).Warn("SMPPUnhandledPDU")
		s.send(pdu.Nack(p.GetSequenceNumber(), pdu.StatusInvalidCommandID))
	}
	return true
}

func (s *Session) handleBind(req *pdu.BindRequest) bool {
	deps := s.srv.deps
	log := s.log.WithFields(logrus.Fields{
		"component": "Server.SMPP.HandleBind",
		"system_id": req.SystemID,
	})

	if s.state != stateOpen {
		log.Warn("SMPPAlreadyBound")
		s.send(pdu.BindResponse(req, pdu.StatusAlreadyBound, s.srv.cfg.SystemID))
		return true
	}

	if deps.Guard.IsBlocked(s.remoteIP) {
		log.Warn("BindRejectedBlocked")
		deps.Observer.BindAttempt(req.SystemID, "blocked")
		s.send(pdu.BindResponse(req, pdu.StatusBindFail, s.srv.cfg.SystemID))
		return false
	}

	profile, err := deps.Directory.VerifyPassword(s.ctx, req.SystemID, req.Password)
	if err != nil {
		deps.Guard.RecordFailure(s.remoteIP)
		log.WithError(err).Warn("AuthFailed")
		deps.Observer.BindAttempt(req.SystemID, "invalid_credentials")
		s.send(pdu.BindResponse(req, pdu.StatusInvalidPasswd, s.srv.cfg.SystemID))
		return false
	}

	if !deps.Directory.IsIPAllowed(profile, s.remoteIP) {
		log.Warn("BindRejectedIP")
		deps.Observer.BindAttempt(req.SystemID, "ip_not_allowed")
		s.send(pdu.BindResponse(req, pdu.StatusBindFail, s.srv.cfg.SystemID))
		return false
	}

	deps.Guard.RecordSuccess(s.remoteIP)
	s.profile = profile
	s.systemID = profile.SystemID
	s.mode = pdu.ModeOf(req)
	s.limiter = deps.Limiters.Get(profile.SystemID, profile.MaxTPS)
	s.state = stateBound
	s.log = s.log.WithField("system_id", s.systemID)

	stopTimer(s.preBind)
	s.preBind = nil
	s.srv.bound(s)

	s.send(pdu.BindResponse(req, pdu.StatusOK, s.srv.cfg.SystemID))
	s.inactivity = startTimer(s.srv.cfg.InactivityTimeout)
	s.lifetime = startTimer(s.srv.cfg.MaxSessionDuration)

	deps.Observer.BindAttempt(s.systemID, "success")
	log.WithField("mode", string(s.mode)).Info("AuthSuccess")
	return true
}

// beginUnbind sends a server-originated unbind and gives the client the
// grace period to answer before the connection is dropped.
func (s *Session) beginUnbind(reason string) {
	if s.state != stateBound {
		return
	}
	s.state = stateUnbinding
	stopTimer(s.inactivity)
	stopTimer(s.lifetime)
	s.inactivity, s.lifetime = nil, nil

	s.log.WithFields(logrus.Fields{
		"component": "Server.SMPP.Session",
		"reason":    reason,
	}).Info("SMPPServerUnbind")

	unbind := pdu.NewUnbind()
	unbind.SetSequenceNumber(s.nextSequence())
	s.send(unbind)
	s.grace = time.NewTimer(s.srv.cfg.UnbindGrace)
}

// submitOutcome is everything needed to answer one submit_sm.
type submitOutcome struct {
	status    pdu.CommandStatus
	messageID string
	result    string
	errorCode int
	contact   string
	sender    string
	receipt   *pdu.Receipt
}

func (s *Session) handleSubmit(req *pdu.SubmitSM) {
	if s.state != stateBound || !s.mode.CanSubmit() {
		s.log.WithField("component", "Server.SMPP.HandleSubmitSM").Warn("SMPPInvalidBindState")
		s.send(pdu.SubmitResponse(req, pdu.StatusInvalidBindState, ""))
		return
	}

	started := s.srv.now()
	s.srv.deps.Observer.SubmitReceived(s.systemID)

	sub := pdu.SubmissionOf(req)
	out := s.processSubmit(sub, started)

	s.send(pdu.SubmitResponse(req, out.status, out.messageID))
	if out.receipt != nil && pdu.ShouldSendReceipt(sub.RegisteredDelivery, out.receipt.Delivered) {
		s.sendReceipt(*out.receipt)
	}

	s.srv.deps.Recorder.Record(SubmitRecord{
		SessionID:   s.id,
		SystemID:    s.systemID,
		RemoteIP:    s.remoteIP,
		Destination: address.Mask(out.contact),
		Sender:      out.sender,
		Outcome:     out.result,
		Status:      out.status,
		MessageID:   out.messageID,
		ErrorCode:   out.errorCode,
		Latency:     s.srv.now().Sub(started),
		Submitted:   started,
	})
}

// processSubmit runs the submit pipeline. Every path returns exactly one
// outcome; the caller answers it.
func (s *Session) processSubmit(sub pdu.Submission, started time.Time) submitOutcome {
	deps := s.srv.deps
	profile := s.profile
	log := s.log.WithField("component", "Server.SMPP.HandleSubmitSM")

	reject := func(status pdu.CommandStatus, label string) submitOutcome {
		deps.Observer.SubmitFailed(s.systemID, label)
		return submitOutcome{status: status, result: "rejected", contact: sub.Dest.Addr}
	}

	if sub.Dest.Addr == "" || len(sub.Dest.Addr) > maxDestinationLen {
		return reject(pdu.StatusInvalidDestAddr, "invalid_destination")
	}
	if len(sub.Body) > maxShortMessage {
		return reject(pdu.StatusInvalidMsgLen, "message_too_long")
	}

	if !s.limiter.TryConsume() {
		deps.Observer.SubmitThrottled(s.systemID)
		return submitOutcome{status: pdu.StatusThrottled, result: "throttled", contact: sub.Dest.Addr}
	}

	contact := address.NormalizeToE164(sub.Dest.Addr, sub.Dest.TON)
	if contact == "" {
		return reject(pdu.StatusInvalidDestAddr, "invalid_destination")
	}

	req := otpapi.SendRequest{Contact: contact}
	if profile.AllowSendText {
		req.Message = strings.TrimSpace(coding.Decode(sub.Body, sub.DataCoding))
		if req.Message == "" {
			return reject(pdu.StatusInvalidMsgLen, "invalid_message")
		}
	} else {
		code, err := otp.ExtractCode(sub.Body, sub.DataCoding, profile.CodePatterns)
		if err != nil {
			log.WithError(err).WithField("destination", address.Mask(contact)).Warn("OTPCodeNotFound")
			return reject(pdu.StatusInvalidMsgLen, "invalid_message")
		}
		req.Code = code
	}

	req.Sender = otp.ResolveSender(sub.Source.Addr, sub.Source.TON, profile.DefaultSender)
	req.Language = address.ResolveLanguage(profile.DefaultLanguage, contact)

	out := submitOutcome{contact: contact, sender: req.Sender}
	receipt := func(id string, delivered bool, code int) *pdu.Receipt {
		return &pdu.Receipt{
			MessageID: id,
			Source:    sub.Source,
			Dest:      sub.Dest,
			Delivered: delivered,
			ErrorCode: code,
			Submitted: started,
			Done:      s.srv.now(),
		}
	}

	callStarted := s.srv.now()
	res, err := deps.Sender.SendOTP(s.ctx, req, profile.APIKey)
	latency := s.srv.now().Sub(callStarted)

	switch {
	case err != nil:
		deps.Observer.APILatency(s.systemID, "error", latency)
		deps.Observer.SubmitFailed(s.systemID, "network")
		log.WithError(err).WithField("destination", address.Mask(contact)).Error("OTPAPICallError")
		out.status = pdu.StatusSystemError
		out.result = "error"

	case res.Success:
		deps.Observer.APILatency(s.systemID, "success", latency)
		deps.Observer.SubmitSucceeded(s.systemID)
		out.status = pdu.StatusOK
		out.messageID = res.MessageID
		if out.messageID == "" {
			out.messageID = uuid.NewString()
		}
		out.result = "delivered"
		out.receipt = receipt(out.messageID, true, 0)
		log.WithFields(logrus.Fields{
			"message_id":  out.messageID,
			"destination": address.Mask(contact),
			"sender":      req.Sender,
			"latency_ms":  s.srv.now().Sub(started).Milliseconds(),
		}).Info("OTPDelivered")

	default:
		deps.Observer.APILatency(s.systemID, "failed", latency)
		deps.Observer.SubmitFailed(s.systemID, strconv.Itoa(res.Code))
		out.result = "failed"
		out.errorCode = res.Code
		if profile.FailureMode == auth.FailureReceiptOnly {
			out.status = pdu.StatusOK
			out.messageID = uuid.NewString()
			out.receipt = receipt(out.messageID, false, res.Code)
		} else {
			out.status = pdu.MapAPIError(res.Code)
		}
		log.WithFields(logrus.Fields{
			"destination":  address.Mask(contact),
			"error_code":   res.Code,
			"failure_mode": profile.FailureMode,
		}).Info("OTPDeliveryFailed")
	}
	return out
}

func (s *Session) sendReceipt(r pdu.Receipt) {
	d, err := r.PDU()
	if err != nil {
		s.log.WithError(err).WithField("component", "Server.SMPP.Receipt").Error("ReceiptBuildError")
		return
	}
	d.SetSequenceNumber(s.nextSequence())
	s.send(d)
}

func (s *Session) nextSequence() int32 {
	s.sequence++
	if s.sequence <= 0 {
		s.sequence = 1
	}
	return s.sequence
}

func (s *Session) send(p pdu.PDU) {
	if s.srv.cfg.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteTimeout))
	}
	if _, err := s.conn.Write(pdu.Encode(p)); err != nil {
		s.log.WithError(err).WithField("component", "Server.SMPP.Send").Debug("SMPPWriteError")
	}
}

func startTimer(d time.Duration) *time.Timer {
	if d <= 0 {
		return nil
	}
	return time.NewTimer(d)
}

func stopTimer(t *time.Timer) {
	if t != nil && !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if t == nil {
		return
	}
	stopTimer(t)
	t.Reset(d)
}

// timerC returns nil for an absent timer so its select case never fires.
func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
