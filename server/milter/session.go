package milter

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/emersion/go-milter"
	"github.com/emersion/go-smtp"

	"github.com/migadu/policyd/acl"
	"github.com/migadu/policyd/helpers"
	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/pkg/metrics"
	"github.com/migadu/policyd/registry"
	"github.com/migadu/policyd/stage"
	"github.com/migadu/policyd/value"
)

// session is the policy state of one MTA connection. It is driven from
// the connection's goroutine only.
type session struct {
	srv     *Server
	ctx     context.Context
	conn    *acl.Conn
	started time.Time
	closed  bool

	messages int64
	rcpts    []value.Value
	headers  *value.Table
	hdrCount int64
	bodySize int64
}

func (s *Server) newSession(alive acl.Liveness) *session {
	s.totalConnections.Add(1)
	s.activeConnections.Add(1)
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsCurrent.Inc()

	return &session{
		srv:     s,
		ctx:     s.appCtx,
		conn:    s.engine.NewConnection(s.appCtx, alive),
		started: time.Now(),
		headers: value.NewTable(),
	}
}

func (s *session) stage(st stage.Stage, attrs map[string]value.Value) acl.Decision {
	d, err := s.conn.Stage(s.ctx, st, attrs)
	if err != nil {
		logger.WarnContext(s.ctx, "Milter: protocol out of sequence", "connection", s.conn.ID(), "stage", st.String(), "error", err)
		return acl.Decision{Outcome: acl.TempFail, Stage: st}
	}
	return d
}

// abortOpen closes a transaction the MTA dropped without telling us, e.g.
// after a rejected MAIL or a RSET.
func (s *session) abortOpen() {
	if s.conn.InMessage() {
		s.stage(stage.Abort, nil)
	}
}

func macroValue(m map[string]string) value.Value {
	if len(m) == 0 {
		return value.Absent
	}
	t := value.NewTable()
	for k, v := range m {
		t.Set(strings.Trim(k, "{}"), value.String(v))
	}
	return value.TableValue(t)
}

func (s *session) Connect(host string, family string, port uint16, addr net.IP, m map[string]string) (milter.Response, error) {
	attrs := map[string]value.Value{
		registry.AttrClientName:   value.String(host),
		registry.AttrClientFamily: value.String(family),
		registry.AttrClientPort:   value.Int(int64(port)),
		registry.AttrMacros:       macroValue(m),
	}
	if a, ok := netip.AddrFromSlice(addr); ok {
		attrs[registry.AttrClientAddr] = value.Address(a.Unmap())
	}
	logger.DebugContext(s.ctx, "Milter: connect", "connection", s.conn.ID(), "host", host, "addr", addr.String())
	return Response(s.stage(stage.Connect, attrs)), nil
}

func (s *session) Helo(name string, m map[string]string) (milter.Response, error) {
	s.abortOpen()
	return Response(s.stage(stage.Helo, map[string]value.Value{
		registry.AttrHelo:   value.String(name),
		registry.AttrMacros: macroValue(m),
	})), nil
}

func (s *session) MailFrom(from string, m map[string]string) (milter.Response, error) {
	s.abortOpen()
	s.messages++
	s.rcpts = nil
	s.headers = value.NewTable()
	s.hdrCount = 0
	s.bodySize = 0
	return Response(s.stage(stage.EnvFrom, map[string]value.Value{
		registry.AttrSender:       value.String(helpers.StripAngleBrackets(from)),
		registry.AttrMessageCount: value.Int(s.messages),
		registry.AttrMacros:       macroValue(m),
	})), nil
}

func (s *session) RcptTo(rcptTo string, m map[string]string) (milter.Response, error) {
	rcpt := value.String(helpers.StripAngleBrackets(rcptTo))
	s.rcpts = append(s.rcpts, rcpt)
	d := s.stage(stage.EnvRcpt, map[string]value.Value{
		registry.AttrRecipient:      rcpt,
		registry.AttrRecipients:     value.List(s.rcpts...),
		registry.AttrRecipientCount: value.Int(int64(len(s.rcpts))),
		registry.AttrMacros:         macroValue(m),
	})
	if d.Outcome.Final() {
		// The MTA drops this recipient.
		s.rcpts = s.rcpts[:len(s.rcpts)-1]
		sess := s.conn.Session()
		sess.SetAttribute(registry.AttrRecipients, value.List(s.rcpts...))
		sess.SetAttribute(registry.AttrRecipientCount, value.Int(int64(len(s.rcpts))))
	}
	return Response(d), nil
}

func (s *session) Header(name string, v string, m map[string]string) (milter.Response, error) {
	decoded := decodeHeader(v)
	key := strings.ToLower(name)
	s.headers.Set(key, value.List(append(s.headers.Get(key).Items(), value.String(decoded))...))
	s.hdrCount++

	attrs := map[string]value.Value{
		registry.AttrHeaderName:  value.String(name),
		registry.AttrHeaderValue: value.String(decoded),
		registry.AttrHeaderCount: value.Int(s.hdrCount),
	}
	switch key {
	case "subject":
		attrs[registry.AttrSubject] = value.String(decoded)
	case "from":
		attrs[registry.AttrFromHeader] = value.String(fromAddress(v))
	}
	return Response(s.stage(stage.Header, attrs)), nil
}

func (s *session) Headers(m map[string]string) (milter.Response, error) {
	return Response(s.stage(stage.EOH, map[string]value.Value{
		registry.AttrHeaders:     value.TableValue(s.headers),
		registry.AttrHeaderCount: value.Int(s.hdrCount),
		registry.AttrMacros:      macroValue(m),
	})), nil
}

func (s *session) BodyChunk(chunk []byte, m map[string]string) (milter.Response, error) {
	s.bodySize += int64(len(chunk))
	return Response(s.stage(stage.Body, map[string]value.Value{
		registry.AttrBodySize: value.Int(s.bodySize),
	})), nil
}

// headerEditor writes header modifications back to the MTA.
type headerEditor interface {
	AddHeader(name, value string) error
	ChangeHeader(index int, name, value string) error
}

func (s *session) eom(ed headerEditor, macros value.Value) (milter.Response, error) {
	d := s.stage(stage.EOM, map[string]value.Value{
		registry.AttrBodySize: value.Int(s.bodySize),
		registry.AttrMacros:   macros,
	})
	if d.Outcome.Final() || len(d.Modifications) == 0 {
		return Response(d), nil
	}
	for _, mod := range d.Modifications {
		var err error
		switch mod.Kind {
		case acl.ModAddHeader:
			err = ed.AddHeader(mod.Name, mod.Value)
		case acl.ModChangeHeader:
			err = ed.ChangeHeader(mod.Index, mod.Name, mod.Value)
		}
		if err != nil {
			// The connection is broken and will be closed.
			return nil, fmt.Errorf("milter: %s header %s: %w", mod.Kind, mod.Name, err)
		}
	}
	return Response(d), nil
}

// Abort ends the current message, if any. The connection stays open for
// the next one.
func (s *session) Abort() {
	s.abortOpen()
}

func (s *session) close() {
	if s.closed {
		return
	}
	s.closed = true
	s.stage(stage.Close, nil)
	s.srv.activeConnections.Add(-1)
	observeClose(s.started)
	logger.DebugContext(s.ctx, "Milter: connection closed", "connection", s.conn.ID(), "messages", s.messages)
}

// Response maps a decision onto a milter response.
func Response(d acl.Decision) milter.Response {
	switch d.Outcome {
	case acl.Accept:
		return milter.RespAccept
	case acl.Discard:
		return milter.RespDiscard
	case acl.Aborted:
		return milter.RespTempFail
	case acl.Reject, acl.TempFail:
		if d.Reply != nil {
			return milter.NewResponse('y', []byte(FormatReply(d.Reply)+"\x00"))
		}
		if d.Outcome == acl.Reject {
			return milter.RespReject
		}
		return milter.RespTempFail
	}
	return milter.RespContinue
}

var replySanitizer = strings.NewReplacer("\r", " ", "\n", " ", "%", "%%")

// FormatReply renders an SMTP reply line for SMFIR_REPLYCODE.
func FormatReply(r *smtp.SMTPError) string {
	ec := r.EnhancedCode
	return fmt.Sprintf("%d %d.%d.%d %s", r.Code, ec[0], ec[1], ec[2], replySanitizer.Replace(r.Message))
}
