package milter

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/emersion/go-milter"

	"github.com/migadu/policyd/logger"
)

const (
	// protocolVersion is the highest milter protocol version spoken.
	protocolVersion uint32 = 6

	// maxPacket bounds a single command; body chunks are at most 64KiB.
	maxPacket = 4 << 20

	codeUnknown milter.Code = 'U' // SMFIC_UNKNOWN

	grantedActions = milter.OptAddHeader | milter.OptChangeHeader
)

var errQuit = errors.New("milter: quit")

// readPacket reads one length-prefixed milter command.
func readPacket(r io.Reader) (*milter.Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxPacket {
		return nil, fmt.Errorf("milter: invalid packet length %d", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return &milter.Message{Code: data[0], Data: data[1:]}, nil
}

func writePacket(w io.Writer, msg *milter.Message) error {
	buf := make([]byte, 5+len(msg.Data))
	binary.BigEndian.PutUint32(buf, uint32(len(msg.Data)+1))
	buf[4] = msg.Code
	copy(buf[5:], msg.Data)
	_, err := w.Write(buf)
	return err
}

// connHandler drives one MTA connection. The session it holds lives until
// the MTA quits; aborts and final replies only end the current message.
type connHandler struct {
	srv     *Server
	tc      *trackedConn
	r       *bufio.Reader
	sess    *session
	macros  map[string]string
	actions milter.OptAction
}

func (s *Server) handleConn(tc *trackedConn) {
	defer tc.Close()

	c := &connHandler{
		srv:  s,
		tc:   tc,
		r:    bufio.NewReader(tc),
		sess: s.newSession(tc.alive),
	}
	defer func() { c.sess.close() }()

	if err := c.serve(); err != nil && !errors.Is(err, io.EOF) && !tc.closed.Load() {
		logger.WarnContext(s.appCtx, "Milter: connection failed", "connection", c.sess.conn.ID(), "error", err)
	}
}

func (c *connHandler) serve() error {
	for {
		msg, err := readPacket(c.r)
		if err != nil {
			return err
		}
		resp, err := c.dispatch(msg)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			return err
		}
		if resp == nil {
			continue
		}
		if err := writePacket(c.tc, resp.Response()); err != nil {
			return err
		}
	}
}

func (c *connHandler) dispatch(msg *milter.Message) (milter.Response, error) {
	switch milter.Code(msg.Code) {
	case milter.CodeOptNeg:
		return c.negotiate(msg.Data)
	case milter.CodeMacro:
		c.macros = parseMacros(msg.Data)
		return nil, nil
	case milter.CodeConn:
		host, family, port, addr, err := parseConnect(msg.Data)
		if err != nil {
			return nil, err
		}
		return c.sess.Connect(host, family, port, addr, c.macros)
	case milter.CodeHelo:
		return c.sess.Helo(cstring(msg.Data), c.macros)
	case milter.CodeMail:
		return c.sess.MailFrom(cstring(msg.Data), c.macros)
	case milter.CodeRcpt:
		return c.sess.RcptTo(cstring(msg.Data), c.macros)
	case milter.CodeHeader:
		name, rest, ok := bytes.Cut(msg.Data, []byte{0})
		if !ok {
			return nil, fmt.Errorf("milter: malformed header command")
		}
		return c.sess.Header(string(name), cstring(rest), c.macros)
	case milter.CodeEOH:
		return c.sess.Headers(c.macros)
	case milter.CodeBody:
		return c.sess.BodyChunk(msg.Data, c.macros)
	case milter.CodeEOB:
		return c.sess.eom(c, macroValue(c.macros))
	case milter.CodeAbort:
		c.sess.Abort()
		c.macros = nil
		return nil, nil
	case milter.CodeData, codeUnknown:
		return milter.RespContinue, nil
	case milter.CodeQuitNewConn:
		// The MTA reuses this socket for its next SMTP session.
		c.sess.close()
		c.sess = c.srv.newSession(c.tc.alive)
		c.macros = nil
		return nil, nil
	case milter.CodeQuit:
		return nil, errQuit
	}
	return nil, fmt.Errorf("milter: unknown command %q", msg.Code)
}

func (c *connHandler) negotiate(data []byte) (milter.Response, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("milter: short option negotiation (%d bytes)", len(data))
	}
	version := binary.BigEndian.Uint32(data)
	if version < 2 {
		return nil, fmt.Errorf("milter: unsupported protocol version %d", version)
	}
	version = min(version, protocolVersion)
	c.actions = milter.OptAction(binary.BigEndian.Uint32(data[4:])) & grantedActions

	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf, version)
	binary.BigEndian.PutUint32(buf[4:], uint32(c.actions))
	return milter.NewResponse(byte(milter.CodeOptNeg), buf), nil
}

// AddHeader sends SMFIR_ADDHEADER.
func (c *connHandler) AddHeader(name, value string) error {
	if c.actions&milter.OptAddHeader == 0 {
		logger.WarnContext(c.srv.appCtx, "Milter: MTA did not allow header additions", "connection", c.sess.conn.ID(), "header", name)
		return nil
	}
	data := append(cstringBytes(nil, name), cstringBytes(nil, toLF(value))...)
	return writePacket(c.tc, milter.NewResponse(byte(milter.ActAddHeader), data).Response())
}

// ChangeHeader sends SMFIR_CHGHEADER. An empty value deletes the field.
func (c *connHandler) ChangeHeader(index int, name, value string) error {
	if c.actions&milter.OptChangeHeader == 0 {
		logger.WarnContext(c.srv.appCtx, "Milter: MTA did not allow header changes", "connection", c.sess.conn.ID(), "header", name)
		return nil
	}
	data := binary.BigEndian.AppendUint32(nil, uint32(index))
	data = cstringBytes(data, name)
	data = cstringBytes(data, toLF(value))
	return writePacket(c.tc, milter.NewResponse(byte(milter.ActChangeHeader), data).Response())
}

var connFamilies = map[milter.ProtoFamily]string{
	milter.FamilyUnknown: "unknown",
	milter.FamilyUnix:    "unix",
	milter.FamilyInet:    "tcp4",
	milter.FamilyInet6:   "tcp6",
}

// parseConnect decodes SMFIC_CONNECT: hostname, family, port, address.
func parseConnect(data []byte) (host, family string, port uint16, addr net.IP, err error) {
	name, rest, ok := bytes.Cut(data, []byte{0})
	if !ok || len(rest) == 0 {
		return "", "", 0, nil, fmt.Errorf("milter: malformed connect command")
	}
	fam := milter.ProtoFamily(rest[0])
	rest = rest[1:]
	family, ok = connFamilies[fam]
	if !ok {
		return "", "", 0, nil, fmt.Errorf("milter: unknown protocol family %q", byte(fam))
	}
	if fam == milter.FamilyInet || fam == milter.FamilyInet6 {
		if len(rest) < 2 {
			return "", "", 0, nil, fmt.Errorf("milter: connect command without port")
		}
		port = binary.BigEndian.Uint16(rest)
		rest = rest[2:]
		addr = net.ParseIP(strings.TrimPrefix(cstring(rest), "IPv6:"))
	}
	return string(name), family, port, addr, nil
}

// parseMacros decodes SMFIC_MACRO. The first byte names the command the
// macros belong to.
func parseMacros(data []byte) map[string]string {
	m := make(map[string]string)
	if len(data) < 2 {
		return m
	}
	fields := strings.Split(strings.TrimSuffix(string(data[1:]), "\x00"), "\x00")
	for i := 0; i < len(fields); i += 2 {
		if i+1 < len(fields) {
			m[fields[i]] = fields[i+1]
		} else {
			m[fields[i]] = ""
		}
	}
	return m
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func cstringBytes(dst []byte, s string) []byte {
	dst = append(dst, s...)
	return append(dst, 0)
}

// toLF converts CRLF to LF; postfix doubles the CR otherwise.
func toLF(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
