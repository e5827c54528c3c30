package acl

import (
	"strconv"
	"strings"

	"github.com/emersion/go-smtp"
)

// Outcome is the result of an action or of a whole stage. Outcomes are
// ordered by severity; a stage reports the most severe outcome of the
// rules it ran.
type Outcome uint8

const (
	Continue Outcome = iota
	Accept
	Error
	TempFail
	Reject
	Discard
	// Aborted means a tarpit gave up because the peer went away.
	Aborted
)

var outcomeNames = [...]string{
	Continue: "continue",
	Accept:   "accept",
	Error:    "error",
	TempFail: "tempfail",
	Reject:   "reject",
	Discard:  "discard",
	Aborted:  "aborted",
}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "outcome(" + strconv.Itoa(int(o)) + ")"
}

// Final reports whether o stops evaluation of the remaining rules of the
// stage.
func (o Outcome) Final() bool { return o >= TempFail }

func worse(a, b Outcome) bool { return a > b }

var (
	replyReject   = smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 7, 1}, Message: "Message rejected by policy"}
	replyTempFail = smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 7, 1}, Message: "Temporary policy failure, try again later"}
	replyGreylist = smtp.SMTPError{Code: 450, EnhancedCode: smtp.EnhancedCode{4, 7, 1}, Message: "Greylisted, try again later"}
)

// buildReply returns the SMTP reply for a final outcome. msg may carry its
// own "NNN X.Y.Z text" prefix; the code is honored only when its class
// matches the outcome (4xx for tempfail, 5xx for reject).
func buildReply(o Outcome, msg string, fallback smtp.SMTPError) *smtp.SMTPError {
	var class byte
	switch o {
	case TempFail:
		class = '4'
	case Reject:
		class = '5'
	default:
		return nil
	}
	if fallback.Code == 0 {
		fallback = replyReject
		if o == TempFail {
			fallback = replyTempFail
		}
	}
	reply := fallback
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return &reply
	}
	reply.Message = msg

	code, rest, ok := strings.Cut(msg, " ")
	if !ok || len(code) != 3 || code[0] != class {
		return &reply
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return &reply
	}
	reply.Code = n
	reply.Message = strings.TrimSpace(rest)

	enh, text, ok := strings.Cut(reply.Message, " ")
	if ec, valid := parseEnhanced(enh, class); ok && valid {
		reply.EnhancedCode = ec
		reply.Message = strings.TrimSpace(text)
	}
	return &reply
}

func parseEnhanced(s string, class byte) (smtp.EnhancedCode, bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 || len(parts[0]) != 1 || parts[0][0] != class {
		return smtp.EnhancedCode{}, false
	}
	var ec smtp.EnhancedCode
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 999 {
			return smtp.EnhancedCode{}, false
		}
		ec[i] = n
	}
	return ec, true
}
