package registry

import (
	"time"

	"github.com/migadu/policyd/helpers"
	"github.com/migadu/policyd/stage"
	"github.com/migadu/policyd/value"
)

// Raw attributes installed by the protocol layer.
const (
	AttrConnectionID   = "connection_id"
	AttrClientAddr     = "client_addr"
	AttrClientPort     = "client_port"
	AttrClientName     = "client_name"
	AttrClientFamily   = "client_family"
	AttrHelo           = "helo"
	AttrSender         = "sender"
	AttrRecipient      = "recipient"
	AttrRecipients     = "recipients"
	AttrRecipientCount = "recipient_count"
	AttrHeaderName     = "header_name"
	AttrHeaderValue    = "header_value"
	AttrHeaders        = "headers"
	AttrHeaderCount    = "header_count"
	AttrSubject        = "subject"
	AttrFromHeader     = "from_header"
	AttrBodySize       = "body_size"
	AttrMessageCount   = "message_count"
	AttrMacros         = "macros"
)

// MessageAttributes are the raw attributes describing the current message.
// They are cleared when a new transaction starts on the same connection.
var MessageAttributes = []string{
	AttrSender, AttrRecipient, AttrRecipients, AttrRecipientCount,
	AttrHeaderName, AttrHeaderValue, AttrHeaders, AttrHeaderCount,
	AttrSubject, AttrFromHeader, AttrBodySize,
}

var (
	fromEnvFrom = stage.MaskOf(stage.EnvFrom, stage.EnvRcpt, stage.Header, stage.EOH, stage.Body, stage.EOM)
	fromEnvRcpt = stage.MaskOf(stage.EnvRcpt, stage.Header, stage.EOH, stage.Body, stage.EOM)
	fromConnect = stage.AllStages
)

// now is replaced in tests.
var now = time.Now

type attribute struct {
	name     string
	mask     stage.Mask
	policy   CachePolicy
	provider Provider
}

var standardAttributes = []attribute{
	{"stage", stage.AllStages, CacheNone, func(s *Session) (value.Value, error) {
		return value.String(s.Stage().String()), nil
	}},
	{"now", stage.AllStages, CacheNone, func(*Session) (value.Value, error) {
		return value.Int(now().Unix()), nil
	}},
	{"hour", stage.AllStages, CacheNone, func(*Session) (value.Value, error) {
		return value.Int(int64(now().Hour())), nil
	}},
	{"client_org_domain", fromConnect, CachePerConnection, func(s *Session) (value.Value, error) {
		return OrgDomain(str(s.Attribute(AttrClientName))), nil
	}},
	{"helo_org_domain", stage.AllStages &^ stage.MaskOf(stage.Connect), CachePerConnection, func(s *Session) (value.Value, error) {
		return OrgDomain(str(s.Attribute(AttrHelo))), nil
	}},
	{"sender_domain", fromEnvFrom, CacheNone, func(s *Session) (value.Value, error) {
		_, d := helpers.SplitEmailAddress(str(s.Attribute(AttrSender)))
		return value.String(d), nil
	}},
	{"sender_localpart", fromEnvFrom, CacheNone, func(s *Session) (value.Value, error) {
		l, _ := helpers.SplitEmailAddress(str(s.Attribute(AttrSender)))
		return value.String(l), nil
	}},
	{"sender_is_null", fromEnvFrom, CacheNone, func(s *Session) (value.Value, error) {
		return value.Bool(helpers.StripAngleBrackets(str(s.Attribute(AttrSender))) == ""), nil
	}},
	{"recipient_domain", fromEnvRcpt, CacheNone, func(s *Session) (value.Value, error) {
		_, d := helpers.SplitEmailAddress(str(s.Attribute(AttrRecipient)))
		return value.String(d), nil
	}},
	{"message_size", stage.MaskOf(stage.EOM), CacheNone, func(s *Session) (value.Value, error) {
		if v := s.Attribute(AttrBodySize); !v.IsAbsent() {
			return v, nil
		}
		return value.Int(0), nil
	}},
}

// RegisterStandard registers the builtin functions and the attributes
// derived from the raw protocol attributes.
func RegisterStandard(r *Registry) error {
	if err := RegisterBuiltins(r); err != nil {
		return err
	}
	for _, a := range standardAttributes {
		if err := r.RegisterAttribute(a.name, a.mask, a.policy, a.provider); err != nil {
			return err
		}
	}
	return nil
}
