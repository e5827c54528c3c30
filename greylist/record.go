package greylist

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/migadu/policyd/consts"
	"github.com/migadu/policyd/helpers"
	"github.com/migadu/policyd/value"
)

// KeyPrefix is the store namespace of greylist records.
const KeyPrefix = "greylist|"

// Key identifies a greylist triplet.
type Key struct {
	Client    string // client address or aggregated prefix
	Sender    string
	Recipient string
}

func (k Key) String() string {
	return fmt.Sprintf("(%s, %s, %s)", k.Client, k.Sender, k.Recipient)
}

var keyEscaper = strings.NewReplacer("%", "%25", "|", "%7C")

// StoreKey is the key the record is persisted under.
func (k Key) StoreKey() string {
	return KeyPrefix + keyEscaper.Replace(k.Client) + "|" + keyEscaper.Replace(k.Sender) + "|" + keyEscaper.Replace(k.Recipient)
}

// Normalizer reduces raw transaction data to a Key according to the
// aggregation settings.
type Normalizer struct {
	IPv4Prefix       int
	IPv6Prefix       int
	SenderDomainOnly bool
}

// Key builds a normalized key. client may be an address or empty for
// local submissions.
func (n Normalizer) Key(client netip.Addr, sender, recipient string) Key {
	k := Key{
		Sender:    strings.ToLower(helpers.StripAngleBrackets(sender)),
		Recipient: strings.ToLower(helpers.StripAngleBrackets(recipient)),
	}
	if n.SenderDomainOnly && k.Sender != "" {
		k.Sender = helpers.AddressDomain(k.Sender)
	}
	if client.IsValid() {
		client = client.Unmap()
		bits := n.IPv6Prefix
		if client.Is4() {
			bits = n.IPv4Prefix
		}
		if bits <= 0 || bits >= client.BitLen() {
			k.Client = client.String()
		} else {
			k.Client = netip.PrefixFrom(client, bits).Masked().String()
		}
	}
	return k
}

// Record is the persisted state of one triplet.
type Record struct {
	Key        Key
	Created    time.Time
	Deadline   time.Time // delay deadline
	VisaExpiry time.Time // zero until the triplet passes
	Valid      bool
	Passes     int64
	Forced     bool // passed by an administrator
}

// IsExpired reports whether r can be reclaimed. A validated record expires
// with its visa. A record that never passed expires pendingExpiry after
// its delay deadline.
func IsExpired(r Record, now time.Time, pendingExpiry time.Duration) bool {
	if r.Valid {
		return !now.Before(r.VisaExpiry)
	}
	return !now.Before(r.Deadline.Add(pendingExpiry))
}

func unix(t time.Time) value.Value {
	if t.IsZero() {
		return value.Absent
	}
	return value.Int(t.Unix())
}

func fromUnix(v value.Value) time.Time {
	if i, ok := v.AsInt(); ok {
		return time.Unix(i, 0)
	}
	return time.Time{}
}

// Value encodes r as a table.
func (r Record) Value() value.Value {
	t := value.NewTable()
	t.Set("client", value.String(r.Key.Client))
	t.Set("sender", value.String(r.Key.Sender))
	t.Set("recipient", value.String(r.Key.Recipient))
	t.Set("created", unix(r.Created))
	t.Set("deadline", unix(r.Deadline))
	t.Set("visa_expiry", unix(r.VisaExpiry))
	t.Set("valid", value.Bool(r.Valid))
	t.Set("passes", value.Int(r.Passes))
	if r.Forced {
		t.Set("forced", value.Bool(true))
	}
	return value.TableValue(t)
}

// RecordFromValue decodes a stored record.
func RecordFromValue(v value.Value) (Record, error) {
	t, ok := v.AsTable()
	if !ok {
		return Record{}, fmt.Errorf("%w: greylist record is %s, not a table", consts.ErrTypeMismatch, v.Kind())
	}
	str := func(name string) string {
		s, _ := t.Get(name).AsString()
		return s
	}
	r := Record{
		Key:        Key{Client: str("client"), Sender: str("sender"), Recipient: str("recipient")},
		Created:    fromUnix(t.Get("created")),
		Deadline:   fromUnix(t.Get("deadline")),
		VisaExpiry: fromUnix(t.Get("visa_expiry")),
		Valid:      value.Truth(t.Get("valid")),
		Forced:     value.Truth(t.Get("forced")),
	}
	r.Passes, _ = t.Get("passes").AsInt()
	if r.Deadline.IsZero() {
		return Record{}, fmt.Errorf("%w: greylist record has no deadline", consts.ErrTypeMismatch)
	}
	if r.Valid && r.VisaExpiry.IsZero() {
		return Record{}, fmt.Errorf("%w: valid greylist record has no visa expiry", consts.ErrTypeMismatch)
	}
	return r, nil
}
