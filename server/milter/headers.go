package milter

import (
	"mime"
	"strings"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// decodeHeader decodes RFC 2047 encoded words and unfolds the value. An
// undecodable value is returned unfolded but otherwise raw.
func decodeHeader(v string) string {
	v = unfold(v)
	dec, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return dec
}

func unfold(v string) string {
	if !strings.ContainsAny(v, "\r\n") {
		return strings.TrimSpace(v)
	}
	v = strings.NewReplacer("\r\n", "", "\n", "", "\r", "").Replace(v)
	return strings.TrimSpace(v)
}

// fromAddress extracts the mailbox of a From header.
// The raw decoded value is used when it does not parse as an address.
func fromAddress(v string) string {
	addr, err := mail.ParseAddress(unfold(v))
	if err != nil {
		return decodeHeader(v)
	}
	return addr.Address
}
