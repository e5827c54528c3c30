package helpers

import "strings"

// SplitEmailAddress splits an address into its lowercased local part and
// domain. An address without '@' is returned as a local part with an empty
// domain.
func SplitEmailAddress(email string) (string, string) {
	email = strings.ToLower(StripAngleBrackets(email))
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return email, ""
	}
	return email[:at], email[at+1:]
}

// StripAngleBrackets removes the <> that MTAs put around envelope addresses.
func StripAngleBrackets(addr string) string {
	addr = strings.TrimSpace(addr)
	if len(addr) >= 2 && addr[0] == '<' && addr[len(addr)-1] == '>' {
		return addr[1 : len(addr)-1]
	}
	return addr
}

// AddressDomain returns the lowercased domain of an email address, or an
// empty string for the null sender and unqualified addresses.
func AddressDomain(email string) string {
	_, domain := SplitEmailAddress(email)
	return domain
}
