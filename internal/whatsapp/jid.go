// ABOUTME: JID normalization for the network's dual addressing schemes
// ABOUTME: Prevents duplicate conversations when one contact appears as LID and phone JID

package whatsapp

import "strings"

// JID suffixes used by the network. A contact can be addressed by a stable
// opaque link id ("@lid") or by a phone-number id ("@s.whatsapp.net");
// keying conversations by whichever arrives first would split one human
// across two conversations.
const (
	suffixPhone      = "@s.whatsapp.net"
	suffixLID        = "@lid"
	suffixGroup      = "@g.us"
	suffixNewsletter = "@newsletter"
)

// JIDUser extracts the part of a JID before the "@".
// "557791744200@s.whatsapp.net" -> "557791744200".
func JIDUser(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	return strings.TrimSpace(user)
}

// IsLID reports whether the JID uses the opaque link-id scheme.
func IsLID(jid string) bool {
	return strings.HasSuffix(jid, suffixLID)
}

// IsPhoneJID reports whether the JID uses the phone-number scheme.
func IsPhoneJID(jid string) bool {
	return strings.HasSuffix(jid, suffixPhone)
}

// NormalizePhone strips everything but digits so lookups are consistent.
// "55 (18) 31633-76656" -> "55183163376656".
func NormalizePhone(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PhoneFromJID extracts the normalized phone number from a JID, dropping any
// device suffix ("557791744200:0" -> "557791744200"). For LID JIDs the
// result is the opaque value's digits and must not be treated as a phone
// number; callers use the resolution order in resolveIdentity instead.
func PhoneFromJID(jid string) string {
	user, _, _ := strings.Cut(JIDUser(jid), ":")
	return NormalizePhone(user)
}

// SameContact reports whether two JIDs address the same contact, comparing
// normalized numbers and ignoring the addressing scheme.
func SameContact(jid1, jid2 string) bool {
	p1 := PhoneFromJID(jid1)
	p2 := PhoneFromJID(jid2)
	if p1 == "" || p2 == "" {
		return jid1 == jid2
	}
	return p1 == p2
}

// ToJID coerces a bare phone number into a phone JID; values already
// carrying a suffix pass through unchanged.
func ToJID(to string) string {
	if strings.Contains(to, "@") {
		return to
	}
	return to + suffixPhone
}
