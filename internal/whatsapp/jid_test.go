// ABOUTME: Tests for JID parsing and phone normalization
// ABOUTME: Covers both addressing schemes, device suffixes, and contact equality

package whatsapp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJIDUser(t *testing.T) {
	assert.Equal(t, "557791744200", JIDUser("557791744200@s.whatsapp.net"))
	assert.Equal(t, "123456789", JIDUser("123456789@lid"))
	assert.Equal(t, "no-at-sign", JIDUser("no-at-sign"))
	assert.Equal(t, "", JIDUser(""))
}

func TestSchemeDetection(t *testing.T) {
	assert.True(t, IsPhoneJID("557791744200@s.whatsapp.net"))
	assert.False(t, IsPhoneJID("123456789@lid"))
	assert.True(t, IsLID("123456789@lid"))
	assert.False(t, IsLID("557791744200@s.whatsapp.net"))
	assert.False(t, IsLID("group123@g.us"))
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"55 (18) 31633-76656", "55183163376656"},
		{"+55 11 99999-9999", "5511999999999"},
		{"5511999999999", "5511999999999"},
		{"", ""},
		{"abc", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePhone(tt.in), "input %q", tt.in)
	}
}

func TestPhoneFromJIDStripsDeviceSuffix(t *testing.T) {
	assert.Equal(t, "557791744200", PhoneFromJID("557791744200:0@s.whatsapp.net"))
	assert.Equal(t, "557791744200", PhoneFromJID("557791744200:15@s.whatsapp.net"))
	assert.Equal(t, "557791744200", PhoneFromJID("557791744200@s.whatsapp.net"))
}

func TestSameContact(t *testing.T) {
	assert.True(t, SameContact("5511999999999@s.whatsapp.net", "5511999999999:3@s.whatsapp.net"))
	assert.False(t, SameContact("5511999999999@s.whatsapp.net", "5511888888888@s.whatsapp.net"))
	// Empty users fall back to exact comparison.
	assert.True(t, SameContact("@lid", "@lid"))
}

func TestToJID(t *testing.T) {
	assert.Equal(t, "5511999999999@s.whatsapp.net", ToJID("5511999999999"))
	assert.Equal(t, "123@lid", ToJID("123@lid"))
	assert.Equal(t, "5511999999999@s.whatsapp.net", ToJID("5511999999999@s.whatsapp.net"))
}
