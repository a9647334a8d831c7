// ABOUTME: Tests for the close-reason policy table
// ABOUTME: Every protocol disconnect maps to exactly one manager response

package whatsapp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicyFor(t *testing.T) {
	tests := []struct {
		reason CloseReason
		want   ClosePolicy
	}{
		{ReasonRestartRequired, PolicyRestart},
		{ReasonLoggedOut, PolicyTerminal},
		{ReasonConnectionReplaced, PolicyTerminal},
		{ReasonForbidden, PolicyTerminal},
		{ReasonMultideviceMismatch, PolicyTerminal},
		{ReasonBadSession, PolicyWipeCredentials},
		{ReasonConnectionClosed, PolicyReconnect},
		{ReasonConnectionLost, PolicyReconnect},
		{ReasonTimedOut, PolicyReconnect},
		{ReasonUnavailable, PolicyReconnect},
		{ReasonUnknown, PolicyReconnect},
		// Unrecognized reasons fail open toward retrying.
		{CloseReason("somethingNew"), PolicyReconnect},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PolicyFor(tt.reason), "reason %q", tt.reason)
	}
}
