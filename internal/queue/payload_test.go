package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodePayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		payload     Payload
		wantType    CommandType
		wantResouce string
	}{
		{
			name:        "begin shift",
			payload:     &BeginShiftPayload{DutyID: "d-1", DriverID: "drv-1", StartedAt: time.Now().UTC()},
			wantType:    TypeBeginShift,
			wantResouce: "duty/d-1",
		},
		{
			name:        "end shift",
			payload:     &EndShiftPayload{DutyID: "d-1", EndedAt: time.Now().UTC()},
			wantType:    TypeEndShift,
			wantResouce: "duty/d-1",
		},
		{
			name:        "location update",
			payload:     &LocationUpdatePayload{DutyID: "d-2", Latitude: 51.5, Longitude: -0.1, RecordedAt: time.Now().UTC()},
			wantType:    TypeLocationUpdate,
			wantResouce: "duty/d-2",
		},
		{
			name:        "upload evidence",
			payload:     &UploadEvidencePayload{DutyID: "d-2", EvidenceRef: "blob/abc", CapturedAt: time.Now().UTC()},
			wantType:    TypeUploadEvidence,
			wantResouce: "duty/d-2",
		},
		{
			name:        "register push token",
			payload:     &RegisterPushTokenPayload{Token: "tok", Platform: "android"},
			wantType:    TypeRegisterPushToken,
			wantResouce: "device/push-token",
		},
		{
			name:        "accept assignment",
			payload:     &AcceptAssignmentPayload{AssignmentID: "a-9", AcceptedAt: time.Now().UTC()},
			wantType:    TypeAcceptAssignment,
			wantResouce: "assignment/a-9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.wantType, tt.payload.CommandType())
			assert.Equal(t, tt.wantResouce, tt.payload.ResourceKey())

			data, err := EncodePayload(tt.payload)
			require.NoError(t, err)

			decoded, err := DecodePayload(tt.wantType, data)
			require.NoError(t, err)
			assert.Equal(t, tt.payload, decoded)
			assert.Equal(t, payloadVersion, versionOf(decoded))
		})
	}
}

func TestEncodePayload_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload Payload
	}{
		{name: "begin shift missing duty", payload: &BeginShiftPayload{DriverID: "drv"}},
		{name: "begin shift missing driver", payload: &BeginShiftPayload{DutyID: "d-1"}},
		{name: "location out of range", payload: &LocationUpdatePayload{DutyID: "d-1", Latitude: 123}},
		{name: "evidence missing ref", payload: &UploadEvidencePayload{DutyID: "d-1"}},
		{name: "push token empty", payload: &RegisterPushTokenPayload{}},
		{name: "assignment missing id", payload: &AcceptAssignmentPayload{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := EncodePayload(tt.payload)
			assert.Error(t, err)
		})
	}
}

func TestDecodePayload_UnknownType(t *testing.T) {
	t.Parallel()

	_, err := DecodePayload(CommandType("teleport"), []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command type")
}

func TestDecodePayload_UnsupportedVersion(t *testing.T) {
	t.Parallel()

	_, err := DecodePayload(TypeRegisterPushToken, []byte(`{"version":99,"token":"tok"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version")
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, StatusDone.Terminal())
	assert.True(t, StatusDead.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusExecuting.Terminal())
	assert.False(t, StatusFailed.Terminal())
}
