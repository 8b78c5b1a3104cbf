package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// payloadVersion is the version written into newly encoded payloads. Decoding
// accepts any version up to and including this one.
const payloadVersion = 1

// Payload is the closed set of typed command payloads. Each implementation
// carries an explicit version field for forward compatibility and derives the
// resource key used for causal ordering.
type Payload interface {
	// CommandType returns the command type this payload belongs to.
	CommandType() CommandType

	// ResourceKey returns the logical resource the command mutates. Commands
	// sharing a resource key dispatch in creation order.
	ResourceKey() string

	// Validate reports whether the payload is well formed.
	Validate() error
}

// BeginShiftPayload starts a duty for a driver.
type BeginShiftPayload struct {
	Version    int       `json:"version"`
	DutyID     string    `json:"duty_id"`
	DriverID   string    `json:"driver_id"`
	StartedAt  time.Time `json:"started_at"`
	OdometerKM float64   `json:"odometer_km,omitempty"`
}

// CommandType implements Payload.
func (*BeginShiftPayload) CommandType() CommandType { return TypeBeginShift }

// ResourceKey implements Payload.
func (p *BeginShiftPayload) ResourceKey() string { return "duty/" + p.DutyID }

// Validate implements Payload.
func (p *BeginShiftPayload) Validate() error {
	if p.DutyID == "" {
		return fmt.Errorf("begin-shift: duty_id is required")
	}
	if p.DriverID == "" {
		return fmt.Errorf("begin-shift: driver_id is required")
	}
	return nil
}

// EndShiftPayload ends a duty.
type EndShiftPayload struct {
	Version    int       `json:"version"`
	DutyID     string    `json:"duty_id"`
	EndedAt    time.Time `json:"ended_at"`
	OdometerKM float64   `json:"odometer_km,omitempty"`
}

// CommandType implements Payload.
func (*EndShiftPayload) CommandType() CommandType { return TypeEndShift }

// ResourceKey implements Payload.
func (p *EndShiftPayload) ResourceKey() string { return "duty/" + p.DutyID }

// Validate implements Payload.
func (p *EndShiftPayload) Validate() error {
	if p.DutyID == "" {
		return fmt.Errorf("end-shift: duty_id is required")
	}
	return nil
}

// LocationUpdatePayload reports one location fix captured during a duty.
type LocationUpdatePayload struct {
	Version    int       `json:"version"`
	DutyID     string    `json:"duty_id"`
	Latitude   float64   `json:"lat"`
	Longitude  float64   `json:"lon"`
	AccuracyM  float64   `json:"accuracy_m,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// CommandType implements Payload.
func (*LocationUpdatePayload) CommandType() CommandType { return TypeLocationUpdate }

// ResourceKey implements Payload.
func (p *LocationUpdatePayload) ResourceKey() string { return "duty/" + p.DutyID }

// Validate implements Payload.
func (p *LocationUpdatePayload) Validate() error {
	if p.DutyID == "" {
		return fmt.Errorf("location-update: duty_id is required")
	}
	if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("location-update: coordinates out of range")
	}
	return nil
}

// UploadEvidencePayload registers a captured photo evidence record. The photo
// bytes themselves live outside the queue; EvidenceRef points at them.
type UploadEvidencePayload struct {
	Version     int       `json:"version"`
	DutyID      string    `json:"duty_id"`
	EvidenceRef string    `json:"evidence_ref"`
	SHA256      string    `json:"sha256,omitempty"`
	CapturedAt  time.Time `json:"captured_at"`
}

// CommandType implements Payload.
func (*UploadEvidencePayload) CommandType() CommandType { return TypeUploadEvidence }

// ResourceKey implements Payload.
func (p *UploadEvidencePayload) ResourceKey() string { return "duty/" + p.DutyID }

// Validate implements Payload.
func (p *UploadEvidencePayload) Validate() error {
	if p.DutyID == "" {
		return fmt.Errorf("upload-evidence: duty_id is required")
	}
	if p.EvidenceRef == "" {
		return fmt.Errorf("upload-evidence: evidence_ref is required")
	}
	return nil
}

// RegisterPushTokenPayload registers the device push notification token.
type RegisterPushTokenPayload struct {
	Version  int    `json:"version"`
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// CommandType implements Payload.
func (*RegisterPushTokenPayload) CommandType() CommandType { return TypeRegisterPushToken }

// ResourceKey implements Payload.
func (*RegisterPushTokenPayload) ResourceKey() string { return "device/push-token" }

// Validate implements Payload.
func (p *RegisterPushTokenPayload) Validate() error {
	if p.Token == "" {
		return fmt.Errorf("register-push-token: token is required")
	}
	return nil
}

// AcceptAssignmentPayload accepts a dispatched assignment.
type AcceptAssignmentPayload struct {
	Version      int       `json:"version"`
	AssignmentID string    `json:"assignment_id"`
	AcceptedAt   time.Time `json:"accepted_at"`
}

// CommandType implements Payload.
func (*AcceptAssignmentPayload) CommandType() CommandType { return TypeAcceptAssignment }

// ResourceKey implements Payload.
func (p *AcceptAssignmentPayload) ResourceKey() string { return "assignment/" + p.AssignmentID }

// Validate implements Payload.
func (p *AcceptAssignmentPayload) Validate() error {
	if p.AssignmentID == "" {
		return fmt.Errorf("accept-assignment: assignment_id is required")
	}
	return nil
}

// EncodePayload validates p and serializes it to its JSON envelope, stamping
// the current payload version if none is set.
func EncodePayload(p Payload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	stampVersion(p)
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.CommandType(), err)
	}
	return data, nil
}

// DecodePayload deserializes the JSON envelope for the given command type.
// Unknown types and versions newer than this build understands are errors.
func DecodePayload(t CommandType, data []byte) (Payload, error) {
	p, err := newPayload(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	if v := versionOf(p); v > payloadVersion {
		return nil, fmt.Errorf("decode %s payload: unsupported version %d", t, v)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func newPayload(t CommandType) (Payload, error) {
	switch t {
	case TypeBeginShift:
		return &BeginShiftPayload{}, nil
	case TypeEndShift:
		return &EndShiftPayload{}, nil
	case TypeLocationUpdate:
		return &LocationUpdatePayload{}, nil
	case TypeUploadEvidence:
		return &UploadEvidencePayload{}, nil
	case TypeRegisterPushToken:
		return &RegisterPushTokenPayload{}, nil
	case TypeAcceptAssignment:
		return &AcceptAssignmentPayload{}, nil
	default:
		return nil, fmt.Errorf("unknown command type %q", t)
	}
}

func stampVersion(p Payload) {
	switch v := p.(type) {
	case *BeginShiftPayload:
		if v.Version == 0 {
			v.Version = payloadVersion
		}
	case *EndShiftPayload:
		if v.Version == 0 {
			v.Version = payloadVersion
		}
	case *LocationUpdatePayload:
		if v.Version == 0 {
			v.Version = payloadVersion
		}
	case *UploadEvidencePayload:
		if v.Version == 0 {
			v.Version = payloadVersion
		}
	case *RegisterPushTokenPayload:
		if v.Version == 0 {
			v.Version = payloadVersion
		}
	case *AcceptAssignmentPayload:
		if v.Version == 0 {
			v.Version = payloadVersion
		}
	}
}

func versionOf(p Payload) int {
	switch v := p.(type) {
	case *BeginShiftPayload:
		return v.Version
	case *EndShiftPayload:
		return v.Version
	case *LocationUpdatePayload:
		return v.Version
	case *UploadEvidencePayload:
		return v.Version
	case *RegisterPushTokenPayload:
		return v.Version
	case *AcceptAssignmentPayload:
		return v.Version
	default:
		return 0
	}
}
