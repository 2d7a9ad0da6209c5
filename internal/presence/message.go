package presence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	TypeLivenessProbe = "liveness_probe"
	TypeLivenessAck   = "liveness_ack"
	TypeStartEditing  = "start_editing"
	TypeStopEditing   = "stop_editing"
	TypeActivity      = "activity"
	TypeEditingUsers  = "editing_users"
)

// ErrMalformed wraps every decode failure of an inbound frame.
var ErrMalformed = errors.New("malformed message")

// ReportID identifies a weekly report. Clients may send it as a JSON number
// or a numeric string; it is always encoded as a number.
type ReportID int64

func (id *ReportID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(s)
	}
	parsed, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("report id %q: %w", data, err)
	}
	*id = ReportID(parsed)
	return nil
}

func (id ReportID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Inbound is a decoded client→server frame: one of LivenessProbe,
// StartEditing, StopEditing, Activity or Unknown.
type Inbound interface {
	inbound()
}

type LivenessProbe struct{}

type StartEditing struct {
	ReportID ReportID
}

type StopEditing struct {
	ReportID ReportID
}

type Activity struct {
	ReportID ReportID
}

// Unknown is a well-formed frame whose type this server does not handle.
type Unknown struct {
	Type string
}

func (LivenessProbe) inbound() {}
func (StartEditing) inbound()  {}
func (StopEditing) inbound()   {}
func (Activity) inbound()      {}
func (Unknown) inbound()       {}

type inboundEnvelope struct {
	Type     string    `json:"type"`
	ReportID *ReportID `json:"reportId"`
}

// DecodeInbound parses a client frame. Frames that are not JSON objects, lack
// a type, or lack a valid reportId where one is required return an error
// wrapping ErrMalformed.
func DecodeInbound(data []byte) (Inbound, error) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch envelope.Type {
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	case TypeLivenessProbe:
		return LivenessProbe{}, nil
	case TypeStartEditing, TypeStopEditing, TypeActivity:
		if envelope.ReportID == nil || *envelope.ReportID <= 0 {
			return nil, fmt.Errorf("%w: %s requires a positive reportId", ErrMalformed, envelope.Type)
		}
		id := *envelope.ReportID
		switch envelope.Type {
		case TypeStartEditing:
			return StartEditing{ReportID: id}, nil
		case TypeStopEditing:
			return StopEditing{ReportID: id}, nil
		default:
			return Activity{ReportID: id}, nil
		}
	default:
		return Unknown{Type: envelope.Type}, nil
	}
}

// EncodeInbound produces the wire form of a client frame.
func EncodeInbound(msg Inbound) ([]byte, error) {
	switch m := msg.(type) {
	case LivenessProbe:
		return json.Marshal(map[string]any{"type": TypeLivenessProbe})
	case StartEditing:
		return json.Marshal(map[string]any{"type": TypeStartEditing, "reportId": m.ReportID})
	case StopEditing:
		return json.Marshal(map[string]any{"type": TypeStopEditing, "reportId": m.ReportID})
	case Activity:
		return json.Marshal(map[string]any{"type": TypeActivity, "reportId": m.ReportID})
	default:
		return nil, fmt.Errorf("cannot encode %T", msg)
	}
}

// LivenessAck tells a client the identity the server resolved for it.
type LivenessAck struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// EditingUsers is the presence update for one report.
type EditingUsers struct {
	Type     string   `json:"type"`
	ReportID ReportID `json:"reportId"`
	Users    []Editor `json:"users"`
}

type Editor struct {
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	StartTime    time.Time `json:"startTime"`
	LastActivity time.Time `json:"lastActivity"`
}

func newEditingUsers(reportID ReportID, sessions []EditingSession) EditingUsers {
	users := make([]Editor, 0, len(sessions))
	for _, s := range sessions {
		users = append(users, Editor{
			UserID:       s.UserID,
			Username:     s.Username,
			StartTime:    s.StartTime,
			LastActivity: s.LastActivity,
		})
	}
	return EditingUsers{Type: TypeEditingUsers, ReportID: reportID, Users: users}
}

// Outbound is a decoded server→client frame: LivenessAck, EditingUsers or
// Unknown.
type Outbound interface {
	outbound()
}

func (LivenessAck) outbound()  {}
func (EditingUsers) outbound() {}
func (Unknown) outbound()      {}

// DecodeOutbound parses a server frame on the client side.
func DecodeOutbound(data []byte) (Outbound, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch envelope.Type {
	case TypeLivenessAck:
		var ack LivenessAck
		if err := json.Unmarshal(data, &ack); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return ack, nil
	case TypeEditingUsers:
		var update EditingUsers
		if err := json.Unmarshal(data, &update); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return update, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return Unknown{Type: envelope.Type}, nil
	}
}
