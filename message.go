package gretun

import (
	"encoding/json"
	"fmt"
)

// Wire types for ControlSession, grounded on
// original_source/crates/rg-server-common/src/message.rs. The Rust side
// derives serde's default externally-tagged enum encoding: each variant
// marshals as a single-key JSON object, {"VariantName": payload}, or a
// bare string for a unit-like payload. ClientMessage/ServerMessage below
// reproduce that exact shape with hand-rolled MarshalJSON/UnmarshalJSON,
// since encoding/json has no native support for Rust-style tagged unions.

type StatData struct {
	StatType  StatKind `json:"stat_type"`
	Data      string   `json:"data"`
	Timestamp uint64   `json:"timestamp"`
}

// MarshalJSON encodes StatKind as its bare variant name, matching serde's
// default enum encoding (not the snake_case Display impl the original
// uses for logging).
func (k StatKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *StatKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "UserTraffic":
		*k = StatUserTraffic
	case "TrafficTotal":
		*k = StatTrafficTotal
	case "Request":
		*k = StatRequest
	case "Connection":
		*k = StatConnection
	case "System":
		*k = StatSystem
	default:
		return fmt.Errorf("gretun: unknown stat kind %q", s)
	}
	return nil
}

type UserTrafficInfo struct {
	UserTraffics []TrafficRecord `json:"user_traffics"`
	Timestamp    uint64          `json:"timestamp"`
}

// ServerIpInfo is the per-runner network assignment sent on connect,
// mirroring ServerIpInfo in message.rs exactly (including its three
// optional fields).
type ServerIpInfo struct {
	LocalIP     string   `json:"local_ip"`
	IPRange     []string `json:"ip_range"`
	PortStart   uint32   `json:"port_start"`
	PortEnd     *uint32  `json:"port_end,omitempty"`
	Offset      *uint32  `json:"offset,omitempty"`
	ExtraIPs    []string `json:"extra_ips"`
	ServerStart *string  `json:"server_start,omitempty"`
	ServerEnd   *string  `json:"server_end,omitempty"`
}

// ClientMessage is the tagged union this runner sends to the control
// server. Exactly one of the payload fields is set, selected by Kind.
type ClientMessage struct {
	Kind string

	Authenticate    string
	ClientInfoStat  StatData
	UserTrafficStat UserTrafficInfo
	IPRange         ServerIpInfo
}

func NewAuthenticateMessage(token string) ClientMessage {
	return ClientMessage{Kind: "Authenticate", Authenticate: token}
}

func NewClientInfoStatMessage(d StatData) ClientMessage {
	return ClientMessage{Kind: "ClientInfoStat", ClientInfoStat: d}
}

func NewUserTrafficStatMessage(d UserTrafficInfo) ClientMessage {
	return ClientMessage{Kind: "UserTrafficStat", UserTrafficStat: d}
}

func NewIPRangeMessage(d ServerIpInfo) ClientMessage {
	return ClientMessage{Kind: "IpRange", IPRange: d}
}

func (m ClientMessage) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case "Authenticate":
		return marshalTagged(m.Kind, m.Authenticate)
	case "ClientInfoStat":
		return marshalTagged(m.Kind, m.ClientInfoStat)
	case "UserTrafficStat":
		return marshalTagged(m.Kind, m.UserTrafficStat)
	case "IpRange":
		return marshalTagged(m.Kind, m.IPRange)
	default:
		return nil, fmt.Errorf("gretun: unknown ClientMessage kind %q", m.Kind)
	}
}

func (m *ClientMessage) UnmarshalJSON(data []byte) error {
	kind, raw, err := unmarshalTagged(data)
	if err != nil {
		return err
	}
	m.Kind = kind
	switch kind {
	case "Authenticate":
		return json.Unmarshal(raw, &m.Authenticate)
	case "ClientInfoStat":
		return json.Unmarshal(raw, &m.ClientInfoStat)
	case "UserTrafficStat":
		return json.Unmarshal(raw, &m.UserTrafficStat)
	case "IpRange":
		return json.Unmarshal(raw, &m.IPRange)
	default:
		return fmt.Errorf("gretun: unknown ClientMessage kind %q", kind)
	}
}

// ServerMessage is the tagged union ControlSession receives from the
// control server. Exactly one payload field is set, selected by Kind.
type ServerMessage struct {
	Kind string

	AclData       string
	UserAuth      []UserInfo
	UserWhiteList []WhiteListEntry
	UpdateUser    UserInfo
	DisableUser   uint64
}

func (m ServerMessage) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case "AclData":
		return marshalTagged(m.Kind, m.AclData)
	case "UserAuth":
		return marshalTagged(m.Kind, m.UserAuth)
	case "UserWhiteList":
		return marshalTagged(m.Kind, m.UserWhiteList)
	case "UpdateUser":
		return marshalTagged(m.Kind, m.UpdateUser)
	case "DisableUser":
		return marshalTagged(m.Kind, m.DisableUser)
	default:
		return nil, fmt.Errorf("gretun: unknown ServerMessage kind %q", m.Kind)
	}
}

func (m *ServerMessage) UnmarshalJSON(data []byte) error {
	kind, raw, err := unmarshalTagged(data)
	if err != nil {
		return err
	}
	m.Kind = kind
	switch kind {
	case "AclData":
		return json.Unmarshal(raw, &m.AclData)
	case "UserAuth":
		return json.Unmarshal(raw, &m.UserAuth)
	case "UserWhiteList":
		return json.Unmarshal(raw, &m.UserWhiteList)
	case "UpdateUser":
		return json.Unmarshal(raw, &m.UpdateUser)
	case "DisableUser":
		return json.Unmarshal(raw, &m.DisableUser)
	default:
		return fmt.Errorf("gretun: unknown ServerMessage kind %q", kind)
	}
}

func marshalTagged(kind string, payload interface{}) ([]byte, error) {
	inner, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	key, err := json.Marshal(kind)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf(`{%s:%s}`, key, inner)), nil
}

func unmarshalTagged(data []byte) (kind string, payload json.RawMessage, err error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return "", nil, err
	}
	if len(m) != 1 {
		return "", nil, fmt.Errorf("gretun: tagged message must have exactly one key, got %d", len(m))
	}
	for k, v := range m {
		return k, v, nil
	}
	return "", nil, fmt.Errorf("gretun: unreachable")
}
