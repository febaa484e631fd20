package gretun

// AuthType distinguishes how a UserInfo record is matched.
type AuthType int

const (
	AuthIP AuthType = iota
	AuthPassword
)

// UserInfo is the identity record synced from the control server. JSON
// tags match the wire shape of the original's rg-common UserInfo exactly,
// since ControlSession decodes UserAuth/UpdateUser messages straight into
// this type.
type UserInfo struct {
	UserID     uint64   `json:"user_id"`
	UserPlanID uint64   `json:"user_plan_id"`
	Username   string   `json:"username"`
	Password   string   `json:"password"`
	WhiteIP    string   `json:"white_ip"`
	AuthType   AuthType `json:"auth_type"`
	IPs        []string `json:"ips"`
	Available  bool     `json:"available"`
}

// MarshalJSON encodes AuthType as the original's "IP"/"Password" strings.
func (a AuthType) MarshalJSON() ([]byte, error) {
	if a == AuthIP {
		return []byte(`"IP"`), nil
	}
	return []byte(`"Password"`), nil
}

// UnmarshalJSON decodes the original's "IP"/"Password" auth_type strings.
func (a *AuthType) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"IP"`:
		*a = AuthIP
	default:
		*a = AuthPassword
	}
	return nil
}

// WhiteListEntry is a single allowlist record. A connecting client matches
// by ip alone when Username and Password are both empty, otherwise by the
// composite ip-username-password key.
type WhiteListEntry struct {
	IP       string `json:"ip"`
	Username string `json:"username"`
	Password string `json:"password"`
	UserID   uint64 `json:"user_id"`
}

func (w WhiteListEntry) key() string {
	if w.Username == "" && w.Password == "" {
		return w.IP
	}
	return w.IP + "-" + w.Username + "-" + w.Password
}

// TrafficRecord aggregates upload/download for one flow of one user.
type TrafficRecord struct {
	UserID     uint64 `json:"user_id"`
	UserPlanID uint64 `json:"user_plan_id"`
	Host       string `json:"host"`
	LocalIP    string `json:"local_ip"`
	RemoteIP   string `json:"remote_ip"`
	Upload     uint64 `json:"upload"`
	Download   uint64 `json:"download"`
}

// FlowKey returns the aggregation key host-local_ip-remote_ip.
func (t TrafficRecord) FlowKey() string {
	return t.Host + "-" + t.LocalIP + "-" + t.RemoteIP
}

// StatKind tags a StatSnapshot by which sub-counter produced it.
type StatKind int

const (
	StatUserTraffic StatKind = iota
	StatTrafficTotal
	StatRequest
	StatConnection
	StatSystem
)

func (k StatKind) String() string {
	switch k {
	case StatUserTraffic:
		return "UserTraffic"
	case StatTrafficTotal:
		return "TrafficTotal"
	case StatRequest:
		return "Request"
	case StatConnection:
		return "Connection"
	case StatSystem:
		return "System"
	default:
		return "Unknown"
	}
}

// StatSnapshot is a point-in-time collection result. Payload is opaque to
// everything except the producer and ControlSession, which re-wraps it for
// the wire.
type StatSnapshot struct {
	Kind      StatKind
	Payload   string
	Timestamp int64
}

// RequestKind classifies an accepted request for RequestStat.Add. None is
// used at accept time, before the protocol is known.
type RequestKind int

const (
	RequestNone RequestKind = iota
	RequestHTTP
	RequestHTTPS
	RequestSOCKS5
)
