package domain

import "time"

type Platform string

const (
	PlatformMT5     Platform = "mt5"
	PlatformCTrader Platform = "ctrader"
)

type SessionRole string

const (
	RoleLocal SessionRole = "local"
	RoleVPS   SessionRole = "vps"
	RoleCloud SessionRole = "cloud"
)

type SessionStatus string

const (
	StatusDisconnected SessionStatus = "disconnected"
	StatusConnecting   SessionStatus = "connecting"
	StatusConnected    SessionStatus = "connected"
	StatusError        SessionStatus = "error"
	StatusReconnecting SessionStatus = "reconnecting"
)

type AgentMode string

const (
	AgentModeBundled       AgentMode = "bundled"
	AgentModeExternal      AgentMode = "external"
	AgentModeNotConfigured AgentMode = "not-configured"
)

type AgentStatus string

const (
	AgentStopped      AgentStatus = "stopped"
	AgentStarting     AgentStatus = "starting"
	AgentRunning      AgentStatus = "running"
	AgentConnected    AgentStatus = "connected"
	AgentError        AgentStatus = "error"
	AgentNotAvailable AgentStatus = "not-available"
)

type Endpoint struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Secure bool   `json:"secure,omitempty"`
}

// ConnectionSession is the canonical per-account record held by the
// registry. CredentialRef never leaves the registry; Sanitize strips it
// on every outbound read.
type ConnectionSession struct {
	ID                string        `json:"id"`
	AccountID         string        `json:"account_id"`
	Platform          Platform      `json:"platform"`
	Role              SessionRole   `json:"role"`
	Endpoint          *Endpoint     `json:"endpoint,omitempty"`
	Login             string        `json:"login,omitempty"`
	Server            string        `json:"server,omitempty"`
	Status            SessionStatus `json:"status"`
	LastUpdate        time.Time     `json:"last_update"`
	LastConnected     *time.Time    `json:"last_connected,omitempty"`
	Error             string        `json:"error,omitempty"`
	ReconnectAttempts int           `json:"reconnect_attempts"`
	AutoReconnect     bool          `json:"auto_reconnect"`
	CredentialRef     string        `json:"-"`
}

// ConnectionMetrics is replaced whole on every update, never merged.
type ConnectionMetrics struct {
	Balance     float64  `json:"balance"`
	Equity      float64  `json:"equity"`
	Profit      float64  `json:"profit"`
	OpenCount   int      `json:"open_count"`
	Margin      *float64 `json:"margin,omitempty"`
	FreeMargin  *float64 `json:"free_margin,omitempty"`
	MarginLevel *float64 `json:"margin_level,omitempty"`
}

type PositionSide string

const (
	SideBuy  PositionSide = "buy"
	SideSell PositionSide = "sell"
)

type ConnectionPosition struct {
	Ticket       int64        `json:"ticket"`
	Symbol       string       `json:"symbol"`
	Side         PositionSide `json:"side"`
	Volume       float64      `json:"volume"`
	OpenPrice    float64      `json:"open_price"`
	CurrentPrice float64      `json:"current_price"`
	Profit       float64      `json:"profit"`
	StopLoss     *float64     `json:"stop_loss,omitempty"`
	TakeProfit   *float64     `json:"take_profit,omitempty"`
	OpenTime     time.Time    `json:"open_time"`
	MagicNumber  *int64       `json:"magic_number,omitempty"`
	Comment      string       `json:"comment,omitempty"`
	Digits       *int         `json:"digits,omitempty"`
}

// PipSize derives the pip unit from the symbol's quoted digits.
// Unknown digits fall back to the 4/5-digit FX convention.
func (p ConnectionPosition) PipSize() float64 {
	if p.Digits == nil {
		return 0.0001
	}
	switch d := *p.Digits; {
	case d >= 4:
		return 0.0001
	case d == 2 || d == 3:
		return 0.01
	case d == 1:
		return 0.1
	default:
		return 1
	}
}

// ConnectionSnapshot is the composite view handed to consumers.
type ConnectionSnapshot struct {
	Session   ConnectionSession    `json:"session"`
	Metrics   *ConnectionMetrics   `json:"metrics,omitempty"`
	Positions []ConnectionPosition `json:"positions,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// SnapshotUpdate carries a partial update from the bridge. Nil fields
// retain the prior value; an omitted field is never a clear.
type SnapshotUpdate struct {
	Status             *SessionStatus
	Metrics            *ConnectionMetrics
	Positions          []ConnectionPosition
	LastExternalDataAt time.Time
}

type ConnectionEventType string

const (
	EventStatusChanged    ConnectionEventType = "status_changed"
	EventSessionAdded     ConnectionEventType = "session_added"
	EventSessionRemoved   ConnectionEventType = "session_removed"
	EventReconnectStarted ConnectionEventType = "reconnect_started"
)

type ConnectionEvent struct {
	ID        string              `json:"event_id"`
	AccountID string              `json:"account_id"`
	Type      ConnectionEventType `json:"event_type"`
	Status    SessionStatus       `json:"status,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// PersistedSession is the durable record used to restore auto-reconnect
// sessions after a restart. The password is never part of it; the
// credential ref is an opaque encrypted blob resolved by secure storage.
type PersistedSession struct {
	AccountID     string      `json:"account_id"`
	Platform      Platform    `json:"platform"`
	Role          SessionRole `json:"role"`
	Login         string      `json:"login"`
	Server        string      `json:"server"`
	LastConnected *time.Time  `json:"last_connected,omitempty"`
	CredentialRef string      `json:"credential_ref,omitempty"`
}

// HealthReport is the resolved form of an agent /health response.
// Legacy field aliases are handled at the parsing boundary, not here.
type HealthReport struct {
	Healthy        bool      `json:"healthy"`
	TerminalLinked bool      `json:"terminal_linked"`
	Reason         string    `json:"reason,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}

// AgentState is the externally visible state of one supervised agent.
type AgentState struct {
	Platform     Platform      `json:"platform"`
	Mode         AgentMode     `json:"mode"`
	Status       AgentStatus   `json:"status"`
	PID          int           `json:"pid,omitempty"`
	Port         int           `json:"port"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	LastCheck    *HealthReport `json:"last_check,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}
