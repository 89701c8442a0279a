package alerts

import "time"

// Kind classifies a message for channel formatting and logs.
type Kind string

const (
	KindInit          Kind = "init"
	KindSession       Kind = "session"
	KindSlash         Kind = "slash"
	KindChill         Kind = "chill"
	KindOffline       Kind = "offline"
	KindReferendum    Kind = "referendum"
	KindOnHold        Kind = "on_hold"
	KindNodeDown      Kind = "node_down"
	KindFinalityStall Kind = "finality_stall"
)

type AlertStatus string

const (
	AlertFiring   AlertStatus = "firing"
	AlertResolved AlertStatus = "resolved"
	// AlertInfo is used for lifecycle reports that never resolve.
	AlertInfo AlertStatus = "info"
)

// Message is one notification. Text is newline separated with inline HTML
// tags; HTML is the same content for clients that render HTML bodies.
type Message struct {
	Key       string
	Kind      Kind
	Status    AlertStatus
	Severity  string
	ChainName string
	Title     string
	Text      string
	HTML      string
	Details   []AlertDetail
	Timestamp time.Time
}

type AlertDetail struct {
	Label string
	Value string
}
