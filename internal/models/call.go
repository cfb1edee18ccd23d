package models

import "time"

// CallStatus is the lifecycle state of the shared call signaling record.
type CallStatus string

const (
	CallIdle    CallStatus = ""
	CallRinging CallStatus = "ringing"
	CallInCall  CallStatus = "in_call"
	CallEnded   CallStatus = "ended"
)

// Active reports whether a call is ringing or in progress.
func (s CallStatus) Active() bool {
	return s == CallRinging || s == CallInCall
}

// CallRecord is the single shared "incoming call" record. It lives outside
// the post aggregate and carries no media transport.
type CallRecord struct {
	Code      string     `json:"code,omitempty"`
	From      string     `json:"from,omitempty"`
	Status    CallStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
	Version   uint64     `json:"version"`
}
