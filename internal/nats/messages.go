package nats

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SubjectPrefix roots every cronguard subject.
const SubjectPrefix = "cronguard"

// Token makes s usable as a single subject token. Host names contain dots,
// which NATS treats as token separators.
func Token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

// SubjectState returns the subject for supervisor state changes on host.
func SubjectState(host string) string {
	return fmt.Sprintf("%s.%s.state", SubjectPrefix, Token(host))
}

// SubjectFault returns the subject for supervisor faults on host.
func SubjectFault(host string) string {
	return fmt.Sprintf("%s.%s.fault", SubjectPrefix, Token(host))
}

// SubjectContention returns the subject for skipped runs on host.
func SubjectContention(host string) string {
	return fmt.Sprintf("%s.%s.contention", SubjectPrefix, Token(host))
}

// SubjectCompleted returns the subject for finished invocations on host.
func SubjectCompleted(host string) string {
	return fmt.Sprintf("%s.%s.completed", SubjectPrefix, Token(host))
}

// SubjectReport returns the subject for operator reports from host.
func SubjectReport(host string) string {
	return fmt.Sprintf("%s.%s.report", SubjectPrefix, Token(host))
}

// StateMessage is a supervisor state transition.
type StateMessage struct {
	Host      string `json:"host"`
	Command   string `json:"command"`
	PID       int    `json:"pid"`
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp string `json:"timestamp"`
}

// Marshal serializes the message to JSON.
func (m StateMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// FaultMessage reports a wait loop failure that forced a kill.
type FaultMessage struct {
	Host      string `json:"host"`
	Command   string `json:"command"`
	PID       int    `json:"pid"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// Marshal serializes the message to JSON.
func (m FaultMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ContentionMessage reports a run skipped because the lock was held.
type ContentionMessage struct {
	Host      string `json:"host"`
	Key       string `json:"key"`
	Holder    string `json:"holder"`
	Local     bool   `json:"local"`
	Timestamp string `json:"timestamp"`
}

// Marshal serializes the message to JSON.
func (m ContentionMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// CompletedMessage reports the outcome of one invocation.
type CompletedMessage struct {
	Host       string `json:"host"`
	Command    string `json:"command"`
	State      string `json:"state"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	Timestamp  string `json:"timestamp"`
}

// Marshal serializes the message to JSON.
func (m CompletedMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ReportMessage is an operator report, the NATS counterpart of a mail.
type ReportMessage struct {
	Host      string `json:"host"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Timestamp string `json:"timestamp"`
}

// Marshal serializes the message to JSON.
func (m ReportMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalCompleted deserializes a CompletedMessage from JSON.
func UnmarshalCompleted(data []byte) (CompletedMessage, error) {
	var m CompletedMessage
	err := json.Unmarshal(data, &m)
	return m, err
}

// UnmarshalReport deserializes a ReportMessage from JSON.
func UnmarshalReport(data []byte) (ReportMessage, error) {
	var m ReportMessage
	err := json.Unmarshal(data, &m)
	return m, err
}

// UnmarshalState deserializes a StateMessage from JSON.
func UnmarshalState(data []byte) (StateMessage, error) {
	var m StateMessage
	err := json.Unmarshal(data, &m)
	return m, err
}
