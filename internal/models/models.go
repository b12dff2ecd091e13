// Package models defines the core data structures for FlowRelay.
//
// It includes types for sessions, flow runs, intent classification results,
// and the channel-agnostic inbound/outbound message shapes shared across modules.
package models

import (
	"errors"
	"time"
)

// Platform identifies the channel a session originates from.
type Platform string

const (
	// PlatformWebchat is the HTTP chat-widget channel.
	PlatformWebchat Platform = "webchat"
	// PlatformWhatsApp is the native WhatsApp channel (whatsmeow).
	PlatformWhatsApp Platform = "whatsapp"
	// PlatformTwilio is the Twilio-delivered WhatsApp/SMS channel.
	PlatformTwilio Platform = "twilio"
)

// ModuleGeneral is the catch-all business module; flows in this module match
// sessions of any module.
const ModuleGeneral = "general"

// Error variables for better error handling and testability.
var (
	ErrProtectedFlow    = errors.New("flow is system critical and cannot be disabled")
	ErrFlowNotFound     = errors.New("flow definition not found")
	ErrExecutorNotFound = errors.New("executor not registered")
	ErrRunNotFound      = errors.New("flow run not found")
	ErrRunNotActive     = errors.New("flow run is not active")
	ErrRunCancelled     = errors.New("flow run was cancelled")
	ErrEmptySessionKey  = errors.New("session key cannot be empty")
)

// DefinitionDefectError reports a structural problem in a flow definition that
// surfaced at run time (missing transition, unregistered executor). It is
// fatal for the affected run and must never be silently swallowed.
type DefinitionDefectError struct {
	FlowID  string
	StateID string
	Detail  string
}

func (e *DefinitionDefectError) Error() string {
	return "flow definition defect in flow " + e.FlowID + " state " + e.StateID + ": " + e.Detail
}

// DedupFingerprint records one recently-seen inbound message fingerprint.
// Bucket is the unix time of the fingerprint's window bucket start.
type DedupFingerprint struct {
	Hash   string `json:"hash"`
	Bucket int64  `json:"bucket"`
}

// Session is the per-user×channel conversational identity. It is created on
// the first inbound message for a key and mutated on every turn; it is never
// hard-deleted, only its ActiveRunID is cleared or replaced.
type Session struct {
	Key         string             `json:"key"` // channel-qualified, e.g. "whatsapp:+15551234567"
	Platform    Platform           `json:"platform"`
	UserRef     string             `json:"user_ref,omitempty"` // authenticated-user reference, optional
	AuthToken   string             `json:"auth_token,omitempty"`
	Module      string             `json:"module"`
	Language    string             `json:"language,omitempty"`
	ActiveRunID string             `json:"active_run_id,omitempty"`
	Dedup       []DedupFingerprint `json:"dedup,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// RunStatus is the lifecycle state of a FlowRun.
type RunStatus string

const (
	RunStatusActive    RunStatus = "active"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// FlowRun is one execution instance of one FlowDefinition for one Session.
// At most one run per session may have status active at a time.
type FlowRun struct {
	ID           string         `json:"id"`
	FlowID       string         `json:"flow_id"`
	FlowVersion  int            `json:"flow_version"` // definition snapshot the run started with
	SessionKey   string         `json:"session_key"`
	CurrentState string         `json:"current_state"`
	Context      map[string]any `json:"context,omitempty"`
	Status       RunStatus      `json:"status"`
	StepAttempts map[string]int `json:"step_attempts,omitempty"` // per-state retry counter
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ClassifierProvider names the tier that produced a classification.
type ClassifierProvider string

const (
	ProviderHeuristic    ClassifierProvider = "heuristic"
	ProviderLocal        ClassifierProvider = "local"
	ProviderGenerative   ClassifierProvider = "generative"
	ProviderUnclassified ClassifierProvider = "unclassified"
)

// IntentCandidate is one ranked entry of the disambiguation shortlist.
type IntentCandidate struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// IntentClassification is the transient result of the intent router. It is
// logged for audit but never persisted beyond the turn.
type IntentClassification struct {
	Intent     string             `json:"intent"`
	Confidence float64            `json:"confidence"`
	Entities   map[string]any     `json:"entities,omitempty"`
	Provider   ClassifierProvider `json:"provider"`
	Language   string             `json:"language,omitempty"`
	Candidates []IntentCandidate  `json:"candidates,omitempty"` // populated on unclassified results
}

// Unclassified reports whether no tier cleared its confidence threshold. The
// caller is expected to present a disambiguation menu rather than guess.
func (c *IntentClassification) Unclassified() bool {
	return c == nil || c.Provider == ProviderUnclassified
}

// Attachment is an opaque inbound media reference; the engine never interprets it.
type Attachment struct {
	Kind string `json:"kind"` // image, audio, document, ...
	URL  string `json:"url"`
}

// InboundMessage is the channel adapter boundary for incoming messages.
type InboundMessage struct {
	SessionKey  string       `json:"session_key"`
	Platform    Platform     `json:"platform"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Time        int64        `json:"time"`
}

// Button is one selectable option of an outbound message.
type Button struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Card is a rich outbound content block; adapters render it as the platform allows.
type Card struct {
	Title    string   `json:"title"`
	Subtitle string   `json:"subtitle,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
	Buttons  []Button `json:"buttons,omitempty"`
}

// OutboundMessage is the channel-agnostic response shape handed to adapters.
type OutboundMessage struct {
	Text     string            `json:"text"`
	Buttons  []Button          `json:"buttons,omitempty"`
	Cards    []Card            `json:"cards,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ExecutorContract is the static description of an executor: its name, the
// config keys it understands, the output keys it may produce, and the events
// it can emit. The flow validator uses it to turn run-time dispatch errors
// into publish-time ones.
type ExecutorContract struct {
	Name       string   `json:"name"`
	ConfigKeys []string `json:"config_keys,omitempty"`
	OutputKeys []string `json:"output_keys,omitempty"`
	Events     []string `json:"events"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
