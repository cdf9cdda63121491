package models

import (
	"encoding/json"
	"strings"
	"time"
)

/*** Transport frames ***/

// WSFrame is an outbound event.
type WSFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// InboundFrame is a client event whose payload is decoded per command.
type InboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client -> server events.
const (
	EventOpenDocument        = "open-document"
	EventCloseDocument       = "close-document"
	EventSubmitSteps         = "submit-steps"
	EventGetState            = "get-state"
	EventSetTitle            = "set-title"
	EventLeaveWithoutSaving  = "leave-without-saving"
	EventSave                = "save"
	EventAddTag              = "add-tag"
	EventRemoveTag           = "remove-tag"
	EventSetLanguage         = "set-language"
	EventSetAccess           = "set-access"
	EventRemoveAccess        = "remove-access"
	EventSetAccessMode       = "set-access-mode"
	EventSetClientVisibility = "set-client-visibility"
	EventSetDirection        = "set-direction"
	EventCursorUpdate        = "cursor-update"
)

// Server -> client events.
const (
	EventJoined                  = "joined"
	EventAuthorJoined            = "author-joined"
	EventAuthorLeft              = "author-left"
	EventStepsAccepted           = "steps-accepted"
	EventStateSnapshot           = "state-snapshot"
	EventTitleChanged            = "title-changed"
	EventSaveAck                 = "save-ack"
	EventSaveFailed              = "save-failed"
	EventTagAdded                = "tag-added"
	EventTagRemoved              = "tag-removed"
	EventLanguageChanged         = "language-changed"
	EventAccessSet               = "access-set"
	EventAccessRemoved           = "access-removed"
	EventAccessModeChanged       = "access-mode-changed"
	EventClientVisibilityChanged = "client-visibility-changed"
	EventDirectionChanged        = "direction-changed"
	EventCursorChanged           = "cursor-changed"
	EventConnectionRefused       = "connection-refused"
	EventError                   = "error"
)

// Reasons carried by connection-refused.
const (
	RefusedJoinConflict = "join-conflict"
	RefusedCapacity     = "capacity"
	RefusedNotFound     = "not-found"
	RefusedUnauthorized = "unauthorized"
)

/*** Identity and access ***/

// Principal is an admitted caller.
type Principal struct {
	ID           string `json:"id"`
	Organization string `json:"organization"`
	ReadOnly     bool   `json:"readOnly"`
	Token        string `json:"-"`
}

// DocRef identifies a persisted article and its language variant.
type DocRef struct {
	ID   string `json:"docId,omitempty"`
	Lang string `json:"langId,omitempty"`
}

func (d DocRef) IsZero() bool { return d.ID == "" }

// Matches reports whether d refers to other. An empty Lang on other matches any variant.
func (d DocRef) Matches(other DocRef) bool {
	if d.ID == "" || d.ID != other.ID {
		return false
	}
	return other.Lang == "" || d.Lang == other.Lang
}

type AccessMode int

const (
	AccessOpenWrite AccessMode = iota
	AccessOpenRead
	AccessOrgVisible
	AccessPrivate
)

func (m AccessMode) Valid() bool { return m >= AccessOpenWrite && m <= AccessPrivate }

// AccessEntry grants a user or a group read or write access. Exactly one of
// UserID and GroupID is set.
type AccessEntry struct {
	UserID  string `json:"userId,omitempty"`
	GroupID string `json:"groupId,omitempty"`
	Write   bool   `json:"write"`
}

func (e AccessEntry) Valid() bool { return (e.UserID == "") != (e.GroupID == "") }

// SameGrantee reports whether e and other address the same user or group.
func (e AccessEntry) SameGrantee(other AccessEntry) bool {
	return e.UserID == other.UserID && e.GroupID == other.GroupID
}

// NormalizeTag is the key used for case-insensitive tag comparison.
func NormalizeTag(tag string) string { return strings.ToLower(strings.TrimSpace(tag)) }

/*** Session view and protocol payloads ***/

// SessionView is the full state sent to a client on join.
type SessionView struct {
	RoomID        string          `json:"roomId"`
	DocID         string          `json:"docId,omitempty"`
	Title         string          `json:"title"`
	Content       json.RawMessage `json:"content"`
	Tags          []string        `json:"tags"`
	Language      string          `json:"language"`
	RTL           bool            `json:"rtl"`
	AccessMode    AccessMode      `json:"accessMode"`
	Access        []AccessEntry   `json:"access"`
	ClientVisible bool            `json:"clientVisible"`
	Version       int64           `json:"version"`
	Authors       []string        `json:"authors"`
}

type OpenDocument struct {
	DocID  string `json:"docId"`
	LangID string `json:"langId"`
	RoomID string `json:"roomId,omitempty"`
}

type SubmitSteps struct {
	FromVersion int64           `json:"fromVersion"`
	Steps       json.RawMessage `json:"ops"`
	ClientID    string          `json:"clientId"`
}

// StepsAccepted echoes the submitted batch with its outcome.
type StepsAccepted struct {
	Accepted bool            `json:"accepted"`
	Version  int64           `json:"version"`
	Steps    json.RawMessage `json:"ops"`
	ClientID string          `json:"clientId"`
}

type GetState struct {
	SinceVersion int64 `json:"sinceVersion"`
}

type StateSnapshot struct {
	Title     string            `json:"title"`
	Steps     []json.RawMessage `json:"steps"`
	ClientIDs []string          `json:"clientIds"`
	Version   int64             `json:"version"`
	Truncated bool              `json:"truncated"`
}

type TitleChange struct {
	Title string `json:"title"`
}

type SaveRequest struct {
	Message string `json:"message"`
	IsDraft bool   `json:"isDraft"`
}

type SaveAck struct {
	ID          string `json:"id"`
	PrincipalID string `json:"principalId"`
	Message     string `json:"message"`
	IsDraft     bool   `json:"isDraft"`
}

type SaveFailed struct {
	PrincipalID string `json:"principalId"`
	Error       string `json:"error"`
}

type TagChange struct {
	Tag string `json:"tag"`
}

type LanguageChange struct {
	Lang string `json:"lang"`
}

type AccessModeChange struct {
	Mode AccessMode `json:"mode"`
}

type ClientVisibilityChange struct {
	Visible bool `json:"visible"`
}

type DirectionChange struct {
	RTL bool `json:"rtl"`
}

type Cursor struct {
	PrincipalID string `json:"principalId,omitempty"`
	From        int    `json:"from"`
	To          int    `json:"to"`
}

type AuthorEvent struct {
	PrincipalID string `json:"principalId"`
}

type ConnectionRefused struct {
	Reason string `json:"reason"`
}

type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

/*** Persistence ***/

// Snapshot is a persisted article as returned by a gateway load.
type Snapshot struct {
	ID            string
	Lang          string
	Title         string
	Content       []byte
	Tags          []string
	RTL           bool
	AccessMode    AccessMode
	Access        []AccessEntry
	ClientVisible bool
}

// SavePayload is what a session hands to the gateway on save.
type SavePayload struct {
	ID            string
	Lang          string
	Title         string
	Content       []byte
	Tags          []string
	RTL           bool
	AccessMode    AccessMode
	Access        []AccessEntry
	ClientVisible bool
	Contributors  []string
	Message       string
	WIP           bool
}

type SaveResult struct {
	ID string
}

// Entitlement describes what an organization's plan allows.
type Entitlement struct {
	Entitled bool
}

// Membership is a principal's standing in an organization.
type Membership struct {
	Member   bool
	ReadOnly bool
}

/*** Room status ***/

// RoomStatus is the externally visible state of a live room.
type RoomStatus struct {
	RoomID       string    `json:"roomId"`
	Organization string    `json:"organization"`
	DocID        string    `json:"docId,omitempty"`
	Lang         string    `json:"lang,omitempty"`
	Authors      int       `json:"authors"`
	Version      int64     `json:"version"`
	Status       string    `json:"status"` // "open", "saved", "closed"
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Stats reports process-wide session counters.
type Stats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
}
