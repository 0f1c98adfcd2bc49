package message

import (
	"time"
)

// NsEbMS is the ebMS3 core namespace
const NsEbMS = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/"

// Test Service constants
const (
	TestService = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/service"
	TestAction  = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/test"
	DefaultRole = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/defaultRole"
)

// UserMessage is the ebMS3 UserMessage header as received
type UserMessage struct {
	MPC               string             `json:"mpc,omitempty"`
	MessageInfo       *MessageInfo       `json:"messageInfo"`
	PartyInfo         *PartyInfo         `json:"partyInfo"`
	CollaborationInfo *CollaborationInfo `json:"collaborationInfo"`
	MessageProperties *MessageProperties `json:"messageProperties,omitempty"`
	PayloadInfo       *PayloadInfo       `json:"payloadInfo,omitempty"`
}

// MessageInfo contains message identification and timestamps
type MessageInfo struct {
	Timestamp      time.Time `json:"timestamp"`
	MessageId      string    `json:"messageId"`
	RefToMessageId string    `json:"refToMessageId,omitempty"`
}

// PartyInfo contains sender and receiver party information
type PartyInfo struct {
	From *Party `json:"from"`
	To   *Party `json:"to"`
}

// Party represents a messaging party
type Party struct {
	PartyId []PartyId `json:"partyId"`
	Role    string    `json:"role"`
}

// PartyId represents a party identifier with type
type PartyId struct {
	Type  string `json:"type,omitempty"`
	Value string `json:"value"`
}

// CollaborationInfo contains service and action information
type CollaborationInfo struct {
	AgreementRef   *AgreementRef `json:"agreementRef,omitempty"`
	Service        Service       `json:"service"`
	Action         string        `json:"action"`
	ConversationId string        `json:"conversationId"`
}

// AgreementRef references a business agreement
type AgreementRef struct {
	Type  string `json:"type,omitempty"`
	Pmode string `json:"pmode,omitempty"`
	Value string `json:"value"`
}

// Service identifies the service
type Service struct {
	Type  string `json:"type,omitempty"`
	Value string `json:"value"`
}

// MessageProperties contains custom message properties
type MessageProperties struct {
	Property []Property `json:"property"`
}

// Property represents a message property
type Property struct {
	Name  string `json:"name"`
	Type  string `json:"type,omitempty"`
	Value string `json:"value"`
}

// PayloadInfo contains references to payload parts
type PayloadInfo struct {
	PartInfo []PartInfo `json:"partInfo"`
}

// PartInfo describes a payload part
type PartInfo struct {
	Href           string          `json:"href,omitempty"`
	Description    string          `json:"description,omitempty"`
	Schema         *Schema         `json:"schema,omitempty"`
	PartProperties *PartProperties `json:"partProperties,omitempty"`
}

// Schema references the schema of a payload part
type Schema struct {
	Location  string `json:"location"`
	Version   string `json:"version,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}

// PartProperties contains properties for a payload part
type PartProperties struct {
	Property []Property `json:"property"`
}

// SignalMessage represents an ebMS3 SignalMessage: a Receipt, one or more
// Errors, or a PullRequest
type SignalMessage struct {
	MessageInfo *MessageInfo `json:"messageInfo"`
	Receipt     *Receipt     `json:"receipt,omitempty"`
	Errors      []Error      `json:"errors,omitempty"`
	PullRequest *PullRequest `json:"pullRequest,omitempty"`
}

// Receipt represents a receipt acknowledgment. Content holds the receipt
// child elements as received.
type Receipt struct {
	Content string `json:"content,omitempty"`
}

// Error represents an ebMS3 error
type Error struct {
	ErrorCode           string `json:"errorCode"`
	Severity            string `json:"severity"`
	ShortDescription    string `json:"shortDescription,omitempty"`
	Category            string `json:"category,omitempty"`
	Origin              string `json:"origin,omitempty"`
	Description         string `json:"description,omitempty"`
	ErrorDetail         string `json:"errorDetail,omitempty"`
	RefToMessageInError string `json:"refToMessageInError,omitempty"`
}

// PullRequest asks for the next message waiting on a partition channel
type PullRequest struct {
	MPC string `json:"mpc,omitempty"`
}

// PayloadPart represents a MIME payload part
type PayloadPart struct {
	ContentID   string
	ContentType string
	Data        []byte
}
