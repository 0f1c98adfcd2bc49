package model

// DefaultMPC is the message partition channel used when none is set
const DefaultMPC = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/defaultMPC"

// Property is a name/value pair with an optional type
type Property struct {
	Name  string `bson:"name" json:"name" yaml:"name"`
	Value string `bson:"value" json:"value" yaml:"value"`
	Type  string `bson:"type,omitempty" json:"type,omitempty" yaml:"type,omitempty"`
}

// PartyID identifies a trading partner, optionally qualified by a type
type PartyID struct {
	ID   string `bson:"id" json:"id"`
	Type string `bson:"type,omitempty" json:"type,omitempty"`
}

// TradingPartner is the sender or receiver of a user message. Whether it
// sends or receives is determined by the field that holds it.
type TradingPartner struct {
	PartyIDs []PartyID `bson:"party_ids" json:"partyIds"`
	Role     string    `bson:"role,omitempty" json:"role,omitempty"`
}

// Clone returns a deep copy; nil stays nil
func (tp *TradingPartner) Clone() *TradingPartner {
	if tp == nil {
		return nil
	}
	cp := &TradingPartner{Role: tp.Role}
	if len(tp.PartyIDs) > 0 {
		cp.PartyIDs = make([]PartyID, len(tp.PartyIDs))
		copy(cp.PartyIDs, tp.PartyIDs)
	}
	return cp
}

// AgreementReference points to the business agreement governing an exchange
type AgreementReference struct {
	Name    string `bson:"name" json:"name"`
	Type    string `bson:"type,omitempty" json:"type,omitempty"`
	PModeID string `bson:"pmode_id,omitempty" json:"pmodeId,omitempty"`
}

// Service identifies the business service
type Service struct {
	Name string `bson:"name" json:"name"`
	Type string `bson:"type,omitempty" json:"type,omitempty"`
}

// CollaborationInfo is the business process context of a user message
type CollaborationInfo struct {
	AgreementRef   *AgreementReference `bson:"agreement_ref,omitempty" json:"agreementRef,omitempty"`
	Service        Service             `bson:"service" json:"service"`
	Action         string              `bson:"action" json:"action"`
	ConversationID string              `bson:"conversation_id" json:"conversationId"`
}

// Clone returns a deep copy; nil stays nil
func (ci *CollaborationInfo) Clone() *CollaborationInfo {
	if ci == nil {
		return nil
	}
	cp := *ci
	if ci.AgreementRef != nil {
		ref := *ci.AgreementRef
		cp.AgreementRef = &ref
	}
	return &cp
}

// Containment describes how payload content is carried
type Containment string

const (
	ContainmentAttachment Containment = "ATTACHMENT"
	ContainmentBody       Containment = "BODY"
	ContainmentExternal   Containment = "EXTERNAL"
)

// Description is a human readable payload description
type Description struct {
	Text string `bson:"text" json:"text"`
	Lang string `bson:"lang,omitempty" json:"lang,omitempty"`
}

// SchemaReference points to the schema the payload content conforms to
type SchemaReference struct {
	Namespace string `bson:"namespace" json:"namespace"`
	Location  string `bson:"location,omitempty" json:"location,omitempty"`
	Version   string `bson:"version,omitempty" json:"version,omitempty"`
}

// Payload describes one payload of a user message. The content itself is
// referenced, either by URI in the message or by a local ContentLocation.
type Payload struct {
	Containment     Containment      `bson:"containment" json:"containment"`
	URI             string           `bson:"uri,omitempty" json:"uri,omitempty"`
	MimeType        string           `bson:"mime_type,omitempty" json:"mimeType,omitempty"`
	ContentLocation string           `bson:"content_location,omitempty" json:"contentLocation,omitempty"`
	Properties      []Property       `bson:"properties,omitempty" json:"properties,omitempty"`
	Description     *Description     `bson:"description,omitempty" json:"description,omitempty"`
	SchemaRef       *SchemaReference `bson:"schema_ref,omitempty" json:"schemaRef,omitempty"`
}

// Clone returns a deep copy of the payload
func (p Payload) Clone() Payload {
	cp := p
	cp.Properties = cloneProperties(p.Properties)
	if p.Description != nil {
		d := *p.Description
		cp.Description = &d
	}
	if p.SchemaRef != nil {
		s := *p.SchemaRef
		cp.SchemaRef = &s
	}
	return cp
}

// Property returns the value of the named payload property
func (p Payload) Property(name string) (string, bool) {
	for _, prop := range p.Properties {
		if prop.Name == name {
			return prop.Value, true
		}
	}
	return "", false
}

func cloneProperties(props []Property) []Property {
	if len(props) == 0 {
		return nil
	}
	out := make([]Property, len(props))
	copy(out, props)
	return out
}

func clonePayloads(payloads []Payload) []Payload {
	if len(payloads) == 0 {
		return nil
	}
	out := make([]Payload, len(payloads))
	for i, p := range payloads {
		out[i] = p.Clone()
	}
	return out
}
