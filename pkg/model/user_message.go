package model

// UserMessage is a business message exchanged between two trading partners
type UserMessage struct {
	Unit

	mpc               string
	sender            *TradingPartner
	receiver          *TradingPartner
	collaborationInfo *CollaborationInfo
	properties        []Property
	payloads          []Payload
}

// NewUserMessage returns an empty user message
func NewUserMessage() *UserMessage {
	return &UserMessage{}
}

// Kind implements View
func (um *UserMessage) Kind() Kind { return KindUserMessage }

// MPC returns the message partition channel, DefaultMPC when unset
func (um *UserMessage) MPC() string {
	if um.mpc == "" {
		return DefaultMPC
	}
	return um.mpc
}

// SetMPC sets the message partition channel
func (um *UserMessage) SetMPC(mpc string) { um.mpc = mpc }

// Sender returns a copy of the sending partner, nil when unset
func (um *UserMessage) Sender() *TradingPartner { return um.sender.Clone() }

// SetSender stores a copy of tp; nil clears the sender
func (um *UserMessage) SetSender(tp *TradingPartner) { um.sender = tp.Clone() }

// Receiver returns a copy of the receiving partner, nil when unset
func (um *UserMessage) Receiver() *TradingPartner { return um.receiver.Clone() }

// SetReceiver stores a copy of tp; nil clears the receiver
func (um *UserMessage) SetReceiver(tp *TradingPartner) { um.receiver = tp.Clone() }

// CollaborationInfo returns a copy of the business process context
func (um *UserMessage) CollaborationInfo() *CollaborationInfo {
	return um.collaborationInfo.Clone()
}

// SetCollaborationInfo stores a copy of ci; nil clears it
func (um *UserMessage) SetCollaborationInfo(ci *CollaborationInfo) {
	um.collaborationInfo = ci.Clone()
}

// MessageProperties returns a copy of the message properties, nil when none
func (um *UserMessage) MessageProperties() []Property {
	return cloneProperties(um.properties)
}

// SetMessageProperties replaces the message properties with copies of props
func (um *UserMessage) SetMessageProperties(props []Property) {
	um.properties = cloneProperties(props)
}

// AddMessageProperty appends a copy of p
func (um *UserMessage) AddMessageProperty(p Property) {
	um.properties = append(um.properties, p)
}

// MessageProperty returns the value of the named message property
func (um *UserMessage) MessageProperty(name string) (string, bool) {
	for _, p := range um.properties {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// Payloads returns deep copies of the payload descriptors, nil when the
// message carries no payload
func (um *UserMessage) Payloads() []Payload {
	return clonePayloads(um.payloads)
}

// SetPayloads replaces the payloads with deep copies of payloads
func (um *UserMessage) SetPayloads(payloads []Payload) {
	um.payloads = clonePayloads(payloads)
}

// AddPayload appends a deep copy of p
func (um *UserMessage) AddPayload(p Payload) {
	um.payloads = append(um.payloads, p.Clone())
}

// Clone returns a deep copy of the user message
func (um *UserMessage) Clone() *UserMessage {
	cp := &UserMessage{
		mpc:               um.mpc,
		sender:            um.sender.Clone(),
		receiver:          um.receiver.Clone(),
		collaborationInfo: um.collaborationInfo.Clone(),
		properties:        cloneProperties(um.properties),
		payloads:          clonePayloads(um.payloads),
	}
	cp.Unit.copyFrom(&um.Unit)
	return cp
}

func (um *UserMessage) cloneUnit() MessageUnit { return um.Clone() }
