package message

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirosfoundation/go-ebms/pkg/model"
)

// ToEntity converts the received header into a transient user message
// entity. Nothing in the result aliases um.
func (um *UserMessage) ToEntity() *model.UserMessage {
	e := model.NewUserMessage()
	if um.MPC != "" {
		e.SetMPC(um.MPC)
	}
	if mi := um.MessageInfo; mi != nil {
		e.SetMessageID(mi.MessageId)
		e.SetRefToMessageID(mi.RefToMessageId)
		e.SetTimestamp(mi.Timestamp.UTC())
	}
	if pi := um.PartyInfo; pi != nil {
		e.SetSender(pi.From.toEntity())
		e.SetReceiver(pi.To.toEntity())
	}
	if ci := um.CollaborationInfo; ci != nil {
		mci := &model.CollaborationInfo{
			Service:        model.Service{Name: ci.Service.Value, Type: ci.Service.Type},
			Action:         ci.Action,
			ConversationID: ci.ConversationId,
		}
		if ar := ci.AgreementRef; ar != nil {
			mci.AgreementRef = &model.AgreementReference{Name: ar.Value, Type: ar.Type, PModeID: ar.Pmode}
		}
		e.SetCollaborationInfo(mci)
	}
	if mp := um.MessageProperties; mp != nil {
		e.SetMessageProperties(toProperties(mp.Property))
	}
	if pl := um.PayloadInfo; pl != nil {
		payloads := make([]model.Payload, len(pl.PartInfo))
		for i := range pl.PartInfo {
			payloads[i] = pl.PartInfo[i].toEntity()
		}
		e.SetPayloads(payloads)
	}
	return e
}

// FromEntity converts a user message entity back into its header form
func FromEntity(e *model.UserMessage) *UserMessage {
	um := &UserMessage{
		MessageInfo: &MessageInfo{
			Timestamp:      e.Timestamp(),
			MessageId:      e.MessageID(),
			RefToMessageId: e.RefToMessageID(),
		},
		PartyInfo: &PartyInfo{
			From: fromPartner(e.Sender()),
			To:   fromPartner(e.Receiver()),
		},
	}
	if mpc := e.MPC(); mpc != model.DefaultMPC {
		um.MPC = mpc
	}
	if ci := e.CollaborationInfo(); ci != nil {
		um.CollaborationInfo = &CollaborationInfo{
			Service:        Service{Value: ci.Service.Name, Type: ci.Service.Type},
			Action:         ci.Action,
			ConversationId: ci.ConversationID,
		}
		if ar := ci.AgreementRef; ar != nil {
			um.CollaborationInfo.AgreementRef = &AgreementRef{Value: ar.Name, Type: ar.Type, Pmode: ar.PModeID}
		}
	}
	if props := e.MessageProperties(); len(props) > 0 {
		um.MessageProperties = &MessageProperties{Property: fromProperties(props)}
	}
	if payloads := e.Payloads(); len(payloads) > 0 {
		um.PayloadInfo = &PayloadInfo{}
		for _, p := range payloads {
			um.PayloadInfo.PartInfo = append(um.PayloadInfo.PartInfo, fromPayload(p))
		}
	}
	return um
}

// FromErrorMessage returns the signal message form of an error signal
func FromErrorMessage(em *model.ErrorMessage) *SignalMessage {
	sm := &SignalMessage{MessageInfo: &MessageInfo{
		Timestamp:      em.Timestamp(),
		MessageId:      em.MessageID(),
		RefToMessageId: em.RefToMessageID(),
	}}
	for _, e := range em.Errors() {
		sm.Errors = append(sm.Errors, Error(e))
	}
	return sm
}

// ToEntities converts a signal message into its message units. A signal
// carries a receipt, errors or a pull request.
func (sm *SignalMessage) ToEntities() ([]model.MessageUnit, error) {
	if sm.MessageInfo == nil {
		return nil, fmt.Errorf("signal message has no message info")
	}
	var units []model.MessageUnit
	if sm.Receipt != nil {
		r := model.NewReceipt()
		r.SetContent(sm.Receipt.Content)
		units = append(units, sm.withInfo(r))
	}
	if len(sm.Errors) > 0 {
		em := model.NewErrorMessage()
		errs := make([]model.EbmsError, len(sm.Errors))
		for i, e := range sm.Errors {
			errs[i] = model.EbmsError(e)
		}
		em.SetErrors(errs)
		units = append(units, sm.withInfo(em))
	}
	if sm.PullRequest != nil {
		pr := model.NewPullRequest()
		pr.SetMPC(sm.PullRequest.MPC)
		units = append(units, sm.withInfo(pr))
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("signal message %s carries no signal", sm.MessageInfo.MessageId)
	}
	return units, nil
}

type infoSetter interface {
	model.MessageUnit
	SetMessageID(string)
	SetRefToMessageID(string)
	SetTimestamp(time.Time)
}

func (sm *SignalMessage) withInfo(u infoSetter) model.MessageUnit {
	u.SetMessageID(sm.MessageInfo.MessageId)
	u.SetRefToMessageID(sm.MessageInfo.RefToMessageId)
	u.SetTimestamp(sm.MessageInfo.Timestamp.UTC())
	return u
}

func (p *Party) toEntity() *model.TradingPartner {
	if p == nil {
		return nil
	}
	tp := &model.TradingPartner{Role: p.Role}
	for _, id := range p.PartyId {
		tp.PartyIDs = append(tp.PartyIDs, model.PartyID{ID: id.Value, Type: id.Type})
	}
	return tp
}

func fromPartner(tp *model.TradingPartner) *Party {
	if tp == nil {
		return nil
	}
	p := &Party{Role: tp.Role}
	for _, id := range tp.PartyIDs {
		p.PartyId = append(p.PartyId, PartyId{Value: id.ID, Type: id.Type})
	}
	return p
}

func (p *PartInfo) toEntity() model.Payload {
	payload := model.Payload{
		URI:        p.Href,
		MimeType:   p.Property(PartPropertyMimeType),
		Properties: toProperties(partProperties(p)),
	}
	switch {
	case p.Href == "" || strings.HasPrefix(p.Href, "#"):
		payload.Containment = model.ContainmentBody
	case strings.HasPrefix(p.Href, "cid:"):
		payload.Containment = model.ContainmentAttachment
	default:
		payload.Containment = model.ContainmentExternal
	}
	if p.Description != "" {
		payload.Description = &model.Description{Text: p.Description}
	}
	if s := p.Schema; s != nil {
		payload.SchemaRef = &model.SchemaReference{Namespace: s.Namespace, Location: s.Location, Version: s.Version}
	}
	return payload
}

func fromPayload(p model.Payload) PartInfo {
	pi := PartInfo{Href: p.URI}
	if p.Description != nil {
		pi.Description = p.Description.Text
	}
	if s := p.SchemaRef; s != nil {
		pi.Schema = &Schema{Namespace: s.Namespace, Location: s.Location, Version: s.Version}
	}
	if len(p.Properties) > 0 {
		pi.PartProperties = &PartProperties{Property: fromProperties(p.Properties)}
	}
	if p.MimeType != "" && pi.Property(PartPropertyMimeType) == "" {
		pi.SetMimeType(p.MimeType)
	}
	return pi
}

func partProperties(p *PartInfo) []Property {
	if p.PartProperties == nil {
		return nil
	}
	return p.PartProperties.Property
}

func toProperties(props []Property) []model.Property {
	if len(props) == 0 {
		return nil
	}
	out := make([]model.Property, len(props))
	for i, p := range props {
		out[i] = model.Property{Name: p.Name, Value: p.Value, Type: p.Type}
	}
	return out
}

func fromProperties(props []model.Property) []Property {
	out := make([]Property, len(props))
	for i, p := range props {
		out[i] = Property{Name: p.Name, Value: p.Value, Type: p.Type}
	}
	return out
}
