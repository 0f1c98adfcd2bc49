// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package message provides the ebMS3 message headers as received or sent,
and their conversion into message unit entities.

Parsing and serializing the SOAP envelope is done elsewhere; this
package starts from headers that have already been parsed.

# Headers

A UserMessage header names the message (MessageInfo), the two parties
(PartyInfo), what is exchanged under which agreement (CollaborationInfo),
free-form MessageProperties and the payload references (PayloadInfo).
A SignalMessage carries a Receipt, a list of Errors or a PullRequest for
a partition channel, with MessageInfo pointing at the message it answers.

# Entities

ToEntity copies a received header into a transient model.UserMessage
which can then be handed to the storage manager. The copy shares no
memory with the header:

	entity := header.ToEntity()
	stored, err := store.StoreIncomingMessageUnit(ctx, entity)

Signal messages convert with ToEntities, and FromEntity turns a stored
user message back into its header form.

# Outgoing Messages

NewUserMessage assembles a header for sending; Build reports every
missing mandatory field at once:

	entity, err := message.NewUserMessage(
	    message.WithFrom("sender", "urn:oasis:names:tc:ebcore:partyid-type:unregistered"),
	    message.WithTo("receiver", "urn:oasis:names:tc:ebcore:partyid-type:unregistered"),
	    message.WithService("urn:example:orders"),
	    message.WithAction("submitOrder"),
	    message.WithPModeRef("urn:agreement:orders", "orders-push"),
	).AddPayload(nil, "application/xml").BuildEntity()

NewReceipt, NewError and NewPullRequest create the signals.

# References

  - OASIS ebMS 3.0 Core: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
  - ebCore Party ID Types: https://docs.oasis-open.org/ebcore/PartyIdType/v1.0/
*/
package message
