// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package model defines the message units handled by the ebMS messaging core.

# Message Units

A message unit is one unit of protocol-level communication. The package
models the four ebMS3 variants as a closed set of types sharing a common
base ([Unit]):

  - [UserMessage]: business message with parties, collaboration info,
    message properties and payload descriptors
  - [Receipt]: acknowledgement of a received user message
  - [ErrorMessage]: one or more ebMS errors
  - [PullRequest]: request for a message waiting on a message partition channel

[MessageUnit] is implemented only by these four types. Code that only needs
the base fields works with [View]; code that needs variant data switches on
the concrete type:

	switch mu := unit.(type) {
	case *model.UserMessage:
	    payloads := mu.Payloads()
	case *model.ErrorMessage:
	    errs := mu.Errors()
	}

# Copy Semantics

Trading partners, collaboration info, properties and payloads are values.
Every setter stores an independent deep copy and every getter returns one,
so an entity never shares mutable state with its caller:

	um := model.NewUserMessage()
	um.SetSender(partner)
	partner.Role = "changed" // does not affect um.Sender()

Empty property and payload collections are normalized to nil.

# Processing State

Each message unit carries an append-only [StateHistory]. The current state
is always the last entry and the history is never reordered or truncated.
Core ids and state changes are assigned by the storage manager through
[AssignCoreID] and [RecordState].

# Partial Views

Sweep queries return [*Summary] values that carry identity and current
state only. A Summary is a [View] but not a [MessageUnit]; variant data is
only available after the storage layer loads the unit completely.
*/
package model
