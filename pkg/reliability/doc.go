// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package reliability provides reception awareness for ebMS messaging on
top of the message unit store.

# Duplicate Elimination

DeliverOnce delivers a received user message to the business application
unless another copy with the same message id was already processed:

	outcome, err := reliability.DeliverOnce(ctx, store, um, deliverer, generated)

The duplicate check and the final state change are made while holding the
store's lock for the message id, so concurrent copies, also in other
processes sharing the store, are delivered exactly once. Later copies end
in the DUPLICATE state.

# Retries

The ResendPlanner scans sent user messages waiting for a receipt under
P-Modes with retries enabled, longest waiting first. After the n-th
transmission the next one is due after

	RetryInterval * RetryMultiplier^(n-1)

A message transmitted more than MaxRetries times fails with an EBMS:0301
MissingReceipt error once the wait after its last transmission is over:

	planner := reliability.NewResendPlanner(store, pmodes)
	changed, err := planner.Run(ctx, generated)

# Receipts and Errors

CorrelateSignal applies a received receipt or error signal to the user
messages it refers to, and ExpireStale fails units that have not moved
for too long.

# References

  - OASIS AS4 Reception Awareness: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
*/
package reliability
