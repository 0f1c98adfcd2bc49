// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package msh implements the Message Service Handler for ebMS.

The MSH runs the processing of received message units on a pool of
workers. Transport and envelope handling happen before a unit reaches
the MSH; it starts from parsed ebMS headers.

# Incoming User Messages

Every received user message goes through:
  - store in RECEIVED, then PROCESSING
  - resolve the P-Mode and record its id on the stored unit
  - custom validation; a rejected message ends in FAILURE
  - delivery to the business application, exactly once per message id

Errors generated on the way are handed to the ErrorHandler so an error
signal can be returned to the sender:

	m, err := msh.NewMSH(msh.Config{
	    Store:     store,
	    PModes:    pmodes,
	    Deliverer: deliverer,
	    ErrorHandler: func(messageID string, errs []model.EbmsError) {
	        // build and queue the error signal
	    },
	})
	if err := m.Start(ctx); err != nil {
	    return err
	}
	defer m.Stop()

	err = m.Submit(ctx, header)

# Signals

Receipts and errors are correlated with the sent user messages they refer
to. A pull request takes the oldest user message waiting on its partition
channel and hands it to the configured Transmitter. The pulled message then
awaits a receipt when its P-Mode retries, otherwise it is delivered.

# Outgoing Messages

SubmitOutbound stores a new user message and queues it for pushing.

# Events

Lifecycle events are dispatched to the EventHandler from a single
goroutine. Events are dropped when the event queue is full.

# References

  - OASIS ebMS 3.0 Processing: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
*/
package msh
