// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package goebms implements the message unit persistence and processing core
of an ebMS 3 / AS4 message service handler.

# Overview

Every message unit an MSH sends or receives (user messages, receipts, errors
and pull requests) is stored together with its processing state history. The
rest of the handler finds units again through a query interface by message
id, state, P-Mode, age and relationship, and moves them along through
compare-and-set state transitions. Custom validation of received user
messages, resending of unacknowledged user messages and expiry of stalled
units are built on top of that interface.

# Package Structure

	github.com/sirosfoundation/go-ebms/pkg/model       - Message unit entities and state history
	github.com/sirosfoundation/go-ebms/pkg/storage     - Query and storage interfaces, ordering helpers
	github.com/sirosfoundation/go-ebms/pkg/pmode       - Processing Mode configuration and matching
	github.com/sirosfoundation/go-ebms/pkg/validation  - Custom validation pipeline and registry
	github.com/sirosfoundation/go-ebms/pkg/reliability - Duplicate elimination, resend planning and expiry
	github.com/sirosfoundation/go-ebms/pkg/msh         - Message Service Handler
	github.com/sirosfoundation/go-ebms/pkg/message     - Wire-level message structures and builders
	github.com/sirosfoundation/go-ebms/pkg/compression - GZIP payload compression

Storage backends live under internal/storage (memory, sqlite and mongodb).
The ebmsctl command runs the handler with NATS intake and event publishing,
Prometheus metrics and an admin HTTP API, and inspects a store from the
command line.

# Quick Start

	store, _ := sqlite.Open(ctx, "ebms.db")

	pmodes := pmode.NewPModeManager()
	_ = pmodes.AddPMode(pmode.DefaultPMode())

	handler, _ := msh.NewMSH(msh.Config{
	    Store:     store,
	    PModes:    pmodes,
	    Deliverer: deliverer,
	})
	_ = handler.Start(ctx)
	defer handler.Stop()

	_ = handler.Submit(ctx, received)

# License

BSD-2-Clause License
*/
package goebms
