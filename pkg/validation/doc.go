// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package validation runs the custom validators configured in a P-Mode
against received user messages and decides whether a message is rejected.

# Validators

A Validator inspects a user message and returns findings, each either a
warning or a failure. Validators are created from the P-Mode's
ValidatorSpec by a Factory registered under the validator type:

	registry := validation.NewRegistry()
	registry.Register("required-properties", validators.NewRequiredProperties)

# Pipeline

The Pipeline resolves the P-Mode of a message, runs every configured
validator and applies the rejection policy:

	reject = (RejectOnFailure && any failure) || (RejectOnWarning && any finding)

A rejected message gets exactly one EBMS:0004 error in the generated
errors map under its message id, and the Result asks the caller to move
the unit to FAILURE. Warnings under a lenient policy are kept in the
Result but produce no error.

A validator that returns an error or panics does not stop the pipeline.
Its fault is recorded as a failure finding and the remaining validators
still run.

# Concurrency

A Pipeline holds no per-message state and may be used from many
goroutines. The generated errors map passed to Run belongs to the caller
and must not be shared between concurrent invocations.
*/
package validation
