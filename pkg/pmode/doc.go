// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package pmode provides Processing Mode (P-Mode) configuration for ebMS.

A P-Mode is the agreement that governs how message units of one exchange
are processed. The message units in storage only carry the id of their
P-Mode; everything else is looked up here.

# P-Mode Structure

A P-Mode contains the following configuration sections:

	type ProcessingMode struct {
	    ID                 string
	    Agreement          *Agreement          // Business agreement reference
	    MEP                string              // Message Exchange Pattern
	    MEPBinding         string              // Protocol binding
	    BusinessInfo       *BusinessInfo       // Service, action and MPC
	    CustomValidation   *CustomValidation   // Validators and rejection policy
	    ReceptionAwareness *ReceptionAwareness // Receipts and retries
	    ErrorHandling      *ErrorHandling      // Which errors are reported
	}

Duplicate detection of received user messages is always on and has no
setting. Without ErrorHandling every generated error is reported.

# Loading P-Modes

P-Modes are usually loaded from a YAML file:

	pmodes:
	  - id: orders
	    business_info:
	      service: {value: "urn:orders"}
	      action: submitOrder
	    custom_validation:
	      reject_on_failure: true
	      validators:
	        - id: props
	          type: required-properties
	          parameters: {names: "originalSender,finalRecipient"}
	    reception_awareness:
	      enabled: true
	      retry: {enabled: true, max_retries: 3, retry_interval: 1m, retry_multiplier: 2}

	manager := pmode.NewPModeManager()
	if err := manager.LoadFile("pmodes.yaml"); err != nil {
	    return err
	}

# Resolution

ResolveUserMessage finds the P-Mode of a user message by, in order, the
P-Mode id already set on the unit, the P-Mode id of its agreement
reference, and finally its service, action and agreement name. When
several P-Modes match by service and action the one with the lowest id
is used.

# References

  - OASIS ebMS 3.0 Core: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
  - OASIS AS4 P-Mode: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
*/
package pmode
