package model

import "time"

// Error severities
const (
	SeverityFailure = "failure"
	SeverityWarning = "warning"
)

// EbmsError is a single ebMS error as carried in an error signal
type EbmsError struct {
	ErrorCode           string `bson:"error_code" json:"errorCode"`
	Severity            string `bson:"severity" json:"severity"`
	ShortDescription    string `bson:"short_description,omitempty" json:"shortDescription,omitempty"`
	Category            string `bson:"category,omitempty" json:"category,omitempty"`
	Origin              string `bson:"origin,omitempty" json:"origin,omitempty"`
	Description         string `bson:"description,omitempty" json:"description,omitempty"`
	ErrorDetail         string `bson:"error_detail,omitempty" json:"errorDetail,omitempty"`
	RefToMessageInError string `bson:"ref_to_message_in_error,omitempty" json:"refToMessageInError,omitempty"`
}

// ErrorCode describes one of the predefined ebMS error codes
type ErrorCode struct {
	Code             string
	Severity         string
	ShortDescription string
	Category         string
	Origin           string
}

// Predefined ebMS error codes
var (
	ErrorValueInconsistent = ErrorCode{
		Code:             "EBMS:0003",
		Severity:         SeverityFailure,
		ShortDescription: "ValueInconsistent",
		Category:         "Content",
		Origin:           "ebMS",
	}

	// ErrorOther is used for custom validation rejections
	ErrorOther = ErrorCode{
		Code:             "EBMS:0004",
		Severity:         SeverityFailure,
		ShortDescription: "Other",
		Category:         "Content",
		Origin:           "ebMS",
	}

	ErrorConnectionFailure = ErrorCode{
		Code:             "EBMS:0005",
		Severity:         SeverityFailure,
		ShortDescription: "ConnectionFailure",
		Category:         "Communication",
		Origin:           "ebMS",
	}

	ErrorEmptyMessagePartition = ErrorCode{
		Code:             "EBMS:0006",
		Severity:         SeverityWarning,
		ShortDescription: "EmptyMessagePartitionChannel",
		Category:         "Communication",
		Origin:           "ebMS",
	}

	ErrorProcessingModeMismatch = ErrorCode{
		Code:             "EBMS:0010",
		Severity:         SeverityFailure,
		ShortDescription: "ProcessingModeMismatch",
		Category:         "Processing",
		Origin:           "ebMS",
	}

	ErrorDeliveryFailure = ErrorCode{
		Code:             "EBMS:0202",
		Severity:         SeverityFailure,
		ShortDescription: "DeliveryFailure",
		Category:         "Communication",
		Origin:           "ebMS",
	}

	ErrorMissingReceipt = ErrorCode{
		Code:             "EBMS:0301",
		Severity:         SeverityFailure,
		ShortDescription: "MissingReceipt",
		Category:         "Communication",
		Origin:           "reliability",
	}
)

// New returns an error of this code referring to refToMessageID
func (c ErrorCode) New(refToMessageID, description string) EbmsError {
	return EbmsError{
		ErrorCode:           c.Code,
		Severity:            c.Severity,
		ShortDescription:    c.ShortDescription,
		Category:            c.Category,
		Origin:              c.Origin,
		Description:         description,
		RefToMessageInError: refToMessageID,
	}
}

// GeneratedErrors collects the errors produced while processing message
// units, keyed by the message id of the unit in error. It is owned by a
// single processing invocation; create it with make.
type GeneratedErrors map[string][]EbmsError

// Add records e for messageID
func (g GeneratedErrors) Add(messageID string, e EbmsError) {
	g[messageID] = append(g[messageID], e)
}

// Get returns the errors recorded for messageID
func (g GeneratedErrors) Get(messageID string) []EbmsError {
	return g[messageID]
}

// All returns a copy of the recorded errors
func (g GeneratedErrors) All() map[string][]EbmsError {
	out := make(map[string][]EbmsError, len(g))
	for id, errs := range g {
		out[id] = append([]EbmsError(nil), errs...)
	}
	return out
}

// Len returns the total number of recorded errors
func (g GeneratedErrors) Len() int {
	n := 0
	for _, errs := range g {
		n += len(errs)
	}
	return n
}

// ErrorSignal builds the error signal reporting the errors recorded for
// messageID, or nil when there are none.
func (g GeneratedErrors) ErrorSignal(messageID, signalID string, at time.Time) *ErrorMessage {
	errs := g[messageID]
	if len(errs) == 0 {
		return nil
	}
	em := NewErrorMessage()
	em.SetMessageID(signalID)
	em.SetRefToMessageID(messageID)
	em.SetTimestamp(at)
	em.SetDirection(DirectionOut)
	em.SetErrors(errs)
	return em
}
