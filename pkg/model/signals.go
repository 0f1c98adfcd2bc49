package model

// Receipt acknowledges the reception of a user message
type Receipt struct {
	Unit
	content string
}

// NewReceipt returns an empty receipt
func NewReceipt() *Receipt { return &Receipt{} }

// Kind implements View
func (r *Receipt) Kind() Kind { return KindReceipt }

// Content returns the receipt content as opaque XML
func (r *Receipt) Content() string { return r.content }

// SetContent sets the receipt content
func (r *Receipt) SetContent(content string) { r.content = content }

// Clone returns a deep copy of the receipt
func (r *Receipt) Clone() *Receipt {
	cp := &Receipt{content: r.content}
	cp.Unit.copyFrom(&r.Unit)
	return cp
}

func (r *Receipt) cloneUnit() MessageUnit { return r.Clone() }

// ErrorMessage is a signal carrying one or more ebMS errors
type ErrorMessage struct {
	Unit
	errors []EbmsError
}

// NewErrorMessage returns an empty error signal
func NewErrorMessage() *ErrorMessage { return &ErrorMessage{} }

// Kind implements View
func (em *ErrorMessage) Kind() Kind { return KindError }

// RefToMessageID returns the referenced message id. When the signal itself
// carries none, the common refToMessageInError of its errors is used.
func (em *ErrorMessage) RefToMessageID() string {
	if ref := em.Unit.RefToMessageID(); ref != "" {
		return ref
	}
	refs := em.ErrorRefs()
	if len(refs) == 1 {
		return refs[0]
	}
	return ""
}

// Errors returns a copy of the carried errors
func (em *ErrorMessage) Errors() []EbmsError {
	if len(em.errors) == 0 {
		return nil
	}
	out := make([]EbmsError, len(em.errors))
	copy(out, em.errors)
	return out
}

// SetErrors replaces the carried errors
func (em *ErrorMessage) SetErrors(errs []EbmsError) {
	em.errors = append([]EbmsError(nil), errs...)
}

// AddError appends an error
func (em *ErrorMessage) AddError(e EbmsError) {
	em.errors = append(em.errors, e)
}

// ErrorRefs returns the distinct refToMessageInError values in order of
// first appearance
func (em *ErrorMessage) ErrorRefs() []string {
	var refs []string
	seen := make(map[string]bool)
	for _, e := range em.errors {
		if e.RefToMessageInError == "" || seen[e.RefToMessageInError] {
			continue
		}
		seen[e.RefToMessageInError] = true
		refs = append(refs, e.RefToMessageInError)
	}
	return refs
}

// Clone returns a deep copy of the error signal
func (em *ErrorMessage) Clone() *ErrorMessage {
	cp := &ErrorMessage{errors: em.Errors()}
	cp.Unit.copyFrom(&em.Unit)
	return cp
}

func (em *ErrorMessage) cloneUnit() MessageUnit { return em.Clone() }

// PullRequest asks for a user message waiting on a partition channel
type PullRequest struct {
	Unit
	mpc string
}

// NewPullRequest returns an empty pull request
func NewPullRequest() *PullRequest { return &PullRequest{} }

// Kind implements View
func (pr *PullRequest) Kind() Kind { return KindPullRequest }

// MPC returns the pulled partition channel, DefaultMPC when unset
func (pr *PullRequest) MPC() string {
	if pr.mpc == "" {
		return DefaultMPC
	}
	return pr.mpc
}

// SetMPC sets the pulled partition channel
func (pr *PullRequest) SetMPC(mpc string) { pr.mpc = mpc }

// Clone returns a deep copy of the pull request
func (pr *PullRequest) Clone() *PullRequest {
	cp := &PullRequest{mpc: pr.mpc}
	cp.Unit.copyFrom(&pr.Unit)
	return cp
}

func (pr *PullRequest) cloneUnit() MessageUnit { return pr.Clone() }
