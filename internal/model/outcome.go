package model

// OutcomeKind enumerates the closed set of verification outcomes.
type OutcomeKind string

const (
	OutcomeSuccess          OutcomeKind = "success"
	OutcomeNotFound         OutcomeKind = "not_found"
	OutcomeInvalidReference OutcomeKind = "invalid_reference"
	OutcomeInvalidAccount   OutcomeKind = "invalid_account"
	OutcomeUpstreamFailure  OutcomeKind = "upstream_failure"
)

// Outcome is the result of one verification attempt. Exactly one Kind holds;
// Result is set only for OutcomeSuccess and Message only for failures.
type Outcome struct {
	Kind      OutcomeKind       `json:"kind"`
	Reference string            `json:"reference,omitempty"`
	Result    *ExtractionResult `json:"result,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool { return o.Kind == OutcomeSuccess }

// UserCorrectable reports whether the caller can fix the claim and resubmit.
func (o Outcome) UserCorrectable() bool {
	return o.Kind == OutcomeInvalidReference || o.Kind == OutcomeInvalidAccount
}

// Transient reports whether retrying the same claim may succeed.
func (o Outcome) Transient() bool { return o.Kind == OutcomeUpstreamFailure }

func Success(ref string, r *ExtractionResult) Outcome {
	return Outcome{Kind: OutcomeSuccess, Reference: ref, Result: r}
}

func NotFound(ref, msg string) Outcome {
	return Outcome{Kind: OutcomeNotFound, Reference: ref, Message: msg}
}

func InvalidReference(msg string) Outcome {
	return Outcome{Kind: OutcomeInvalidReference, Message: msg}
}

func InvalidAccount(msg string) Outcome {
	return Outcome{Kind: OutcomeInvalidAccount, Message: msg}
}

func UpstreamFailure(ref, msg string) Outcome {
	return Outcome{Kind: OutcomeUpstreamFailure, Reference: ref, Message: msg}
}
