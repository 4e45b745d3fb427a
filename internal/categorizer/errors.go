package categorizer

import "errors"

var (
	// ErrLookupTimeout means the knowledge-lookup service did not answer within
	// its per-call timeout on every attempt.
	ErrLookupTimeout = errors.New("lookup timeout")

	// ErrLookupEmpty means the lookup service answered but had nothing about
	// the merchant.
	ErrLookupEmpty = errors.New("lookup returned no results")

	// ErrReasoningParse means the reasoning service answered with text that does
	// not follow the response contract.
	ErrReasoningParse = errors.New("reasoning response could not be parsed")

	// ErrValidationRejected means the candidate category is grossly inconsistent
	// with the transaction amount.
	ErrValidationRejected = errors.New("validation rejected candidate")

	// ErrTransient marks failures of external services that are worth retrying
	// (rate limits, 5xx responses, network timeouts).
	ErrTransient = errors.New("transient external failure")

	// ErrResearchUnavailable means no lookup or reasoning service is configured.
	ErrResearchUnavailable = errors.New("research services not configured")
)
