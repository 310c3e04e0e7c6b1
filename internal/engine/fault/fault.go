package fault

import (
	"errors"
	"fmt"

	"inkline/internal/domain"
)

// Kind is the closed set of workflow failure kinds. Callers branch on the
// kind, never on the message text.
type Kind string

const (
	InvalidTransition    Kind = "invalid_transition"
	NotAuthorizedSigner  Kind = "not_authorized_signer"
	OutOfSequence        Kind = "out_of_sequence"
	ArtifactKindMismatch Kind = "artifact_kind_mismatch"
	AlreadySigned        Kind = "already_signed"
	IncompleteAssignment Kind = "incomplete_assignment"
	UnknownFieldOwner    Kind = "unknown_field_owner"
	DuplicateOrdinal     Kind = "duplicate_ordinal"
	ContractExpired      Kind = "contract_expired"
	Contention           Kind = "contention"
)

// Error is a workflow failure. ContractStatus and PartyStatus carry the
// authoritative state at the time of failure so a caller can decide whether
// to retry without another read.
type Error struct {
	Kind           Kind
	Message        string
	ContractStatus domain.ContractStatus
	PartyStatus    domain.PartyStatus
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds a workflow error without status context.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithContract attaches the authoritative contract status.
func (e *Error) WithContract(status domain.ContractStatus) *Error {
	e.ContractStatus = status
	return e
}

// WithParty attaches the acting party's authoritative status.
func (e *Error) WithParty(status domain.PartyStatus) *Error {
	e.PartyStatus = status
	return e
}

// KindOf returns the workflow kind of err, or "" if err is not a workflow error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
