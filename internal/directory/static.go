package directory

import (
	"context"
	"strings"

	"inkline/internal/engine/assign"
)

// Static resolves participants from a fixed contact -> identity map, usually
// loaded from config. It stands in for the enterprise directory service.
type Static struct {
	Participants map[string]string
}

func NewStatic(participants map[string]string) Static {
	return Static{Participants: participants}
}

func (s Static) ResolveParticipant(_ context.Context, contact string) (string, error) {
	ref, ok := s.Participants[strings.ToLower(strings.TrimSpace(contact))]
	if !ok || ref == "" {
		return "", assign.ErrNoIdentity
	}
	return ref, nil
}
