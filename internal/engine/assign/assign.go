package assign

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"inkline/internal/domain"
	"inkline/internal/engine/fault"
)

// ErrNoIdentity is returned by an IdentityResolver when a contact cannot be
// resolved. The resolver leaves the party unresolved; finalize later fails
// with IncompleteAssignment for required roles.
var ErrNoIdentity = errors.New("no identity for contact")

// IdentityResolver maps contact info to an identity reference in an external
// directory.
type IdentityResolver interface {
	ResolveParticipant(ctx context.Context, contact string) (string, error)
}

// Participant describes one invited signer before resolution.
type Participant struct {
	Role        string
	DisplayName string
	Contact     string
	// IdentityRef may be pre-resolved by the caller; if empty the resolver
	// is consulted.
	IdentityRef string
}

// Registry is the validated output: parties plus fields bound to them.
type Registry struct {
	Parties []domain.Party
	Fields  []domain.SignField
}

// Resolve turns a field catalog (roles) plus invited participants into a
// validated party registry for a contract. Every role maps to at most one
// party; every field is bound to the party owning its role.
func Resolve(ctx context.Context, contractID string, mode domain.SignMode, roles []domain.TemplateRole, participants []Participant, resolver IdentityResolver, now time.Time) (Registry, error) {
	byRole := make(map[string]Participant, len(participants))
	for _, p := range participants {
		if _, ok := roleNamed(roles, p.Role); !ok {
			return Registry{}, fault.New(fault.UnknownFieldOwner, "participant %s names unknown role %s", p.DisplayName, p.Role)
		}
		byRole[p.Role] = p
	}

	if mode == domain.ModeSequential {
		ordinals := map[int]string{}
		for _, role := range roles {
			if other, ok := ordinals[role.Ordinal]; ok {
				return Registry{}, fault.New(fault.DuplicateOrdinal, "roles %s and %s share ordinal %d", other, role.Name, role.Ordinal)
			}
			ordinals[role.Ordinal] = role.Name
		}
	}

	nowStr := now.UTC().Format(time.RFC3339)
	var reg Registry
	for _, role := range roles {
		p, invited := byRole[role.Name]
		if !invited && role.Required {
			return Registry{}, fault.New(fault.IncompleteAssignment, "required role %s has no participant", role.Name)
		}
		party := domain.Party{
			ID:         uuid.New().String(),
			ContractID: contractID,
			RoleName:   role.Name,
			Kind:       role.Kind,
			Ordinal:    role.Ordinal,
			Status:     domain.PartyPending,
		}
		if invited {
			party.DisplayName = p.DisplayName
			party.Contact = p.Contact
			ref := p.IdentityRef
			if ref == "" && resolver != nil && p.Contact != "" {
				resolved, err := resolver.ResolveParticipant(ctx, p.Contact)
				switch {
				case err == nil:
					ref = resolved
				case errors.Is(err, ErrNoIdentity):
					// left unresolved
				default:
					return Registry{}, err
				}
			}
			if ref != "" {
				party.IdentityRef = &ref
				resolvedAt := nowStr
				party.ResolvedAt = &resolvedAt
			}
		}
		for _, spec := range role.Fields {
			reg.Fields = append(reg.Fields, domain.SignField{
				ID:         uuid.New().String(),
				ContractID: contractID,
				PartyID:    party.ID,
				Page:       spec.Page,
				X:          spec.X,
				Y:          spec.Y,
				Width:      spec.Width,
				Height:     spec.Height,
				Kind:       spec.Kind,
				Required:   spec.Required,
			})
		}
		reg.Parties = append(reg.Parties, party)
	}
	return reg, nil
}

// Verify checks that a registry can leave draft: at least one party, every
// required party resolved, and every field bound to a known party.
func Verify(mode domain.SignMode, parties []domain.Party, fields []domain.SignField, required map[string]bool) error {
	if len(parties) == 0 {
		return fault.New(fault.IncompleteAssignment, "contract has no parties")
	}
	byID := make(map[string]domain.Party, len(parties))
	ordinals := map[int]string{}
	for _, p := range parties {
		byID[p.ID] = p
		if mode == domain.ModeSequential {
			if other, ok := ordinals[p.Ordinal]; ok {
				return fault.New(fault.DuplicateOrdinal, "parties %s and %s share ordinal %d", other, p.RoleName, p.Ordinal)
			}
			ordinals[p.Ordinal] = p.RoleName
		}
		if required[p.RoleName] && p.IdentityRef == nil {
			return fault.New(fault.IncompleteAssignment, "required role %s is unresolved", p.RoleName)
		}
	}
	for _, f := range fields {
		if _, ok := byID[f.PartyID]; !ok {
			return fault.New(fault.UnknownFieldOwner, "field %s bound to unknown party %s", f.ID, f.PartyID)
		}
	}
	return nil
}

func roleNamed(roles []domain.TemplateRole, name string) (domain.TemplateRole, bool) {
	for _, r := range roles {
		if r.Name == name {
			return r, true
		}
	}
	return domain.TemplateRole{}, false
}
