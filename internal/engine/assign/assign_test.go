package assign_test

import (
	"context"
	"testing"
	"time"

	"inkline/internal/domain"
	"inkline/internal/engine/assign"
	"inkline/internal/engine/fault"
)

type mapResolver map[string]string

func (m mapResolver) ResolveParticipant(_ context.Context, contact string) (string, error) {
	if ref, ok := m[contact]; ok {
		return ref, nil
	}
	return "", assign.ErrNoIdentity
}

func roles() []domain.TemplateRole {
	return []domain.TemplateRole{
		{Name: "seller", Kind: domain.KindEnterprise, Required: true, Ordinal: 1,
			Fields: []domain.FieldSpec{{Page: 1, Kind: domain.FieldSeal, Required: true}}},
		{Name: "buyer", Kind: domain.KindPersonal, Required: true, Ordinal: 2,
			Fields: []domain.FieldSpec{{Page: 1, Kind: domain.FieldSignature, Required: true}}},
		{Name: "witness", Kind: domain.KindPersonal, Required: false, Ordinal: 3},
	}
}

func TestResolveBindsFieldsToParties(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	resolver := mapResolver{"sales@acme.test": "idp:acme", "pat@home.test": "idp:pat"}
	reg, err := assign.Resolve(context.Background(), "c-1", domain.ModeSequential, roles(), []assign.Participant{
		{Role: "seller", DisplayName: "Acme", Contact: "sales@acme.test"},
		{Role: "buyer", DisplayName: "Pat", Contact: "pat@home.test"},
	}, resolver, now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// the optional witness still gets a party slot
	if len(reg.Parties) != 3 {
		t.Fatalf("expected 3 parties, got %d", len(reg.Parties))
	}
	if len(reg.Fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(reg.Fields))
	}
	byRole := map[string]domain.Party{}
	for _, p := range reg.Parties {
		byRole[p.RoleName] = p
	}
	if byRole["seller"].IdentityRef == nil || *byRole["seller"].IdentityRef != "idp:acme" {
		t.Fatalf("seller unresolved: %+v", byRole["seller"])
	}
	if byRole["seller"].ResolvedAt == nil {
		t.Fatalf("expected resolved_at set")
	}
	if byRole["witness"].IdentityRef != nil {
		t.Fatalf("witness should be unresolved")
	}
	for _, f := range reg.Fields {
		if _, ok := byRole[partyRole(reg.Parties, f.PartyID)]; !ok {
			t.Fatalf("field %s bound to unknown party", f.ID)
		}
	}
}

func partyRole(parties []domain.Party, id string) string {
	for _, p := range parties {
		if p.ID == id {
			return p.RoleName
		}
	}
	return ""
}

func TestResolveUnknownRole(t *testing.T) {
	_, err := assign.Resolve(context.Background(), "c-1", domain.ModeParallel, roles(), []assign.Participant{
		{Role: "auditor", DisplayName: "Sam"},
	}, nil, time.Now())
	if fault.KindOf(err) != fault.UnknownFieldOwner {
		t.Fatalf("expected unknown_field_owner, got %v", err)
	}
}

func TestResolveMissingRequiredParticipant(t *testing.T) {
	_, err := assign.Resolve(context.Background(), "c-1", domain.ModeParallel, roles(), []assign.Participant{
		{Role: "seller", DisplayName: "Acme", IdentityRef: "idp:acme"},
	}, nil, time.Now())
	if fault.KindOf(err) != fault.IncompleteAssignment {
		t.Fatalf("expected incomplete_assignment, got %v", err)
	}
}

func TestResolveDuplicateOrdinalSequentialOnly(t *testing.T) {
	dup := roles()[:2]
	dup[1].Ordinal = dup[0].Ordinal
	participants := []assign.Participant{
		{Role: "seller", DisplayName: "Acme", IdentityRef: "idp:acme"},
		{Role: "buyer", DisplayName: "Pat", IdentityRef: "idp:pat"},
	}
	if _, err := assign.Resolve(context.Background(), "c-1", domain.ModeSequential, dup, participants, nil, time.Now()); fault.KindOf(err) != fault.DuplicateOrdinal {
		t.Fatalf("expected duplicate_ordinal, got %v", err)
	}
	// parallel mode ignores ordinals
	if _, err := assign.Resolve(context.Background(), "c-1", domain.ModeParallel, dup, participants, nil, time.Now()); err != nil {
		t.Fatalf("parallel resolve: %v", err)
	}
}

func TestResolveLeavesUnresolvableContact(t *testing.T) {
	reg, err := assign.Resolve(context.Background(), "c-1", domain.ModeParallel, roles(), []assign.Participant{
		{Role: "seller", DisplayName: "Acme", Contact: "nobody@nowhere.test"},
		{Role: "buyer", DisplayName: "Pat", IdentityRef: "idp:pat"},
	}, mapResolver{}, time.Now())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for _, p := range reg.Parties {
		if p.RoleName == "seller" && p.IdentityRef != nil {
			t.Fatalf("expected seller unresolved")
		}
	}
}

func TestVerify(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	participants := []assign.Participant{
		{Role: "seller", DisplayName: "Acme", IdentityRef: "idp:acme"},
		{Role: "buyer", DisplayName: "Pat", IdentityRef: "idp:pat"},
	}
	reg, err := assign.Resolve(context.Background(), "c-1", domain.ModeSequential, roles(), participants, nil, now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	required := map[string]bool{"seller": true, "buyer": true}
	if err := assign.Verify(domain.ModeSequential, reg.Parties, reg.Fields, required); err != nil {
		t.Fatalf("verify: %v", err)
	}
	// unresolved required role fails
	broken := make([]domain.Party, len(reg.Parties))
	copy(broken, reg.Parties)
	for i := range broken {
		if broken[i].RoleName == "buyer" {
			broken[i].IdentityRef = nil
		}
	}
	if err := assign.Verify(domain.ModeSequential, broken, reg.Fields, required); fault.KindOf(err) != fault.IncompleteAssignment {
		t.Fatalf("expected incomplete_assignment, got %v", err)
	}
	// field bound to unknown party fails
	orphan := append([]domain.SignField{}, reg.Fields...)
	orphan[0].PartyID = "gone"
	if err := assign.Verify(domain.ModeSequential, reg.Parties, orphan, required); fault.KindOf(err) != fault.UnknownFieldOwner {
		t.Fatalf("expected unknown_field_owner, got %v", err)
	}
	if err := assign.Verify(domain.ModeSequential, nil, nil, nil); fault.KindOf(err) != fault.IncompleteAssignment {
		t.Fatalf("expected incomplete_assignment for empty registry, got %v", err)
	}
}
