package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"inkline/internal/config"
	"inkline/internal/db"
	"inkline/internal/domain"
	"inkline/internal/engine"
	"inkline/internal/engine/assign"
	"inkline/internal/engine/fault"
	"inkline/internal/migrate"
	"inkline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return &testEnv{Engine: eng, Ctx: context.Background()}
}

func twoPartyRoles() []domain.TemplateRole {
	return []domain.TemplateRole{
		{
			Name: "sender", Kind: domain.KindEnterprise, Required: true, Ordinal: 1,
			Fields: []domain.FieldSpec{{Page: 1, X: 50, Y: 600, Width: 150, Height: 60, Kind: domain.FieldSeal, Required: true}},
		},
		{
			Name: "receiver", Kind: domain.KindPersonal, Required: true, Ordinal: 2,
			Fields: []domain.FieldSpec{{Page: 1, X: 300, Y: 600, Width: 150, Height: 60, Kind: domain.FieldSignature, Required: true}},
		},
	}
}

func twoParticipants() []assign.Participant {
	return []assign.Participant{
		{Role: "sender", DisplayName: "Acme Corp", Contact: "legal@acme.test", IdentityRef: "idp:acme"},
		{Role: "receiver", DisplayName: "Dana Reed", Contact: "dana@reed.test", IdentityRef: "idp:dana"},
	}
}

// newPendingContract drafts and finalizes a two-party contract, returning the
// view plus lookups by role name.
func newPendingContract(t *testing.T, env *testEnv, mode domain.SignMode) (engine.ContractView, map[string]domain.Party, map[string]domain.SignField) {
	t.Helper()
	c, err := env.Engine.CreateDraft(env.Ctx, engine.DraftOptions{
		Title:        "Mutual NDA",
		DocumentRef:  "documents/nda.pdf",
		Mode:         mode,
		Roles:        twoPartyRoles(),
		Participants: twoParticipants(),
		ActorID:      "initiator-1",
	})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	if _, err := env.Engine.FinalizeFields(env.Ctx, c.ID, "initiator-1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	view, err := env.Engine.GetStatus(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	parties := map[string]domain.Party{}
	for _, p := range view.Parties {
		parties[p.RoleName] = p
	}
	fields := map[string]domain.SignField{}
	for _, f := range view.Fields {
		for role, p := range parties {
			if f.PartyID == p.ID {
				fields[role] = f
			}
		}
	}
	return view, parties, fields
}

func TestDraftFinalizeTransitions(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateDraft(env.Ctx, engine.DraftOptions{
		Title:        "Lease",
		DocumentRef:  "documents/lease.pdf",
		Mode:         domain.ModeParallel,
		Roles:        twoPartyRoles(),
		Participants: twoParticipants(),
		ActorID:      "initiator-1",
	})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	if c.Status != domain.ContractDraft {
		t.Fatalf("expected draft, got %s", c.Status)
	}
	// only the initiator may finalize
	if _, err := env.Engine.FinalizeFields(env.Ctx, c.ID, "someone-else"); fault.KindOf(err) != fault.NotAuthorizedSigner {
		t.Fatalf("expected not_authorized_signer, got %v", err)
	}
	c, err = env.Engine.FinalizeFields(env.Ctx, c.ID, "initiator-1")
	if err != nil || c.Status != domain.ContractPending {
		t.Fatalf("finalize: %v (status %s)", err, c.Status)
	}
	// finalizing twice is an invalid transition
	if _, err := env.Engine.FinalizeFields(env.Ctx, c.ID, "initiator-1"); fault.KindOf(err) != fault.InvalidTransition {
		t.Fatalf("expected invalid_transition, got %v", err)
	}
}

func TestFinalizeRequiresResolvedParties(t *testing.T) {
	env := newTestEnv(t)
	participants := twoParticipants()
	participants[1].IdentityRef = "" // receiver unresolved, no resolver wired
	c, err := env.Engine.CreateDraft(env.Ctx, engine.DraftOptions{
		Title:        "Lease",
		DocumentRef:  "documents/lease.pdf",
		Mode:         domain.ModeParallel,
		Roles:        twoPartyRoles(),
		Participants: participants,
		ActorID:      "initiator-1",
	})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	if _, err := env.Engine.FinalizeFields(env.Ctx, c.ID, "initiator-1"); fault.KindOf(err) != fault.IncompleteAssignment {
		t.Fatalf("expected incomplete_assignment, got %v", err)
	}
}

func TestParallelCompletion(t *testing.T) {
	env := newTestEnv(t)
	view, parties, fields := newPendingContract(t, env, domain.ModeParallel)

	res, err := env.Engine.Sign(env.Ctx, view.Contract.ID, fields["receiver"].ID, parties["receiver"].ID, "artifacts/signature/r1", domain.FieldSignature)
	if err != nil {
		t.Fatalf("receiver sign: %v", err)
	}
	if res.PartyStatus != domain.PartySigned {
		t.Fatalf("expected receiver signed, got %s", res.PartyStatus)
	}
	if res.ContractStatus != domain.ContractPending {
		t.Fatalf("contract should stay pending, got %s", res.ContractStatus)
	}

	res, err = env.Engine.Sign(env.Ctx, view.Contract.ID, fields["sender"].ID, parties["sender"].ID, "artifacts/seal/s1", domain.FieldSeal)
	if err != nil {
		t.Fatalf("sender sign: %v", err)
	}
	if res.ContractStatus != domain.ContractCompleted {
		t.Fatalf("expected completed, got %s", res.ContractStatus)
	}
	after, err := env.Engine.GetStatus(env.Ctx, view.Contract.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if after.Contract.CompletedAt == nil {
		t.Fatalf("expected completed_at set")
	}
	var completedEvents int
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT count(*) FROM events WHERE type='contract.completed' AND contract_id=?`, view.Contract.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	rows.Next()
	rows.Scan(&completedEvents)
	if completedEvents != 1 {
		t.Fatalf("expected exactly one completion event, got %d", completedEvents)
	}
}

func TestSequentialOrderEnforced(t *testing.T) {
	env := newTestEnv(t)
	view, parties, fields := newPendingContract(t, env, domain.ModeSequential)

	// receiver (ordinal 2) cannot sign before sender (ordinal 1)
	_, err := env.Engine.Sign(env.Ctx, view.Contract.ID, fields["receiver"].ID, parties["receiver"].ID, "artifacts/signature/r1", domain.FieldSignature)
	if fault.KindOf(err) != fault.OutOfSequence {
		t.Fatalf("expected out_of_sequence, got %v", err)
	}
	if _, err := env.Engine.Sign(env.Ctx, view.Contract.ID, fields["sender"].ID, parties["sender"].ID, "artifacts/seal/s1", domain.FieldSeal); err != nil {
		t.Fatalf("sender sign: %v", err)
	}
	res, err := env.Engine.Sign(env.Ctx, view.Contract.ID, fields["receiver"].ID, parties["receiver"].ID, "artifacts/signature/r1", domain.FieldSignature)
	if err != nil {
		t.Fatalf("receiver sign after sender: %v", err)
	}
	if res.ContractStatus != domain.ContractCompleted {
		t.Fatalf("expected completed, got %s", res.ContractStatus)
	}
}

func TestRejectShortCircuits(t *testing.T) {
	env := newTestEnv(t)
	view, parties, fields := newPendingContract(t, env, domain.ModeParallel)

	res, err := env.Engine.Reject(env.Ctx, view.Contract.ID, parties["receiver"].ID, "terms unacceptable")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.ContractStatus != domain.ContractRejected || res.PartyStatus != domain.PartyRejected {
		t.Fatalf("expected rejected/rejected, got %s/%s", res.ContractStatus, res.PartyStatus)
	}
	// the other party can no longer sign
	_, err = env.Engine.Sign(env.Ctx, view.Contract.ID, fields["sender"].ID, parties["sender"].ID, "artifacts/seal/s1", domain.FieldSeal)
	if fault.KindOf(err) != fault.InvalidTransition {
		t.Fatalf("expected invalid_transition, got %v", err)
	}
}

func TestAlreadySignedKeepsFirstArtifact(t *testing.T) {
	env := newTestEnv(t)
	view, parties, fields := newPendingContract(t, env, domain.ModeParallel)

	if _, err := env.Engine.Sign(env.Ctx, view.Contract.ID, fields["sender"].ID, parties["sender"].ID, "artifacts/seal/first", domain.FieldSeal); err != nil {
		t.Fatalf("first sign: %v", err)
	}
	_, err := env.Engine.Sign(env.Ctx, view.Contract.ID, fields["sender"].ID, parties["sender"].ID, "artifacts/seal/second", domain.FieldSeal)
	if fault.KindOf(err) != fault.AlreadySigned {
		t.Fatalf("expected already_signed, got %v", err)
	}
	after, err := env.Engine.GetStatus(env.Ctx, view.Contract.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, f := range after.Fields {
		if f.ID == fields["sender"].ID {
			if f.ArtifactRef == nil || *f.ArtifactRef != "artifacts/seal/first" {
				t.Fatalf("first artifact overwritten: %v", f.ArtifactRef)
			}
		}
	}
}

func TestArtifactKindMismatch(t *testing.T) {
	env := newTestEnv(t)
	view, parties, fields := newPendingContract(t, env, domain.ModeParallel)

	// sender's field takes a seal, not a signature
	_, err := env.Engine.Sign(env.Ctx, view.Contract.ID, fields["sender"].ID, parties["sender"].ID, "artifacts/signature/x", domain.FieldSignature)
	if fault.KindOf(err) != fault.ArtifactKindMismatch {
		t.Fatalf("expected artifact_kind_mismatch, got %v", err)
	}
}

func TestSignForeignFieldForbidden(t *testing.T) {
	env := newTestEnv(t)
	view, parties, fields := newPendingContract(t, env, domain.ModeParallel)

	_, err := env.Engine.Sign(env.Ctx, view.Contract.ID, fields["receiver"].ID, parties["sender"].ID, "artifacts/seal/s1", domain.FieldSeal)
	if fault.KindOf(err) != fault.NotAuthorizedSigner {
		t.Fatalf("expected not_authorized_signer, got %v", err)
	}
	_, err = env.Engine.Sign(env.Ctx, view.Contract.ID, fields["receiver"].ID, "no-such-party", "artifacts/seal/s1", domain.FieldSeal)
	if fault.KindOf(err) != fault.NotAuthorizedSigner {
		t.Fatalf("expected not_authorized_signer for stranger, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	view, parties, fields := newPendingContract(t, env, domain.ModeParallel)

	if _, err := env.Engine.Cancel(env.Ctx, view.Contract.ID, "someone-else"); fault.KindOf(err) != fault.NotAuthorizedSigner {
		t.Fatalf("expected not_authorized_signer, got %v", err)
	}
	c, err := env.Engine.Cancel(env.Ctx, view.Contract.ID, "initiator-1")
	if err != nil || c.Status != domain.ContractCanceled {
		t.Fatalf("cancel: %v (status %s)", err, c.Status)
	}
	_, err = env.Engine.Sign(env.Ctx, view.Contract.ID, fields["sender"].ID, parties["sender"].ID, "artifacts/seal/s1", domain.FieldSeal)
	if fault.KindOf(err) != fault.InvalidTransition {
		t.Fatalf("expected invalid_transition after cancel, got %v", err)
	}
	// canceling a terminal contract fails
	if _, err := env.Engine.Cancel(env.Ctx, view.Contract.ID, "initiator-1"); fault.KindOf(err) != fault.InvalidTransition {
		t.Fatalf("expected invalid_transition, got %v", err)
	}
}

func TestDuplicateOrdinalRejected(t *testing.T) {
	env := newTestEnv(t)
	roles := twoPartyRoles()
	roles[1].Ordinal = roles[0].Ordinal
	_, err := env.Engine.CreateDraft(env.Ctx, engine.DraftOptions{
		Title:        "Broken",
		DocumentRef:  "documents/x.pdf",
		Mode:         domain.ModeSequential,
		Roles:        roles,
		Participants: twoParticipants(),
		ActorID:      "initiator-1",
	})
	if fault.KindOf(err) != fault.DuplicateOrdinal {
		t.Fatalf("expected duplicate_ordinal, got %v", err)
	}
}

func TestExpiryOnAccess(t *testing.T) {
	env := newTestEnv(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exp := base.Add(24 * time.Hour)
	c, err := env.Engine.CreateDraft(env.Ctx, engine.DraftOptions{
		Title:        "Expiring",
		DocumentRef:  "documents/x.pdf",
		Mode:         domain.ModeParallel,
		ExpiresAt:    &exp,
		Roles:        twoPartyRoles(),
		Participants: twoParticipants(),
		ActorID:      "initiator-1",
	})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	if _, err := env.Engine.FinalizeFields(env.Ctx, c.ID, "initiator-1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	view, err := env.Engine.GetStatus(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	env.Engine.Now = func() time.Time { return exp.Add(time.Hour) }
	_, err = env.Engine.Sign(env.Ctx, c.ID, view.Fields[0].ID, view.Fields[0].PartyID, "artifacts/seal/s1", domain.FieldSeal)
	if fault.KindOf(err) != fault.ContractExpired {
		t.Fatalf("expected contract_expired, got %v", err)
	}
	after, err := env.Engine.GetStatus(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if after.Contract.Status != domain.ContractExpired {
		t.Fatalf("expected expired, got %s", after.Contract.Status)
	}
	for _, p := range after.Parties {
		if p.Status != domain.PartyExpired {
			t.Fatalf("expected party %s expired, got %s", p.RoleName, p.Status)
		}
	}
}

func TestExpireOverdueSweep(t *testing.T) {
	env := newTestEnv(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exp := base.Add(time.Hour)
	c, err := env.Engine.CreateDraft(env.Ctx, engine.DraftOptions{
		Title:        "Sweep",
		DocumentRef:  "documents/x.pdf",
		Mode:         domain.ModeParallel,
		ExpiresAt:    &exp,
		Roles:        twoPartyRoles(),
		Participants: twoParticipants(),
		ActorID:      "initiator-1",
	})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	if _, err := env.Engine.FinalizeFields(env.Ctx, c.ID, "initiator-1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	env.Engine.Now = func() time.Time { return exp.Add(time.Minute) }
	expired, err := env.Engine.ExpireOverdue(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(expired) != 1 || expired[0] != c.ID {
		t.Fatalf("expected [%s], got %v", c.ID, expired)
	}
	// a second sweep finds nothing
	expired, err = env.Engine.ExpireOverdue(env.Ctx)
	if err != nil || len(expired) != 0 {
		t.Fatalf("expected empty second sweep, got %v (%v)", expired, err)
	}
}

func TestInstantiateFromTemplate(t *testing.T) {
	env := newTestEnv(t)
	tpl := domain.Template{
		ID:        "nda-two-party",
		Title:     "Mutual NDA",
		Mode:      domain.ModeSequential,
		Roles:     twoPartyRoles(),
		CreatedAt: "2026-03-01T00:00:00Z",
	}
	if err := env.Engine.Repo.UpsertTemplate(env.Ctx, nil, tpl); err != nil {
		t.Fatalf("seed template: %v", err)
	}
	c, err := env.Engine.InstantiateFromTemplate(env.Ctx, engine.InstantiateOptions{
		TemplateID:   "nda-two-party",
		DocumentRef:  "documents/nda.pdf",
		Participants: twoParticipants(),
		ActorID:      "initiator-1",
	})
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	if c.Status != domain.ContractPending {
		t.Fatalf("expected pending, got %s", c.Status)
	}
	if c.TemplateID == nil || *c.TemplateID != "nda-two-party" {
		t.Fatalf("expected template id recorded")
	}
	view, err := env.Engine.GetStatus(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(view.Parties) != 2 || len(view.Fields) != 2 {
		t.Fatalf("expected 2 parties and 2 fields, got %d/%d", len(view.Parties), len(view.Fields))
	}
	// a missing participant for a required role fails up front
	_, err = env.Engine.InstantiateFromTemplate(env.Ctx, engine.InstantiateOptions{
		TemplateID:   "nda-two-party",
		DocumentRef:  "documents/nda.pdf",
		Participants: twoParticipants()[:1],
		ActorID:      "initiator-1",
	})
	if fault.KindOf(err) != fault.IncompleteAssignment {
		t.Fatalf("expected incomplete_assignment, got %v", err)
	}
}

func TestUnknownContract(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.GetStatus(env.Ctx, "nope"); err != repo.ErrNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentFinalSignsCompleteOnce(t *testing.T) {
	env := newTestEnv(t)
	view, parties, fields := newPendingContract(t, env, domain.ModeParallel)

	var wg sync.WaitGroup
	sign := func(role, ref string, kind domain.FieldKind) {
		defer wg.Done()
		_, err := env.Engine.Sign(env.Ctx, view.Contract.ID, fields[role].ID, parties[role].ID, ref, kind)
		if err != nil {
			t.Errorf("%s sign: %v", role, err)
		}
	}
	wg.Add(2)
	go sign("sender", "artifacts/seal/s1", domain.FieldSeal)
	go sign("receiver", "artifacts/signature/r1", domain.FieldSignature)
	wg.Wait()

	after, err := env.Engine.GetStatus(env.Ctx, view.Contract.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if after.Contract.Status != domain.ContractCompleted {
		t.Fatalf("expected completed, got %s", after.Contract.Status)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT count(*) FROM events WHERE type='contract.completed' AND contract_id=?`, view.Contract.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var n int
	rows.Next()
	rows.Scan(&n)
	if n != 1 {
		t.Fatalf("expected exactly one completion event, got %d", n)
	}
}
