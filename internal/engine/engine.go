package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"inkline/internal/config"
	"inkline/internal/domain"
	"inkline/internal/engine/assign"
	"inkline/internal/engine/fault"
	"inkline/internal/events"
	"inkline/internal/repo"
)

// maxRetries bounds internal retries on contract version conflicts before a
// Contention error is surfaced to the caller.
const maxRetries = 3

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Identity assign.IdentityResolver
	Now      func() time.Time

	locks *contractLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		locks:  newContractLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// withContract runs fn inside a transaction holding the per-contract lock.
// Version conflicts from UpdateContractTx are retried with a fresh
// transaction; fn must re-read all contract state on each attempt.
func (e Engine) withContract(ctx context.Context, contractID string, fn func(tx *sql.Tx) error) error {
	unlock := e.locks.acquire(contractID)
	defer unlock()
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		err = fn(tx)
		if err == nil {
			if err = tx.Commit(); err == nil {
				return nil
			}
		}
		tx.Rollback()
		if !errors.Is(err, repo.ErrVersionConflict) {
			return err
		}
		lastErr = err
	}
	return fault.New(fault.Contention, "contract %s busy: %v", contractID, lastErr)
}

// ContractView is the authoritative read model returned by GetStatus.
type ContractView struct {
	Contract domain.Contract
	Parties  []domain.Party
	Fields   []domain.SignField
}

// SignResult reports the post-action statuses the caller needs.
type SignResult struct {
	ContractStatus domain.ContractStatus
	PartyStatus    domain.PartyStatus
	Field          domain.SignField
}

// DraftOptions are parameters for creating an ad-hoc contract draft.
type DraftOptions struct {
	ID           string
	Title        string
	DocumentRef  string
	Mode         domain.SignMode
	ExpiresAt    *time.Time
	Roles        []domain.TemplateRole
	Participants []assign.Participant
	ActorID      string
}

// CreateDraft authors a contract in draft state. Fields are not final until
// FinalizeFields succeeds, so incomplete assignments are allowed here.
func (e Engine) CreateDraft(ctx context.Context, opts DraftOptions) (domain.Contract, error) {
	if opts.Title == "" {
		return domain.Contract{}, errors.New("title is required")
	}
	if opts.DocumentRef == "" {
		return domain.Contract{}, errors.New("document ref is required")
	}
	if opts.Mode == "" {
		opts.Mode = e.defaultMode()
	}
	if !opts.Mode.Valid() {
		return domain.Contract{}, fmt.Errorf("invalid signing mode %q", opts.Mode)
	}
	now := e.now().UTC()
	if opts.ExpiresAt != nil && !opts.ExpiresAt.After(now) {
		return domain.Contract{}, errors.New("expiry must be in the future")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	c := domain.Contract{
		ID:          id,
		Title:       opts.Title,
		DocumentRef: opts.DocumentRef,
		Mode:        opts.Mode,
		Status:      domain.ContractDraft,
		InitiatorID: opts.ActorID,
		CreatedAt:   now.Format(time.RFC3339),
		Version:     1,
	}
	if opts.ExpiresAt != nil {
		exp := opts.ExpiresAt.UTC().Format(time.RFC3339)
		c.ExpiresAt = &exp
	}
	reg, err := assign.Resolve(ctx, c.ID, c.Mode, opts.Roles, opts.Participants, e.Identity, now)
	if err != nil {
		return domain.Contract{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertContract(ctx, tx, c); err != nil {
		return domain.Contract{}, fmt.Errorf("insert contract: %w", err)
	}
	for _, p := range reg.Parties {
		if err := e.Repo.InsertParty(ctx, tx, p); err != nil {
			return domain.Contract{}, fmt.Errorf("insert party %s: %w", p.RoleName, err)
		}
	}
	for _, f := range reg.Fields {
		if err := e.Repo.InsertField(ctx, tx, f); err != nil {
			return domain.Contract{}, fmt.Errorf("insert field: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, "contract.created", c.ID, "contract", c.ID, opts.ActorID, events.EventPayload{
		"title": c.Title, "mode": c.Mode, "status": c.Status,
	}); err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

// InstantiateOptions are parameters for template-based instantiation.
type InstantiateOptions struct {
	TemplateID   string
	Title        string
	DocumentRef  string
	ExpiresAt    *time.Time
	Participants []assign.Participant
	ActorID      string
}

// InstantiateFromTemplate creates a contract directly in pending state from a
// registered template; the field catalog is already complete, so assignment
// must be complete too.
func (e Engine) InstantiateFromTemplate(ctx context.Context, opts InstantiateOptions) (domain.Contract, error) {
	tpl, err := e.Repo.GetTemplate(ctx, opts.TemplateID)
	if err != nil {
		return domain.Contract{}, err
	}
	if opts.DocumentRef == "" {
		return domain.Contract{}, errors.New("document ref is required")
	}
	title := opts.Title
	if title == "" {
		title = tpl.Title
	}
	now := e.now().UTC()
	if opts.ExpiresAt == nil && e.Config != nil && e.Config.Signing.DefaultExpiryDays > 0 {
		exp := now.AddDate(0, 0, e.Config.Signing.DefaultExpiryDays)
		opts.ExpiresAt = &exp
	}
	if opts.ExpiresAt != nil && !opts.ExpiresAt.After(now) {
		return domain.Contract{}, errors.New("expiry must be in the future")
	}
	c := domain.Contract{
		ID:          uuid.New().String(),
		Title:       title,
		DocumentRef: opts.DocumentRef,
		TemplateID:  &tpl.ID,
		Mode:        tpl.Mode,
		Status:      domain.ContractPending,
		InitiatorID: opts.ActorID,
		CreatedAt:   now.Format(time.RFC3339),
		Version:     1,
	}
	if opts.ExpiresAt != nil {
		exp := opts.ExpiresAt.UTC().Format(time.RFC3339)
		c.ExpiresAt = &exp
	}
	reg, err := assign.Resolve(ctx, c.ID, c.Mode, tpl.Roles, opts.Participants, e.Identity, now)
	if err != nil {
		return domain.Contract{}, err
	}
	if err := assign.Verify(c.Mode, reg.Parties, reg.Fields, requiredRoles(reg)); err != nil {
		return domain.Contract{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertContract(ctx, tx, c); err != nil {
		return domain.Contract{}, fmt.Errorf("insert contract: %w", err)
	}
	for _, p := range reg.Parties {
		if err := e.Repo.InsertParty(ctx, tx, p); err != nil {
			return domain.Contract{}, fmt.Errorf("insert party %s: %w", p.RoleName, err)
		}
	}
	for _, f := range reg.Fields {
		if err := e.Repo.InsertField(ctx, tx, f); err != nil {
			return domain.Contract{}, fmt.Errorf("insert field: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, "contract.instantiated", c.ID, "contract", c.ID, opts.ActorID, events.EventPayload{
		"template_id": tpl.ID, "title": c.Title, "status": c.Status,
	}); err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

// FinalizeFields moves a draft to pending once every required field has a
// bound, resolved party.
func (e Engine) FinalizeFields(ctx context.Context, contractID, actorID string) (domain.Contract, error) {
	var out domain.Contract
	err := e.withContract(ctx, contractID, func(tx *sql.Tx) error {
		c, err := e.Repo.GetContractTx(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if c.InitiatorID != actorID {
			return fault.New(fault.NotAuthorizedSigner, "only the initiator may finalize").WithContract(c.Status)
		}
		if c.Status != domain.ContractDraft {
			return fault.New(fault.InvalidTransition, "finalize requires draft, contract is %s", c.Status).WithContract(c.Status)
		}
		parties, err := e.Repo.ListPartiesTx(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		fields, err := e.Repo.ListFieldsTx(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		if err := assign.Verify(c.Mode, parties, fields, requiredPartyRoles(parties, fields)); err != nil {
			return err
		}
		readVersion := c.Version
		c.Status = domain.ContractPending
		c.Version++
		if err := e.Repo.UpdateContractTx(ctx, tx, c, readVersion); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "contract.finalized", c.ID, "contract", c.ID, actorID, events.EventPayload{
			"status": c.Status,
		}); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// Sign applies an artifact to one field on behalf of an explicit acting
// party, recomputes that party's status from its own bound fields, and
// re-evaluates the whole contract.
func (e Engine) Sign(ctx context.Context, contractID, fieldID, actingPartyID, artifactRef string, artifactKind domain.FieldKind) (SignResult, error) {
	if artifactRef == "" {
		return SignResult{}, errors.New("artifact ref is required")
	}
	if !artifactKind.Valid() {
		return SignResult{}, fmt.Errorf("invalid artifact kind %q", artifactKind)
	}
	if err := e.expireIfOverdue(ctx, contractID); err != nil {
		return SignResult{}, err
	}
	var res SignResult
	err := e.withContract(ctx, contractID, func(tx *sql.Tx) error {
		c, err := e.Repo.GetContractTx(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if c.Status == domain.ContractExpired {
			return expiredFault(c)
		}
		if c.Status != domain.ContractPending {
			return fault.New(fault.InvalidTransition, "sign requires pending, contract is %s", c.Status).WithContract(c.Status)
		}
		parties, err := e.Repo.ListPartiesTx(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		party, ok := partyByID(parties, actingPartyID)
		if !ok {
			return fault.New(fault.NotAuthorizedSigner, "party %s is not a participant", actingPartyID).WithContract(c.Status)
		}
		ownFields, err := e.Repo.ListPartyFieldsTx(ctx, tx, party.ID)
		if err != nil {
			return err
		}
		field, ok := fieldByID(ownFields, fieldID)
		if !ok {
			// The field may exist but belong to someone else.
			all, err := e.Repo.ListFieldsTx(ctx, tx, c.ID)
			if err != nil {
				return err
			}
			if _, exists := fieldByID(all, fieldID); exists {
				return fault.New(fault.NotAuthorizedSigner, "field %s is not bound to party %s", fieldID, actingPartyID).
					WithContract(c.Status).WithParty(party.Status)
			}
			return repo.ErrNotFound
		}
		if field.Signed {
			return fault.New(fault.AlreadySigned, "field %s already signed", fieldID).
				WithContract(c.Status).WithParty(party.Status)
		}
		if field.Kind != artifactKind {
			return fault.New(fault.ArtifactKindMismatch, "field %s takes %s artifacts, got %s", fieldID, field.Kind, artifactKind).
				WithContract(c.Status).WithParty(party.Status)
		}
		if c.Mode == domain.ModeSequential {
			for _, other := range parties {
				if other.Ordinal < party.Ordinal && other.Status != domain.PartySigned {
					return fault.New(fault.OutOfSequence, "party %s (ordinal %d) must sign before %s", other.RoleName, other.Ordinal, party.RoleName).
						WithContract(c.Status).WithParty(party.Status)
				}
			}
		}

		nowStr := e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.MarkFieldSignedTx(ctx, tx, field.ID, artifactRef, nowStr); err != nil {
			return err
		}
		field.Signed = true
		field.SignedAt = &nowStr
		field.ArtifactRef = &artifactRef
		if err := e.Events.Append(ctx, tx, "field.signed", c.ID, "sign_field", field.ID, actingPartyID, events.EventPayload{
			"party_id": party.ID, "kind": field.Kind,
		}); err != nil {
			return err
		}

		// Party is signed once none of its own required fields remain unsigned.
		partyDone := true
		for _, f := range ownFields {
			if f.ID == field.ID {
				continue
			}
			if f.Required && !f.Signed {
				partyDone = false
				break
			}
		}
		if partyDone {
			if err := e.Repo.UpdatePartyStatusTx(ctx, tx, party.ID, domain.PartySigned, &nowStr); err != nil {
				return err
			}
			party.Status = domain.PartySigned
			if err := e.Events.Append(ctx, tx, "party.signed", c.ID, "party", party.ID, actingPartyID, events.EventPayload{
				"role": party.RoleName,
			}); err != nil {
				return err
			}
		}

		readVersion := c.Version
		c.Version++
		// Completion is evaluated over the full registry, not the acting party.
		if partyDone && allSigned(parties, party.ID) {
			c.Status = domain.ContractCompleted
			c.CompletedAt = &nowStr
		}
		if err := e.Repo.UpdateContractTx(ctx, tx, c, readVersion); err != nil {
			return err
		}
		if c.Status == domain.ContractCompleted {
			if err := e.Events.Append(ctx, tx, "contract.completed", c.ID, "contract", c.ID, actingPartyID, events.EventPayload{
				"completed_at": nowStr,
			}); err != nil {
				return err
			}
		}
		res = SignResult{ContractStatus: c.Status, PartyStatus: party.Status, Field: field}
		return nil
	})
	return res, err
}

// Reject records a party's refusal; rejection short-circuits the whole
// contract regardless of other parties' progress.
func (e Engine) Reject(ctx context.Context, contractID, actingPartyID, reason string) (SignResult, error) {
	if err := e.expireIfOverdue(ctx, contractID); err != nil {
		return SignResult{}, err
	}
	var res SignResult
	err := e.withContract(ctx, contractID, func(tx *sql.Tx) error {
		c, err := e.Repo.GetContractTx(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if c.Status == domain.ContractExpired {
			return expiredFault(c)
		}
		if c.Status != domain.ContractPending {
			return fault.New(fault.InvalidTransition, "reject requires pending, contract is %s", c.Status).WithContract(c.Status)
		}
		parties, err := e.Repo.ListPartiesTx(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		party, ok := partyByID(parties, actingPartyID)
		if !ok {
			return fault.New(fault.NotAuthorizedSigner, "party %s is not a participant", actingPartyID).WithContract(c.Status)
		}
		if party.Status != domain.PartyPending {
			return fault.New(fault.InvalidTransition, "party already %s", party.Status).
				WithContract(c.Status).WithParty(party.Status)
		}
		nowStr := e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.UpdatePartyStatusTx(ctx, tx, party.ID, domain.PartyRejected, &nowStr); err != nil {
			return err
		}
		readVersion := c.Version
		c.Status = domain.ContractRejected
		c.Version++
		if err := e.Repo.UpdateContractTx(ctx, tx, c, readVersion); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "party.rejected", c.ID, "party", party.ID, actingPartyID, events.EventPayload{
			"role": party.RoleName, "reason": reason,
		}); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "contract.rejected", c.ID, "contract", c.ID, actingPartyID, events.EventPayload{
			"rejected_by": party.RoleName,
		}); err != nil {
			return err
		}
		res = SignResult{ContractStatus: c.Status, PartyStatus: domain.PartyRejected}
		return nil
	})
	return res, err
}

// Cancel voids a draft or pending contract; only the initiator may cancel.
func (e Engine) Cancel(ctx context.Context, contractID, actorID string) (domain.Contract, error) {
	var out domain.Contract
	err := e.withContract(ctx, contractID, func(tx *sql.Tx) error {
		c, err := e.Repo.GetContractTx(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if c.InitiatorID != actorID {
			return fault.New(fault.NotAuthorizedSigner, "only the initiator may cancel").WithContract(c.Status)
		}
		if !c.Status.CanTransition(domain.ContractCanceled) {
			return fault.New(fault.InvalidTransition, "cancel requires draft or pending, contract is %s", c.Status).WithContract(c.Status)
		}
		readVersion := c.Version
		c.Status = domain.ContractCanceled
		c.Version++
		if err := e.Repo.UpdateContractTx(ctx, tx, c, readVersion); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "contract.canceled", c.ID, "contract", c.ID, actorID, events.EventPayload{}); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// GetStatus returns the authoritative contract view, applying the on-access
// expiry check first.
func (e Engine) GetStatus(ctx context.Context, contractID string) (ContractView, error) {
	c, err := e.Repo.GetContract(ctx, contractID)
	if err != nil {
		return ContractView{}, err
	}
	if c.Status == domain.ContractPending && e.isOverdue(c) {
		if err := e.expireContract(ctx, contractID); err != nil {
			return ContractView{}, err
		}
		if c, err = e.Repo.GetContract(ctx, contractID); err != nil {
			return ContractView{}, err
		}
	}
	parties, err := e.Repo.ListParties(ctx, contractID)
	if err != nil {
		return ContractView{}, err
	}
	fields, err := e.Repo.ListFields(ctx, contractID)
	if err != nil {
		return ContractView{}, err
	}
	return ContractView{Contract: c, Parties: parties, Fields: fields}, nil
}

// ExpireOverdue sweeps pending contracts past their expiry. It returns the
// IDs transitioned to expired.
func (e Engine) ExpireOverdue(ctx context.Context) ([]string, error) {
	nowStr := e.now().UTC().Format(time.RFC3339)
	ids, err := e.Repo.ListOverduePending(ctx, nowStr)
	if err != nil {
		return nil, err
	}
	var expired []string
	for _, id := range ids {
		if err := e.expireContract(ctx, id); err != nil {
			return expired, err
		}
		expired = append(expired, id)
	}
	return expired, nil
}

// expireContract transitions one pending contract to expired along with its
// still-pending parties.
func (e Engine) expireContract(ctx context.Context, contractID string) error {
	return e.withContract(ctx, contractID, func(tx *sql.Tx) error {
		c, err := e.Repo.GetContractTx(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if c.Status != domain.ContractPending || !e.isOverdue(c) {
			return nil
		}
		_, err = e.markExpiredTx(ctx, tx, &c)
		return err
	})
}

// expireIfOverdue applies the on-access expiry transition in its own
// transaction so the transition survives the caller's refused action.
func (e Engine) expireIfOverdue(ctx context.Context, contractID string) error {
	c, err := e.Repo.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	if c.Status == domain.ContractPending && e.isOverdue(c) {
		return e.expireContract(ctx, contractID)
	}
	return nil
}

func expiredFault(c domain.Contract) *fault.Error {
	if c.ExpiresAt != nil {
		return fault.New(fault.ContractExpired, "contract expired at %s", *c.ExpiresAt).WithContract(c.Status)
	}
	return fault.New(fault.ContractExpired, "contract expired").WithContract(c.Status)
}

func (e Engine) markExpiredTx(ctx context.Context, tx *sql.Tx, c *domain.Contract) (bool, error) {
	parties, err := e.Repo.ListPartiesTx(ctx, tx, c.ID)
	if err != nil {
		return false, err
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	for _, p := range parties {
		if p.Status == domain.PartyPending {
			if err := e.Repo.UpdatePartyStatusTx(ctx, tx, p.ID, domain.PartyExpired, nil); err != nil {
				return false, err
			}
		}
	}
	readVersion := c.Version
	c.Status = domain.ContractExpired
	c.Version++
	if err := e.Repo.UpdateContractTx(ctx, tx, *c, readVersion); err != nil {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, "contract.expired", c.ID, "contract", c.ID, "system", events.EventPayload{
		"expired_at": nowStr,
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (e Engine) isOverdue(c domain.Contract) bool {
	if c.ExpiresAt == nil {
		return false
	}
	exp, err := time.Parse(time.RFC3339, *c.ExpiresAt)
	if err != nil {
		return false
	}
	return !e.now().UTC().Before(exp)
}

func (e Engine) defaultMode() domain.SignMode {
	if e.Config != nil && e.Config.Signing.DefaultMode.Valid() {
		return e.Config.Signing.DefaultMode
	}
	return domain.ModeParallel
}

// --- helpers ---

func partyByID(parties []domain.Party, id string) (domain.Party, bool) {
	for _, p := range parties {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Party{}, false
}

func fieldByID(fields []domain.SignField, id string) (domain.SignField, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return domain.SignField{}, false
}

// allSigned reports whether every party is signed, treating justSignedID as
// signed since its row update happened in this transaction.
func allSigned(parties []domain.Party, justSignedID string) bool {
	for _, p := range parties {
		if p.ID == justSignedID {
			continue
		}
		if p.Status != domain.PartySigned {
			return false
		}
	}
	return true
}

// requiredRoles derives which roles must be resolved: those owning at least
// one required field.
func requiredRoles(reg assign.Registry) map[string]bool {
	return requiredPartyRoles(reg.Parties, reg.Fields)
}

func requiredPartyRoles(parties []domain.Party, fields []domain.SignField) map[string]bool {
	roleByParty := make(map[string]string, len(parties))
	for _, p := range parties {
		roleByParty[p.ID] = p.RoleName
	}
	required := map[string]bool{}
	for _, f := range fields {
		if f.Required {
			if role, ok := roleByParty[f.PartyID]; ok {
				required[role] = true
			}
		}
	}
	return required
}
