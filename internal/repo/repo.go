package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"inkline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const contractCols = `id,title,document_ref,template_id,mode,status,initiator_id,created_at,expires_at,completed_at,version`

func scanContract(scan func(dest ...any) error) (domain.Contract, error) {
	var c domain.Contract
	var templateID, expiresAt, completedAt sql.NullString
	err := scan(&c.ID, &c.Title, &c.DocumentRef, &templateID, &c.Mode, &c.Status, &c.InitiatorID, &c.CreatedAt, &expiresAt, &completedAt, &c.Version)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if templateID.Valid {
		c.TemplateID = &templateID.String
	}
	if expiresAt.Valid {
		c.ExpiresAt = &expiresAt.String
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.String
	}
	return c, nil
}

func (r Repo) InsertContract(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contracts(`+contractCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Title, c.DocumentRef, nullableStringPtr(c.TemplateID), string(c.Mode), string(c.Status), c.InitiatorID,
		c.CreatedAt, nullableStringPtr(c.ExpiresAt), nullableStringPtr(c.CompletedAt), c.Version)
	return err
}

func (r Repo) GetContract(ctx context.Context, id string) (domain.Contract, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+contractCols+` FROM contracts WHERE id=?`, id)
	return scanContract(row.Scan)
}

func (r Repo) GetContractTx(ctx context.Context, tx *sql.Tx, id string) (domain.Contract, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+contractCols+` FROM contracts WHERE id=?`, id)
	return scanContract(row.Scan)
}

// UpdateContractTx writes the contract row guarded by the version the caller
// read. Returns ErrVersionConflict when another writer got there first.
func (r Repo) UpdateContractTx(ctx context.Context, tx *sql.Tx, c domain.Contract, readVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE contracts SET title=?, status=?, expires_at=?, completed_at=?, version=? WHERE id=? AND version=?`,
		c.Title, string(c.Status), nullableStringPtr(c.ExpiresAt), nullableStringPtr(c.CompletedAt), c.Version, c.ID, readVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ErrVersionConflict signals an optimistic concurrency failure on the
// contract row; the engine retries a bounded number of times.
var ErrVersionConflict = errors.New("contract version conflict")

type ContractFilters struct {
	Status          string
	InitiatorID     string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListContracts(ctx context.Context, f ContractFilters) ([]domain.Contract, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.InitiatorID != "" {
		clauses = append(clauses, "initiator_id=?")
		args = append(args, f.InitiatorID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + contractCols + ` FROM contracts ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ListOverduePending returns IDs of pending contracts whose expiry has passed.
func (r Repo) ListOverduePending(ctx context.Context, nowRFC3339 string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM contracts WHERE status='pending' AND expires_at IS NOT NULL AND expires_at <= ?`, nowRFC3339)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const partyCols = `id,contract_id,role_name,kind,identity_ref,display_name,contact,ordinal,status,resolved_at,acted_at`

func scanParty(scan func(dest ...any) error) (domain.Party, error) {
	var p domain.Party
	var identityRef, contact, resolvedAt, actedAt sql.NullString
	err := scan(&p.ID, &p.ContractID, &p.RoleName, &p.Kind, &identityRef, &p.DisplayName, &contact, &p.Ordinal, &p.Status, &resolvedAt, &actedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if identityRef.Valid {
		p.IdentityRef = &identityRef.String
	}
	if contact.Valid {
		p.Contact = contact.String
	}
	if resolvedAt.Valid {
		p.ResolvedAt = &resolvedAt.String
	}
	if actedAt.Valid {
		p.ActedAt = &actedAt.String
	}
	return p, nil
}

func (r Repo) InsertParty(ctx context.Context, tx *sql.Tx, p domain.Party) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO parties(`+partyCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ContractID, p.RoleName, string(p.Kind), nullableStringPtr(p.IdentityRef), p.DisplayName, nullable(p.Contact),
		p.Ordinal, string(p.Status), nullableStringPtr(p.ResolvedAt), nullableStringPtr(p.ActedAt))
	return err
}

func (r Repo) ListParties(ctx context.Context, contractID string) ([]domain.Party, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+partyCols+` FROM parties WHERE contract_id=? ORDER BY ordinal ASC, id ASC`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectParties(rows)
}

func (r Repo) ListPartiesTx(ctx context.Context, tx *sql.Tx, contractID string) ([]domain.Party, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+partyCols+` FROM parties WHERE contract_id=? ORDER BY ordinal ASC, id ASC`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectParties(rows)
}

func collectParties(rows *sql.Rows) ([]domain.Party, error) {
	var res []domain.Party
	for rows.Next() {
		p, err := scanParty(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePartyStatusTx(ctx context.Context, tx *sql.Tx, partyID string, status domain.PartyStatus, actedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE parties SET status=?, acted_at=? WHERE id=?`,
		string(status), nullableStringPtr(actedAt), partyID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdatePartyIdentityTx(ctx context.Context, tx *sql.Tx, partyID, identityRef, resolvedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE parties SET identity_ref=?, resolved_at=? WHERE id=?`,
		identityRef, resolvedAt, partyID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const fieldCols = `id,contract_id,party_id,page,x,y,width,height,kind,required,signed,signed_at,artifact_ref`

func scanField(scan func(dest ...any) error) (domain.SignField, error) {
	var f domain.SignField
	var signedAt, artifactRef sql.NullString
	var required, signed int
	err := scan(&f.ID, &f.ContractID, &f.PartyID, &f.Page, &f.X, &f.Y, &f.Width, &f.Height, &f.Kind, &required, &signed, &signedAt, &artifactRef)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	f.Required = required != 0
	f.Signed = signed != 0
	if signedAt.Valid {
		f.SignedAt = &signedAt.String
	}
	if artifactRef.Valid {
		f.ArtifactRef = &artifactRef.String
	}
	return f, nil
}

func (r Repo) InsertField(ctx context.Context, tx *sql.Tx, f domain.SignField) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sign_fields(`+fieldCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.ContractID, f.PartyID, f.Page, f.X, f.Y, f.Width, f.Height, string(f.Kind), boolInt(f.Required), boolInt(f.Signed),
		nullableStringPtr(f.SignedAt), nullableStringPtr(f.ArtifactRef))
	return err
}

func (r Repo) ListFields(ctx context.Context, contractID string) ([]domain.SignField, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+fieldCols+` FROM sign_fields WHERE contract_id=? ORDER BY page ASC, id ASC`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFields(rows)
}

func (r Repo) ListFieldsTx(ctx context.Context, tx *sql.Tx, contractID string) ([]domain.SignField, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+fieldCols+` FROM sign_fields WHERE contract_id=? ORDER BY page ASC, id ASC`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFields(rows)
}

// ListPartyFieldsTx returns only the fields bound to one party. Per-party
// completion is computed from this set, never from the whole catalog.
func (r Repo) ListPartyFieldsTx(ctx context.Context, tx *sql.Tx, partyID string) ([]domain.SignField, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+fieldCols+` FROM sign_fields WHERE party_id=? ORDER BY page ASC, id ASC`, partyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFields(rows)
}

func collectFields(rows *sql.Rows) ([]domain.SignField, error) {
	var res []domain.SignField
	for rows.Next() {
		f, err := scanField(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) MarkFieldSignedTx(ctx context.Context, tx *sql.Tx, fieldID, artifactRef, signedAt string) error {
	// Guard on signed=0 so a duplicate sign can never overwrite the first artifact.
	res, err := tx.ExecContext(ctx, `UPDATE sign_fields SET signed=1, signed_at=?, artifact_ref=? WHERE id=? AND signed=0`,
		signedAt, artifactRef, fieldID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, contractID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, contractID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, contractID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if contractID != "" {
		clauses = append(clauses, "contract_id=?")
		args = append(args, contractID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,contract_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, contractID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if contractID != "" {
		clauses = append(clauses, "contract_id=?")
		args = append(args, contractID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,contract_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the most recent event ID overall.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var contractID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &contractID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if contractID.Valid {
			e.ContractID = contractID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
