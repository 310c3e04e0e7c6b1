package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"inkline/internal/domain"
)

func (r Repo) UpsertTemplate(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	if _, err := exec(`INSERT INTO templates(id,title,mode,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title, mode=excluded.mode`,
		t.ID, t.Title, string(t.Mode), t.CreatedAt); err != nil {
		return err
	}
	if _, err := exec(`DELETE FROM template_roles WHERE template_id=?`, t.ID); err != nil {
		return err
	}
	for _, role := range t.Roles {
		fields, err := json.Marshal(role.Fields)
		if err != nil {
			return err
		}
		if _, err := exec(`INSERT INTO template_roles(template_id,name,kind,required,ordinal,fields_json) VALUES (?,?,?,?,?,?)`,
			t.ID, role.Name, string(role.Kind), boolInt(role.Required), role.Ordinal, string(fields)); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	var t domain.Template
	err := r.DB.QueryRowContext(ctx, `SELECT id,title,mode,created_at FROM templates WHERE id=?`, id).
		Scan(&t.ID, &t.Title, &t.Mode, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT name,kind,required,ordinal,fields_json FROM template_roles WHERE template_id=? ORDER BY ordinal ASC, name ASC`, id)
	if err != nil {
		return t, err
	}
	defer rows.Close()
	for rows.Next() {
		var role domain.TemplateRole
		var required int
		var fieldsJSON string
		if err := rows.Scan(&role.Name, &role.Kind, &required, &role.Ordinal, &fieldsJSON); err != nil {
			return t, err
		}
		role.Required = required != 0
		if fieldsJSON != "" {
			if err := json.Unmarshal([]byte(fieldsJSON), &role.Fields); err != nil {
				return t, err
			}
		}
		t.Roles = append(t.Roles, role)
	}
	return t, rows.Err()
}

func (r Repo) ListTemplates(ctx context.Context) ([]domain.Template, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,title,mode,created_at FROM templates ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Template
	for rows.Next() {
		var t domain.Template
		if err := rows.Scan(&t.ID, &t.Title, &t.Mode, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
