package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"inkline/internal/domain"
	"inkline/internal/engine"
)

type CreateContractRequest struct {
	Title        string               `json:"title"`
	DocumentRef  string               `json:"document_ref"`
	Mode         string               `json:"mode,omitempty" enum:"sequential,parallel,"`
	ExpiresAt    *string              `json:"expires_at,omitempty" format:"date-time"`
	Roles        []RoleRequest        `json:"roles"`
	Participants []ParticipantRequest `json:"participants,omitempty"`
}

type RoleRequest struct {
	Name     string         `json:"name"`
	Kind     string         `json:"kind" enum:"personal,enterprise"`
	Required *bool          `json:"required,omitempty"`
	Ordinal  int            `json:"ordinal,omitempty"`
	Fields   []FieldRequest `json:"fields,omitempty"`
}

type FieldRequest struct {
	Page     int     `json:"page"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Kind     string  `json:"kind" enum:"signature,seal"`
	Required *bool   `json:"required,omitempty"`
}

type ParticipantRequest struct {
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
	Contact     string `json:"contact,omitempty"`
	IdentityRef string `json:"identity_ref,omitempty"`
}

type InstantiateContractRequest struct {
	TemplateID   string               `json:"template_id"`
	Title        string               `json:"title,omitempty"`
	DocumentRef  string               `json:"document_ref"`
	ExpiresAt    *string              `json:"expires_at,omitempty" format:"date-time"`
	Participants []ParticipantRequest `json:"participants"`
}

type SignRequest struct {
	PartyID      string `json:"party_id"`
	ArtifactRef  string `json:"artifact_ref"`
	ArtifactKind string `json:"artifact_kind" enum:"signature,seal"`
}

type RejectRequest struct {
	PartyID string `json:"party_id"`
	Reason  string `json:"reason,omitempty"`
}

type ContractResponse struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	DocumentRef string  `json:"document_ref"`
	TemplateID  *string `json:"template_id,omitempty"`
	Mode        string  `json:"mode"`
	Status      string  `json:"status"`
	InitiatorID string  `json:"initiator_id"`
	CreatedAt   string  `json:"created_at"`
	ExpiresAt   *string `json:"expires_at,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

type PartyResponse struct {
	ID          string  `json:"id"`
	RoleName    string  `json:"role_name"`
	Kind        string  `json:"kind"`
	IdentityRef *string `json:"identity_ref,omitempty"`
	DisplayName string  `json:"display_name"`
	Contact     string  `json:"contact,omitempty"`
	Ordinal     int     `json:"ordinal"`
	Status      string  `json:"status"`
	ResolvedAt  *string `json:"resolved_at,omitempty"`
	ActedAt     *string `json:"acted_at,omitempty"`
}

type FieldResponse struct {
	ID          string  `json:"id"`
	PartyID     string  `json:"party_id"`
	Page        int     `json:"page"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	Kind        string  `json:"kind"`
	Required    bool    `json:"required"`
	Signed      bool    `json:"signed"`
	SignedAt    *string `json:"signed_at,omitempty"`
	ArtifactRef *string `json:"artifact_ref,omitempty"`
}

type ContractViewResponse struct {
	Contract ContractResponse `json:"contract"`
	Parties  []PartyResponse  `json:"parties"`
	Fields   []FieldResponse  `json:"fields"`
}

type SignResponse struct {
	ContractStatus string        `json:"contract_status"`
	PartyStatus    string        `json:"party_status"`
	Field          FieldResponse `json:"field"`
}

type RejectResponse struct {
	ContractStatus string `json:"contract_status"`
	PartyStatus    string `json:"party_status"`
}

type TemplateRoleResponse struct {
	Name     string          `json:"name"`
	Kind     string          `json:"kind"`
	Required bool            `json:"required"`
	Ordinal  int             `json:"ordinal"`
	Fields   []FieldSpecBody `json:"fields"`
}

type FieldSpecBody struct {
	Page     int     `json:"page"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Kind     string  `json:"kind" enum:"signature,seal"`
	Required bool    `json:"required"`
}

type TemplateResponse struct {
	ID        string                 `json:"id"`
	Title     string                 `json:"title"`
	Mode      string                 `json:"mode"`
	Roles     []TemplateRoleResponse `json:"roles,omitempty"`
	CreatedAt string                 `json:"created_at"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	ContractID string          `json:"contract_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	// Key is only present on creation.
	Key string `json:"key,omitempty"`
}

type paginatedContracts struct {
	Items      []ContractResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

func contractResponse(c domain.Contract) ContractResponse {
	return ContractResponse{
		ID:          c.ID,
		Title:       c.Title,
		DocumentRef: c.DocumentRef,
		TemplateID:  c.TemplateID,
		Mode:        string(c.Mode),
		Status:      string(c.Status),
		InitiatorID: c.InitiatorID,
		CreatedAt:   c.CreatedAt,
		ExpiresAt:   c.ExpiresAt,
		CompletedAt: c.CompletedAt,
	}
}

func partyResponse(p domain.Party) PartyResponse {
	return PartyResponse{
		ID:          p.ID,
		RoleName:    p.RoleName,
		Kind:        string(p.Kind),
		IdentityRef: p.IdentityRef,
		DisplayName: p.DisplayName,
		Contact:     p.Contact,
		Ordinal:     p.Ordinal,
		Status:      string(p.Status),
		ResolvedAt:  p.ResolvedAt,
		ActedAt:     p.ActedAt,
	}
}

func fieldResponse(f domain.SignField) FieldResponse {
	return FieldResponse{
		ID:          f.ID,
		PartyID:     f.PartyID,
		Page:        f.Page,
		X:           f.X,
		Y:           f.Y,
		Width:       f.Width,
		Height:      f.Height,
		Kind:        string(f.Kind),
		Required:    f.Required,
		Signed:      f.Signed,
		SignedAt:    f.SignedAt,
		ArtifactRef: f.ArtifactRef,
	}
}

func templateResponse(t domain.Template) TemplateResponse {
	out := TemplateResponse{
		ID:        t.ID,
		Title:     t.Title,
		Mode:      string(t.Mode),
		CreatedAt: t.CreatedAt,
	}
	for _, role := range t.Roles {
		rr := TemplateRoleResponse{
			Name:     role.Name,
			Kind:     string(role.Kind),
			Required: role.Required,
			Ordinal:  role.Ordinal,
			Fields:   []FieldSpecBody{},
		}
		for _, f := range role.Fields {
			rr.Fields = append(rr.Fields, FieldSpecBody{
				Page: f.Page, X: f.X, Y: f.Y, Width: f.Width, Height: f.Height,
				Kind: string(f.Kind), Required: f.Required,
			})
		}
		out.Roles = append(out.Roles, rr)
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage([]byte("{}"))
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage([]byte(e.Payload))
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ContractID: e.ContractID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func mapContracts(items []domain.Contract) []ContractResponse {
	out := []ContractResponse{}
	for _, c := range items {
		out = append(out, contractResponse(c))
	}
	return out
}

func contractViewResponse(contract domain.Contract, parties []domain.Party, fields []domain.SignField) ContractViewResponse {
	view := ContractViewResponse{
		Contract: contractResponse(contract),
		Parties:  []PartyResponse{},
		Fields:   []FieldResponse{},
	}
	for _, p := range parties {
		view.Parties = append(view.Parties, partyResponse(p))
	}
	for _, f := range fields {
		view.Fields = append(view.Fields, fieldResponse(f))
	}
	return view
}

func rolesFromRequest(reqs []RoleRequest) []domain.TemplateRole {
	var roles []domain.TemplateRole
	for _, rr := range reqs {
		role := domain.TemplateRole{
			Name:     rr.Name,
			Kind:     domain.ParticipantKind(rr.Kind),
			Required: rr.Required == nil || *rr.Required,
			Ordinal:  rr.Ordinal,
		}
		for _, fr := range rr.Fields {
			role.Fields = append(role.Fields, domain.FieldSpec{
				Page:     fr.Page,
				X:        fr.X,
				Y:        fr.Y,
				Width:    fr.Width,
				Height:   fr.Height,
				Kind:     domain.FieldKind(fr.Kind),
				Required: fr.Required == nil || *fr.Required,
			})
		}
		roles = append(roles, role)
	}
	return roles
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func composeCursor(createdAt, id string) string {
	raw := fmt.Sprintf("%s|%s", createdAt, id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if strings.TrimSpace(cursor) == "" {
		return "", "", nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed cursor")
	}
	return parts[0], parts[1], nil
}

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func nowRFC3339(e engine.Engine) string {
	now := e.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}
