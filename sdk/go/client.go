package inklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Inkline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Contract represents the API contract model.
type Contract struct {
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

// Party is one signing participant.
type Party struct {
	ID          string  `json:"id"`
	RoleName    string  `json:"role_name"`
	Kind        string  `json:"kind"`
	IdentityRef *string `json:"identity_ref,omitempty"`
	DisplayName string  `json:"display_name"`
	Ordinal     int     `json:"ordinal"`
	Status      string  `json:"status"`
}

// Field is a signable placeholder.
type Field struct {
	ID          string  `json:"id"`
	PartyID     string  `json:"party_id"`
	Page        int     `json:"page"`
	Kind        string  `json:"kind"`
	Required    bool    `json:"required"`
	Signed      bool    `json:"signed"`
	SignedAt    *string `json:"signed_at,omitempty"`
	ArtifactRef *string `json:"artifact_ref,omitempty"`
}

// ContractView is the full status read model.
type ContractView struct {
	Contract Contract `json:"contract"`
	Parties  []Party  `json:"parties"`
	Fields   []Field  `json:"fields"`
}

// SignResult reports post-sign statuses.
type SignResult struct {
	ContractStatus string `json:"contract_status"`
	PartyStatus    string `json:"party_status"`
	Field          Field  `json:"field"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ContractID string         `json:"contract_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Participant is an invited signer for a role.
type Participant struct {
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
	Contact     string `json:"contact,omitempty"`
	IdentityRef string `json:"identity_ref,omitempty"`
}

// PaginatedContracts wraps list responses with cursors.
type PaginatedContracts struct {
	Items      []Contract `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Instantiate creates a pending contract from a template.
func (c *Client) Instantiate(ctx context.Context, templateID, documentRef string, participants []Participant) (Contract, error) {
	body := map[string]any{
		"template_id":  templateID,
		"document_ref": documentRef,
		"participants": participants,
	}
	var resp Contract
	err := c.do(ctx, http.MethodPost, "v0/contracts/instantiate", body, &resp)
	return resp, err
}

// GetContract fetches the authoritative contract view.
func (c *Client) GetContract(ctx context.Context, id string) (ContractView, error) {
	var resp ContractView
	err := c.do(ctx, http.MethodGet, "v0/contracts/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Sign applies an artifact to one field on behalf of a party.
func (c *Client) Sign(ctx context.Context, contractID, fieldID, partyID, artifactRef, artifactKind string) (SignResult, error) {
	body := map[string]any{
		"party_id":      partyID,
		"artifact_ref":  artifactRef,
		"artifact_kind": artifactKind,
	}
	var resp SignResult
	endpoint := fmt.Sprintf("v0/contracts/%s/fields/%s/sign", url.PathEscape(contractID), url.PathEscape(fieldID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Reject declines on behalf of a party.
func (c *Client) Reject(ctx context.Context, contractID, partyID, reason string) (SignResult, error) {
	body := map[string]any{
		"party_id": partyID,
		"reason":   reason,
	}
	var resp SignResult
	endpoint := fmt.Sprintf("v0/contracts/%s/reject", url.PathEscape(contractID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Cancel voids a draft or pending contract.
func (c *Client) Cancel(ctx context.Context, contractID string) (Contract, error) {
	var resp Contract
	endpoint := fmt.Sprintf("v0/contracts/%s/cancel", url.PathEscape(contractID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Contracts returns a paginated contract listing.
func (c *Client) Contracts(ctx context.Context, status string, limit int, cursor string) (PaginatedContracts, error) {
	endpoint := "v0/contracts"
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedContracts
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent audit events, optionally scoped to one contract.
func (c *Client) Events(ctx context.Context, contractID string, limit int) ([]Event, error) {
	endpoint := "v0/events"
	params := url.Values{}
	if contractID != "" {
		params.Set("contract_id", contractID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
