package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"inkline/internal/app"
	"inkline/internal/db"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	a, err := app.Open(context.Background(), workspace)
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	handler, err := New(Config{
		Engine: a.Engine,
		Auth:   AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asInitiator() map[string]string {
	return map[string]string{"X-Actor-Id": "initiator-1"}
}

func draftBody() map[string]any {
	return map[string]any{
		"title":        "Mutual NDA",
		"document_ref": "documents/nda.pdf",
		"mode":         "parallel",
		"roles": []map[string]any{
			{
				"name": "sender", "kind": "enterprise", "ordinal": 1,
				"fields": []map[string]any{{"page": 1, "x": 50, "y": 600, "width": 150, "height": 60, "kind": "seal"}},
			},
			{
				"name": "receiver", "kind": "personal", "ordinal": 2,
				"fields": []map[string]any{{"page": 1, "x": 300, "y": 600, "width": 150, "height": 60, "kind": "signature"}},
			},
		},
		"participants": []map[string]any{
			{"role": "sender", "display_name": "Acme Corp", "identity_ref": "idp:acme"},
			{"role": "receiver", "display_name": "Dana Reed", "identity_ref": "idp:dana"},
		},
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/contracts", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 health, got %d", res.StatusCode)
	}
}

func TestContractSigningFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts", draftBody(), asInitiator())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create contract status %d: %s", res.StatusCode, string(data))
	}
	var created ContractResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal contract: %v", err)
	}
	if created.Status != "draft" {
		t.Fatalf("expected draft, got %s", created.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts/"+created.ID+"/finalize", nil, asInitiator())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finalize status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/contracts/"+created.ID, nil, asInitiator())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get contract status %d: %s", res.StatusCode, string(data))
	}
	var view ContractViewResponse
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal view: %v", err)
	}
	if len(view.Parties) != 2 || len(view.Fields) != 2 {
		t.Fatalf("expected 2 parties and 2 fields, got %d/%d", len(view.Parties), len(view.Fields))
	}

	partyFor := func(role string) PartyResponse {
		for _, p := range view.Parties {
			if p.RoleName == role {
				return p
			}
		}
		t.Fatalf("no party for role %s", role)
		return PartyResponse{}
	}
	fieldFor := func(partyID string) FieldResponse {
		for _, f := range view.Fields {
			if f.PartyID == partyID {
				return f
			}
		}
		t.Fatalf("no field for party %s", partyID)
		return FieldResponse{}
	}

	sender := partyFor("sender")
	receiver := partyFor("receiver")

	res, data = doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/contracts/"+created.ID+"/fields/"+fieldFor(sender.ID).ID+"/sign",
		map[string]any{"party_id": sender.ID, "artifact_ref": "artifacts/seal/s1", "artifact_kind": "seal"},
		asInitiator())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sender sign status %d: %s", res.StatusCode, string(data))
	}
	var signRes SignResponse
	if err := json.Unmarshal(data, &signRes); err != nil {
		t.Fatalf("unmarshal sign result: %v", err)
	}
	if signRes.ContractStatus != "pending" || signRes.PartyStatus != "signed" {
		t.Fatalf("unexpected sign result: %+v", signRes)
	}

	res, data = doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/contracts/"+created.ID+"/fields/"+fieldFor(receiver.ID).ID+"/sign",
		map[string]any{"party_id": receiver.ID, "artifact_ref": "artifacts/signature/r1", "artifact_kind": "signature"},
		asInitiator())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("receiver sign status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &signRes); err != nil {
		t.Fatalf("unmarshal sign result: %v", err)
	}
	if signRes.ContractStatus != "completed" {
		t.Fatalf("expected completed, got %s", signRes.ContractStatus)
	}

	// audit trail captured the whole flow
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?contract_id="+created.ID, nil, asInitiator())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	types := map[string]bool{}
	for _, e := range events {
		types[e.Type] = true
	}
	for _, want := range []string{"contract.created", "contract.finalized", "field.signed", "party.signed", "contract.completed"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}

func TestErrorEnvelopeCarriesFaultKind(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	body := draftBody()
	body["mode"] = "sequential"
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts", body, asInitiator())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created ContractResponse
	json.Unmarshal(data, &created)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts/"+created.ID+"/finalize", nil, asInitiator())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finalize status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/contracts/"+created.ID, nil, asInitiator())
	var view ContractViewResponse
	json.Unmarshal(data, &view)

	var receiver PartyResponse
	for _, p := range view.Parties {
		if p.RoleName == "receiver" {
			receiver = p
		}
	}
	var field FieldResponse
	for _, f := range view.Fields {
		if f.PartyID == receiver.ID {
			field = f
		}
	}

	// receiver signing first in sequential mode is a conflict
	res, data = doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/contracts/"+created.ID+"/fields/"+field.ID+"/sign",
		map[string]any{"party_id": receiver.ID, "artifact_ref": "artifacts/signature/r1", "artifact_kind": "signature"},
		asInitiator())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "out_of_sequence" {
		t.Fatalf("expected out_of_sequence, got %q", envelope.Error.Code)
	}
	if envelope.Error.Details["contract_status"] != "pending" {
		t.Fatalf("expected contract_status detail, got %v", envelope.Error.Details)
	}
}

func TestTemplateEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// config seeds the nda-two-party template at startup
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/templates", nil, asInitiator())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list templates status %d: %s", res.StatusCode, string(data))
	}
	var templates []TemplateResponse
	if err := json.Unmarshal(data, &templates); err != nil {
		t.Fatalf("unmarshal templates: %v", err)
	}
	found := false
	for _, tpl := range templates {
		if tpl.ID == "nda-two-party" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected seeded template, got %v", templates)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts/instantiate", map[string]any{
		"template_id":  "nda-two-party",
		"document_ref": "documents/nda.pdf",
		"participants": []map[string]any{
			{"role": "disclosing-party", "display_name": "Acme Corp", "identity_ref": "idp:acme"},
			{"role": "receiving-party", "display_name": "Dana Reed", "identity_ref": "idp:dana"},
		},
	}, asInitiator())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("instantiate status %d: %s", res.StatusCode, string(data))
	}
	var created ContractResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal contract: %v", err)
	}
	if created.Status != "pending" {
		t.Fatalf("expected pending, got %s", created.Status)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/keys", map[string]any{"name": "ci"}, asInitiator())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if key.Key == "" {
		t.Fatalf("expected raw key in creation response")
	}

	// the raw key authenticates instead of the legacy header
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/contracts", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list with api key status %d: %s", res.StatusCode, string(data))
	}
}
