package domain

// ContractStatus is the lifecycle state of a contract.
type ContractStatus string

const (
	ContractDraft     ContractStatus = "draft"
	ContractPending   ContractStatus = "pending"
	ContractCompleted ContractStatus = "completed"
	ContractRejected  ContractStatus = "rejected"
	ContractCanceled  ContractStatus = "canceled"
	ContractExpired   ContractStatus = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s ContractStatus) Terminal() bool {
	switch s {
	case ContractCompleted, ContractRejected, ContractCanceled, ContractExpired:
		return true
	}
	return false
}

func (s ContractStatus) Valid() bool {
	switch s {
	case ContractDraft, ContractPending, ContractCompleted, ContractRejected, ContractCanceled, ContractExpired:
		return true
	}
	return false
}

// CanTransition is the closed transition table for contract statuses.
func (s ContractStatus) CanTransition(to ContractStatus) bool {
	switch s {
	case ContractDraft:
		return to == ContractPending || to == ContractCanceled
	case ContractPending:
		return to == ContractCompleted || to == ContractRejected || to == ContractCanceled || to == ContractExpired
	}
	return false
}

// PartyStatus is the per-party signing state.
type PartyStatus string

const (
	PartyPending  PartyStatus = "pending"
	PartySigned   PartyStatus = "signed"
	PartyRejected PartyStatus = "rejected"
	PartyExpired  PartyStatus = "expired"
)

func (s PartyStatus) Terminal() bool { return s != PartyPending }

// ParticipantKind distinguishes individual signers from organizations.
type ParticipantKind string

const (
	KindPersonal   ParticipantKind = "personal"
	KindEnterprise ParticipantKind = "enterprise"
)

func (k ParticipantKind) Valid() bool {
	return k == KindPersonal || k == KindEnterprise
}

// FieldKind is the kind of artifact a sign field accepts.
type FieldKind string

const (
	FieldSignature FieldKind = "signature"
	FieldSeal      FieldKind = "seal"
)

func (k FieldKind) Valid() bool {
	return k == FieldSignature || k == FieldSeal
}

// SignMode controls whether parties sign in ordinal order.
type SignMode string

const (
	ModeSequential SignMode = "sequential"
	ModeParallel   SignMode = "parallel"
)

func (m SignMode) Valid() bool {
	return m == ModeSequential || m == ModeParallel
}

// Contract is the aggregate root for one document being routed for signing.
type Contract struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	DocumentRef string         `json:"document_ref"`
	TemplateID  *string        `json:"template_id,omitempty"`
	Mode        SignMode       `json:"mode" enum:"sequential,parallel"`
	Status      ContractStatus `json:"status" enum:"draft,pending,completed,rejected,canceled,expired"`
	InitiatorID string         `json:"initiator_id"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	ExpiresAt   *string        `json:"expires_at,omitempty" format:"date-time"`
	CompletedAt *string        `json:"completed_at,omitempty" format:"date-time"`
	Version     int64          `json:"version"`
}

// Party is one signing participant bound to a subset of the contract's fields.
type Party struct {
	ID          string          `json:"id"`
	ContractID  string          `json:"contract_id"`
	RoleName    string          `json:"role_name"`
	Kind        ParticipantKind `json:"kind" enum:"personal,enterprise"`
	IdentityRef *string         `json:"identity_ref,omitempty"`
	DisplayName string          `json:"display_name"`
	Contact     string          `json:"contact,omitempty"`
	Ordinal     int             `json:"ordinal"`
	Status      PartyStatus     `json:"status" enum:"pending,signed,rejected,expired"`
	ResolvedAt  *string         `json:"resolved_at,omitempty" format:"date-time"`
	ActedAt     *string         `json:"acted_at,omitempty" format:"date-time"`
}

// SignField is a signable placeholder bound to exactly one party. The
// geometry is opaque to the engine.
type SignField struct {
	ID          string    `json:"id"`
	ContractID  string    `json:"contract_id"`
	PartyID     string    `json:"party_id"`
	Page        int       `json:"page"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Width       float64   `json:"width"`
	Height      float64   `json:"height"`
	Kind        FieldKind `json:"kind" enum:"signature,seal"`
	Required    bool      `json:"required"`
	Signed      bool      `json:"signed"`
	SignedAt    *string   `json:"signed_at,omitempty" format:"date-time"`
	ArtifactRef *string   `json:"artifact_ref,omitempty"`
}

// Template is a reusable contract definition: roles plus field catalog.
type Template struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Mode      SignMode       `json:"mode" enum:"sequential,parallel"`
	Roles     []TemplateRole `json:"roles,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

// TemplateRole is a named signer slot resolved into a Party at instantiation.
type TemplateRole struct {
	Name     string          `json:"name"`
	Kind     ParticipantKind `json:"kind" enum:"personal,enterprise"`
	Required bool            `json:"required"`
	Ordinal  int             `json:"ordinal"`
	Fields   []FieldSpec     `json:"fields"`
}

// FieldSpec is a field placement owned by a template role.
type FieldSpec struct {
	Page     int       `json:"page"`
	X        float64   `json:"x"`
	Y        float64   `json:"y"`
	Width    float64   `json:"width"`
	Height   float64   `json:"height"`
	Kind     FieldKind `json:"kind" enum:"signature,seal"`
	Required bool      `json:"required"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ContractID string `json:"contract_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
