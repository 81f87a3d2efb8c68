package signing

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Variables is a custom GORM type for template bindings stored as JSON.
type Variables map[string]string

// Scan implements the sql.Scanner interface for Variables.
func (v *Variables) Scan(value any) error {
	if value == nil {
		*v = nil
		return nil
	}
	var bytes []byte
	switch x := value.(type) {
	case string:
		bytes = []byte(x)
	case []byte:
		bytes = x
	default:
		return fmt.Errorf("unsupported type for Variables: %T", value)
	}
	return json.Unmarshal(bytes, v)
}

// Value implements the driver.Valuer interface for Variables.
func (v Variables) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// DocumentRecord stores a contract or an envelope.
type DocumentRecord struct {
	ID         string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	Number     string    `gorm:"column:number;type:varchar(32);uniqueIndex:idx_doc_number;not null"`
	Kind       Kind      `gorm:"column:kind;type:varchar(16);not null"`
	Title      string    `gorm:"column:title;not null"`
	Status     Status    `gorm:"column:status;type:varchar(16);index:idx_doc_status;not null"`
	Workflow   Workflow  `gorm:"column:workflow;type:varchar(16)"`
	TemplateID string    `gorm:"column:template_id"`
	Body       string    `gorm:"column:body;type:text"`
	Variables  Variables `gorm:"column:variables;type:text"`

	RenderedHTML string `gorm:"column:rendered_html;type:text"`
	// UnsignedHash is the hash of the PDF generated at send time. It is
	// printed on the certificate page of the sealed artifact.
	UnsignedHash string `gorm:"column:unsigned_hash;type:varchar(64)"`
	ArtifactPath string `gorm:"column:artifact_path"`
	ArtifactHash string `gorm:"column:artifact_hash;type:varchar(64)"`

	StatusReason string `gorm:"column:status_reason"`
	CreatedBy    string `gorm:"column:created_by"`
	Version      int    `gorm:"column:version;not null;default:1"`

	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;not null"`
	SentAt      *time.Time `gorm:"column:sent_at"`
	ViewedAt    *time.Time `gorm:"column:viewed_at"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
	SealedAt    *time.Time `gorm:"column:sealed_at"`
	// ExpiresAt is the optional signing deadline.
	ExpiresAt *time.Time `gorm:"column:expires_at;index:idx_doc_expires"`
}

// TableName returns the GORM table name.
func (DocumentRecord) TableName() string { return "documents" }

// Machine returns the transition machine of the document's kind.
func (d *DocumentRecord) Machine() *Machine { return MachineFor(d.Kind) }

// Terminal reports whether the document can no longer change status.
func (d *DocumentRecord) Terminal() bool { return d.Machine().Terminal(d.Status) }

// SignerRecord stores one recipient of a document. A contract has exactly
// one signer at position 1.
type SignerRecord struct {
	ID         string `gorm:"primaryKey;column:id;type:varchar(36)"`
	DocumentID string `gorm:"column:document_id;type:varchar(36);uniqueIndex:idx_signer_email,priority:1;uniqueIndex:idx_signer_position,priority:1;not null"`
	Name       string `gorm:"column:name;not null"`
	// Email is stored lower-cased.
	Email         string       `gorm:"column:email;uniqueIndex:idx_signer_email,priority:2;not null"`
	Role          string       `gorm:"column:role"`
	Position      int          `gorm:"column:position;uniqueIndex:idx_signer_position,priority:2;not null"`
	Status        SignerStatus `gorm:"column:status;type:varchar(16);not null"`
	DeclineReason string       `gorm:"column:decline_reason"`
	CreatedAt     time.Time    `gorm:"column:created_at;not null"`
	ViewedAt      *time.Time   `gorm:"column:viewed_at"`
	SignedAt      *time.Time   `gorm:"column:signed_at"`
	DeclinedAt    *time.Time   `gorm:"column:declined_at"`
}

// TableName returns the GORM table name.
func (SignerRecord) TableName() string { return "document_signers" }

// SignatureRecord stores a captured signature. There is at most one per
// signer.
type SignatureRecord struct {
	ID            string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	DocumentID    string    `gorm:"column:document_id;type:varchar(36);index:idx_signature_doc;not null"`
	SignerID      string    `gorm:"column:signer_id;type:varchar(36);uniqueIndex:idx_signature_signer;not null"`
	SignerName    string    `gorm:"column:signer_name;not null"`
	SignerEmail   string    `gorm:"column:signer_email;not null"`
	ImageType     string    `gorm:"column:image_type;type:varchar(8);not null"`
	ImageData     []byte    `gorm:"column:image_data;not null"`
	AgreedToTerms bool      `gorm:"column:agreed_to_terms;not null"`
	IPAddress     string    `gorm:"column:ip_address"`
	UserAgent     string    `gorm:"column:user_agent"`
	SignedAt      time.Time `gorm:"column:signed_at;not null"`
}

// TableName returns the GORM table name.
func (SignatureRecord) TableName() string { return "document_signatures" }
