package model

import "time"

// ArtifactType describes how an artifact's text is obtained.
type ArtifactType string

const (
	ArtifactText  ArtifactType = "text"
	ArtifactPDF   ArtifactType = "pdf"
	ArtifactImage ArtifactType = "image"
)

// ArtifactSource records where a piece of evidence came from.
type ArtifactSource string

const (
	SourceManualEntry ArtifactSource = "manual_entry"
	SourceUpload      ArtifactSource = "upload"
	SourceConnector   ArtifactSource = "connector"
)

// Artifact is an immutable piece of evidence attached to one verification.
type Artifact struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	VerificationID string         `json:"verification_id"`
	Type           ArtifactType   `json:"type"`
	Source         ArtifactSource `json:"source"`
	Filename       string         `json:"filename,omitempty"`
	StorageKey     string         `json:"storage_key,omitempty"`
	TextContent    string         `json:"text_content,omitempty"`
	SHA256         string         `json:"sha256"`
	CreatedBy      string         `json:"created_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// GeneratedReport is a rendered summary stored in the evidence store.
// A verification may accumulate several; the newest by CreatedAt is current.
type GeneratedReport struct {
	ID             string    `json:"id"`
	VerificationID string    `json:"verification_id"`
	StorageKey     string    `json:"storage_key"`
	SHA256         string    `json:"sha256"`
	CreatedAt      time.Time `json:"created_at"`
}
