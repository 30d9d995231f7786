package domain

import (
	"encoding/json"
	"time"
)

// BookStatus is the persisted classification of a book file.
type BookStatus string

const (
	StatusPending             BookStatus = "pending"
	StatusProcessed           BookStatus = "processed"
	StatusDuplicateHash       BookStatus = "duplicate_hash"
	StatusDuplicateIdentifier BookStatus = "duplicate_identifier"
	StatusFailed              BookStatus = "failed"
)

// Terminal reports whether the status ends a record's lifecycle.
func (s BookStatus) Terminal() bool {
	switch s {
	case StatusProcessed, StatusDuplicateHash, StatusDuplicateIdentifier, StatusFailed:
		return true
	default:
		return false
	}
}

// IdentifierSource names where a book identifier was found.
type IdentifierSource string

const (
	IdentifierFromMetadata IdentifierSource = "metadata"
	IdentifierFromContent  IdentifierSource = "content"
	IdentifierNone         IdentifierSource = "none"
)

// BookRecord is one row per distinct file, keyed by content fingerprint.
type BookRecord struct {
	ID                    string           `json:"id"`
	Fingerprint           string           `json:"fingerprint"`
	Filename              string           `json:"filename"`
	FilePath              string           `json:"filePath"`
	FileSize              int64            `json:"fileSize"`
	Identifier            string           `json:"identifier,omitempty"`
	IdentifierSource      IdentifierSource `json:"identifierSource"`
	HasCover              bool             `json:"hasCover"`
	Status                BookStatus       `json:"status"`
	FinalTitle            string           `json:"finalTitle,omitempty"`
	FinalAuthor           string           `json:"finalAuthor,omitempty"`
	ChoiceSource          string           `json:"choiceSource,omitempty"`
	ExtractionSnapshot    json.RawMessage  `json:"extractionSnapshot,omitempty"`
	EnrichmentResponse    json.RawMessage  `json:"enrichmentResponse,omitempty"`
	ProcessingStartedAt   *time.Time       `json:"processingStartedAt,omitempty"`
	ProcessingCompletedAt *time.Time       `json:"processingCompletedAt,omitempty"`
	ProcessingTimeMS      int64            `json:"processingTimeMs"`
	ErrorMessage          string           `json:"errorMessage,omitempty"`
	CreatedAt             time.Time        `json:"createdAt"`
	UpdatedAt             time.Time        `json:"updatedAt"`
}

// Outcome is the single terminal write applied to a pending record.
type Outcome struct {
	Status             BookStatus
	Identifier         string
	IdentifierSource   IdentifierSource
	HasCover           bool
	FinalTitle         string
	FinalAuthor        string
	ChoiceSource       string
	ExtractionSnapshot json.RawMessage
	EnrichmentResponse json.RawMessage
	CompletedAt        time.Time
	ProcessingTimeMS   int64
	ErrorMessage       string

	// FilePath and Filename, when set, replace the stored location. A record
	// adopted from a moved file is finalized under its new path.
	FilePath string
	Filename string
}
