package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/JeanLouisParent/sortbook-v5/pkg/domain"
)

// BookModel is the GORM model backing the books table.
type BookModel struct {
	ID                    string `gorm:"primaryKey;size:36"`
	Fingerprint           string `gorm:"size:64;not null;uniqueIndex"`
	Filename              string `gorm:"not null"`
	FilePath              string `gorm:"not null"`
	FileSize              int64  `gorm:"not null"`
	Identifier            string `gorm:"size:32;index"`
	IdentifierSource      string `gorm:"size:16;not null;default:none"`
	HasCover              bool   `gorm:"not null;default:false"`
	Status                string `gorm:"size:32;not null;index"`
	FinalTitle            string
	FinalAuthor           string
	ChoiceSource          string
	ExtractionSnapshot    datatypes.JSON
	EnrichmentResponse    datatypes.JSON
	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
	ProcessingTimeMS      int64 `gorm:"column:processing_time_ms;not null;default:0"`
	ErrorMessage          string
	CreatedAt             time.Time `gorm:"not null"`
	UpdatedAt             time.Time `gorm:"not null"`
}

// TableName pins the table name used by migrations and raw SQL.
func (BookModel) TableName() string {
	return "books"
}

func bookToModel(b domain.BookRecord) BookModel {
	source := string(b.IdentifierSource)
	if source == "" {
		source = string(domain.IdentifierNone)
	}
	return BookModel{
		ID:                    b.ID,
		Fingerprint:           b.Fingerprint,
		Filename:              b.Filename,
		FilePath:              b.FilePath,
		FileSize:              b.FileSize,
		Identifier:            b.Identifier,
		IdentifierSource:      source,
		HasCover:              b.HasCover,
		Status:                string(b.Status),
		FinalTitle:            b.FinalTitle,
		FinalAuthor:           b.FinalAuthor,
		ChoiceSource:          b.ChoiceSource,
		ExtractionSnapshot:    jsonColumn(b.ExtractionSnapshot),
		EnrichmentResponse:    jsonColumn(b.EnrichmentResponse),
		ProcessingStartedAt:   b.ProcessingStartedAt,
		ProcessingCompletedAt: b.ProcessingCompletedAt,
		ProcessingTimeMS:      b.ProcessingTimeMS,
		ErrorMessage:          b.ErrorMessage,
		CreatedAt:             b.CreatedAt,
		UpdatedAt:             b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.BookRecord {
	return domain.BookRecord{
		ID:                    m.ID,
		Fingerprint:           m.Fingerprint,
		Filename:              m.Filename,
		FilePath:              m.FilePath,
		FileSize:              m.FileSize,
		Identifier:            m.Identifier,
		IdentifierSource:      domain.IdentifierSource(m.IdentifierSource),
		HasCover:              m.HasCover,
		Status:                domain.BookStatus(m.Status),
		FinalTitle:            m.FinalTitle,
		FinalAuthor:           m.FinalAuthor,
		ChoiceSource:          m.ChoiceSource,
		ExtractionSnapshot:    json.RawMessage(m.ExtractionSnapshot),
		EnrichmentResponse:    json.RawMessage(m.EnrichmentResponse),
		ProcessingStartedAt:   m.ProcessingStartedAt,
		ProcessingCompletedAt: m.ProcessingCompletedAt,
		ProcessingTimeMS:      m.ProcessingTimeMS,
		ErrorMessage:          m.ErrorMessage,
		CreatedAt:             m.CreatedAt,
		UpdatedAt:             m.UpdatedAt,
	}
}

func jsonColumn(raw json.RawMessage) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	return datatypes.JSON(raw)
}
