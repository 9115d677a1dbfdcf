// Package vectorstore persists per-tenant embedding collections and serves
// cosine-similarity top-k search.
package vectorstore

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ContentType classifies the source of an indexed record.
type ContentType string

const (
	TypeFile        ContentType = "file"
	TypePost        ContentType = "post"
	TypeCollegeInfo ContentType = "college_info"
)

// Valid reports whether the content type is one of the known values.
func (t ContentType) Valid() bool {
	switch t {
	case TypeFile, TypePost, TypeCollegeInfo:
		return true
	}
	return false
}

// Sentinel errors for the store taxonomy.
var (
	// ErrDimensionMismatch means a vector's length differs from the
	// collection's established dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrInvalidVector means the vector is empty or otherwise unusable.
	ErrInvalidVector = errors.New("invalid vector")
	// ErrInvalidTenant means the tenant identifier is empty or unsafe.
	ErrInvalidTenant = errors.New("invalid tenant id")
	// ErrInvalidContentType means the content type is unknown.
	ErrInvalidContentType = errors.New("invalid content type")
)

// Metadata carries the denormalized display fields of a record.
type Metadata struct {
	Title       string `json:"title,omitempty"`
	Department  string `json:"department,omitempty"`
	Filename    string `json:"filename,omitempty"`
	Author      string `json:"author,omitempty"`
	Preview     string `json:"preview,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	Description string `json:"description,omitempty"`
}

// Record is one indexed source item: the persisted embedding plus the
// metadata needed to render it in results.
type Record struct {
	ContentType ContentType `json:"content_type"`
	SourceID    int64       `json:"source_id"`
	Vector      []float32   `json:"vector"`
	Metadata    Metadata    `json:"metadata"`
	IndexedAt   time.Time   `json:"indexed_at"`
}

// Key identifies a record within its tenant collection. Re-indexing the
// same source item replaces the record under this key.
func (r Record) Key() string {
	return fmt.Sprintf("%s_%d", r.ContentType, r.SourceID)
}

// ScoredRecord pairs a record with its query similarity.
type ScoredRecord struct {
	Record Record
	Score  float64
}

// Stats summarizes one tenant collection.
type Stats struct {
	Tenant    string `json:"tenant"`
	Records   int    `json:"records"`
	Dimension int    `json:"dimension"`
}

var tenantIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateTenantID rejects tenant identifiers that are empty or unsafe as
// snapshot file names.
func ValidateTenantID(tenant string) error {
	if !tenantIDPattern.MatchString(tenant) {
		return fmt.Errorf("%w: %q", ErrInvalidTenant, tenant)
	}
	return nil
}
