package core

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"time"
)

type ActionType string

const (
	ActionUploadAttempt    ActionType = "UPLOAD_ATTEMPT"
	ActionUploadSuccess    ActionType = "UPLOAD_SUCCESS"
	ActionUploadBlocked    ActionType = "UPLOAD_BLOCKED"
	ActionExtensionChanged ActionType = "EXTENSION_CHANGED"
	ActionFileQuarantined  ActionType = "FILE_QUARANTINED"
	ActionFileRestored     ActionType = "FILE_RESTORED"
)

type BlockReason string

const (
	ReasonFileSizeExceeded BlockReason = "FILE_SIZE_EXCEEDED"
	ReasonBlockedExtension BlockReason = "BLOCKED_EXTENSION"
	ReasonInvalidFilename  BlockReason = "INVALID_FILENAME"
	ReasonBypassAttempt    BlockReason = "BYPASS_ATTEMPT"
)

type FileStatus string

const (
	StatusActive  FileStatus = "ACTIVE"
	StatusDeleted FileStatus = "DELETED"
)

// ParseFileStatus accepts the status name in any case.
func ParseFileStatus(s string) (FileStatus, error) {
	switch FileStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusActive:
		return StatusActive, nil
	case StatusDeleted:
		return StatusDeleted, nil
	default:
		return "", ErrInvalidInput
	}
}

type FixedRule struct {
	Extension string
	Blocked   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type CustomRule struct {
	ID        string
	Extension string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type UploadedFile struct {
	ID               string
	OriginalFilename string
	StoredFilename   string
	StoragePath      string // blob locator
	Extension        string
	SizeBytes        int64
	ContentType      string
	Status           FileStatus
	Protected        bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type AuditEntry struct {
	ID               int64
	Filename         string
	SizeBytes        int64
	ClientIP         string
	UserAgent        string
	Action           ActionType
	Blocked          bool
	ReasonText       string
	BlockedExtension string
	ReasonKind       BlockReason // empty when not applicable
	Time             time.Time
}

type PageRequest struct {
	Page int // zero-based
	Size int
}

// Offset returns the index of the page's first entry. ok is false when
// the page lies beyond any addressable offset.
func (p PageRequest) Offset() (offset int, ok bool) {
	if p.Page < 0 || p.Size <= 0 || p.Page > math.MaxInt/p.Size {
		return 0, false
	}
	return p.Page * p.Size, true
}

type AuditPage struct {
	Entries []AuditEntry
	Page    int
	Size    int
	Total   int64
}

// ValidationResult is the verdict for a filename. Blocked verdicts are
// ordinary results, not errors.
type ValidationResult struct {
	Allowed    bool
	ReasonText string
	Reason     BlockReason
	Extension  string
}

// ValidationError is a hard input failure that aborts an upload before
// any extension rule is consulted.
type ValidationError struct {
	Kind    BlockReason
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// CascadeResult summarizes one sweep over files of a newly blocked extension.
type CascadeResult struct {
	ID         string
	Extension  string
	Deleted    int
	Protected  int
	Failed     int
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrLimitExceeded    = errors.New("limit exceeded")
	ErrInvalidExtension = errors.New("invalid extension")
	ErrInvalidInput     = errors.New("invalid input")
	ErrProtected        = errors.New("file is protected")
)

// RuleRepository persists fixed and custom extension rules. Implementations
// assign CreatedAt/UpdatedAt on every write.
type RuleRepository interface {
	FixedRuleByName(ctx context.Context, name string) (FixedRule, error)
	FixedRules(ctx context.Context) ([]FixedRule, error)
	BlockedFixedNames(ctx context.Context) ([]string, error)
	SaveFixedRule(ctx context.Context, rule FixedRule) (FixedRule, error)

	CustomRules(ctx context.Context) ([]CustomRule, error)
	CustomRuleByID(ctx context.Context, id string) (CustomRule, error)
	CustomRuleExists(ctx context.Context, extension string) (bool, error)
	CountCustomRules(ctx context.Context) (int, error)
	CreateCustomRule(ctx context.Context, rule CustomRule) (CustomRule, error)
	DeleteCustomRule(ctx context.Context, id string) error
}

// FileRepository persists uploaded file metadata.
type FileRepository interface {
	CreateFile(ctx context.Context, f UploadedFile) (UploadedFile, error)
	FileByID(ctx context.Context, id string) (UploadedFile, error)
	FileByStoredName(ctx context.Context, storedName string) (UploadedFile, error)
	FilesByExtension(ctx context.Context, extension string, status FileStatus) ([]UploadedFile, error)
	FilesByStatus(ctx context.Context, status FileStatus) ([]UploadedFile, error)
	CountByStatus(ctx context.Context, status FileStatus) (int64, error)
	MarkDeleted(ctx context.Context, id string) (UploadedFile, error)
	// MarkDeletedUnlessProtected moves an ACTIVE, unprotected file to
	// DELETED in one step. It returns ErrProtected for a protected file and
	// ErrNotFound when the file is missing or no longer ACTIVE.
	MarkDeletedUnlessProtected(ctx context.Context, id string) (UploadedFile, error)
	SetProtected(ctx context.Context, id string, protected bool) (UploadedFile, error)
}

// BlobStore holds file bytes. Open and Delete return ErrNotFound for
// unknown locators.
type BlobStore interface {
	Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, error)
	Open(ctx context.Context, locator string) (io.ReadCloser, error)
	Delete(ctx context.Context, locator string) error
}

// Quarantiner is implemented by blob stores that can set bytes aside
// instead of destroying them.
type Quarantiner interface {
	Quarantine(ctx context.Context, locator, reason string) error
}

// AuditLog is the durable, append-only audit store.
type AuditLog interface {
	Append(ctx context.Context, e AuditEntry) (AuditEntry, error)
	QueryBlocked(ctx context.Context, page PageRequest) (AuditPage, error)
}

// Auditor records audit entries. Record never fails the caller.
type Auditor interface {
	Record(ctx context.Context, e AuditEntry)
}

// Broadcaster delivers audit summaries to live subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, s AuditSummary) error
}

// Metrics defines the interface for collecting operational metrics.
type Metrics interface {
	// Upload metrics
	IncUploadAttempts()
	IncUploadOutcome(outcome string)
	AddUploadBytes(n int64)

	// Validation metrics
	IncVerdict(reason BlockReason, blocked bool)
	IncValidationFailure(kind BlockReason)
	IncVerdictCache(hit bool)

	// Rule metrics
	IncRuleChange(kind string)
	SetCustomRules(n int)

	// Cascade metrics
	AddCascadeFiles(result string, n int)
	ObserveCascadeDuration(d time.Duration)
	IncCascadeBlobErrors()

	// Audit metrics
	IncAuditFailure(stage string)

	// HTTP metrics
	ObserveHTTPRequest(method, route string, status int, d time.Duration)
}
