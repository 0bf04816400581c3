package core

import "time"

// UploadInfo is the request context an upload carries into the audit log.
type UploadInfo struct {
	Filename  string
	SizeBytes int64
	ClientIP  string
	UserAgent string
}

// NewAttemptEntry standardizes the entry written before validation.
func NewAttemptEntry(in UploadInfo) AuditEntry {
	return uploadEntry(in, ActionUploadAttempt)
}

// NewSuccessEntry standardizes the entry written after bytes are stored.
func NewSuccessEntry(in UploadInfo) AuditEntry {
	return uploadEntry(in, ActionUploadSuccess)
}

// NewBlockedEntry standardizes the entry written for a blocked verdict.
func NewBlockedEntry(in UploadInfo, v ValidationResult) AuditEntry {
	e := uploadEntry(in, ActionUploadBlocked)
	e.Blocked = true
	e.ReasonText = v.ReasonText
	e.ReasonKind = v.Reason
	e.BlockedExtension = v.Extension
	return e
}

// NewExtensionChangedEntry records an administrative rule change. The
// extension goes into Filename so list views stay readable.
func NewExtensionChangedEntry(ext, change string) AuditEntry {
	return AuditEntry{
		Filename:         ext,
		Action:           ActionExtensionChanged,
		ReasonText:       change,
		BlockedExtension: ext,
		Time:             time.Now(),
	}
}

// NewQuarantinedEntry records a file removed because its extension became
// blocked.
func NewQuarantinedEntry(f UploadedFile, ext string) AuditEntry {
	return AuditEntry{
		Filename:         f.OriginalFilename,
		SizeBytes:        f.SizeBytes,
		Action:           ActionFileQuarantined,
		Blocked:          true,
		ReasonText:       "extension blocked after upload",
		BlockedExtension: ext,
		ReasonKind:       ReasonBlockedExtension,
		Time:             time.Now(),
	}
}

func uploadEntry(in UploadInfo, action ActionType) AuditEntry {
	return AuditEntry{
		Filename:  in.Filename,
		SizeBytes: in.SizeBytes,
		ClientIP:  in.ClientIP,
		UserAgent: in.UserAgent,
		Action:    action,
		Time:      time.Now(),
	}
}

// AuditSummary is the broadcast form of an audit entry.
type AuditSummary struct {
	ID               int64     `json:"id"`
	Action           string    `json:"action"`
	Filename         string    `json:"filename"`
	SizeBytes        int64     `json:"sizeBytes"`
	ClientIP         string    `json:"clientIp,omitempty"`
	Blocked          bool      `json:"blocked"`
	Message          string    `json:"message,omitempty"`
	BlockedExtension string    `json:"blockedExtension,omitempty"`
	BlockReason      string    `json:"blockReason,omitempty"`
	Time             time.Time `json:"time"`
}

// Summarize converts an entry to its broadcast form.
func Summarize(e AuditEntry) AuditSummary {
	return AuditSummary{
		ID:               e.ID,
		Action:           string(e.Action),
		Filename:         e.Filename,
		SizeBytes:        e.SizeBytes,
		ClientIP:         e.ClientIP,
		Blocked:          e.Blocked,
		Message:          e.ReasonText,
		BlockedExtension: e.BlockedExtension,
		BlockReason:      string(e.ReasonKind),
		Time:             e.Time,
	}
}
