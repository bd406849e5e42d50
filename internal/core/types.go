package core

import (
	"encoding/json"
	"time"
)

// Direction identifies which way a transfer moves bytes.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// TransferStatus is the lifecycle state of a transfer task.
type TransferStatus string

const (
	StatusPending    TransferStatus = "pending"
	StatusInProgress TransferStatus = "in_progress"
	StatusCompleted  TransferStatus = "completed"
	StatusFailed     TransferStatus = "failed"
	StatusCancelled  TransferStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s TransferStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s TransferStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusInProgress:
		return 1
	default:
		return 2
	}
}

// CanTransition reports whether moving from s to next respects the lifecycle:
// forward only, and nothing leaves a terminal state.
func (s TransferStatus) CanTransition(next TransferStatus) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// Progress is a single byte-level progress observation.
// Total is -1 when the length is not known.
type Progress struct {
	Loaded int64 `json:"loaded"`
	Total  int64 `json:"total"`
}

// LengthComputable reports whether Total is known.
func (p Progress) LengthComputable() bool {
	return p.Total > 0
}

// Fraction returns Loaded/Total in [0,1], or 0 when the total is unknown.
func (p Progress) Fraction() float64 {
	if !p.LengthComputable() {
		return 0
	}
	f := float64(p.Loaded) / float64(p.Total)
	if f > 1 {
		return 1
	}
	return f
}

// Percent returns the completion percentage and whether it is defined.
func (p Progress) Percent() (float64, bool) {
	if !p.LengthComputable() {
		return 0, false
	}
	return float64(p.Loaded) / float64(p.Total) * 100, true
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp,omitempty"`
	Version   string `json:"version,omitempty"`
}

// Identity is returned by GET /auth/me.
type Identity struct {
	ID       int    `json:"id"`
	Email    string `json:"email"`
	IsActive bool   `json:"is_active"`
}

// UserProfile is returned by GET /user/me.
type UserProfile struct {
	ID        int        `json:"id"`
	Email     string     `json:"email"`
	Name      string     `json:"name,omitempty"`
	IsActive  bool       `json:"is_active"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// UserSettings is accepted and echoed by POST /user/settings.
type UserSettings struct {
	MaxFileSize     int    `json:"max_file_size"`
	AutoProcess     bool   `json:"auto_process"`
	DefaultPriority string `json:"default_priority"`
	ResumeTransfers bool   `json:"resume_transfers"`
	NotifyUploads   bool   `json:"notify_uploads"`
	NotifyTransfers bool   `json:"notify_transfers"`
}

// DefaultUserSettings mirrors the values the settings form falls back to.
func DefaultUserSettings() UserSettings {
	return UserSettings{
		MaxFileSize:     100,
		DefaultPriority: "normal",
		ResumeTransfers: true,
		NotifyUploads:   true,
		NotifyTransfers: true,
	}
}

// FileUploadResponse is returned by POST /files/upload.
type FileUploadResponse struct {
	FileID     int        `json:"file_id"`
	Filename   string     `json:"filename"`
	Size       int64      `json:"size"`
	Status     string     `json:"status"`
	UploadTime *time.Time `json:"upload_time,omitempty"`
}

// FileStatusResponse is returned by GET /files/{id}/status.
type FileStatusResponse struct {
	FileID       int     `json:"file_id"`
	Filename     string  `json:"filename"`
	Status       string  `json:"status"`
	Progress     *int    `json:"progress,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

// DecodeUploadResponse converts a permissive upload result into the typed
// response. It fails when the server answered with something other than an
// object.
func DecodeUploadResponse(payload map[string]any) (*FileUploadResponse, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out FileUploadResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
