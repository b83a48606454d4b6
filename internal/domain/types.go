package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by lookups that match no record
var ErrNotFound = errors.New("not found")

// ContainerLevel is a level of the destination hierarchy. Levels are ordered:
// a lower value is closer to the root.
type ContainerLevel int

const (
	LevelGroup ContainerLevel = iota
	LevelProject
	LevelSubject
	LevelSession
	LevelAcquisition
)

// NumLevels is the number of hierarchy levels
const NumLevels = 5

var levelNames = [NumLevels]string{"group", "project", "subject", "session", "acquisition"}

// Levels returns every level in root-to-leaf order
func Levels() []ContainerLevel {
	return []ContainerLevel{LevelGroup, LevelProject, LevelSubject, LevelSession, LevelAcquisition}
}

func (l ContainerLevel) String() string {
	if !l.Valid() {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// Valid reports whether l is one of the known levels
func (l ContainerLevel) Valid() bool {
	return l >= LevelGroup && l <= LevelAcquisition
}

// Parent returns the level above l. ok is false for the group level.
func (l ContainerLevel) Parent() (ContainerLevel, bool) {
	if l <= LevelGroup {
		return 0, false
	}
	return l - 1, true
}

// ParseLevel parses a level name
func ParseLevel(s string) (ContainerLevel, error) {
	for i, name := range levelNames {
		if name == s {
			return ContainerLevel(i), nil
		}
	}
	return 0, fmt.Errorf("invalid level %q: must be one of: group, project, subject, session, acquisition", s)
}

// MarshalText implements encoding.TextMarshaler
func (l ContainerLevel) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (l *ContainerLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ItemType is the kind of deliverable an Item produces
type ItemType string

const (
	ItemTypeFile     ItemType = "file"
	ItemTypePackfile ItemType = "packfile"
)

// TaskType is the stage a Task executes
type TaskType string

const (
	TaskTypeScan             TaskType = "scan"
	TaskTypeResolve          TaskType = "resolve"
	TaskTypeDetectDuplicates TaskType = "detect_duplicates"
	TaskTypePrepare          TaskType = "prepare"
	TaskTypePrepareSidecar   TaskType = "prepare_sidecar"
	TaskTypeUpload           TaskType = "upload"
	TaskTypeFinalize         TaskType = "finalize"
)

// IngestStatus returns the ingest status that mirrors a running task of type t
func (t TaskType) IngestStatus() IngestStatus {
	switch t {
	case TaskTypeScan:
		return IngestScanning
	case TaskTypeResolve:
		return IngestResolving
	case TaskTypeDetectDuplicates:
		return IngestDetectingDuplicates
	case TaskTypePrepare:
		return IngestPreparing
	case TaskTypePrepareSidecar:
		return IngestPreparingSidecar
	case TaskTypeUpload:
		return IngestUploading
	case TaskTypeFinalize:
		return IngestFinalizing
	}
	return IngestUnstarted
}

// Error codes recorded in error rows
const (
	ErrCodeUnmatchedContext  = "unmatched_context"
	ErrCodePermissionDenied  = "permission_denied"
	ErrCodeMissingProject    = "missing_project"
	ErrCodeDuplicateUID      = "duplicate_uid"
	ErrCodeDuplicateFilename = "duplicate_filename"
	ErrCodeUnknownScanner    = "unknown_scanner"
	ErrCodeUploadFailed      = "upload_failed"
	ErrCodeStageFailed       = "stage_failed"
)

// DstContext is the remote identity of a container plus the filenames
// already present in it
type DstContext struct {
	ID    string   `json:"id"`
	Label string   `json:"label,omitempty"`
	UID   string   `json:"uid,omitempty"`
	Code  string   `json:"code,omitempty"`
	Files []string `json:"files,omitempty"`
}

// HasFile reports whether name is already present remotely
func (d *DstContext) HasFile(name string) bool {
	if d == nil {
		return false
	}
	for _, f := range d.Files {
		if f == name {
			return true
		}
	}
	return false
}

// Container is a node of the destination hierarchy
type Container struct {
	ID         string         `json:"id" db:"id"`
	IngestID   string         `json:"ingest_id" db:"ingest_id"`
	ParentID   *string        `json:"parent_id,omitempty" db:"parent_id"`
	Path       string         `json:"path" db:"path"`
	Level      ContainerLevel `json:"level" db:"level"`
	SrcContext LevelInfo      `json:"src_context" db:"src_context"`
	DstContext *DstContext    `json:"dst_context,omitempty" db:"dst_context"`
	DstPath    string         `json:"dst_path" db:"dst_path"`
	Existing   bool           `json:"existing" db:"existing"`
	Error      bool           `json:"error" db:"error"`
}

// Item is a file or packfile destined for exactly one container
type Item struct {
	ID          string   `json:"id" db:"id"`
	IngestID    string   `json:"ingest_id" db:"ingest_id"`
	Dir         string   `json:"dir" db:"dir"`
	Type        ItemType `json:"type" db:"type"`
	Files       []string `json:"files" db:"files"` // JSON array
	FilesCnt    int      `json:"files_cnt" db:"files_cnt"`
	BytesSum    int64    `json:"bytes_sum" db:"bytes_sum"`
	Context     Context  `json:"context" db:"context"` // JSON object
	ContainerID *string  `json:"container_id,omitempty" db:"container_id"`
	Filename    string   `json:"filename,omitempty" db:"filename"`
	UIDs        []string `json:"uids,omitempty" db:"uids"` // JSON array
	Existing    bool     `json:"existing" db:"existing"`
	Skipped     bool     `json:"skipped" db:"skipped"`
}

// ItemWithErrors is an item plus the number of error rows that reference it
type ItemWithErrors struct {
	Item
	ErrorCount int
	// Path of the container the item resolved to, empty if unresolved
	ContainerPath string
	// ContainerError is set when the container or one of its ancestors errored
	ContainerError bool
}

// StatusChange is one entry of a status history
type StatusChange struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// Task is one unit of stage work
type Task struct {
	ID        string         `json:"id" db:"id"`
	IngestID  string         `json:"ingest_id" db:"ingest_id"`
	Type      TaskType       `json:"type" db:"type"`
	ItemID    *string        `json:"item_id,omitempty" db:"item_id"`
	Status    TaskStatus     `json:"status" db:"status"`
	History   []StatusChange `json:"history,omitempty" db:"-"`
	Retries   int            `json:"retries" db:"retries"`
	Worker    *string        `json:"worker,omitempty" db:"worker"`
	Error     *string        `json:"error,omitempty" db:"error"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}

// IngestConfig holds the per-ingest policies
type IngestConfig struct {
	SkipExisting     bool     `json:"skip_existing" yaml:"skip_existing"`
	DetectDuplicates bool     `json:"detect_duplicates" yaml:"detect_duplicates"`
	CopyDuplicates   bool     `json:"copy_duplicates" yaml:"copy_duplicates"`
	RequireProject   bool     `json:"require_project" yaml:"require_project"`
	AssumeYes        bool     `json:"assume_yes" yaml:"assume_yes"`
	NoSubjects       bool     `json:"no_subjects" yaml:"no_subjects"`
	NoSessions       bool     `json:"no_sessions" yaml:"no_sessions"`
	Group            string   `json:"group,omitempty" yaml:"group"`
	Project          string   `json:"project,omitempty" yaml:"project"`
	MaxRetries       int      `json:"max_retries" yaml:"max_retries"`
	WebhookURLs      []string `json:"webhook_urls,omitempty" yaml:"webhook_urls"`
}

// Ingest is the root record of one import run
type Ingest struct {
	ID        string         `json:"id" db:"id"`
	Src       string         `json:"src" db:"src"`
	Template  string         `json:"template" db:"template"` // YAML
	Status    IngestStatus   `json:"status" db:"status"`
	History   []StatusChange `json:"history,omitempty" db:"-"`
	Config    IngestConfig   `json:"config" db:"config"` // JSON
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}

// UID associates a discovered unique identifier of an item with the
// session and acquisition containers it was filed under
type UID struct {
	IngestID               string  `json:"ingest_id" db:"ingest_id"`
	ItemID                 string  `json:"item_id" db:"item_id"`
	UID                    string  `json:"uid" db:"uid"`
	SessionContainerID     *string `json:"session_container_id,omitempty" db:"session_container_id"`
	AcquisitionContainerID *string `json:"acquisition_container_id,omitempty" db:"acquisition_container_id"`
}

// Error is an operator facing problem record
type Error struct {
	ID       int64   `json:"id" db:"id"`
	IngestID string  `json:"ingest_id" db:"ingest_id"`
	TaskID   *string `json:"task_id,omitempty" db:"task_id"`
	ItemID   *string `json:"item_id,omitempty" db:"item_id"`
	Code     string  `json:"code" db:"code"`
	Message  string  `json:"message" db:"message"`
}

// ErrorSummary is the count of errors sharing a code
type ErrorSummary struct {
	Code    string   `json:"code"`
	Count   int      `json:"count"`
	Samples []string `json:"samples,omitempty"`
}

// Event represents an event in the event log
type Event struct {
	ID           int64     `json:"id" db:"id"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
	ResourceType string    `json:"resource_type" db:"resource_type"` // ingest, task
	ResourceID   string    `json:"resource_id" db:"resource_id"`
	EventType    string    `json:"event_type" db:"event_type"`
	Payload      *string   `json:"payload,omitempty" db:"payload"` // JSON
}
