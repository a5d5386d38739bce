package storage

import (
	"gorm.io/gorm"
)

// DownloadTask represents a single resumable download (file or one child
// of a FolderTask) in the database.
type DownloadTask struct {
	ID            string         `gorm:"primaryKey" json:"id"`
	GroupID       string         `gorm:"index" json:"group_id"` // non-empty when owned by a FolderTask
	Filename      string         `json:"filename"`
	FsID          int64          `json:"fs_id"`
	RemotePath    string         `json:"remote_path"`
	DownloadURL   string         `json:"download_url"` // resolved CDN link, refreshed by CdnHealth
	SavePath      string         `json:"save_path"`
	Status        string         `gorm:"index" json:"status"` // pending, downloading, paused, needs_auth, verifying, completed, error, cancelled
	Priority      int            `gorm:"default:1" json:"priority"`
	QueueOrder    int            `gorm:"default:0" json:"queue_order"`
	Category      string         `gorm:"index" json:"category"`
	TotalSize     int64          `json:"total_size"`
	Downloaded    int64          `json:"downloaded"`
	Progress      float64        `json:"progress"`
	Speed         float64        `json:"speed"` // bytes/sec
	TimeRemaining string         `json:"time_remaining"`
	MaxThreads    int            `gorm:"default:0" json:"max_threads"` // 0 = engine default
	MetaJSON      string         `json:"-"`                            // ChunkMap snapshot / WAL checkpoint pointer
	FileExists    bool           `gorm:"-" json:"file_exists"`
	ExpectedHash  string         `json:"expected_hash"`
	HashAlgorithm string         `json:"hash_algorithm"`
	Headers       string         `json:"headers"`
	Cookies       string         `json:"cookies"`
	StartTime     string         `json:"start_time"`
	Domain        string         `json:"domain"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}

func (DownloadTask) TableName() string { return "download_tasks" }

// UploadTask represents a single resumable upload, tracked through
// Hashing/Precreate/Uploading/Committing.
type UploadTask struct {
	ID            string         `gorm:"primaryKey" json:"id"`
	LocalPath     string         `json:"local_path"`
	RemotePath    string         `json:"remote_path"`
	Status        string         `gorm:"index" json:"status"` // pending, hashing, precreate, uploading, paused, committing, completed, error, cancelled
	Priority      int            `gorm:"default:1" json:"priority"`
	TotalSize     int64          `json:"total_size"`
	Uploaded      int64          `json:"uploaded"`
	Progress      float64        `json:"progress"`
	Speed         float64        `json:"speed"`
	UploadID      string         `json:"upload_id"`
	BlockListJSON string         `json:"-"` // chunk MD5 list, computed during Hashing
	MetaJSON      string         `json:"-"` // ChunkMap snapshot / WAL checkpoint pointer
	FsID          int64          `json:"fs_id"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}

func (UploadTask) TableName() string { return "upload_tasks" }

// FolderTask aggregates a group of DownloadTasks sharing a GroupID into a
// single progress view.
type FolderTask struct {
	ID         string         `gorm:"primaryKey" json:"id"`
	RemotePath string         `json:"remote_path"`
	SaveRoot   string         `json:"save_root"`
	Status     string         `gorm:"index" json:"status"`
	TotalBytes int64          `json:"total_bytes"`
	DoneBytes  int64          `json:"done_bytes"`
	Progress   float64        `json:"progress"`
	ChildCount int            `json:"child_count"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

func (FolderTask) TableName() string { return "folder_tasks" }

// TransferTask tracks one share-link transfer pipeline run, from share
// probing through the optional auto-download watcher.
type TransferTask struct {
	ID               string         `gorm:"primaryKey" json:"id"`
	ShareURL         string         `json:"share_url"`
	Password         string         `json:"-"`
	TargetPath       string         `json:"target_path"`
	Status           string         `gorm:"index" json:"status"` // queued, checking_share, transferring, transferred, transfer_failed, downloading, completed, download_failed
	FailureReason    string         `json:"failure_reason"`
	TransferredJSON  string         `json:"-"` // JSON list of {path, fs_id} transferred
	ChildTasksJSON   string         `json:"-"` // JSON list of enqueued download/folder task IDs + kind
	AutoDownload     bool           `json:"auto_download"`
	CreatedAt        string         `json:"created_at"`
	UpdatedAt        string         `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

func (TransferTask) TableName() string { return "transfer_tasks" }

// PartState represents the state of a single chunk of a chunked transfer.
type PartState struct {
	Start    int64 `json:"s"`
	End      int64 `json:"e"`
	Complete bool  `json:"c,omitempty"`
	Offset   int64 `json:"o,omitempty"`
}

// ResumeState is a serialized ChunkMap snapshot shape (validators plus
// per-part state). Nothing in this module writes or reads it: the engine
// keeps its own chunkSnapshot (engine/state.go) in MetaJSON and takes
// chunk completion from the WAL.
type ResumeState struct {
	Version      int               `json:"v"`
	ETag         string            `json:"etag"`
	LastModified string            `json:"lm"`
	TotalSize    int64             `json:"total_size"`
	Parts        map[int]PartState `json:"parts"`
}

// DownloadLocation stores saved download locations with nicknames.
type DownloadLocation struct {
	Path     string `gorm:"primaryKey" json:"path"`
	Nickname string `json:"nickname"`
}

func (DownloadLocation) TableName() string { return "download_locations" }

// DailyStat tracks daily transfer statistics for analytics.
type DailyStat struct {
	Date  string `gorm:"primaryKey"`
	Bytes int64  `gorm:"default:0"`
	Files int64  `gorm:"default:0"`
}

func (DailyStat) TableName() string { return "daily_stats" }

// AppSetting stores key-value application settings backed by the
// database (as opposed to the static config/app.toml file).
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (AppSetting) TableName() string { return "app_settings" }

// SpeedTestHistory stores past speed test results. The table is migrated,
// but nothing in this module writes or reads it; CdnHealth's baseline
// threshold comes from configuration.
type SpeedTestHistory struct {
	ID             uint    `gorm:"primaryKey" json:"id"`
	DownloadSpeed  float64 `json:"download_mbps"`
	UploadSpeed    float64 `json:"upload_mbps"`
	Ping           int64   `json:"ping_ms"`
	Jitter         int64   `json:"jitter_ms"`
	ISP            string  `json:"isp"`
	ServerName     string  `json:"server_name"`
	ServerLocation string  `json:"server_location"`
	Timestamp      string  `json:"timestamp"`
}

func (SpeedTestHistory) TableName() string { return "speed_test_history" }
