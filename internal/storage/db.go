package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage is the GORM-backed persistence layer. One Storage is shared by
// the Engine and every Task kind it supervises.
type Storage struct {
	DB *gorm.DB
}

// NewStorage opens (creating if absent) the SQLite database under the
// user's config directory and migrates every known table.
func NewStorage() (*Storage, error) {
	appData, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	dbDir := filepath.Join(appData, "netdisk-core", "data")
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, err
	}

	return Open(filepath.Join(dbDir, "netdisk-core.db"))
}

// Open opens a database at an explicit path (":memory:" for tests).
func Open(path string) (*Storage, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL;")

	if err := db.AutoMigrate(
		&DownloadTask{},
		&UploadTask{},
		&FolderTask{},
		&TransferTask{},
		&DownloadLocation{},
		&DailyStat{},
		&AppSetting{},
		&SpeedTestHistory{},
	); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Storage{DB: db}, nil
}

func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func nowStamp() string { return time.Now().UTC().Format(time.RFC3339) }

// --- DownloadTask ---

func (s *Storage) SaveTask(task DownloadTask) error {
	task.UpdatedAt = nowStamp()
	if task.CreatedAt == "" {
		task.CreatedAt = task.UpdatedAt
	}
	return s.DB.Save(&task).Error
}

func (s *Storage) GetTask(id string) (DownloadTask, error) {
	var task DownloadTask
	err := s.DB.First(&task, "id = ?", id).Error
	return task, err
}

func (s *Storage) GetAllTasks() ([]DownloadTask, error) {
	var tasks []DownloadTask
	err := s.DB.Order("created_at desc").Find(&tasks).Error
	return tasks, err
}

func (s *Storage) GetTasksByGroup(groupID string) ([]DownloadTask, error) {
	var tasks []DownloadTask
	err := s.DB.Where("group_id = ?", groupID).Find(&tasks).Error
	return tasks, err
}

func (s *Storage) DeleteTask(id string) error {
	return s.DB.Delete(&DownloadTask{}, "id = ?", id).Error
}

// --- UploadTask ---

func (s *Storage) SaveUploadTask(task UploadTask) error {
	task.UpdatedAt = nowStamp()
	if task.CreatedAt == "" {
		task.CreatedAt = task.UpdatedAt
	}
	return s.DB.Save(&task).Error
}

func (s *Storage) GetUploadTask(id string) (UploadTask, error) {
	var task UploadTask
	err := s.DB.First(&task, "id = ?", id).Error
	return task, err
}

func (s *Storage) GetAllUploadTasks() ([]UploadTask, error) {
	var tasks []UploadTask
	err := s.DB.Order("created_at desc").Find(&tasks).Error
	return tasks, err
}

func (s *Storage) DeleteUploadTask(id string) error {
	return s.DB.Delete(&UploadTask{}, "id = ?", id).Error
}

// --- FolderTask ---

func (s *Storage) SaveFolderTask(task FolderTask) error {
	task.UpdatedAt = nowStamp()
	if task.CreatedAt == "" {
		task.CreatedAt = task.UpdatedAt
	}
	return s.DB.Save(&task).Error
}

func (s *Storage) GetFolderTask(id string) (FolderTask, error) {
	var task FolderTask
	err := s.DB.First(&task, "id = ?", id).Error
	return task, err
}

func (s *Storage) GetAllFolderTasks() ([]FolderTask, error) {
	var tasks []FolderTask
	err := s.DB.Order("created_at desc").Find(&tasks).Error
	return tasks, err
}

func (s *Storage) DeleteFolderTask(id string) error {
	return s.DB.Delete(&FolderTask{}, "id = ?", id).Error
}

// --- TransferTask ---

func (s *Storage) SaveTransferTask(task TransferTask) error {
	task.UpdatedAt = nowStamp()
	if task.CreatedAt == "" {
		task.CreatedAt = task.UpdatedAt
	}
	return s.DB.Save(&task).Error
}

func (s *Storage) GetTransferTask(id string) (TransferTask, error) {
	var task TransferTask
	err := s.DB.First(&task, "id = ?", id).Error
	return task, err
}

func (s *Storage) GetAllTransferTasks() ([]TransferTask, error) {
	var tasks []TransferTask
	err := s.DB.Order("created_at desc").Find(&tasks).Error
	return tasks, err
}

func (s *Storage) DeleteTransferTask(id string) error {
	return s.DB.Delete(&TransferTask{}, "id = ?", id).Error
}

// --- Daily / lifetime statistics ---

func (s *Storage) IncrementDailyBytes(delta int64) error {
	today := time.Now().Format("2006-01-02")
	return s.DB.Transaction(func(tx *gorm.DB) error {
		var stat DailyStat
		err := tx.First(&stat, "date = ?", today).Error
		if err == gorm.ErrRecordNotFound {
			stat = DailyStat{Date: today}
		} else if err != nil {
			return err
		}
		stat.Bytes += delta
		return tx.Save(&stat).Error
	})
}

func (s *Storage) IncrementDailyFiles() error {
	today := time.Now().Format("2006-01-02")
	return s.DB.Transaction(func(tx *gorm.DB) error {
		var stat DailyStat
		err := tx.First(&stat, "date = ?", today).Error
		if err == gorm.ErrRecordNotFound {
			stat = DailyStat{Date: today}
		} else if err != nil {
			return err
		}
		stat.Files++
		return tx.Save(&stat).Error
	})
}

func (s *Storage) GetTotalLifetime() (int64, error) {
	var total int64
	err := s.DB.Model(&DailyStat{}).Select("COALESCE(SUM(bytes), 0)").Scan(&total).Error
	return total, err
}

func (s *Storage) GetTotalFiles() (int64, error) {
	var total int64
	err := s.DB.Model(&DailyStat{}).Select("COALESCE(SUM(files), 0)").Scan(&total).Error
	return total, err
}

func (s *Storage) GetDailyHistory(days int) ([]DailyStat, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Format("2006-01-02")
	var stats []DailyStat
	err := s.DB.Where("date >= ?", cutoff).Order("date asc").Find(&stats).Error
	return stats, err
}

// PruneHistory deletes DailyStat rows older than retentionDays, per the
// history/ retention policy.
func (s *Storage) PruneHistory(retentionDays int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format("2006-01-02")
	return s.DB.Where("date < ?", cutoff).Delete(&DailyStat{}).Error
}

// --- Locations ---

func (s *Storage) AddLocation(path, nickname string) error {
	return s.DB.Save(&DownloadLocation{Path: path, Nickname: nickname}).Error
}

func (s *Storage) GetLocations() ([]DownloadLocation, error) {
	var locations []DownloadLocation
	err := s.DB.Find(&locations).Error
	return locations, err
}

// --- App settings (key/value) ---

func (s *Storage) SetString(key, val string) error {
	return s.DB.Save(&AppSetting{Key: key, Value: val}).Error
}

func (s *Storage) GetString(key string) (string, error) {
	var setting AppSetting
	err := s.DB.First(&setting, "key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return setting.Value, nil
}

func (s *Storage) SetStringList(key string, list []string) error {
	b, err := marshalStringList(list)
	if err != nil {
		return err
	}
	return s.SetString(key, b)
}

func (s *Storage) GetStringList(key string) ([]string, error) {
	val, err := s.GetString(key)
	if err != nil {
		return nil, err
	}
	if val == "" {
		return []string{}, nil
	}
	return unmarshalStringList(val)
}

func marshalStringList(list []string) (string, error) {
	b, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalStringList(val string) ([]string, error) {
	var list []string
	if err := json.Unmarshal([]byte(val), &list); err != nil {
		return nil, err
	}
	return list, nil
}
