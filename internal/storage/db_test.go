package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDownloadTaskCRUD(t *testing.T) {
	s := setupTestDB(t)

	task := DownloadTask{
		ID:         "dl-123",
		Filename:   "test.mp4",
		RemotePath: "/videos/test.mp4",
		SavePath:   "/downloads/test.mp4",
		Status:     "downloading",
		Category:   "Videos",
		Priority:   1,
	}
	require.NoError(t, s.SaveTask(task))

	retrieved, err := s.GetTask("dl-123")
	require.NoError(t, err)
	require.Equal(t, task.ID, retrieved.ID)
	require.Equal(t, task.Filename, retrieved.Filename)

	retrieved.Status = "completed"
	retrieved.Progress = 100
	require.NoError(t, s.SaveTask(retrieved))

	updated, err := s.GetTask("dl-123")
	require.NoError(t, err)
	require.Equal(t, "completed", updated.Status)

	tasks, err := s.GetAllTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	require.NoError(t, s.DeleteTask("dl-123"))
	tasks, _ = s.GetAllTasks()
	require.Empty(t, tasks)
}

func TestDownloadTaskGroupFiltering(t *testing.T) {
	s := setupTestDB(t)

	require.NoError(t, s.SaveTask(DownloadTask{ID: "c1", GroupID: "group-a", Status: "downloading"}))
	require.NoError(t, s.SaveTask(DownloadTask{ID: "c2", GroupID: "group-a", Status: "pending"}))
	require.NoError(t, s.SaveTask(DownloadTask{ID: "c3", GroupID: "group-b", Status: "pending"}))

	children, err := s.GetTasksByGroup("group-a")
	require.NoError(t, err)
	require.Len(t, children, 2)
}

func TestUploadTaskCRUD(t *testing.T) {
	s := setupTestDB(t)

	task := UploadTask{ID: "up-1", LocalPath: "/home/u/movie.mkv", RemotePath: "/movies/movie.mkv", Status: "hashing"}
	require.NoError(t, s.SaveUploadTask(task))

	retrieved, err := s.GetUploadTask("up-1")
	require.NoError(t, err)
	require.Equal(t, "hashing", retrieved.Status)

	retrieved.Status = "completed"
	require.NoError(t, s.SaveUploadTask(retrieved))

	all, err := s.GetAllUploadTasks()
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, s.DeleteUploadTask("up-1"))
	all, _ = s.GetAllUploadTasks()
	require.Empty(t, all)
}

func TestFolderTaskCRUD(t *testing.T) {
	s := setupTestDB(t)

	task := FolderTask{ID: "grp-1", RemotePath: "/albums/trip", Status: "downloading", ChildCount: 3}
	require.NoError(t, s.SaveFolderTask(task))

	retrieved, err := s.GetFolderTask("grp-1")
	require.NoError(t, err)
	require.Equal(t, 3, retrieved.ChildCount)

	all, err := s.GetAllFolderTasks()
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, s.DeleteFolderTask("grp-1"))
}

func TestTransferTaskCRUD(t *testing.T) {
	s := setupTestDB(t)

	task := TransferTask{ID: "tr-1", ShareURL: "https://pan.baidu.com/s/1abc", Status: "queued"}
	require.NoError(t, s.SaveTransferTask(task))

	retrieved, err := s.GetTransferTask("tr-1")
	require.NoError(t, err)
	require.Equal(t, "queued", retrieved.Status)

	retrieved.Status = "transferred"
	require.NoError(t, s.SaveTransferTask(retrieved))

	all, err := s.GetAllTransferTasks()
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, s.DeleteTransferTask("tr-1"))
}

func TestStatistics(t *testing.T) {
	s := setupTestDB(t)

	require.NoError(t, s.IncrementDailyBytes(100))
	require.NoError(t, s.IncrementDailyBytes(100))

	total, err := s.GetTotalLifetime()
	require.NoError(t, err)
	require.Equal(t, int64(200), total)

	require.NoError(t, s.IncrementDailyFiles())
	require.NoError(t, s.IncrementDailyFiles())

	files, err := s.GetTotalFiles()
	require.NoError(t, err)
	require.Equal(t, int64(2), files)

	history, err := s.GetDailyHistory(7)
	require.NoError(t, err)

	today := time.Now().Format("2006-01-02")
	found := false
	for _, stat := range history {
		if stat.Date == today {
			found = true
			require.Equal(t, int64(200), stat.Bytes)
			require.Equal(t, int64(2), stat.Files)
		}
	}
	require.True(t, found, "today's stats not found in history")
}

func TestPruneHistory(t *testing.T) {
	s := setupTestDB(t)

	require.NoError(t, s.DB.Create(&DailyStat{Date: "2000-01-01", Bytes: 10, Files: 1}).Error)
	require.NoError(t, s.IncrementDailyBytes(5))

	require.NoError(t, s.PruneHistory(30))

	history, err := s.GetDailyHistory(365 * 50)
	require.NoError(t, err)
	for _, stat := range history {
		require.NotEqual(t, "2000-01-01", stat.Date)
	}
}

func TestLocations(t *testing.T) {
	s := setupTestDB(t)

	require.NoError(t, s.AddLocation("/downloads/games", "Gaming Drive"))

	locations, err := s.GetLocations()
	require.NoError(t, err)
	require.Len(t, locations, 1)
	require.Equal(t, "Gaming Drive", locations[0].Nickname)

	require.NoError(t, s.AddLocation("/downloads/games", "SSD Games"))
	locations, _ = s.GetLocations()
	require.Len(t, locations, 1)
	require.Equal(t, "SSD Games", locations[0].Nickname)
}

func TestAppSettings(t *testing.T) {
	s := setupTestDB(t)

	require.NoError(t, s.SetString("api_token", "secret-123"))
	val, err := s.GetString("api_token")
	require.NoError(t, err)
	require.Equal(t, "secret-123", val)

	require.NoError(t, s.SetStringList("blacklist", []string{"ads.com", "spam.net"}))
	list, err := s.GetStringList("blacklist")
	require.NoError(t, err)
	require.Len(t, list, 2)
}
