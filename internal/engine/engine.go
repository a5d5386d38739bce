// Package engine is the transfer core's orchestrator. It owns the
// admission pools that bound global/per-task worker concurrency, the
// shared congestion controller and bandwidth limiter, and the running
// set of DownloadTask/UploadTask/FolderTask goroutines — the role the
// teacher's TachyonEngine plays, generalized from one task kind to four
// and from a single FIFO queue.DownloadQueue to §4.9's admission-control
// contract (bounded running set, per-task thread grants, starved-longest
// preference), folded directly into admissionPool rather than kept as a
// separate generic queue type.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"netdisk-core/internal/config"
	"netdisk-core/internal/eventsink"
	"netdisk-core/internal/filesystem"
	"netdisk-core/internal/integrity"
	"netdisk-core/internal/network"
	"netdisk-core/internal/remoteclient"
	"netdisk-core/internal/storage"
	"netdisk-core/internal/wal"

	"github.com/google/uuid"
)

// Task status values shared by DownloadTask, UploadTask and FolderTask.
const (
	StatusPending     = "pending"
	StatusDownloading = "downloading"
	StatusUploading   = "uploading"
	StatusHashing     = "hashing"
	StatusPrecreate   = "precreate"
	StatusCommitting  = "committing"
	StatusPaused      = "paused"
	StatusNeedsAuth   = "needs_auth"
	StatusVerifying   = "verifying"
	StatusCompleted   = "completed"
	StatusError       = "error"
	StatusCancelled   = "cancelled"
)

// Engine is the orchestrator shared by every task kind.
type Engine struct {
	logger  *slog.Logger
	storage *storage.Storage
	client  *remoteclient.Client
	sink    eventsink.Sink

	cfgMu sync.RWMutex
	cfg   config.Config

	walDir string

	downloadPool *admissionPool
	uploadPool   *admissionPool

	congestion *network.CongestionController
	bandwidth  *network.BandwidthManager
	allocator  *filesystem.Allocator
	verifier   *integrity.FileVerifier

	activeMu sync.Mutex
	active   map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New builds an Engine around an already-open Storage and remoteclient.
// Client. sink may be nil, in which case events are dropped. walDir holds
// one append-only log file per in-flight task.
func New(logger *slog.Logger, store *storage.Storage, client *remoteclient.Client, sink eventsink.Sink, cfg config.Config, walDir string) *Engine {
	if sink == nil {
		sink = eventsink.Noop{}
	}
	return &Engine{
		logger:       logger,
		storage:      store,
		client:       client,
		sink:         sink,
		cfg:          cfg,
		walDir:       walDir,
		downloadPool: newAdmissionPool(cfg.Download.MaxGlobalThreads, cfg.Download.MaxConcurrentTasks, cfg.Download.MaxGlobalThreads),
		uploadPool:   newAdmissionPool(cfg.Upload.MaxGlobalThreads, cfg.Download.MaxConcurrentTasks, cfg.Upload.MaxGlobalThreads),
		congestion:   network.NewCongestionController(1, 32),
		bandwidth:    network.NewBandwidthManager(),
		allocator:    filesystem.NewAllocator(),
		verifier:     integrity.NewFileVerifier(),
		active:       make(map[string]context.CancelFunc),
	}
}

// UpdateConfig applies a new Config, including the pools' thread budgets,
// without disturbing already-running tasks.
func (e *Engine) UpdateConfig(cfg config.Config) {
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
	e.downloadPool.Reconfigure(cfg.Download.MaxGlobalThreads, cfg.Download.MaxConcurrentTasks, cfg.Download.MaxGlobalThreads)
	e.uploadPool.Reconfigure(cfg.Upload.MaxGlobalThreads, cfg.Download.MaxConcurrentTasks, cfg.Upload.MaxGlobalThreads)
}

func (e *Engine) config() config.Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// SetGlobalLimit sets the global download/upload speed limit in bytes/sec.
func (e *Engine) SetGlobalLimit(bytesPerSec int) {
	e.bandwidth.SetLimit(bytesPerSec)
}

func (e *Engine) registerActive(id string, cancel context.CancelFunc) {
	e.activeMu.Lock()
	e.active[id] = cancel
	e.activeMu.Unlock()
}

func (e *Engine) unregisterActive(id string) {
	e.activeMu.Lock()
	delete(e.active, id)
	e.activeMu.Unlock()
}

// CancelActive cancels a running task's context, if it has one. It does
// not change the task's persisted status; the task's own run loop does
// that once it observes ctx.Done().
func (e *Engine) CancelActive(id string) bool {
	e.activeMu.Lock()
	cancel, ok := e.active[id]
	e.activeMu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (e *Engine) runInBackground(id string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	e.registerActive(id, cancel)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.unregisterActive(id)
		defer cancel()
		fn(ctx)
	}()
}

// Shutdown cancels every active task and waits (up to timeout) for their
// goroutines to exit, so WAL/state writes mid-flight complete cleanly.
func (e *Engine) Shutdown(timeout time.Duration) {
	e.logger.Info("engine shutting down")
	e.activeMu.Lock()
	for _, cancel := range e.active {
		cancel()
	}
	e.activeMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		e.logger.Warn("engine shutdown timed out waiting for active tasks")
	}
}

// RecoverInterruptedTasks moves every task left in a Downloading/
// Uploading/Verifying/Committing/Hashing/Precreate state by an unclean
// exit back to Paused and, when Persistence.AutoRecoverTasks is set,
// re-queues each of them through ResumeDownload/ResumeUpload. Tasks that
// were already Paused before the exit stay paused.
func (e *Engine) RecoverInterruptedTasks() {
	interrupted := map[string]bool{
		StatusDownloading: true, StatusUploading: true,
		StatusVerifying: true, StatusCommitting: true, StatusHashing: true, StatusPrecreate: true,
	}
	autoResume := e.config().Persistence.AutoRecoverTasks

	tasks, err := e.storage.GetAllTasks()
	if err != nil {
		e.logger.Error("recover: list download tasks", "error", err)
	}
	for _, t := range tasks {
		if interrupted[t.Status] {
			t.Status = StatusPaused
			if err := e.storage.SaveTask(t); err != nil {
				e.logger.Error("recover: pause download task", "id", t.ID, "error", err)
				continue
			}
			e.sink.TaskStatusChanged(t.ID, StatusPaused)
			if autoResume {
				if err := e.ResumeDownload(t.ID, ""); err != nil {
					e.logger.Error("recover: resume download task", "id", t.ID, "error", err)
				}
			}
		}
	}

	uploads, err := e.storage.GetAllUploadTasks()
	if err != nil {
		e.logger.Error("recover: list upload tasks", "error", err)
	}
	for _, t := range uploads {
		if interrupted[t.Status] {
			t.Status = StatusPaused
			if err := e.storage.SaveUploadTask(t); err != nil {
				e.logger.Error("recover: pause upload task", "id", t.ID, "error", err)
				continue
			}
			e.sink.TaskStatusChanged(t.ID, StatusPaused)
			if autoResume {
				if err := e.ResumeUpload(t.ID); err != nil {
					e.logger.Error("recover: resume upload task", "id", t.ID, "error", err)
				}
			}
		}
	}
}

// --- DownloadTask public API ---

// StartDownload creates a new DownloadTask and begins running it
// immediately. downloadURL is an already-resolved CDN link (the caller —
// a share-transfer pipeline or a direct Locate call — is responsible for
// signing it).
func (e *Engine) StartDownload(remotePath, downloadURL string, fsID int64, savePath string, groupID string) (string, error) {
	if downloadURL == "" {
		return "", fmt.Errorf("engine: empty download URL")
	}
	id := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339)
	task := storage.DownloadTask{
		ID:          id,
		GroupID:     groupID,
		FsID:        fsID,
		RemotePath:  remotePath,
		DownloadURL: downloadURL,
		Filename:    filepath.Base(savePath),
		SavePath:    savePath,
		Status:      StatusPending,
		Priority:    2,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.storage.SaveTask(task); err != nil {
		return "", fmt.Errorf("engine: save new download task: %w", err)
	}
	e.sink.TaskCreated(id, "download")
	e.scheduleDownload(id)
	return id, nil
}

// scheduleDownload admits the task if the pool has room, otherwise it
// stays Pending in storage; ResumeDownload or the next completion's
// admission sweep will retry it.
func (e *Engine) scheduleDownload(id string) {
	if !e.downloadPool.TryAdmit(id) {
		return
	}
	e.runInBackground(id, func(ctx context.Context) {
		e.runDownloadTask(ctx, id)
		e.downloadPool.Release(id)
		e.admitNextDownload()
	})
}

// admitNextDownload pulls the longest-waiting pending download, if any,
// into a Running slot freed by a just-finished task.
func (e *Engine) admitNextDownload() {
	next := e.downloadPool.NextPending()
	if next == "" {
		return
	}
	e.scheduleDownload(next)
}

// PauseDownload cancels an active download's context; the run loop
// persists the Paused status and resumable state once it observes
// cancellation.
func (e *Engine) PauseDownload(id string) error {
	if e.CancelActive(id) {
		return nil
	}
	task, err := e.storage.GetTask(id)
	if err != nil {
		return err
	}
	if task.Status == StatusDownloading || task.Status == StatusPending {
		task.Status = StatusPaused
		if err := e.storage.SaveTask(task); err != nil {
			return err
		}
		e.sink.TaskStatusChanged(id, StatusPaused)
	}
	return nil
}

// ResumeDownload re-queues a paused, errored, or needs_auth download.
// When downloadURL is non-empty it replaces the task's stored URL — the
// caller's way of supplying a freshly resolved link after a needs_auth
// pause.
func (e *Engine) ResumeDownload(id string, downloadURL string) error {
	task, err := e.storage.GetTask(id)
	if err != nil {
		return fmt.Errorf("engine: task not found: %w", err)
	}
	resumable := map[string]bool{StatusPaused: true, StatusError: true, StatusNeedsAuth: true}
	if !resumable[task.Status] {
		return fmt.Errorf("engine: cannot resume download in status %q", task.Status)
	}
	if downloadURL != "" {
		task.DownloadURL = downloadURL
	}
	if task.SavePath != "" {
		if _, err := os.Stat(task.SavePath); os.IsNotExist(err) {
			task.Downloaded = 0
			task.Progress = 0
			task.MetaJSON = ""
		}
	}
	task.Status = StatusPending
	if err := e.storage.SaveTask(task); err != nil {
		return err
	}
	e.sink.TaskStatusChanged(id, StatusPending)
	e.scheduleDownload(id)
	return nil
}

// DeleteDownload removes the task's DB row and WAL file and, if
// requested, its partial file on disk.
func (e *Engine) DeleteDownload(id string, deleteFile bool) error {
	e.CancelActive(id)
	task, err := e.storage.GetTask(id)
	if err != nil {
		return err
	}
	if deleteFile && task.SavePath != "" {
		if err := os.Remove(task.SavePath); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("delete download: could not remove file", "path", task.SavePath, "error", err)
		}
	}
	_ = wal.Delete(e.walDir, id)
	if err := e.storage.DeleteTask(id); err != nil {
		return err
	}
	e.sink.TaskTerminated(eventsink.TaskTermination{TaskID: id, Status: StatusCancelled})
	return nil
}

// SetPriority updates a download's priority (1=Low, 2=Normal, 3=High) and
// informs the bandwidth manager.
func (e *Engine) SetPriority(id string, priority int) error {
	task, err := e.storage.GetTask(id)
	if err != nil {
		return err
	}
	task.Priority = priority
	if err := e.storage.SaveTask(task); err != nil {
		return err
	}
	e.bandwidth.SetTaskPriority(id, priority)
	return nil
}
