package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"netdisk-core/internal/engine"
	"netdisk-core/internal/eventsink"
	"netdisk-core/internal/remoteclient"
	"netdisk-core/internal/storage"

	"github.com/google/uuid"
)

// TransferTask status values, matching the state machine of SPEC_FULL's
// §4.8: Queued -> CheckingShare -> Transferring -> Transferred |
// TransferFailed; Transferred -> Downloading -> Completed | DownloadFailed.
const (
	StatusQueued         = "queued"
	StatusCheckingShare  = "checking_share"
	StatusTransferring   = "transferring"
	StatusTransferred    = "transferred"
	StatusTransferFailed = "transfer_failed"
	StatusDownloading    = "downloading"
	StatusCompleted      = "completed"
	StatusDownloadFailed = "download_failed"
)

const (
	watchInterval = 2 * time.Second
	watchTimeout  = 24 * time.Hour
)

// TransferredItem is one file or directory the pipeline copied into the
// user's own space, recorded in TransferTask.TransferredJSON.
type TransferredItem struct {
	Path  string `json:"path"`
	FsID  int64  `json:"fs_id"`
	IsDir bool   `json:"is_dir"`
}

// ChildTask is one DownloadTask or FolderTask the auto-download step
// enqueued, recorded in TransferTask.ChildTasksJSON.
type ChildTask struct {
	ID   string `json:"id"`
	Kind string `json:"kind"` // "download" or "folder"
}

// DownloadResolver turns a path the pipeline just copied into the user's
// own namespace into the link(s) the Engine needs to enqueue it. Pipeline
// depends on this seam instead of a concrete resolver for the same reason
// Engine.StartDownload takes an already-resolved URL: the original
// client's Locate-signing routine's source was never recovered (see
// DESIGN.md's Locate-download URL signing decision). A headless pipeline
// that never enables AutoDownload can pass a nil resolver.
type DownloadResolver interface {
	ResolveFile(ctx context.Context, path string, fsID int64) (downloadURL, savePath string, size int64, err error)
	ResolveFolder(ctx context.Context, path string, fsID int64) (saveRoot string, entries []engine.FolderEntry, err error)
}

// Pipeline runs the share-link transfer state machine. Grounded on the
// Rust transfer/manager.rs + transfer/task.rs stage sequencing, expressed
// in the teacher's task-registry/background-goroutine idiom
// (engine.Engine's active map + runInBackground), since the teacher
// itself has no share-transfer code to adapt directly.
type Pipeline struct {
	logger   *slog.Logger
	client   *remoteclient.Client
	storage  *storage.Storage
	sink     eventsink.Sink
	engine   *engine.Engine
	resolver DownloadResolver

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a Pipeline. resolver may be nil if auto-download is never
// requested by callers; sink may be nil, in which case events are dropped.
func New(logger *slog.Logger, client *remoteclient.Client, store *storage.Storage, sink eventsink.Sink, eng *engine.Engine, resolver DownloadResolver) *Pipeline {
	if sink == nil {
		sink = eventsink.Noop{}
	}
	return &Pipeline{
		logger:   logger,
		client:   client,
		storage:  store,
		sink:     sink,
		engine:   eng,
		resolver: resolver,
		active:   make(map[string]context.CancelFunc),
	}
}

func (p *Pipeline) registerActive(id string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[id] = cancel
	p.activeMu.Unlock()
}

func (p *Pipeline) unregisterActive(id string) {
	p.activeMu.Lock()
	delete(p.active, id)
	p.activeMu.Unlock()
}

// CancelActive cancels a running transfer's watcher/pipeline goroutine, if
// it has one.
func (p *Pipeline) CancelActive(id string) bool {
	p.activeMu.Lock()
	cancel, ok := p.active[id]
	p.activeMu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (p *Pipeline) runInBackground(id string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	p.registerActive(id, cancel)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.unregisterActive(id)
		defer cancel()
		fn(ctx)
	}()
}

// Shutdown cancels every active transfer and waits (up to timeout) for
// their goroutines to exit.
func (p *Pipeline) Shutdown(timeout time.Duration) {
	p.activeMu.Lock()
	for _, cancel := range p.active {
		cancel()
	}
	p.activeMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Warn("transfer pipeline shutdown timed out waiting for active tasks")
	}
}

// StartTransfer parses and probes the share synchronously, so a link that
// needs a password the caller never supplied (or any other up-front
// failure) returns without ever creating a TransferTask row, per §4.8
// step 2's "do not create the task" rule. Once the gate passes, it
// persists a Queued row and hands the rest of the pipeline off to a
// background goroutine, which re-enters CheckingShare to probe/verify/
// list/copy.
func (p *Pipeline) StartTransfer(ctx context.Context, shareURL, password, targetPath string, autoDownload bool) (string, error) {
	link, err := remoteclient.ParseShareLink(shareURL)
	if err != nil {
		return "", classifyParseError(err)
	}
	if password != "" {
		link.Password = password
	}

	if _, err := p.client.ProbeSharePage(ctx, link, true); err != nil {
		return "", classifyProbeError(err)
	}

	id := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339)
	task := storage.TransferTask{
		ID:           id,
		ShareURL:     shareURL,
		Password:     link.Password,
		TargetPath:   targetPath,
		Status:       StatusQueued,
		AutoDownload: autoDownload,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.storage.SaveTransferTask(task); err != nil {
		return "", fmt.Errorf("transfer: save new task: %w", err)
	}
	p.sink.TaskCreated(id, "transfer")
	p.runInBackground(id, func(ctx context.Context) {
		p.runTransfer(ctx, id)
	})
	return id, nil
}

// runTransfer drives one TransferTask through CheckingShare, Transferring,
// and (if requested) Downloading, persisting a row at every transition so
// a crash mid-pipeline leaves an inspectable, if stalled, record — the
// same contract DownloadTask/UploadTask give the engine.
func (p *Pipeline) runTransfer(ctx context.Context, id string) {
	task, err := p.storage.GetTransferTask(id)
	if err != nil {
		p.logger.Error("transfer: load task", "id", id, "error", err)
		return
	}
	if task.Status == StatusCompleted || task.Status == StatusTransferFailed || task.Status == StatusDownloadFailed {
		return
	}

	link, err := remoteclient.ParseShareLink(task.ShareURL)
	if err != nil {
		p.failTransfer(&task, classifyParseError(err))
		return
	}
	if task.Password != "" {
		link.Password = task.Password
	}

	task.Status = StatusCheckingShare
	p.saveTransfer(&task)
	p.sink.TaskStatusChanged(id, StatusCheckingShare)

	info, err := p.client.ProbeSharePage(ctx, link, true)
	if err != nil {
		p.failTransfer(&task, classifyProbeError(err))
		return
	}

	referer := p.client.ShareURL(link)
	if link.Password != "" {
		if err := p.client.VerifySharePassword(ctx, info, link.Password, referer); err != nil {
			p.failTransfer(&task, classifyVerifyError(err))
			return
		}
	}

	task.Status = StatusTransferring
	p.saveTransfer(&task)
	p.sink.TaskStatusChanged(id, StatusTransferring)

	files, err := p.client.ListShareFiles(ctx, link, info)
	if err != nil {
		p.failTransfer(&task, classifyListError(err))
		return
	}
	if len(files) == 0 {
		p.failTransfer(&task, &PipelineError{Kind: ShareNotFound, Message: "share contains no files"})
		return
	}

	fsIDs := make([]int64, len(files))
	for i, f := range files {
		fsIDs[i] = f.FsID
	}

	result, err := p.client.TransferShareFiles(ctx, info, fsIDs, task.TargetPath, referer)
	if err != nil {
		p.failTransfer(&task, classifyTransferError(err))
		return
	}

	transferred := make([]TransferredItem, 0, len(result.TransferredPaths))
	for i, destPath := range result.TransferredPaths {
		item := TransferredItem{Path: destPath}
		if i < len(result.TransferredFsIDs) {
			item.FsID = result.TransferredFsIDs[i]
		}
		// TransferShareFiles' extra.list is returned in the same order the
		// server processed fsidlist, which is the order we submitted it in.
		if i < len(files) {
			item.IsDir = files[i].IsDir
		}
		transferred = append(transferred, item)
	}

	encoded, err := json.Marshal(transferred)
	if err != nil {
		p.failTransfer(&task, &PipelineError{Kind: Other, Message: err.Error()})
		return
	}
	task.TransferredJSON = string(encoded)
	task.Status = StatusTransferred
	p.saveTransfer(&task)
	p.sink.TaskStatusChanged(id, StatusTransferred)

	if !task.AutoDownload {
		p.sink.TaskTerminated(eventsink.TaskTermination{TaskID: id, Status: StatusTransferred})
		return
	}

	p.startAutoDownload(ctx, &task, transferred)
}

// startAutoDownload is §4.8 step 6: enqueue a DownloadTask per transferred
// file and a FolderTask per transferred directory, then hand off to the
// watcher (step 7).
func (p *Pipeline) startAutoDownload(ctx context.Context, task *storage.TransferTask, items []TransferredItem) {
	if p.resolver == nil {
		p.logger.Warn("transfer: auto-download requested but no DownloadResolver configured", "id", task.ID)
		p.sink.TaskTerminated(eventsink.TaskTermination{TaskID: task.ID, Status: StatusTransferred})
		return
	}

	var children []ChildTask
	for _, item := range items {
		if item.IsDir {
			saveRoot, entries, err := p.resolver.ResolveFolder(ctx, item.Path, item.FsID)
			if err != nil {
				p.logger.Error("transfer: resolve folder for auto-download", "id", task.ID, "path", item.Path, "error", err)
				continue
			}
			folderID, err := p.engine.StartFolderDownload(item.Path, saveRoot, entries)
			if err != nil {
				p.logger.Error("transfer: start folder download", "id", task.ID, "path", item.Path, "error", err)
				continue
			}
			children = append(children, ChildTask{ID: folderID, Kind: "folder"})
			continue
		}

		downloadURL, savePath, _, err := p.resolver.ResolveFile(ctx, item.Path, item.FsID)
		if err != nil {
			p.logger.Error("transfer: resolve file for auto-download", "id", task.ID, "path", item.Path, "error", err)
			continue
		}
		childID, err := p.engine.StartDownload(item.Path, downloadURL, item.FsID, savePath, "")
		if err != nil {
			p.logger.Error("transfer: start download", "id", task.ID, "path", item.Path, "error", err)
			continue
		}
		children = append(children, ChildTask{ID: childID, Kind: "download"})
	}

	if encoded, err := json.Marshal(children); err != nil {
		p.logger.Error("transfer: encode child tasks", "id", task.ID, "error", err)
	} else {
		task.ChildTasksJSON = string(encoded)
	}

	if len(children) == 0 {
		p.failDownloadStage(task, "auto-download could not enqueue any child task")
		return
	}

	task.Status = StatusDownloading
	p.saveTransfer(task)
	p.sink.TaskStatusChanged(task.ID, StatusDownloading)

	p.watchChildren(ctx, task, children)
}

func (p *Pipeline) saveTransfer(task *storage.TransferTask) {
	if err := p.storage.SaveTransferTask(*task); err != nil {
		p.logger.Error("transfer: save task", "id", task.ID, "error", err)
	}
}

func (p *Pipeline) failTransfer(task *storage.TransferTask, perr *PipelineError) {
	task.Status = StatusTransferFailed
	task.FailureReason = perr.Error()
	p.saveTransfer(task)
	p.logger.Error("transfer task failed", "id", task.ID, "kind", perr.Kind, "error", perr.Error())
	p.sink.TaskTerminated(eventsink.TaskTermination{TaskID: task.ID, Status: StatusTransferFailed, Error: perr.Error()})
}

func (p *Pipeline) failDownloadStage(task *storage.TransferTask, reason string) {
	task.Status = StatusDownloadFailed
	task.FailureReason = reason
	p.saveTransfer(task)
	p.logger.Error("transfer auto-download failed", "id", task.ID, "reason", reason)
	p.sink.TaskTerminated(eventsink.TaskTermination{TaskID: task.ID, Status: StatusDownloadFailed, Error: reason})
}

// CancelTransfer cancels a running transfer's background goroutine.
// Already-terminal tasks are left untouched.
func (p *Pipeline) CancelTransfer(id string) error {
	p.CancelActive(id)
	return nil
}

// DeleteTransfer cancels the transfer if still running and removes its
// row. It does not delete any already-enqueued child download/folder
// tasks; those are independent tasks the caller manages through Engine.
func (p *Pipeline) DeleteTransfer(id string) error {
	p.CancelActive(id)
	return p.storage.DeleteTransferTask(id)
}
