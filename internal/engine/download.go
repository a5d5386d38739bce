package engine

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"netdisk-core/internal/cdnhealth"
	"netdisk-core/internal/chunkmap"
	"netdisk-core/internal/config"
	"netdisk-core/internal/eventsink"
	"netdisk-core/internal/remoteclient"
	"netdisk-core/internal/storage"
	"netdisk-core/internal/wal"
)

const progressTickInterval = 500 * time.Millisecond

// runDownloadTask drives one DownloadTask from Pending through Completed
// or a terminal failure: probe, allocate, resume-state validation, chunk
// planning, worker swarm, congestion-driven scale-up, progress ticks, and
// final verification. Grounded on the teacher's executor.executeTask,
// generalized from the teacher's single fixed-size-part/MetaJSON-snapshot
// scheme to chunkmap.Map sizing plus WAL-backed completion tracking.
func (e *Engine) runDownloadTask(ctx context.Context, id string) {
	task, err := e.storage.GetTask(id)
	if err != nil {
		e.logger.Error("download: load task", "id", id, "error", err)
		return
	}
	if task.Status == StatusCompleted || task.Status == StatusCancelled {
		return
	}

	task.Status = StatusDownloading
	e.saveDownload(&task)
	e.sink.TaskStatusChanged(id, StatusDownloading)

	probe, err := e.client.ProbeURL(ctx, task.DownloadURL)
	if err != nil {
		e.failDownload(&task, err)
		return
	}
	if task.TotalSize == 0 {
		task.TotalSize = probe.Size
	}

	if err := os.MkdirAll(filepath.Dir(task.SavePath), 0755); err != nil {
		e.failDownload(&task, err)
		return
	}
	if err := e.allocator.AllocateFile(task.SavePath, task.TotalSize); err != nil {
		e.failDownload(&task, err)
		return
	}

	flushInterval := time.Duration(e.config().Persistence.WALFlushIntervalMS) * time.Millisecond
	w, err := wal.Open(e.walDir, task.ID, flushInterval)
	if err != nil {
		e.failDownload(&task, err)
		return
	}
	defer w.Close()

	cm, err := e.buildDownloadChunkMap(&task, probe)
	if err != nil {
		e.failDownload(&task, err)
		return
	}

	if cm.IsCompleted() {
		e.finalizeDownload(&task, cm, w)
		return
	}

	host := hostOf(task.DownloadURL)
	th := cdnhealthThresholds(e.config().Download.CdnRefresh)
	monitor := cdnhealth.NewMonitor(th)
	coordinator := cdnhealth.NewRefreshCoordinator(
		time.Duration(th.MinRefreshIntervalSecs)*time.Second,
		task.DownloadURL,
		func(context.Context) (string, error) {
			// A bare DownloadTask has no share/Locate context to
			// re-resolve against; refreshing means re-probing the same
			// URL. Callers that need true re-signing (share-transfer
			// downloads) drive UpdateDownloadURL + ResumeDownload
			// instead, per DESIGN.md's Locate-signing decision.
			return task.DownloadURL, nil
		},
	)

	e.runDownloadWorkers(ctx, &task, cm, w, monitor, coordinator, host)

	if task.Status == StatusError || task.Status == StatusNeedsAuth {
		// runDownloadWorkers already called failDownload on a fatal error.
		return
	}
	if ctx.Err() != nil || !cm.IsCompleted() {
		e.persistDownloadPause(&task, cm, probe)
		return
	}

	e.finalizeDownload(&task, cm, w)
}

func (e *Engine) buildDownloadChunkMap(task *storage.DownloadTask, probe *remoteclient.ProbeResult) (*chunkmap.Map, error) {
	chunkSize := chunkmap.DownloadChunkSize(task.TotalSize)

	snap, err := decodeSnapshot(task.MetaJSON)
	if err != nil {
		return nil, err
	}

	var chunks []chunkmap.Chunk
	if snap != nil && snap.validatesAgainst(probe.ETag, probe.LastModified) {
		chunks = snap.Chunks
	} else {
		chunks = chunkmap.Plan(task.TotalSize, chunkSize)
	}

	records, err := wal.Replay(e.walDir, task.ID)
	if err != nil {
		return nil, err
	}
	for idx, rec := range records {
		if idx >= 0 && idx < len(chunks) {
			chunks[idx].Status = chunkmap.Completed
			chunks[idx].MD5 = rec.MD5
		}
	}

	return chunkmap.Restore(chunks, task.TotalSize), nil
}

// runDownloadWorkers spawns and scales the worker swarm for one task and
// blocks until either every chunk completes, a fatal error arrives, or
// ctx is cancelled.
func (e *Engine) runDownloadWorkers(ctx context.Context, task *storage.DownloadTask, cm *chunkmap.Map, w *wal.WAL, monitor *cdnhealth.Monitor, coordinator *cdnhealth.RefreshCoordinator, host string) {
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	spawn := func() {
		wg.Add(1)
		go e.downloadWorker(workerCtx, task, cm, w, coordinator, host, &wg, errCh)
	}

	initial := e.congestion.GetIdealConcurrency(host)
	if initial < 1 {
		initial = 1
	}
	for i := 0; i < e.downloadPool.RequestThreads(task.ID, initial); i++ {
		spawn()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(progressTickInterval)
	defer ticker.Stop()

	var lastBytes int64
	lastTick := time.Now()

	for {
		select {
		case <-ctx.Done():
			cancelWorkers()
			<-done
			return

		case werr := <-errCh:
			if cerr, ok := werr.(*remoteclient.ClassifiedError); ok && cerr.Kind.Fatal() {
				cancelWorkers()
				<-done
				e.failDownload(task, werr)
				return
			}

		case <-done:
			return

		case now := <-ticker.C:
			frac, bytesDone := cm.Progress()
			elapsed := now.Sub(lastTick).Seconds()
			speed := 0.0
			if elapsed > 0 {
				speed = float64(bytesDone-lastBytes) / elapsed
			}
			lastBytes = bytesDone
			lastTick = now

			task.Downloaded = bytesDone
			task.Progress = frac
			task.Speed = speed
			e.saveDownload(task)
			e.sink.TaskUpdated(eventsink.TaskUpdate{
				TaskID: task.ID, BytesDone: bytesDone, TotalBytes: task.TotalSize, SpeedBps: speed,
			})

			monitor.RecordSpeed(speed)
			if fire := monitor.CheckScheduled(now); fire != nil {
				go coordinator.RequestRefresh(ctx, fire.Reason)
			}
			if fire := monitor.CheckSpeedDrop(now); fire != nil {
				go coordinator.RequestRefresh(ctx, fire.Reason)
			}

			if cm.IsCompleted() {
				cancelWorkers()
				<-done
				return
			}

			ideal := e.congestion.GetIdealConcurrency(host)
			current := e.downloadPool.Threads(task.ID)
			if ideal > current {
				for i := 0; i < e.downloadPool.RequestThreads(task.ID, ideal-current); i++ {
					spawn()
				}
			}
		}
	}
}

// downloadWorker repeatedly claims the next pending chunk and streams it
// into task.SavePath at the right offset, bandwidth-gated, retrying
// retriable failures with backoff and asking the CdnHealth coordinator
// for a refresh on a 403. Grounded on the teacher's worker.downloadPart.
func (e *Engine) downloadWorker(ctx context.Context, task *storage.DownloadTask, cm *chunkmap.Map, w *wal.WAL, coordinator *cdnhealth.RefreshCoordinator, host string, wg *sync.WaitGroup, errCh chan<- error) {
	defer wg.Done()

	f, err := os.OpenFile(task.SavePath, os.O_WRONLY, 0644)
	if err != nil {
		trySend(errCh, err)
		return
	}
	defer f.Close()

	maxRetries := e.config().Download.MaxRetries

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		chunk, ok := cm.NextPending()
		if !ok {
			return
		}

		downloadURL := coordinator.CurrentURL()
		start := time.Now()
		resp, err := e.client.RangedGet(ctx, downloadURL, chunk.Start, chunk.End)
		latency := time.Since(start)

		if err != nil {
			e.congestion.RecordOutcome(host, latency, err)

			if cerr, ok := err.(*remoteclient.ClassifiedError); ok && cerr.Kind.RefreshWorthy() {
				// Back to Pending without counting against the retry budget.
				cm.Release(chunk.Index)
				go coordinator.RequestRefresh(ctx, "range_forbidden")
				continue
			}
			cm.MarkFailed(chunk.Index)

			if cerr, ok := err.(*remoteclient.ClassifiedError); ok {
				if cerr.Kind.Fatal() {
					trySend(errCh, err)
					return
				}
			}
			if chunk.Retries >= maxRetries {
				trySend(errCh, err)
				return
			}
			sleepBackoff(ctx, chunk.Retries)
			continue
		}

		md5Hex, writeErr := e.writeChunk(ctx, f, task.ID, chunk, resp.Body)
		resp.Body.Close()

		if writeErr != nil {
			e.congestion.RecordOutcome(host, latency, writeErr)
			cm.MarkFailed(chunk.Index)
			if chunk.Retries >= maxRetries {
				trySend(errCh, writeErr)
				return
			}
			sleepBackoff(ctx, chunk.Retries)
			continue
		}

		e.congestion.RecordOutcome(host, latency, nil)

		if err := w.Append(wal.Record{TaskID: task.ID, ChunkIndex: chunk.Index, ByteRangeEnd: chunk.End, MD5: md5Hex}); err != nil {
			if w.ExceedsFailureBudget() {
				trySend(errCh, err)
				return
			}
			cm.MarkFailed(chunk.Index)
			continue
		}
		cm.MarkCompleted(chunk.Index, md5Hex)
	}
}

func (e *Engine) writeChunk(ctx context.Context, f *os.File, taskID string, chunk chunkmap.Chunk, body io.Reader) (string, error) {
	if _, err := f.Seek(chunk.Start, io.SeekStart); err != nil {
		return "", err
	}

	h := md5.New()
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if err := e.bandwidth.Wait(ctx, taskID, n); err != nil {
				return "", err
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return "", err
			}
			h.Write(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", readErr
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func trySend(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}

func sleepBackoff(ctx context.Context, retries int) {
	d := time.Duration(retries+1) * 500 * time.Millisecond
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Hostname()
}

func cdnhealthThresholds(k config.CdnHealthKnobs) cdnhealth.Thresholds {
	return cdnhealth.Thresholds{
		RefreshIntervalMinutes: k.RefreshIntervalMinutes,
		BaselineEstablishSecs:  k.BaselineEstablishSecs,
		MinBaselineSpeedBps:    k.MinBaselineSpeedBps,
		SpeedDropThreshold:     k.SpeedDropThreshold,
		DurationThresholdSecs:  k.DurationThresholdSecs,
		MinThreads:             k.MinThreads,
		StartupDelaySecs:       k.StartupDelaySecs,
		NearZeroThresholdKbps:  k.NearZeroThresholdKbps,
		StagnationRatio:        k.StagnationRatio,
		MinRefreshIntervalSecs: k.MinRefreshIntervalSecs,
	}
}

func (e *Engine) saveDownload(task *storage.DownloadTask) {
	if err := e.storage.SaveTask(*task); err != nil {
		e.logger.Error("download: save task", "id", task.ID, "error", err)
	}
}

func (e *Engine) persistDownloadPause(task *storage.DownloadTask, cm *chunkmap.Map, probe *remoteclient.ProbeResult) {
	snap, err := encodeSnapshot(probe.ETag, probe.LastModified, task.TotalSize, cm.Snapshot())
	if err != nil {
		e.logger.Error("download: encode pause snapshot", "id", task.ID, "error", err)
	} else {
		task.MetaJSON = snap
	}
	_, bytesDone := cm.Progress()
	task.Downloaded = bytesDone
	if task.Status != StatusError && task.Status != StatusNeedsAuth {
		task.Status = StatusPaused
	}
	e.saveDownload(task)
	e.sink.TaskStatusChanged(task.ID, task.Status)
}

func (e *Engine) finalizeDownload(task *storage.DownloadTask, cm *chunkmap.Map, w *wal.WAL) {
	task.Status = StatusVerifying
	e.saveDownload(task)
	e.sink.TaskStatusChanged(task.ID, StatusVerifying)

	if task.ExpectedHash != "" {
		if err := e.verifier.Verify(task.SavePath, task.HashAlgorithm, task.ExpectedHash); err != nil {
			e.failDownload(task, err)
			return
		}
	}

	task.Status = StatusCompleted
	task.Progress = 1
	task.Downloaded = task.TotalSize
	task.MetaJSON = ""
	e.saveDownload(task)
	_ = wal.Delete(e.walDir, task.ID)

	if err := e.storage.IncrementDailyBytes(task.TotalSize); err != nil {
		e.logger.Error("download: increment daily bytes", "id", task.ID, "error", err)
	}
	if err := e.storage.IncrementDailyFiles(); err != nil {
		e.logger.Error("download: increment daily files", "id", task.ID, "error", err)
	}

	e.sink.TaskTerminated(eventsink.TaskTermination{TaskID: task.ID, Status: StatusCompleted})
}

func (e *Engine) failDownload(task *storage.DownloadTask, err error) {
	if cerr, ok := err.(*remoteclient.ClassifiedError); ok && cerr.Kind == remoteclient.KindAuth {
		task.Status = StatusNeedsAuth
	} else {
		task.Status = StatusError
	}
	e.saveDownload(task)
	e.logger.Error("download task failed", "id", task.ID, "error", err)
	e.sink.TaskTerminated(eventsink.TaskTermination{TaskID: task.ID, Status: task.Status, Error: err.Error()})
}
