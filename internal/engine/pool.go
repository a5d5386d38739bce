package engine

import (
	"sync"
	"time"
)

// admissionPool is the Engine's bounded worker-pool primitive for one task
// kind (download or upload). It generalizes the teacher's
// queue.DownloadQueue + queue.SmartScheduler pairing: instead of a
// separate generic queue type, the Engine owns one admissionPool per kind
// with a narrower contract — §4.9's "at most maxConcurrentTasks running,
// per-task thread grants capped and starved-longest preferred".
type admissionPool struct {
	mu sync.Mutex

	maxGlobalThreads   int
	maxConcurrentTasks int
	perTaskCap         int

	running     map[string]*admittedTask
	pendingFIFO []string
}

type admittedTask struct {
	threads    int
	admittedAt time.Time
	lastGrant  time.Time
}

func newAdmissionPool(maxGlobalThreads, maxConcurrentTasks, perTaskCap int) *admissionPool {
	return &admissionPool{
		maxGlobalThreads:   maxGlobalThreads,
		maxConcurrentTasks: maxConcurrentTasks,
		perTaskCap:         perTaskCap,
		running:            make(map[string]*admittedTask),
	}
}

// Reconfigure applies new pool-wide limits without touching already
// running tasks; subsequent RequestThreads/TryAdmit calls observe the new
// caps immediately, draining or growing the pool per §4.9.
func (p *admissionPool) Reconfigure(maxGlobalThreads, maxConcurrentTasks, perTaskCap int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxGlobalThreads = maxGlobalThreads
	p.maxConcurrentTasks = maxConcurrentTasks
	p.perTaskCap = perTaskCap
}

// TryAdmit grants the task a Running slot if the concurrent-task budget
// allows it; otherwise the task joins the pending FIFO and false is
// returned.
func (p *admissionPool) TryAdmit(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.running[taskID]; ok {
		return true
	}
	if len(p.running) >= p.maxConcurrentTasks {
		p.enqueuePendingLocked(taskID)
		return false
	}
	p.running[taskID] = &admittedTask{admittedAt: time.Now()}
	p.removePendingLocked(taskID)
	return true
}

func (p *admissionPool) enqueuePendingLocked(taskID string) {
	for _, id := range p.pendingFIFO {
		if id == taskID {
			return
		}
	}
	p.pendingFIFO = append(p.pendingFIFO, taskID)
}

func (p *admissionPool) removePendingLocked(taskID string) {
	for i, id := range p.pendingFIFO {
		if id == taskID {
			p.pendingFIFO = append(p.pendingFIFO[:i], p.pendingFIFO[i+1:]...)
			return
		}
	}
}

// NextPending pops the longest-waiting pending task ID, or "" if none.
// The Engine calls this whenever a Running slot frees up.
func (p *admissionPool) NextPending() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pendingFIFO) == 0 {
		return ""
	}
	id := p.pendingFIFO[0]
	p.pendingFIFO = p.pendingFIFO[1:]
	return id
}

// Release removes a task from Running entirely, freeing its threads back
// to the global budget.
func (p *admissionPool) Release(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, taskID)
	p.removePendingLocked(taskID)
}

// RequestThreads grants up to `want` additional worker threads to taskID,
// bounded by the per-task cap and the remaining global budget. Tasks that
// have gone longest without a grant are served first when the global
// budget is contended.
func (p *admissionPool) RequestThreads(taskID string, want int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	task, ok := p.running[taskID]
	if !ok {
		return 0
	}

	globalInUse := 0
	for _, t := range p.running {
		globalInUse += t.threads
	}
	remaining := p.maxGlobalThreads - globalInUse
	if remaining <= 0 {
		return 0
	}

	grant := want
	if cap := p.perTaskCap - task.threads; grant > cap {
		grant = cap
	}
	if grant > remaining {
		if starvedTaskAhead(p.running, taskID) {
			return 0
		}
		grant = remaining
	}
	if grant < 0 {
		grant = 0
	}

	task.threads += grant
	task.lastGrant = time.Now()
	return grant
}

// starvedTaskAhead reports whether another running task has gone longer
// without a thread grant than taskID, per §4.9's starved-longest
// preference under contention.
func starvedTaskAhead(running map[string]*admittedTask, taskID string) bool {
	self, ok := running[taskID]
	if !ok {
		return false
	}
	selfWait := waitSince(self)
	for id, t := range running {
		if id == taskID {
			continue
		}
		if waitSince(t) > selfWait {
			return true
		}
	}
	return false
}

func waitSince(t *admittedTask) time.Duration {
	if t.lastGrant.IsZero() {
		return time.Since(t.admittedAt)
	}
	return time.Since(t.lastGrant)
}

// ReleaseThreads returns n threads a task no longer needs to the global
// budget (worker finished and was not replaced, task paused, etc).
func (p *admissionPool) ReleaseThreads(taskID string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	task, ok := p.running[taskID]
	if !ok {
		return
	}
	task.threads -= n
	if task.threads < 0 {
		task.threads = 0
	}
}

// RunningCount reports how many tasks currently hold a Running slot.
func (p *admissionPool) RunningCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Threads reports how many worker threads a running task currently holds.
func (p *admissionPool) Threads(taskID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.running[taskID]; ok {
		return t.threads
	}
	return 0
}
