package core

import (
	"sync"

	"go.uber.org/zap"
)

// folderLocks hands out exclusive use of provisioning folders. A folder
// conflicts with itself and with every folder nested in it.
type folderLocks struct {
	mu   sync.Mutex
	cond *sync.Cond
	held map[string]string // folder -> task
}

// acquire blocks until no other run holds a folder overlapping one of run's
// step folders, then takes all of them at once. The returned func releases
// them.
func (l *folderLocks) acquire(run TaskRun, log *zap.Logger) func() {
	if len(run.Steps) == 0 {
		return func() {}
	}
	folders := make([]string, 0, len(run.Steps))
	for _, s := range run.Steps {
		folders = append(folders, stepFolder(run.WorkDir, s.Folder))
	}

	l.mu.Lock()
	if l.cond == nil {
		l.cond = sync.NewCond(&l.mu)
		l.held = make(map[string]string)
	}
	for {
		folder, holder, busy := l.conflict(folders)
		if !busy {
			break
		}
		log.Info("waiting for folder", zap.String("folder", folder), zap.String("held_by", holder))
		l.cond.Wait()
	}
	for _, f := range folders {
		l.held[f] = run.Name
	}
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		for _, f := range folders {
			delete(l.held, f)
		}
		l.mu.Unlock()
		l.cond.Broadcast()
	}
}

func (l *folderLocks) conflict(folders []string) (folder, holder string, busy bool) {
	for held, task := range l.held {
		for _, f := range folders {
			if isWithin(f, held) || isWithin(held, f) {
				return f, task, true
			}
		}
	}
	return "", "", false
}
