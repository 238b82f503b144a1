package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/scriptdeck/scriptdeck/internal/session"
	"github.com/scriptdeck/scriptdeck/internal/sshexec"
)

// runBackup executes one backup command against the given storage target and
// blocks until it finishes. Completion is announced with KindBackupComplete,
// a non-terminal kind, so a parent workflow's terminal view survives it. The
// announcement is latched to fire exactly once regardless of which path
// resolves the step.
func (e *Engine) runBackup(ctx context.Context, sess *session.Session, server sshexec.Server, containerID, storage string, sink Sink) (int, error) {
	var once sync.Once
	complete := func(msg string) {
		once.Do(func() { sink.Send(KindBackupComplete, msg) })
	}

	code, _, err := e.runRemote(ctx, sess, server, backupCommand(containerID, storage), sink)
	if err != nil {
		complete(fmt.Sprintf("Backup failed to start: %v", err))
		return 0, err
	}
	if code != 0 {
		complete(fmt.Sprintf("Backup finished with exit code %d", code))
		return code, nil
	}
	complete("Backup completed successfully")
	return 0, nil
}

// runBackupSession is the standalone backup workflow: one backup step, then
// the session ends.
func (e *Engine) runBackupSession(ctx context.Context, sess *session.Session, req StartRequest, sink Sink) {
	storage := req.Storage
	if storage == "" {
		storage = req.BackupStorage
	}

	code, err := e.runBackup(ctx, sess, *req.Server, req.ContainerID, storage, sink)
	if err != nil {
		sink.Send(KindError, fmt.Sprintf("Backup failed: %v", err))
	}
	e.telemetry().Track("", "backup_completed", map[string]any{
		"exit_code": code,
		"started":   err == nil,
	})
	e.finalize(sess, sink)
}
