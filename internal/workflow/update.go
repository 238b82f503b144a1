package workflow

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/scriptdeck/scriptdeck/internal/process"
	"github.com/scriptdeck/scriptdeck/internal/session"
)

// updateCommand is what gets typed into the guest's interactive shell. The
// provisioning scripts install an `update` entrypoint in each guest.
const updateCommand = "update\n"

// runUpdate optionally backs the guest up, then updates it. The backup is
// strictly continue-on-failure: whatever its outcome, the update step runs;
// a failed backup only produces a warning in the stream.
func (e *Engine) runUpdate(ctx context.Context, sess *session.Session, req StartRequest, sink Sink) {
	if req.BackupStorage != "" {
		code, err := e.runBackup(ctx, sess, *req.Server, req.ContainerID, req.BackupStorage, sink)
		if err != nil || code != 0 {
			sink.Send(KindOutput, "Warning: backup failed, continuing with update\r\n")
		}
	}

	exitCh := make(chan int, 1)
	handle, err := process.StartRemote(e.SSH, *req.Server, enterCommand(req.ContainerID), process.Callbacks{
		OnData: func(text string) {
			sess.Buffer.Append(text)
			sink.Send(KindOutput, text)
		},
		OnExit: func(code int, _ string) {
			exitCh <- code
		},
	})
	if err != nil {
		sink.Send(KindError, fmt.Sprintf("Update failed to start: %v", err))
		e.finalize(sess, sink)
		return
	}
	sess.SetProcess(handle)

	// No readiness probe: assume the guest shell is interactive once the
	// settle delay has passed, then type the update command into it.
	timer := time.AfterFunc(e.settleDelay(), func() {
		_ = handle.Write(updateCommand)
	})
	defer timer.Stop()

	var code int
	select {
	case code = <-exitCh:
	case <-ctx.Done():
		_ = handle.Kill(syscall.SIGTERM)
		code = <-exitCh
	}

	e.telemetry().Track("", "update_completed", map[string]any{
		"exit_code":  code,
		"had_backup": req.BackupStorage != "",
	})
	e.finalize(sess, sink)
}
