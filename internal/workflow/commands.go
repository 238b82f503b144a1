package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"syscall"

	"github.com/scriptdeck/scriptdeck/internal/process"
	"github.com/scriptdeck/scriptdeck/internal/session"
	"github.com/scriptdeck/scriptdeck/internal/sshexec"
)

// Guest types. Containers and full VMs are managed by different hypervisor
// tools with different command shapes.
const (
	GuestContainer = "container"
	GuestVM        = "vm"
)

// guestTool returns the hypervisor CLI for a guest type: pct for containers,
// qm for VMs.
func guestTool(guestType string) string {
	if guestType == GuestVM {
		return "qm"
	}
	return "pct"
}

const nextIDCommand = "pvesh get /cluster/nextid"

func stopCommand(guestType, id string) string {
	return fmt.Sprintf("%s stop %s", guestTool(guestType), id)
}

func startCommand(guestType, id string) string {
	return fmt.Sprintf("%s start %s", guestTool(guestType), id)
}

func configCommand(guestType, id string) string {
	return fmt.Sprintf("%s config %s", guestTool(guestType), id)
}

func cloneCommand(guestType, sourceID, newID, hostname, storage string) string {
	if guestType == GuestVM {
		return fmt.Sprintf("qm clone %s %s --name %s --storage %s --full", sourceID, newID, hostname, storage)
	}
	return fmt.Sprintf("pct clone %s %s --hostname %s --storage %s --full", sourceID, newID, hostname, storage)
}

func enterCommand(containerID string) string {
	return fmt.Sprintf("pct enter %s", containerID)
}

func backupCommand(containerID, storage string) string {
	return fmt.Sprintf("vzdump %s --storage %s --mode snapshot --compress zstd", containerID, storage)
}

// runRemote executes one remote command as the session's current process and
// blocks until it exits. Output is streamed to the sink, appended to the
// session buffer and returned in full for post-processing. A start failure is
// returned as err; a non-zero remote exit is not an error here, each caller
// classifies it as fatal or best-effort.
func (e *Engine) runRemote(ctx context.Context, sess *session.Session, server sshexec.Server, command string, sink Sink) (int, string, error) {
	var (
		mu       sync.Mutex
		captured strings.Builder
	)
	exitCh := make(chan int, 1)

	handle, err := process.StartRemote(e.SSH, server, command, process.Callbacks{
		OnData: func(text string) {
			mu.Lock()
			captured.WriteString(text)
			mu.Unlock()
			sess.Buffer.Append(text)
			sink.Send(KindOutput, text)
		},
		OnExit: func(code int, _ string) {
			exitCh <- code
		},
	})
	if err != nil {
		return 0, "", err
	}
	sess.SetProcess(handle)

	select {
	case code := <-exitCh:
		mu.Lock()
		out := captured.String()
		mu.Unlock()
		return code, out, nil
	case <-ctx.Done():
		_ = handle.Kill(syscall.SIGTERM)
		code := <-exitCh
		mu.Lock()
		out := captured.String()
		mu.Unlock()
		return code, out, ctx.Err()
	}
}
