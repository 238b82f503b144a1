// Package workflow drives the multi-step provisioning procedures on top of
// the process adapter and session registry: script runs, guest clones,
// backups and updates. Every step of a workflow runs sequentially; a step
// "blocks" its workflow goroutine until the step's exit callback fires, so
// no two steps of the same operation ever interleave.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/scriptdeck/scriptdeck/internal/process"
	"github.com/scriptdeck/scriptdeck/internal/registry"
	"github.com/scriptdeck/scriptdeck/internal/session"
	"github.com/scriptdeck/scriptdeck/internal/sshexec"
	"github.com/scriptdeck/scriptdeck/internal/telemetry"
)

// Outbound message kinds. BackupComplete is deliberately distinct from End so
// a combined backup+update terminal view is not torn down when only the
// backup step finished.
const (
	KindStart          = "start"
	KindOutput         = "output"
	KindError          = "error"
	KindEnd            = "end"
	KindBackupComplete = "backup_complete"
)

// Sink receives the messages a workflow streams back to its client.
type Sink interface {
	Send(kind, data string)
}

// DefaultSettleDelay is how long the update workflow waits after opening the
// interactive guest shell before writing the update command to it. There is
// no readiness probe; the delay is the assumption.
const DefaultSettleDelay = 3 * time.Second

// Engine executes workflows. All collaborators are injected; tests run it
// against a fake SSH service and an in-memory registry.
type Engine struct {
	Sessions  *session.Registry
	Registry  registry.Registry
	SSH       sshexec.Service
	Local     process.LocalConfig
	Telemetry telemetry.Service
	Logger    *slog.Logger

	// SettleDelay overrides DefaultSettleDelay when positive.
	SettleDelay time.Duration

	// cloneMu serializes guest-id allocation + clone across concurrent
	// clone workflows in this process. The cluster's nextid query is not
	// a reservation, so two interleaved allocations would race.
	cloneMu sync.Mutex
}

// StartRequest is a parsed "start" control message.
type StartRequest struct {
	ExecutionID string
	ScriptPath  string
	Mode        string // registry.ModeLocal or registry.ModeRemote
	Server      *sshexec.Server

	IsUpdate bool
	IsShell  bool
	IsBackup bool
	IsClone  bool

	ContainerID   string
	Storage       string
	BackupStorage string
	CloneCount    int
	Hostnames     []string
	ContainerType string // "container" or "vm"
}

// Start validates the request, reserves the execution id and launches the
// matching workflow. The returned error covers validation and duplicate-id
// rejection only; everything past that point is reported through the sink.
func (e *Engine) Start(ctx context.Context, owner any, req StartRequest, sink Sink) error {
	if req.ExecutionID == "" {
		return fmt.Errorf("executionId is required")
	}

	sess := &session.Session{
		ID:     req.ExecutionID,
		Owner:  owner,
		Buffer: session.NewBuffer(0),
	}
	if err := e.Sessions.Add(sess); err != nil {
		return err
	}

	switch {
	case req.IsClone:
		if err := validateClone(req); err != nil {
			e.Sessions.Remove(sess.ID)
			return err
		}
		go e.runClone(ctx, sess, req, sink)
	case req.IsBackup:
		if err := validateBackup(req); err != nil {
			e.Sessions.Remove(sess.ID)
			return err
		}
		go e.runBackupSession(ctx, sess, req, sink)
	case req.IsUpdate:
		if err := validateUpdate(req); err != nil {
			e.Sessions.Remove(sess.ID)
			return err
		}
		go e.runUpdate(ctx, sess, req, sink)
	case req.IsShell:
		if req.Server == nil {
			e.Sessions.Remove(sess.ID)
			return fmt.Errorf("a remote server is required for a shell")
		}
		if err := e.startShell(sess, req, sink); err != nil {
			e.Sessions.Remove(sess.ID)
			return err
		}
	default:
		if err := e.startScriptRun(ctx, sess, req, sink); err != nil {
			e.Sessions.Remove(sess.ID)
			return err
		}
	}
	return nil
}

// Stop kills the active process of the session with the given id and removes
// it from the registry. A missing id is a no-op: nothing is sent, no error is
// raised. Steps of a workflow that have not started yet are unaffected.
func (e *Engine) Stop(id string) {
	sess := e.Sessions.Remove(id)
	if sess == nil {
		return
	}
	if p := sess.Process(); p != nil {
		_ = p.Kill(syscall.SIGTERM)
	}
}

// Input forwards client input to the session's process. Input for absent or
// terminated ids is dropped silently so fast client re-renders never block.
func (e *Engine) Input(id, data string) {
	sess, ok := e.Sessions.Get(id)
	if !ok {
		return
	}
	if p := sess.Process(); p != nil {
		_ = p.Write(data)
	}
}

func validateUpdate(req StartRequest) error {
	if req.Server == nil {
		return fmt.Errorf("a remote server is required for an update")
	}
	if req.ContainerID == "" {
		return fmt.Errorf("containerId is required")
	}
	return nil
}

func validateBackup(req StartRequest) error {
	if req.Server == nil {
		return fmt.Errorf("a remote server is required for a backup")
	}
	if req.ContainerID == "" {
		return fmt.Errorf("containerId is required")
	}
	if req.Storage == "" && req.BackupStorage == "" {
		return fmt.Errorf("a backup storage target is required")
	}
	return nil
}

func validateClone(req StartRequest) error {
	if req.Server == nil {
		return fmt.Errorf("a remote server is required for cloning")
	}
	if req.ContainerID == "" {
		return fmt.Errorf("containerId is required")
	}
	if req.Storage == "" {
		return fmt.Errorf("storage is required")
	}
	if req.CloneCount < 1 {
		return fmt.Errorf("cloneCount must be at least 1")
	}
	if len(req.Hostnames) != req.CloneCount {
		return fmt.Errorf("hostnames length %d does not match cloneCount %d", len(req.Hostnames), req.CloneCount)
	}
	if req.ContainerType != GuestContainer && req.ContainerType != GuestVM {
		return fmt.Errorf("containerType must be %q or %q", GuestContainer, GuestVM)
	}
	return nil
}

// finalize removes the session and emits the terminal end message. Safe if
// the session was already removed by a stop or a channel sweep.
func (e *Engine) finalize(sess *session.Session, sink Sink) {
	e.Sessions.Remove(sess.ID)
	sink.Send(KindEnd, "")
}

// persistUpdate applies a registry update, logging and swallowing failures:
// persistence is best-effort, the live stream is authoritative.
func (e *Engine) persistUpdate(ctx context.Context, recordID string, u registry.Update) {
	if recordID == "" {
		return
	}
	if err := e.Registry.Update(ctx, recordID, u); err != nil {
		e.logger().Warn("registry update failed", "record_id", recordID, "error", err)
	}
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) telemetry() telemetry.Service {
	if e.Telemetry != nil {
		return e.Telemetry
	}
	return &telemetry.NoopService{}
}

func (e *Engine) settleDelay() time.Duration {
	if e.SettleDelay > 0 {
		return e.SettleDelay
	}
	return DefaultSettleDelay
}
