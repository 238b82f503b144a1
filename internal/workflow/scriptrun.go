package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/scriptdeck/scriptdeck/internal/process"
	"github.com/scriptdeck/scriptdeck/internal/registry"
	"github.com/scriptdeck/scriptdeck/internal/scan"
	"github.com/scriptdeck/scriptdeck/internal/session"
)

// startScriptRun launches a provisioning script locally or on a remote host
// and wires the streaming pipeline: every output chunk is sent to the client,
// appended to the capped buffer and scanned for a guest id and service
// endpoint, which are persisted to the registry record as soon as they are
// seen (and overwritten on re-detection). The record is finalized on exit.
func (e *Engine) startScriptRun(ctx context.Context, sess *session.Session, req StartRequest, sink Sink) error {
	if req.ScriptPath == "" {
		return fmt.Errorf("scriptPath is required")
	}
	mode := req.Mode
	if mode == "" {
		mode = registry.ModeLocal
	}
	if mode == registry.ModeRemote && req.Server == nil {
		return fmt.Errorf("remote mode requires a server")
	}

	serverRef := ""
	if req.Server != nil {
		serverRef = req.Server.IP
	}

	recordID, err := e.Registry.Create(ctx, filepath.Base(req.ScriptPath), req.ScriptPath, mode, serverRef)
	if err != nil {
		e.logger().Warn("registry create failed", "script", req.ScriptPath, "error", err)
	}
	sess.RecordID = recordID

	cb := process.Callbacks{
		OnData: func(text string) {
			sess.Buffer.Append(text)
			sink.Send(KindOutput, text)
			if recordID == "" {
				return
			}
			var u registry.Update
			if id, ok := scan.GuestID(text); ok {
				u.GuestID = registry.String(id)
			}
			if ep, ok := scan.ServiceEndpoint(text); ok {
				u.ServiceIP = registry.String(ep.IP)
				u.ServicePort = registry.Int(ep.Port)
			}
			if u.GuestID != nil || u.ServiceIP != nil {
				// Callbacks outlive the request context; persistence
				// must not die with the connection.
				e.persistUpdate(context.Background(), recordID, u)
			}
		},
		OnExit: func(code int, signal string) {
			status := registry.StatusSuccess
			if code != 0 {
				status = registry.StatusFailed
			}
			e.persistUpdate(context.Background(), recordID, registry.Update{
				Status: registry.String(status),
				Output: registry.String(sess.Buffer.String()),
			})
			e.telemetry().Track("", "script_run_completed", map[string]any{
				"mode":      mode,
				"exit_code": code,
				"signal":    signal,
			})
			e.finalize(sess, sink)
		},
	}

	var handle process.Handle
	if mode == registry.ModeLocal {
		handle, err = process.StartLocal(e.Local, req.ScriptPath, cb)
	} else {
		handle, err = process.StartRemote(e.SSH, *req.Server, remoteScriptCommand(req.ScriptPath), cb)
	}
	if err != nil {
		e.persistUpdate(context.Background(), recordID, registry.Update{
			Status: registry.String(registry.StatusFailed),
			Output: registry.String(err.Error()),
		})
		return err
	}
	sess.SetProcess(handle)
	return nil
}

// startShell attaches an interactive terminal: into a specific guest when a
// container id is given, otherwise a login shell on the host itself. Shell
// sessions are not install attempts and get no registry record.
func (e *Engine) startShell(sess *session.Session, req StartRequest, sink Sink) error {
	cb := process.Callbacks{
		OnData: func(text string) {
			sess.Buffer.Append(text)
			sink.Send(KindOutput, text)
		},
		OnExit: func(int, string) {
			e.finalize(sess, sink)
		},
	}

	var (
		handle process.Handle
		err    error
	)
	if req.ContainerID != "" {
		handle, err = process.StartRemote(e.SSH, *req.Server, enterCommand(req.ContainerID), cb)
	} else {
		handle, err = process.StartRemoteShell(e.SSH, *req.Server, cb)
	}
	if err != nil {
		return err
	}
	sess.SetProcess(handle)
	return nil
}

func remoteScriptCommand(path string) string {
	quoted := "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
	return "bash " + quoted
}
