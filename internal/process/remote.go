package process

import (
	"os"

	"github.com/scriptdeck/scriptdeck/internal/sshexec"
)

type remoteProcess struct {
	handle sshexec.Handle
}

// StartRemote runs a command on a remote host through the given SSH service.
// Dial/auth failures are returned synchronously; Callbacks.OnExit never fires
// for them.
func StartRemote(svc sshexec.Service, server sshexec.Server, command string, cb Callbacks) (Handle, error) {
	h, err := svc.Execute(server, command, cb.OnData, func(code int) {
		if cb.OnExit != nil {
			cb.OnExit(code, "")
		}
	})
	if err != nil {
		return nil, err
	}
	return &remoteProcess{handle: h}, nil
}

// StartRemoteShell opens an interactive shell on a remote host. Input written
// to the returned handle goes to the shell's stdin.
func StartRemoteShell(svc sshexec.Service, server sshexec.Server, cb Callbacks) (Handle, error) {
	h, err := svc.Shell(server, cb.OnData, func(code int) {
		if cb.OnExit != nil {
			cb.OnExit(code, "")
		}
	})
	if err != nil {
		return nil, err
	}
	return &remoteProcess{handle: h}, nil
}

func (p *remoteProcess) Write(text string) error {
	return p.handle.Write(text)
}

// Kill closes the SSH session. There is no way to signal the remote process
// directly; ending the channel is the best effort available.
func (p *remoteProcess) Kill(_ os.Signal) error {
	return p.handle.Close()
}
