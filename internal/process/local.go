package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// Fixed terminal geometry for script output. The browser terminal renders at
// the same size, so scripts that draw progress bars line up.
const (
	ptyCols = 80
	ptyRows = 24
)

// LocalConfig configures the local pty variant.
type LocalConfig struct {
	// ScriptsDir is the only directory scripts may be launched from.
	ScriptsDir string
	// Shell runs the script. Defaults to bash.
	Shell string
}

// ResolveScriptPath resolves path against the scripts directory and rejects
// anything that escapes it. Relative paths are taken relative to the scripts
// directory itself.
func (c LocalConfig) ResolveScriptPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("script path is required")
	}
	root, err := filepath.Abs(c.ScriptsDir)
	if err != nil {
		return "", fmt.Errorf("resolve scripts dir: %w", err)
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideScriptsDir
	}
	return abs, nil
}

type localProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu     sync.Mutex
	exited bool
}

// StartLocal validates the script path and spawns it under a pseudo-terminal.
// A start failure (bad path, spawn error) is returned here; Callbacks.OnExit
// never fires for it.
func StartLocal(cfg LocalConfig, scriptPath string, cb Callbacks) (Handle, error) {
	resolved, err := cfg.ResolveScriptPath(scriptPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(resolved); err != nil {
		return nil, fmt.Errorf("script not found: %w", err)
	}

	shell := cfg.Shell
	if shell == "" {
		shell = "bash"
	}

	cmd := exec.Command(shell, resolved)
	cmd.Dir = filepath.Dir(resolved)
	// Scripts detect a dumb pipe and drop color; force it back on.
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"FORCE_COLOR=1",
	)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: ptyCols, Rows: ptyRows})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	p := &localProcess{cmd: cmd, ptmx: ptmx}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, rerr := ptmx.Read(buf)
			if n > 0 && cb.OnData != nil {
				cb.OnData(string(buf[:n]))
			}
			if rerr != nil {
				// EIO here just means the child closed its side.
				break
			}
		}

		code := 0
		signal := ""
		if werr := cmd.Wait(); werr != nil {
			var exitErr *exec.ExitError
			if errors.As(werr, &exitErr) {
				code = exitErr.ExitCode()
				if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
					signal = ws.Signal().String()
				}
			} else {
				code = 1
			}
		}

		p.mu.Lock()
		p.exited = true
		p.mu.Unlock()
		_ = ptmx.Close()

		if cb.OnExit != nil {
			cb.OnExit(code, signal)
		}
	}()

	return p, nil
}

func (p *localProcess) Write(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return nil
	}
	_, err := p.ptmx.Write([]byte(text))
	return err
}

func (p *localProcess) Kill(sig os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}
