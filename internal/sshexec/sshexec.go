// Package sshexec runs commands and interactive shells on remote hypervisor
// hosts over SSH. Each execution opens its own connection; the daemon does
// not pool or multiplex SSH transports.
package sshexec

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Server describes a remote host an execution should run against.
type Server struct {
	IP         string
	Port       int
	User       string
	Password   string
	PrivateKey string // PEM-encoded private key material
}

// Addr returns the host:port dial address, defaulting the port to 22.
func (s Server) Addr() string {
	port := s.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", s.IP, port)
}

func (s Server) validate() error {
	if s.IP == "" {
		return fmt.Errorf("server ip is required")
	}
	if s.User == "" {
		return fmt.Errorf("server user is required")
	}
	if s.Password == "" && s.PrivateKey == "" {
		return fmt.Errorf("server needs a password or private key")
	}
	return nil
}

// Handle is a live remote execution. Closing it tears down the local session
// and connection; the remote process is only killed as far as the SSH server
// honors the channel close.
type Handle interface {
	// Write forwards input to the remote stdin. No-op after Close.
	Write(data string) error
	// Close tears down the session. Safe to call more than once.
	Close() error
}

// Service executes commands on remote hosts. It is the seam the process
// adapter and workflow tests fake out.
type Service interface {
	// Execute runs a single command. onData receives interleaved
	// stdout/stderr; onExit fires exactly once with the remote exit code.
	// Connection or authentication failures are returned directly and
	// onExit never fires.
	Execute(server Server, command string, onData func(string), onExit func(code int)) (Handle, error)

	// Shell opens an interactive login shell with a PTY so the caller can
	// write input to it.
	Shell(server Server, onData func(string), onExit func(code int)) (Handle, error)
}

// Dialer is the production Service.
type Dialer struct {
	// ConnectTimeout bounds the TCP/SSH handshake. Zero means 15s.
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// NewDialer creates a Service that opens real SSH connections.
func NewDialer(logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{Logger: logger.With("component", "sshexec")}
}

func (d *Dialer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

type sessionHandle struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser

	mu     sync.Mutex
	closed bool
}

func (h *sessionHandle) Write(data string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	_, err := h.stdin.Write([]byte(data))
	return err
}

func (h *sessionHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	_ = h.session.Close()
	return h.client.Close()
}

func (d *Dialer) clientConfig(server Server) (*ssh.ClientConfig, error) {
	if err := server.validate(); err != nil {
		return nil, err
	}

	var auth []ssh.AuthMethod
	if server.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(server.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if server.Password != "" {
		auth = append(auth, ssh.Password(server.Password))
	}

	timeout := d.ConnectTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	// Target hosts are operator-supplied by IP; there is no host key store
	// to verify against.
	return &ssh.ClientConfig{
		User:            server.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}

// Execute implements Service.
func (d *Dialer) Execute(server Server, command string, onData func(string), onExit func(code int)) (Handle, error) {
	return d.start(server, command, false, onData, onExit)
}

// Shell implements Service.
func (d *Dialer) Shell(server Server, onData func(string), onExit func(code int)) (Handle, error) {
	return d.start(server, "", true, onData, onExit)
}

func (d *Dialer) start(server Server, command string, shell bool, onData func(string), onExit func(code int)) (Handle, error) {
	cfg, err := d.clientConfig(server)
	if err != nil {
		return nil, err
	}

	client, err := ssh.Dial("tcp", server.Addr(), cfg)
	if err != nil {
		d.logger().Warn("ssh dial failed", "addr", server.Addr(), "user", server.User, "error", err)
		return nil, fmt.Errorf("dial %s: %w", server.Addr(), err)
	}

	session, err := client.NewSession()
	if err != nil {
		d.logger().Warn("ssh session open failed", "addr", server.Addr(), "error", err)
		_ = client.Close()
		return nil, fmt.Errorf("open session: %w", err)
	}

	// A PTY interleaves stdout/stderr for us and makes remote tools emit
	// color, matching what the browser terminal renders locally.
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", 24, 80, modes); err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if shell {
		err = session.Shell()
	} else {
		err = session.Start(command)
	}
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("start remote command: %w", err)
	}

	h := &sessionHandle{client: client, session: session, stdin: stdin}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, rerr := stdout.Read(buf)
			if n > 0 && onData != nil {
				onData(string(buf[:n]))
			}
			if rerr != nil {
				break
			}
		}

		code := 0
		if werr := session.Wait(); werr != nil {
			var exitErr *ssh.ExitError
			if errors.As(werr, &exitErr) {
				code = exitErr.ExitStatus()
			} else {
				// Channel torn down without an exit-status message
				// (connection dropped or Close called).
				code = -1
			}
		}
		_ = h.Close()
		if onExit != nil {
			onExit(code)
		}
	}()

	return h, nil
}
