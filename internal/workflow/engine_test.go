package workflow

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptdeck/scriptdeck/internal/registry"
	"github.com/scriptdeck/scriptdeck/internal/session"
	"github.com/scriptdeck/scriptdeck/internal/sshexec"
)

// fakeResult scripts the fake SSH service's response to one command.
type fakeResult struct {
	out  string
	code int
	err  error
	// stay keeps the command "running": onExit is never called on its own.
	stay bool
	// exitOnWrite resolves the command with exit 0 when input arrives,
	// mimicking an interactive shell that ends after a typed command.
	exitOnWrite bool
}

type fakeSSH struct {
	mu       sync.Mutex
	commands []string
	writes   []string
	respond  func(command string) fakeResult
}

func (f *fakeSSH) Execute(_ sshexec.Server, command string, onData func(string), onExit func(int)) (sshexec.Handle, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	res := f.respond(command)
	f.mu.Unlock()

	if res.err != nil {
		return nil, res.err
	}
	h := &fakeHandle{ssh: f, onExit: onExit, exitOnWrite: res.exitOnWrite}
	if res.out != "" {
		onData(res.out)
	}
	if !res.stay && !res.exitOnWrite {
		onExit(res.code)
	}
	return h, nil
}

func (f *fakeSSH) Shell(_ sshexec.Server, onData func(string), onExit func(int)) (sshexec.Handle, error) {
	f.mu.Lock()
	f.commands = append(f.commands, "<shell>")
	f.mu.Unlock()
	return &fakeHandle{ssh: f, onExit: onExit}, nil
}

func (f *fakeSSH) commandLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeSSH) writeLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

type fakeHandle struct {
	ssh         *fakeSSH
	onExit      func(int)
	exitOnWrite bool

	mu    sync.Mutex
	fired bool
}

func (h *fakeHandle) Write(data string) error {
	h.ssh.mu.Lock()
	h.ssh.writes = append(h.ssh.writes, data)
	h.ssh.mu.Unlock()

	h.mu.Lock()
	fire := h.exitOnWrite && !h.fired
	h.fired = fire || h.fired
	h.mu.Unlock()
	if fire {
		h.onExit(0)
	}
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	fire := !h.fired
	h.fired = true
	h.mu.Unlock()
	if fire {
		h.onExit(-1)
	}
	return nil
}

type createdRecord struct {
	ScriptName string
	ScriptPath string
	Mode       string
	ServerRef  string
}

type fakeRegistry struct {
	mu        sync.Mutex
	created   []createdRecord
	updates   map[string][]registry.Update
	createErr error
	updateErr error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{updates: make(map[string][]registry.Update)}
}

func (r *fakeRegistry) Create(_ context.Context, scriptName, scriptPath, mode, serverRef string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return "", r.createErr
	}
	r.created = append(r.created, createdRecord{scriptName, scriptPath, mode, serverRef})
	return recordID(len(r.created) - 1), nil
}

func (r *fakeRegistry) Update(_ context.Context, id string, u registry.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	r.updates[id] = append(r.updates[id], u)
	return nil
}

func recordID(i int) string {
	return "rec-" + string(rune('a'+i))
}

// merged flattens the sequence of partial updates for a record into the
// record's final state.
func (r *fakeRegistry) merged(id string) registry.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out registry.Update
	for _, u := range r.updates[id] {
		if u.Status != nil {
			out.Status = u.Status
		}
		if u.GuestID != nil {
			out.GuestID = u.GuestID
		}
		if u.ServiceIP != nil {
			out.ServiceIP = u.ServiceIP
		}
		if u.ServicePort != nil {
			out.ServicePort = u.ServicePort
		}
		if u.Output != nil {
			out.Output = u.Output
		}
	}
	return out
}

type sinkMsg struct {
	Kind string
	Data string
}

// recordSink captures every message and closes done on the terminal end.
type recordSink struct {
	mu   sync.Mutex
	msgs []sinkMsg
	done chan struct{}
}

func newRecordSink() *recordSink {
	return &recordSink{done: make(chan struct{})}
}

func (s *recordSink) Send(kind, data string) {
	s.mu.Lock()
	s.msgs = append(s.msgs, sinkMsg{kind, data})
	s.mu.Unlock()
	if kind == KindEnd {
		close(s.done)
	}
}

func (s *recordSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not finish")
	}
}

func (s *recordSink) all() []sinkMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkMsg(nil), s.msgs...)
}

func (s *recordSink) ofKind(kind string) []string {
	var out []string
	for _, m := range s.all() {
		if m.Kind == kind {
			out = append(out, m.Data)
		}
	}
	return out
}

func newTestEngine(ssh *fakeSSH, reg *fakeRegistry) *Engine {
	return &Engine{
		Sessions:    session.NewRegistry(),
		Registry:    reg,
		SSH:         ssh,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		SettleDelay: time.Millisecond,
	}
}

func testServer() *sshexec.Server {
	return &sshexec.Server{IP: "192.168.1.10", User: "root", Password: "secret"}
}

func TestStart_MissingExecutionID(t *testing.T) {
	e := newTestEngine(&fakeSSH{}, newFakeRegistry())

	err := e.Start(context.Background(), "owner", StartRequest{}, newRecordSink())
	require.Error(t, err)
	assert.Equal(t, 0, e.Sessions.Len())
}

func TestStart_DuplicateExecutionID(t *testing.T) {
	ssh := &fakeSSH{respond: func(string) fakeResult { return fakeResult{stay: true} }}
	e := newTestEngine(ssh, newFakeRegistry())

	req := StartRequest{ExecutionID: "exec-1", IsShell: true, Server: testServer()}
	require.NoError(t, e.Start(context.Background(), "owner", req, newRecordSink()))
	require.Equal(t, 1, e.Sessions.Len())

	err := e.Start(context.Background(), "owner", req, newRecordSink())
	assert.ErrorIs(t, err, session.ErrAlreadyRunning)
	assert.Equal(t, 1, e.Sessions.Len())
}

func TestStart_ValidationFailureReleasesID(t *testing.T) {
	e := newTestEngine(&fakeSSH{}, newFakeRegistry())

	req := StartRequest{
		ExecutionID:   "exec-1",
		IsClone:       true,
		Server:        testServer(),
		ContainerID:   "100",
		Storage:       "local-lvm",
		CloneCount:    2,
		Hostnames:     []string{"only-one"},
		ContainerType: GuestContainer,
	}
	require.Error(t, e.Start(context.Background(), "owner", req, newRecordSink()))
	assert.Equal(t, 0, e.Sessions.Len())

	// The id is free for a corrected retry.
	req.Hostnames = []string{"web-1", "web-2"}
	ssh := &fakeSSH{respond: func(string) fakeResult { return fakeResult{out: "100\n"} }}
	e.SSH = ssh
	sink := newRecordSink()
	require.NoError(t, e.Start(context.Background(), "owner", req, sink))
	sink.wait(t)
}

func TestStopUnknownID_NoOp(t *testing.T) {
	e := newTestEngine(&fakeSSH{}, newFakeRegistry())
	e.Stop("never-started")
	assert.Equal(t, 0, e.Sessions.Len())
}

func TestInput_ForwardedToProcess(t *testing.T) {
	ssh := &fakeSSH{respond: func(string) fakeResult { return fakeResult{stay: true} }}
	e := newTestEngine(ssh, newFakeRegistry())

	req := StartRequest{ExecutionID: "exec-1", IsShell: true, Server: testServer()}
	require.NoError(t, e.Start(context.Background(), "owner", req, newRecordSink()))

	e.Input("exec-1", "ls -la\n")
	e.Input("missing", "dropped silently")

	assert.Equal(t, []string{"ls -la\n"}, ssh.writeLog())
}

func TestShell_HostShellWithoutContainerID(t *testing.T) {
	ssh := &fakeSSH{respond: func(string) fakeResult { return fakeResult{stay: true} }}
	e := newTestEngine(ssh, newFakeRegistry())

	req := StartRequest{ExecutionID: "exec-1", IsShell: true, Server: testServer()}
	require.NoError(t, e.Start(context.Background(), "owner", req, newRecordSink()))
	assert.Equal(t, []string{"<shell>"}, ssh.commandLog())
}

func TestShell_ContainerShellUsesEnter(t *testing.T) {
	ssh := &fakeSSH{respond: func(string) fakeResult { return fakeResult{stay: true} }}
	e := newTestEngine(ssh, newFakeRegistry())

	req := StartRequest{ExecutionID: "exec-1", IsShell: true, Server: testServer(), ContainerID: "105"}
	require.NoError(t, e.Start(context.Background(), "owner", req, newRecordSink()))
	assert.Equal(t, []string{"pct enter 105"}, ssh.commandLog())
}
