package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/scriptdeck/scriptdeck/internal/registry"
	"github.com/scriptdeck/scriptdeck/internal/scan"
	"github.com/scriptdeck/scriptdeck/internal/session"
	"github.com/scriptdeck/scriptdeck/internal/sshexec"
)

var numericID = regexp.MustCompile(`^[0-9]+$`)

// stepCounter prefixes every step announcement with a running [Step k/total]
// marker so a client can reconstruct clone progress from the stream alone.
type stepCounter struct {
	k     int
	total int
	sink  Sink
}

func (s *stepCounter) announce(format string, args ...any) {
	s.k++
	s.sink.Send(KindOutput, fmt.Sprintf("[Step %d/%d] %s\r\n", s.k, s.total, fmt.Sprintf(format, args...)))
}

// runClone drives the clone state machine:
//
//	StopSource -> {AllocateID -> CloneReplica} x N -> StartSource
//	           -> StartAllReplicas -> PersistAllReplicas -> Done
//
// Replicas are cloned strictly one after another: the cluster's next-free-id
// query is not a reservation, so the next allocation may only happen after
// the previous clone command has exited and claimed its id. Allocation and
// clone failures are fatal and abort the remaining replicas (already-cloned
// replicas are left as-is, no compensating delete). Stop/start steps and
// per-replica persistence are best-effort.
func (e *Engine) runClone(ctx context.Context, sess *session.Session, req StartRequest, sink Sink) {
	server := *req.Server
	n := req.CloneCount
	steps := &stepCounter{total: 2*n + 4, sink: sink}

	fail := func(format string, args ...any) {
		sink.Send(KindError, fmt.Sprintf(format, args...))
		e.telemetry().Track("", "clone_failed", map[string]any{
			"guest_type": req.ContainerType,
			"requested":  n,
		})
		e.finalize(sess, sink)
	}

	// StopSource: the source may already be stopped, so a non-zero exit is
	// informational only. A start error means the host itself is
	// unreachable and nothing further can work.
	steps.announce("Stopping source %s %s", req.ContainerType, req.ContainerID)
	code, _, err := e.runRemote(ctx, sess, server, stopCommand(req.ContainerType, req.ContainerID), sink)
	if err != nil {
		fail("Failed to reach %s: %v", server.IP, err)
		return
	}
	if code != 0 {
		sink.Send(KindOutput, fmt.Sprintf("Source %s %s may already be stopped\r\n", req.ContainerType, req.ContainerID))
	}

	clonedIDs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		newID, stepErr := e.cloneOneReplica(ctx, sess, req, server, steps, i)
		if stepErr != "" {
			// Report the surviving replicas before the terminal
			// error/end pair: clients tear the view down on end, and
			// with no compensating delete these ids are what the
			// operator has to act on.
			if len(clonedIDs) > 0 {
				sink.Send(KindOutput, fmt.Sprintf("Replicas already cloned and kept: %s\r\n", strings.Join(clonedIDs, ", ")))
			}
			fail("%s", stepErr)
			return
		}
		clonedIDs = append(clonedIDs, newID)
	}

	// StartSource: best-effort.
	steps.announce("Starting source %s %s", req.ContainerType, req.ContainerID)
	code, _, err = e.runRemote(ctx, sess, server, startCommand(req.ContainerType, req.ContainerID), sink)
	if err != nil || code != 0 {
		sink.Send(KindOutput, fmt.Sprintf("Warning: could not start source %s\r\n", req.ContainerID))
	}

	// StartAllReplicas: best-effort per guest.
	steps.announce("Starting %d replica(s)", n)
	for _, id := range clonedIDs {
		code, _, err = e.runRemote(ctx, sess, server, startCommand(req.ContainerType, id), sink)
		if err != nil || code != 0 {
			sink.Send(KindOutput, fmt.Sprintf("Warning: could not start replica %s\r\n", id))
		}
	}

	// PersistAllReplicas: each replica's persistence failure is isolated.
	steps.announce("Persisting %d replica(s)", n)
	for _, id := range clonedIDs {
		if err := e.persistReplica(ctx, sess, req, server, id, sink); err != nil {
			e.logger().Warn("persist replica failed", "guest_id", id, "error", err)
			sink.Send(KindOutput, fmt.Sprintf("Warning: failed to persist replica %s: %v\r\n", id, err))
		}
	}

	sink.Send(KindOutput, fmt.Sprintf("Clone complete: created %s(s) %s\r\n", req.ContainerType, strings.Join(clonedIDs, ", ")))
	e.telemetry().Track("", "clone_completed", map[string]any{
		"guest_type": req.ContainerType,
		"replicas":   len(clonedIDs),
	})
	e.finalize(sess, sink)
}

// cloneOneReplica allocates the next free guest id and clones the source
// onto it. The allocate+clone pair is serialized process-wide: a concurrent
// clone workflow must not see the same free id before this one claims it.
// A non-empty second return value is the fatal failure description; the
// caller owns reporting it, so it can sequence the kept-replica summary
// ahead of the terminal error.
func (e *Engine) cloneOneReplica(ctx context.Context, sess *session.Session, req StartRequest, server sshexec.Server, steps *stepCounter, i int) (string, string) {
	e.cloneMu.Lock()
	defer e.cloneMu.Unlock()

	steps.announce("Allocating id for replica %d/%d", i+1, req.CloneCount)
	code, out, err := e.runRemote(ctx, sess, server, nextIDCommand, steps.sink)
	if err != nil {
		return "", fmt.Sprintf("Id allocation failed: %v", err)
	}
	if code != 0 {
		return "", fmt.Sprintf("Id allocation failed with exit code %d", code)
	}
	newID := strings.TrimSpace(scan.StripANSI(out))
	if !numericID.MatchString(newID) {
		return "", fmt.Sprintf("Id allocation returned a non-numeric response: %q", newID)
	}

	steps.announce("Cloning %s %s -> %s (%s)", req.ContainerType, req.ContainerID, newID, req.Hostnames[i])
	code, _, err = e.runRemote(ctx, sess, server, cloneCommand(req.ContainerType, req.ContainerID, newID, req.Hostnames[i], req.Storage), steps.sink)
	if err != nil {
		return "", fmt.Sprintf("Clone of replica %s failed: %v", newID, err)
	}
	if code != 0 {
		return "", fmt.Sprintf("Clone of replica %s failed with exit code %d", newID, code)
	}
	return newID, ""
}

// persistReplica reads the cloned guest's configuration back, extracts its
// effective hostname (falling back to a generated type-id name) and creates
// a registry record for it. Containers additionally get their structured
// network config parsed and persisted.
func (e *Engine) persistReplica(ctx context.Context, sess *session.Session, req StartRequest, server sshexec.Server, guestID string, sink Sink) error {
	code, out, err := e.runRemote(ctx, sess, server, configCommand(req.ContainerType, guestID), sink)
	if err != nil {
		return fmt.Errorf("read config of %s: %w", guestID, err)
	}
	if code != 0 {
		return fmt.Errorf("read config of %s: exit code %d", guestID, code)
	}

	cfg := parseGuestConfig(out)
	hostname := cfg["hostname"]
	if hostname == "" {
		hostname = cfg["name"]
	}
	if hostname == "" {
		hostname = fmt.Sprintf("%s-%s", req.ContainerType, guestID)
	}

	recordID, err := e.Registry.Create(ctx, hostname, "clone:"+req.ContainerID, registry.ModeRemote, server.IP)
	if err != nil {
		return fmt.Errorf("create record: %w", err)
	}

	u := registry.Update{
		Status:  registry.String(registry.StatusSuccess),
		GuestID: registry.String(guestID),
		Output:  registry.String(sess.Buffer.String()),
	}
	if req.ContainerType == GuestContainer {
		if ip := netConfigIP(cfg["net0"]); ip != "" {
			u.ServiceIP = registry.String(ip)
		}
	}
	if err := e.Registry.Update(ctx, recordID, u); err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	return nil
}

// parseGuestConfig parses `pct config` / `qm config` style "key: value"
// output into a map.
func parseGuestConfig(out string) map[string]string {
	cfg := make(map[string]string)
	for _, line := range strings.Split(scan.StripANSI(out), "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" || strings.Contains(key, " ") {
			continue
		}
		cfg[strings.ToLower(key)] = strings.TrimSpace(value)
	}
	return cfg
}

// netConfigIP pulls the static address out of a guest net0 config value like
// "name=eth0,bridge=vmbr0,ip=192.168.1.50/24,gw=192.168.1.1". DHCP guests
// have no static address to persist.
func netConfigIP(net0 string) string {
	for _, part := range strings.Split(net0, ",") {
		if v, ok := strings.CutPrefix(part, "ip="); ok {
			if v == "dhcp" {
				return ""
			}
			addr, _, _ := strings.Cut(v, "/")
			return addr
		}
	}
	return ""
}
