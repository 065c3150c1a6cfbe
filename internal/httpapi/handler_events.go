package httpapi

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ade-run/ade/internal/apierr"
	"github.com/ade-run/ade/internal/authn"
	"github.com/ade-run/ade/internal/models"
)

var eventStreamUpgrader = websocket.Upgrader{
	ReadBufferSize:  4 << 10,
	WriteBufferSize: 4 << 10,
	// Workspace membership is already enforced by requireWorkspaceMember;
	// the browser's Origin is not a trust boundary here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const eventStreamPollInterval = 500 * time.Millisecond

// handleStreamRunEvents upgrades to a websocket and tails a run's NDJSON
// event log, pushing each new line as it's appended. This is a read-only
// convenience over an already-persisted append-only file, not a channel
// for partial results from a still-running subprocess.
func (s *Server) handleStreamRunEvents(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requireRole(w, r, authn.RoleWorkspaceViewer)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil || run.WorkspaceID != scope.Workspace.ID {
		writeProblem(w, r, s.log, apierr.NotFound("run", id))
		return
	}

	logPath, err := s.paths.RunEventLogPath(scope.Workspace.ID, run.ID)
	if err != nil {
		writeProblem(w, r, s.log, apierr.Internal("resolve event log path", err))
		return
	}

	conn, err := eventStreamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithContext(r.Context()).WithFields(map[string]any{
			"run_id": run.ID,
			"error":  err,
		}).Warn("event stream upgrade failed")
		return
	}
	defer conn.Close()

	if err := s.tailEventLog(r.Context(), conn, logPath, run.Status); err != nil {
		s.log.WithContext(r.Context()).WithFields(map[string]any{
			"run_id": run.ID,
			"error":  err,
		}).Debug("event stream ended")
	}
}

// tailEventLog polls logPath for newly appended lines and forwards each as
// a websocket text message until the client disconnects. When
// initialStatus is already terminal it also closes once the file stops
// growing; a run that finishes while the stream is open is not detected,
// so that stream stays open until the client disconnects.
func (s *Server) tailEventLog(ctx context.Context, conn *websocket.Conn, logPath, initialStatus string) error {
	ticker := time.NewTicker(eventStreamPollInterval)
	defer ticker.Stop()

	var offset int64
	terminal := isTerminalRunStatus(initialStatus)
	idleRounds := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		newOffset, lines, err := readNewLines(logPath, offset)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		offset = newOffset

		for _, line := range lines {
			if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
				return err
			}
		}

		if len(lines) > 0 {
			idleRounds = 0
			continue
		}
		if !terminal {
			continue
		}
		// The run was already terminal when we started watching and this
		// poll produced nothing new: give it one more round in case a
		// trailing flush lands late, then close out.
		idleRounds++
		if idleRounds >= 2 {
			return conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run complete"))
		}
	}
}

// readNewLines reads every complete line appended to path since offset,
// returning the new offset to resume from.
func readNewLines(path string, offset int64) (int64, [][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return offset, nil, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, nil, err
	}

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var consumed int64
	for scanner.Scan() {
		line := scanner.Bytes()
		consumed += int64(len(line)) + 1
		cp := make([]byte, len(line))
		copy(cp, line)
		lines = append(lines, cp)
	}
	if err := scanner.Err(); err != nil {
		return offset, lines, err
	}
	return offset + consumed, lines, nil
}

func isTerminalRunStatus(status string) bool {
	switch status {
	case models.RunStatusSucceeded, models.RunStatusFailed, models.RunStatusCancelled:
		return true
	default:
		return false
	}
}
