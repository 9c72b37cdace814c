package network

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"

	"github.com/lianatorpey/pbx/internal/tu"
)

// serve owns one accepted connection for its entire lifetime: it creates
// the TU, registers it, reads commands until EOF or a fatal write error,
// and unregisters on the way out. Grounded on pbx_client_service's
// per-connection loop in original_source/src/server.c.
func (s *Server) serve(conn net.Conn) {
	connID := uuid.NewString()
	logger := log.With(s.logger, "conn", connID)

	defer func() {
		if r := recover(); r != nil {
			level.Error(logger).Log("msg", "panic in connection worker", "err", fmt.Sprintf("%v", r))
		}
	}()

	unit := tu.New(conn, logger)
	defer unit.Unref()

	ext, err := s.registry.Register(unit)
	if err != nil {
		level.Info(logger).Log("msg", "registration refused", "err", err)
		_ = conn.Close()
		return
	}
	logger = log.With(logger, "extension", ext)
	level.Debug(logger).Log("msg", "connection accepted")

	reader := bufio.NewReader(conn)
	for {
		line, err := readLine(reader)
		if err != nil {
			if !errors.Is(err, errConnClosed) {
				level.Info(logger).Log("msg", "connection read ended", "err", err)
			}
			break
		}
		s.dispatch(unit, logger, line)
	}

	if err := s.registry.Unregister(unit); err != nil {
		level.Warn(logger).Log("msg", "unregister failed", "err", err)
	}
	level.Debug(logger).Log("msg", "connection closed")
}

var errConnClosed = errors.New("network: connection closed")

// readLine reads one \r\n-terminated line, tolerating partial reads across
// multiple underlying Read calls and lines of unbounded length, per
// spec.md's wire protocol. The trailing \r\n is stripped.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if len(line) == 0 {
			return "", errConnClosed
		}
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	return line, nil
}

// dispatch parses one command line and invokes the matching tu.TU method.
// Unrecognized commands are logged and otherwise ignored, matching
// spec.md §7's "unparseable input" category: no state change, no reply
// beyond whatever an already-pending notification produced.
func (s *Server) dispatch(unit *tu.TU, logger log.Logger, line string) {
	verb, rest := splitCommand(line)
	switch verb {
	case "pickup":
		if err := unit.Pickup(); err != nil {
			level.Debug(logger).Log("msg", "pickup", "err", err)
		}
	case "hangup":
		if err := unit.Hangup(); err != nil {
			level.Debug(logger).Log("msg", "hangup", "err", err)
		}
	case "chat":
		if err := unit.Chat(rest); err != nil {
			level.Debug(logger).Log("msg", "chat", "err", err)
		}
	case "dial":
		ext, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			level.Info(logger).Log("msg", "dial: invalid extension", "arg", rest)
			return
		}
		if err := s.registry.Dial(unit, ext); err != nil {
			level.Debug(logger).Log("msg", "dial", "target", ext, "err", err)
		}
	default:
		level.Info(logger).Log("msg", "unrecognized command", "line", line)
	}
}

// splitCommand splits a command line at its first space into the verb and
// the untrimmed remainder of the line (dispatch trims it for dial and passes
// it verbatim to chat).
func splitCommand(line string) (verb, rest string) {
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return line, ""
	}
	return line[:i], line[i+1:]
}
