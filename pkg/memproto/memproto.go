// Package memproto frames the memcached text protocol for the proxy.
// The proxy never interprets values; it only needs to know which command a
// request buffer carries and when a request or response is complete.
package memproto

import "bytes"

// Command is the detected request command.
type Command int

const (
	CmdNotDetected Command = iota
	CmdGet
	CmdSet
	CmdDelete
	CmdQuit
	CmdUnknown
)

var crlf = []byte("\r\n")

// String returns the wire name of the command.
func (c Command) String() string {
	switch c {
	case CmdGet:
		return "get"
	case CmdSet:
		return "set"
	case CmdDelete:
		return "delete"
	case CmdQuit:
		return "quit"
	case CmdNotDetected:
		return "not_detected"
	default:
		return "unknown"
	}
}

// DetectCommand inspects the start of a request buffer.
// It returns CmdNotDetected while the buffer is too short to decide,
// CmdUnknown when the first token is none of the recognized commands.
func DetectCommand(buf []byte) Command {
	if len(buf) == 0 {
		return CmdNotDetected
	}

	words := map[string]Command{
		"get":    CmdGet,
		"gets":   CmdGet,
		"set":    CmdSet,
		"delete": CmdDelete,
		"quit":   CmdQuit,
	}

	if tok, ok := firstToken(buf); ok {
		if cmd, known := words[string(tok)]; known {
			return cmd
		}
		return CmdUnknown
	}

	// No delimiter seen yet. If what we have so far is still a prefix of a
	// known command, keep waiting; otherwise the command can never match.
	for w := range words {
		if len(buf) <= len(w) && bytes.HasPrefix([]byte(w), buf) {
			return CmdNotDetected
		}
	}
	return CmdUnknown
}

// firstToken returns the bytes before the first space, CR or LF and whether the
// buffer contains such a delimiter yet.
func firstToken(buf []byte) ([]byte, bool) {
	for i, b := range buf {
		if b == ' ' || b == '\r' || b == '\n' {
			return buf[:i], true
		}
	}
	return nil, false
}

// CountRequestGet returns the number of logical request items in buf.
// For a get request that is the number of keys on the command line; for a
// set request it is the number of CRLF-terminated lines, so a complete
// "set" (command line plus payload line) counts 2.
func CountRequestGet(buf []byte, size int) int {
	if size > len(buf) {
		size = len(buf)
	}
	buf = buf[:size]

	switch DetectCommand(buf) {
	case CmdGet:
		line := buf
		if i := bytes.Index(buf, crlf); i >= 0 {
			line = buf[:i]
		}
		fields := bytes.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		return len(fields) - 1
	case CmdSet:
		return bytes.Count(buf, crlf)
	default:
		return 0
	}
}

// CountResponseGet returns the number of VALUE lines seen so far in a get
// response buffer.
func CountResponseGet(buf []byte, size int) int {
	if size > len(buf) {
		size = len(buf)
	}
	buf = buf[:size]

	n := 0
	for len(buf) > 0 {
		if bytes.HasPrefix(buf, []byte("VALUE ")) {
			n++
		}
		i := bytes.Index(buf, crlf)
		if i < 0 {
			break
		}
		buf = buf[i+2:]
	}
	return n
}
