package history

import (
	"bufio"
	"os"
)

// AuditLogger appends newline-delimited audit events to a plain text
// file, matching the persisted-state shape described for admin
// actions (backend register/remove, config changes).
type AuditLogger struct {
	path string
}

// NewAuditLogger builds a logger writing to path; an empty path
// disables persistence and Append becomes a no-op.
func NewAuditLogger(path string) *AuditLogger {
	return &AuditLogger{path: path}
}

// Append writes one audit line, opening and closing the file each
// call so concurrent admin requests never interleave partial writes.
func (a *AuditLogger) Append(line string) error {
	if a.path == "" {
		return nil
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

// TailLines returns up to n trailing lines of the audit log, oldest
// first. No third-party tailing library appears anywhere in the
// corpus, so this reads the whole file with bufio.Scanner and keeps
// only the trailing window — acceptable for an admin debug endpoint,
// not a high-throughput log shipper.
func (a *AuditLogger) TailLines(n int) ([]string, error) {
	if a.path == "" || n <= 0 {
		return nil, nil
	}
	f, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	ring := make([]string, n)
	pos, filled := 0, false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		ring[pos] = scanner.Text()
		pos = (pos + 1) % n
		if pos == 0 {
			filled = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if !filled {
		return ring[:pos], nil
	}
	out := make([]string, n)
	copy(out, ring[pos:])
	copy(out[n-pos:], ring[:pos])
	return out, nil
}
