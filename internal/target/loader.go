package target

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// maxLineBytes bounds a single queue record. Longer lines are rejected like
// any other bad record.
const maxLineBytes = 1 << 20

// Options tune how raw records are normalized.
type Options struct {
	DefaultCountryCode string
	Logger             *slog.Logger
}

// Loaded is the parsed queue.
type Loaded struct {
	Targets []Target
	// Rejected counts lines that were oversized or unparsable, had neither
	// id nor phone, or repeated an earlier target_id.
	Rejected int
}

// Load reads an NDJSON queue file. Bad lines are skipped, never fatal; only
// an unreadable file is an error.
func Load(path string, opts Options) (*Loaded, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	defer f.Close()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	out := &Loaded{}
	seen := make(map[string]bool)

	r := bufio.NewReaderSize(f, 64*1024)
	lineNo := 0
	for {
		raw, oversized, err := readLine(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read queue: %w", err)
		}
		lineNo++
		if oversized {
			logger.Warn("skipping oversized queue line", "line", lineNo, "limit_bytes", maxLineBytes)
			out.Rejected++
			continue
		}
		line := strings.TrimSpace(string(raw))
		if line == "" {
			continue
		}

		var t Target
		if err := json.Unmarshal([]byte(line), &t); err != nil {
			logger.Warn("skipping unparsable queue line", "line", lineNo, "error", err)
			out.Rejected++
			continue
		}

		t.ID = strings.TrimSpace(t.ID)
		t.CampaignID = strings.TrimSpace(t.CampaignID)
		rawPhone := t.Phone
		t.Phone = NormalizePhone(rawPhone, opts.DefaultCountryCode)

		if t.ID == "" && t.Phone == "" {
			logger.Warn("dropping queue record without target_id or phone", "line", lineNo)
			out.Rejected++
			continue
		}
		if t.ID == "" {
			t.ID = t.Phone
		}
		if seen[t.ID] {
			logger.Warn("dropping duplicate target", "line", lineNo, "target_id", t.ID)
			out.Rejected++
			continue
		}
		seen[t.ID] = true

		if t.Phone == "" && strings.TrimSpace(rawPhone) != "" {
			logger.Debug("unresolvable phone number", "line", lineNo, "target_id", t.ID)
		}

		t.Seq = len(out.Targets)
		out.Targets = append(out.Targets, t)
	}
	return out, nil
}

// readLine returns the next line without its newline. A line longer than
// maxLineBytes is consumed but not buffered, and reported as oversized. io.EOF
// is returned only when no line remains.
func readLine(r *bufio.Reader) ([]byte, bool, error) {
	var buf []byte
	oversized := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !oversized {
			if len(buf)+len(chunk) > maxLineBytes+1 {
				oversized, buf = true, nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err == nil:
		case errors.Is(err, io.EOF):
			if len(buf) == 0 && !oversized {
				return nil, false, io.EOF
			}
		default:
			return nil, false, err
		}
		buf = bytes.TrimSuffix(buf, []byte("\n"))
		if len(buf) > maxLineBytes {
			return nil, true, nil
		}
		return buf, oversized, nil
	}
}
