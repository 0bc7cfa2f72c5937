package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// VerifyResult describes an audit log after walking its hash chain.
type VerifyResult struct {
	Valid     bool           `json:"valid"`
	Lines     int            `json:"lines"`
	ByKind    map[string]int `json:"by_kind,omitempty"`
	First     string         `json:"first,omitempty"`
	Last      string         `json:"last,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorLine int            `json:"error_line,omitempty"`
}

// Summary is a one-line description for operators.
func (r VerifyResult) Summary() string {
	if !r.Valid {
		if r.ErrorLine > 0 {
			return fmt.Sprintf("chain broken at line %d: %s", r.ErrorLine, r.Error)
		}
		return r.Error
	}
	if r.Lines == 0 {
		return "empty log"
	}
	return fmt.Sprintf("%d entries (%d decisions, %d executions, %d escalations, %d assignments), %s .. %s",
		r.Lines, r.ByKind[KindDecision], r.ByKind[KindExecution], r.ByKind[KindEscalation], r.ByKind[KindAssignment],
		r.First, r.Last)
}

// Verify opens path and checks its hash chain.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()
	return VerifyReader(f)
}

// VerifyReader checks that every entry's prev_hash matches the hash of the
// line before it, starting from GenesisHash. Counting stops at the first
// broken link.
func VerifyReader(r io.Reader) VerifyResult {
	res := VerifyResult{ByKind: map[string]int{}}
	expected := GenesisHash

	err := scanLines(r, func(n int, line []byte) error {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			res.Error, res.ErrorLine = fmt.Sprintf("parse error: %v", err), n
			return errStop
		}
		if e.PrevHash != expected {
			res.ErrorLine = n
			if n == 1 {
				res.Error = fmt.Sprintf("first entry prev_hash is %q, expected genesis hash", e.PrevHash)
			} else {
				res.Error = fmt.Sprintf("hash mismatch: expected %s, got %s", expected, e.PrevHash)
			}
			return errStop
		}
		expected = HashLine(line)
		res.Lines = n
		res.ByKind[e.Kind]++
		if res.First == "" {
			res.First = e.Timestamp
		}
		res.Last = e.Timestamp
		return nil
	})
	if err != nil {
		res.Error = fmt.Sprintf("scan: %v", err)
		return res
	}
	res.Valid = res.Error == ""
	return res
}
