package audit

import (
	"bufio"
	"errors"
	"io"
)

const maxLineSize = 1024 * 1024

// errStop ends a scan early without reporting an error.
var errStop = errors.New("stop")

// scanLines calls fn for every line in r with its 1-based number. fn may
// retain line. Returning errStop ends the scan cleanly.
func scanLines(r io.Reader, fn func(n int, line []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	n := 0
	for scanner.Scan() {
		n++
		line := append([]byte(nil), scanner.Bytes()...)
		if err := fn(n, line); err != nil {
			if errors.Is(err, errStop) {
				return nil
			}
			return err
		}
	}
	return scanner.Err()
}
