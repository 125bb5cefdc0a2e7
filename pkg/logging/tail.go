package logging

import (
	"bytes"
	"io"
	"os"
	"strings"
)

// tailReadBlock is the chunk size used when scanning a file backwards.
const tailReadBlock = 4096

// Tail returns up to n trailing lines of the file at path. A missing or
// empty file yields an empty slice, not an error, since callers use the
// result as optional context.
func Tail(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := info.Size()
	if size == 0 {
		return nil, nil
	}

	var buf []byte
	offset := size
	for offset > 0 && bytes.Count(buf, []byte{'\n'}) <= n {
		block := int64(tailReadBlock)
		if offset < block {
			block = offset
		}
		offset -= block

		chunk := make([]byte, block)
		if _, err := f.ReadAt(chunk, offset); err != nil && err != io.EOF {
			return nil, err
		}
		buf = append(chunk, buf...)
	}

	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	if offset > 0 && len(lines) > 0 {
		// The scan stopped mid-file, so the first line may be partial.
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out, nil
}
