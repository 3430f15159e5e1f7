package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
)

// ReadLines forwards trimmed lines from r into out until r is exhausted or
// ctx is cancelled, then closes out. Lines have no length limit. A full
// channel blocks the reader.
func ReadLines(ctx context.Context, r io.Reader, out chan<- string) error {
	defer close(out)

	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			select {
			case out <- strings.TrimSpace(line):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
