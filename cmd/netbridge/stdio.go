package main

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-netbridge/bridge"
	"github.com/wippyai/wasm-netbridge/errors"
)

// maxRequestLine bounds a single JSON-RPC request read from stdin.
const maxRequestLine = 16 << 20

// runStdio forwards request lines from in to the target chain and writes
// responses to out until in is exhausted, ctx is cancelled or the guest dies.
func runStdio(ctx context.Context, s *session, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), maxRequestLine)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case crash := <-s.crashed:
			return errors.GuestPanic(crash.Message, crash.Task)

		case <-s.done:
			return s.runErr

		case response := <-s.responses:
			if _, err := fmt.Fprintln(out, response); err != nil {
				return err
			}

		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := s.send(ctx, line); err != nil {
				if stderrors.Is(err, bridge.ErrTooManyRequests) {
					s.logger.Warn("request dropped", zap.Error(err))
					continue
				}
				return err
			}
		}
	}
}
