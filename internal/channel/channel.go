// Package channel serves the bridge over a line-delimited JSON stream.
//
// Each input line is one request:
//
//	{"id": 1, "method": "createEvent", "arguments": {"title": "x", ...}}
//
// and produces exactly one output line carrying the same id and either a
// "result" or an "error" object. Requests run concurrently, so responses
// are written in completion order.
package channel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"calbridge/internal/bridge"
	appLog "calbridge/internal/log"
)

const maxLineBytes = 4 << 20

type request struct {
	ID        json.RawMessage `json:"id"`
	Method    string          `json:"method"`
	Arguments json.RawMessage `json:"arguments"`
}

type response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *bridge.Error   `json:"error,omitempty"`
}

// Server reads requests from r and writes responses to w.
type Server struct {
	router *bridge.Router

	wmu sync.Mutex
	w   io.Writer
}

// New binds a stream server to router and the output writer.
func New(router *bridge.Router, w io.Writer) *Server {
	return &Server{router: router, w: w}
}

// Serve consumes r until EOF or ctx cancellation, then waits for in-flight
// calls to answer. A read blocked in r is abandoned on cancellation.
func (s *Server) Serve(ctx context.Context, r io.Reader) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			buf := make([]byte, len(line))
			copy(buf, line)
			select {
			case lines <- buf:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				wg.Wait()
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("read requests: %w", err)
					}
				default:
				}
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handle(ctx, line)
			}()
		}
	}
}

func (s *Server) handle(ctx context.Context, line []byte) {
	var req request
	if err := decode(line, &req); err != nil {
		s.write(response{Error: invalid("malformed request: " + err.Error())})
		return
	}

	var bag bridge.ArgumentBag
	if len(req.Arguments) > 0 && !bytes.Equal(req.Arguments, []byte("null")) {
		if err := decode(req.Arguments, &bag); err != nil {
			s.write(response{ID: req.ID, Error: invalid("arguments must be a JSON object")})
			return
		}
	}

	resp := <-s.router.Go(ctx, req.Method, bag)
	s.write(response{ID: req.ID, Result: resp.Result, Error: resp.Err})
}

func (s *Server) write(resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		appLog.Error("channel: encode response", err, "id", string(resp.ID))
		return
	}
	data = append(data, '\n')

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.w.Write(data); err != nil {
		appLog.Error("channel: write response", err)
	}
}

func decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

func invalid(msg string) *bridge.Error {
	return &bridge.Error{Code: bridge.CodeInvalidArguments, Message: msg}
}
