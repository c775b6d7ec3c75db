// Package redisstub runs an in-process RESP server that understands the
// handful of commands the upload rate limiter issues.
package redisstub

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	closed   chan struct{}
	once     sync.Once

	mu       sync.Mutex
	counters map[string]*counter
	commands []string
}

type counter struct {
	value  int64
	expiry time.Time
}

// Start listens on a loopback port and serves until Close.
func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		opts:     opts,
		listener: ln,
		closed:   make(chan struct{}),
		counters: make(map[string]*counter),
	}
	go s.serve()
	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Close() error {
	s.once.Do(func() {
		close(s.closed)
		_ = s.listener.Close()
	})
	return nil
}

// Commands lists every command name received, upper-cased, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				continue
			}
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readCommand(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			continue
		}
		name := strings.ToUpper(args[0])
		s.mu.Lock()
		s.commands = append(s.commands, name)
		s.mu.Unlock()

		switch {
		case name == "HELLO":
			writeError(writer, "ERR unknown command 'HELLO'")
		case name == "AUTH":
			if len(args) >= 2 && args[len(args)-1] == s.opts.Password {
				authenticated = true
				writeSimple(writer, "OK")
			} else {
				writeError(writer, "WRONGPASS invalid username-password pair")
			}
		case !authenticated:
			writeError(writer, "NOAUTH Authentication required.")
		case name == "PING":
			writeSimple(writer, "PONG")
		case name == "SELECT", name == "CLIENT":
			writeSimple(writer, "OK")
		case name == "INCR" && len(args) == 2:
			writeInt(writer, s.incr(args[1]))
		case name == "EXPIRE" && len(args) >= 3:
			seconds, convErr := strconv.ParseInt(args[2], 10, 64)
			if convErr != nil {
				writeError(writer, "ERR value is not an integer or out of range")
				break
			}
			writeInt(writer, s.expire(args[1], time.Duration(seconds)*time.Second))
		case name == "TTL" && len(args) == 2:
			writeInt(writer, s.ttl(args[1]))
		default:
			writeError(writer, fmt.Sprintf("ERR unknown command '%s'", args[0]))
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) lookupLocked(key string) *counter {
	entry, ok := s.counters[key]
	if !ok {
		return nil
	}
	if !entry.expiry.IsZero() && !time.Now().Before(entry.expiry) {
		delete(s.counters, key)
		return nil
	}
	return entry
}

func (s *Server) incr(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookupLocked(key)
	if entry == nil {
		entry = &counter{}
		s.counters[key] = entry
	}
	entry.value++
	return entry.value
}

func (s *Server) expire(key string, ttl time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookupLocked(key)
	if entry == nil {
		return 0
	}
	entry.expiry = time.Now().Add(ttl)
	return 1
}

func (s *Server) ttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookupLocked(key)
	switch {
	case entry == nil:
		return -2
	case entry.expiry.IsZero():
		return -1
	default:
		remaining := time.Until(entry.expiry).Round(time.Second)
		return int64(remaining / time.Second)
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if line == "" {
		return nil, nil
	}
	if line[0] != '*' {
		return strings.Fields(line), nil
	}
	count, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, fmt.Errorf("bad array header %q", line)
	}
	args := make([]string, 0, count)
	for i := 0; i < count; i++ {
		header, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if header == "" || header[0] != '$' {
			return nil, fmt.Errorf("expected bulk string, got %q", header)
		}
		size, err := strconv.Atoi(header[1:])
		if err != nil || size < 0 {
			return nil, fmt.Errorf("bad bulk length %q", header)
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func writeSimple(w *bufio.Writer, msg string) {
	_, _ = w.WriteString("+" + msg + "\r\n")
}

func writeError(w *bufio.Writer, msg string) {
	_, _ = w.WriteString("-" + msg + "\r\n")
}

func writeInt(w *bufio.Writer, n int64) {
	_, _ = w.WriteString(":" + strconv.FormatInt(n, 10) + "\r\n")
}
