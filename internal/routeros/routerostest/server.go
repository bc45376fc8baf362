// Package routerostest runs an in-process fake RouterOS API server on loopback
// for tests. It understands enough of the hotspot menu to create, update,
// print and remove users and active sessions.
package routerostest

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RAYMONDNJOROGE/uptime-final/internal/routeros"
)

const (
	DefaultUser     = "admin"
	DefaultPassword = "secret"
	loginFailure    = "invalid user name or password (6)"
)

// Option configures a Server.
type Option func(*Server)

// WithChallengeLogin makes the server use the pre-6.43 MD5 challenge login.
func WithChallengeLogin() Option {
	return func(s *Server) { s.challenge = true }
}

// WithCredentials sets the accepted API login.
func WithCredentials(user, password string) Option {
	return func(s *Server) { s.user, s.password = user, password }
}

// WithIdentity sets the value returned by /system/identity/print.
func WithIdentity(name string) Option {
	return func(s *Server) { s.identity = name }
}

type fault struct {
	message string
	times   int
}

// Server is a fake router. The zero value is not usable; call NewServer.
type Server struct {
	ln        net.Listener
	user      string
	password  string
	challenge bool
	identity  string

	mu          sync.Mutex
	nextID      int
	users       map[string]map[string]string // .id -> attributes
	active      map[string]map[string]string
	profiles    []map[string]string
	faults      map[string]*fault
	hang        map[string]bool
	connections int
	logins      int
	commands    []string
	quits       int

	wg     sync.WaitGroup
	closed chan struct{}
}

// NewServer starts a fake router listening on 127.0.0.1 and registers its
// shutdown with t.Cleanup.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("routerostest: listen: %v", err)
	}
	s := &Server{
		ln:       ln,
		user:     DefaultUser,
		password: DefaultPassword,
		identity: "MikroTik",
		users:    make(map[string]map[string]string),
		active:   make(map[string]map[string]string),
		faults:   make(map[string]*fault),
		hang:     make(map[string]bool),
		closed:   make(chan struct{}),
		profiles: []map[string]string{
			{".id": "*0", "name": "default", "shared-users": "1"},
			{".id": "*1", "name": "30_Minutes", "shared-users": "1"},
			{".id": "*2", "name": "24_Hours", "shared-users": "1"},
		},
	}
	for _, o := range opts {
		o(s)
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the listening host and port.
func (s *Server) Addr() (string, int) {
	a := s.ln.Addr().(*net.TCPAddr)
	return a.IP.String(), a.Port
}

// Dialer returns a routeros.Dialer for this server with short timeouts and no
// backoff sleep.
func (s *Server) Dialer() *routeros.Dialer {
	host, port := s.Addr()
	return &routeros.Dialer{
		Host:             host,
		Port:             port,
		Username:         s.user,
		Password:         s.password,
		ConnectTimeout:   time.Second,
		ReadTimeout:      2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		ConnectAttempts:  2,
		Sleep:            func(ctx context.Context, d time.Duration) error { return nil },
	}
}

// Close stops the listener and waits for connection handlers.
func (s *Server) Close() {
	select {
	case <-s.closed:
		return
	default:
		close(s.closed)
	}
	_ = s.ln.Close()
	s.wg.Wait()
}

// AddUser seeds a hotspot user and returns its .id.
func (s *Server) AddUser(attrs map[string]string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(s.users, attrs)
}

// AddActive seeds an active hotspot session and returns its .id.
func (s *Server) AddActive(user, address, mac string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(s.active, map[string]string{
		"user":        user,
		"address":     address,
		"mac-address": mac,
		"uptime":      "5m",
		"bytes-in":    "1024",
		"bytes-out":   "2048",
	})
}

// User returns a copy of the named hotspot user.
func (s *Server) User(name string) (map[string]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u["name"] == name {
			return copyMap(u), true
		}
	}
	return nil, false
}

// UserCount is the number of hotspot users on the fake router.
func (s *Server) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// ActiveCount is the number of active sessions.
func (s *Server) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Connections is the number of accepted TCP connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// Logins is the number of successful API logins.
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Quits is the number of /quit commands received.
func (s *Server) Quits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quits
}

// Commands lists the command words received after login, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// FailCommand makes the next n invocations of command answer with a !trap
// carrying message.
func (s *Server) FailCommand(command, message string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[command] = &fault{message: message, times: n}
}

// HangCommand makes command go unanswered so the client hits its read timeout.
func (s *Server) HangCommand(command string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hang[command] = true
}

func (s *Server) insert(table map[string]map[string]string, attrs map[string]string) string {
	id := "*" + strings.ToUpper(strconv.FormatInt(int64(s.nextID+1), 16))
	s.nextID++
	rec := copyMap(attrs)
	rec[".id"] = id
	table[id] = rec
	return id
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.connections++
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handle(conn)
		}()
	}
}

type request struct {
	command string
	attrs   map[string]string
	queries map[string]string
}

func (s *Server) handle(conn net.Conn) {
	go func() {
		<-s.closed
		_ = conn.Close()
	}()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	loggedIn := false
	var challenge []byte

	for {
		req, err := readRequest(r)
		if err != nil {
			return
		}

		if !loggedIn {
			if req.command != "/login" {
				writeSentences(w, trap("not logged in"), done())
				continue
			}
			switch {
			case req.attrs["name"] == "":
				if s.challenge {
					challenge = []byte(fmt.Sprintf("%016x", time.Now().UnixNano()))[:16]
					writeSentences(w, []string{"!done", "=ret=" + hex.EncodeToString(challenge)})
				} else {
					writeSentences(w, done())
				}
			case s.checkLogin(req, challenge):
				loggedIn = true
				s.mu.Lock()
				s.logins++
				s.mu.Unlock()
				writeSentences(w, done())
			default:
				writeSentences(w, trap(loginFailure), done())
			}
			continue
		}

		if req.command == "/quit" {
			s.mu.Lock()
			s.quits++
			s.mu.Unlock()
			writeSentences(w, []string{"!fatal", "session terminated on request"})
			return
		}

		s.mu.Lock()
		s.commands = append(s.commands, req.command)
		if s.hang[req.command] {
			s.mu.Unlock()
			continue
		}
		if f, ok := s.faults[req.command]; ok && f.times > 0 {
			f.times--
			s.mu.Unlock()
			writeSentences(w, trap(f.message), done())
			continue
		}
		reply := s.dispatch(req)
		s.mu.Unlock()
		writeSentences(w, reply...)
	}
}

func (s *Server) checkLogin(req request, challenge []byte) bool {
	if req.attrs["name"] != s.user {
		return false
	}
	if resp, ok := req.attrs["response"]; ok {
		if challenge == nil {
			return false
		}
		h := md5.New()
		h.Write([]byte{0})
		h.Write([]byte(s.password))
		h.Write(challenge)
		return resp == "00"+hex.EncodeToString(h.Sum(nil))
	}
	return !s.challenge && req.attrs["password"] == s.password
}

// dispatch runs with s.mu held.
func (s *Server) dispatch(req request) [][]string {
	switch req.command {
	case "/ip/hotspot/user/print":
		return printTable(s.users, req.queries)
	case "/ip/hotspot/user/add":
		name := req.attrs["name"]
		if name == "" {
			return [][]string{trap("failure: name must be set"), done()}
		}
		for _, u := range s.users {
			if u["name"] == name {
				return [][]string{trap("failure: already have user with this name for this server"), done()}
			}
		}
		attrs := copyMap(req.attrs)
		attrs["uptime"] = "0s"
		attrs["disabled"] = "false"
		id := s.insert(s.users, attrs)
		return [][]string{{"!done", "=ret=" + id}}
	case "/ip/hotspot/user/set":
		u, ok := s.users[req.attrs[".id"]]
		if !ok {
			return [][]string{trap("no such item"), done()}
		}
		for k, v := range req.attrs {
			if k != ".id" {
				u[k] = v
			}
		}
		return [][]string{done()}
	case "/ip/hotspot/user/remove":
		return removeFrom(s.users, req.attrs[".id"])
	case "/ip/hotspot/active/print":
		return printTable(s.active, req.queries)
	case "/ip/hotspot/active/remove":
		return removeFrom(s.active, req.attrs[".id"])
	case "/ip/hotspot/user/profile/print":
		out := make([][]string, 0, len(s.profiles)+1)
		for _, p := range s.profiles {
			out = append(out, record(p))
		}
		return append(out, done())
	case "/system/identity/print":
		return [][]string{{"!re", "=name=" + s.identity}, done()}
	case "/system/resource/print":
		return [][]string{{
			"!re",
			"=uptime=1w2d3h",
			"=version=6.49.10 (long-term)",
			"=cpu-load=3",
			"=free-memory=24772608",
			"=total-memory=67108864",
			"=board-name=hAP ac^2",
		}, done()}
	}
	return [][]string{trap("no such command prefix"), done()}
}

func printTable(table map[string]map[string]string, queries map[string]string) [][]string {
	ids := make([]string, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out [][]string
	for _, id := range ids {
		rec := table[id]
		match := true
		for k, v := range queries {
			if rec[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, record(rec))
		}
	}
	return append(out, done())
}

func removeFrom(table map[string]map[string]string, id string) [][]string {
	if _, ok := table[id]; !ok {
		return [][]string{trap("no such item"), done()}
	}
	delete(table, id)
	return [][]string{done()}
}

func record(attrs map[string]string) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	words := []string{"!re"}
	for _, k := range keys {
		words = append(words, "="+k+"="+attrs[k])
	}
	return words
}

func trap(message string) []string { return []string{"!trap", "=message=" + message} }
func done() []string               { return []string{"!done"} }

func readRequest(r *bufio.Reader) (request, error) {
	req := request{attrs: map[string]string{}, queries: map[string]string{}}
	for {
		n, err := routeros.DecodeLength(r)
		if err != nil {
			return req, err
		}
		if n == 0 {
			if req.command == "" {
				continue
			}
			return req, nil
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return req, err
		}
		word := string(buf)
		switch {
		case req.command == "":
			req.command = word
		case strings.HasPrefix(word, "="):
			k, v, _ := strings.Cut(word[1:], "=")
			req.attrs[k] = v
		case strings.HasPrefix(word, "?"):
			k, v, _ := strings.Cut(word[1:], "=")
			req.queries[k] = v
		}
	}
}

func writeSentences(w *bufio.Writer, sentences ...[]string) {
	for _, words := range sentences {
		_, _ = w.Write(routeros.EncodeSentence(words...))
	}
	_ = w.Flush()
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
