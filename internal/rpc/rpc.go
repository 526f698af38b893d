// Package rpc is the JSON-over-Unix-socket request router (spec §4.6
// "Wire protocol"): one newline-delimited JSON request decoded per
// connection, dispatched to internal/manager under no lock of its
// own (the manager already serializes itself), and exactly one
// newline-delimited JSON response written back before the connection
// closes. Grounded on the teacher's rpc_server.go handler-map
// dispatch style (orbstack-swift-nio/scon/rpc_server.go uses
// creachadair/jrpc2; this package keeps that "method name -> handler
// func" shape but drops jrpc2 itself, since its JSON-RPC 2.0 envelope
// does not match the spec's flat {method,endpoint,body} framing — see
// DESIGN.md's Open Question decision on the wire format).
package rpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/2a46m4/kawakaze/internal/bootstrap"
	"github.com/2a46m4/kawakaze/internal/build"
	"github.com/2a46m4/kawakaze/internal/manager"
	"github.com/2a46m4/kawakaze/internal/types"
)

// Request is one decoded line of client input (§6 "Request/response
// JSON schema"): method is lowercase, endpoint is a slash-separated
// path with no leading slash.
type Request struct {
	Method   string          `json:"method"`
	Endpoint string          `json:"endpoint"`
	Body     json.RawMessage `json:"body"`
}

// ApiError is the closed, uppercase-snake error code vocabulary of §7.
type ApiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is the wire envelope returned for every request, success or
// failure (§6 "Response").
type Response struct {
	Status int         `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  *ApiError   `json:"error,omitempty"`
}

func ok(status int, data interface{}) Response {
	return Response{Status: status, Data: data}
}

func fail(status int, code, message string) Response {
	return Response{Status: status, Error: &ApiError{Code: code, Message: message}}
}

// Server handles each accepted connection in its own goroutine,
// handles exactly one request/response exchange on it, then closes it
// per §4.6 ("the server breaks the loop after the first reply").
type Server struct {
	mgr        *manager.Manager
	socketPath string
	listener   net.Listener

	// RequestTimeout bounds one request/response exchange (§6
	// api.timeout); the whole connection is deadlined with it.
	RequestTimeout time.Duration
}

// NewServer constructs a Server bound to socketPath, not yet listening.
func NewServer(mgr *manager.Manager, socketPath string) *Server {
	return &Server{mgr: mgr, socketPath: socketPath, RequestTimeout: 30 * time.Second}
}

// Listen binds the Unix socket, removing any stale socket file left by
// a previous unclean shutdown, and sets its permissions to 0600 (§6).
func (s *Server) Listen() error {
	if _, err := os.Stat(s.socketPath); err == nil {
		if err := os.Remove(s.socketPath); err != nil {
			return err
		}
	}
	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		l.Close()
		return err
	}
	s.listener = l
	return nil
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// Serve accepts connections until the listener is closed, handling
// each one in its own goroutine (§5: across concurrent connections no
// ordering is guaranteed).
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if s.RequestTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(s.RequestTimeout)); err != nil {
			logrus.WithError(err).Debug("failed to set connection deadline")
		}
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeResponse(conn, fail(400, "BAD_REQUEST", "failed to read request: "+err.Error()))
		return
	}

	var req Request
	if jsonErr := json.Unmarshal([]byte(strings.TrimSpace(line)), &req); jsonErr != nil {
		s.writeResponse(conn, fail(400, "BAD_REQUEST", "malformed request: "+jsonErr.Error()))
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	enc, err := json.Marshal(resp)
	if err != nil {
		logrus.WithError(err).Error("failed to marshal rpc response")
		return
	}
	enc = append(enc, '\n')
	if _, err := conn.Write(enc); err != nil {
		logrus.WithError(err).Debug("failed to write rpc response")
	}
}

// dispatch routes a decoded Request to the matching manager operation.
// Unknown endpoint/method combinations and malformed bodies resolve to
// 400 BAD_REQUEST (§7 "unknown endpoint or method/endpoint mismatch").
func (s *Server) dispatch(req Request) Response {
	method := strings.ToLower(req.Method)
	segments := splitEndpoint(req.Endpoint)
	if len(segments) == 0 {
		return fail(400, "BAD_REQUEST", "empty endpoint")
	}

	switch segments[0] {
	case "jails":
		return s.dispatchJails(method, segments[1:], req.Body)
	case "images":
		return s.dispatchImages(method, segments[1:], req.Body)
	case "containers":
		return s.dispatchContainers(method, segments[1:], req.Body)
	case "system":
		return s.dispatchSystem(method, segments[1:])
	default:
		return fail(400, "BAD_REQUEST", "unknown endpoint "+req.Endpoint)
	}
}

// dispatchSystem serves the supplemented health/version endpoint
// (SPEC_FULL.md "Supplemented Features" item 3), not part of §4.6's
// endpoint table but non-conflicting with it.
func (s *Server) dispatchSystem(method string, rest []string) Response {
	if len(rest) == 1 && rest[0] == "info" && method == "get" {
		return ok(200, s.mgr.SystemInfo())
	}
	return fail(400, "BAD_REQUEST", "unknown system endpoint")
}

func splitEndpoint(endpoint string) []string {
	trimmed := strings.Trim(endpoint, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// ---- jails ----

type createJailBody struct {
	Name           string                `json:"name"`
	Path           string                `json:"path"`
	IP             string                `json:"ip"`
	Bootstrap      bool                  `json:"bootstrap"`
	ResourceLimits *types.ResourceLimits `json:"resource_limits"`
}

type bootstrapBody struct {
	Version      string `json:"version"`
	Architecture string `json:"architecture"`
	Mirror       string `json:"mirror"`
	NoCache      bool   `json:"no_cache"`
}

func (s *Server) dispatchJails(method string, rest []string, body json.RawMessage) Response {
	switch {
	case len(rest) == 0 && method == "get":
		return ok(200, s.mgr.ListJails())

	case len(rest) == 0 && method == "post":
		var b createJailBody
		if err := json.Unmarshal(body, &b); err != nil {
			return fail(400, "BAD_REQUEST", "malformed jail body: "+err.Error())
		}
		j, err := s.mgr.CreateJail(manager.JailRequest{Name: b.Name, Path: b.Path, IPv4: b.IP, ResourceLimits: b.ResourceLimits})
		if err != nil {
			return mapError(err, "JAIL")
		}
		if b.Bootstrap {
			if bErr := s.mgr.BootstrapJail(bootstrap.Options{JailRoot: j.Path}, j.Name); bErr != nil {
				logrus.WithError(bErr).WithField("jail", j.Name).Warn("failed to start requested bootstrap")
			}
		}
		return ok(201, j)

	case len(rest) == 1 && method == "get":
		j, err := s.mgr.GetJail(rest[0])
		if err != nil {
			return mapError(err, "JAIL")
		}
		return ok(200, j)

	case len(rest) == 1 && method == "delete":
		if err := s.mgr.RemoveJail(rest[0]); err != nil {
			return mapError(err, "JAIL")
		}
		return ok(200, nil)

	case len(rest) == 2 && rest[1] == "start" && method == "post":
		j, err := s.mgr.StartJail(rest[0])
		if err != nil {
			return mapError(err, "JAIL")
		}
		return ok(200, j)

	case len(rest) == 2 && rest[1] == "stop" && method == "post":
		j, err := s.mgr.StopJail(rest[0])
		if err != nil {
			return mapError(err, "JAIL")
		}
		return ok(200, j)

	case len(rest) == 2 && rest[1] == "bootstrap" && method == "post":
		var b bootstrapBody
		if len(body) > 0 {
			if err := json.Unmarshal(body, &b); err != nil {
				return fail(400, "BAD_REQUEST", "malformed bootstrap body: "+err.Error())
			}
		}
		j, err := s.mgr.GetJail(rest[0])
		if err != nil {
			return mapError(err, "JAIL")
		}
		opts := bootstrap.Options{
			JailRoot: j.Path, Version: b.Version, Architecture: b.Architecture,
			MirrorBase: b.Mirror, NoCache: b.NoCache,
		}
		if err := s.mgr.BootstrapJail(opts, rest[0]); err != nil {
			return mapError(err, "JAIL")
		}
		return ok(202, map[string]string{"status": "BOOTSTRAP_STARTED", "jail": rest[0]})

	case len(rest) == 3 && rest[1] == "bootstrap" && rest[2] == "status" && method == "get":
		p, found := s.mgr.BootstrapStatus(rest[0])
		if !found {
			return fail(404, "NOT_FOUND", "no bootstrap run found for jail "+rest[0])
		}
		return ok(200, p)

	default:
		return fail(400, "BAD_REQUEST", "unknown jails endpoint")
	}
}

// ---- images ----

type buildBody struct {
	Dockerfile string            `json:"dockerfile"`
	BuildArgs  map[string]string `json:"build_args"`
	ImageName  string            `json:"image_name"`
	ContextDir string            `json:"context_dir"`
}

func (s *Server) dispatchImages(method string, rest []string, body json.RawMessage) Response {
	switch {
	case len(rest) == 0 && method == "get":
		return ok(200, s.mgr.ListImages())

	case len(rest) == 1 && rest[0] == "build" && method == "post":
		var b buildBody
		if err := json.Unmarshal(body, &b); err != nil {
			return fail(400, "BAD_REQUEST", "malformed build body: "+err.Error())
		}
		if b.ImageName == "" {
			return fail(400, "BAD_REQUEST", "image_name is required")
		}
		req := build.Request{
			Dockerfile: b.Dockerfile, BuildArgs: b.BuildArgs,
			ImageName: b.ImageName, ContextDir: b.ContextDir,
		}
		if err := s.mgr.BuildImage(req); err != nil {
			return mapError(err, "IMAGE")
		}
		return ok(202, map[string]string{"status": "BUILD_STARTED", "image_name": b.ImageName})

	case len(rest) == 1 && method == "get":
		img, err := s.mgr.ResolveImage(rest[0])
		if err != nil {
			return mapError(err, "IMAGE")
		}
		return ok(200, img)

	case len(rest) == 1 && method == "delete":
		if err := s.mgr.DeleteImage(rest[0]); err != nil {
			return mapError(err, "IMAGE")
		}
		return ok(200, nil)

	case len(rest) == 2 && rest[1] == "history" && method == "get":
		img, err := s.mgr.ResolveImage(rest[0])
		if err != nil {
			return mapError(err, "IMAGE")
		}
		history := []*types.Image{img}
		for img.ParentID != "" {
			parent, err := s.mgr.ResolveImage(img.ParentID)
			if err != nil {
				break
			}
			history = append(history, parent)
			img = parent
		}
		return ok(200, history)

	case len(rest) == 3 && rest[1] == "build" && rest[2] == "status" && method == "get":
		p, found := s.mgr.BuildStatus(rest[0])
		if !found {
			return fail(404, "NOT_FOUND", "no build found for image "+rest[0])
		}
		return ok(200, p)

	default:
		return fail(400, "BAD_REQUEST", "unknown images endpoint")
	}
}

// ---- containers ----

type createContainerBody struct {
	Name           string                `json:"name"`
	Image          string                `json:"image"`
	Ports          []types.PortMapping   `json:"ports"`
	Mounts         []types.Mount         `json:"mounts"`
	RestartPolicy  types.RestartPolicy   `json:"restart_policy"`
	ResourceLimits *types.ResourceLimits `json:"resource_limits"`
}

type execBody struct {
	Command []string          `json:"command"`
	Env     map[string]string `json:"env"`
	Workdir string            `json:"workdir"`
}

func (s *Server) dispatchContainers(method string, rest []string, body json.RawMessage) Response {
	switch {
	case len(rest) == 0 && method == "get":
		return ok(200, s.mgr.ListContainers())

	case len(rest) == 1 && rest[0] == "create" && method == "post":
		var b createContainerBody
		if err := json.Unmarshal(body, &b); err != nil {
			return fail(400, "BAD_REQUEST", "malformed container body: "+err.Error())
		}
		if b.Image == "" {
			return fail(400, "BAD_REQUEST", "image is required")
		}
		restart := b.RestartPolicy
		if restart == "" {
			restart = types.RestartNo
		}
		c, err := s.mgr.CreateContainer(b.Name, b.Image, b.Ports, b.Mounts, restart, b.ResourceLimits)
		if err != nil {
			return mapError(err, "CONTAINER")
		}
		return ok(201, c)

	case len(rest) == 1 && method == "get":
		c, err := s.mgr.GetContainer(rest[0])
		if err != nil {
			return mapError(err, "CONTAINER")
		}
		return ok(200, c)

	case len(rest) == 1 && method == "delete":
		if err := s.mgr.RemoveContainer(rest[0]); err != nil {
			return mapError(err, "CONTAINER")
		}
		return ok(200, nil)

	case len(rest) == 2 && rest[1] == "start" && method == "post":
		c, err := s.mgr.StartContainer(rest[0])
		if err != nil {
			return mapError(err, "CONTAINER")
		}
		return ok(200, c)

	case len(rest) == 2 && rest[1] == "stop" && method == "post":
		c, err := s.mgr.StopContainer(rest[0])
		if err != nil {
			return mapError(err, "CONTAINER")
		}
		return ok(200, c)

	case len(rest) == 2 && rest[1] == "exec" && method == "post":
		var b execBody
		if err := json.Unmarshal(body, &b); err != nil {
			return fail(400, "BAD_REQUEST", "malformed exec body: "+err.Error())
		}
		if len(b.Command) == 0 {
			return fail(400, "BAD_REQUEST", "command is required")
		}
		res, err := s.mgr.ContainerExec(rest[0], b.Command, b.Env, b.Workdir)
		if err != nil {
			return mapError(err, "CONTAINER")
		}
		return ok(200, map[string]interface{}{
			"exit_code": res.ExitCode, "stdout": res.Stdout, "stderr": res.Stderr,
		})

	case len(rest) == 2 && rest[1] == "logs" && method == "get":
		// Stub: log capture/rotation is external to the core (§1 scope).
		return ok(200, map[string]string{"logs": ""})

	default:
		return fail(400, "BAD_REQUEST", "unknown containers endpoint")
	}
}

// mapError maps an internal error to an ApiError/status pair per §7's
// substring rules, refining the generic NOT_FOUND/CONFLICT codes to an
// entity-specific one (e.g. JAIL_NOT_FOUND) when entity is known.
func mapError(err error, entity string) Response {
	msg := err.Error()
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "already exists"):
		return fail(409, entity+"_ALREADY_EXISTS", msg)
	case strings.Contains(lower, "not found"):
		return fail(404, entity+"_NOT_FOUND", msg)
	case strings.Contains(lower, "already in progress"),
		strings.Contains(lower, "is running"),
		strings.Contains(lower, "not available"),
		strings.Contains(lower, "already allocated"),
		strings.Contains(lower, "dependent containers"):
		return fail(409, "CONFLICT", msg)
	case strings.Contains(lower, "not in subnet"):
		return fail(400, "BAD_REQUEST", msg)
	case strings.Contains(lower, "invalid") || strings.Contains(lower, "empty") || strings.Contains(lower, "malformed"):
		return fail(400, "BAD_REQUEST", msg)
	default:
		return fail(500, "INTERNAL_ERROR", msg)
	}
}
