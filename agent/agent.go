package agent

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/spawner/spawner"
	"github.com/guseggert/spawner/spec"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Agent is an HTTP agent that launches workers on behalf of remote callers and keeps
// their handles. Handles live until they are killed or released through the API, or
// until the agent stops, at which point tethered workers are killed.
//
// If certificates are configured the agent requires mTLS for both traffic encryption and authz.
type Agent struct {
	logger   *zap.SugaredLogger
	launcher *spawner.Launcher

	caCertPEM []byte
	certPEM   []byte
	keyPEM    []byte

	heartbeatFailureHandler func(*Agent)
	heartbeatTimeout        time.Duration
	watchInterval           time.Duration
	listenAddr              string

	serverMut  sync.Mutex
	httpServer *http.Server

	closed        chan struct{}
	closeOnce     sync.Once
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time

	procsMut sync.Mutex
	procs    map[string]*proc
}

type proc struct {
	id     string
	handle *spawner.Handle
}

type Option func(a *Agent)

// WithHeartbeatTimeout enables the heartbeat check. If no heartbeat arrives within d,
// the heartbeat failure handler is called.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(a *Agent) {
		a.heartbeatTimeout = d
	}
}

func WithHeartbeatFailureHandler(f func(*Agent)) Option {
	return func(a *Agent) {
		a.heartbeatFailureHandler = f
	}
}

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

// WithTLS makes the agent serve HTTPS and require client certs signed by the CA.
func WithTLS(caCertPEM, certPEM, keyPEM []byte) Option {
	return func(a *Agent) {
		a.caCertPEM = caCertPEM
		a.certPEM = certPEM
		a.keyPEM = keyPEM
	}
}

func WithLauncher(l *spawner.Launcher) Option {
	return func(a *Agent) {
		a.launcher = l
	}
}

// WithWatchInterval sets how often status is pushed to watchers.
func WithWatchInterval(d time.Duration) Option {
	return func(a *Agent) {
		a.watchInterval = d
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Named("agent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// HeartbeatFailureCloseAll closes every handle, killing the tethered workers.
func HeartbeatFailureCloseAll(a *Agent) {
	a.logger.Info("heartbeat failed, closing all handles")
	a.closeAll()
}

// HeartbeatFailureExit closes every handle and exits the process.
func HeartbeatFailureExit(a *Agent) {
	a.logger.Info("heartbeat failed, exiting")
	a.closeAll()
	os.Exit(1)
}

// NewAgent constructs a new agent. Without WithLauncher it uses spawner.Default.
func NewAgent(opts ...Option) (*Agent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &Agent{
		logger:        logger.Named("agent").Sugar(),
		listenAddr:    "127.0.0.1:8080",
		watchInterval: 500 * time.Millisecond,
		closed:        make(chan struct{}),
		procs:         map[string]*proc{},
	}
	for _, o := range opts {
		o(a)
	}
	if a.launcher == nil {
		a.launcher, err = spawner.Default()
		if err != nil {
			return nil, fmt.Errorf("building launcher: %w", err)
		}
	}
	return a, nil
}

// startHeartbeatCheck starts a goroutine that calls the failure handler once the heartbeat times out.
func (a *Agent) startHeartbeatCheck() {
	if a.heartbeatTimeout <= 0 {
		return
	}
	a.heartbeatMut.Lock()
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()

	go func() {
		ticker := time.NewTicker(a.heartbeatTimeout / 4)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				if a.heartbeatFailureHandler != nil {
					a.heartbeatFailureHandler(a)
				}
				// Don't fire again until the next heartbeat.
				a.heartbeatMut.Lock()
				a.lastHeartbeat = time.Now()
				a.heartbeatMut.Unlock()
			}
		}
	}()
}

func (a *Agent) router() *httprouter.Router {
	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.POST("/procs", a.spawn)
	router.GET("/procs", a.list)
	router.GET("/procs/:id", a.get)
	router.GET("/procs/:id/fields/:field", a.field)
	router.GET("/procs/:id/watch", a.watch)
	router.DELETE("/procs/:id", a.kill)
	router.POST("/procs/:id/release", a.release)
	return router
}

func (a *Agent) runHTTPServer() error {
	listener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	if a.certPEM != nil {
		tlsConfig, err := ServerTLSConfig(a.caCertPEM, a.certPEM, a.keyPEM)
		if err != nil {
			listener.Close()
			return fmt.Errorf("building server TLS config: %w", err)
		}
		listener = tls.NewListener(listener, tlsConfig)
	}

	server := &http.Server{Handler: a.router()}
	a.serverMut.Lock()
	select {
	case <-a.closed:
		a.serverMut.Unlock()
		listener.Close()
		return nil
	default:
	}
	a.httpServer = server
	a.serverMut.Unlock()

	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run runs the agent and returns once it has stopped.
func (a *Agent) Run() error {
	a.startHeartbeatCheck()
	return a.runHTTPServer()
}

// Stop shuts down the HTTP server and closes every handle.
func (a *Agent) Stop() error {
	a.closeOnce.Do(func() { close(a.closed) })
	a.closeAll()
	a.serverMut.Lock()
	defer a.serverMut.Unlock()
	if a.httpServer == nil {
		return nil
	}
	return a.httpServer.Close()
}

func (a *Agent) closeAll() {
	a.procsMut.Lock()
	procs := a.procs
	a.procs = map[string]*proc{}
	a.procsMut.Unlock()

	for _, p := range procs {
		p.handle.Close()
	}
}

func (a *Agent) lookup(w http.ResponseWriter, params httprouter.Params) *proc {
	id := params.ByName("id")
	a.procsMut.Lock()
	p := a.procs[id]
	a.procsMut.Unlock()
	if p == nil {
		http.Error(w, fmt.Sprintf("no such process %q", id), http.StatusNotFound)
	}
	return p
}

func (a *Agent) forget(id string) *proc {
	a.procsMut.Lock()
	defer a.procsMut.Unlock()
	p := a.procs[id]
	delete(a.procs, id)
	return p
}

// ProcInfo describes one handle held by the agent.
type ProcInfo struct {
	ID     string           `json:"id"`
	Worker spawner.Snapshot `json:"worker"`
	Phase  string           `json:"phase"`
	Status *spawner.Status  `json:"status"`
	Error  string           `json:"error,omitempty"`
}

func (p *proc) info() ProcInfo {
	info := ProcInfo{
		ID:     p.id,
		Worker: p.handle.Snapshot(),
		Status: p.handle.Status(),
		Phase:  p.handle.Phase().String(),
	}
	if err := p.handle.Err(); err != nil {
		info.Error = err.Error()
	}
	return info
}

func (a *Agent) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		a.logger.Debugf("error writing response: %s", err)
	}
}

func (a *Agent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	a.writeJSON(w, http.StatusOK, response)
}

// spawn launches a worker from a spec.Options body. The handshake runs within the request,
// so the response carries the negotiated pid.
func (a *Agent) spawn(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var opts spec.Options
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&opts); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s := opts.Spec()
	if err := s.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p := &proc{
		id:     uuid.NewString(),
		handle: a.launcher.New(s).Run(r.Context()),
	}
	a.procsMut.Lock()
	a.procs[p.id] = p
	a.procsMut.Unlock()

	info := p.info()
	a.logger.Debugw("spawned worker", "ID", p.id, "Worker", info.Worker, "Error", info.Error)
	a.writeJSON(w, http.StatusCreated, info)
}

func (a *Agent) list(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.procsMut.Lock()
	procs := make([]*proc, 0, len(a.procs))
	for _, p := range a.procs {
		procs = append(procs, p)
	}
	a.procsMut.Unlock()

	infos := make([]ProcInfo, 0, len(procs))
	for _, p := range procs {
		infos = append(infos, p.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	a.writeJSON(w, http.StatusOK, infos)
}

func (a *Agent) get(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	p := a.lookup(w, params)
	if p == nil {
		return
	}
	a.writeJSON(w, http.StatusOK, p.info())
}

func (a *Agent) field(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	p := a.lookup(w, params)
	if p == nil {
		return
	}
	v, err := p.handle.Property(params.ByName("field"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.writeJSON(w, http.StatusOK, v)
}

// kill kills the worker regardless of tethering and forgets the handle.
func (a *Agent) kill(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	p := a.forget(params.ByName("id"))
	if p == nil {
		http.Error(w, fmt.Sprintf("no such process %q", params.ByName("id")), http.StatusNotFound)
		return
	}
	p.handle.Kill()
	p.handle.Close()
	a.writeJSON(w, http.StatusOK, p.info())
}

// release ends the handle's scope and forgets it. Tethered workers die, untethered ones keep running.
func (a *Agent) release(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	p := a.forget(params.ByName("id"))
	if p == nil {
		http.Error(w, fmt.Sprintf("no such process %q", params.ByName("id")), http.StatusNotFound)
		return
	}
	p.handle.Close()
	a.writeJSON(w, http.StatusOK, p.info())
}
