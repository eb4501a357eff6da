// Package process runs a sing-box compatible binary as a child process and
// exposes it through the engine contract. Connection counters are read from
// the engine's Clash-compatible HTTP API.
package process

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	E "github.com/sagernet/sing/common/exceptions"

	"singbox-bridge/internal/core"
	"singbox-bridge/internal/engine"
)

const (
	defaultStopTimeout   = 5 * time.Second
	defaultDelayURL      = "https://www.gstatic.com/generate_204"
	defaultDelayInterval = 10 * time.Second
	startupGrace         = 300 * time.Millisecond
	apiTimeout           = 2 * time.Second
	delayTimeout         = 5 * time.Second
	lookupTimeout        = 3 * time.Second
)

// Options configures the child process.
type Options struct {
	Binary      string
	Args        []string
	WorkDir     string
	ClashAPI    string // host:port; empty disables connection enumeration
	Secret      string
	StopTimeout time.Duration
	// DelayURL is fetched through the proxy outbound every DelayInterval
	// to measure latency.
	DelayURL      string
	DelayInterval time.Duration
}

// Engine launches one child process per session.
type Engine struct {
	opts        Options
	client      *http.Client
	delayClient *http.Client
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.Binary == "" {
		opts.Binary = "sing-box"
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	if opts.DelayURL == "" {
		opts.DelayURL = defaultDelayURL
	}
	if opts.DelayInterval <= 0 {
		opts.DelayInterval = defaultDelayInterval
	}
	return &Engine{
		opts:        opts,
		client:      &http.Client{Timeout: apiTimeout},
		delayClient: &http.Client{Timeout: delayTimeout + apiTimeout},
	}
}

// NewSession parses config and prepares a session. Nothing is launched
// until Start.
func (e *Engine) NewSession(ctx context.Context, config string, platform engine.Platform) (engine.Session, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(config), &doc); err != nil {
		return nil, E.Cause(err, "decode configuration")
	}
	if doc == nil {
		return nil, E.New("configuration is not an object")
	}
	if e.opts.ClashAPI != "" {
		ensureClashAPI(doc, e.opts.ClashAPI, e.opts.Secret)
	}
	s := &Session{
		engine:   e,
		platform: platform,
		doc:      doc,
	}
	s.proxyTag, s.server = proxyOutbound(doc)
	s.reload = s.signalReload
	return s, nil
}

// Session is a single child process.
type Session struct {
	engine   *Engine
	platform engine.Platform
	doc      map[string]any
	// proxyTag and server describe the first outbound that dials a remote
	// server; both are empty for direct-only configurations.
	proxyTag string
	server   string
	reload   func() error

	mu         sync.Mutex
	cmd        *exec.Cmd
	exited     chan struct{}
	exitErr    error
	configPath string
	paused     bool
	delay      time.Duration
	stopDelay  chan struct{}
	monitoring bool

	ifaceMu   sync.Mutex
	iface     string
	ifaceSeen bool
}

// Start opens the tunnel through the platform (when the configuration has a
// tun inbound), writes the final configuration and launches the binary.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return E.New("session already started")
	}

	if inbound := findTunInbound(s.doc); inbound != nil {
		opts := tunOptionsFromInbound(inbound)
		if opts.AutoRoute {
			s.excludeServer(&opts)
		}
		handle, err := s.platform.OpenTun(opts)
		if err != nil {
			return E.Cause(err, "open tun")
		}
		applyEffective(s.doc, inbound, handle.Effective)
	}

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return E.Cause(err, "encode configuration")
	}
	f, err := os.CreateTemp(s.engine.opts.WorkDir, "engine-*.json")
	if err != nil {
		return E.Cause(err, "create configuration file")
	}
	s.configPath = f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		return E.Cause(err, "write configuration file")
	}
	f.Close()

	args := append([]string{"run", "-c", s.configPath}, s.engine.opts.Args...)
	cmd := exec.Command(s.engine.opts.Binary, args...)
	if s.engine.opts.WorkDir != "" {
		cmd.Dir = s.engine.opts.WorkDir
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return E.Cause(err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return E.Cause(err, "stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		os.Remove(s.configPath)
		return E.Cause(err, "launch ", s.engine.opts.Binary)
	}
	s.cmd = cmd
	s.exited = make(chan struct{})

	var pipes sync.WaitGroup
	pipes.Add(2)
	go s.forwardLines(stdout, &pipes)
	go s.forwardLines(stderr, &pipes)
	go func() {
		pipes.Wait()
		err := cmd.Wait()
		s.exitErr = err // published by close(exited)
		close(s.exited)
		core.Log.Infof("Engine", "Process %d exited: %v", cmd.Process.Pid, err)
	}()

	select {
	case <-s.exited:
		if s.exitErr != nil {
			return E.Cause(s.exitErr, "engine exited during startup")
		}
		return E.New("engine exited during startup")
	case <-time.After(startupGrace):
	}
	core.Log.Infof("Engine", "Started %s (pid %d)", s.engine.opts.Binary, cmd.Process.Pid)
	s.startBackground()
	return nil
}

// startBackground subscribes to default interface changes and starts
// latency measurement. Caller holds s.mu.
func (s *Session) startBackground() {
	if err := s.platform.StartDefaultInterfaceMonitor(s); err != nil {
		core.Log.Warnf("Engine", "Default interface monitor: %v", err)
	} else {
		s.monitoring = true
	}
	if s.engine.opts.ClashAPI != "" && s.proxyTag != "" {
		s.stopDelay = make(chan struct{})
		go s.measureDelay(s.stopDelay)
	}
}

// excludeServer keeps the proxy server's own traffic off the tunnel by
// resolving it outside the tunnel and excluding its addresses.
func (s *Session) excludeServer(opts *engine.TunOptions) {
	if s.server == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	addrs, err := s.platform.LookupHost(ctx, s.server)
	if err != nil {
		core.Log.Warnf("Engine", "Resolve server %s: %v", s.server, err)
		return
	}
	for _, a := range addrs {
		p := netip.PrefixFrom(a, a.BitLen())
		if a.Is4() {
			opts.Inet4RouteExcludeAddress = append(opts.Inet4RouteExcludeAddress, p)
		} else {
			opts.Inet6RouteExcludeAddress = append(opts.Inet6RouteExcludeAddress, p)
		}
	}
	core.Log.Debugf("Engine", "Excluded %s (%v) from tunnel routes", s.server, addrs)
}

// UpdateDefaultInterface reloads the engine when the default interface
// moves, so outbound sockets rebind to the new network. The first report
// only records the starting interface.
func (s *Session) UpdateDefaultInterface(name string, index int) {
	s.ifaceMu.Lock()
	prev, seen := s.iface, s.ifaceSeen
	s.iface, s.ifaceSeen = name, true
	s.ifaceMu.Unlock()

	if !seen || name == "" || name == prev {
		return
	}
	core.Log.Infof("Engine", "Default interface changed to %s (index %d), reloading engine", name, index)
	if err := s.reload(); err != nil {
		core.Log.Warnf("Engine", "Reload engine: %v", err)
	}
}

// signalReload asks the child to re-read its configuration.
func (s *Session) signalReload() error {
	s.mu.Lock()
	cmd, exited := s.cmd, s.exited
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}
	select {
	case <-exited:
		return nil
	default:
	}
	return cmd.Process.Signal(syscall.SIGHUP)
}

func (s *Session) forwardLines(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		s.platform.WriteLog(sc.Text())
	}
}

// Close interrupts the process, killing it if it does not exit in time.
func (s *Session) Close() error {
	s.mu.Lock()
	cmd, exited, path := s.cmd, s.exited, s.configPath
	monitoring, stopDelay := s.monitoring, s.stopDelay
	s.monitoring, s.stopDelay = false, nil
	s.mu.Unlock()

	if monitoring {
		if err := s.platform.CloseDefaultInterfaceMonitor(s); err != nil {
			core.Log.Warnf("Engine", "Close default interface monitor: %v", err)
		}
	}
	if stopDelay != nil {
		close(stopDelay)
	}
	if cmd == nil {
		if path != "" {
			os.Remove(path)
		}
		return nil
	}
	defer os.Remove(path)

	select {
	case <-exited:
		return nil
	default:
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		cmd.Process.Kill()
	}
	select {
	case <-exited:
		return nil
	case <-time.After(s.engine.opts.StopTimeout):
		core.Log.Warnf("Engine", "Process %d ignored interrupt, killing", cmd.Process.Pid)
		if err := cmd.Process.Kill(); err != nil {
			return E.Cause(err, "kill engine")
		}
		<-exited
		return nil
	}
}

// Pause suspends latency measurement while the host is idle; the child
// process manages its own timers.
func (s *Session) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	core.Log.Debugf("Engine", "Paused")
}

func (s *Session) Wake() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	core.Log.Debugf("Engine", "Woke")
}

// NeedsHostCapability reports whether any route rule matches on Wi-Fi
// identity, which hosts gate behind a location permission.
func (s *Session) NeedsHostCapability() bool {
	route, _ := s.doc["route"].(map[string]any)
	rules, _ := route["rules"].([]any)
	for _, r := range rules {
		rule, _ := r.(map[string]any)
		if _, ok := rule["wifi_ssid"]; ok {
			return true
		}
		if _, ok := rule["wifi_bssid"]; ok {
			return true
		}
	}
	return false
}

type connectionsResponse struct {
	Connections []struct {
		Upload   int64    `json:"upload"`
		Download int64    `json:"download"`
		Chains   []string `json:"chains"`
	} `json:"connections"`
}

// Connections fetches the live connection table from the engine API.
func (s *Session) Connections() ([]engine.Connection, error) {
	if s.engine.opts.ClashAPI == "" {
		return nil, E.New("connections API disabled")
	}
	ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
	defer cancel()
	req, err := s.apiRequest(ctx, "/connections")
	if err != nil {
		return nil, err
	}
	resp, err := s.engine.client.Do(req)
	if err != nil {
		return nil, E.Cause(err, "query connections")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, E.New("query connections: ", resp.Status)
	}
	var body connectionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, E.Cause(err, "decode connections")
	}
	delay := s.lastDelay()
	out := make([]engine.Connection, 0, len(body.Connections))
	for _, c := range body.Connections {
		conn := engine.Connection{Upload: c.Upload, Download: c.Download}
		if delay > 0 && slices.Contains(c.Chains, s.proxyTag) {
			rtt := delay
			conn.RTT = &rtt
		}
		out = append(out, conn)
	}
	return out, nil
}

func (s *Session) apiRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+s.engine.opts.ClashAPI+path, nil)
	if err != nil {
		return nil, err
	}
	if s.engine.opts.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+s.engine.opts.Secret)
	}
	return req, nil
}

// measureDelay refreshes the proxy latency until done closes. Nothing is
// measured while paused.
func (s *Session) measureDelay(done <-chan struct{}) {
	t := time.NewTicker(s.engine.opts.DelayInterval)
	defer t.Stop()
	for {
		s.mu.Lock()
		paused := s.paused
		s.mu.Unlock()
		if !paused {
			d, err := s.queryDelay()
			if err != nil {
				core.Log.Debugf("Engine", "Delay of %s: %v", s.proxyTag, err)
			}
			s.mu.Lock()
			s.delay = d
			s.mu.Unlock()
		}
		select {
		case <-done:
			return
		case <-t.C:
		}
	}
}

type delayResponse struct {
	Delay int64 `json:"delay"`
}

// queryDelay asks the engine to time one request through the proxy
// outbound.
func (s *Session) queryDelay() (time.Duration, error) {
	q := url.Values{}
	q.Set("url", s.engine.opts.DelayURL)
	q.Set("timeout", strconv.FormatInt(delayTimeout.Milliseconds(), 10))
	ctx, cancel := context.WithTimeout(context.Background(), delayTimeout+apiTimeout)
	defer cancel()
	req, err := s.apiRequest(ctx, "/proxies/"+url.PathEscape(s.proxyTag)+"/delay?"+q.Encode())
	if err != nil {
		return 0, err
	}
	resp, err := s.engine.delayClient.Do(req)
	if err != nil {
		return 0, E.Cause(err, "query delay")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, E.New("query delay: ", resp.Status)
	}
	var body delayResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, E.Cause(err, "decode delay")
	}
	return time.Duration(body.Delay) * time.Millisecond, nil
}

func (s *Session) lastDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delay
}
