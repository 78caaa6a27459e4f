package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goosewin/cotloop/internal/state"
)

const (
	defaultHost         = "127.0.0.1"
	defaultPort         = 8080
	defaultMaxBodyBytes = 4096
	defaultStreamEvery  = 500 * time.Millisecond
)

// Options configures the HTTP status server.
type Options struct {
	Host         string
	Port         int
	Token        string
	Open         bool
	MaxBodyBytes int64

	// Tracker exposes the live progress of an in-process run at /progress.
	Tracker *Tracker
	// Gatherer exposes run metrics at /metrics.
	Gatherer prometheus.Gatherer
	// StreamInterval is how often /progress/stream checks for changes.
	StreamInterval time.Duration
}

// ParseListen splits a --listen value such as ":8080" or "0.0.0.0:9000".
func ParseListen(value string) (string, int, error) {
	host, portText, err := net.SplitHostPort(strings.TrimSpace(value))
	if err != nil {
		return "", 0, fmt.Errorf("invalid listen address %q: %w", value, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return "", 0, fmt.Errorf("invalid listen port %q", portText)
	}
	return host, port, nil
}

// StartServer runs the HTTP status server until ctx is canceled.
func StartServer(ctx context.Context, opts Options) error {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = defaultHost
	}
	port := opts.Port
	if port == 0 {
		port = defaultPort
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port number: %d", port)
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	if err := state.Init(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		Handler: newHandler(handlerOptions{
			host:     host,
			token:    opts.Token,
			open:     opts.Open,
			maxBody:  maxBody,
			tracker:  opts.Tracker,
			gatherer: opts.Gatherer,
		}),
	}

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr <- srv.Shutdown(ctxTimeout)
	}()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		select {
		case shutdownErr := <-shutdownErr:
			return shutdownErr
		default:
			return nil
		}
	}
	return err
}

type handlerOptions struct {
	host     string
	token    string
	open     bool
	maxBody  int64
	tracker  *Tracker
	gatherer prometheus.Gatherer
	stream   time.Duration
}

func newHandler(opts handlerOptions) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if !authorizeRequest(w, r, opts) || !requireMethod(w, r, http.MethodGet) {
			return
		}
		runs, err := state.List()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "Failed to read runs")
			return
		}
		response := listResponse{Runs: make([]runView, 0, len(runs))}
		for _, run := range runs {
			response.Runs = append(response.Runs, viewRun(run))
		}
		writeJSON(w, http.StatusOK, response)
	})

	mux.HandleFunc("/status/", func(w http.ResponseWriter, r *http.Request) {
		if !authorizeRequest(w, r, opts) || !requireMethod(w, r, http.MethodGet) {
			return
		}
		name, ok := pathRemainder(r.URL.Path, "/status/")
		if !ok {
			writeJSONError(w, http.StatusNotFound, "Unknown endpoint")
			return
		}
		run, found, err := state.Get(name)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "Failed to read run")
			return
		}
		if !found {
			writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Run not found: %s", name))
			return
		}
		writeJSON(w, http.StatusOK, viewRun(run))
	})

	mux.HandleFunc("/stop/", func(w http.ResponseWriter, r *http.Request) {
		if !authorizeRequest(w, r, opts) || !requireMethod(w, r, http.MethodPost) {
			return
		}
		name, ok := pathRemainder(r.URL.Path, "/stop/")
		if !ok {
			writeJSONError(w, http.StatusNotFound, "Unknown endpoint")
			return
		}
		if _, err := state.Stop(name); err != nil {
			if errors.Is(err, state.ErrRunNotFound) {
				writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Run not found: %s", name))
				return
			}
			writeJSONError(w, http.StatusInternalServerError, "Failed to stop run")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Run stopped"})
	})

	mux.HandleFunc("/progress", func(w http.ResponseWriter, r *http.Request) {
		if !authorizeRequest(w, r, opts) || !requireMethod(w, r, http.MethodGet) {
			return
		}
		if opts.tracker == nil {
			writeJSONError(w, http.StatusNotFound, "No run in this process")
			return
		}
		writeJSON(w, http.StatusOK, opts.tracker.Snapshot())
	})

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || resolveCORSOrigin(origin, opts.host, opts.open) != ""
		},
	}
	mux.HandleFunc("/progress/stream", func(w http.ResponseWriter, r *http.Request) {
		if !authorizeRequest(w, r, opts) || !requireMethod(w, r, http.MethodGet) {
			return
		}
		if opts.tracker == nil {
			writeJSONError(w, http.StatusNotFound, "No run in this process")
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		interval := opts.stream
		if interval <= 0 {
			interval = defaultStreamEvery
		}
		streamProgress(conn, opts.tracker, interval)
	})

	if opts.gatherer != nil {
		metrics := promhttp.HandlerFor(opts.gatherer, promhttp.HandlerOpts{})
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			if !authorizeRequest(w, r, opts) {
				return
			}
			metrics.ServeHTTP(w, r)
		})
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeJSONError(w, http.StatusNotFound, "Unknown endpoint")
			return
		}
		if !authorizeRequest(w, r, opts) || !requireMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "cotloop-server"})
	})

	return withCORS(mux, opts)
}

// streamProgress pushes a snapshot whenever it changes and closes the
// connection once the run is finished or the client goes away.
func streamProgress(conn *websocket.Conn, tracker *Tracker, interval time.Duration) {
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent := false
	var last time.Time
	for {
		snapshot := tracker.Snapshot()
		if !sent || !snapshot.UpdatedAt.Equal(last) || snapshot.Finished {
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(snapshot); err != nil {
				return
			}
			sent = true
			last = snapshot.UpdatedAt
		}
		if snapshot.Finished {
			closing := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
			_ = conn.WriteControl(websocket.CloseMessage, closing, time.Now().Add(time.Second))
			return
		}

		select {
		case <-gone:
			return
		case <-ticker.C:
		}
	}
}

func withCORS(next http.Handler, opts handlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corsOrigin := resolveCORSOrigin(r.Header.Get("Origin"), opts.host, opts.open)
		if corsOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", corsOrigin)
			if corsOrigin != "*" {
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if opts.maxBody > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, opts.maxBody)
		}

		next.ServeHTTP(w, r)
	})
}

func authorizeRequest(w http.ResponseWriter, r *http.Request, opts handlerOptions) bool {
	if opts.token == "" {
		return true
	}
	fields := strings.Fields(strings.TrimSpace(r.Header.Get("Authorization")))
	if len(fields) != 2 || !strings.EqualFold(fields[0], "Bearer") || fields[1] != opts.token {
		writeJSONError(w, http.StatusUnauthorized, "Invalid or missing Bearer token")
		return false
	}
	return true
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

func resolveCORSOrigin(origin, host string, open bool) string {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return ""
	}
	if open {
		return "*"
	}

	switch origin {
	case "http://localhost", "http://127.0.0.1", "http://[::1]":
		return origin
	}

	host = strings.TrimSpace(host)
	if host != "" && host != "0.0.0.0" && host != "::" && origin == "http://"+host {
		return origin
	}
	return ""
}

func pathRemainder(path, prefix string) (string, bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	remainder := strings.TrimPrefix(path, prefix)
	if remainder == "" {
		return "", false
	}
	decoded, err := url.PathUnescape(remainder)
	if err != nil {
		return "", false
	}
	return decoded, true
}

type runView struct {
	state.Run
	IsAlive bool `json:"is_alive"`
}

type listResponse struct {
	Runs []runView `json:"runs"`
}

// viewRun reports a running entry whose process is gone as stale.
func viewRun(run state.Run) runView {
	view := runView{Run: run}
	if run.Status == state.StatusRunning && run.PID > 0 {
		if state.ProcessAlive(run.PID) {
			view.IsAlive = true
		} else {
			view.Status = state.StatusStale
		}
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "Failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
