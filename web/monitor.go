// Package web provides a browser based monitor for the training runs with loss plots
// and websocket notification at the end of each epoch.
package web

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jnb666/mcdnn/mcdnn"
	"github.com/jnb666/mcdnn/nnet"
	"github.com/jnb666/mcdnn/stats"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Size of the loss plot in pixels
var PlotWidth, PlotHeight = 800, 400

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Monitor implements the mcdnn.Monitor interface and serves the status of each job.
type Monitor struct {
	*Templates
	log     *zap.SugaredLogger
	mu      sync.Mutex
	jobs    []*mcdnn.Job
	index   map[string]int
	current int
	conns   map[*websocket.Conn]bool
}

// JobStatus is the summary of one job shown on the index page.
type JobStatus struct {
	Name      string
	Url       string
	Status    string
	Epochs    int
	Train     float64
	Valid     float64
	BestEpoch int
	Best      float64
	EpochTime template.HTML
}

// NewMonitor creates a new monitor with no jobs.
func NewMonitor(log *zap.SugaredLogger) (*Monitor, error) {
	t, err := NewTemplates()
	if err != nil {
		return nil, err
	}
	return &Monitor{
		Templates: t,
		log:       log,
		index:     make(map[string]int),
		current:   -1,
		conns:     make(map[*websocket.Conn]bool),
	}, nil
}

// Start is called with the list of jobs before training begins.
func (m *Monitor) Start(jobs []*mcdnn.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = jobs
	m.Menu = []Link{{Url: "/", Name: "summary"}}
	for i, job := range jobs {
		m.index[job.Name] = i
		m.AddMenuItem(Link{Url: "/job/" + job.Name, Name: job.Name})
	}
}

// Epoch is called at the end of each training epoch, connected clients are sent a job:epoch message.
func (m *Monitor) Epoch(job *mcdnn.Job, s nnet.Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.index[job.Name]
	msg := []byte(job.Name + ":" + strconv.Itoa(s.Epoch))
	for conn := range m.conns {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			m.log.Debugw("websocket write failed", "error", err)
			conn.Close()
			delete(m.conns, conn)
		}
	}
}

// Done is called when training has finished, all of the jobs are then shown as done.
func (m *Monitor) Done() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = len(m.jobs)
}

// Status returns a summary of each job.
func (m *Monitor) Status() []JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]JobStatus, len(m.jobs))
	for i, job := range m.jobs {
		st := job.Stats()
		s := JobStatus{Name: job.Name, Url: "/job/" + job.Name, Epochs: len(st)}
		switch {
		case i < m.current:
			s.Status = "done"
		case i == m.current:
			s.Status = "running"
		default:
			s.Status = "pending"
		}
		if len(st) > 0 {
			h := history(st)
			last := st[len(st)-1]
			s.Train, s.Valid = last.TrainLoss, last.ValidLoss
			s.BestEpoch, s.Best = h.Best()
			var avg stats.Average
			prev := time.Duration(0)
			for _, e := range st {
				avg.Add((e.Elapsed - prev).Seconds())
				prev = e.Elapsed
			}
			s.EpochTime = avg.HTML()
		}
		res[i] = s
	}
	return res
}

// History returns the loss history for the named job.
func (m *Monitor) History(name string) (*stats.History, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.index[name]
	if !ok {
		return nil, false
	}
	return history(m.jobs[i].Stats()), true
}

func history(st []nnet.Stats) *stats.History {
	h := new(stats.History)
	for _, s := range st {
		h.Add(s.TrainLoss, s.ValidLoss)
	}
	return h
}

// Router returns the request handlers with the given middleware applied.
func (m *Monitor) Router(mw ...mux.MiddlewareFunc) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", m.Index())
	r.HandleFunc("/job/{name}", m.Job())
	r.HandleFunc("/plot/{name}", m.Plot())
	r.HandleFunc("/ws", m.Websocket())
	r.Use(mw...)
	return r
}

// Handler function for the summary page
func (m *Monitor) Index() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		t := m.Clone().Select("/")
		m.mu.Unlock()
		data := struct {
			*Templates
			Jobs []JobStatus
		}{t, m.Status()}
		if err := t.ExecuteTemplate(w, "index", data); err != nil {
			logError(m.log, w, err, http.StatusInternalServerError)
		}
	}
}

// Handler function for the per job page with the loss plot and the stats for each epoch
func (m *Monitor) Job() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		m.mu.Lock()
		i, ok := m.index[name]
		var job *mcdnn.Job
		if ok {
			job = m.jobs[i]
		}
		t := m.Clone().Select("/job/" + name)
		m.mu.Unlock()
		if !ok {
			logError(m.log, w, errors.Errorf("job %q not found", name), http.StatusNotFound)
			return
		}
		// most recent first
		st := job.Stats()
		for a, b := 0, len(st)-1; a < b; a, b = a+1, b-1 {
			st[a], st[b] = st[b], st[a]
		}
		data := struct {
			*Templates
			Name  string
			Stats []nnet.Stats
		}{t, name, st}
		if err := t.ExecuteTemplate(w, "job", data); err != nil {
			logError(m.log, w, err, http.StatusInternalServerError)
		}
	}
}

// Handler function for the SVG loss plot
func (m *Monitor) Plot() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		h, ok := m.History(name)
		if !ok {
			logError(m.log, w, errors.Errorf("job %q not found", name), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		if err := LossPlot(w, name, h, PlotWidth, PlotHeight); err != nil {
			logError(m.log, w, err, http.StatusInternalServerError)
		}
	}
}

// Handler function for websocket connection
func (m *Monitor) Websocket() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.log.Debugw("websocket upgrade failed", "error", err)
			return
		}
		m.mu.Lock()
		m.conns[conn] = true
		m.mu.Unlock()
		// read until the client goes away
		go func() {
			for {
				if _, _, err := conn.NextReader(); err != nil {
					break
				}
			}
			m.mu.Lock()
			if m.conns[conn] {
				conn.Close()
				delete(m.conns, conn)
			}
			m.mu.Unlock()
		}()
	}
}

// Serve runs the http server on addr until the context is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler, log *zap.SugaredLogger) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	log.Infow("serving monitor", "url", fmt.Sprintf("http://%s/", addr))
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func formatLoss(v float64) string {
	return fmt.Sprintf("%.4f", v)
}
