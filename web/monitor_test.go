package web

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jnb666/mcdnn/img"
	"github.com/jnb666/mcdnn/mcdnn"
	"github.com/jnb666/mcdnn/nnet"
	"github.com/jnb666/mcdnn/stats"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"
)

func newTestMonitor(t *testing.T) (*Monitor, []*mcdnn.Job) {
	m, err := NewMonitor(zaptest.NewLogger(t).Sugar())
	test.That(t, err, test.ShouldBeNil)
	jobs := mcdnn.Jobs([]img.Variant{img.Original, img.Histeq}, mcdnn.ArchNames)
	m.Start(jobs)
	for epoch := 1; epoch <= 3; epoch++ {
		s := nnet.Stats{Epoch: epoch, TrainLoss: 1 / float64(epoch), ValidLoss: 0.5, Elapsed: time.Duration(epoch) * time.Second}
		jobs[0].AddStats(s)
		m.Epoch(jobs[0], s)
	}
	return m, jobs
}

func get(t *testing.T, h http.Handler, url string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, url, nil))
	return w
}

func TestStatus(t *testing.T) {
	m, _ := newTestMonitor(t)
	st := m.Status()
	test.That(t, len(st), test.ShouldEqual, 4)
	test.That(t, st[0].Status, test.ShouldEqual, "running")
	test.That(t, st[0].Epochs, test.ShouldEqual, 3)
	test.That(t, st[0].Train, test.ShouldAlmostEqual, 1.0/3)
	test.That(t, st[0].BestEpoch, test.ShouldEqual, 1)
	test.That(t, string(st[0].EpochTime), test.ShouldEqual, "1.00")
	test.That(t, st[3].Status, test.ShouldEqual, "pending")
	test.That(t, st[3].Name, test.ShouldEqual, "histeq_net2")

	h, ok := m.History("original_net1")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, h.Len(), test.ShouldEqual, 3)
	_, ok = m.History("missing")
	test.That(t, ok, test.ShouldBeFalse)

	m.Done()
	for _, s := range m.Status() {
		test.That(t, s.Status, test.ShouldEqual, "done")
	}
}

func TestPages(t *testing.T) {
	m, _ := newTestMonitor(t)
	r := m.Router()

	w := get(t, r, "/")
	test.That(t, w.Code, test.ShouldEqual, http.StatusOK)
	body := w.Body.String()
	test.That(t, body, test.ShouldContainSubstring, "original_net1")
	test.That(t, body, test.ShouldContainSubstring, "running")
	test.That(t, body, test.ShouldContainSubstring, "0.5000 @ 1")

	w = get(t, r, "/job/original_net1")
	test.That(t, w.Code, test.ShouldEqual, http.StatusOK)
	body = w.Body.String()
	test.That(t, body, test.ShouldContainSubstring, `src="/plot/original_net1"`)
	test.That(t, strings.Index(body, "0.3333"), test.ShouldBeLessThan, strings.Index(body, "1.0000"))

	test.That(t, get(t, r, "/job/resnet").Code, test.ShouldEqual, http.StatusNotFound)
	test.That(t, get(t, r, "/plot/resnet").Code, test.ShouldEqual, http.StatusNotFound)

	w = get(t, r, "/plot/original_net1")
	test.That(t, w.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, w.Header().Get("Content-Type"), test.ShouldEqual, "image/svg+xml")
	test.That(t, w.Body.String(), test.ShouldContainSubstring, "<svg")

	// job with no epochs yet
	w = get(t, r, "/plot/histeq_net1")
	test.That(t, w.Code, test.ShouldEqual, http.StatusOK)
}

func TestLossPlot(t *testing.T) {
	var h stats.History
	for _, v := range []float64{2, 1.5, 0.7, 0.2} {
		h.Add(v, v/2)
	}
	var buf bytes.Buffer
	test.That(t, LossPlot(&buf, "test", &h, 400, 200), test.ShouldBeNil)
	test.That(t, buf.String(), test.ShouldContainSubstring, "<svg")
}

func TestWebsocket(t *testing.T) {
	m, jobs := newTestMonitor(t)
	srv := httptest.NewServer(m.Router())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	test.That(t, err, test.ShouldBeNil)
	defer conn.Close()
	connected := func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.conns) == 1
	}
	for i := 0; i < 100 && !connected(); i++ {
		time.Sleep(10 * time.Millisecond)
	}
	test.That(t, connected(), test.ShouldBeTrue)

	m.Epoch(jobs[1], nnet.Stats{Epoch: 1})
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(msg), test.ShouldEqual, "original_net2:1")
	test.That(t, m.Status()[0].Status, test.ShouldEqual, "done")
}

func TestAuth(t *testing.T) {
	m, _ := newTestMonitor(t)
	log := zaptest.NewLogger(t).Sugar()
	srv := httptest.NewServer(m.Router(BasicAuth("admin", "secret", log).Middleware))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	test.That(t, err, test.ShouldBeNil)
	resp.Body.Close()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusUnauthorized)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
	req.SetBasicAuth("admin", "wrong")
	resp, err = http.DefaultClient.Do(req)
	test.That(t, err, test.ShouldBeNil)
	resp.Body.Close()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusUnauthorized)

	req.SetBasicAuth("admin", "secret")
	resp, err = http.DefaultClient.Do(req)
	test.That(t, err, test.ShouldBeNil)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	cookies := resp.Cookies()
	test.That(t, len(cookies), test.ShouldEqual, 1)

	// session cookie is enough on its own
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/job/original_net1", nil)
	req.AddCookie(cookies[0])
	resp, err = http.DefaultClient.Do(req)
	test.That(t, err, test.ShouldBeNil)
	resp.Body.Close()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
}
