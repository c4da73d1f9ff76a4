package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haghost5/hag5bridge/files"
	"github.com/haghost5/hag5bridge/history"
	"github.com/haghost5/hag5bridge/integration"
	"github.com/haghost5/hag5bridge/printer"
	"github.com/haghost5/hag5bridge/registry"
)

const (
	testIP      = "127.0.0.1"
	waitTimeout = 2 * time.Second
)

// mockPrinter serves the status feed on / and the upload endpoint on
// /upload, like the printer's web interface.
type mockPrinter struct {
	*httptest.Server
	received     chan string
	uploads      chan string
	uploadStatus atomic.Int32
	uploadDelay  time.Duration
}

func newMockPrinter(t *testing.T, lines string) *mockPrinter {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(_ *http.Request) bool { return true },
	}

	m := &mockPrinter{
		received: make(chan string, 32),
		uploads:  make(chan string, 8),
	}
	m.uploadStatus.Store(http.StatusOK)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", func(w http.ResponseWriter, r *http.Request) {
		if m.uploadDelay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(m.uploadDelay):
			}
		}
		_, _ = io.ReadAll(r.Body)
		m.uploads <- r.URL.Query().Get("X-Filename")
		if status := int(m.uploadStatus.Load()); status != http.StatusOK {
			http.Error(w, "disk full", status)
		}
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(lines)); err != nil {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			m.received <- string(data)
		}
	})
	m.Server = httptest.NewServer(mux)
	return m
}

func (m *mockPrinter) expectCommands(t *testing.T, want ...string) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-m.received:
			if got != w {
				t.Errorf("printer received %q, want %q", got, w)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("printer did not receive %q", w)
		}
	}
}

type testEnv struct {
	server   *Server
	http     *httptest.Server
	printer  *mockPrinter
	entries  *registry.Store
	printers *integration.Manager
	files    *files.Manager
	history  *history.Manager
}

func newTestEnv(t *testing.T, opts ...printer.ClientOption) *testEnv {
	t.Helper()
	mock := newMockPrinter(t, "T:25 /0 B:24 /0\nM997 IDLE\n")
	t.Cleanup(mock.Close)

	dir := t.TempDir()
	entries, err := registry.New(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	fm, err := files.NewManager(filepath.Join(dir, "gcodes"))
	if err != nil {
		t.Fatalf("files.NewManager() error = %v", err)
	}
	hist, err := history.NewManager(filepath.Join(dir, "data"), nil)
	if err != nil {
		t.Fatalf("history.NewManager() error = %v", err)
	}

	clientOpts := append([]printer.ClientOption{
		printer.WithFeedURL(strings.Replace(mock.URL, "http://", "ws://", 1) + "/"),
		printer.WithHTTPEndpoint(mock.URL),
		printer.WithReconnectDelay(10 * time.Millisecond),
		printer.WithStartDelay(time.Millisecond),
	}, opts...)
	printers := integration.New(integration.Settings{
		OfflineAfter:  30 * time.Second,
		ClientOptions: clientOpts,
	})
	t.Cleanup(printers.Close)

	s := NewServer(Options{Addr: "127.0.0.1:0"}, entries, printers, fm, hist)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(s.Hub().Close)

	return &testEnv{
		server:   s,
		http:     ts,
		printer:  mock,
		entries:  entries,
		printers: printers,
		files:    fm,
		history:  hist,
	}
}

// addPrinter configures and sets up the printer at testIP, optionally
// waiting for its feed to connect.
func (env *testEnv) addPrinter(t *testing.T, waitConnected bool) *integration.Printer {
	t.Helper()
	e, err := env.entries.Create(testIP)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	p, err := env.printers.SetupEntry(e)
	if err != nil {
		t.Fatalf("SetupEntry() error = %v", err)
	}
	if waitConnected {
		deadline := time.Now().Add(waitTimeout)
		for !p.Client.Connected() {
			if time.Now().After(deadline) {
				t.Fatal("printer feed did not connect")
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	return p
}

func (env *testEnv) postFile(t *testing.T, path, filename, content string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write([]byte(content))
	}
	_ = mw.WriteField("note", "x")
	mw.Close()

	resp, err := http.Post(env.http.URL+path, mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var v map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func do(t *testing.T, method, url string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, url, body)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	return resp
}

func TestUploadAndPrint(t *testing.T) {
	env := newTestEnv(t)
	env.addPrinter(t, true)

	resp := env.postFile(t, "/api/haghost5/upload_and_print", "benchy.gcode", "G28\nG1 X10\n")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %q", resp.StatusCode, body)
	}
	if want := "File benchy.gcode uploaded to printer 127.0.0.1 and print started!"; body != want {
		t.Errorf("body = %q, want %q", body, want)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}

	if got := <-env.printer.uploads; got != "benchy.gcode" {
		t.Errorf("printer got upload %q", got)
	}
	env.printer.expectCommands(t, "M23 benchy.gcode\n", "M24\n")

	data, err := os.ReadFile(filepath.Join(env.files.Dir(), "benchy.gcode"))
	if err != nil || string(data) != "G28\nG1 X10\n" {
		t.Errorf("stored file = %q, %v", data, err)
	}
}

func TestUploadOnly(t *testing.T) {
	env := newTestEnv(t)
	env.addPrinter(t, true)

	resp := env.postFile(t, "/api/haghost5/upload", `C:\prints\cube.gcode`, "G28\n")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK || body != "File cube.gcode uploaded to printer 127.0.0.1." {
		t.Fatalf("status = %d, body %q", resp.StatusCode, body)
	}
	if got := <-env.printer.uploads; got != "cube.gcode" {
		t.Errorf("printer got upload %q", got)
	}

	select {
	case cmd := <-env.printer.received:
		t.Errorf("plain upload sent %q to the printer", cmd)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUploadErrors(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(t *testing.T, env *testEnv)
		opts       []printer.ClientOption
		filename   string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "no file",
			setup:      func(t *testing.T, env *testEnv) { env.addPrinter(t, false) },
			wantStatus: http.StatusBadRequest,
			wantBody:   "No file provided",
		},
		{
			name:       "no printer",
			setup:      func(*testing.T, *testEnv) {},
			filename:   "a.gcode",
			wantStatus: http.StatusBadRequest,
			wantBody:   "No printer configured",
		},
		{
			name: "printer rejects",
			setup: func(t *testing.T, env *testEnv) {
				env.addPrinter(t, false)
				env.printer.uploadStatus.Store(http.StatusInternalServerError)
			},
			filename:   "a.gcode",
			wantStatus: http.StatusInternalServerError,
			wantBody:   "Printer upload error: 500 disk full",
		},
		{
			name: "timeout",
			setup: func(t *testing.T, env *testEnv) {
				env.printer.uploadDelay = waitTimeout
				env.addPrinter(t, false)
			},
			opts:       []printer.ClientOption{printer.WithUploadTimeout(50 * time.Millisecond)},
			filename:   "a.gcode",
			wantStatus: http.StatusGatewayTimeout,
			wantBody:   "Timeout while uploading file to printer.",
		},
		{
			name:       "feed not connected",
			setup:      func(t *testing.T, env *testEnv) { env.addPrinter(t, false) },
			opts:       []printer.ClientOption{printer.WithFeedURL("ws://127.0.0.1:1/")},
			filename:   "a.gcode",
			wantStatus: http.StatusInternalServerError,
			wantBody:   "Error sending WS commands: printer feed not connected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.opts...)
			tt.setup(t, env)

			resp := env.postFile(t, "/api/haghost5/upload_and_print", tt.filename, "G28\n")
			body := readBody(t, resp)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %q)", resp.StatusCode, tt.wantStatus, body)
			}
			if !strings.HasPrefix(body, tt.wantBody) {
				t.Errorf("body = %q, want prefix %q", body, tt.wantBody)
			}
		})
	}
}

func TestUploadSeveralPrinters(t *testing.T) {
	env := newTestEnv(t)
	env.addPrinter(t, false)
	other, err := env.entries.Create("127.0.0.2")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.printers.SetupEntry(other); err != nil {
		t.Fatal(err)
	}

	resp := env.postFile(t, "/api/haghost5/upload", "a.gcode", "G28\n")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(body, "entry_id") {
		t.Errorf("status = %d, body %q", resp.StatusCode, body)
	}
}

func TestTargetPrinter(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.server.targetPrinter("")
	if !errors.Is(err, errNoPrinter) || targetPrinterMessage(err, "") != "No printer configured" {
		t.Errorf("no printer: err = %v", err)
	}

	env.addPrinter(t, false)
	p, err := env.server.targetPrinter("")
	if err != nil || p == nil {
		t.Fatalf("single printer: %v", err)
	}

	_, err = env.server.targetPrinter("nope")
	if !errors.Is(err, errUnknownEntry) || err.Error() != "unknown entry_id nope" {
		t.Errorf("unknown entry: err = %v", err)
	}
	if msg := targetPrinterMessage(err, "nope"); msg != "Unknown entry_id nope" {
		t.Errorf("unknown entry message = %q", msg)
	}

	other, err := env.entries.Create("127.0.0.2")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.printers.SetupEntry(other); err != nil {
		t.Fatal(err)
	}
	_, err = env.server.targetPrinter("")
	if !errors.Is(err, errSeveralPrinters) {
		t.Errorf("several printers: err = %v", err)
	}
	if msg := targetPrinterMessage(err, ""); msg != "Several printers configured, entry_id required" {
		t.Errorf("several printers message = %q", msg)
	}
}

func TestGetGCodeFile(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.files.Save("part.gcode", []byte("G28\nG1 X5\n")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		query      string
		wantStatus int
		wantBody   string
	}{
		{"", http.StatusBadRequest, "Missing parameter ?filename="},
		{"?filename=missing.gcode", http.StatusNotFound, "File 'missing.gcode' not found."},
		{"?filename=../etc/passwd", http.StatusNotFound, "File '../etc/passwd' not found."},
		{"?filename=part.gcode", http.StatusOK, "G28\nG1 X5\n"},
	}
	for _, tt := range tests {
		resp := do(t, http.MethodGet, env.http.URL+"/api/haghost5/get_gcode_file"+tt.query, nil)
		body := readBody(t, resp)
		if resp.StatusCode != tt.wantStatus || body != tt.wantBody {
			t.Errorf("GET %q = %d %q, want %d %q", tt.query, resp.StatusCode, body, tt.wantStatus, tt.wantBody)
		}
	}
}

func TestFileHandlers(t *testing.T) {
	env := newTestEnv(t)
	gcode := "; generated by PrusaSlicer 2.7.1 on 2026-03-01 at 10:00:00 UTC\nG28\n; estimated printing time (normal mode) = 1h 2m 3s\n"
	if _, err := env.files.Save("part.gcode", []byte(gcode)); err != nil {
		t.Fatal(err)
	}

	v := decodeJSON(t, do(t, http.MethodGet, env.http.URL+"/api/haghost5/files", nil))
	result := v["result"].(map[string]interface{})
	if list := result["files"].([]interface{}); len(list) != 1 {
		t.Errorf("files = %v", list)
	}

	v = decodeJSON(t, do(t, http.MethodGet, env.http.URL+"/api/haghost5/files/metadata?filename=part.gcode", nil))
	meta := v["result"].(map[string]interface{})
	if meta["slicer"] != "PrusaSlicer" || meta["estimated_time"] != 3723.0 {
		t.Errorf("metadata = %v", meta)
	}

	resp := do(t, http.MethodDelete, env.http.URL+"/api/haghost5/files/part.gcode", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("DELETE status = %d", resp.StatusCode)
	}
	resp = do(t, http.MethodDelete, env.http.URL+"/api/haghost5/files/part.gcode", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second DELETE status = %d, want 404", resp.StatusCode)
	}
}

func TestEntryHandlers(t *testing.T) {
	env := newTestEnv(t)
	url := env.http.URL + "/api/haghost5/entries"

	resp := do(t, http.MethodPost, url, strings.NewReader(`{"ip_address":"not-an-ip"}`))
	v := decodeJSON(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid ip status = %d", resp.StatusCode)
	}
	if errs := v["errors"].(map[string]interface{}); errs["ip_address"] != "invalid_ip" {
		t.Errorf("errors = %v", errs)
	}

	resp = do(t, http.MethodPost, url, strings.NewReader(`{"ip_address":"127.0.0.1"}`))
	v = decodeJSON(t, resp)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	created := v["result"].(map[string]interface{})
	id := created["id"].(string)
	if created["title"] != "HAGhost5" || created["loaded"] != true {
		t.Errorf("created = %v", created)
	}
	if _, ok := env.printers.Printer(id); !ok {
		t.Error("created entry was not set up")
	}

	resp = do(t, http.MethodPost, url, strings.NewReader(`{"ip_address":"127.0.0.1"}`))
	v = decodeJSON(t, resp)
	if errs := v["errors"].(map[string]interface{}); resp.StatusCode != http.StatusBadRequest || errs["ip_address"] != "already_configured" {
		t.Errorf("duplicate = %d %v", resp.StatusCode, errs)
	}

	v = decodeJSON(t, do(t, http.MethodGet, url, nil))
	if list := v["result"].([]interface{}); len(list) != 1 {
		t.Errorf("entries = %v", list)
	}

	resp = do(t, http.MethodDelete, url+"/"+id, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	if _, ok := env.printers.Printer(id); ok {
		t.Error("deleted entry is still loaded")
	}

	resp = do(t, http.MethodDelete, url+"/"+id, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestPrinterStates(t *testing.T) {
	env := newTestEnv(t)
	p := env.addPrinter(t, true)
	base := env.http.URL + "/api/haghost5/printers/" + p.Entry.ID

	deadline := time.Now().Add(waitTimeout)
	for {
		resp := do(t, http.MethodGet, base+"/states/printer_status", nil)
		v := decodeJSON(t, resp)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if v["result"].(map[string]interface{})["state"] == "idle" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("printer_status never became idle: %v", v)
		}
		time.Sleep(10 * time.Millisecond)
	}

	v := decodeJSON(t, do(t, http.MethodGet, base+"/states", nil))
	if readings := v["result"].([]interface{}); len(readings) != 13 {
		t.Errorf("got %d readings, want 13", len(readings))
	}

	v = decodeJSON(t, do(t, http.MethodGet, env.http.URL+"/api/haghost5/printers", nil))
	list := v["result"].([]interface{})
	if len(list) != 1 {
		t.Fatalf("printers = %v", list)
	}
	view := list[0].(map[string]interface{})
	if view["ip_address"] != testIP || view["connected"] != true {
		t.Errorf("printer view = %v", view)
	}
	if state := view["state"].(map[string]interface{}); state["online"] != true || state["bed_temp"] != 24.0 {
		t.Errorf("state = %v", state)
	}

	for _, path := range []string{base + "/states/nope", env.http.URL + "/api/haghost5/printers/nope/states"} {
		resp := do(t, http.MethodGet, path, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestPrinterCommands(t *testing.T) {
	env := newTestEnv(t)
	p := env.addPrinter(t, true)
	base := env.http.URL + "/api/haghost5/printers/" + p.Entry.ID

	resp := do(t, http.MethodPost, base+"/command", strings.NewReader(`{"script":"M105\n\nM27"}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("command status = %d", resp.StatusCode)
	}
	env.printer.expectCommands(t, "M105\n", "M27\n")

	tests := []struct {
		action string
		want   []string
	}{
		{"pause", []string{"M25\n"}},
		{"resume", []string{"M24\n"}},
		{"cancel", []string{"M26\n"}},
		{"start?filename=cube.gcode", []string{"M23 cube.gcode\n", "M24\n"}},
	}
	for _, tt := range tests {
		resp := do(t, http.MethodPost, base+"/print/"+tt.action, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", tt.action, resp.StatusCode)
		}
		env.printer.expectCommands(t, tt.want...)
	}

	for path, want := range map[string]int{
		base + "/print/explode": http.StatusNotFound,
		base + "/print/start":   http.StatusBadRequest,
		base + "/command":       http.StatusBadRequest,
	} {
		resp := do(t, http.MethodPost, path, nil)
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("POST %s = %d, want %d", path, resp.StatusCode, want)
		}
	}
}

func TestPrinterCommandNotConnected(t *testing.T) {
	env := newTestEnv(t, printer.WithFeedURL("ws://127.0.0.1:1/"))
	p := env.addPrinter(t, false)

	resp := do(t, http.MethodPost, env.http.URL+"/api/haghost5/printers/"+p.Entry.ID+"/print/pause", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestHistoryHandlers(t *testing.T) {
	env := newTestEnv(t)
	job := env.history.StartJob(testIP, "cube.gcode", history.JobMeta{})
	base := env.http.URL + "/api/haghost5/history"

	resp := do(t, http.MethodDelete, base+"/"+job.JobID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("deleting an open job = %d, want 404", resp.StatusCode)
	}

	env.history.FinishJob(testIP, history.StatusCompleted, 600, 1200)

	v := decodeJSON(t, do(t, http.MethodGet, base+"?printer="+testIP, nil))
	result := v["result"].(map[string]interface{})
	jobs := result["jobs"].([]interface{})
	if result["count"] != 1.0 || len(jobs) != 1 {
		t.Fatalf("history = %v", result)
	}
	if j := jobs[0].(map[string]interface{}); j["filename"] != "cube.gcode" || j["status"] != "completed" {
		t.Errorf("job = %v", j)
	}

	v = decodeJSON(t, do(t, http.MethodGet, base+"?printer=10.0.0.9", nil))
	if c := v["result"].(map[string]interface{})["count"]; c != 0.0 {
		t.Errorf("other printer count = %v", c)
	}

	v = decodeJSON(t, do(t, http.MethodGet, base+"/totals", nil))
	totals := v["result"].(map[string]interface{})["job_totals"].(map[string]interface{})
	if totals["total_jobs"] != 1.0 || totals["total_filament_used"] != 1200.0 {
		t.Errorf("totals = %v", totals)
	}

	resp = do(t, http.MethodGet, base+"/"+job.JobID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get job = %d", resp.StatusCode)
	}

	resp = do(t, http.MethodDelete, base+"/"+job.JobID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete job = %d", resp.StatusCode)
	}
}

func TestCORSAndHealth(t *testing.T) {
	env := newTestEnv(t)

	resp := do(t, http.MethodOptions, env.http.URL+"/api/haghost5/upload", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("OPTIONS = %d, headers %v", resp.StatusCode, resp.Header)
	}

	v := decodeJSON(t, do(t, http.MethodGet, env.http.URL+"/health", nil))
	if v["status"] != "ok" || v["printers"] != 0.0 {
		t.Errorf("health = %v", v)
	}
}

type wsMessage struct {
	Method string            `json:"method"`
	ID     interface{}       `json:"id"`
	Result json.RawMessage   `json:"result"`
	Error  *rpcError         `json:"error"`
	Params []json.RawMessage `json:"params"`
}

func dialHub(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	url := strings.Replace(env.http.URL, "http://", "ws://", 1) + "/websocket"
	conn, _, err := websocket.DefaultDialer.DialContext(t.Context(), url, nil)
	if err != nil {
		t.Fatalf("dialing hub: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(waitTimeout))
	return conn
}

// readUntil reads messages until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(wsMessage) bool) wsMessage {
	t.Helper()
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("reading hub message: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func call(t *testing.T, conn *websocket.Conn, id int, method string, params interface{}) wsMessage {
	t.Helper()
	req := jsonRPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("writing request: %v", err)
	}
	return readUntil(t, conn, func(m wsMessage) bool {
		n, ok := m.ID.(float64)
		return ok && int(n) == id
	})
}

func TestWebSocketRPC(t *testing.T) {
	env := newTestEnv(t)
	p := env.addPrinter(t, true)
	conn := dialHub(t, env)

	msg := call(t, conn, 1, "printer.list", nil)
	var list struct {
		Printers []printerView `json:"printers"`
	}
	if err := json.Unmarshal(msg.Result, &list); err != nil || len(list.Printers) != 1 {
		t.Fatalf("printer.list = %s, %v", msg.Result, err)
	}

	msg = call(t, conn, 2, "printer.states", map[string]interface{}{"entry_id": p.Entry.ID})
	var states struct {
		Readings []printer.Reading `json:"readings"`
	}
	if err := json.Unmarshal(msg.Result, &states); err != nil || len(states.Readings) != 13 {
		t.Errorf("printer.states = %s, %v", msg.Result, err)
	}

	msg = call(t, conn, 3, "printer.gcode.script", map[string]interface{}{"script": "M105"})
	if msg.Error != nil {
		t.Fatalf("printer.gcode.script error = %+v", msg.Error)
	}
	env.printer.expectCommands(t, "M105\n")

	msg = call(t, conn, 4, "printer.states", map[string]interface{}{"entry_id": "nope"})
	if msg.Error == nil || msg.Error.Code != rpcInvalidParams {
		t.Errorf("unknown entry error = %+v", msg.Error)
	}

	msg = call(t, conn, 5, "printer.explode", nil)
	if msg.Error == nil || msg.Error.Code != rpcMethodNotFound {
		t.Errorf("unknown method error = %+v", msg.Error)
	}

	msg = call(t, conn, 6, "server.info", nil)
	var info map[string]interface{}
	if err := json.Unmarshal(msg.Result, &info); err != nil || info["domain"] != "haghost5" {
		t.Errorf("server.info = %s, %v", msg.Result, err)
	}
}

func TestWebSocketNotifications(t *testing.T) {
	env := newTestEnv(t)
	conn := dialHub(t, env)

	// A round trip guarantees the client is registered before broadcasts.
	call(t, conn, 1, "server.info", nil)

	env.addPrinter(t, false)
	readUntil(t, conn, func(m wsMessage) bool { return m.Method == "notify_entry_loaded" })
	readUntil(t, conn, func(m wsMessage) bool {
		if m.Method != "notify_state_changed" || len(m.Params) != 1 {
			return false
		}
		var change struct {
			IP      string          `json:"ip"`
			Reading printer.Reading `json:"reading"`
		}
		if err := json.Unmarshal(m.Params[0], &change); err != nil {
			t.Fatalf("decoding change: %v", err)
		}
		return change.IP == testIP && change.Reading.Key == printer.KeyStatus && change.Reading.State == "idle"
	})

	resp := env.postFile(t, "/api/haghost5/upload", "a.gcode", "G28\n")
	resp.Body.Close()
	readUntil(t, conn, func(m wsMessage) bool { return m.Method == "notify_filelist_changed" })
}
