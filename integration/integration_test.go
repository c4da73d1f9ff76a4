package integration

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haghost5/hag5bridge/printer"
	"github.com/haghost5/hag5bridge/registry"
)

type event struct {
	kind string
	key  string
}

type recorder struct {
	mu     sync.Mutex
	events []event
	change chan printer.Reading
}

func newRecorder() *recorder {
	return &recorder{change: make(chan printer.Reading, 64)}
}

func (r *recorder) add(e event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) EntryLoaded(_ registry.Entry, readings []printer.Reading) {
	r.add(event{kind: "loaded"})
}

func (r *recorder) ReadingChanged(_ registry.Entry, rd printer.Reading) {
	r.add(event{kind: "changed", key: rd.Key})
	r.change <- rd
}

func (r *recorder) EntryUnloaded(registry.Entry) {
	r.add(event{kind: "unloaded"})
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []string
	for _, e := range r.events {
		if len(kinds) == 0 || kinds[len(kinds)-1] != e.kind {
			kinds = append(kinds, e.kind)
		}
	}
	return kinds
}

func newFeedServer(t *testing.T, lines string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(_ *http.Request) bool { return true },
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(lines)); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func testEntry(id string) registry.Entry {
	return registry.Entry{ID: id, Title: "HAGhost5", IPAddress: "127.0.0.1", CreatedAt: time.Now()}
}

func TestSetupAndUnloadEntry(t *testing.T) {
	srv := newFeedServer(t, "T:205 /210 B:60 /60\nM997 PRINTING\n")
	defer srv.Close()

	m := New(Settings{
		OfflineAfter: 30 * time.Second,
		ClientOptions: []printer.ClientOption{
			printer.WithFeedURL(strings.Replace(srv.URL, "http://", "ws://", 1)),
			printer.WithReconnectDelay(10 * time.Millisecond),
		},
	})
	rec := newRecorder()
	m.AddListener(rec)

	e := testEntry("one")
	p, err := m.SetupEntry(e)
	if err != nil {
		t.Fatalf("SetupEntry() error = %v", err)
	}
	again, _ := m.SetupEntry(e)
	if again != p {
		t.Error("SetupEntry() of a loaded entry should return the same printer")
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case r := <-rec.change:
			if r.Key != printer.KeyStatus {
				continue
			}
			if r.State != "printing" {
				t.Errorf("status = %v, want printing", r.State)
			}
		case <-deadline:
			t.Fatal("no status reading received")
		}
		break
	}
	if !p.Device.Online() {
		t.Error("printer should be online after its first line")
	}

	if got, ok := m.Printer("one"); !ok || got != p {
		t.Error("Printer() did not return the loaded printer")
	}
	if err := m.UnloadEntry("one"); err != nil {
		t.Fatalf("UnloadEntry() error = %v", err)
	}
	if err := m.UnloadEntry("one"); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("second UnloadEntry() error = %v, want ErrNotLoaded", err)
	}

	want := []string{"loaded", "changed", "unloaded"}
	if got := rec.kinds(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("event order = %v, want %v", got, want)
	}
}

func TestPrintersAndClose(t *testing.T) {
	m := New(Settings{
		OfflineAfter:  30 * time.Second,
		ClientOptions: []printer.ClientOption{printer.WithFeedPort(1), printer.WithReconnectDelay(time.Hour)},
	})
	var unloaded []string
	var mu sync.Mutex
	m.AddListener(ListenerFuncs{Unloaded: func(e registry.Entry) {
		mu.Lock()
		defer mu.Unlock()
		unloaded = append(unloaded, e.ID)
	}})

	first := testEntry("b")
	second := testEntry("a")
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	for _, e := range []registry.Entry{first, second} {
		if _, err := m.SetupEntry(e); err != nil {
			t.Fatalf("SetupEntry() error = %v", err)
		}
	}

	list := m.Printers()
	if len(list) != 2 || list[0].Entry.ID != "b" || list[1].Entry.ID != "a" {
		t.Errorf("Printers() not in creation order")
	}

	m.Close()
	if len(m.Printers()) != 0 {
		t.Error("Close() left printers loaded")
	}
	if len(unloaded) != 2 {
		t.Errorf("unloaded %v, want both entries", unloaded)
	}
	if _, err := m.SetupEntry(testEntry("c")); err == nil {
		t.Error("SetupEntry() after Close() should fail")
	}
}

func TestListenerFuncsNil(t *testing.T) {
	var l Listener = ListenerFuncs{}
	l.EntryLoaded(testEntry("x"), nil)
	l.ReadingChanged(testEntry("x"), printer.Reading{})
	l.EntryUnloaded(testEntry("x"))
}

func TestUnloadWhileLoading(t *testing.T) {
	m := New(Settings{
		OfflineAfter:  30 * time.Second,
		ClientOptions: []printer.ClientOption{printer.WithFeedPort(1), printer.WithReconnectDelay(time.Hour)},
	})

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var events []string
	m.AddListener(ListenerFuncs{
		Loaded: func(registry.Entry, []printer.Reading) {
			close(entered)
			<-release
			mu.Lock()
			events = append(events, "loaded")
			mu.Unlock()
		},
		Unloaded: func(registry.Entry) {
			mu.Lock()
			events = append(events, "unloaded")
			mu.Unlock()
		},
	})

	e := testEntry("racy")
	setupDone := make(chan error, 1)
	go func() {
		_, err := m.SetupEntry(e)
		setupDone <- err
	}()
	<-entered

	unloadDone := make(chan error, 1)
	go func() { unloadDone <- m.UnloadEntry(e.ID) }()

	select {
	case err := <-unloadDone:
		t.Fatalf("UnloadEntry() returned %v before EntryLoaded finished", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	for name, ch := range map[string]chan error{"SetupEntry": setupDone, "UnloadEntry": unloadDone} {
		select {
		case err := <-ch:
			if err != nil {
				t.Errorf("%s() error = %v", name, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s() did not return", name)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(events, ",") != "loaded,unloaded" {
		t.Errorf("events = %v, want loaded then unloaded", events)
	}
	if len(m.Printers()) != 0 {
		t.Error("entry is still loaded")
	}
}
