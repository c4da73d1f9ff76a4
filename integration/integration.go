// Package integration runs the printers behind the configured entries.
package integration

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/haghost5/hag5bridge/printer"
	"github.com/haghost5/hag5bridge/registry"
)

// ErrNotLoaded is returned for operations on an entry that is not set up.
var ErrNotLoaded = errors.New("entry not loaded")

// Listener is told about entry lifecycle and reading changes. Calls for one
// entry arrive in order: EntryLoaded, ReadingChanged..., EntryUnloaded.
type Listener interface {
	EntryLoaded(e registry.Entry, readings []printer.Reading)
	ReadingChanged(e registry.Entry, r printer.Reading)
	EntryUnloaded(e registry.Entry)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Loaded   func(e registry.Entry, readings []printer.Reading)
	Changed  func(e registry.Entry, r printer.Reading)
	Unloaded func(e registry.Entry)
}

func (f ListenerFuncs) EntryLoaded(e registry.Entry, readings []printer.Reading) {
	if f.Loaded != nil {
		f.Loaded(e, readings)
	}
}

func (f ListenerFuncs) ReadingChanged(e registry.Entry, r printer.Reading) {
	if f.Changed != nil {
		f.Changed(e, r)
	}
}

func (f ListenerFuncs) EntryUnloaded(e registry.Entry) {
	if f.Unloaded != nil {
		f.Unloaded(e)
	}
}

// Settings shape every printer that is set up.
type Settings struct {
	OfflineAfter  time.Duration
	QueryInterval time.Duration
	ClientOptions []printer.ClientOption
}

// Printer is one loaded entry: its device state and feed client.
type Printer struct {
	Entry  registry.Entry
	Device *printer.Device
	Client *printer.Client

	cancel context.CancelFunc
	done   sync.WaitGroup
	loaded chan struct{} // closed once EntryLoaded was delivered
}

// Manager sets up and tears down printers for config entries.
type Manager struct {
	settings Settings

	mu        sync.RWMutex
	printers  map[string]*Printer
	listeners []Listener
	closed    bool
}

// New creates a manager. Listeners must be added before any entry is set up.
func New(settings Settings) *Manager {
	return &Manager{
		settings: settings,
		printers: make(map[string]*Printer),
	}
}

// AddListener registers l for all future events.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) snapshotListeners() []Listener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Listener(nil), m.listeners...)
}

// SetupEntry starts the printer of e. Setting up a loaded entry is a no-op.
func (m *Manager) SetupEntry(e registry.Entry) (*Printer, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("integration closed")
	}
	if p, ok := m.printers[e.ID]; ok {
		m.mu.Unlock()
		return p, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Printer{Entry: e, cancel: cancel, loaded: make(chan struct{})}
	listeners := append([]Listener(nil), m.listeners...)
	p.Device = printer.NewDevice(e.IPAddress, m.settings.OfflineAfter, func(r printer.Reading) {
		for _, l := range listeners {
			l.ReadingChanged(e, r)
		}
	})
	p.Client = printer.NewClient(e.IPAddress, p.Device.HandleMessage, m.settings.ClientOptions...)
	watchdog := printer.NewWatchdog(p.Device, p.Client, m.settings.QueryInterval)

	// Both loops hold until listeners have seen EntryLoaded, so no change
	// overtakes it. Unloading meanwhile just cancels them.
	p.done.Add(2)
	go func() {
		defer p.done.Done()
		if !p.waitLoaded(ctx) {
			return
		}
		if err := p.Client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("Printer %s feed stopped: %v", e.IPAddress, err)
		}
	}()
	go func() {
		defer p.done.Done()
		if p.waitLoaded(ctx) {
			watchdog.Run(ctx)
		}
	}()
	m.printers[e.ID] = p
	m.mu.Unlock()

	for _, l := range listeners {
		l.EntryLoaded(e, p.Device.Readings())
	}
	close(p.loaded)

	log.Infof("Set up printer %s (entry %s)", e.IPAddress, e.ID)
	return p, nil
}

func (p *Printer) waitLoaded(ctx context.Context) bool {
	select {
	case <-p.loaded:
		return ctx.Err() == nil
	case <-ctx.Done():
		return false
	}
}

// UnloadEntry stops the printer of entry id and waits for it to finish.
func (m *Manager) UnloadEntry(id string) error {
	m.mu.Lock()
	p, ok := m.printers[id]
	if ok {
		delete(m.printers, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrNotLoaded
	}

	p.cancel()
	p.done.Wait()
	<-p.loaded

	for _, l := range m.snapshotListeners() {
		l.EntryUnloaded(p.Entry)
	}
	log.Infof("Unloaded printer %s (entry %s)", p.Entry.IPAddress, id)
	return nil
}

// Printer returns the loaded printer of entry id.
func (m *Manager) Printer(id string) (*Printer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.printers[id]
	return p, ok
}

// Printers returns all loaded printers in entry creation order.
func (m *Manager) Printers() []*Printer {
	m.mu.RLock()
	list := make([]*Printer, 0, len(m.printers))
	for _, p := range m.printers {
		list = append(list, p)
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].Entry.CreatedAt.Equal(list[j].Entry.CreatedAt) {
			return list[i].Entry.ID < list[j].Entry.ID
		}
		return list[i].Entry.CreatedAt.Before(list[j].Entry.CreatedAt)
	})
	return list
}

// Close unloads every entry. No entry can be set up afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.printers))
	for id := range m.printers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.UnloadEntry(id); err != nil && !errors.Is(err, ErrNotLoaded) {
			log.Warnf("Unloading entry %s: %v", id, err)
		}
	}
}
