package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Domain is the integration identifier used in device identifiers and entity
// ids.
const Domain = "haghost5"

const (
	entriesFile  = "entries.json"
	defaultTitle = "HAGhost5"
)

var (
	ErrInvalidIP         = errors.New("invalid_ip")
	ErrAlreadyConfigured = errors.New("already_configured")
	ErrNotFound          = errors.New("entry not found")
)

// Entry is one configured printer.
type Entry struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	IPAddress string    `json:"ip_address"`
	CreatedAt time.Time `json:"created_at"`
}

// DeviceInfo describes the physical printer behind an entry.
type DeviceInfo struct {
	Identifiers  [][]string `json:"identifiers"`
	Manufacturer string     `json:"manufacturer"`
	Model        string     `json:"model"`
	Name         string     `json:"name"`
}

// DeviceInfo returns the device registry data for the entry's printer.
func (e Entry) DeviceInfo() DeviceInfo {
	return DeviceInfo{
		Identifiers:  [][]string{{Domain, e.IPAddress}},
		Manufacturer: "HAGhost5",
		Model:        "3D Printer",
		Name:         fmt.Sprintf("Printer (%s)", e.IPAddress),
	}
}

// ValidateIP checks that s is an IPv4 or IPv6 address and returns it in
// canonical form. Hostnames are rejected.
func ValidateIP(s string) (string, error) {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return "", ErrInvalidIP
	}
	return ip.String(), nil
}

// Store is a JSON-file backed list of config entries.
type Store struct {
	mu      sync.RWMutex
	dataDir string
	entries map[string]Entry
}

// New opens the store in dataDir, creating the directory if needed.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	s := &Store{
		dataDir: dataDir,
		entries: make(map[string]Entry),
	}
	if err := s.load(); err != nil {
		// A corrupted file is replaced on the next write.
		log.Warnf("Failed to load config entries: %v", err)
	}
	return s, nil
}

func (s *Store) path() string {
	return filepath.Join(s.dataDir, entriesFile)
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var list []Entry
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	for _, e := range list {
		s.entries[e.ID] = e
	}
	return nil
}

// save persists all entries. Caller must hold the write lock.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.sorted(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(), data, 0644)
}

func (s *Store) sorted() []Entry {
	list := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// Create validates ip and adds a new entry for it.
func (s *Store) Create(ip string) (Entry, error) {
	addr, err := ValidateIP(ip)
	if err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.findByIP(addr); ok {
		return Entry{}, ErrAlreadyConfigured
	}

	e := Entry{
		ID:        uuid.NewString(),
		Title:     defaultTitle,
		IPAddress: addr,
		CreatedAt: time.Now().UTC(),
	}
	s.entries[e.ID] = e
	if err := s.save(); err != nil {
		delete(s.entries, e.ID)
		return Entry{}, fmt.Errorf("saving config entries: %w", err)
	}

	log.Infof("Created config entry %s for printer %s", e.ID, addr)
	return e, nil
}

// Get returns the entry with the given id.
func (s *Store) Get(id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// FindByIP returns the entry for a printer address.
func (s *Store) FindByIP(ip string) (Entry, bool) {
	addr, err := ValidateIP(ip)
	if err != nil {
		return Entry{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findByIP(addr)
}

func (s *Store) findByIP(addr string) (Entry, bool) {
	for _, e := range s.entries {
		if e.IPAddress == addr {
			return e, true
		}
	}
	return Entry{}, false
}

// List returns all entries in creation order.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted()
}

// Delete removes an entry.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.entries, id)
	if err := s.save(); err != nil {
		s.entries[id] = e
		return fmt.Errorf("saving config entries: %w", err)
	}

	log.Infof("Removed config entry %s for printer %s", id, e.IPAddress)
	return nil
}
