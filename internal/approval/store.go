package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/dispatchwatch/internal/model"
)

// validID matches alphanumeric, dash, underscore, and dot characters only.
var validID = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

var (
	ErrNotFound   = errors.New("ticket not found")
	ErrNotPending = errors.New("ticket is not pending")
	ErrConsumed   = errors.New("ticket already consumed")
)

// validateID rejects ids that could cause path traversal.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("id must not be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("id must not contain '..'")
	}
	if !validID.MatchString(id) {
		return fmt.Errorf("id contains invalid characters: only alphanumeric, dash, underscore, and dot are allowed")
	}
	return nil
}

// Status represents the state of an approval ticket.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusConsumed Status = "consumed"
)

// Ticket is a high-risk action waiting on a human decision. Tickets never
// change status on their own; only Approve, Reject and Consume move them.
type Ticket struct {
	ID         string       `json:"id"`
	Action     string       `json:"action"`
	Requester  string       `json:"requester"`
	Reason     string       `json:"reason"`
	Context    model.Params `json:"context,omitempty"`
	Status     Status       `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
	Resolver   string       `json:"resolver,omitempty"`
	Note       string       `json:"note,omitempty"`
	ConsumedAt *time.Time   `json:"consumed_at,omitempty"`
}

// Store holds approval tickets in memory and, when a directory is
// configured, mirrors each ticket to <dir>/<id>.json so that another
// process (the CLI) can resolve it.
type Store struct {
	dir     string
	mu      sync.Mutex
	tickets map[string]Ticket
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewMemoryStore returns a process-local store.
func NewMemoryStore(opts ...Option) *Store {
	s := &Store{tickets: make(map[string]Ticket), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewStore creates a Store backed by the given directory.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create approval directory: %w", err)
	}
	s := NewMemoryStore(opts...)
	s.dir = dir
	return s, nil
}

// DefaultDir returns the default ticket directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "dispatchwatch-approvals")
	}
	return filepath.Join(home, ".dispatchwatch", "approvals")
}

// Request creates a pending ticket for action.
func (s *Store) Request(action, requester, reason string, ctx model.Params) (*Ticket, error) {
	if action == "" {
		return nil, fmt.Errorf("action must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := Ticket{
		ID:        uuid.NewString(),
		Action:    action,
		Requester: requester,
		Reason:    reason,
		Context:   ctx.Clone(),
		Status:    StatusPending,
		CreatedAt: s.now().UTC(),
	}
	if err := s.save(t); err != nil {
		return nil, fmt.Errorf("failed to store ticket: %w", err)
	}
	return &t, nil
}

// Approve resolves a pending ticket as approved.
func (s *Store) Approve(id, resolver, note string) (*Ticket, error) {
	return s.resolve(id, StatusApproved, resolver, note)
}

// Reject resolves a pending ticket as rejected.
func (s *Store) Reject(id, resolver, note string) (*Ticket, error) {
	return s.resolve(id, StatusRejected, resolver, note)
}

func (s *Store) resolve(id string, to Status, resolver, note string) (*Ticket, error) {
	if err := validateID(id); err != nil {
		return nil, fmt.Errorf("invalid ticket id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusPending {
		return nil, fmt.Errorf("ticket %q is %s: %w", id, t.Status, ErrNotPending)
	}

	now := s.now().UTC()
	t.Status = to
	t.ResolvedAt = &now
	t.Resolver = resolver
	t.Note = note

	if err := s.save(*t); err != nil {
		return nil, fmt.Errorf("failed to store ticket: %w", err)
	}
	return t, nil
}

// Consume marks an approved ticket as used so it cannot authorize twice.
func (s *Store) Consume(id string) error {
	if err := validateID(id); err != nil {
		return fmt.Errorf("invalid ticket id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.load(id)
	if err != nil {
		return err
	}
	switch t.Status {
	case StatusConsumed:
		return fmt.Errorf("ticket %q: %w", id, ErrConsumed)
	case StatusApproved:
	default:
		return fmt.Errorf("ticket %q is %s, not approved", id, t.Status)
	}

	now := s.now().UTC()
	t.Status = StatusConsumed
	t.ConsumedAt = &now
	return s.save(*t)
}

// Get returns a ticket by id.
func (s *Store) Get(id string) (*Ticket, error) {
	if err := validateID(id); err != nil {
		return nil, fmt.Errorf("invalid ticket id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load(id)
}

// List returns all tickets, oldest first.
func (s *Store) List() ([]Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Ticket
	if s.dir == "" {
		for _, t := range s.tickets {
			out = append(out, t)
		}
	} else {
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			t, err := s.readFile(strings.TrimSuffix(e.Name(), ".json"))
			if err != nil {
				continue
			}
			out = append(out, *t)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Pending returns tickets still waiting on a human.
func (s *Store) Pending() ([]Ticket, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []Ticket
	for _, t := range all {
		if t.Status == StatusPending {
			out = append(out, t)
		}
	}
	return out, nil
}

// Approved returns approved tickets that have not been consumed yet.
func (s *Store) Approved() ([]Ticket, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []Ticket
	for _, t := range all {
		if t.Status == StatusApproved {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) load(id string) (*Ticket, error) {
	if s.dir == "" {
		t, ok := s.tickets[id]
		if !ok {
			return nil, fmt.Errorf("ticket %q: %w", id, ErrNotFound)
		}
		return &t, nil
	}
	t, err := s.readFile(id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("ticket %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read ticket %q: %w", id, err)
	}
	return t, nil
}

func (s *Store) save(t Ticket) error {
	if s.dir == "" {
		s.tickets[t.ID] = t
		return nil
	}
	return s.writeAtomic(s.path(t.ID), t)
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) readFile(id string) (*Ticket, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, err
	}

	var t Ticket
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) writeAtomic(path string, t Ticket) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}
