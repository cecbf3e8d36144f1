// Package inhibitor tracks work holds: declarations by other services that
// deferred jobs, alarm delivery or other maintenance work is in progress.
// While any such hold exists, a maintenance window is not cut short.
package inhibitor

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
)

// Kind says what a hold stands for.
type Kind string

const (
	KindJobs   Kind = "jobs"
	KindAlarms Kind = "alarms"
	KindOps    Kind = "ops"
)

// Hold is one outstanding piece of work.
type Hold struct {
	ID   string
	Who  string
	What Kind
	Why  string
	conn net.Conn
}

// Summary counts the holds per kind.
type Summary struct {
	Jobs   int
	Alarms int
	Ops    int
}

// Manager keeps the set of holds. Holds come from connections to a unix
// socket, where the hold lasts as long as the connection, or are added
// directly.
type Manager struct {
	logger     *log.Logger
	socketPath string
	listener   net.Listener
	mutex      sync.RWMutex
	holds      map[string]*Hold
	connSeq    int
	onChange   func(Summary)
}

// NewManager creates a manager. When socketPath is empty no socket is
// opened. onChange is called, without locks held, after every change.
func NewManager(logger *log.Logger, socketPath string, onChange func(Summary)) (*Manager, error) {
	m := &Manager{
		logger:     logger,
		socketPath: socketPath,
		holds:      make(map[string]*Hold),
		onChange:   onChange,
	}
	if socketPath == "" {
		return m, nil
	}

	if _, err := os.Stat(socketPath); err == nil {
		if err := os.Remove(socketPath); err != nil {
			return nil, fmt.Errorf("failed to remove existing socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}
	m.listener = listener

	go m.acceptConnections()
	return m, nil
}

func (m *Manager) acceptConnections() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Printf("Failed to accept connection: %v", err)
			continue
		}

		go m.handleConnection(conn)
	}
}

// handleConnection reads one JSON header line, acknowledges it with a zero
// byte and keeps the hold until the peer disconnects. A bad header is
// answered with a one byte and the connection is dropped.
func (m *Manager) handleConnection(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		m.logger.Printf("Failed to read hold header: %v", err)
		return
	}
	data, err := ParseHold(line)
	if err != nil {
		m.logger.Printf("Rejected hold from %s: %v", conn.RemoteAddr(), err)
		conn.Write([]byte{1})
		return
	}

	m.mutex.Lock()
	m.connSeq++
	id := "conn:" + strconv.Itoa(m.connSeq)
	m.mutex.Unlock()

	hold := &Hold{ID: id, Who: data.Who, What: data.What, Why: data.Why, conn: conn}
	if !m.add(hold) {
		return
	}
	if _, err := conn.Write([]byte{0}); err != nil {
		m.logger.Printf("Failed to send acknowledgment: %v", err)
		m.Remove(id)
		return
	}

	buf := make([]byte, 1)
	for {
		if _, err := reader.Read(buf); err != nil {
			break
		}
	}
	m.Remove(id)
}

// Add registers a hold under its ID. It reports false if the ID is taken.
func (m *Manager) Add(id, who string, what Kind, why string) bool {
	return m.add(&Hold{ID: id, Who: who, What: what, Why: why})
}

func (m *Manager) add(h *Hold) bool {
	m.mutex.Lock()
	if _, exists := m.holds[h.ID]; exists {
		m.mutex.Unlock()
		return false
	}
	m.holds[h.ID] = h
	summary := m.summaryLocked()
	m.mutex.Unlock()

	m.logger.Printf("Added hold %s: %s by %s (%s)", h.ID, h.What, h.Who, h.Why)
	m.notify(summary)
	return true
}

// Remove drops the hold with the given ID.
func (m *Manager) Remove(id string) bool {
	m.mutex.Lock()
	h, exists := m.holds[id]
	if !exists {
		m.mutex.Unlock()
		return false
	}
	delete(m.holds, id)
	summary := m.summaryLocked()
	m.mutex.Unlock()

	m.logger.Printf("Removed hold %s: %s by %s", h.ID, h.What, h.Who)
	m.notify(summary)
	return true
}

func (m *Manager) notify(s Summary) {
	if m.onChange != nil {
		m.onChange(s)
	}
}

func (m *Manager) summaryLocked() Summary {
	var s Summary
	for _, h := range m.holds {
		switch h.What {
		case KindJobs:
			s.Jobs++
		case KindAlarms:
			s.Alarms++
		default:
			s.Ops++
		}
	}
	return s
}

// Summary returns the current hold counts.
func (m *Manager) Summary() Summary {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.summaryLocked()
}

// Holds returns the current holds ordered by ID.
func (m *Manager) Holds() []Hold {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	holds := make([]Hold, 0, len(m.holds))
	for _, h := range m.holds {
		holds = append(holds, Hold{ID: h.ID, Who: h.Who, What: h.What, Why: h.Why})
	}
	sort.Slice(holds, func(i, j int) bool { return holds[i].ID < holds[j].ID })
	return holds
}

// Close stops accepting connections and drops every hold.
func (m *Manager) Close() error {
	if m.listener != nil {
		if err := m.listener.Close(); err != nil {
			return fmt.Errorf("failed to close listener: %w", err)
		}
	}

	m.mutex.Lock()
	for _, h := range m.holds {
		if h.conn != nil {
			h.conn.Close()
		}
	}
	m.holds = make(map[string]*Hold)
	m.mutex.Unlock()

	if m.socketPath != "" {
		if err := os.Remove(m.socketPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove socket file: %w", err)
		}
	}
	return nil
}
