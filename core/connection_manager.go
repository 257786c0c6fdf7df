package core

import (
	"bufio"
	"sync"

	"github.com/sirupsen/logrus"
)

// EnvelopeHandler is how the connection manager hands a received frame
// off to the network manager: on_recv_envelope(bytes, flow).
type EnvelopeHandler func(data []byte, flow Flow)

// ConnectionManager owns the connection table plus an inbound queue of
// new connections awaiting their receive loop. It is a single-writer,
// many-reader structure: a short-held lock guards the table; receive
// loops never hold it across I/O.
type ConnectionManager struct {
	log   *logrus.Logger
	table *ConnectionTable

	onRecv EnvelopeHandler

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// NewConnectionManager builds a connection manager over table, calling
// onRecv for every framed message a receive loop pulls off the wire.
func NewConnectionManager(table *ConnectionTable, onRecv EnvelopeHandler, log *logrus.Logger) *ConnectionManager {
	if log == nil {
		log = logrus.New()
	}
	return &ConnectionManager{
		table:  table,
		onRecv: onRecv,
		log:    log.WithField("component", "connection_manager").Logger,
		stop:   make(chan struct{}),
	}
}

// OnAccepted admits conn into the table, closes any evicted connection,
// and spawns its receive loop.
func (m *ConnectionManager) OnAccepted(conn *Connection) error {
	evicted, err := m.table.Add(conn)
	if err != nil {
		return err
	}
	if evicted != nil {
		m.log.WithField("flow", evicted.Flow.String()).Debug("connection table eviction on accept")
		_ = evicted.Close()
	}
	m.wg.Add(1)
	go m.receiveLoop(conn)
	return nil
}

// receiveLoop repeatedly pulls framed messages off conn and hands each to
// onRecv, terminating on receive error or on the manager's stop signal.
func (m *ConnectionManager) receiveLoop(conn *Connection) {
	defer m.wg.Done()
	defer func() {
		_, _ = m.table.Remove(conn.ID)
		_ = conn.Close()
	}()

	reader := bufio.NewReader(conn.Conn)
	for {
		select {
		case <-m.stop:
			return
		case <-conn.Stopped():
			return
		default:
		}

		var (
			frame []byte
			err   error
		)
		switch conn.Protocol {
		case ProtocolTCP:
			frame, err = ReadTCPFrame(reader)
		default:
			// Only TCP connections are read here. For any other
			// protocol (WS/WSS included) the loop returns at once,
			// and the deferred cleanup removes the connection from
			// the table and closes it; nothing else reads from it.
			return
		}
		if err != nil {
			m.log.WithError(err).WithField("flow", conn.Flow.String()).Debug("receive loop terminating")
			return
		}

		m.onRecv(frame, conn.Flow)
	}
}

// Shutdown signals every receive loop to stop, closes and removes every
// connection in the table, then waits for the loops to return.
func (m *ConnectionManager) Shutdown() {
	m.once.Do(func() { close(m.stop) })
	closed := m.table.DrainMatching(func(*Connection) bool { return true })
	for _, c := range closed {
		_ = c.Close()
	}
	m.wg.Wait()
}

// Table exposes the underlying connection table for send-path lookups.
func (m *ConnectionManager) Table() *ConnectionTable { return m.table }
