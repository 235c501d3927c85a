package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// session is one observer connection. Frames are written by its writer
// goroutine; replies from the read loop share the write mutex.
type session struct {
	id   uint64
	conn *websocket.Conn

	writeMu sync.Mutex

	filterMu sync.RWMutex
	worlds   map[string]struct{}

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

func newSession(id uint64, conn *websocket.Conn, worlds []string, buffer int) *session {
	if buffer < 1 {
		buffer = 1
	}
	s := &session{
		id:   id,
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
	s.setWorlds(worlds)
	return s
}

// accepts reports whether the observer subscribed to world. An empty
// subscription accepts every world.
func (s *session) accepts(world string) bool {
	s.filterMu.RLock()
	defer s.filterMu.RUnlock()
	if len(s.worlds) == 0 {
		return true
	}
	_, ok := s.worlds[world]
	return ok
}

func (s *session) setWorlds(worlds []string) {
	filter := make(map[string]struct{}, len(worlds))
	for _, world := range worlds {
		if world != "" {
			filter[world] = struct{}{}
		}
	}
	s.filterMu.Lock()
	s.worlds = filter
	s.filterMu.Unlock()
}

// offer queues a frame without blocking. When the buffer is full the oldest
// frame is dropped. It returns false if a frame was dropped or the session
// is closed.
func (s *session) offer(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
	}
	select {
	case <-s.send:
	default:
	}
	select {
	case s.send <- data:
	default:
	}
	return false
}

func (s *session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// writeLoop drains queued frames until the session closes or a write fails.
func (s *session) writeLoop(onError func(error)) {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			if err := s.write(data); err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
		}
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		s.conn.Close()
	})
}
