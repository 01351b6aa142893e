package hub

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hervehildenbrand/attack-radar/pkg/logging"
)

const (
	// Connection settings
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	maxReadSize  = 512

	// DefaultQueueSize is the number of payloads buffered per subscriber.
	DefaultQueueSize = 16
)

var subscriberSeq uint64

// WSSubscriber delivers payloads over a WebSocket connection.
// Payloads are queued and written by a single goroutine, so each
// subscriber receives them in send order.
type WSSubscriber struct {
	id     string
	conn   *websocket.Conn
	queue  chan []byte
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
	log    zerolog.Logger
}

// NewWSSubscriber wraps an upgraded connection. Call Run to start delivery.
func NewWSSubscriber(conn *websocket.Conn, queueSize int) *WSSubscriber {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	id := "ws-" + strconv.FormatUint(atomic.AddUint64(&subscriberSeq, 1), 10)
	return &WSSubscriber{
		id:    id,
		conn:  conn,
		queue: make(chan []byte, queueSize),
		done:  make(chan struct{}),
		log:   logging.Component("hub").With().Str("subscriber", id).Str("remote", conn.RemoteAddr().String()).Logger(),
	}
}

func (s *WSSubscriber) ID() string { return s.id }

func (s *WSSubscriber) Closed() bool { return s.closed.Load() }

// Send queues payload without blocking. A subscriber whose queue is full
// is too slow to keep up and is closed.
func (s *WSSubscriber) Send(payload []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	select {
	case s.queue <- payload:
		return nil
	default:
		s.log.Warn().Int("queue", cap(s.queue)).Msg("Subscriber too slow, closing")
		s.Close()
		return ErrSlow
	}
}

// Close marks the subscriber closed and stops delivery. Safe to call repeatedly.
func (s *WSSubscriber) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
}

// Done is closed once the subscriber is closed.
func (s *WSSubscriber) Done() <-chan struct{} {
	return s.done
}

// Run pumps queued payloads to the connection and watches for disconnects.
// It blocks until the peer goes away or Close is called, then closes the connection.
func (s *WSSubscriber) Run() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	s.readLoop()
	s.Close()
	<-writerDone
	s.log.Debug().Msg("Subscriber disconnected")
}

// readLoop discards client messages; it exists to process control frames
// and notice when the peer disconnects.
func (s *WSSubscriber) readLoop() {
	s.conn.SetReadLimit(maxReadSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !s.closed.Load() {
				s.log.Debug().Err(err).Msg("Read failed")
			}
			return
		}
	}
}

func (s *WSSubscriber) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload := <-s.queue:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.log.Debug().Err(err).Msg("Write failed")
				s.Close()
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}

		case <-s.done:
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		}
	}
}
