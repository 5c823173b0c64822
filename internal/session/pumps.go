package session

import (
	"bufio"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/protocol"
)

// writeWait bounds a single socket write; a peer that cannot accept a
// frame within it is treated as gone.
const writeWait = 5 * time.Second

// readPump moves raw frames from the socket to the loop. It never
// interprets payloads; decoding happens on the loop goroutine.
func (s *Session) readPump() {
	defer close(s.inbound)
	defer logging.Recover(s.log, "session read pump", nil)

	for {
		// Generous backstop: protocol pings run at half the message
		// timeout, so a live peer always answers well inside this.
		s.sock.SetReadDeadline(time.Now().Add(2 * s.cfg.MessageTimeout))
		data, op, err := wsutil.ReadClientData(s.sock)
		if err != nil {
			return
		}
		select {
		case s.inbound <- frame{data: data, op: op}:
		case <-s.stop:
			return
		}
	}
}

// writePump is the sole writer to the socket. It batches whatever the
// outbox holds per wakeup and finishes by sending the recorded close
// frame. Closing the socket here is what unblocks the read pump, so it
// is deferred and must happen even if this pump dies early.
func (s *Session) writePump() {
	defer s.sock.Close()
	defer logging.Recover(s.log, "session write pump", nil)

	w := bufio.NewWriter(s.sock)
	outbox := s.conn.Outbox()

	for data := range outbox {
		s.sock.SetWriteDeadline(time.Now().Add(writeWait))
		if err := wsutil.WriteServerMessage(w, ws.OpText, data); err != nil {
			s.writeFailed(err)
			return
		}
		for i := s.conn.QueueDepth(); i > 0; i-- {
			more, ok := <-outbox
			if !ok {
				break
			}
			if err := wsutil.WriteServerMessage(w, ws.OpText, more); err != nil {
				s.writeFailed(err)
				return
			}
		}
		if err := w.Flush(); err != nil {
			s.writeFailed(err)
			return
		}
	}

	code, reason := s.conn.CloseStatus()
	if code == 0 {
		code = protocol.CloseNormal
	}
	s.sock.SetWriteDeadline(time.Now().Add(writeWait))
	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	if err := wsutil.WriteServerMessage(s.sock, ws.OpClose, body); err != nil {
		s.log.Debug().Err(err).Msg("close frame not delivered")
	}
}

func (s *Session) writeFailed(err error) {
	s.deps.Sink.Count("session_write_failures_total", 1)
	s.log.Debug().Err(err).Msg("socket write failed, dropping transport")
}
