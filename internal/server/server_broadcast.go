package server

import (
	"log"

	"github.com/chatgate/gateway/internal/notify"
	"github.com/chatgate/gateway/internal/storage"
)

// Broadcast queues a message for every connected client. It never blocks:
// when the queue is full the message is dropped with a warning. After Stop
// it does nothing.
func (s *Server) Broadcast(msg Message) {
	// Holding RLock through the send keeps Stop from closing the channel
	// underneath us.
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return
	}

	select {
	case s.broadcast <- msg:
	default:
		log.Printf("server: warning: broadcast channel full, dropping %s message", msg.Type)
	}
}

// BroadcastNotification fans out a notification event. Its signature
// matches notify.Broadcaster.
func (s *Server) BroadcastNotification(event notify.Event) {
	s.Broadcast(NewNotificationMessage(event))
}

// BroadcastSessionUpdate fans out a session status change. Its signature
// matches gateway.UpdateFunc.
func (s *Server) BroadcastSessionUpdate(sessionID string, status storage.SessionStatus, message, code string) {
	s.Broadcast(NewSessionUpdateMessage(sessionID, status, message, code))
}

// BroadcastSessionDeleted announces that a session was removed.
func (s *Server) BroadcastSessionDeleted(sessionID string) {
	s.Broadcast(NewSessionDeletedMessage(sessionID))
}

// runBroadcaster reads from the broadcast channel and sends to all clients.
// It exits when Stop closes the channel.
func (s *Server) runBroadcaster() {
	for msg := range s.broadcast {
		s.mu.RLock()
		for client := range s.clients {
			select {
			case <-client.done:
			case client.send <- msg:
			default:
				// Slow client: drop for this client only.
				log.Printf("server: warning: client send buffer full, dropping %s message", msg.Type)
			}
		}
		s.mu.RUnlock()
	}
}
