package core

import "github.com/dkeye/Call/internal/domain"

// SocketID identifies one subscriber connection. A user may hold several.
type SocketID string

// Subscriber binds an authenticated user and its transport endpoint.
// This is what a channel stores and fans out to.
type Subscriber interface {
	User() *domain.User
	Signal() SignalConnection
}

type subscriber struct {
	user *domain.User
	conn SignalConnection
}

func NewSubscriber(user *domain.User, conn SignalConnection) Subscriber {
	return &subscriber{user: user, conn: conn}
}

func (s *subscriber) User() *domain.User       { return s.user }
func (s *subscriber) Signal() SignalConnection { return s.conn }
