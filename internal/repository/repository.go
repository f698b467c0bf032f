package repository

import "cardgame_web/internal/storage"

type Repositories struct {
	User     UserRepository
	Session  SessionRepository
	Response ResponseRepository
	Event    EventRepository
}

func NewRepositories(db *storage.PostgresDB) *Repositories {
	return &Repositories{
		User:     NewUserRepository(db),
		Session:  NewSessionRepository(db),
		Response: NewResponseRepository(db),
		Event:    NewEventRepository(db),
	}
}
