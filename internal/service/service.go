package service

import (
	"time"

	"cardgame_web/internal/repository"
	"cardgame_web/internal/storage"

	"go.uber.org/zap"
)

type Services struct {
	User        *UserService
	Channel     *SubscriptionChannel
	Presence    *PresenceTracker
	Coordinator *TurnCoordinator
	Broadcaster *EventBroadcaster

	repos  *repository.Repositories
	logger *zap.Logger
}

func NewServices(repos *repository.Repositories, redisClient *storage.RedisClient, heartbeatTTL, syncInterval time.Duration, logger *zap.Logger) *Services {
	channel := NewSubscriptionChannel(redisClient, logger)
	presence := NewPresenceTracker(redisClient, channel, heartbeatTTL, syncInterval, logger)
	broadcaster := NewEventBroadcaster(repos.Event, channel, logger)
	coordinator := NewTurnCoordinator(repos.Session, repos.Response, broadcaster, channel, logger)

	return &Services{
		User:        NewUserService(repos.User),
		Channel:     channel,
		Presence:    presence,
		Coordinator: coordinator,
		Broadcaster: broadcaster,
		repos:       repos,
		logger:      logger,
	}
}

// NewController 為一條客戶端連線建立控制器，
// 依賴在建構時明確交付，不透過任何全域單例
func (s *Services) NewController(sessionID, userID uint) *SessionController {
	return NewSessionController(sessionID, userID,
		s.Coordinator, s.repos.Session, s.repos.Response, s.Channel, s.Presence, s.logger)
}
