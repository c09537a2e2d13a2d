// Package session keeps per-user conversation state and inbound message
// dedup markers in Redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "analysis-workers/internal/common/errors"
	"analysis-workers/internal/common/logger"
	"analysis-workers/internal/models"
)

const (
	DefaultSessionTTL = 24 * time.Hour
	DefaultDedupTTL   = 60 * time.Second

	sessionPrefix = "session:"
	dedupPrefix   = "wa:msg:"

	maxUpdateAttempts = 3
)

// Store persists sessions as JSON under session:<user>. Every read or write
// pushes the expiry out again.
type Store struct {
	redis *redis.Client
	ttl   time.Duration
	log   logger.Logger
}

func NewStore(rdb *redis.Client, ttl time.Duration, log logger.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Store{redis: rdb, ttl: ttl, log: log}
}

func Key(userID string) string { return sessionPrefix + userID }

// Get returns the stored session, or a fresh one when none exists.
func (s *Store) Get(ctx context.Context, userID string) (*models.Session, error) {
	raw, err := s.redis.Get(ctx, Key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.NewSession(userID), nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("session read", err)
	}

	sess, err := decode(userID, raw)
	if err != nil {
		s.log.Warn("discarding unreadable session", map[string]interface{}{
			"userId": userID,
			"error":  err.Error(),
		})
		return models.NewSession(userID), nil
	}

	if err := s.redis.Expire(ctx, Key(userID), s.ttl).Err(); err != nil {
		s.log.Warn("session ttl refresh failed", map[string]interface{}{"userId": userID, "error": err.Error()})
	}
	return sess, nil
}

func (s *Store) Save(ctx context.Context, sess *models.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.redis.Set(ctx, Key(sess.UserID), data, s.ttl).Err(); err != nil {
		return apperrors.NewDatabaseError("session write", err)
	}
	return nil
}

// AppendTurn adds one turn through Update, so a webhook message and a
// finishing worker cannot overwrite each other's history.
func (s *Store) AppendTurn(ctx context.Context, userID string, role models.Role, content string) error {
	_, err := s.Update(ctx, userID, func(sess *models.Session) {
		sess.AppendTurn(role, content)
	})
	return err
}

// Update applies mutate to the current session inside a WATCH transaction
// and returns the stored result. mutate runs again when another writer got
// in first, so it must only touch the session it is given.
func (s *Store) Update(ctx context.Context, userID string, mutate func(*models.Session)) (*models.Session, error) {
	key := Key(userID)
	var updated *models.Session
	txf := func(tx *redis.Tx) error {
		sess := models.NewSession(userID)
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if decoded, derr := decode(userID, raw); derr == nil {
				sess = decoded
			}
		}
		mutate(sess)
		sess.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err == nil {
			updated = sess
		}
		return err
	}

	var err error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err = s.redis.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("session update", err)
	}
	return updated, nil
}

func decode(userID string, raw []byte) (*models.Session, error) {
	var sess models.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, err
	}
	if sess.UserID == "" {
		sess.UserID = userID
	}
	if sess.History == nil {
		sess.History = []models.Turn{}
	}
	return &sess, nil
}

// Deduplicator remembers inbound message IDs for a short window so webhook
// redeliveries are processed once.
type Deduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewDeduplicator(rdb *redis.Client, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &Deduplicator{redis: rdb, ttl: ttl}
}

// FirstSeen reports true exactly once per message ID within the window.
func (d *Deduplicator) FirstSeen(ctx context.Context, messageID string) (bool, error) {
	ok, err := d.redis.SetNX(ctx, dedupPrefix+messageID, 1, d.ttl).Result()
	if err != nil {
		return false, apperrors.NewDatabaseError("dedup", err)
	}
	return ok, nil
}
