// Package store defines the persistence contract the engine runs against
// and its two implementations: MongoDB for production (mongo.go) and an
// in-memory document store for tests (memory.go).
//
// Collections are laid out per bot kind: users, {kind}_bots,
// {kind}_bot_trades, and {kind}_bot_logs. Bot mutations go through Patch
// (partial field updates plus atomic counters) rather than whole-document
// writes, so concurrent runners never clobber each other's fields. The one
// stronger primitive is SetOrdersPlaced, a compare-and-set that at most one
// caller wins per bot.
package store

import (
	"context"
	"errors"
	"time"

	"gcb-engine/pkg/types"
)

// ErrNotFound is returned when a referenced user or bot does not exist.
var ErrNotFound = errors.New("store: not found")

// Patch is a partial bot update. Set assigns fields by dotted path
// ("stabilizer.targetPrice"); Inc atomically adds to numeric fields.
// Every applied patch also bumps the bot's updatedAt.
type Patch struct {
	Set map[string]any
	Inc map[string]int64
}

// Store is the persistence surface the engine and strategies run against.
type Store interface {
	// GetUser fetches one user by id; ErrNotFound if absent.
	GetUser(ctx context.Context, id string) (*types.User, error)

	// ListActiveBots returns the bots of one kind with isActive and
	// isRunning both true, ready for scheduling.
	ListActiveBots(ctx context.Context, kind types.BotKind) ([]types.Bot, error)

	// GetBot fetches one bot; ErrNotFound if absent.
	GetBot(ctx context.Context, kind types.BotKind, id string) (*types.Bot, error)

	// UpdateBot applies a partial update to one bot.
	UpdateBot(ctx context.Context, kind types.BotKind, id string, patch Patch) error

	// DeleteBot removes one bot and its activity logs; ErrNotFound if the
	// bot is absent.
	DeleteBot(ctx context.Context, kind types.BotKind, id string) error

	// TouchLastChecked stamps the bot's lastCheckedAt after a tick.
	TouchLastChecked(ctx context.Context, kind types.BotKind, id string, at time.Time) error

	// SetOrdersPlaced flips the buy-wall ordersPlaced flag false→true.
	// Returns true only for the single caller that performed the flip.
	SetOrdersPlaced(ctx context.Context, kind types.BotKind, id string) (bool, error)

	// RecordTrade appends one immutable trade record.
	RecordTrade(ctx context.Context, trade *types.Trade) error

	// AppendLog appends one activity-log entry for kinds that persist
	// their audit trail.
	AppendLog(ctx context.Context, entry *types.ActivityLog) error

	// Close releases the underlying connection.
	Close(ctx context.Context) error
}

// Collection names. Bot, trade, and log collections are per kind.
const (
	usersCollection = "users"
)

func botsCollection(kind types.BotKind) string   { return string(kind) + "_bots" }
func tradesCollection(kind types.BotKind) string { return string(kind) + "_bot_trades" }
func logsCollection(kind types.BotKind) string   { return string(kind) + "_bot_logs" }
