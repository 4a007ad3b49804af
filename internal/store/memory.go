package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gcb-engine/pkg/types"
)

// Memory is an in-process Store used by tests. Bots are held as decoded
// JSON documents so dotted-path patches apply exactly as they would in
// MongoDB; the json and bson tags on types.Bot use the same field names.
type Memory struct {
	mu     sync.Mutex
	users  map[string]types.User
	bots   map[types.BotKind]map[string]map[string]any
	Trades []types.Trade
	Logs   []types.ActivityLog
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users: make(map[string]types.User),
		bots:  make(map[types.BotKind]map[string]map[string]any),
	}
}

func (m *Memory) Close(ctx context.Context) error { return nil }

// PutUser seeds a user.
func (m *Memory) PutUser(user types.User) {
	m.mu.Lock()
	m.users[user.ID] = user
	m.mu.Unlock()
}

// PutBot seeds a bot, assigning an id if empty.
func (m *Memory) PutBot(bot types.Bot) string {
	if bot.ID == "" {
		bot.ID = uuid.NewString()
	}
	doc, err := toDoc(bot)
	if err != nil {
		panic(fmt.Sprintf("memory store: encode bot: %v", err))
	}
	m.mu.Lock()
	if m.bots[bot.Kind] == nil {
		m.bots[bot.Kind] = make(map[string]map[string]any)
	}
	m.bots[bot.Kind][bot.ID] = doc
	m.mu.Unlock()
	return bot.ID
}

func (m *Memory) GetUser(ctx context.Context, id string) (*types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &user, nil
}

func (m *Memory) ListActiveBots(ctx context.Context, kind types.BotKind) ([]types.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Bot
	for _, doc := range m.bots[kind] {
		bot, err := fromDoc(doc)
		if err != nil {
			return nil, err
		}
		if bot.Schedulable() {
			out = append(out, *bot)
		}
	}
	return out, nil
}

func (m *Memory) GetBot(ctx context.Context, kind types.BotKind, id string) (*types.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.bots[kind][id]
	if !ok {
		return nil, ErrNotFound
	}
	return fromDoc(doc)
}

func (m *Memory) UpdateBot(ctx context.Context, kind types.BotKind, id string, patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.bots[kind][id]
	if !ok {
		return ErrNotFound
	}
	for path, v := range patch.Set {
		if err := setPath(doc, path, v); err != nil {
			return err
		}
	}
	for path, delta := range patch.Inc {
		if err := incPath(doc, path, delta); err != nil {
			return err
		}
	}
	return setPath(doc, "updatedAt", time.Now().UTC())
}

func (m *Memory) DeleteBot(ctx context.Context, kind types.BotKind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bots[kind][id]; !ok {
		return ErrNotFound
	}
	delete(m.bots[kind], id)
	kept := m.Logs[:0]
	for _, entry := range m.Logs {
		if entry.BotID != id {
			kept = append(kept, entry)
		}
	}
	m.Logs = kept
	return nil
}

func (m *Memory) TouchLastChecked(ctx context.Context, kind types.BotKind, id string, at time.Time) error {
	return m.UpdateBot(ctx, kind, id, Patch{Set: map[string]any{"lastCheckedAt": at.UTC()}})
}

func (m *Memory) SetOrdersPlaced(ctx context.Context, kind types.BotKind, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.bots[kind][id]
	if !ok {
		return false, ErrNotFound
	}
	cur, _ := getPath(doc, "buyWall.ordersPlaced")
	if placed, _ := cur.(bool); placed {
		return false, nil
	}
	if err := setPath(doc, "buyWall.ordersPlaced", true); err != nil {
		return false, err
	}
	return true, setPath(doc, "updatedAt", time.Now().UTC())
}

func (m *Memory) RecordTrade(ctx context.Context, trade *types.Trade) error {
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.Trades = append(m.Trades, *trade)
	m.mu.Unlock()
	return nil
}

func (m *Memory) AppendLog(ctx context.Context, entry *types.ActivityLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.Logs = append(m.Logs, *entry)
	m.mu.Unlock()
	return nil
}

// TradesFor returns the recorded trades for one bot, oldest first.
func (m *Memory) TradesFor(botID string) []types.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Trade
	for _, t := range m.Trades {
		if t.BotID == botID {
			out = append(out, t)
		}
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Document helpers
// ————————————————————————————————————————————————————————————————————————

func toDoc(bot types.Bot) (map[string]any, error) {
	raw, err := json.Marshal(bot)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func fromDoc(doc map[string]any) (*types.Bot, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var bot types.Bot
	if err := json.Unmarshal(raw, &bot); err != nil {
		return nil, fmt.Errorf("decode bot document: %w", err)
	}
	return &bot, nil
}

// setPath assigns a value at a dotted path, creating intermediate maps like
// Mongo's $set does. Values pass through a JSON round trip so structs and
// times land in the document in their wire form.
func setPath(doc map[string]any, path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	var jv any
	if err := json.Unmarshal(raw, &jv); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	parts := strings.Split(path, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = jv
	return nil
}

func getPath(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			return nil, false
		}
		cur = next
	}
	v, ok := cur[parts[len(parts)-1]]
	return v, ok
}

func incPath(doc map[string]any, path string, delta int64) error {
	cur, _ := getPath(doc, path)
	base, ok := cur.(float64) // JSON numbers decode as float64
	if !ok {
		base = 0
	}
	return setPath(doc, path, base+float64(delta))
}
