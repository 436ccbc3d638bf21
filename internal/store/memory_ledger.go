package store

import (
	"context"
	"sort"
	"sync"
	"time"

	ferrors "github.com/homt/fleetd/internal/errors"
	"github.com/homt/fleetd/internal/model"
)

// MemoryLedger is an in-process SubscriptionLedger
type MemoryLedger struct {
	mu      sync.RWMutex
	subs    map[string]*model.Subscription
	byToken map[string]string
}

// NewMemoryLedger creates an empty in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		subs:    make(map[string]*model.Subscription),
		byToken: make(map[string]string),
	}
}

func (l *MemoryLedger) filter(keep func(*model.Subscription) bool) []*model.Subscription {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*model.Subscription, 0)
	for _, s := range l.subs {
		if keep(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *MemoryLedger) FindActiveWithNode(ctx context.Context) ([]*model.Subscription, error) {
	return l.filter(func(s *model.Subscription) bool {
		return s.Status == model.StatusActive && s.AssignedNode != ""
	}), nil
}

func (l *MemoryLedger) FindExpired(ctx context.Context, now time.Time) ([]*model.Subscription, error) {
	return l.filter(func(s *model.Subscription) bool {
		return s.Status == model.StatusActive && s.IsExpired(now)
	}), nil
}

func (l *MemoryLedger) FindByNode(ctx context.Context, node string, statuses ...model.SubscriptionStatus) ([]*model.Subscription, error) {
	return l.filter(func(s *model.Subscription) bool {
		if s.AssignedNode != node {
			return false
		}
		if len(statuses) == 0 {
			return true
		}
		for _, st := range statuses {
			if s.Status == st {
				return true
			}
		}
		return false
	}), nil
}

func (l *MemoryLedger) FindTerminalWithNode(ctx context.Context) ([]*model.Subscription, error) {
	return l.filter(func(s *model.Subscription) bool {
		return s.Status != model.StatusActive && s.AssignedNode != ""
	}), nil
}

func (l *MemoryLedger) Get(ctx context.Context, id string) (*model.Subscription, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.subs[id]
	if !ok {
		return nil, ferrors.NotFound("subscription", id)
	}
	return s.Clone(), nil
}

func (l *MemoryLedger) Create(ctx context.Context, sub *model.Subscription) error {
	if err := sub.Validate(); err != nil {
		return ferrors.Validation(err.Error())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.subs[sub.ID]; ok {
		return ferrors.Conflict("subscription already exists: "+sub.ID, nil)
	}
	if _, ok := l.byToken[sub.Token]; ok {
		return ferrors.Conflict("token already in use", nil).WithDetail("token", sub.Token)
	}

	if sub.Version == 0 {
		sub.Version = 1
	}
	l.subs[sub.ID] = sub.Clone()
	l.byToken[sub.Token] = sub.ID
	return nil
}

func (l *MemoryLedger) Save(ctx context.Context, sub *model.Subscription) error {
	if err := sub.Validate(); err != nil {
		return ferrors.Validation(err.Error())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.subs[sub.ID]
	if !ok {
		return ferrors.NotFound("subscription", sub.ID)
	}
	if cur.Version != sub.Version {
		return ferrors.Conflict("subscription version mismatch", nil).
			WithDetail("id", sub.ID).
			WithDetail("expected", sub.Version).
			WithDetail("actual", cur.Version)
	}
	if err := checkUsageAdvance(cur, sub); err != nil {
		return err
	}
	if owner, ok := l.byToken[sub.Token]; ok && owner != sub.ID {
		return ferrors.Conflict("token already in use", nil).WithDetail("token", sub.Token)
	}

	delete(l.byToken, cur.Token)
	sub.Version++
	sub.UpdatedAt = time.Now().UTC()
	l.subs[sub.ID] = sub.Clone()
	l.byToken[sub.Token] = sub.ID
	return nil
}

func (l *MemoryLedger) Ping(ctx context.Context) error { return nil }

func (l *MemoryLedger) Close() error { return nil }

// MemoryNodeRegistry is an in-process NodeRegistry
type MemoryNodeRegistry struct {
	mu    sync.RWMutex
	nodes map[string]*model.Node
}

func NewMemoryNodeRegistry() *MemoryNodeRegistry {
	return &MemoryNodeRegistry{nodes: make(map[string]*model.Node)}
}

func (r *MemoryNodeRegistry) ListNodes(ctx context.Context) ([]*model.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		c := *n
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *MemoryNodeRegistry) GetNode(ctx context.Context, name string) (*model.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[name]
	if !ok {
		return nil, ferrors.NotFound("node", name)
	}
	c := *n
	return &c, nil
}

func (r *MemoryNodeRegistry) SaveNode(ctx context.Context, node *model.Node) error {
	if err := node.Validate(); err != nil {
		return ferrors.Validation(err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c := *node
	if cur, ok := r.nodes[node.Name]; ok {
		c.CurrentLoad = cur.CurrentLoad
	}
	r.nodes[node.Name] = &c
	return nil
}

func (r *MemoryNodeRegistry) AdjustLoad(ctx context.Context, name string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[name]
	if !ok {
		return ferrors.NotFound("node", name)
	}
	n.CurrentLoad += delta
	if n.CurrentLoad < 0 {
		n.CurrentLoad = 0
	}
	return nil
}
