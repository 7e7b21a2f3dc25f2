package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"notifyhub/module/notify/model"
)

// memStore is the in-process Store used by tests and single-node dev
// runs. Same transition rules as the Mongo implementation.
type memStore struct {
	mu          sync.RWMutex
	notifs      map[string]*model.Notification
	pending     map[string]*model.PendingEntry // notificationID|userID
	byUser      map[string]map[string]*model.PendingEntry
	deliveries  []*model.DeliveryRecord
	prefs       map[string]*model.UserPreferences
	deadLetters []*model.DeadLetterEntry
}

func NewMem() Store {
	return &memStore{
		notifs:  make(map[string]*model.Notification),
		pending: make(map[string]*model.PendingEntry),
		byUser:  make(map[string]map[string]*model.PendingEntry),
		prefs:   make(map[string]*model.UserPreferences),
	}
}

func pendingKey(nid, uid string) string { return nid + "|" + uid }

func (s *memStore) CreateNotification(_ context.Context, n *model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.notifs[n.ID]; ok {
		return nil // duplicate publish, keep the first write
	}
	cp := *n
	s.notifs[n.ID] = &cp

	pe := &model.PendingEntry{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Cursor:         n.Cursor,
		ExpiresAt:      n.ExpiresAt,
		CreatedAt:      n.CreatedAt,
	}
	k := pendingKey(n.ID, n.UserID)
	s.pending[k] = pe
	if s.byUser[n.UserID] == nil {
		s.byUser[n.UserID] = make(map[string]*model.PendingEntry)
	}
	s.byUser[n.UserID][k] = pe
	return nil
}

func (s *memStore) GetNotification(_ context.Context, id string) (*model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *memStore) MarkDelivered(_ context.Context, notificationID, serverID string, recipientCount int, atMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deliveries = append(s.deliveries, &model.DeliveryRecord{
		NotificationID: notificationID,
		ServerID:       serverID,
		DeliveredAt:    atMS,
		RecipientCount: recipientCount,
	})
	if n, ok := s.notifs[notificationID]; ok && n.Status == model.StatusPending {
		n.Status = model.StatusDelivered
	}
	return nil
}

func (s *memStore) Acknowledge(_ context.Context, notificationID, userID string, atMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackLocked(notificationID, userID, atMS)
	return nil
}

func (s *memStore) AcknowledgeBatch(_ context.Context, notificationIDs []string, userID string, atMS int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range notificationIDs {
		if s.ackLocked(id, userID, atMS) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) ackLocked(notificationID, userID string, atMS int64) bool {
	k := pendingKey(notificationID, userID)
	_, existed := s.pending[k]
	delete(s.pending, k)
	if mm := s.byUser[userID]; mm != nil {
		delete(mm, k)
		if len(mm) == 0 {
			delete(s.byUser, userID)
		}
	}
	if n, ok := s.notifs[notificationID]; ok && !n.Status.Terminal() {
		n.Status = model.StatusAcknowledged
	}
	for _, d := range s.deliveries {
		if d.NotificationID == notificationID && d.AcknowledgedAt == 0 {
			d.AcknowledgedAt = atMS
		}
	}
	return existed
}

func (s *memStore) Expire(_ context.Context, notificationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expireLocked(notificationID, time.Now().UnixMilli()), nil
}

func (s *memStore) expireLocked(notificationID string, nowMS int64) bool {
	n, ok := s.notifs[notificationID]
	if !ok || n.Status != model.StatusPending || !n.ExpiredAt(nowMS) {
		return false
	}
	n.Status = model.StatusExpired
	s.removePendingLocked(notificationID, n.UserID)
	return true
}

func (s *memStore) removePendingLocked(notificationID, userID string) {
	k := pendingKey(notificationID, userID)
	delete(s.pending, k)
	if mm := s.byUser[userID]; mm != nil {
		delete(mm, k)
		if len(mm) == 0 {
			delete(s.byUser, userID)
		}
	}
}

func (s *memStore) MoveToDeadLetter(_ context.Context, notificationID, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deadLetters = append(s.deadLetters, &model.DeadLetterEntry{
		NotificationID: notificationID,
		ErrorMessage:   errorMessage,
		FailedAt:       time.Now().UnixMilli(),
	})
	if n, ok := s.notifs[notificationID]; ok {
		if n.Status == model.StatusPending || n.Status == model.StatusDelivered {
			n.Status = model.StatusDeadLettered
		}
		s.removePendingLocked(notificationID, n.UserID)
	}
	return nil
}

func (s *memStore) GetPending(_ context.Context, userID, fromCursor string, limit int) ([]*model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nowMS := time.Now().UnixMilli()
	entries := make([]*model.PendingEntry, 0, len(s.byUser[userID]))
	for _, pe := range s.byUser[userID] {
		if fromCursor != "" && pe.Cursor <= fromCursor {
			continue
		}
		if pe.ExpiresAt > 0 && pe.ExpiresAt <= nowMS {
			continue
		}
		entries = append(entries, pe)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Cursor < entries[j].Cursor })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	out := make([]*model.Notification, 0, len(entries))
	for _, pe := range entries {
		if n, ok := s.notifs[pe.NotificationID]; ok {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) SweepExpired(_ context.Context, nowMS int64, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, pe := range s.pending {
		if limit > 0 && count >= limit {
			break
		}
		if pe.ExpiresAt > 0 && pe.ExpiresAt <= nowMS {
			if s.expireLocked(pe.NotificationID, nowMS) {
				count++
			}
		}
	}
	return count, nil
}

func (s *memStore) GetPreferences(_ context.Context, userID string) (*model.UserPreferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prefs[userID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) PutPreferences(_ context.Context, prefs *model.UserPreferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *prefs
	s.prefs[prefs.UserID] = &cp
	return nil
}

func (s *memStore) ListDeliveries(_ context.Context, notificationID string) ([]*model.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.DeliveryRecord
	for _, d := range s.deliveries {
		if d.NotificationID == notificationID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) ListDeadLetters(_ context.Context, limit int) ([]*model.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.DeadLetterEntry
	for _, d := range s.deadLetters {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) Close(context.Context) error { return nil }
