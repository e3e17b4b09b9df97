package metadata

import (
	"context"
	"errors"
	"fmt"
)

// PutUser creates or replaces a user and its email index entry.
func (s *Store) PutUser(ctx context.Context, u *UserRecord) error {
	if u.ID == "" {
		return fmt.Errorf("user id is required")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC()
	}
	if old, err := s.GetUser(ctx, u.ID); err == nil && old.Email != "" && old.Email != u.Email {
		if err := s.backend.Delete(ctx, emailKey(old.Email), AnyRevision); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("removing stale email index: %w", err)
		}
	}
	data, err := encode(u)
	if err != nil {
		return err
	}
	if _, err := s.backend.Put(ctx, userKey(u.ID), data, AnyRevision); err != nil {
		return fmt.Errorf("writing user %s: %w", u.ID, err)
	}
	if u.Email != "" {
		if _, err := s.backend.Put(ctx, emailKey(u.Email), []byte(u.ID), AnyRevision); err != nil {
			return fmt.Errorf("indexing email of %s: %w", u.ID, err)
		}
	}
	return nil
}

// GetUser returns the user with the given canonical id or ErrNotFound.
func (s *Store) GetUser(ctx context.Context, id string) (*UserRecord, error) {
	item, err := s.backend.Get(ctx, userKey(id))
	if err != nil {
		return nil, err
	}
	return decode[UserRecord](item)
}

// GetUserByEmail resolves an email address (case-insensitively) to a user.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*UserRecord, error) {
	item, err := s.backend.Get(ctx, emailKey(email))
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, string(item.Value))
}

// ListUsers returns every user ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]*UserRecord, error) {
	items, err := s.backend.List(ctx, partUsers, "", "", 0)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	out := make([]*UserRecord, 0, len(items))
	for i := range items {
		u, err := decode[UserRecord](&items[i])
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}
