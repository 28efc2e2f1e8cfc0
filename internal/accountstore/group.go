package accountstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/relaymesh/ccgate/internal/kvstore"
)

// Group is a named pool of accounts an ApiKey can pin to via
// "group:<id>" (spec §1's ApiKey.claudeAccountId). Membership is a set
// of account ids, resolved by lookup rather than a shared pointer — an
// account removed from the group simply stops being a candidate.
type Group struct {
	ID         string   `json:"id"`
	Platform   string   `json:"platform"`
	Name       string   `json:"name"`
	AccountIDs []string `json:"account_ids"`
}

// GroupStore is the CRUD surface for account groups, stored alongside
// accounts but in its own key namespace.
type GroupStore struct {
	kv kvstore.Store
}

func NewGroupStore(kv kvstore.Store) *GroupStore {
	return &GroupStore{kv: kv}
}

func (s *GroupStore) CreateGroup(ctx context.Context, g *Group) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	key := kvstore.AccountGroupKey(g.ID)
	fields := map[string]string{"platform": g.Platform, "name": g.Name}
	if err := s.kv.HSet(ctx, key, fields); err != nil {
		return fmt.Errorf("accountstore: create group %s: %w", g.ID, err)
	}
	for _, id := range g.AccountIDs {
		if err := s.kv.SAdd(ctx, key+":members", id); err != nil {
			return fmt.Errorf("accountstore: add member %s to group %s: %w", id, g.ID, err)
		}
	}
	return s.kv.SAdd(ctx, kvstore.AccountGroupIndexKey(), g.ID)
}

func (s *GroupStore) AddMember(ctx context.Context, groupID, accountID string) error {
	return s.kv.SAdd(ctx, kvstore.AccountGroupKey(groupID)+":members", accountID)
}

func (s *GroupStore) RemoveMember(ctx context.Context, groupID, accountID string) error {
	return s.kv.SRem(ctx, kvstore.AccountGroupKey(groupID)+":members", accountID)
}

// Members returns the account ids belonging to groupID. A group with no
// members resolves to an empty, never nil, slice so callers can treat
// "unknown group" and "empty group" the same way: no candidates.
func (s *GroupStore) Members(ctx context.Context, groupID string) ([]string, error) {
	members, err := s.kv.SMembers(ctx, kvstore.AccountGroupKey(groupID)+":members")
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = []string{}
	}
	return members, nil
}

func (s *GroupStore) GetGroup(ctx context.Context, id string) (*Group, error) {
	fields, err := s.kv.HGetAll(ctx, kvstore.AccountGroupKey(id))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	members, err := s.Members(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Group{ID: id, Platform: fields["platform"], Name: fields["name"], AccountIDs: members}, nil
}

func (s *GroupStore) ListGroups(ctx context.Context) ([]*Group, error) {
	ids, err := s.kv.SMembers(ctx, kvstore.AccountGroupIndexKey())
	if err != nil {
		return nil, err
	}
	groups := make([]*Group, 0, len(ids))
	for _, id := range ids {
		g, err := s.GetGroup(ctx, id)
		if err != nil {
			return nil, err
		}
		if g != nil {
			groups = append(groups, g)
		}
	}
	return groups, nil
}
