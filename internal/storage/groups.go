package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/haasonsaas/relay/internal/imerr"
)

// Group is the subset of the im_group table the fan-out path reads. A
// dissolved group keeps its row with del_flag = 0 so historical messages
// stay attributable.
type Group struct {
	GroupID     string         `db:"group_id"`
	OwnerID     sql.NullString `db:"owner_id"`
	GroupName   sql.NullString `db:"group_name"`
	Status      sql.NullInt64  `db:"status"`
	Sequence    sql.NullInt64  `db:"sequence"`
	DelFlag     sql.NullInt16  `db:"del_flag"`
	MemberCount int64          `db:"member_count"`
}

// GetGroup returns a live group. Dissolved or unknown groups report not
// found; group sends must fail rather than deliver into a dead group.
func (s *Store) GetGroup(ctx context.Context, groupID string) (*Group, error) {
	var g Group
	err := s.db.GetContext(ctx, &g,
		`SELECT group_id, owner_id, group_name, status, sequence, del_flag,
		        (SELECT COUNT(*) FROM im_group_member gm WHERE gm.group_id = im_group.group_id AND gm.del_flag = 1) AS member_count
		 FROM im_group
		 WHERE group_id = ? AND del_flag = 1`,
		groupID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, imerr.NotFound("group not found")
		}
		return nil, dbErr("query group", err)
	}
	return &g, nil
}

// GroupMemberIDs returns the current members of a group, deduplicated.
// Membership rows can repeat after rejoin cycles; ordering by update_time
// keeps the newest row per member first so the dedup retains it.
func (s *Store) GroupMemberIDs(ctx context.Context, groupID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT member_id
		 FROM im_group_member
		 WHERE group_id = ? AND del_flag = 1
		 ORDER BY role DESC, update_time DESC, join_time ASC`,
		groupID,
	)
	if err != nil {
		return nil, dbErr("query group members", err)
	}

	seen := make(map[string]struct{}, len(ids))
	unique := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	return unique, nil
}

// IsGroupMember reports whether the user currently belongs to the group.
func (s *Store) IsGroupMember(ctx context.Context, groupID, memberID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM im_group_member
		 WHERE group_id = ? AND member_id = ? AND del_flag = 1`,
		groupID, memberID,
	)
	if err != nil {
		return false, dbErr("query group membership", err)
	}
	return n > 0, nil
}
