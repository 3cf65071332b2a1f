package sharing

import (
	"strings"

	"wuyrush.io/pinvault/common/logging"
	cst "wuyrush.io/pinvault/constants"
	se "wuyrush.io/pinvault/errors"
	md "wuyrush.io/pinvault/models"
)

func errGroupForbidden() *se.Err {
	return se.NewForbidden("only the group owner or an admin may manage this group")
}

// CreateGroup creates a group owned by the requester. The owner is always a member.
func (s *Service) CreateGroup(rc md.RequestContext, name string, members []string) (*md.Group, *se.Err) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	n, err := md.ValidateGroupName(name)
	if err != nil {
		return nil, err
	}
	if err := validateIDs("member", members); err != nil {
		return nil, err
	}
	g := &md.Group{
		ID:      s.newID(),
		Name:    n,
		OwnerID: rc.UserID,
		Members: md.NewIDSet(members...),
	}
	g.HealOwner()
	if err := s.Groups.Create(g); err != nil {
		return nil, err
	}
	if err := s.audit(rc.UserID, cst.ActionCreateGroup, cst.TargetTypeGroup, g.ID, g.Name); err != nil {
		s.Groups.Delete(g.ID)
		return nil, err
	}
	logging.WithRequester(rc.UserID).WithField("groupID", g.ID).Info("group created")
	return g, nil
}

// GetGroup returns the group to its members and admins
func (s *Service) GetGroup(rc md.RequestContext, groupID string) (*md.Group, *se.Err) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	g, err := s.Groups.Get(groupID)
	if err != nil {
		return nil, err
	}
	if !g.VisibleTo(rc) {
		return nil, se.NewForbidden("only members or an admin may view this group")
	}
	return g, nil
}

// ListGroups returns the groups the requester is a member of
func (s *Service) ListGroups(rc md.RequestContext) ([]*md.Group, *se.Err) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	ids, err := s.Groups.GroupsOf(rc.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]*md.Group, 0, len(ids))
	for _, id := range ids {
		g, err := s.Groups.Get(id)
		if err != nil {
			if err.Code == se.ErrCodeNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// ListAllGroups returns every group; admins only
func (s *Service) ListAllGroups(rc md.RequestContext) ([]*md.Group, *se.Err) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	if !rc.IsAdmin() {
		return nil, se.NewForbidden("only admins may list all groups")
	}
	return s.Groups.List()
}

// updateGroup applies fn to the group on behalf of the requester, retrying on conflicts, then audits it
func (s *Service) updateGroup(rc md.RequestContext, groupID, action string, fn func(g *md.Group) (string, *se.Err)) (*md.Group, *se.Err) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	var (
		updated *md.Group
		detail  string
	)
	err := s.withConflictRetry(func() *se.Err {
		g, err := s.Groups.Update(groupID, func(g *md.Group) *se.Err {
			if !g.ControlledBy(rc) {
				return errGroupForbidden()
			}
			d, err := fn(g)
			detail = d
			return err
		})
		updated = g
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := s.audit(rc.UserID, action, cst.TargetTypeGroup, groupID, detail); err != nil {
		return nil, err
	}
	return updated, nil
}

// RenameGroup renames the group
func (s *Service) RenameGroup(rc md.RequestContext, groupID, name string) (*md.Group, *se.Err) {
	n, err := md.ValidateGroupName(name)
	if err != nil {
		return nil, err
	}
	return s.updateGroup(rc, groupID, cst.ActionUpdateGroup, func(g *md.Group) (string, *se.Err) {
		g.Name = n
		return n, nil
	})
}

// AddMembers adds users to the group; users already in it are skipped
func (s *Service) AddMembers(rc md.RequestContext, groupID string, userIDs []string) (*md.Group, *se.Err) {
	if len(userIDs) == 0 {
		return nil, se.NewBadInput("at least one user is required")
	}
	if err := validateIDs("user", userIDs); err != nil {
		return nil, err
	}
	return s.updateGroup(rc, groupID, cst.ActionAddGroupMember, func(g *md.Group) (string, *se.Err) {
		added := []string{}
		for _, u := range md.Dedup(userIDs) {
			if g.Members.Add(u) {
				added = append(added, u)
			}
		}
		return strings.Join(added, ","), nil
	})
}

// RemoveMembers removes users from the group. Removing the owner is a no-op: the owner is put back.
func (s *Service) RemoveMembers(rc md.RequestContext, groupID string, userIDs []string) (*md.Group, *se.Err) {
	if len(userIDs) == 0 {
		return nil, se.NewBadInput("at least one user is required")
	}
	if err := validateIDs("user", userIDs); err != nil {
		return nil, err
	}
	return s.updateGroup(rc, groupID, cst.ActionRemoveGroupMember, func(g *md.Group) (string, *se.Err) {
		removed := []string{}
		for _, u := range md.Dedup(userIDs) {
			if u != g.OwnerID && g.Members.Remove(u) {
				removed = append(removed, u)
			}
		}
		g.HealOwner()
		return strings.Join(removed, ","), nil
	})
}

// DeleteGroup deletes the group and every membership pointing at it. Artifacts shared with the group keep
// the entry, which grants nobody access anymore.
func (s *Service) DeleteGroup(rc md.RequestContext, groupID string) *se.Err {
	if err := rc.Validate(); err != nil {
		return err
	}
	g, err := s.Groups.Get(groupID)
	if err != nil {
		return err
	}
	if !g.ControlledBy(rc) {
		return errGroupForbidden()
	}
	if _, err := s.Groups.Delete(groupID); err != nil {
		return err
	}
	if err := s.audit(rc.UserID, cst.ActionDeleteGroup, cst.TargetTypeGroup, groupID, g.Name); err != nil {
		return err
	}
	logging.WithRequester(rc.UserID).WithField("groupID", groupID).Info("group deleted")
	return nil
}
