package sharing

import (
	"fmt"
	"strings"

	"wuyrush.io/pinvault/common/logging"
	cst "wuyrush.io/pinvault/constants"
	se "wuyrush.io/pinvault/errors"
	md "wuyrush.io/pinvault/models"
)

func validateIDs(kind string, ids []string) *se.Err {
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return se.NewBadInput(fmt.Sprintf("%s ids must not be empty", kind))
		}
	}
	return nil
}

func describeIDs(users, groups []string) string {
	return fmt.Sprintf("users=[%s] groups=[%s]", strings.Join(users, ","), strings.Join(groups, ","))
}

// Share grants the listed users and groups access to the artifact. Identities already present are
// no-ops: the call is audited regardless, but only newly added users get notified.
func (s *Service) Share(rc md.RequestContext, artifactID string, userIDs, groupIDs []string) (*md.Artifact, md.ShareDelta, *se.Err) {
	clog := logging.WithRequester(rc.UserID).WithField("artifactID", artifactID)
	// 1. validate the payload before touching any state
	if len(userIDs) == 0 && len(groupIDs) == 0 {
		return nil, md.ShareDelta{}, se.NewBadInput("at least one user or group is required")
	}
	if err := validateIDs("user", userIDs); err != nil {
		return nil, md.ShareDelta{}, err
	}
	if err := validateIDs("group", groupIDs); err != nil {
		return nil, md.ShareDelta{}, err
	}
	users, groups := md.Dedup(userIDs), md.Dedup(groupIDs)
	cur, err := s.controlled(rc, artifactID)
	if err != nil {
		return nil, md.ShareDelta{}, err
	}
	// owners always have access; listing one is a no-op rather than an error
	filtered := users[:0]
	for _, u := range users {
		if u != cur.OwnerID {
			filtered = append(filtered, u)
		}
	}
	users = filtered
	if len(groups) > 0 {
		existing, err := s.Groups.Existing(groups)
		if err != nil {
			return nil, md.ShareDelta{}, err
		}
		for _, g := range groups {
			if !existing.Has(g) {
				return nil, md.ShareDelta{}, se.NewNotFound(fmt.Sprintf("group %s not found", g))
			}
		}
	}
	// 2. apply the pure share function under optimistic concurrency
	var (
		updated *md.Artifact
		delta   md.ShareDelta
	)
	err = s.withConflictRetry(func() *se.Err {
		a, err := s.Artifacts.Update(artifactID, func(a *md.Artifact) *se.Err {
			delta = a.Recipients.Share(users, groups)
			return nil
		})
		updated = a
		return err
	})
	if err != nil {
		return nil, md.ShareDelta{}, err
	}
	// 3. audit unconditionally, notify the delta only
	if err := s.audit(rc.UserID, cst.ActionShareFile, cst.TargetTypeFile, artifactID, describeIDs(users, groups)); err != nil {
		return nil, md.ShareDelta{}, err
	}
	s.notify(delta.AddedUsers, cst.NotificationShared, fmt.Sprintf("%s shared %q with you", rc.UserID, updated.Filename))
	clog.WithFields(map[string]interface{}{"addedUsers": len(delta.AddedUsers), "addedGroups": len(delta.AddedGroups)}).Info("artifact shared")
	return updated, delta, nil
}

// Revoke removes the listed users and groups from the artifact, or with all clears every recipient and
// revokes the policy. Removed direct users are notified; group members are not enumerated.
func (s *Service) Revoke(rc md.RequestContext, artifactID string, userIDs, groupIDs []string, all bool) (*md.Artifact, md.RevokeDelta, *se.Err) {
	clog := logging.WithRequester(rc.UserID).WithField("artifactID", artifactID)
	if !all && len(userIDs) == 0 && len(groupIDs) == 0 {
		return nil, md.RevokeDelta{}, se.NewBadInput("at least one user or group is required unless revoking all")
	}
	if err := validateIDs("user", userIDs); err != nil {
		return nil, md.RevokeDelta{}, err
	}
	if err := validateIDs("group", groupIDs); err != nil {
		return nil, md.RevokeDelta{}, err
	}
	users, groups := md.Dedup(userIDs), md.Dedup(groupIDs)
	if _, err := s.controlled(rc, artifactID); err != nil {
		return nil, md.RevokeDelta{}, err
	}
	var (
		updated *md.Artifact
		delta   md.RevokeDelta
	)
	err := s.withConflictRetry(func() *se.Err {
		a, err := s.Artifacts.Update(artifactID, func(a *md.Artifact) *se.Err {
			delta = a.Revoke(users, groups, all)
			return nil
		})
		updated = a
		return err
	})
	if err != nil {
		return nil, md.RevokeDelta{}, err
	}
	action, detail := cst.ActionRevokeFile, describeIDs(users, groups)
	if all {
		action, detail = cst.ActionRevokeAll, describeIDs(delta.RemovedUsers, delta.RemovedGroups)
	}
	if err := s.audit(rc.UserID, action, cst.TargetTypeFile, artifactID, detail); err != nil {
		return nil, md.RevokeDelta{}, err
	}
	s.notify(delta.RemovedUsers, cst.NotificationRevoked, fmt.Sprintf("%s revoked your access to %q", rc.UserID, updated.Filename))
	clog.WithFields(map[string]interface{}{"removedUsers": len(delta.RemovedUsers), "all": all}).Info("artifact access revoked")
	return updated, delta, nil
}
