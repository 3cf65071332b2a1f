package sharing

import (
	cst "wuyrush.io/pinvault/constants"
	se "wuyrush.io/pinvault/errors"
	md "wuyrush.io/pinvault/models"
)

// ArtifactLogs returns the audit trail of one artifact to its owner and admins. The trail outlives the
// artifact, so admins may read it after deletion.
func (s *Service) ArtifactLogs(rc md.RequestContext, artifactID string) ([]*md.AuditRecord, *se.Err) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	if !rc.IsAdmin() {
		if _, err := s.controlled(rc, artifactID); err != nil {
			return nil, err
		}
	}
	return s.Audit.Find(md.AuditFilter{TargetType: cst.TargetTypeFile, TargetID: artifactID})
}

// UserLogs returns the records targeting a user, e.g. admin messages; to the user themselves and admins
func (s *Service) UserLogs(rc md.RequestContext, userID string) ([]*md.AuditRecord, *se.Err) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	if rc.UserID != userID && !rc.IsAdmin() {
		return nil, se.NewForbidden("only the user or an admin may read these logs")
	}
	return s.Audit.Find(md.AuditFilter{TargetType: cst.TargetTypeUser, TargetID: userID})
}

// OwnLogs returns what the requester did
func (s *Service) OwnLogs(rc md.RequestContext) ([]*md.AuditRecord, *se.Err) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	return s.Audit.Find(md.AuditFilter{ActorID: rc.UserID})
}

// AllLogs returns the whole trail; admins only
func (s *Service) AllLogs(rc md.RequestContext) ([]*md.AuditRecord, *se.Err) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	if !rc.IsAdmin() {
		return nil, se.NewForbidden("only admins may read all logs")
	}
	return s.Audit.Find(md.AuditFilter{})
}
