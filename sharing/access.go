package sharing

import (
	"io"

	"wuyrush.io/pinvault/common/logging"
	cst "wuyrush.io/pinvault/constants"
	se "wuyrush.io/pinvault/errors"
	md "wuyrush.io/pinvault/models"
)

// load fetches the artifact along with rc carrying the requester's group memberships as of now
func (s *Service) load(rc md.RequestContext, artifactID string) (*md.Artifact, md.RequestContext, *se.Err) {
	if err := rc.Validate(); err != nil {
		return nil, rc, err
	}
	a, err := s.Artifacts.Get(artifactID)
	if err != nil {
		return nil, rc, err
	}
	resolved, err := s.resolveGroups(rc)
	if err != nil {
		return nil, rc, err
	}
	return a, resolved, nil
}

// gate loads the artifact and checks the requester is in its effective access set. Group memberships are
// resolved afresh on every call.
func (s *Service) gate(rc md.RequestContext, artifactID string) (*md.Artifact, *se.Err) {
	a, resolved, err := s.load(rc, artifactID)
	if err != nil {
		return nil, err
	}
	if !a.AccessibleTo(resolved) {
		return a, se.NewAccessDenied(md.ReasonNotRecipient)
	}
	return a, nil
}

// admit is gate for downloads. Revoke-all empties the recipient sets, so the revoked flag is reported ahead
// of membership: everyone it shut out is told revoked, not not_recipient.
func (s *Service) admit(rc md.RequestContext, artifactID string) (*md.Artifact, md.RequestContext, *se.Err) {
	a, resolved, err := s.load(rc, artifactID)
	if err != nil {
		return nil, rc, err
	}
	if a.Policy.Revoked {
		return a, resolved, md.PolicyRevoked.Err()
	}
	if !a.AccessibleTo(resolved) {
		return a, resolved, se.NewAccessDenied(md.ReasonNotRecipient)
	}
	return a, resolved, nil
}

func (s *Service) grant(a *md.Artifact, count uint64) *md.Grant {
	return &md.Grant{
		ArtifactID:    a.ID,
		Filename:      a.Filename,
		Metadata:      a.Metadata,
		DownloadCount: count,
		GrantedAt:     s.now(),
	}
}

// EvaluateAccess tells whether the requester could download the artifact right now without recording
// anything
func (s *Service) EvaluateAccess(rc md.RequestContext, artifactID string) (*md.Grant, *se.Err) {
	a, _, err := s.admit(rc, artifactID)
	if err != nil {
		return nil, err
	}
	if state := a.Policy.Evaluate(s.now()); state != md.PolicyActive {
		return nil, state.Err()
	}
	return s.grant(a, a.Policy.DownloadCount), nil
}

// RecordDownload checks access and consumes one download. The store repeats the recipient check inside
// the same atomic step as the quota, so a revocation landing after admit still wins. Denials are audited
// with their reason.
func (s *Service) RecordDownload(rc md.RequestContext, artifactID string) (*md.Grant, *se.Err) {
	clog := logging.WithRequester(rc.UserID).WithField("artifactID", artifactID)
	a, resolved, err := s.admit(rc, artifactID)
	if err != nil {
		if err.Code == se.ErrCodeAccessDenied {
			s.auditDenial(rc, artifactID, err.Reason)
		}
		return nil, err
	}
	state, count, err := s.Artifacts.Consume(artifactID, s.now(), resolved)
	if err != nil {
		if err.Code == se.ErrCodeAccessDenied {
			clog.WithField("reason", err.Reason).Info("download denied")
			s.auditDenial(rc, artifactID, err.Reason)
		}
		return nil, err
	}
	if state != md.PolicyActive {
		clog.WithField("reason", state.String()).Info("download denied")
		s.auditDenial(rc, artifactID, state.String())
		return nil, state.Err()
	}
	if err := s.audit(rc.UserID, cst.ActionDownloadFile, cst.TargetTypeFile, artifactID, ""); err != nil {
		return nil, err
	}
	clog.WithField("downloadCount", count).Debug("download recorded")
	return s.grant(a, count), nil
}

// auditDenial records a denied download. A denial changes nothing, so a failing audit write is only logged.
func (s *Service) auditDenial(rc md.RequestContext, artifactID, reason string) {
	if err := s.audit(rc.UserID, cst.ActionDownloadDenied, cst.TargetTypeFile, artifactID, reason); err != nil {
		logging.WithRequester(rc.UserID).WithError(err).Warn("denied download left unaudited")
	}
}

// Download records a download and hands out the ciphertext. The caller must close the returned reader.
func (s *Service) Download(rc md.RequestContext, artifactID string) (*md.Grant, io.ReadCloser, *se.Err) {
	if err := rc.Validate(); err != nil {
		return nil, nil, err
	}
	// open the blob first so a missing blob never burns a download
	blob, err := s.Blobs.Get(artifactID)
	if err != nil {
		return nil, nil, err
	}
	g, err := s.RecordDownload(rc, artifactID)
	if err != nil {
		blob.Close()
		return nil, nil, err
	}
	return g, blob, nil
}
