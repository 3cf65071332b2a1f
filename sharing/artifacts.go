package sharing

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"wuyrush.io/pinvault/common/logging"
	cst "wuyrush.io/pinvault/constants"
	se "wuyrush.io/pinvault/errors"
	md "wuyrush.io/pinvault/models"
)

// UploadRequest describes a ciphertext upload. Size and ContentType describe the plaintext as reported by
// the client; the service has no way to check them.
type UploadRequest struct {
	Filename     string
	ContentType  string
	Size         int64
	Expiry       *time.Time
	MaxDownloads *uint64
	Ciphertext   io.Reader
}

func (r *UploadRequest) validate() *se.Err {
	if strings.TrimSpace(r.Filename) == "" {
		return se.NewBadInput("filename is required")
	}
	if r.ContentType == "" {
		return se.NewBadInput("content type is required")
	}
	if r.Size < 0 {
		return se.NewBadInput("size must not be negative")
	}
	if r.Ciphertext == nil {
		return se.NewBadInput("ciphertext is required")
	}
	if r.MaxDownloads != nil && *r.MaxDownloads < 1 {
		return se.NewBadInput("maxDownloads must be at least 1")
	}
	if r.Expiry != nil && r.Expiry.IsZero() {
		return se.NewBadInput("expiry must be a valid timestamp")
	}
	return nil
}

// UploadArtifact stores the ciphertext and registers a new artifact owned by the requester with an empty
// recipient directory
func (s *Service) UploadArtifact(rc md.RequestContext, req UploadRequest) (*md.Artifact, *se.Err) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	id := s.newID()
	clog := logging.WithRequester(rc.UserID).WithField("artifactID", id)
	if _, err := s.Blobs.Save(id, req.Ciphertext); err != nil {
		clog.WithError(err).Warn("error saving ciphertext")
		return nil, err
	}
	a := &md.Artifact{
		ID:       id,
		OwnerID:  rc.UserID,
		Filename: strings.TrimSpace(req.Filename),
		Metadata: md.Metadata{
			Size:        req.Size,
			ContentType: req.ContentType,
			CreatedAt:   s.now(),
		},
		Policy:     md.AccessPolicy{Expiry: req.Expiry, MaxDownloads: req.MaxDownloads},
		Recipients: md.NewRecipientDirectory(),
	}
	if err := s.Artifacts.Create(a); err != nil {
		s.dropBlob(id)
		return nil, err
	}
	if err := s.audit(rc.UserID, cst.ActionUploadFile, cst.TargetTypeFile, id, a.Filename); err != nil {
		// an unaudited artifact must not survive
		s.Artifacts.Delete(id)
		s.dropBlob(id)
		return nil, err
	}
	clog.Info("artifact uploaded")
	return a, nil
}

// GetArtifact returns the artifact to anyone in its effective access set. Reading metadata does not
// consult the access policy.
func (s *Service) GetArtifact(rc md.RequestContext, artifactID string) (*md.Artifact, *se.Err) {
	a, err := s.gate(rc, artifactID)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListArtifacts returns the artifacts the requester owns or has been shared, directly or through a group
func (s *Service) ListArtifacts(rc md.RequestContext) ([]*md.Artifact, *se.Err) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	resolved, err := s.resolveGroups(rc)
	if err != nil {
		return nil, err
	}
	owned, err := s.Artifacts.ListOwnedBy(rc.UserID)
	if err != nil {
		return nil, err
	}
	shared, err := s.Artifacts.ListSharedWith(rc.UserID, resolved.Groups)
	if err != nil {
		return nil, err
	}
	seen := md.IDSet{}
	out := make([]*md.Artifact, 0, len(owned)+len(shared))
	for _, a := range append(owned, shared...) {
		if seen.Add(a.ID) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteArtifact removes the artifact and its ciphertext
func (s *Service) DeleteArtifact(rc md.RequestContext, artifactID string) *se.Err {
	clog := logging.WithRequester(rc.UserID).WithField("artifactID", artifactID)
	if _, err := s.controlled(rc, artifactID); err != nil {
		return err
	}
	if err := s.Artifacts.Delete(artifactID); err != nil {
		return err
	}
	// the artifact is unreachable already; a leftover blob is garbage, not a leak of access
	s.dropBlob(artifactID)
	if err := s.audit(rc.UserID, cst.ActionDeleteFile, cst.TargetTypeFile, artifactID, ""); err != nil {
		return err
	}
	clog.Info("artifact deleted")
	return nil
}

// dropBlob removes the ciphertext of a gone artifact. Blobs failing removal are handed to the deleter
// through the junk store, when there is one.
func (s *Service) dropBlob(artifactID string) {
	clog := logging.WithFuncName().WithField("artifactID", artifactID)
	err := s.Blobs.Delete(artifactID)
	if err == nil {
		return
	}
	clog.WithError(err).Warn("error removing ciphertext")
	if s.Junk == nil {
		return
	}
	if err := s.Junk.MarkJunk(artifactID); err != nil {
		clog.WithError(err).Error("ciphertext left behind untracked")
	}
}

// UpdatePolicy sets or clears expiry and download quota. Revocation is untouched; see Revoke and Reopen.
func (s *Service) UpdatePolicy(rc md.RequestContext, artifactID string, patch md.PolicyPatch) (*md.Artifact, *se.Err) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.controlled(rc, artifactID); err != nil {
		return nil, err
	}
	var updated *md.Artifact
	err := s.withConflictRetry(func() *se.Err {
		a, err := s.Artifacts.Update(artifactID, func(a *md.Artifact) *se.Err {
			a.Policy.Apply(patch)
			return nil
		})
		updated = a
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := s.audit(rc.UserID, cst.ActionUpdateAccess, cst.TargetTypeFile, artifactID, describePatch(patch)); err != nil {
		return nil, err
	}
	return updated, nil
}

func describePatch(p md.PolicyPatch) string {
	var parts []string
	switch {
	case p.ClearExpiry:
		parts = append(parts, "expiry=none")
	case p.Expiry != nil:
		parts = append(parts, "expiry="+p.Expiry.UTC().Format(time.RFC3339))
	}
	switch {
	case p.ClearMaxDownloads:
		parts = append(parts, "maxDownloads=none")
	case p.MaxDownloads != nil:
		parts = append(parts, fmt.Sprintf("maxDownloads=%d", *p.MaxDownloads))
	}
	return strings.Join(parts, " ")
}

// Reopen clears the revoked flag of an artifact. The recipient directory stays as it is; revoke-all has
// emptied it, so the owner shares again afterwards.
func (s *Service) Reopen(rc md.RequestContext, artifactID string, opts md.ReopenOptions) (*md.Artifact, *se.Err) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.controlled(rc, artifactID); err != nil {
		return nil, err
	}
	var updated *md.Artifact
	err := s.withConflictRetry(func() *se.Err {
		a, err := s.Artifacts.Update(artifactID, func(a *md.Artifact) *se.Err {
			a.Policy.Reopen(opts)
			return nil
		})
		updated = a
		return err
	})
	if err != nil {
		return nil, err
	}
	detail := ""
	if opts.ResetDownloads {
		detail = "downloads reset"
	}
	if err := s.audit(rc.UserID, cst.ActionReopenFile, cst.TargetTypeFile, artifactID, detail); err != nil {
		return nil, err
	}
	return updated, nil
}
