// Package sharing is the application core of pinvault: the access gate in front of downloads, the
// coordinator applying share and revoke requests, and the artifact, group, notification and audit
// operations around them. It never sees plaintext or content keys.
package sharing

import (
	"time"

	"github.com/segmentio/ksuid"
	"wuyrush.io/pinvault/common/logging"
	rt "wuyrush.io/pinvault/common/retry"
	se "wuyrush.io/pinvault/errors"
	md "wuyrush.io/pinvault/models"
	st "wuyrush.io/pinvault/stores"
)

const (
	defaultConflictRetries      = 5
	defaultNotificationPageSize = 100
)

// Service wires the stores together. Requests share nothing in-process; per-artifact serialization is
// left to the stores.
type Service struct {
	Artifacts     st.ArtifactStore
	Groups        st.GroupStore
	Blobs         st.BlobStore
	Audit         st.AuditStore
	Notifications st.NotificationStore
	Pusher        st.Pusher
	// fields below are optional
	Junk                 st.JunkStore
	Now                  func() time.Time
	NewID                func() string
	ConflictRetries      int64
	NotificationPageSize int
}

// New returns a Service with defaults filled in; any optional field may be overwritten afterwards
func New(as st.ArtifactStore, gs st.GroupStore, bs st.BlobStore, aus st.AuditStore, ns st.NotificationStore, p st.Pusher) *Service {
	return &Service{
		Artifacts:            as,
		Groups:               gs,
		Blobs:                bs,
		Audit:                aus,
		Notifications:        ns,
		Pusher:               p,
		Now:                  time.Now,
		NewID:                func() string { return ksuid.New().String() },
		ConflictRetries:      defaultConflictRetries,
		NotificationPageSize: defaultNotificationPageSize,
	}
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Service) newID() string {
	if s.NewID == nil {
		return ksuid.New().String()
	}
	return s.NewID()
}

// withConflictRetry reruns f as long as it fails on an optimistic concurrency conflict
func (s *Service) withConflictRetry(f func() *se.Err) *se.Err {
	err := rt.Retry(func() error {
		if err := f(); err != nil {
			return err
		}
		return nil
	},
		rt.WithMaxAttempts(s.ConflictRetries),
		rt.WithBaseDelay(5*time.Millisecond),
		rt.WithExp(2.0),
		rt.WithJitter(0.5),
		rt.WithMaxBackoff(200*time.Millisecond),
		rt.WithRetryOn(rt.IsConflict),
	)
	if err == nil {
		return nil
	}
	if e, ok := err.(*se.Err); ok {
		return e
	}
	return se.NewServiceFailure("error applying update").WithCause(err)
}

// audit writes one audit record. The write is part of the operation: a failure fails the request.
func (s *Service) audit(actorID, action, targetType, targetID, detail string) *se.Err {
	r := &md.AuditRecord{
		ID:         s.newID(),
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
		Timestamp:  s.now(),
	}
	if err := s.Audit.Record(r); err != nil {
		logging.WithFuncName().WithError(err).WithField("action", action).Error("error writing audit record")
		return se.NewServiceFailure("error recording audit trail").WithCause(err)
	}
	return nil
}

// notify persists and pushes one notification per recipient. Delivery is best-effort: failures are
// logged and never fail the calling operation.
func (s *Service) notify(recipients []string, typ, content string) {
	for _, r := range recipients {
		n := &md.Notification{
			ID:          s.newID(),
			RecipientID: r,
			Type:        typ,
			Content:     content,
			Timestamp:   s.now(),
		}
		clog := logging.WithFuncName().WithFields(map[string]interface{}{"recipientID": r, "type": typ})
		if err := s.Notifications.Save(n); err != nil {
			clog.WithError(err).Warn("error saving notification")
			continue
		}
		if s.Pusher == nil {
			continue
		}
		if err := s.Pusher.Push(n); err != nil {
			clog.WithError(err).Warn("error pushing notification")
		}
	}
}

// resolveGroups returns rc with Groups replaced by the requester's memberships as of now. The live membership
// index is authoritative; group ids carried by the session are ignored, since a session outlives removals
// from a group.
func (s *Service) resolveGroups(rc md.RequestContext) (md.RequestContext, *se.Err) {
	live, err := s.Groups.GroupsOf(rc.UserID)
	if err != nil {
		return rc, err
	}
	existing, err := s.Groups.Existing(md.Dedup(live))
	if err != nil {
		return rc, err
	}
	rc.Groups = existing.Sorted()
	return rc, nil
}

// controlled loads the artifact and checks the requester may administer it
func (s *Service) controlled(rc md.RequestContext, artifactID string) (*md.Artifact, *se.Err) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	a, err := s.Artifacts.Get(artifactID)
	if err != nil {
		return nil, err
	}
	if !a.ControlledBy(rc) {
		return nil, se.NewForbidden("only the owner or an admin may manage this artifact")
	}
	return a, nil
}
