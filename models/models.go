package models

import (
	"strings"
	"time"

	se "wuyrush.io/pinvault/errors"
)

/*
 Application layer data models.
*/

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// RequestContext is who is asking. It is supplied by the authentication layer for every request and
// trusted verbatim; there is no ambient "current user".
type RequestContext struct {
	UserID string
	Role   Role
	Groups []string
}

func (rc RequestContext) IsAdmin() bool {
	return rc.Role == RoleAdmin
}

func (rc RequestContext) Anonymous() bool {
	return rc.UserID == ""
}

func (rc RequestContext) Validate() *se.Err {
	if rc.Anonymous() {
		return se.NewUnauthenticated("requester identity missing")
	}
	switch rc.Role {
	case RoleUser, RoleAdmin:
		return nil
	default:
		return se.NewUnauthenticated("unknown requester role " + string(rc.Role))
	}
}

// Metadata is the cleartext-adjacent description of an artifact's plaintext
type Metadata struct {
	Size        int64     `json:"size"`
	ContentType string    `json:"type"`
	CreatedAt   time.Time `json:"uploadDate"`
}

// Artifact is one encrypted unit under access control. The ciphertext itself lives in blob storage, keyed
// by the artifact ID.
type Artifact struct {
	ID         string             `json:"id"`
	OwnerID    string             `json:"ownerId"`
	Filename   string             `json:"filename"`
	Metadata   Metadata           `json:"metadata"`
	Policy     AccessPolicy       `json:"accessControl"`
	Recipients RecipientDirectory `json:"recipients"`
	// Version is the optimistic concurrency token, bumped by every persisted update
	Version uint64 `json:"version"`
}

// ControlledBy reports whether the requester may mutate the artifact's policy and recipients
func (a *Artifact) ControlledBy(rc RequestContext) bool {
	return rc.UserID == a.OwnerID || rc.IsAdmin()
}

// AccessibleTo reports whether the requester is in the artifact's effective access set. rc.Groups must
// hold the requester's memberships as of now.
func (a *Artifact) AccessibleTo(rc RequestContext) bool {
	if rc.Anonymous() {
		return false
	}
	return a.ControlledBy(rc) ||
		a.Recipients.Users.Has(rc.UserID) ||
		a.Recipients.Groups.Intersects(rc.Groups)
}

// Revoke removes the listed identities, or with all clears both recipient sets and revokes the policy.
// Revoke-all is the only operation which flips the revoked flag on.
func (a *Artifact) Revoke(users, groups []string, all bool) RevokeDelta {
	if all {
		a.Policy.Revoked = true
		return a.Recipients.Clear()
	}
	return a.Recipients.Remove(users, groups)
}

func (a *Artifact) Clone() *Artifact {
	c := *a
	c.Policy = a.Policy.Clone()
	c.Recipients = a.Recipients.Clone()
	return &c
}

// Grant is handed out for a successful access evaluation
type Grant struct {
	ArtifactID    string    `json:"artifactId"`
	Filename      string    `json:"filename"`
	Metadata      Metadata  `json:"metadata"`
	DownloadCount uint64    `json:"downloadCount"`
	GrantedAt     time.Time `json:"grantedAt"`
}

const (
	groupNameMinLen = 3
	groupNameMaxLen = 40
)

// Group is a named set of users. The owner is always a member.
type Group struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner"`
	Members IDSet  `json:"members"`
}

// ControlledBy reports whether the requester may mutate the group
func (g *Group) ControlledBy(rc RequestContext) bool {
	return rc.UserID == g.OwnerID || rc.IsAdmin()
}

// VisibleTo reports whether the requester may read the group
func (g *Group) VisibleTo(rc RequestContext) bool {
	return g.Members.Has(rc.UserID) || rc.IsAdmin()
}

// HealOwner puts the owner back into the member set, reporting whether it was missing
func (g *Group) HealOwner() bool {
	if g.Members == nil {
		g.Members = IDSet{}
	}
	return g.Members.Add(g.OwnerID)
}

func (g *Group) Clone() *Group {
	c := *g
	c.Members = g.Members.Clone()
	return &c
}

// ValidateGroupName trims and checks a group name
func ValidateGroupName(name string) (string, *se.Err) {
	n := strings.TrimSpace(name)
	if l := len([]rune(n)); l < groupNameMinLen || l > groupNameMaxLen {
		return "", se.NewBadInput("group name must be 3 to 40 characters long")
	}
	return n, nil
}

// AuditRecord records one action of an actor upon a target
type AuditRecord struct {
	ID         string    `json:"_id"`
	ActorID    string    `json:"actorId"`
	Action     string    `json:"action"`
	TargetType string    `json:"targetType"`
	TargetID   string    `json:"targetId"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// AuditFilter selects audit records; empty fields match everything
type AuditFilter struct {
	ActorID    string
	TargetType string
	TargetID   string
}

func (f AuditFilter) Match(r *AuditRecord) bool {
	return (f.ActorID == "" || f.ActorID == r.ActorID) &&
		(f.TargetType == "" || f.TargetType == r.TargetType) &&
		(f.TargetID == "" || f.TargetID == r.TargetID)
}

// Notification is a message delivered to one recipient
type Notification struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipientId"`
	Type        string    `json:"type"`
	Content     string    `json:"content"`
	Read        bool      `json:"read"`
	Timestamp   time.Time `json:"timestamp"`
}
