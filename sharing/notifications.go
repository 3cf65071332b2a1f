package sharing

import (
	"strings"

	"wuyrush.io/pinvault/common/logging"
	cst "wuyrush.io/pinvault/constants"
	se "wuyrush.io/pinvault/errors"
	md "wuyrush.io/pinvault/models"
)

// ListNotifications returns the requester's latest notifications, newest first
func (s *Service) ListNotifications(rc md.RequestContext) ([]*md.Notification, *se.Err) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	return s.Notifications.List(rc.UserID, s.NotificationPageSize)
}

func (s *Service) MarkNotificationRead(rc md.RequestContext, notificationID string) (*md.Notification, *se.Err) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	return s.Notifications.MarkRead(rc.UserID, notificationID)
}

// MarkAllNotificationsRead returns how many notifications were unread
func (s *Service) MarkAllNotificationsRead(rc md.RequestContext) (int, *se.Err) {
	if err := rc.Validate(); err != nil {
		return 0, err
	}
	return s.Notifications.MarkAllRead(rc.UserID)
}

// SendAdminNotification lets an admin message one user. Unlike share and revoke notifications, saving
// this one is the whole point of the call, so a failure surfaces.
func (s *Service) SendAdminNotification(rc md.RequestContext, recipientID, content string) (*md.Notification, *se.Err) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	if !rc.IsAdmin() {
		return nil, se.NewForbidden("only admins may send notifications")
	}
	if strings.TrimSpace(recipientID) == "" {
		return nil, se.NewBadInput("recipient is required")
	}
	if strings.TrimSpace(content) == "" {
		return nil, se.NewBadInput("content is required")
	}
	n := &md.Notification{
		ID:          s.newID(),
		RecipientID: recipientID,
		Type:        cst.NotificationAdmin,
		Content:     content,
		Timestamp:   s.now(),
	}
	if err := s.Notifications.Save(n); err != nil {
		return nil, err
	}
	if err := s.audit(rc.UserID, cst.ActionSendNotification, cst.TargetTypeUser, recipientID, n.ID); err != nil {
		return nil, err
	}
	if s.Pusher != nil {
		if err := s.Pusher.Push(n); err != nil {
			logging.WithRequester(rc.UserID).WithError(err).WithField("recipientID", recipientID).Warn("error pushing notification")
		}
	}
	return n, nil
}
