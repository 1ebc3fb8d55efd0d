// Package groupchat holds the chat-entry authorization rule: a user may join
// a group's chat room only while they are a recorded member of the group and
// that membership's payment has been completed.
package groupchat

import (
	"context"
	"errors"
	"time"

	"github.com/daiski/backend/internal/logger"
	"github.com/daiski/backend/internal/model"
	"github.com/daiski/backend/internal/repository"
)

// Denial reasons surfaced to the client.
const (
	ReasonNotMember  = "not a member of this group"
	ReasonUnpaid     = "group payment not completed"
	ReasonUnverified = "could not verify group access"
)

// MembershipSource is what Authorize needs from the booking subsystem.
// *repository.GroupRepository satisfies it.
type MembershipSource interface {
	GetMember(ctx context.Context, groupID int64, userID string) (*model.GroupMember, error)
}

// Decision is the result of an authorization check.
type Decision struct {
	Authorized bool   `json:"authorized"`
	Reason     string `json:"message,omitempty"`
}

type Authorizer struct {
	members MembershipSource
}

func NewAuthorizer(members MembershipSource) *Authorizer {
	return &Authorizer{members: members}
}

// Authorize applies the membership + payment rule. Any lookup error is
// treated as a denial (fail closed), never propagated.
func (a *Authorizer) Authorize(ctx context.Context, userID string, groupID int64) Decision {
	defer logger.DeferLogDuration("groupchat.Authorize", time.Now())()
	if groupID <= 0 || userID == "" {
		return Decision{Authorized: false, Reason: ReasonNotMember}
	}
	m, err := a.members.GetMember(ctx, groupID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return Decision{Authorized: false, Reason: ReasonNotMember}
	}
	if err != nil {
		logger.Errorf("groupchat authorize group=%d user=%s: %v", groupID, userID, err)
		return Decision{Authorized: false, Reason: ReasonUnverified}
	}
	if !m.Paid() {
		return Decision{Authorized: false, Reason: ReasonUnpaid}
	}
	return Decision{Authorized: true}
}
