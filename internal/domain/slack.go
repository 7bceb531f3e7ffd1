package domain

import (
	"context"
	"time"
)

// Profile is a pre-provisioned identity: an IRC nick allowed to register and
// the Slack token it acts with.
type Profile struct {
	Name       string
	SlackToken string
}

// Channel is a Slack channel as returned by channel listing.
type Channel struct {
	ID         string
	Name       string
	Creator    string
	Created    time.Time
	IsMember   bool
	IsChannel  bool
	IsArchived bool
}

// UserInfo is a Slack workspace member as returned by user listing.
type UserInfo struct {
	ID        string
	TeamID    string
	Name      string
	RealName  string // empty when Slack omits it
	IsBot     bool
	IsAppUser bool
	Deleted   bool
}

// AuthIdentity is the result of an auth.test call.
type AuthIdentity struct {
	URL    string
	Team   string
	User   string
	TeamID string
	UserID string
}

// SlackAPI is the subset of the Slack Web API the bridge needs. One value is
// bound to one token.
type SlackAPI interface {
	PostMessage(ctx context.Context, channelID, text string) (string, error)
	ListChannels(ctx context.Context) ([]Channel, error)
	ListUsers(ctx context.Context) ([]UserInfo, error)
}

// SlackAPIFactory builds a client for a token.
type SlackAPIFactory func(token string) SlackAPI
