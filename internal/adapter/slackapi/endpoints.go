package slackapi

import (
	"context"
	"net/url"

	"github.com/slack-go/slack"

	"slack-ircd/internal/domain"
)

type postMessageResponse struct {
	slack.SlackResponse
	Channel   string `json:"channel"`
	Timestamp string `json:"ts"`
}

// PostMessage posts text to channelID as the token's user and returns the
// message timestamp Slack assigned.
func (c *Client) PostMessage(ctx context.Context, channelID, text string) (string, error) {
	params := url.Values{
		"channel": {channelID},
		"text":    {text},
		"as_user": {"true"},
	}
	var resp postMessageResponse
	if err := c.call(ctx, "chat.postMessage", params, &resp); err != nil {
		return "", err
	}
	if resp.Timestamp == "" {
		return "", apiError("chat.postMessage", "response has no ts", nil)
	}
	return resp.Timestamp, nil
}

type channelsPage struct {
	slack.SlackResponse
	Channels []slack.Channel `json:"channels"`
}

func (p *channelsPage) nextCursor() string { return p.ResponseMetadata.Cursor }

// ListChannels returns every non-archived channel visible to the token.
func (c *Client) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	params := url.Values{
		"exclude_archived": {"true"},
		"exclude_members":  {"true"},
	}
	var out []domain.Channel
	err := c.paginate(ctx, "channels.list", params,
		func() pageResponse { return &channelsPage{} },
		func(p pageResponse) {
			for _, ch := range p.(*channelsPage).Channels {
				out = append(out, toChannel(ch))
			}
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func toChannel(ch slack.Channel) domain.Channel {
	return domain.Channel{
		ID:         ch.ID,
		Name:       ch.Name,
		Creator:    ch.Creator,
		Created:    ch.Created.Time(),
		IsMember:   ch.IsMember,
		IsChannel:  ch.IsChannel,
		IsArchived: ch.IsArchived,
	}
}

type usersPage struct {
	slack.SlackResponse
	Members []slack.User `json:"members"`
}

func (p *usersPage) nextCursor() string { return p.ResponseMetadata.Cursor }

// ListUsers returns every member of the workspace.
func (c *Client) ListUsers(ctx context.Context) ([]domain.UserInfo, error) {
	var out []domain.UserInfo
	err := c.paginate(ctx, "users.list", url.Values{},
		func() pageResponse { return &usersPage{} },
		func(p pageResponse) {
			for _, u := range p.(*usersPage).Members {
				out = append(out, toUserInfo(u))
			}
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func toUserInfo(u slack.User) domain.UserInfo {
	realName := u.RealName
	if realName == "" {
		realName = u.Profile.RealName
	}
	return domain.UserInfo{
		ID:        u.ID,
		TeamID:    u.TeamID,
		Name:      u.Name,
		RealName:  realName,
		IsBot:     u.IsBot,
		IsAppUser: u.IsAppUser,
		Deleted:   u.Deleted,
	}
}

type authTestResponse struct {
	slack.SlackResponse
	slack.AuthTestResponse
}

// AuthTest reports who the token belongs to.
func (c *Client) AuthTest(ctx context.Context) (domain.AuthIdentity, error) {
	var resp authTestResponse
	if err := c.call(ctx, "auth.test", url.Values{}, &resp); err != nil {
		return domain.AuthIdentity{}, err
	}
	return domain.AuthIdentity{
		URL:    resp.URL,
		Team:   resp.Team,
		User:   resp.User,
		TeamID: resp.TeamID,
		UserID: resp.UserID,
	}, nil
}

// APITest checks that the Slack API is reachable.
func (c *Client) APITest(ctx context.Context) error {
	return c.call(ctx, "api.test", url.Values{}, nil)
}
