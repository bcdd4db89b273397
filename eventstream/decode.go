package eventstream

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/onnwee/chatdeck/events"
)

// PubSub payloads -----------------------------------------------------------

type pubsubRedemption struct {
	Type string `json:"type"`
	Data struct {
		Redemption struct {
			ID   string `json:"id"`
			User struct {
				ID          string `json:"id"`
				Login       string `json:"login"`
				DisplayName string `json:"display_name"`
			} `json:"user"`
			RedeemedAt time.Time `json:"redeemed_at"`
			Reward     struct {
				ID     string `json:"id"`
				Title  string `json:"title"`
				Prompt string `json:"prompt"`
				Cost   int    `json:"cost"`
			} `json:"reward"`
			UserInput string `json:"user_input"`
			Status    string `json:"status"`
		} `json:"redemption"`
	} `json:"data"`
}

type pubsubBits struct {
	Data struct {
		UserName      string    `json:"user_name"`
		UserID        string    `json:"user_id"`
		Time          time.Time `json:"time"`
		ChatMessage   string    `json:"chat_message"`
		BitsUsed      int       `json:"bits_used"`
		TotalBitsUsed int       `json:"total_bits_used"`
		IsAnonymous   bool      `json:"is_anonymous"`
	} `json:"data"`
}

type pubsubBitsBadge struct {
	UserID      string    `json:"user_id"`
	UserName    string    `json:"user_name"`
	BadgeTier   int       `json:"badge_tier"`
	ChatMessage string    `json:"chat_message"`
	Time        time.Time `json:"time"`
}

type pubsubSub struct {
	UserName             string    `json:"user_name"`
	DisplayName          string    `json:"display_name"`
	UserID               string    `json:"user_id"`
	Time                 time.Time `json:"time"`
	SubPlan              string    `json:"sub_plan"`
	SubPlanName          string    `json:"sub_plan_name"`
	CumulativeMonths     int       `json:"cumulative_months"`
	StreakMonths         int       `json:"streak_months"`
	Context              string    `json:"context"`
	IsGift               bool      `json:"is_gift"`
	RecipientID          string    `json:"recipient_id"`
	RecipientUserName    string    `json:"recipient_user_name"`
	RecipientDisplayName string    `json:"recipient_display_name"`
	MultiMonthDuration   int       `json:"multi_month_duration"`
	SubMessage           struct {
		Message string `json:"message"`
	} `json:"sub_message"`
}

func hasTopicPrefix(topic, prefix string) bool {
	return strings.HasPrefix(topic, prefix+".")
}

// DecodePubSub turns the message string of a MESSAGE envelope into a typed
// event chosen by topic prefix. kind is 0 for messages that carry no event.
func DecodePubSub(topic string, msg []byte) (events.Kind, any, error) {
	switch {
	case hasTopicPrefix(topic, TopicChannelPoints):
		var r pubsubRedemption
		if err := json.Unmarshal(msg, &r); err != nil {
			return 0, nil, err
		}
		if r.Type != "reward-redeemed" {
			return 0, nil, nil
		}
		red := r.Data.Redemption
		return events.KindRewardRedeemed, events.ChannelPointsRedemptionEvent{
			ID:         red.ID,
			UserID:     red.User.ID,
			UserLogin:  red.User.Login,
			UserName:   red.User.DisplayName,
			UserInput:  red.UserInput,
			Status:     red.Status,
			Reward:     events.Reward{ID: red.Reward.ID, Title: red.Reward.Title, Cost: red.Reward.Cost, Prompt: red.Reward.Prompt},
			RedeemedAt: red.RedeemedAt,
		}, nil

	case hasTopicPrefix(topic, TopicBits):
		var b pubsubBits
		if err := json.Unmarshal(msg, &b); err != nil {
			return 0, nil, err
		}
		return events.KindBits, events.BitsEvent{
			UserID:      b.Data.UserID,
			UserLogin:   b.Data.UserName,
			UserName:    b.Data.UserName,
			Bits:        b.Data.BitsUsed,
			TotalBits:   b.Data.TotalBitsUsed,
			Message:     b.Data.ChatMessage,
			IsAnonymous: b.Data.IsAnonymous,
			Time:        b.Data.Time,
		}, nil

	case hasTopicPrefix(topic, TopicBitsBadge):
		var b pubsubBitsBadge
		if err := json.Unmarshal(msg, &b); err != nil {
			return 0, nil, err
		}
		return events.KindBitsBadge, events.BitsBadgeEvent{
			UserID:    b.UserID,
			UserLogin: b.UserName,
			Tier:      b.BadgeTier,
			Message:   b.ChatMessage,
			Time:      b.Time,
		}, nil

	case hasTopicPrefix(topic, TopicSubscriptions):
		var s pubsubSub
		if err := json.Unmarshal(msg, &s); err != nil {
			return 0, nil, err
		}
		name := s.DisplayName
		if name == "" {
			name = s.UserName
		}
		return events.KindSubscription, events.SubscriptionEvent{
			Context:          s.Context,
			UserID:           s.UserID,
			UserLogin:        s.UserName,
			UserName:         name,
			RecipientID:      s.RecipientID,
			RecipientLogin:   s.RecipientUserName,
			RecipientName:    s.RecipientDisplayName,
			Tier:             s.SubPlan,
			PlanName:         s.SubPlanName,
			IsGift:           s.IsGift,
			CumulativeMonths: s.CumulativeMonths,
			StreakMonths:     s.StreakMonths,
			DurationMonths:   s.MultiMonthDuration,
			Message:          s.SubMessage.Message,
			Time:             s.Time,
		}, nil
	}
	return 0, nil, nil
}

// EventSub payloads ---------------------------------------------------------

// EventSub subscription types.
const (
	SubTypeRedemption   = "channel.channel_points_custom_reward_redemption.add"
	SubTypeSubscribe    = "channel.subscribe"
	SubTypeGift         = "channel.subscription.gift"
	SubTypeResubMessage = "channel.subscription.message"
	SubTypeCheer        = "channel.cheer"
	SubTypeRaid         = "channel.raid"
)

type esUser struct {
	UserID    string `json:"user_id"`
	UserLogin string `json:"user_login"`
	UserName  string `json:"user_name"`
}

type esRedemption struct {
	esUser
	ID        string `json:"id"`
	UserInput string `json:"user_input"`
	Status    string `json:"status"`
	Reward    struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Cost   int    `json:"cost"`
		Prompt string `json:"prompt"`
	} `json:"reward"`
	RedeemedAt time.Time `json:"redeemed_at"`
}

type esSubscribe struct {
	esUser
	Tier   string `json:"tier"`
	IsGift bool   `json:"is_gift"`
}

type esGift struct {
	esUser
	Total           int    `json:"total"`
	Tier            string `json:"tier"`
	CumulativeTotal int    `json:"cumulative_total"`
	IsAnonymous     bool   `json:"is_anonymous"`
}

type esResub struct {
	esUser
	Tier    string `json:"tier"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
	CumulativeMonths int `json:"cumulative_months"`
	StreakMonths     int `json:"streak_months"`
	DurationMonths   int `json:"duration_months"`
}

type esCheer struct {
	esUser
	IsAnonymous bool   `json:"is_anonymous"`
	Message     string `json:"message"`
	Bits        int    `json:"bits"`
}

type esRaid struct {
	FromUserID    string `json:"from_broadcaster_user_id"`
	FromUserLogin string `json:"from_broadcaster_user_login"`
	FromUserName  string `json:"from_broadcaster_user_name"`
	Viewers       int    `json:"viewers"`
}

// DecodeEventSub turns a notification event into a typed event chosen by
// subscription type. kind is 0 for unknown types.
func DecodeEventSub(subType string, event json.RawMessage) (events.Kind, any, error) {
	switch subType {
	case SubTypeRedemption:
		var r esRedemption
		if err := json.Unmarshal(event, &r); err != nil {
			return 0, nil, err
		}
		return events.KindRewardRedeemed, events.ChannelPointsRedemptionEvent{
			ID:         r.ID,
			UserID:     r.UserID,
			UserLogin:  r.UserLogin,
			UserName:   r.UserName,
			UserInput:  r.UserInput,
			Status:     r.Status,
			Reward:     events.Reward{ID: r.Reward.ID, Title: r.Reward.Title, Cost: r.Reward.Cost, Prompt: r.Reward.Prompt},
			RedeemedAt: r.RedeemedAt,
		}, nil

	case SubTypeSubscribe:
		var s esSubscribe
		if err := json.Unmarshal(event, &s); err != nil {
			return 0, nil, err
		}
		ctx := "sub"
		if s.IsGift {
			ctx = "subgift"
		}
		return events.KindSubscription, events.SubscriptionEvent{
			Context:   ctx,
			UserID:    s.UserID,
			UserLogin: s.UserLogin,
			UserName:  s.UserName,
			Tier:      s.Tier,
			IsGift:    s.IsGift,
		}, nil

	case SubTypeGift:
		var g esGift
		if err := json.Unmarshal(event, &g); err != nil {
			return 0, nil, err
		}
		ctx := "gift"
		if g.IsAnonymous {
			ctx = "anonsubgift"
		}
		return events.KindSubscription, events.SubscriptionEvent{
			Context:          ctx,
			UserID:           g.UserID,
			UserLogin:        g.UserLogin,
			UserName:         g.UserName,
			Tier:             g.Tier,
			IsGift:           true,
			GiftCount:        g.Total,
			CumulativeMonths: g.CumulativeTotal,
		}, nil

	case SubTypeResubMessage:
		var m esResub
		if err := json.Unmarshal(event, &m); err != nil {
			return 0, nil, err
		}
		return events.KindSubscription, events.SubscriptionEvent{
			Context:          "resub",
			UserID:           m.UserID,
			UserLogin:        m.UserLogin,
			UserName:         m.UserName,
			Tier:             m.Tier,
			CumulativeMonths: m.CumulativeMonths,
			StreakMonths:     m.StreakMonths,
			DurationMonths:   m.DurationMonths,
			Message:          m.Message.Text,
		}, nil

	case SubTypeCheer:
		var c esCheer
		if err := json.Unmarshal(event, &c); err != nil {
			return 0, nil, err
		}
		return events.KindBits, events.BitsEvent{
			UserID:      c.UserID,
			UserLogin:   c.UserLogin,
			UserName:    c.UserName,
			Bits:        c.Bits,
			Message:     c.Message,
			IsAnonymous: c.IsAnonymous,
		}, nil

	case SubTypeRaid:
		var r esRaid
		if err := json.Unmarshal(event, &r); err != nil {
			return 0, nil, err
		}
		return events.KindRaid, events.RaidEvent{
			FromUserID:      r.FromUserID,
			FromLogin:       r.FromUserLogin,
			FromDisplayName: r.FromUserName,
			Viewers:         r.Viewers,
		}, nil
	}
	return 0, nil, nil
}
