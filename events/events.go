// Package events defines the typed records produced by the protocol clients
// and consumed by the dispatcher and components.
package events

import "time"

// Kind identifies a platform event.
type Kind int

const (
	KindRewardRedeemed Kind = iota + 1
	KindBits
	KindBitsBadge
	KindSubscription
	KindRaid
)

func (k Kind) String() string {
	switch k {
	case KindRewardRedeemed:
		return "reward_redeemed"
	case KindBits:
		return "bits"
	case KindBitsBadge:
		return "bits_badge"
	case KindSubscription:
		return "subscription"
	case KindRaid:
		return "raid"
	default:
		return "unknown"
	}
}

// Tags is the normalized tag block of a chat line. Raw holds every tag that
// survived filtering, keyed with underscores instead of hyphens.
type Tags struct {
	Raw         map[string]string
	Badges      map[string]string
	BadgeInfo   map[string]string
	DisplayName string
	Color       string
	Emotes      map[string][]EmoteRange
	SubMonths   int
	Mod         bool
	ID          string
	RoomID      string
	UserID      string
	Bits        int
	SentAt      time.Time
}

// EmoteRange is an inclusive character range of an emote in the message text.
type EmoteRange struct {
	Start int
	End   int
}

// HasBadge reports whether the sender carries badge name.
func (t Tags) HasBadge(name string) bool {
	_, ok := t.Badges[name]
	return ok
}

// ChatMessage is one inbound chat line.
type ChatMessage struct {
	Sender  string // login from the nick!user@host prefix
	Channel string
	Text    string
	Tags    Tags
}

// RaidEvent is built from a USERNOTICE with msg-id=raid or an EventSub channel.raid notification.
type RaidEvent struct {
	FromUserID      string
	FromLogin       string
	FromDisplayName string
	ProfileImageURL string
	Viewers         int
}

// SubscriptionEvent covers new subs, resubs and gifts.
type SubscriptionEvent struct {
	Context          string // sub, resub, subgift, anonsubgift, gift
	UserID           string
	UserLogin        string
	UserName         string
	RecipientID      string
	RecipientLogin   string
	RecipientName    string
	Tier             string // 1000, 2000, 3000 or Prime
	PlanName         string
	IsGift           bool
	GiftCount        int
	CumulativeMonths int
	StreakMonths     int
	DurationMonths   int
	Message          string
	Time             time.Time
}

// BitsEvent is a cheer.
type BitsEvent struct {
	UserID      string
	UserLogin   string
	UserName    string
	Bits        int
	TotalBits   int
	Message     string
	IsAnonymous bool
	Time        time.Time
}

// BitsBadgeEvent is a bits badge tier unlock.
type BitsBadgeEvent struct {
	UserID    string
	UserLogin string
	Tier      int
	Message   string
	Time      time.Time
}

// Reward describes a channel points reward.
type Reward struct {
	ID     string
	Title  string
	Cost   int
	Prompt string
}

// ChannelPointsRedemptionEvent is a channel points reward redemption.
type ChannelPointsRedemptionEvent struct {
	ID         string
	UserID     string
	UserLogin  string
	UserName   string
	UserInput  string
	Status     string
	Reward     Reward
	RedeemedAt time.Time
}
