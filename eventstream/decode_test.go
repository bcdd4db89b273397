package eventstream

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/onnwee/chatdeck/events"
)

func TestDecodePubSub(t *testing.T) {
	tests := []struct {
		name     string
		topic    string
		message  string
		wantKind events.Kind
		want     any
	}{
		{
			name:     "bits",
			topic:    TopicBits + ".42",
			message:  `{"data":{"user_name":"cheerer","user_id":"5","chat_message":"cheer100 hi","bits_used":100,"total_bits_used":1500}}`,
			wantKind: events.KindBits,
			want: events.BitsEvent{
				UserID: "5", UserLogin: "cheerer", UserName: "cheerer",
				Bits: 100, TotalBits: 1500, Message: "cheer100 hi",
			},
		},
		{
			name:     "bits badge",
			topic:    TopicBitsBadge + ".42",
			message:  `{"user_id":"5","user_name":"cheerer","badge_tier":1000,"chat_message":"yay"}`,
			wantKind: events.KindBitsBadge,
			want:     events.BitsBadgeEvent{UserID: "5", UserLogin: "cheerer", Tier: 1000, Message: "yay"},
		},
		{
			name:     "resub",
			topic:    TopicSubscriptions + ".42",
			message:  `{"user_name":"fan","display_name":"Fan","user_id":"8","sub_plan":"1000","sub_plan_name":"Tier 1","cumulative_months":9,"streak_months":3,"context":"resub","sub_message":{"message":"nine months"}}`,
			wantKind: events.KindSubscription,
			want: events.SubscriptionEvent{
				Context: "resub", UserID: "8", UserLogin: "fan", UserName: "Fan",
				Tier: "1000", PlanName: "Tier 1", CumulativeMonths: 9, StreakMonths: 3, Message: "nine months",
			},
		},
		{
			name:     "redemption update is not an event",
			topic:    TopicChannelPoints + ".42",
			message:  `{"type":"redemption-status-update","data":{}}`,
			wantKind: 0,
		},
		{
			name:     "prefix must end at a dot",
			topic:    TopicBits + "-extra.42",
			message:  `{}`,
			wantKind: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, payload, err := DecodePubSub(tt.topic, []byte(tt.message))
			if err != nil {
				t.Fatalf("DecodePubSub() error = %v", err)
			}
			if kind != tt.wantKind {
				t.Fatalf("kind = %v, want %v", kind, tt.wantKind)
			}
			if tt.want != nil && !reflect.DeepEqual(payload, tt.want) {
				t.Errorf("payload = %+v\nwant %+v", payload, tt.want)
			}
		})
	}
}

func TestDecodePubSubMalformed(t *testing.T) {
	if _, _, err := DecodePubSub(TopicBits+".1", []byte("nope")); err == nil {
		t.Error("DecodePubSub() error = nil for malformed message")
	}
}

func TestDecodeEventSub(t *testing.T) {
	tests := []struct {
		name     string
		subType  string
		event    string
		wantKind events.Kind
		want     any
	}{
		{
			name:     "raid",
			subType:  SubTypeRaid,
			event:    `{"from_broadcaster_user_id":"3","from_broadcaster_user_login":"raider","from_broadcaster_user_name":"Raider","to_broadcaster_user_id":"42","viewers":120}`,
			wantKind: events.KindRaid,
			want:     events.RaidEvent{FromUserID: "3", FromLogin: "raider", FromDisplayName: "Raider", Viewers: 120},
		},
		{
			name:     "cheer",
			subType:  SubTypeCheer,
			event:    `{"user_id":"5","user_login":"cheerer","user_name":"Cheerer","is_anonymous":false,"message":"hi","bits":250}`,
			wantKind: events.KindBits,
			want:     events.BitsEvent{UserID: "5", UserLogin: "cheerer", UserName: "Cheerer", Bits: 250, Message: "hi"},
		},
		{
			name:     "gift",
			subType:  SubTypeGift,
			event:    `{"user_id":"6","user_login":"gifter","user_name":"Gifter","total":5,"tier":"1000","cumulative_total":40,"is_anonymous":false}`,
			wantKind: events.KindSubscription,
			want: events.SubscriptionEvent{
				Context: "gift", UserID: "6", UserLogin: "gifter", UserName: "Gifter",
				Tier: "1000", IsGift: true, GiftCount: 5, CumulativeMonths: 40,
			},
		},
		{
			name:     "subscribe",
			subType:  SubTypeSubscribe,
			event:    `{"user_id":"8","user_login":"fan","user_name":"Fan","tier":"2000","is_gift":false}`,
			wantKind: events.KindSubscription,
			want:     events.SubscriptionEvent{Context: "sub", UserID: "8", UserLogin: "fan", UserName: "Fan", Tier: "2000"},
		},
		{
			name:     "resub message",
			subType:  SubTypeResubMessage,
			event:    `{"user_id":"8","user_login":"fan","user_name":"Fan","tier":"1000","message":{"text":"again"},"cumulative_months":12,"streak_months":2,"duration_months":1}`,
			wantKind: events.KindSubscription,
			want: events.SubscriptionEvent{
				Context: "resub", UserID: "8", UserLogin: "fan", UserName: "Fan", Tier: "1000",
				CumulativeMonths: 12, StreakMonths: 2, DurationMonths: 1, Message: "again",
			},
		},
		{
			name:     "unknown type",
			subType:  "channel.follow",
			event:    `{}`,
			wantKind: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, payload, err := DecodeEventSub(tt.subType, json.RawMessage(tt.event))
			if err != nil {
				t.Fatalf("DecodeEventSub() error = %v", err)
			}
			if kind != tt.wantKind {
				t.Fatalf("kind = %v, want %v", kind, tt.wantKind)
			}
			if tt.want != nil && !reflect.DeepEqual(payload, tt.want) {
				t.Errorf("payload = %+v\nwant %+v", payload, tt.want)
			}
		})
	}
}
