package events

import (
	"reflect"
	"testing"
)

func TestHubDeliversInOrderToEverySubscriber(t *testing.T) {
	var h Hub
	var a, b []Kind
	h.Subscribe(func(k Kind, _ any) { a = append(a, k) })
	h.Subscribe(func(k Kind, _ any) { b = append(b, k) })
	h.Subscribe(nil)

	h.Publish(KindRaid, RaidEvent{FromLogin: "x"})
	h.Publish(KindBits, BitsEvent{Bits: 100})
	h.Publish(KindSubscription, SubscriptionEvent{})

	want := []Kind{KindRaid, KindBits, KindSubscription}
	if !reflect.DeepEqual(a, want) {
		t.Errorf("first subscriber got %v, want %v", a, want)
	}
	if !reflect.DeepEqual(b, want) {
		t.Errorf("second subscriber got %v, want %v", b, want)
	}
	if h.Len() != 2 {
		t.Errorf("Len() = %d, want 2", h.Len())
	}
}

func TestHubPassesPayload(t *testing.T) {
	var h Hub
	var got any
	h.Subscribe(func(_ Kind, p any) { got = p })
	want := RaidEvent{FromLogin: "raider", Viewers: 12}
	h.Publish(KindRaid, want)
	if got != want {
		t.Errorf("payload = %#v, want %#v", got, want)
	}
}

func TestKindString(t *testing.T) {
	tests := map[Kind]string{
		KindRewardRedeemed: "reward_redeemed",
		KindBits:           "bits",
		KindBitsBadge:      "bits_badge",
		KindSubscription:   "subscription",
		KindRaid:           "raid",
		Kind(0):            "unknown",
	}
	for k, want := range tests {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", int(k), got, want)
		}
	}
}

func TestTagsHasBadge(t *testing.T) {
	tags := Tags{Badges: map[string]string{"moderator": "1"}}
	if !tags.HasBadge("moderator") {
		t.Error("HasBadge(moderator) = false")
	}
	if tags.HasBadge("vip") {
		t.Error("HasBadge(vip) = true")
	}
}
