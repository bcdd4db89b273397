package chat

import (
	"reflect"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/chatdeck/events"
)

func mustPrivmsg(t *testing.T, line string) events.ChatMessage {
	t.Helper()
	msg, err := parseLine(line)
	if err != nil {
		t.Fatalf("parseLine: %v", err)
	}
	pm, ok := msg.(*twitch.PrivateMessage)
	if !ok {
		t.Fatalf("parsed %T, want *twitch.PrivateMessage", msg)
	}
	return toChatMessage(pm)
}

func TestParseTagsRoundTrip(t *testing.T) {
	line := `@badge-info=subscriber/5;badges=moderator/1;display-name=Foo;emotes=;mod=1;room-id=1234;user-id=42;id=abc-1 :foo!foo@foo.tmi.twitch.tv PRIVMSG #chan :hello world`
	msg := mustPrivmsg(t, line)

	if msg.Tags.SubMonths != 5 {
		t.Errorf("SubMonths = %d, want 5", msg.Tags.SubMonths)
	}
	if want := map[string]string{"moderator": "1"}; !reflect.DeepEqual(msg.Tags.Badges, want) {
		t.Errorf("Badges = %v, want %v", msg.Tags.Badges, want)
	}
	if !msg.Tags.Mod {
		t.Error("Mod = false, want true")
	}
	if msg.Tags.DisplayName != "Foo" {
		t.Errorf("DisplayName = %q, want Foo", msg.Tags.DisplayName)
	}
	if msg.Sender != "foo" {
		t.Errorf("Sender = %q, want foo", msg.Sender)
	}
	if msg.Text != "hello world" {
		t.Errorf("Text = %q", msg.Text)
	}
	if msg.Channel != "chan" {
		t.Errorf("Channel = %q, want chan", msg.Channel)
	}
	if msg.Tags.RoomID != "1234" || msg.Tags.UserID != "42" || msg.Tags.ID != "abc-1" {
		t.Errorf("ids = room %q user %q msg %q", msg.Tags.RoomID, msg.Tags.UserID, msg.Tags.ID)
	}
	if _, ok := msg.Tags.Raw["badge_info"]; !ok {
		t.Errorf("Raw missing normalized badge_info key: %v", msg.Tags.Raw)
	}
}

func TestDisplayNameFallsBackToSender(t *testing.T) {
	line := `@badges=;display-name=;mod=0 :bar!bar@bar.tmi.twitch.tv PRIVMSG #chan :hi`
	msg := mustPrivmsg(t, line)
	if msg.Tags.DisplayName != "bar" {
		t.Errorf("DisplayName = %q, want sender login bar", msg.Tags.DisplayName)
	}
	if msg.Tags.Mod {
		t.Error("Mod = true, want false")
	}
	if len(msg.Tags.Badges) != 0 {
		t.Errorf("Badges = %v, want empty", msg.Tags.Badges)
	}
}

func TestNormalizeTags(t *testing.T) {
	raw := map[string]string{
		"display-name": "Foo",
		"tmi-sent-ts":  "1700000000000",
		"turbo":        "0",
		"subscriber":   "1",
		"user-type":    "mod",
		"mod":          "1",
	}
	got := NormalizeTags(raw)
	want := map[string]string{
		"display_name": "Foo",
		"tmi_sent_ts":  "1700000000000",
		"mod":          "1",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeTags = %v, want %v", got, want)
	}
}

func TestParseTagsDerivedFields(t *testing.T) {
	raw := map[string]string{
		"badge-info":   "founder/14",
		"badges":       "broadcaster/1,subscriber/3012",
		"emotes":       "25:0-4,12-16/1902:6-10",
		"bits":         "100",
		"tmi-sent-ts":  "1700000000000",
		"display-name": "Streamer",
	}
	tags := ParseTags(raw, "streamer")

	if tags.SubMonths != 14 {
		t.Errorf("SubMonths = %d, want 14 from founder badge", tags.SubMonths)
	}
	if !tags.HasBadge("broadcaster") || tags.Badges["subscriber"] != "3012" {
		t.Errorf("Badges = %v", tags.Badges)
	}
	wantEmotes := map[string][]events.EmoteRange{
		"25":   {{Start: 0, End: 4}, {Start: 12, End: 16}},
		"1902": {{Start: 6, End: 10}},
	}
	if !reflect.DeepEqual(tags.Emotes, wantEmotes) {
		t.Errorf("Emotes = %v, want %v", tags.Emotes, wantEmotes)
	}
	if tags.Bits != 100 {
		t.Errorf("Bits = %d, want 100", tags.Bits)
	}
	if !tags.SentAt.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("SentAt = %v", tags.SentAt)
	}
}

func TestParseEmotesIgnoresGarbage(t *testing.T) {
	got := parseEmotes("25:x-4/:1-2/abc")
	if len(got) != 0 {
		t.Errorf("parseEmotes = %v, want empty", got)
	}
}

func TestRaidFromUserNotice(t *testing.T) {
	line := `@msg-id=raid;msg-param-displayName=Raider;msg-param-login=raider;msg-param-profileImageURL=https://example.com/a.png;msg-param-viewerCount=42;user-id=777;login=raider :tmi.twitch.tv USERNOTICE #chan`
	msg, err := parseLine(line)
	if err != nil {
		t.Fatalf("parseLine: %v", err)
	}
	un, ok := msg.(*twitch.UserNoticeMessage)
	if !ok {
		t.Fatalf("parsed %T, want *twitch.UserNoticeMessage", msg)
	}
	raid, ok := raidFromTags(un.Tags)
	if !ok {
		t.Fatal("raidFromTags ok = false")
	}
	want := events.RaidEvent{
		FromUserID:      "777",
		FromLogin:       "raider",
		FromDisplayName: "Raider",
		ProfileImageURL: "https://example.com/a.png",
		Viewers:         42,
	}
	if raid != want {
		t.Errorf("raid = %+v, want %+v", raid, want)
	}
}

func TestRaidFromTagsIgnoresOtherNotices(t *testing.T) {
	if _, ok := raidFromTags(map[string]string{"msg-id": "resub"}); ok {
		t.Error("resub treated as raid")
	}
}

func TestIsAuthFailure(t *testing.T) {
	tests := []struct {
		notice string
		want   bool
	}{
		{"Login authentication failed", true},
		{"Improperly formatted auth", true},
		{"This room is now in slow mode.", false},
	}
	for _, tt := range tests {
		if got := isAuthFailure(tt.notice); got != tt.want {
			t.Errorf("isAuthFailure(%q) = %v, want %v", tt.notice, got, tt.want)
		}
	}
}
