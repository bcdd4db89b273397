package chat

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/chatdeck/events"
)

// deprecatedTags are dropped from the normalized tag map. Badges carry the
// same information.
var deprecatedTags = map[string]bool{
	"turbo":      true,
	"subscriber": true,
	"user_type":  true,
}

// parseLine parses one IRC line. Malformed lines become errors instead of
// taking down the receive loop.
func parseLine(line string) (msg twitch.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			msg, err = nil, fmt.Errorf("parse irc line %q: %v", line, r)
		}
	}()
	return twitch.ParseMessage(line), nil
}

// NormalizeTags rewrites tag keys with underscores and drops deprecated tags.
func NormalizeTags(raw map[string]string) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		key := strings.ReplaceAll(k, "-", "_")
		if deprecatedTags[key] {
			continue
		}
		out[key] = v
	}
	return out
}

// ParseTags builds typed tags from a raw IRC tag map. sender is used when the
// display-name tag is empty.
func ParseTags(raw map[string]string, sender string) events.Tags {
	norm := NormalizeTags(raw)
	t := events.Tags{
		Raw:         norm,
		Badges:      parseBadges(norm["badges"]),
		BadgeInfo:   parseBadges(norm["badge_info"]),
		DisplayName: norm["display_name"],
		Color:       norm["color"],
		Emotes:      parseEmotes(norm["emotes"]),
		Mod:         norm["mod"] == "1",
		ID:          norm["id"],
		RoomID:      norm["room_id"],
		UserID:      norm["user_id"],
	}
	if t.DisplayName == "" {
		t.DisplayName = sender
	}
	if months, ok := t.BadgeInfo["subscriber"]; ok {
		t.SubMonths, _ = strconv.Atoi(months)
	} else if months, ok := t.BadgeInfo["founder"]; ok {
		t.SubMonths, _ = strconv.Atoi(months)
	}
	if b := norm["bits"]; b != "" {
		t.Bits, _ = strconv.Atoi(b)
	}
	if ts := norm["tmi_sent_ts"]; ts != "" {
		if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
			t.SentAt = time.UnixMilli(ms).UTC()
		}
	}
	return t
}

// parseBadges parses "moderator/1,subscriber/12" into a map.
func parseBadges(s string) map[string]string {
	out := map[string]string{}
	if s == "" {
		return out
	}
	for _, part := range strings.Split(s, ",") {
		name, version, _ := strings.Cut(part, "/")
		if name == "" {
			continue
		}
		out[name] = version
	}
	return out
}

// parseEmotes parses "25:0-4,12-16/1902:6-10".
func parseEmotes(s string) map[string][]events.EmoteRange {
	out := map[string][]events.EmoteRange{}
	if s == "" {
		return out
	}
	for _, emote := range strings.Split(s, "/") {
		id, ranges, ok := strings.Cut(emote, ":")
		if !ok || id == "" {
			continue
		}
		for _, r := range strings.Split(ranges, ",") {
			a, b, ok := strings.Cut(r, "-")
			if !ok {
				continue
			}
			start, err1 := strconv.Atoi(a)
			end, err2 := strconv.Atoi(b)
			if err1 != nil || err2 != nil {
				continue
			}
			out[id] = append(out[id], events.EmoteRange{Start: start, End: end})
		}
	}
	return out
}

func toChatMessage(m *twitch.PrivateMessage) events.ChatMessage {
	return events.ChatMessage{
		Sender:  strings.ToLower(m.User.Name),
		Channel: m.Channel,
		Text:    m.Message,
		Tags:    ParseTags(m.Tags, m.User.Name),
	}
}

// raidFromTags builds a RaidEvent from a USERNOTICE tag block. ok is false
// when the notice is not a raid.
func raidFromTags(raw map[string]string) (events.RaidEvent, bool) {
	tags := NormalizeTags(raw)
	if tags["msg_id"] != "raid" {
		return events.RaidEvent{}, false
	}
	viewers, _ := strconv.Atoi(tags["msg_param_viewerCount"])
	r := events.RaidEvent{
		FromUserID:      tags["user_id"],
		FromLogin:       tags["msg_param_login"],
		FromDisplayName: tags["msg_param_displayName"],
		ProfileImageURL: tags["msg_param_profileImageURL"],
		Viewers:         viewers,
	}
	if r.FromLogin == "" {
		r.FromLogin = tags["login"]
	}
	if r.FromDisplayName == "" {
		r.FromDisplayName = r.FromLogin
	}
	return r, true
}

func isAuthFailure(notice string) bool {
	lower := strings.ToLower(notice)
	return strings.Contains(lower, "login authentication failed") ||
		strings.Contains(lower, "improperly formatted auth") ||
		strings.Contains(lower, "invalid nick")
}
