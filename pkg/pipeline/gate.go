package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"voxscribe/pkg/channel"
)

// Authorized decides whether the bot may reply in msg's conversation. Direct
// chats always pass. In groups the bot must be a member, and a group locked to
// admins requires the bot to be one.
func Authorized(ctx context.Context, conn channel.Conn, msg channel.InboundMessage, log *slog.Logger) (bool, error) {
	if !msg.IsGroup {
		return true, nil
	}
	if log == nil {
		log = slog.Default()
	}

	info, err := conn.GroupInfo(ctx, msg.Chat)
	if err != nil {
		return false, fmt.Errorf("fetch group info: %w", err)
	}

	me, ok := findSelf(conn.Self(), info.Participants)
	if !ok {
		log.Info("Not a member of group, skipping", "chat", msg.Chat, "group", info.Subject)
		return false, nil
	}

	if info.Restricted && !me.Privileged() {
		log.Info("Group is locked to admins, skipping", "chat", msg.Chat, "group", info.Subject)
		return false, nil
	}

	return true, nil
}

func findSelf(self channel.Identity, participants []channel.Participant) (channel.Participant, bool) {
	ids := make(map[string]struct{}, 2)
	for _, id := range []string{self.LID, self.ID} {
		if id != "" {
			ids[channel.BareID(id)] = struct{}{}
		}
	}
	if len(ids) == 0 {
		return channel.Participant{}, false
	}

	for _, p := range participants {
		for _, id := range []string{p.LID, p.ID} {
			if id == "" {
				continue
			}
			if _, ok := ids[channel.BareID(id)]; ok {
				return p, true
			}
		}
	}

	return channel.Participant{}, false
}
