package whatsapp

import (
	"errors"
	"fmt"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"voxscribe/pkg/channel"
)

func identity(device *store.Device) channel.Identity {
	if device == nil {
		return channel.Identity{}
	}

	var id channel.Identity
	if device.ID != nil {
		id.ID = device.ID.String()
	}
	if !device.LID.IsEmpty() {
		id.LID = device.LID.String()
	}
	id.Name = device.PushName

	return id
}

// inbound converts a decrypted message event. ok is false for ignored chats.
func inbound(evt *events.Message, ignore func(string) bool) (channel.InboundMessage, bool) {
	chat := evt.Info.Chat.String()
	if ignore != nil && ignore(chat) {
		return channel.InboundMessage{}, false
	}

	msg := channel.InboundMessage{
		ID:         evt.Info.ID,
		Chat:       chat,
		Sender:     evt.Info.Sender.ToNonAD().String(),
		IsGroup:    evt.Info.IsGroup,
		FromMe:     evt.Info.IsFromMe,
		HasContent: evt.Message != nil,
		Raw:        evt,
	}
	if evt.Message.GetAudioMessage() != nil {
		msg.Kind = channel.KindAudio
	}

	return msg, true
}

// textMessage builds a plain text message, quoting original when given.
func textMessage(text string, original *events.Message) *waE2E.Message {
	if original == nil {
		return &waE2E.Message{Conversation: proto.String(text)}
	}

	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(text),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:      proto.String(original.Info.ID),
				Participant:   proto.String(original.Info.Sender.ToNonAD().String()),
				QuotedMessage: original.Message,
			},
		},
	}
}

func groupInfo(info *types.GroupInfo) channel.GroupInfo {
	if info == nil {
		return channel.GroupInfo{}
	}

	out := channel.GroupInfo{
		Subject:      info.Name,
		Restricted:   info.IsAnnounce,
		Participants: make([]channel.Participant, 0, len(info.Participants)),
	}

	for _, p := range info.Participants {
		part := channel.Participant{
			ID:         p.JID.String(),
			Admin:      p.IsAdmin,
			SuperAdmin: p.IsSuperAdmin,
		}
		switch {
		case p.JID.Server == types.HiddenUserServer:
			part.LID = p.JID.String()
		case !p.LID.IsEmpty():
			part.LID = p.LID.String()
		}
		out.Participants = append(out.Participants, part)
	}

	return out
}

// disconnectCause maps the events that end a connection to an error.
func disconnectCause(raw any) (error, bool) {
	switch evt := raw.(type) {
	case *events.Disconnected:
		return errors.New("disconnected"), true
	case *events.StreamReplaced:
		return errors.New("stream replaced by another connection"), true
	case *events.LoggedOut:
		return fmt.Errorf("logged out: %s", evt.Reason.String()), true
	case *events.ConnectFailure:
		return fmt.Errorf("connect failure: %s %s", evt.Reason.String(), evt.Message), true
	case *events.TemporaryBan:
		return fmt.Errorf("temporary ban: %s", evt.String()), true
	case *events.ClientOutdated:
		return errors.New("client outdated"), true
	case *events.StreamError:
		return fmt.Errorf("stream error %s", evt.Code), true
	default:
		return nil, false
	}
}
