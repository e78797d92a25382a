package whatsapp

import (
	"strings"
	"testing"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"voxscribe/pkg/channel"
)

func voiceEvent(chat types.JID) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:    chat,
				Sender:  types.JID{User: "972500000001", Device: 4, Server: types.DefaultUserServer},
				IsGroup: chat.Server == types.GroupServer,
			},
			ID: "3EB0C0FFEE",
		},
		Message: &waE2E.Message{AudioMessage: &waE2E.AudioMessage{PTT: proto.Bool(true)}},
	}
}

func TestInboundConvertsVoiceNote(t *testing.T) {
	evt := voiceEvent(types.NewJID("120363000000000001", types.GroupServer))

	msg, ok := inbound(evt, channel.IgnoreStatusBroadcast)
	if !ok {
		t.Fatal("expected group message to pass")
	}
	if msg.ID != "3EB0C0FFEE" || msg.Chat != "120363000000000001@g.us" {
		t.Fatalf("msg = %+v", msg)
	}
	if msg.Sender != "972500000001@s.whatsapp.net" {
		t.Fatalf("sender = %q, want device suffix stripped", msg.Sender)
	}
	if !msg.IsGroup || msg.Kind != channel.KindAudio || !msg.HasContent {
		t.Fatalf("msg = %+v", msg)
	}
	if msg.Raw != evt {
		t.Fatal("expected raw event to be kept")
	}
}

func TestInboundSkipsStatusBroadcast(t *testing.T) {
	if _, ok := inbound(voiceEvent(types.StatusBroadcastJID), channel.IgnoreStatusBroadcast); ok {
		t.Fatal("status broadcast must be ignored")
	}
}

func TestInboundMarksTextAndEmptyMessages(t *testing.T) {
	evt := voiceEvent(types.NewJID("972500000001", types.DefaultUserServer))
	evt.Message = &waE2E.Message{Conversation: proto.String("hi")}

	msg, _ := inbound(evt, nil)
	if msg.Kind == channel.KindAudio || !msg.HasContent {
		t.Fatalf("msg = %+v, want non-audio with content", msg)
	}

	evt.Message = nil
	msg, _ = inbound(evt, nil)
	if msg.HasContent {
		t.Fatal("expected message without payload to have no content")
	}
}

func TestTextMessageQuotesOriginal(t *testing.T) {
	original := voiceEvent(types.NewJID("972500000001", types.DefaultUserServer))

	plain := textMessage("hi", nil)
	if plain.GetConversation() != "hi" || plain.GetExtendedTextMessage() != nil {
		t.Fatalf("plain = %v", plain)
	}

	quoted := textMessage("📝 מתמלל...", original)
	ext := quoted.GetExtendedTextMessage()
	if ext.GetText() != "📝 מתמלל..." {
		t.Fatalf("text = %q", ext.GetText())
	}
	info := ext.GetContextInfo()
	if info.GetStanzaID() != "3EB0C0FFEE" || info.GetParticipant() != "972500000001@s.whatsapp.net" {
		t.Fatalf("context = %v", info)
	}
	if info.GetQuotedMessage().GetAudioMessage() == nil {
		t.Fatal("expected quoted audio message")
	}
}

func TestGroupInfoMapsParticipants(t *testing.T) {
	info := &types.GroupInfo{
		GroupName:     types.GroupName{Name: "family"},
		GroupAnnounce: types.GroupAnnounce{IsAnnounce: true},
		Participants: []types.GroupParticipant{
			{JID: types.NewJID("88888", types.HiddenUserServer), IsAdmin: true},
			{JID: types.NewJID("972500000001", types.DefaultUserServer), LID: types.NewJID("11111", types.HiddenUserServer)},
			{JID: types.NewJID("972500000002", types.DefaultUserServer), IsSuperAdmin: true},
		},
	}

	got := groupInfo(info)
	if got.Subject != "family" || !got.Restricted || len(got.Participants) != 3 {
		t.Fatalf("group = %+v", got)
	}
	if got.Participants[0].LID != "88888@lid" || !got.Participants[0].Privileged() {
		t.Fatalf("lid participant = %+v", got.Participants[0])
	}
	if got.Participants[1].LID != "11111@lid" || got.Participants[1].Privileged() {
		t.Fatalf("phone participant = %+v", got.Participants[1])
	}
	if !got.Participants[2].SuperAdmin || got.Participants[2].LID != "" {
		t.Fatalf("superadmin = %+v", got.Participants[2])
	}
}

func TestIdentityUsesDeviceStore(t *testing.T) {
	jid := types.JID{User: "972599999999", Device: 3, Server: types.DefaultUserServer}
	device := &store.Device{ID: &jid, LID: types.JID{User: "88888", Device: 3, Server: types.HiddenUserServer}, PushName: "voxscribe"}

	id := identity(device)
	if id.ID != "972599999999:3@s.whatsapp.net" || id.LID != "88888:3@lid" || id.Name != "voxscribe" {
		t.Fatalf("identity = %+v", id)
	}
	if got := identity(&store.Device{}); got.ID != "" || got.LID != "" {
		t.Fatalf("unpaired identity = %+v", got)
	}
}

func TestDisconnectCause(t *testing.T) {
	tests := []struct {
		name string
		evt  any
		want string
	}{
		{name: "disconnected", evt: &events.Disconnected{}, want: "disconnected"},
		{name: "stream replaced", evt: &events.StreamReplaced{}, want: "stream replaced"},
		{name: "logged out", evt: &events.LoggedOut{Reason: events.ConnectFailureLoggedOut}, want: "logged out"},
		{name: "client outdated", evt: &events.ClientOutdated{}, want: "outdated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err, ok := disconnectCause(tt.evt)
			if !ok || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("disconnectCause = %v %v, want %q", err, ok, tt.want)
			}
		})
	}

	if _, ok := disconnectCause(&events.Connected{}); ok {
		t.Fatal("connected must not end the connection")
	}
}
