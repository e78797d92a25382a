package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"voxscribe/pkg/channel"
	"voxscribe/pkg/config"
	"voxscribe/pkg/logger"
)

type fakeAPI struct {
	sent   []*telego.SendMessageParams
	edits  []*telego.EditMessageTextParams
	chat   *telego.ChatFullInfo
	member telego.ChatMember
	file   *telego.File
	err    error
}

func (f *fakeAPI) SendMessage(_ context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, params)
	return &telego.Message{MessageID: 500 + len(f.sent)}, nil
}

func (f *fakeAPI) EditMessageText(_ context.Context, params *telego.EditMessageTextParams) (*telego.Message, error) {
	f.edits = append(f.edits, params)
	return &telego.Message{MessageID: params.MessageID}, nil
}

func (f *fakeAPI) GetFile(_ context.Context, params *telego.GetFileParams) (*telego.File, error) {
	if f.file == nil {
		return nil, errors.New("file not found")
	}
	return f.file, nil
}

func (f *fakeAPI) FileDownloadURL(path string) string {
	return "https://files.example/" + path
}

func (f *fakeAPI) GetChat(context.Context, *telego.GetChatParams) (*telego.ChatFullInfo, error) {
	return f.chat, nil
}

func (f *fakeAPI) GetChatMember(context.Context, *telego.GetChatMemberParams) (telego.ChatMember, error) {
	return f.member, nil
}

func newTestConn(api *fakeAPI, allowFrom ...string) *Conn {
	dialer := &Dialer{allowFrom: allowFromSet(allowFrom), log: logger.Discard()}
	return newConn(api, telego.User{ID: testBotID, IsBot: true, Username: "voxscribe_bot"}, dialer, channel.DialOptions{}, func() {})
}

const testBotID int64 = 777

func voiceMessage(chatType string) *telego.Message {
	return &telego.Message{
		MessageID: 42,
		Chat:      telego.Chat{ID: -100123, Type: chatType},
		From:      &telego.User{ID: 1001},
		Voice:     &telego.Voice{FileID: "voice-file"},
	}
}

func TestNewDialerRequiresToken(t *testing.T) {
	if _, err := NewDialer(config.SessionConfig{Key: "tg"}, nil); err == nil {
		t.Fatal("expected error without token")
	}

	dialer, err := NewDialer(config.SessionConfig{Key: "tg", Token: "123:abc", AllowFrom: []string{"1"}}, nil)
	if err != nil {
		t.Fatalf("NewDialer error: %v", err)
	}
	if dialer.Name() != "telegram" {
		t.Fatalf("Name = %q", dialer.Name())
	}
}

func TestAllowFromSet(t *testing.T) {
	allowed := allowFromSet([]string{" 123 ", "", "456", "123"})
	if len(allowed) != 2 {
		t.Fatalf("allowFromSet len = %d, want 2", len(allowed))
	}
	if _, ok := allowed["123"]; !ok {
		t.Fatal("allowFromSet missing 123")
	}
	if _, ok := allowed["456"]; !ok {
		t.Fatal("allowFromSet missing 456")
	}
}

func TestSenderAllowed(t *testing.T) {
	dialer := &Dialer{allowFrom: map[string]struct{}{"1": {}}}
	if !dialer.senderAllowed("1") {
		t.Fatal("expected sender 1 to be allowed")
	}
	if dialer.senderAllowed("2") {
		t.Fatal("expected sender 2 to be denied")
	}

	dialer.allowFrom = nil
	if !dialer.senderAllowed("any") {
		t.Fatal("expected sender to be allowed when allowlist empty")
	}
}

func TestPreviewText(t *testing.T) {
	short := " hello "
	if got := previewText(short); got != "hello" {
		t.Fatalf("previewText short = %q, want %q", got, "hello")
	}

	long := strings.Repeat("a", messagePreviewLimit+20)
	got := previewText(long)
	if len(got) != messagePreviewLimit+3 {
		t.Fatalf("previewText long len = %d, want %d", len(got), messagePreviewLimit+3)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("previewText long = %q, want ellipsis suffix", got)
	}
}

func TestConvertMessage(t *testing.T) {
	msg := convertMessage(voiceMessage(telego.ChatTypeSupergroup), testBotID)
	if msg.ID != "-100123:42" || msg.Chat != "-100123" || msg.Sender != "1001" {
		t.Fatalf("msg = %+v", msg)
	}
	if !msg.IsGroup || msg.Kind != channel.KindAudio || !msg.HasContent {
		t.Fatalf("msg = %+v", msg)
	}

	text := voiceMessage(telego.ChatTypePrivate)
	text.Voice = nil
	text.Text = "hi"
	if got := convertMessage(text, testBotID); got.Kind == channel.KindAudio || got.IsGroup {
		t.Fatalf("text msg = %+v", got)
	}

	audio := voiceMessage(telego.ChatTypePrivate)
	audio.Voice = nil
	audio.Audio = &telego.Audio{FileID: "audio-file"}
	if got := convertMessage(audio, testBotID); got.Kind != channel.KindAudio {
		t.Fatalf("audio msg = %+v", got)
	}
}

func TestConvertMessageFromMeIsOwnBotOnly(t *testing.T) {
	own := voiceMessage(telego.ChatTypeGroup)
	own.From = &telego.User{ID: testBotID, IsBot: true}
	if !convertMessage(own, testBotID).FromMe {
		t.Fatal("message from this bot must be FromMe")
	}

	otherBot := voiceMessage(telego.ChatTypeGroup)
	otherBot.From = &telego.User{ID: 888, IsBot: true, Username: "other_bot"}
	if convertMessage(otherBot, testBotID).FromMe {
		t.Fatal("message from another bot must not be FromMe")
	}

	msg, ok := newTestConn(&fakeAPI{}).inbound(telego.Update{Message: otherBot})
	if !ok || msg.FromMe {
		t.Fatalf("inbound from another bot = %+v, %v", msg, ok)
	}
}

func TestInboundFiltersSenders(t *testing.T) {
	conn := newTestConn(&fakeAPI{}, "2002")

	if _, ok := conn.inbound(telego.Update{Message: voiceMessage(telego.ChatTypePrivate)}); ok {
		t.Fatal("sender outside allow list must be dropped")
	}
	if _, ok := conn.inbound(telego.Update{}); ok {
		t.Fatal("update without message must be dropped")
	}

	orphan := voiceMessage(telego.ChatTypePrivate)
	orphan.From = nil
	if _, ok := newTestConn(&fakeAPI{}).inbound(telego.Update{Message: orphan}); ok {
		t.Fatal("message without sender must be dropped")
	}
}

func TestSendTextRepliesToQuotedMessage(t *testing.T) {
	api := &fakeAPI{}
	conn := newTestConn(api)
	quoted := convertMessage(voiceMessage(telego.ChatTypePrivate), testBotID)

	key, err := conn.SendText(context.Background(), "-100123", "📝 מתמלל...", &quoted)
	if err != nil {
		t.Fatalf("SendText error: %v", err)
	}
	if key.Chat != "-100123" || key.ID != "501" {
		t.Fatalf("key = %+v", key)
	}
	if len(api.sent) != 1 || api.sent[0].ReplyParameters == nil || api.sent[0].ReplyParameters.MessageID != 42 {
		t.Fatalf("sent = %+v", api.sent)
	}

	if err := conn.EditText(context.Background(), key, "📝 תמלול:\nhello"); err != nil {
		t.Fatalf("EditText error: %v", err)
	}
	if len(api.edits) != 1 || api.edits[0].MessageID != 501 || api.edits[0].Text != "📝 תמלול:\nhello" {
		t.Fatalf("edits = %+v", api.edits)
	}
}

func TestSendTextRejectsBadChat(t *testing.T) {
	if _, err := newTestConn(&fakeAPI{}).SendText(context.Background(), "not-a-number", "hi", nil); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDownloadAudio(t *testing.T) {
	api := &fakeAPI{file: &telego.File{FileID: "voice-file", FilePath: "voice/file_1.oga"}}
	conn := newTestConn(api)

	var requested string
	conn.download = func(_ context.Context, url string) ([]byte, error) {
		requested = url
		return []byte("OggS"), nil
	}

	data, err := conn.DownloadAudio(context.Background(), convertMessage(voiceMessage(telego.ChatTypePrivate), testBotID))
	if err != nil {
		t.Fatalf("DownloadAudio error: %v", err)
	}
	if string(data) != "OggS" || requested != "https://files.example/voice/file_1.oga" {
		t.Fatalf("data = %q url = %q", data, requested)
	}

	api.file = &telego.File{FileID: "voice-file"}
	if _, err := conn.DownloadAudio(context.Background(), convertMessage(voiceMessage(telego.ChatTypePrivate), testBotID)); !errors.Is(err, channel.ErrMediaUnavailable) {
		t.Fatalf("error = %v, want %v", err, channel.ErrMediaUnavailable)
	}
}

func TestGroupInfo(t *testing.T) {
	no := false
	tests := []struct {
		name           string
		chat           *telego.ChatFullInfo
		member         telego.ChatMember
		wantRestricted bool
		wantMember     bool
		wantPrivileged bool
	}{
		{
			name:       "member of open group",
			chat:       &telego.ChatFullInfo{Title: "family"},
			member:     &telego.ChatMemberMember{Status: telego.MemberStatusMember},
			wantMember: true,
		},
		{
			name:           "member of locked group",
			chat:           &telego.ChatFullInfo{Title: "news", Permissions: &telego.ChatPermissions{CanSendMessages: &no}},
			member:         &telego.ChatMemberMember{Status: telego.MemberStatusMember},
			wantRestricted: true,
			wantMember:     true,
		},
		{
			name:           "admin of locked group",
			chat:           &telego.ChatFullInfo{Title: "news", Permissions: &telego.ChatPermissions{CanSendMessages: &no}},
			member:         &telego.ChatMemberAdministrator{Status: telego.MemberStatusAdministrator},
			wantRestricted: true,
			wantMember:     true,
			wantPrivileged: true,
		},
		{
			name:   "left group",
			chat:   &telego.ChatFullInfo{Title: "old"},
			member: &telego.ChatMemberLeft{Status: telego.MemberStatusLeft},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newTestConn(&fakeAPI{chat: tt.chat, member: tt.member})

			info, err := conn.GroupInfo(context.Background(), "-100123")
			if err != nil {
				t.Fatalf("GroupInfo error: %v", err)
			}
			if info.Restricted != tt.wantRestricted {
				t.Fatalf("restricted = %v, want %v", info.Restricted, tt.wantRestricted)
			}
			if got := len(info.Participants) == 1; got != tt.wantMember {
				t.Fatalf("member = %v, want %v", got, tt.wantMember)
			}
			if tt.wantMember && info.Participants[0].Privileged() != tt.wantPrivileged {
				t.Fatalf("privileged = %v, want %v", info.Participants[0].Privileged(), tt.wantPrivileged)
			}
			if tt.wantMember && info.Participants[0].ID != conn.Self().ID {
				t.Fatalf("participant %q is not the bot %q", info.Participants[0].ID, conn.Self().ID)
			}
		})
	}
}

func TestPumpEmitsOpenMessagesAndClose(t *testing.T) {
	conn := newTestConn(&fakeAPI{})
	updates := make(chan telego.Update, 2)
	updates <- telego.Update{Message: voiceMessage(telego.ChatTypePrivate)}
	close(updates)

	go conn.pump(context.Background(), updates)

	want := []channel.EventType{channel.EventOpen, channel.EventMessages, channel.EventClose}
	for _, eventType := range want {
		select {
		case event := <-conn.Events():
			if event.Type != eventType {
				t.Fatalf("event = %s, want %s", event.Type, eventType)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", eventType)
		}
	}

	_ = conn.Close()
	if _, ok := <-conn.Events(); ok {
		t.Fatal("expected events channel closed after Close")
	}
}
