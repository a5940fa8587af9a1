package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/shopspring/decimal"

	"veilingmeester-bot/poll"
	"veilingmeester-bot/pkg/veiling"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type reaction struct {
	emoji   string
	removed bool
}

type fakeSession struct {
	mu        sync.Mutex
	sent      []*discordgo.MessageSend
	reactions []reaction
	responses []*discordgo.InteractionResponse
	edits     []string
}

func (f *fakeSession) ChannelMessageSendComplex(_ string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return &discordgo.Message{ID: "reply"}, nil
}

func (f *fakeSession) MessageReactionAdd(_, _, emoji string, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, reaction{emoji: emoji})
	return nil
}

func (f *fakeSession) MessageReactionRemove(_, _, emoji, _ string, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, reaction{emoji: emoji, removed: true})
	return nil
}

func (f *fakeSession) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeSession) InteractionResponseEdit(_ *discordgo.Interaction, edit *discordgo.WebhookEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, *edit.Content)
	return &discordgo.Message{}, nil
}

type fakeOVM struct {
	snap *veiling.Snapshot
	err  error
}

func (f *fakeOVM) Fetch(_ context.Context, auctionID, lotID string) (*veiling.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	s := *f.snap
	s.AuctionID, s.LotID = auctionID, lotID
	return &s, nil
}

type fakeDRZ struct {
	snap *veiling.Snapshot
	err  error
}

func (f *fakeDRZ) Fetch(_ context.Context, code string) (*veiling.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	s := *f.snap
	s.LotID = code
	return &s, nil
}

type fakeStore struct {
	subs map[string]veiling.Subscription // auction/lot/subscriber
	err  error
}

func (f *fakeStore) Upsert(_ context.Context, sub veiling.Subscription) error {
	if f.err != nil {
		return f.err
	}
	f.subs[sub.AuctionID+"/"+sub.LotID+"/"+sub.SubscriberID] = sub
	return nil
}

func (f *fakeStore) Remove(_ context.Context, auctionID, lotID, subscriberID string) error {
	delete(f.subs, auctionID+"/"+lotID+"/"+subscriberID)
	return f.err
}

func (f *fakeStore) BySubscriber(_ context.Context, subscriberID string) ([]veiling.Subscription, error) {
	var out []veiling.Subscription
	for _, s := range f.subs {
		if s.SubscriberID == subscriberID {
			out = append(out, s)
		}
	}
	return out, f.err
}

type fakePoller struct {
	report poll.Report
	err    error
	calls  int
}

func (f *fakePoller) CheckAll(context.Context) (poll.Report, error) {
	f.calls++
	return f.report, f.err
}

type fakeRenderer struct{}

func (fakeRenderer) Render(context.Context, []string) ([]byte, error) { return []byte("png"), nil }

type fakeSummarizer struct{ err error }

func (f fakeSummarizer) Summarize(context.Context, *veiling.Snapshot) (string, error) {
	return "Solid machine.", f.err
}

func ovmSnapshot() *veiling.Snapshot {
	return &veiling.Snapshot{
		Source:        veiling.SourceOVM,
		URL:           "https://www.onlineveilingmeester.nl/nl/veilingen/1/kavels/2",
		Title:         "Aanhangwagen",
		Description:   "Enkelas aanhanger",
		CurrentBid:    d("100"),
		OpeningBid:    d("50"),
		FeePercentage: d("17"),
		TaxPercentage: d("21"),
		BidCount:      1234,
		Category:      "Transport",
		Condition:     "Gebruikt",
		Year:          veiling.Unknown,
		Brand:         "Anssems",
		ImageURLs:     []string{"https://img/1.jpg"},
		TopBidders:    []veiling.Bidder{{Name: "jan", Amount: d("100")}},
		HasCosts:      true,
	}
}

type fixture struct {
	h       *Handler
	session *fakeSession
	ovm     *fakeOVM
	drz     *fakeDRZ
	store   *fakeStore
	poller  *fakePoller
}

func newFixture() *fixture {
	f := &fixture{
		session: &fakeSession{},
		ovm:     &fakeOVM{snap: ovmSnapshot()},
		drz: &fakeDRZ{snap: &veiling.Snapshot{
			Source:      veiling.SourceDRZ,
			Title:       "Partij gereedschap",
			Description: "Kavel K123",
		}},
		store:  &fakeStore{subs: map[string]veiling.Subscription{}},
		poller: &fakePoller{},
	}
	f.h = New(Deps{
		Session:    f.session,
		OVM:        f.ovm,
		DRZ:        f.drz,
		Store:      f.store,
		Poller:     f.poller,
		Renderer:   fakeRenderer{},
		Summarizer: fakeSummarizer{},
		ListingURL: func(a, l string) string { return "https://ovm/" + a + "/" + l },
		Timeout:    5 * time.Second,
	}, discard())
	f.h.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

func message(content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   content,
		Author:    &discordgo.User{ID: "u1"},
	}
}

func (f *fixture) reactionTrail() string {
	var parts []string
	for _, r := range f.session.reactions {
		if r.removed {
			parts = append(parts, "-"+r.emoji)
		} else {
			parts = append(parts, "+"+r.emoji)
		}
	}
	return strings.Join(parts, " ")
}

func fieldNames(e *discordgo.MessageEmbed) []string {
	var names []string
	for _, f := range e.Fields {
		names = append(names, f.Name)
	}
	return names
}

func TestHandleMessageOVM(t *testing.T) {
	f := newFixture()
	f.h.HandleMessage(context.Background(), message("kijk https://www.onlineveilingmeester.nl/nl/veilingen/1/kavels/2 !"))

	if got, want := f.reactionTrail(), "+⏳ -⏳ +✅"; got != want {
		t.Errorf("reactions = %q, want %q", got, want)
	}
	if len(f.session.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.session.sent))
	}
	send := f.session.sent[0]
	embed := send.Embeds[0]
	if embed.Color != ColorOVM {
		t.Errorf("Color = %#x, want orange", embed.Color)
	}
	want := []string{"Details", "Costs", "Extra Info", "Top Bidders", "🤖 AI Summary", "⏱️ Processing Time"}
	if got := fieldNames(embed); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("fields = %v, want %v", got, want)
	}
	if !strings.Contains(embed.Fields[1].Value, "€ 141.57") {
		t.Errorf("Costs = %q, want total 141.57", embed.Fields[1].Value)
	}
	if !strings.Contains(embed.Fields[0].Value, "1,234") {
		t.Errorf("Details = %q, want formatted bid count", embed.Fields[0].Value)
	}
	if embed.Image == nil || embed.Image.URL != "attachment://preview.png" || len(send.Files) != 1 {
		t.Errorf("collage not attached: image=%v files=%d", embed.Image, len(send.Files))
	}
	if send.Reference == nil || send.Reference.MessageID != "m1" {
		t.Errorf("Reference = %+v, want reply to m1", send.Reference)
	}
	row, ok := send.Components[0].(discordgo.ActionsRow)
	if !ok || len(row.Components) != 2 {
		t.Fatalf("Components = %+v, want one row of two buttons", send.Components)
	}
	if b := row.Components[0].(discordgo.Button); b.CustomID != "follow:1:2:100.00" {
		t.Errorf("follow CustomID = %q", b.CustomID)
	}
	if b := row.Components[1].(discordgo.Button); b.CustomID != "unfollow:1:2" {
		t.Errorf("unfollow CustomID = %q", b.CustomID)
	}
}

func TestHandleMessageDRZ(t *testing.T) {
	f := newFixture()
	f.h.Summarizer = nil
	f.h.HandleMessage(context.Background(), message("https://verkoop.domeinenrz.nl/verkoop_bij_inschrijving_2025-0009?meerfotos=K123"))

	if len(f.session.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.session.sent))
	}
	send := f.session.sent[0]
	if send.Embeds[0].Color != ColorDRZ {
		t.Errorf("Color = %#x, want teal", send.Embeds[0].Color)
	}
	if got := fieldNames(send.Embeds[0]); len(got) != 1 || got[0] != "⏱️ Processing Time" {
		t.Errorf("fields = %v, want only processing time", got)
	}
	if len(send.Components) != 0 {
		t.Errorf("DRZ card has %d component rows, want none", len(send.Components))
	}
	if len(send.Files) != 0 {
		t.Errorf("DRZ card without images has %d files", len(send.Files))
	}
}

func TestHandleMessageErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"remote", &veiling.HTTPStatusError{URL: "x", StatusCode: 503}, msgRemoteFailed},
		{"malformed", fmt.Errorf("%w: no kavelData", veiling.ErrMalformedResponse), msgMalformed},
		{"other", errors.New("boom"), msgGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.ovm.err = tt.err
			f.h.HandleMessage(context.Background(), message("https://www.onlineveilingmeester.nl/en/auctions/1/lots/2"))

			if got, want := f.reactionTrail(), "+⏳ -⏳ +❌"; got != want {
				t.Errorf("reactions = %q, want %q", got, want)
			}
			if len(f.session.sent) != 1 || f.session.sent[0].Content != tt.want {
				t.Errorf("reply = %+v, want %q", f.session.sent, tt.want)
			}
		})
	}
}

func TestHandleMessageSummaryFailureIsNotFatal(t *testing.T) {
	f := newFixture()
	f.h.Summarizer = fakeSummarizer{err: errors.New("quota")}
	f.h.HandleMessage(context.Background(), message("https://www.onlineveilingmeester.nl/nl/veilingen/1/kavels/2"))

	if got := f.reactionTrail(); !strings.HasSuffix(got, "+✅") {
		t.Errorf("reactions = %q, want success", got)
	}
	for _, name := range fieldNames(f.session.sent[0].Embeds[0]) {
		if strings.Contains(name, "AI Summary") {
			t.Error("AI Summary field present after failure")
		}
	}
}

func TestHandleMessageIgnored(t *testing.T) {
	f := newFixture()
	bot := message("https://www.onlineveilingmeester.nl/nl/veilingen/1/kavels/2")
	bot.Author.Bot = true
	f.h.HandleMessage(context.Background(), bot)
	f.h.HandleMessage(context.Background(), message("just chatting"))
	f.h.HandleMessage(context.Background(), message("!unknowncommand"))

	if len(f.session.sent) != 0 || len(f.session.reactions) != 0 {
		t.Errorf("sent=%d reactions=%d, want nothing", len(f.session.sent), len(f.session.reactions))
	}
}

func componentInteraction(customID string) *discordgo.Interaction {
	return &discordgo.Interaction{
		Type:      discordgo.InteractionMessageComponent,
		ChannelID: "c1",
		Member:    &discordgo.Member{User: &discordgo.User{ID: "u9"}},
		Data:      discordgo.MessageComponentInteractionData{CustomID: customID},
	}
}

func TestFollowButton(t *testing.T) {
	f := newFixture()
	f.ovm.snap.CurrentBid = d("120")
	f.h.HandleInteraction(context.Background(), componentInteraction("follow:1:2:100.00"))

	sub, ok := f.store.subs["1/2/u9"]
	if !ok {
		t.Fatal("subscription not stored")
	}
	if sub.LastBid.StringFixed(2) != "120.00" {
		t.Errorf("LastBid = %s, want re-fetched 120.00", sub.LastBid.StringFixed(2))
	}
	if len(f.session.responses) != 1 || f.session.responses[0].Data.Flags != discordgo.MessageFlagsEphemeral {
		t.Errorf("responses = %+v, want one ephemeral deferral", f.session.responses)
	}
	if len(f.session.edits) != 1 || !strings.Contains(f.session.edits[0], "following lot 2") {
		t.Errorf("edits = %v", f.session.edits)
	}
}

func TestFollowButtonFallsBackToCardBid(t *testing.T) {
	f := newFixture()
	f.ovm.err = veiling.ErrRemoteUnavailable
	f.h.HandleInteraction(context.Background(), componentInteraction("follow:1:2:99.50"))

	if got := f.store.subs["1/2/u9"].LastBid.StringFixed(2); got != "99.50" {
		t.Errorf("LastBid = %s, want card bid 99.50", got)
	}
}

func TestFollowButtonBypassesCache(t *testing.T) {
	f := newFixture()
	live := &fakeOVM{snap: ovmSnapshot()}
	live.snap.CurrentBid = d("130")
	deps := f.h.Deps
	deps.LiveOVM = live
	f.h = New(deps, discard())

	f.h.HandleInteraction(context.Background(), componentInteraction("follow:1:2:100.00"))

	if got := f.store.subs["1/2/u9"].LastBid.StringFixed(2); got != "130.00" {
		t.Errorf("LastBid = %s, want live 130.00", got)
	}
}

func TestUnfollowButton(t *testing.T) {
	f := newFixture()
	f.store.subs["1/2/u9"] = veiling.Subscription{AuctionID: "1", LotID: "2", SubscriberID: "u9"}
	f.store.subs["1/2/u8"] = veiling.Subscription{AuctionID: "1", LotID: "2", SubscriberID: "u8"}
	f.h.HandleInteraction(context.Background(), componentInteraction("unfollow:1:2"))

	if _, ok := f.store.subs["1/2/u9"]; ok {
		t.Error("subscription still present")
	}
	if _, ok := f.store.subs["1/2/u8"]; !ok {
		t.Error("other user's subscription removed")
	}
	if len(f.session.edits) != 1 || !strings.Contains(f.session.edits[0], "no longer follow") {
		t.Errorf("edits = %v", f.session.edits)
	}
}

func TestUnknownButton(t *testing.T) {
	f := newFixture()
	f.h.HandleInteraction(context.Background(), componentInteraction("delete:everything"))
	if len(f.store.subs) != 0 {
		t.Error("store touched by unknown button")
	}
	if len(f.session.responses) != 1 || f.session.responses[0].Type != discordgo.InteractionResponseChannelMessageWithSource {
		t.Errorf("responses = %+v, want one direct ephemeral reply", f.session.responses)
	}
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		id      string
		want    Action
		wantErr bool
	}{
		{"follow:12:34:56.70", Action{Follow: true, AuctionID: "12", LotID: "34", Bid: d("56.7")}, false},
		{"unfollow:12:34", Action{AuctionID: "12", LotID: "34"}, false},
		{"follow:12:34", Action{}, true},
		{"follow:12:34:abc", Action{}, true},
		{"follow:12:34:-1", Action{}, true},
		{"unfollow:12:x", Action{}, true},
		{"", Action{}, true},
	}
	for _, tt := range tests {
		got, err := ParseAction(tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAction(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			continue
		}
		if err == nil && (got.Follow != tt.want.Follow || got.AuctionID != tt.want.AuctionID ||
			got.LotID != tt.want.LotID || !got.Bid.Equal(tt.want.Bid)) {
			t.Errorf("ParseAction(%q) = %+v, want %+v", tt.id, got, tt.want)
		}
	}
	if id := FollowID("1", "2", d("3")); id != "follow:1:2:3.00" {
		t.Errorf("FollowID() = %q", id)
	}
}

func TestCommands(t *testing.T) {
	t.Run("help", func(t *testing.T) {
		f := newFixture()
		f.h.HandleMessage(context.Background(), message("!help"))
		if len(f.session.sent) != 1 || !strings.Contains(f.session.sent[0].Content, "!tracking") {
			t.Errorf("help reply = %+v", f.session.sent)
		}
	})

	t.Run("tracking", func(t *testing.T) {
		f := newFixture()
		f.store.subs["5/6/u1"] = veiling.Subscription{AuctionID: "5", LotID: "6", SubscriberID: "u1", LastBid: d("12.5")}
		f.store.subs["5/7/u2"] = veiling.Subscription{AuctionID: "5", LotID: "7", SubscriberID: "u2", LastBid: d("1")}
		f.h.HandleMessage(context.Background(), message("!tracking"))
		got := f.session.sent[0].Content
		if !strings.Contains(got, "https://ovm/5/6") || !strings.Contains(got, "€ 12.50") || strings.Contains(got, "lot 7") {
			t.Errorf("tracking reply = %q", got)
		}
	})

	t.Run("tracking empty", func(t *testing.T) {
		f := newFixture()
		f.h.HandleMessage(context.Background(), message("!tracking"))
		if got := f.session.sent[0].Content; got != "You are not following any lots." {
			t.Errorf("tracking reply = %q", got)
		}
	})
}

func TestCheckNow(t *testing.T) {
	tests := []struct {
		name      string
		adminRole string
		roles     []string
		err       error
		wantCalls int
		want      string
	}{
		{"open to all", "", nil, nil, 1, "✅ Checked 3 of 4 lots: 1 changed, 1 notified, 1 failed."},
		{"admin", "r1", []string{"r1"}, nil, 1, "✅ Checked"},
		{"not admin", "r1", []string{"r2"}, nil, 0, "⛔"},
		{"in progress", "", nil, poll.ErrTickInProgress, 1, "already running"},
		{"failure", "", nil, errors.New("db"), 1, "check failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.h.AdminRoleID = tt.adminRole
			f.poller.report = poll.Report{Lots: 4, Checked: 3, Failed: 1, Changed: 1, Notified: 1}
			f.poller.err = tt.err

			m := message("!checknow")
			m.Member = &discordgo.Member{Roles: tt.roles}
			f.h.HandleMessage(context.Background(), m)

			if f.poller.calls != tt.wantCalls {
				t.Errorf("CheckAll calls = %d, want %d", f.poller.calls, tt.wantCalls)
			}
			if len(f.session.sent) != 1 || !strings.Contains(f.session.sent[0].Content, tt.want) {
				t.Errorf("reply = %+v, want containing %q", f.session.sent, tt.want)
			}
		})
	}
}

func TestClosesIn(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		closing time.Time
		want    string
	}{
		{time.Time{}, veiling.Unknown},
		{now.Add(-time.Minute), "Closed"},
		{now, "Closed"},
		{now.Add(3 * 24 * time.Hour), "3 days"},
		{now.Add(2 * time.Hour), "2 hours"},
	}
	for _, tt := range tests {
		if got := ClosesIn(tt.closing, now); got != tt.want {
			t.Errorf("ClosesIn(%v) = %q, want %q", tt.closing, got, tt.want)
		}
	}
}
