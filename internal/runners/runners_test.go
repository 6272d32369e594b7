package runners

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LoansBot/loansbot/internal/bus"
	"github.com/LoansBot/loansbot/internal/cache"
	"github.com/LoansBot/loansbot/internal/config"
	"github.com/LoansBot/loansbot/internal/endpoints"
	"github.com/LoansBot/loansbot/internal/ledger"
	"github.com/LoansBot/loansbot/internal/money"
	"github.com/LoansBot/loansbot/internal/perms"
	"github.com/LoansBot/loansbot/internal/proxy"
	"github.com/LoansBot/loansbot/internal/responses"
	"github.com/LoansBot/loansbot/internal/summons"
	"github.com/LoansBot/loansbot/internal/trusts"
	"github.com/LoansBot/loansbot/internal/website"
)

type proxyCall struct {
	typ  string
	args map[string]any
}

// fakeProxy answers each request type from a canned payload and
// records every call. Types listed in notCopy answer with ErrNotCopy.
type fakeProxy struct {
	payloads map[string]any
	notCopy  map[string]bool
	calls    []proxyCall
}

func (f *fakeProxy) Send(_ context.Context, typ string, args any) (*proxy.Response, error) {
	m, _ := args.(map[string]any)
	f.calls = append(f.calls, proxyCall{typ: typ, args: m})
	if f.notCopy[typ] {
		return &proxy.Response{Type: "failure"}, proxy.ErrNotCopy
	}
	raw, err := json.Marshal(f.payloads[typ])
	if err != nil {
		return nil, err
	}
	return &proxy.Response{Type: "copy", Info: raw}, nil
}

func (f *fakeProxy) SendInto(ctx context.Context, typ string, args any, out any) error {
	resp, err := f.Send(ctx, typ, args)
	if err != nil {
		return err
	}
	return json.Unmarshal(resp.Info, out)
}

func (f *fakeProxy) callsOf(typ string) []proxyCall {
	var out []proxyCall
	for _, c := range f.calls {
		if c.typ == typ {
			out = append(out, c)
		}
	}
	return out
}

type published struct {
	key     string
	payload any
}

type fakePublisher struct {
	events []published
}

func (p *fakePublisher) Publish(_ context.Context, key string, payload any) error {
	p.events = append(p.events, published{key: key, payload: payload})
	return nil
}

func (p *fakePublisher) keys() []string {
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.key
	}
	return out
}

type fixedRates map[string]float64

func (r fixedRates) Convert(_ context.Context, source, target string) (float64, error) {
	rate, ok := r[source+"->"+target]
	if !ok {
		return 0, fmt.Errorf("no rate for %s->%s", source, target)
	}
	return rate, nil
}

var testLetters = responses.MapStore{
	"unpaid_ban_message":              "You defaulted on a loan from /u/{lender_username}.",
	"unpaid_ban_note":                 "Defaulted with /u/{lender_username}",
	"queue_trust_pm_title":            "Vetting required: /u/{username}",
	"queue_trust_pm_body":             "/u/{username} crossed the completed-loans threshold.",
	"user_granted_recheck_pm_title":   "You can now use rechecks",
	"user_granted_recheck_pm_body":    "Thanks for lending, /u/{username}.",
	"deprecated_alerts_initial_title": "You are using deprecated endpoints",
	"deprecated_alerts_initial_body":  "Hey /u/{username}:\n\n{endpoints_table}",
	"deprecated_alerts_urgent_title":  "Deprecated endpoints sunset soon",
	"deprecated_alerts_urgent_body":   "Hey /u/{username}:\n\n{endpoints_table}",
}

var testTime = time.Date(2020, time.June, 1, 12, 0, 0, 0, time.UTC)

func testClock() time.Time { return testTime }

type env struct {
	deps Deps

	proxy *fakeProxy
	pub   *fakePublisher
	mem   *ledger.MemoryStore
	svc   *ledger.Service
	trust *trusts.MemoryStore
	site  *website.MemoryStore
	bans  *perms.MemoryBanStore
	eps   *endpoints.MemoryStore
	cache *cache.Cache
}

func newEnv(t *testing.T) *env {
	t.Helper()

	p := &fakeProxy{payloads: map[string]any{}, notCopy: map[string]bool{}}
	pub := &fakePublisher{}
	mem := ledger.NewMemoryStore()
	svc := ledger.NewService(mem, fixedRates{"USD->EUR": 0.8}, pub,
		ledger.WithClock(testClock))

	c := cache.NewWithClient(cache.NewMemoryClient())
	permsSvc := perms.NewService(c, p, "borrow", perms.Thresholds{
		KarmaMin:        1000,
		CommentKarmaMin: 400,
		AccountAgeMin:   90 * 24 * time.Hour,
	}, []string{"loansbot"})

	trustStore := trusts.NewMemoryStore()
	site := website.NewMemoryStore()
	siteSvc := website.NewService(site, []string{"view-self"}, nil)
	bans := perms.NewMemoryBanStore(nil)
	eps := endpoints.NewMemoryStore()
	eps.Now = testClock

	cfg := &config.Config{
		Subreddits:       []string{"borrow"},
		LendersSubreddit: "lenders",
		IgnoredUsers:     []string{"loansbot"},
	}

	e := &env{
		proxy: p, pub: pub, mem: mem, svc: svc,
		trust: trustStore, site: site, bans: bans, eps: eps, cache: c,
	}
	e.deps = Deps{
		Config:    cfg,
		Ledger:    svc,
		Perms:     permsSvc,
		Bans:      bans,
		Trusts:    trustStore,
		Endpoints: eps,
		Website:   siteSvc,
		Responses: testLetters,
		Cache:     c,
		Proxy:     p,
		Publisher: pub,
		Clock:     testClock,
	}
	return e
}

func accountPayload(linkKarma, commentKarma int64, age time.Duration) map[string]any {
	return map[string]any{
		"link_karma":    linkKarma,
		"comment_karma": commentKarma,
		"created_utc":   float64(time.Now().Add(-age).Unix()),
	}
}

// primeAccount makes the fake proxy describe username as an ordinary
// account in good standing, with the given flags.
func (e *env) primeAccount(approved, moderator, banned bool) {
	e.proxy.payloads["show_user"] = accountPayload(2000, 900, 365*24*time.Hour)
	e.proxy.payloads["user_is_moderator"] = map[string]any{"moderator": moderator}
	e.proxy.payloads["user_is_approved"] = map[string]any{"approved": approved}
	e.proxy.payloads["user_is_banned"] = map[string]any{"banned": banned}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func seedCompletedLoans(t *testing.T, e *env, lender, borrower string, n int) int64 {
	t.Helper()
	ctx := context.Background()
	var lenderID int64
	for i := 0; i < n; i++ {
		loan, err := e.svc.CreateLoan(ctx, ledger.CreateLoanInput{
			Lender: lender, Borrower: borrower, Amount: money.New(1000, "USD"),
		})
		require.NoError(t, err)
		lenderID = loan.LenderID
		_, _, _, err = e.svc.ApplyRepayment(ctx, loan.ID, money.New(1000, "USD"))
		require.NoError(t, err)
	}
	return lenderID
}

func TestNextRunAt(t *testing.T) {
	base := time.Date(2020, time.June, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name         string
		now          time.Time
		hour, minute int
		want         time.Time
	}{
		{"later today", base, 13, 30, time.Date(2020, time.June, 1, 13, 30, 0, 0, time.UTC)},
		{"already passed", base, 8, 0, time.Date(2020, time.June, 2, 8, 0, 0, 0, time.UTC)},
		{"exactly now rolls over", base, 12, 0, time.Date(2020, time.June, 2, 12, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, nextRunAt(tc.now, tc.hour, tc.minute))
		})
	}
}

func TestCommentScannerRepliesAndDedupes(t *testing.T) {
	e := newEnv(t)
	e.primeAccount(false, false, false)
	e.proxy.payloads["subreddit_comments"] = map[string]any{
		"comments": []map[string]any{{
			"fullname":  "t1_ping",
			"author":    "alice",
			"body":      "hello $ping",
			"subreddit": "borrow",
		}},
		"after": "",
	}

	dispatcher := summons.NewDispatcher(summons.All(summons.Deps{
		Ledger: e.svc, Responses: testLetters,
	}), nil)
	scanner := NewCommentScanner(e.deps, dispatcher)
	ctx := context.Background()

	require.NoError(t, scanner.scan(ctx))

	replies := e.proxy.callsOf("post_comment")
	require.Len(t, replies, 1)
	assert.Equal(t, "t1_ping", replies[0].args["parent"])
	assert.Equal(t, "Pong!", replies[0].args["text"])

	// The same page on the next sweep is recognized as handled.
	require.NoError(t, scanner.scan(ctx))
	assert.Len(t, e.proxy.callsOf("post_comment"), 1)
}

func TestCommentScannerMarksFullnameWhenAuthorLacksAccess(t *testing.T) {
	e := newEnv(t)
	e.proxy.notCopy["show_user"] = true // deleted account
	e.proxy.payloads["subreddit_comments"] = map[string]any{
		"comments": []map[string]any{{
			"fullname": "t1_ghost",
			"author":   "ghost",
			"body":     "$ping",
		}},
		"after": "",
	}

	dispatcher := summons.NewDispatcher(summons.All(summons.Deps{
		Ledger: e.svc, Responses: testLetters,
	}), nil)
	scanner := NewCommentScanner(e.deps, dispatcher)

	require.NoError(t, scanner.scan(context.Background()))
	assert.Empty(t, e.proxy.callsOf("post_comment"))

	seen, err := e.mem.SeenFullnames(context.Background(), []string{"t1_ghost"})
	require.NoError(t, err)
	assert.True(t, seen["t1_ghost"])
}

func TestDecodeRecheck(t *testing.T) {
	req, err := decodeRecheck([]byte(`{"link_fullname":"t3_abc","comment_fullname":"t1_def"}`))
	require.NoError(t, err)
	assert.Equal(t, "t3_abc", req.LinkFullname)
	assert.Equal(t, "t1_def", req.CommentFullname)

	_, err = decodeRecheck([]byte(`{"link_fullname":"t3_abc"}`))
	assert.Error(t, err)

	_, err = decodeRecheck([]byte(`not json`))
	assert.Error(t, err)
}

func TestRecheckFetchesCommentAndReplies(t *testing.T) {
	e := newEnv(t)
	e.primeAccount(false, false, false)
	e.proxy.payloads["lookup_comment"] = map[string]any{
		"fullname":      "t1_def",
		"author":        "alice",
		"body":          "$ping",
		"subreddit":     "borrow",
		"link_fullname": "t3_abc",
	}

	dispatcher := summons.NewDispatcher(summons.All(summons.Deps{
		Ledger: e.svc, Responses: testLetters,
	}), nil)
	consumer := NewRecheckConsumer(e.deps, nil, dispatcher)

	err := consumer.process(context.Background(), recheckRequest{
		LinkFullname: "t3_abc", CommentFullname: "t1_def",
	})
	require.NoError(t, err)

	lookups := e.proxy.callsOf("lookup_comment")
	require.Len(t, lookups, 1)
	assert.Equal(t, "t3_abc", lookups[0].args["link_fullname"])
	assert.Equal(t, "t1_def", lookups[0].args["comment_fullname"])

	replies := e.proxy.callsOf("post_comment")
	require.Len(t, replies, 1)
	assert.Equal(t, "t1_def", replies[0].args["parent"])
	assert.Equal(t, "Pong!", replies[0].args["text"])
}

func TestRecheckSuppressedWhenCommentGone(t *testing.T) {
	e := newEnv(t)
	e.proxy.notCopy["lookup_comment"] = true

	dispatcher := summons.NewDispatcher(summons.All(summons.Deps{
		Ledger: e.svc, Responses: testLetters,
	}), nil)
	consumer := NewRecheckConsumer(e.deps, nil, dispatcher)

	err := consumer.process(context.Background(), recheckRequest{
		LinkFullname: "t3_abc", CommentFullname: "t1_def",
	})
	require.ErrorIs(t, err, errCommentGone)
	assert.Empty(t, e.proxy.callsOf("post_comment"))
}

func TestRecheckSkipsAuthorWithoutAccess(t *testing.T) {
	e := newEnv(t)
	e.proxy.payloads["lookup_comment"] = map[string]any{
		"fullname": "t1_def",
		"author":   "newbie",
		"body":     "$ping",
	}
	// Account exists but is far under the karma thresholds.
	e.proxy.payloads["show_user"] = accountPayload(5, 5, 24*time.Hour)
	e.proxy.payloads["user_is_moderator"] = map[string]any{"moderator": false}
	e.proxy.payloads["user_is_approved"] = map[string]any{"approved": false}
	e.proxy.payloads["user_is_banned"] = map[string]any{"banned": false}

	dispatcher := summons.NewDispatcher(summons.All(summons.Deps{
		Ledger: e.svc, Responses: testLetters,
	}), nil)
	consumer := NewRecheckConsumer(e.deps, nil, dispatcher)

	err := consumer.process(context.Background(), recheckRequest{
		LinkFullname: "t3_abc", CommentFullname: "t1_def",
	})
	require.NoError(t, err)
	assert.Empty(t, e.proxy.callsOf("post_comment"))
}

func TestBanUnpaidBansDefaultingBorrower(t *testing.T) {
	e := newEnv(t)
	e.primeAccount(false, false, false)

	loan, err := e.svc.CreateLoan(context.Background(), ledger.CreateLoanInput{
		Lender: "lender", Borrower: "debtor", Amount: money.New(5000, "USD"),
	})
	require.NoError(t, err)
	marks, err := e.mem.MarkUnpaid(context.Background(), loan.LenderID, loan.BorrowerID, testTime)
	require.NoError(t, err)
	require.Len(t, marks, 1)

	handler := BanUnpaidHandler(e.deps)
	err = handler(context.Background(), mustJSON(t, bus.LoanUnpaidEvent{
		LoanUnpaidEventID: marks[0].EventID,
	}))
	require.NoError(t, err)

	bansSent := e.proxy.callsOf("ban_user")
	require.Len(t, bansSent, 1)
	assert.Equal(t, "borrow", bansSent[0].args["subreddit"])
	assert.Equal(t, "debtor", bansSent[0].args["username"])
	assert.Equal(t, "You defaulted on a loan from /u/lender.", bansSent[0].args["message"])
	assert.Equal(t, "Defaulted with /u/lender", bansSent[0].args["note"])
}

func TestBanUnpaidApprovedSubmitterOnlyAlertsMods(t *testing.T) {
	e := newEnv(t)
	e.primeAccount(true, false, false)

	loan, err := e.svc.CreateLoan(context.Background(), ledger.CreateLoanInput{
		Lender: "lender", Borrower: "vip", Amount: money.New(5000, "USD"),
	})
	require.NoError(t, err)
	marks, err := e.mem.MarkUnpaid(context.Background(), loan.LenderID, loan.BorrowerID, testTime)
	require.NoError(t, err)

	handler := BanUnpaidHandler(e.deps)
	err = handler(context.Background(), mustJSON(t, bus.LoanUnpaidEvent{
		LoanUnpaidEventID: marks[0].EventID,
	}))
	require.NoError(t, err)

	assert.Empty(t, e.proxy.callsOf("ban_user"))
	composed := e.proxy.callsOf("compose")
	require.Len(t, composed, 1)
	assert.Equal(t, "/r/borrow", composed[0].args["recipient"])
	assert.Equal(t, "Approved Submitter Unpaid Loan", composed[0].args["subject"])
	assert.Contains(t, composed[0].args["body"], "/u/vip defaulted on a loan")
}

func TestUnbanRepaidLiftsBan(t *testing.T) {
	e := newEnv(t)
	e.primeAccount(false, false, true)

	borrowerID, err := e.mem.FindOrCreateUser(context.Background(), "debtor")
	require.NoError(t, err)

	handler := UnbanRepaidHandler(e.deps)
	err = handler(context.Background(), mustJSON(t, bus.LoanPaidEvent{
		Borrower: bus.UserRef{ID: borrowerID, Username: "debtor"},
		WasUnpaid: true,
	}))
	require.NoError(t, err)

	unbans := e.proxy.callsOf("unban_user")
	require.Len(t, unbans, 1)
	assert.Equal(t, "debtor", unbans[0].args["username"])
}

func TestUnbanRepaidSkipsWhenLoanWasNeverUnpaid(t *testing.T) {
	e := newEnv(t)

	handler := UnbanRepaidHandler(e.deps)
	err := handler(context.Background(), mustJSON(t, bus.LoanPaidEvent{
		Borrower: bus.UserRef{ID: 1, Username: "debtor"},
	}))
	require.NoError(t, err)
	assert.Empty(t, e.proxy.calls)
}

func TestLenderQueueTrustsCrossingThreshold(t *testing.T) {
	e := newEnv(t)
	lenderID := seedCompletedLoans(t, e, "biglender", "borrower", trusts.VettingThreshold)

	handler := LenderQueueTrustsHandler(e.deps)
	ev := mustJSON(t, bus.LoanPaidEvent{Lender: bus.UserRef{ID: lenderID, Username: "biglender"}})
	require.NoError(t, handler(context.Background(), ev))

	trust, err := e.trust.GetTrust(context.Background(), lenderID)
	require.NoError(t, err)
	require.NotNil(t, trust)
	assert.Equal(t, trusts.StatusUnknown, trust.Status)
	assert.Equal(t, "Vetting required", trust.Reason)
	require.Len(t, e.trust.Reviews, 1)

	composed := e.proxy.callsOf("compose")
	require.Len(t, composed, 1)
	assert.Equal(t, "/r/borrow", composed[0].args["recipient"])
	assert.Equal(t, "Vetting required: /u/biglender", composed[0].args["subject"])

	// Once a trust row exists the handler is a no-op.
	require.NoError(t, handler(context.Background(), ev))
	assert.Len(t, e.proxy.callsOf("compose"), 1)
}

func TestLenderQueueTrustsBelowThreshold(t *testing.T) {
	e := newEnv(t)
	lenderID := seedCompletedLoans(t, e, "smalllender", "borrower", 3)

	handler := LenderQueueTrustsHandler(e.deps)
	ev := mustJSON(t, bus.LoanPaidEvent{Lender: bus.UserRef{ID: lenderID, Username: "smalllender"}})
	require.NoError(t, handler(context.Background(), ev))

	trust, err := e.trust.GetTrust(context.Background(), lenderID)
	require.NoError(t, err)
	assert.Nil(t, trust)
	assert.Empty(t, e.proxy.calls)
}

func TestRecheckPermissionGrantedOnce(t *testing.T) {
	e := newEnv(t)
	lenderID := seedCompletedLoans(t, e, "lender", "borrower", recheckMinimumCompletedLoans)
	authID := e.site.AddAuth(lenderID, true)

	handler := RecheckPermissionHandler(e.deps)
	ev := mustJSON(t, bus.LoanPaidEvent{Lender: bus.UserRef{ID: lenderID, Username: "lender"}})
	require.NoError(t, handler(context.Background(), ev))

	held, err := e.site.PermissionNamesOnAuth(context.Background(), authID)
	require.NoError(t, err)
	assert.Contains(t, held, RecheckPermission)

	composed := e.proxy.callsOf("compose")
	require.Len(t, composed, 1)
	assert.Equal(t, "lender", composed[0].args["recipient"])
	assert.Equal(t, "Thanks for lending, /u/lender.", composed[0].args["body"])

	// Already held: no duplicate grant or letter.
	require.NoError(t, handler(context.Background(), ev))
	assert.Len(t, e.proxy.callsOf("compose"), 1)
}

func TestRecheckPermissionNeedsClaimedAccount(t *testing.T) {
	e := newEnv(t)
	lenderID := seedCompletedLoans(t, e, "lender", "borrower", recheckMinimumCompletedLoans)

	handler := RecheckPermissionHandler(e.deps)
	ev := mustJSON(t, bus.LoanPaidEvent{Lender: bus.UserRef{ID: lenderID, Username: "lender"}})
	require.NoError(t, handler(context.Background(), ev))
	assert.Empty(t, e.proxy.calls)
}

func TestModChangesRoundTrip(t *testing.T) {
	e := newEnv(t)
	handler := ModChangesHandler(e.deps)
	ctx := context.Background()

	err := handler(ctx, mustJSON(t, bus.ModlogEvent{
		Action: "acceptmoderatorinvite", Mod: "NewMod",
	}))
	require.NoError(t, err)

	mods, err := e.site.ListModerators(ctx)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, "newmod", mods[0].Username)
	require.Equal(t, []string{bus.TopicModsAdded}, e.pub.keys())

	// Redelivery of the same event changes nothing.
	err = handler(ctx, mustJSON(t, bus.ModlogEvent{
		Action: "acceptmoderatorinvite", Mod: "newmod",
	}))
	require.NoError(t, err)
	assert.Len(t, e.pub.events, 1)

	err = handler(ctx, mustJSON(t, bus.ModlogEvent{
		Action: "removemoderator", TargetUser: "NewMod",
	}))
	require.NoError(t, err)

	mods, err = e.site.ListModerators(ctx)
	require.NoError(t, err)
	assert.Empty(t, mods)
	assert.Equal(t, []string{bus.TopicModsAdded, bus.TopicModsRemoved}, e.pub.keys())
}

func TestModlogPollerPublishesProducerActions(t *testing.T) {
	e := newEnv(t)
	e.proxy.payloads["modlog"] = map[string]any{
		"actions": []map[string]any{
			{"action": "banuser", "mod": "modlady", "target_author": "debtor", "created_utc": 100.5},
			{"action": "wikirevise", "mod": "modlady", "created_utc": 101.0},
		},
	}

	poller := NewModlogPoller(e.deps)
	require.NoError(t, poller.poll(context.Background()))

	require.Equal(t, []string{"modlog.banuser"}, e.pub.keys())

	raw, found, err := e.cache.Get(cache.ModlogLastActionAtKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "101", string(raw))

	// A second poll sees nothing newer.
	require.NoError(t, poller.poll(context.Background()))
	assert.Len(t, e.pub.events, 1)
}

func TestModlogCacheFlushRecordsTemporaryBan(t *testing.T) {
	e := newEnv(t)
	handler := ModlogCacheFlushHandler(e.deps)

	err := handler(context.Background(), mustJSON(t, bus.ModlogEvent{
		Action: "banuser", Mod: "modlady", TargetUser: "debtor",
		Subreddit: "borrow", Details: "30 days",
	}))
	require.NoError(t, err)

	expiring, err := e.bans.ExpiringBans(context.Background(), testTime.Add(31*24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, testTime.Add(30*24*time.Hour), expiring[0].EndsAt)
}

func TestModlogCacheFlushPermanentBanClearsTracked(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	userID, err := e.mem.FindOrCreateUser(ctx, "debtor")
	require.NoError(t, err)
	require.NoError(t, e.bans.InsertBan(ctx, userID, 99, "borrow", testTime.Add(time.Hour)))

	handler := ModlogCacheFlushHandler(e.deps)
	err = handler(ctx, mustJSON(t, bus.ModlogEvent{
		Action: "banuser", Mod: "modlady", TargetUser: "debtor",
		Subreddit: "borrow", Details: "permanent",
	}))
	require.NoError(t, err)

	expiring, err := e.bans.ExpiringBans(ctx, testTime.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, expiring)
}

func TestModlogCacheFlushIgnoresIrrelevantActions(t *testing.T) {
	e := newEnv(t)
	handler := ModlogCacheFlushHandler(e.deps)

	err := handler(context.Background(), mustJSON(t, bus.ModlogEvent{
		Action: "wikirevise", Mod: "modlady",
	}))
	require.NoError(t, err)
	assert.Empty(t, e.proxy.calls)
}

func TestTempBanReaperFlushesAndDeletes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.deps.Bans = perms.NewMemoryBanStore(map[int64]string{7: "debtor"})

	require.NoError(t, e.deps.Bans.InsertBan(ctx, 7, 99, "borrow", testTime.Add(30*time.Second)))
	require.NoError(t, e.deps.Bans.InsertBan(ctx, 7, 99, "borrow", testTime.Add(2*time.Hour)))

	reaper := NewTempBanReaper(e.deps)
	require.NoError(t, reaper.sweep(ctx))

	remaining, err := e.deps.Bans.ExpiringBans(ctx, testTime.Add(3*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, testTime.Add(2*time.Hour), remaining[0].EndsAt)
}

func TestModSyncAppliesRosterDiff(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for _, name := range []string{"alice", "bob"} {
		userID, err := e.site.FindOrCreateUser(ctx, name)
		require.NoError(t, err)
		require.NoError(t, e.site.AddModerator(ctx, userID))
	}
	e.proxy.payloads["subreddit_moderators"] = map[string]any{
		"mods": []map[string]any{{"username": "Bob"}, {"username": "carol"}},
	}

	sync := NewModSync(e.deps)
	require.NoError(t, sync.maybeSync(ctx))

	mods, err := e.site.ListModerators(ctx)
	require.NoError(t, err)
	names := make([]string, len(mods))
	for i, mod := range mods {
		names[i] = mod.Username
	}
	assert.ElementsMatch(t, []string{"bob", "carol"}, names)
	assert.ElementsMatch(t, []string{bus.TopicModsRemoved, bus.TopicModsAdded}, e.pub.keys())

	// The timestamp is recorded, so the next wake-up skips the fetch.
	fetches := len(e.proxy.callsOf("subreddit_moderators"))
	require.NoError(t, sync.maybeSync(ctx))
	assert.Len(t, e.proxy.callsOf("subreddit_moderators"), fetches)

	// The key stores epoch seconds as a float, the form the website
	// reads and writes.
	raw, found, err := e.cache.Get(cache.ModSyncLastCheckAtKey)
	require.NoError(t, err)
	require.True(t, found)
	stamp, err := strconv.ParseFloat(string(raw), 64)
	require.NoError(t, err)
	assert.Contains(t, string(raw), ".")
	assert.InDelta(t, float64(testTime.Unix()), stamp, 1)
}

func TestModSyncAbortsOnPartialRoster(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	userID, err := e.site.FindOrCreateUser(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, e.site.AddModerator(ctx, userID))
	e.proxy.notCopy["subreddit_moderators"] = true

	sync := NewModSync(e.deps)
	require.NoError(t, sync.maybeSync(ctx))

	mods, err := e.site.ListModerators(ctx)
	require.NoError(t, err)
	assert.Len(t, mods, 1)
	assert.Empty(t, e.pub.events)
}

func TestFlairLoanThreads(t *testing.T) {
	e := newEnv(t)
	handler := FlairLoanThreadsHandler(e.deps)

	err := handler(context.Background(), mustJSON(t, bus.LoanCreateEvent{
		LoanID:  1,
		Comment: bus.CommentRef{LinkFullname: "t3_req", Fullname: "t1_loan"},
	}))
	require.NoError(t, err)

	flairs := e.proxy.callsOf("flair_link")
	require.Len(t, flairs, 1)
	assert.Equal(t, "borrow", flairs[0].args["subreddit"])
	assert.Equal(t, "t3_req", flairs[0].args["link_fullname"])
	assert.Equal(t, completedFlairCSSClass, flairs[0].args["css_class"])

	// Loans entered without a thread have nothing to flair.
	err = handler(context.Background(), mustJSON(t, bus.LoanCreateEvent{LoanID: 2}))
	require.NoError(t, err)
	assert.Len(t, e.proxy.callsOf("flair_link"), 1)
}

func TestBuildStatsPlots(t *testing.T) {
	stats := []ledger.MonthlyStat{
		{Series: "lent", Year: 2020, Month: 1, Count: 2, USDMinor: 4000},
		{Series: "lent", Year: 2020, Month: 2, Count: 1, USDMinor: 2500},
		{Series: "repaid", Year: 2020, Month: 4, Count: 1, USDMinor: 1000},
	}

	plots := buildStatsPlots(stats, testTime.Unix())
	require.Len(t, plots, 4)

	counts := plots[cache.StatsLoansPrefix+"/count/monthly"]
	require.NotNil(t, counts)
	assert.Equal(t, "Monthly Count", counts.Title)
	assert.Equal(t, []string{"2020-01", "2020-02", "2020-04"}, counts.Data.Categories)
	require.Len(t, counts.Data.Series, 3)
	assert.Equal(t, "Lent", counts.Data.Series[0].Name)
	assert.Equal(t, []float64{2, 1, 0}, counts.Data.Series[0].Data)
	assert.Equal(t, "Repaid", counts.Data.Series[1].Name)
	assert.Equal(t, []float64{0, 0, 1}, counts.Data.Series[1].Data)
	assert.Equal(t, "Unpaid", counts.Data.Series[2].Name)
	assert.Equal(t, []float64{0, 0, 0}, counts.Data.Series[2].Data)

	usd := plots[cache.StatsLoansPrefix+"/usd/quarterly"]
	require.NotNil(t, usd)
	assert.Equal(t, []string{"2020Q1", "2020Q2"}, usd.Data.Categories)
	assert.Equal(t, []float64{65, 0}, usd.Data.Series[0].Data)
	assert.Equal(t, []float64{0, 10}, usd.Data.Series[1].Data)
}

func TestLoansStatsRebuildCaches(t *testing.T) {
	e := newEnv(t)
	seedCompletedLoans(t, e, "lender", "borrower", 2)

	worker := NewLoansStats(e.deps)
	require.NoError(t, worker.rebuild(context.Background()))

	raw, found, err := e.cache.Get(cache.StatsLoansPrefix + "/count/monthly")
	require.NoError(t, err)
	require.True(t, found)

	var plot statsPlot
	require.NoError(t, json.Unmarshal(raw, &plot))
	assert.Equal(t, []string{"2020-06"}, plot.Data.Categories)
	assert.Equal(t, []float64{2}, plot.Data.Series[0].Data)
}

func TestDeprecatedAlertsInitialPass(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	deprecatedOn := time.Date(2020, time.May, 1, 0, 0, 0, 0, time.UTC)
	sunsetsOn := time.Date(2020, time.September, 1, 0, 0, 0, 0, time.UTC)
	epID := e.eps.AddEndpoint(endpoints.Endpoint{
		Slug: "loans_by_user", Path: "/api/loans", Verb: "GET",
		DeprecatedOn: &deprecatedOn, SunsetsOn: &sunsetsOn,
	})
	e.eps.RecordUse(epID, 42, "apiuser", testTime.Add(-48*time.Hour))
	e.eps.RecordUse(epID, 42, "apiuser", testTime.Add(-24*time.Hour))

	worker := NewDeprecatedAlerts(e.deps)
	require.NoError(t, worker.sendAll(ctx))

	composed := e.proxy.callsOf("compose")
	require.Len(t, composed, 1)
	assert.Equal(t, "apiuser", composed[0].args["recipient"])
	assert.Equal(t, "You are using deprecated endpoints", composed[0].args["subject"])
	body, _ := composed[0].args["body"].(string)
	assert.Contains(t, body, "Endpoint | Deprecated on | Sunsets on")
	assert.Contains(t, body,
		"[loans_by_user](https://redditloans.com/endpoints.html?slug=loans_by_user)|May 01, 2020|Sep 01, 2020")

	require.Len(t, e.eps.Alerts, 1)
	assert.Equal(t, endpoints.AlertInitial, e.eps.Alerts[0].AlertType)

	// The alert is on record now; the next day sends nothing new.
	require.NoError(t, worker.sendAll(ctx))
	assert.Len(t, e.proxy.callsOf("compose"), 1)
}

func TestDeprecatedAlertsUrgentCadence(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	deprecatedOn := time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)
	sunsetsOn := testTime.Add(10 * 24 * time.Hour)
	epID := e.eps.AddEndpoint(endpoints.Endpoint{
		Slug: "old_stats", Path: "/api/stats", Verb: "GET",
		DeprecatedOn: &deprecatedOn, SunsetsOn: &sunsetsOn,
	})
	e.eps.RecordUse(epID, 7, "poweruser", testTime.Add(-30*24*time.Hour))
	// Alerted four days ago: past the three day cadence.
	require.NoError(t, e.eps.RecordAlerts(ctx, []endpoints.PendingAlert{
		{UserID: 7, Username: "poweruser", EndpointID: epID},
	}, endpoints.AlertInitial))
	e.eps.Alerts[0].SentAt = testTime.Add(-4 * 24 * time.Hour)

	worker := NewDeprecatedAlerts(e.deps)
	require.NoError(t, worker.sendAll(ctx))

	composed := e.proxy.callsOf("compose")
	require.Len(t, composed, 1)
	assert.Equal(t, "poweruser", composed[0].args["recipient"])

	var types []string
	for _, alert := range e.eps.Alerts {
		types = append(types, alert.AlertType)
	}
	assert.Contains(t, types, endpoints.AlertUrgent)
}

func TestEndpointsTableSkipsUnknownEndpoints(t *testing.T) {
	table := endpointsTable(
		[]endpoints.PendingAlert{{EndpointID: 1}, {EndpointID: 2}},
		map[int64]endpoints.Endpoint{1: {ID: 1, Slug: "known"}},
	)
	assert.Equal(t, 3, len(strings.Split(table, "\n")))
	assert.Contains(t, table, "slug=known)|-|-")
}

func TestModOnboardingMessagesDrip(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	userID, err := e.site.FindOrCreateUser(ctx, "newmod")
	require.NoError(t, err)
	require.NoError(t, e.site.AddModerator(ctx, userID))
	e.site.AddOnboardingMessage(1, "welcome_title", "Welcome, /u/{username}", "welcome_body", "First things first.")
	e.site.AddOnboardingMessage(2, "tools_title", "The tools", "tools_body", "Second letter.")

	worker := NewModOnboardingMessages(e.deps)

	require.NoError(t, worker.sendBatch(ctx))
	composed := e.proxy.callsOf("compose")
	require.Len(t, composed, 1)
	assert.Equal(t, "newmod", composed[0].args["recipient"])
	assert.Equal(t, "Welcome, /u/newmod", composed[0].args["subject"])

	require.NoError(t, worker.sendBatch(ctx))
	composed = e.proxy.callsOf("compose")
	require.Len(t, composed, 2)
	assert.Equal(t, "The tools", composed[1].args["subject"])

	// Caught up: nothing more to send.
	require.NoError(t, worker.sendBatch(ctx))
	assert.Len(t, e.proxy.callsOf("compose"), 2)
}
