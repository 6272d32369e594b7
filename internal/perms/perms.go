// Package perms answers "may this account use the bot" from a cached
// snapshot of the account's karma, age, and subreddit standing.
//
// Snapshots live in the shared cache for up to a year; moderation-log
// events and the temporary-ban reaper invalidate them early.
package perms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/LoansBot/loansbot/internal/cache"
	"github.com/LoansBot/loansbot/internal/proxy"
)

const (
	snapshotTTL = 365 * 24 * time.Hour
	staleAfter  = 24 * time.Hour
)

// Proxy is the slice of the forum-proxy client the permission checks
// need.
type Proxy interface {
	Send(ctx context.Context, typ string, args any) (*proxy.Response, error)
	SendInto(ctx context.Context, typ string, args any, out any) error
}

// Info is one account's permission snapshot.
type Info struct {
	Username         string    `json:"username"`
	CombinedKarma    int64     `json:"karma"`
	CommentKarma     *int64    `json:"comment_karma"`
	AccountCreatedAt time.Time `json:"account_created_at"`
	Approved         bool      `json:"approved"`
	Moderator        bool      `json:"moderator"`
	Banned           bool      `json:"banned"`
	CheckedAt        time.Time `json:"checked_at"`
}

// Thresholds are the interaction gates, taken from config.
type Thresholds struct {
	KarmaMin        int64
	CommentKarmaMin int64
	AccountAgeMin   time.Duration
}

// Service checks and maintains permission snapshots.
type Service struct {
	cache      *cache.Cache
	proxy      Proxy
	subreddit  string
	thresholds Thresholds
	ignored    map[string]bool
	logger     *slog.Logger
	now        func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the permission service. subreddit is where the
// moderator/approved/banned flags are checked; ignored is the list of
// accounts the bot never responds to.
func NewService(c *cache.Cache, p Proxy, subreddit string, t Thresholds, ignored []string, opts ...Option) *Service {
	ignoredSet := make(map[string]bool, len(ignored))
	for _, u := range ignored {
		ignoredSet[strings.ToLower(u)] = true
	}
	s := &Service{
		cache:      c,
		proxy:      p,
		subreddit:  subreddit,
		thresholds: t,
		ignored:    ignoredSet,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func snapshotKey(username string) string {
	return cache.PermsPrefix + "/" + strings.ToLower(username)
}

// CanInteract reports whether the account may use bot commands:
// ignored accounts and missing accounts cannot; banned accounts
// cannot; moderators and approved submitters always can; everyone else
// needs enough karma and account age.
func (s *Service) CanInteract(ctx context.Context, username string) (bool, error) {
	if s.ignored[strings.ToLower(username)] {
		return false, nil
	}

	info, err := s.FetchInfo(ctx, username)
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}
	if info.Banned {
		return false, nil
	}
	if info.Moderator || info.Approved {
		return true, nil
	}

	var commentKarma int64
	if info.CommentKarma != nil {
		commentKarma = *info.CommentKarma
	}
	return info.CombinedKarma > s.thresholds.KarmaMin &&
		commentKarma > s.thresholds.CommentKarmaMin &&
		s.now().Sub(info.AccountCreatedAt) > s.thresholds.AccountAgeMin, nil
}

// FetchInfo returns the account's snapshot, refreshing it from the
// proxy when the cache misses. A nil Info with nil error means the
// account does not exist.
func (s *Service) FetchInfo(ctx context.Context, username string) (*Info, error) {
	username = strings.ToLower(username)

	if info, ok := s.cachedInfo(username); ok {
		return info, nil
	}
	return s.refreshInfo(ctx, username)
}

// cachedInfo returns (info, true) when the cached snapshot is usable.
// Legacy snapshots missing comment_karma and snapshots caught by the
// stale-karma rule are treated as misses.
func (s *Service) cachedInfo(username string) (*Info, bool) {
	raw, found, err := s.cache.Get(snapshotKey(username))
	if err != nil {
		s.logger.Warn("permission cache read failed", "username", username, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}

	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		s.logger.Warn("corrupt permission snapshot", "username", username, "error", err)
		return nil, false
	}
	if info.CommentKarma == nil {
		// Written before comment karma was tracked.
		return nil, false
	}

	if s.now().Sub(info.CheckedAt) > staleAfter && info.CombinedKarma < s.thresholds.KarmaMin {
		// The account could plausibly have crossed the threshold since
		// we looked, assuming up to 100 karma a day.
		ageDays := int64(s.now().Sub(info.CheckedAt).Hours() / 24)
		if info.CombinedKarma+100*ageDays >= s.thresholds.KarmaMin {
			return nil, false
		}
	}
	return &info, true
}

type accountInfo struct {
	LinkKarma    int64   `json:"link_karma"`
	CommentKarma int64   `json:"comment_karma"`
	CreatedUTC   float64 `json:"created_utc"`
}

func (s *Service) refreshInfo(ctx context.Context, username string) (*Info, error) {
	var account accountInfo
	err := s.proxy.SendInto(ctx, "show_user", map[string]any{"username": username}, &account)
	if errors.Is(err, proxy.ErrNotCopy) {
		// Deleted, suspended, or never existed. Cache nothing so a
		// rename or reinstatement is picked up immediately.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("show_user %s: %w", username, err)
	}

	var modFlag struct {
		Moderator bool `json:"moderator"`
	}
	err = s.proxy.SendInto(ctx, "user_is_moderator",
		map[string]any{"username": username, "subreddit": s.subreddit}, &modFlag)
	if err != nil && !errors.Is(err, proxy.ErrNotCopy) {
		return nil, fmt.Errorf("user_is_moderator %s: %w", username, err)
	}

	var approvedFlag struct {
		Approved bool `json:"approved"`
	}
	err = s.proxy.SendInto(ctx, "user_is_approved",
		map[string]any{"username": username, "subreddit": s.subreddit}, &approvedFlag)
	if err != nil && !errors.Is(err, proxy.ErrNotCopy) {
		return nil, fmt.Errorf("user_is_approved %s: %w", username, err)
	}

	var bannedFlag struct {
		Banned bool `json:"banned"`
	}
	err = s.proxy.SendInto(ctx, "user_is_banned",
		map[string]any{"username": username, "subreddit": s.subreddit}, &bannedFlag)
	if err != nil && !errors.Is(err, proxy.ErrNotCopy) {
		return nil, fmt.Errorf("user_is_banned %s: %w", username, err)
	}

	commentKarma := account.CommentKarma
	info := &Info{
		Username:         username,
		CombinedKarma:    account.LinkKarma + account.CommentKarma,
		CommentKarma:     &commentKarma,
		AccountCreatedAt: time.Unix(int64(account.CreatedUTC), 0).UTC(),
		Approved:         approvedFlag.Approved,
		Moderator:        modFlag.Moderator,
		Banned:           bannedFlag.Banned,
		CheckedAt:        s.now(),
	}

	raw, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot for %s: %w", username, err)
	}
	if err := s.cache.Set(snapshotKey(username), raw, snapshotTTL); err != nil {
		s.logger.Warn("permission cache write failed", "username", username, "error", err)
	}
	return info, nil
}

// FlushCache drops the account's snapshot so the next check refreshes
// from the proxy.
func (s *Service) FlushCache(username string) error {
	_, err := s.cache.Delete(snapshotKey(username))
	return err
}
