package runners

import (
	"context"
	"errors"
	"time"

	"github.com/LoansBot/loansbot/internal/proxy"
	"github.com/LoansBot/loansbot/internal/signals"
	"github.com/LoansBot/loansbot/internal/summons"
)

// commentScanInterval is how long the scanner rests between sweeps.
const commentScanInterval = time.Minute

// commentPage is one page of the proxy's subreddit_comments response.
type commentPage struct {
	Comments []summons.Comment `json:"comments"`
	After    string            `json:"after"`
}

// CommentScanner polls the watched subreddits for new comments and
// routes each unseen one through the summons.
type CommentScanner struct {
	deps       Deps
	dispatcher *summons.Dispatcher
}

// NewCommentScanner wires the comment scanner.
func NewCommentScanner(deps Deps, dispatcher *summons.Dispatcher) *CommentScanner {
	return &CommentScanner{deps: deps, dispatcher: dispatcher}
}

// Run scans once a minute until cancelled.
func (s *CommentScanner) Run(ctx context.Context) error {
	return runEvery(ctx, commentScanInterval, s.deps.log(), "comments", s.scan)
}

// scan pages backward through recent comments. It stops early when a
// whole page is already handled: everything older was handled on a
// previous sweep.
func (s *CommentScanner) scan(ctx context.Context) error {
	after := ""
	for {
		page, err := s.fetchPage(ctx, after)
		if err != nil {
			return err
		}
		if len(page.Comments) == 0 {
			return nil
		}

		fullnames := make([]string, len(page.Comments))
		for i, c := range page.Comments {
			fullnames[i] = c.Fullname
		}
		seen, err := s.deps.Ledger.Store().SeenFullnames(ctx, fullnames)
		if err != nil {
			return err
		}
		if len(seen) == len(fullnames) {
			return nil
		}

		for _, comment := range page.Comments {
			if seen[comment.Fullname] {
				continue
			}
			if err := s.handle(ctx, comment); err != nil {
				return err
			}
		}

		if page.After == "" {
			return nil
		}
		after = page.After
	}
}

// handle runs one comment through the summons inside a critical
// section. The fullname is marked handled even when the summon fails,
// so a poison comment cannot wedge the scanner; the failure is logged
// and the partial writes were already rolled back by the handler.
func (s *CommentScanner) handle(ctx context.Context, comment summons.Comment) error {
	return signals.Critical(ctx, func(ctx context.Context) error {
		s.dispatchAndReply(ctx, comment)
		return s.deps.Ledger.Store().MarkFullname(ctx, comment.Fullname)
	})
}

func (s *CommentScanner) dispatchAndReply(ctx context.Context, comment summons.Comment) {
	log := s.deps.log()

	ok, err := s.deps.Perms.CanInteract(ctx, comment.Author)
	if err != nil {
		log.Warn("permission check failed",
			"author", comment.Author, "fullname", comment.Fullname, "err", err)
		return
	}
	if !ok {
		if !s.deps.Config.IsIgnored(comment.Author) {
			log.Info("ignoring comment, insufficient access",
				"author", comment.Author, "fullname", comment.Fullname)
		}
		return
	}

	outcome, err := s.dispatcher.Dispatch(ctx, comment)
	if err != nil {
		name := ""
		if outcome != nil {
			name = outcome.Summon
		}
		log.Warn("summon failed",
			"summon", name, "fullname", comment.Fullname, "err", err)
		return
	}
	if outcome == nil || outcome.Reply == "" {
		return
	}

	_, err = s.deps.Proxy.Send(ctx, "post_comment", map[string]any{
		"parent": comment.Fullname,
		"text":   outcome.Reply,
	})
	if err != nil && !errors.Is(err, proxy.ErrNotCopy) {
		log.Warn("posting reply failed",
			"summon", outcome.Summon, "fullname", comment.Fullname, "err", err)
	}
}

// fetchPage asks the proxy for one page of comments. A non-copy
// response reads as an empty page.
func (s *CommentScanner) fetchPage(ctx context.Context, after string) (*commentPage, error) {
	args := map[string]any{"subreddit": s.deps.Config.Subreddits}
	if after != "" {
		args["after"] = after
	}

	var page commentPage
	err := s.deps.Proxy.SendInto(ctx, "subreddit_comments", args, &page)
	if errors.Is(err, proxy.ErrNotCopy) {
		return &commentPage{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &page, nil
}
