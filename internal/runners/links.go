package runners

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/LoansBot/loansbot/internal/bus"
	"github.com/LoansBot/loansbot/internal/ledger"
	"github.com/LoansBot/loansbot/internal/proxy"
	"github.com/LoansBot/loansbot/internal/responses"
	"github.com/LoansBot/loansbot/internal/signals"
	"github.com/LoansBot/loansbot/internal/titles"
)

// linkScanInterval is how long the scanner rests between sweeps.
const linkScanInterval = 2 * time.Minute

// Post is the slice of the proxy's submission payload the link scanner
// reads.
type Post struct {
	Fullname  string  `json:"fullname"`
	Title     string  `json:"title"`
	Author    string  `json:"author"`
	Subreddit string  `json:"subreddit"`
	CreatedUTC float64 `json:"created_utc"`
}

// linkPage is one page of the proxy's subreddit_links response. Text
// posts and link posts arrive as separate lists.
type linkPage struct {
	Self  []Post `json:"self"`
	URL   []Post `json:"url"`
	After string `json:"after"`
}

// LinkScanner polls the watched subreddits for new submissions. Every
// text post by a user in good standing gets a history check in the
// replies; [REQ] posts additionally go onto the bus as loan requests.
// Link posts are marked handled without a response.
type LinkScanner struct {
	deps Deps
}

// NewLinkScanner wires the link scanner.
func NewLinkScanner(deps Deps) *LinkScanner {
	return &LinkScanner{deps: deps}
}

// Run scans every two minutes until cancelled.
func (s *LinkScanner) Run(ctx context.Context) error {
	return runEvery(ctx, linkScanInterval, s.deps.log(), "links", s.scan)
}

func (s *LinkScanner) scan(ctx context.Context) error {
	after := ""
	for {
		page, err := s.fetchPage(ctx, after)
		if err != nil {
			return err
		}
		posts := append(append([]Post{}, page.Self...), page.URL...)
		if len(posts) == 0 {
			return nil
		}

		fullnames := make([]string, len(posts))
		for i, p := range posts {
			fullnames[i] = p.Fullname
		}
		seen, err := s.deps.Ledger.Store().SeenFullnames(ctx, fullnames)
		if err != nil {
			return err
		}
		if len(seen) == len(fullnames) {
			return nil
		}

		for _, post := range page.Self {
			if seen[post.Fullname] {
				continue
			}
			if err := s.handle(ctx, post, true); err != nil {
				return err
			}
		}
		for _, post := range page.URL {
			if seen[post.Fullname] {
				continue
			}
			if err := s.handle(ctx, post, false); err != nil {
				return err
			}
		}

		if page.After == "" {
			return nil
		}
		after = page.After
	}
}

func (s *LinkScanner) handle(ctx context.Context, post Post, selfPost bool) error {
	return signals.Critical(ctx, func(ctx context.Context) error {
		if selfPost {
			s.handleSelfPost(ctx, post)
		} else {
			s.deps.log().Info("ignoring non-text submission",
				"author", post.Author, "subreddit", post.Subreddit, "title", post.Title)
		}
		return s.deps.Ledger.Store().MarkFullname(ctx, post.Fullname)
	})
}

func (s *LinkScanner) handleSelfPost(ctx context.Context, post Post) {
	log := s.deps.log()

	ok, err := s.deps.Perms.CanInteract(ctx, post.Author)
	if err != nil {
		log.Warn("permission check failed",
			"author", post.Author, "fullname", post.Fullname, "err", err)
		return
	}
	if !ok {
		if !s.deps.Config.IsIgnored(post.Author) {
			log.Info("ignoring self post, insufficient access",
				"author", post.Author, "subreddit", post.Subreddit)
		}
		return
	}

	if !strings.Contains(strings.ToLower(post.Title), "[req]") {
		// Users can opt out of getting a check on non-request posts.
		optedOut, err := s.nonReqOptOut(ctx, post.Author)
		if err != nil {
			log.Warn("settings lookup failed", "author", post.Author, "err", err)
			return
		}
		if optedOut {
			log.Debug("skipping non-request post, author opted out",
				"author", post.Author, "title", post.Title)
			return
		}
	} else {
		request := titles.Interpret(post.Title)
		err := s.deps.Publisher.Publish(ctx, bus.TopicLoanRequest, bus.LoanRequestEvent{
			Post: bus.RequestPost{
				Author:    post.Author,
				Subreddit: post.Subreddit,
				Fullname:  post.Fullname,
				Title:     post.Title,
			},
			Request: request,
		})
		if err != nil {
			log.Warn("publishing loan request failed",
				"fullname", post.Fullname, "err", err)
			return
		}
	}

	report, err := ledger.GetAndFormatAllOrSummary(ctx, s.deps.Ledger.Store(), post.Author)
	if err != nil {
		log.Warn("building history report failed", "author", post.Author, "err", err)
		return
	}
	reply, err := responses.Get(ctx, s.deps.Responses, "check", map[string]string{
		"target_username": post.Author,
		"report":          report,
	})
	if err != nil {
		log.Warn("rendering check reply failed", "author", post.Author, "err", err)
		return
	}

	_, err = s.deps.Proxy.Send(ctx, "post_comment", map[string]any{
		"parent": post.Fullname,
		"text":   reply,
	})
	if err != nil && !errors.Is(err, proxy.ErrNotCopy) {
		log.Warn("posting check failed", "fullname", post.Fullname, "err", err)
	}
}

// nonReqOptOut reads the author's settings; unknown users get the
// defaults.
func (s *LinkScanner) nonReqOptOut(ctx context.Context, author string) (bool, error) {
	userID, err := s.deps.Ledger.Store().FindUser(ctx, author)
	if errors.Is(err, ledger.ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	settings, err := s.deps.Website.Store().UserSettings(ctx, userID)
	if err != nil {
		return false, err
	}
	return settings.NonReqResponseOptOut, nil
}

func (s *LinkScanner) fetchPage(ctx context.Context, after string) (*linkPage, error) {
	args := map[string]any{"subreddit": s.deps.Config.Subreddits}
	if after != "" {
		args["after"] = after
	}

	var page linkPage
	err := s.deps.Proxy.SendInto(ctx, "subreddit_links", args, &page)
	if errors.Is(err, proxy.ErrNotCopy) {
		return &linkPage{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &page, nil
}
