// Package bus connects workers to the topic exchange that carries loan
// lifecycle and moderation events.
package bus

import (
	"github.com/LoansBot/loansbot/internal/money"
)

// Exchange is the shared topic exchange every event rides on.
const Exchange = "events"

// Routing keys.
const (
	TopicLoanCreate  = "loans.create"
	TopicLoanPaid    = "loans.paid"
	TopicLoanUnpaid  = "loans.unpaid"
	TopicLoanRequest = "loans.request"
	TopicUserSignup  = "user.signup"
	TopicModsAdded   = "mods.added"
	TopicModsRemoved = "mods.removed"
	// Modlog actions are published under modlog.<action>, e.g.
	// modlog.banuser; subscribe with ModlogPattern.
	TopicModlogPrefix = "modlog."
	ModlogPattern     = "modlog.*"
)

// UserRef identifies a user in an event payload.
type UserRef struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// CommentRef identifies the comment that triggered an event.
type CommentRef struct {
	LinkFullname string `json:"link_fullname"`
	Fullname     string `json:"fullname"`
}

// LoanCreateEvent is published when a loan row is created.
type LoanCreateEvent struct {
	LoanID    int64       `json:"loan_id"`
	Comment   CommentRef  `json:"comment"`
	Lender    UserRef     `json:"lender"`
	Borrower  UserRef     `json:"borrower"`
	Amount    money.Money `json:"amount"`
	Permalink string      `json:"permalink"`
}

// LoanPaidEvent is published when a loan's principal becomes fully
// repaid.
type LoanPaidEvent struct {
	LoanID    int64       `json:"loan_id"`
	Lender    UserRef     `json:"lender"`
	Borrower  UserRef     `json:"borrower"`
	Amount    money.Money `json:"amount"`
	WasUnpaid bool        `json:"was_unpaid"`
}

// LoanUnpaidEvent is published for each loan marked delinquent.
type LoanUnpaidEvent struct {
	LoanUnpaidEventID int64 `json:"loan_unpaid_event_id"`
}

// RequestPost describes the thread a borrower request was posted in.
type RequestPost struct {
	Author    string `json:"author"`
	Subreddit string `json:"subreddit"`
	Fullname  string `json:"fullname"`
	Title     string `json:"title"`
	Permalink string `json:"permalink"`
}

// RequestDetails is the interpreted request-thread title.
type RequestDetails struct {
	Title     string   `json:"title"`
	Location  string   `json:"location"`
	City      string   `json:"city"`
	State     string   `json:"state"`
	Country   string   `json:"country"`
	Terms     string   `json:"terms"`
	Processor string   `json:"processor"`
	Notes     []string `json:"notes"`
}

// LoanRequestEvent is published when a borrower opens a request thread.
type LoanRequestEvent struct {
	Post    RequestPost    `json:"post"`
	Request RequestDetails `json:"request"`
}

// UserSignupEvent is published when a user claims their account.
type UserSignupEvent struct {
	UserID int64 `json:"user_id"`
}

// ModsChangedEvent is published on mods.added and mods.removed.
type ModsChangedEvent struct {
	Username string `json:"username"`
	UserID   int64  `json:"user_id"`
}

// ModlogEvent is the full moderator-log record as delivered by the
// proxy, published under modlog.<action>.
type ModlogEvent struct {
	Action      string  `json:"action"`
	Mod         string  `json:"mod"`
	TargetUser  string  `json:"target_author"`
	Subreddit   string  `json:"subreddit"`
	Details     string  `json:"details"`
	Description string  `json:"description"`
	CreatedUTC  float64 `json:"created_utc"`
}
