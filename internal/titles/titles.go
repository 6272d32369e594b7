// Package titles interprets request-thread titles. Borrowers encode
// their location, terms, and payment processor in parenthesized blobs,
// e.g. "[REQ] ($200) (#Austin, TX, USA) (repay $220 6/1) (paypal)".
package titles

import (
	"regexp"
	"strings"

	"github.com/LoansBot/loansbot/internal/bus"
	"github.com/LoansBot/loansbot/internal/money"
)

var blobPattern = regexp.MustCompile(`\(([^)]+)\)`)

var termsLeadIn = regexp.MustCompile(`^\d/`)

// processors are the payment rails we recognize in request titles.
var processors = []string{"venmo", "paypal", "bank", "cashapp", "zelle", "chime"}

// Interpret classifies the parenthesized blobs of a request title:
// the first #-prefixed blob is the location (split city/state/country
// on exactly two commas), the first money-looking blob is the terms,
// the first blob naming a payment rail is the processor, and the rest
// are notes.
func Interpret(title string) bus.RequestDetails {
	details := bus.RequestDetails{Title: title}

	for _, m := range blobPattern.FindAllStringSubmatch(title, -1) {
		blob := m[1]

		if details.Location == "" && strings.HasPrefix(blob, "#") {
			loc := blob[1:]
			details.Location = loc
			if parts := strings.Split(loc, ","); len(parts) == 3 {
				details.City = strings.TrimSpace(parts[0])
				details.State = strings.TrimSpace(parts[1])
				details.Country = strings.TrimSpace(parts[2])
			}
			continue
		}

		if details.Terms == "" && looksLikeTerms(blob) {
			details.Terms = blob
			continue
		}

		if details.Processor == "" && looksLikeProcessor(blob) {
			details.Processor = blob
			continue
		}

		details.Notes = append(details.Notes, blob)
	}

	return details
}

func looksLikeTerms(blob string) bool {
	if termsLeadIn.MatchString(blob) {
		return true
	}
	for sym := range money.Symbols {
		if strings.Contains(blob, sym) {
			return true
		}
	}
	lower := strings.ToLower(blob)
	for code := range money.Currencies {
		if strings.Contains(lower, strings.ToLower(code)) {
			return true
		}
	}
	return false
}

func looksLikeProcessor(blob string) bool {
	lower := strings.ToLower(blob)
	for _, p := range processors {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
