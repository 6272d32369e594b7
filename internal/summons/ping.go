package summons

import (
	"context"
	"strings"
)

// PingSummon answers $ping with a fixed Pong!, which is the quickest
// way to verify the bot is scanning and can reply.
type PingSummon struct{}

// NewPingSummon builds the $ping handler.
func NewPingSummon() *PingSummon { return &PingSummon{} }

func (s *PingSummon) Name() string { return "ping" }

func (s *PingSummon) MightApply(body string) bool {
	return strings.Contains(body, "$ping")
}

func (s *PingSummon) Handle(_ context.Context, _ Comment) (string, error) {
	return "Pong!", nil
}
