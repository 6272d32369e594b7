package runners

import (
	"context"

	"github.com/LoansBot/loansbot/internal/responses"
)

// Daily send time for the onboarding drip, UTC.
const (
	onboardingHourUTC   = 13
	onboardingMinuteUTC = 30
)

// ModOnboardingMessages drips the sequenced onboarding letters to the
// mod team: each moderator behind on the sequence gets exactly one
// letter per day until they are caught up.
type ModOnboardingMessages struct {
	deps Deps
}

// NewModOnboardingMessages wires the onboarding drip worker.
func NewModOnboardingMessages(deps Deps) *ModOnboardingMessages {
	return &ModOnboardingMessages{deps: deps}
}

// Run sends at 13:30 UTC daily until cancelled.
func (w *ModOnboardingMessages) Run(ctx context.Context) error {
	return runDailyAt(ctx, w.deps.now, onboardingHourUTC, onboardingMinuteUTC,
		w.deps.log(), "mod_onboarding_messages", w.sendBatch)
}

func (w *ModOnboardingMessages) sendBatch(ctx context.Context) error {
	site := w.deps.Website.Store()

	maxOrder, found, err := site.MaxOnboardingOrder(ctx)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	mods, err := site.ListModerators(ctx)
	if err != nil {
		return err
	}

	for _, mod := range mods {
		progress, _, err := site.OnboardingProgress(ctx, mod.ID)
		if err != nil {
			return err
		}
		if progress >= maxOrder {
			continue
		}

		msg, err := site.NextOnboardingMessage(ctx, progress)
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}

		params := map[string]string{"username": mod.Username}
		subject := responses.Substitute(msg.Title, params)
		body := responses.Substitute(msg.Body, params)
		if err := w.deps.compose(ctx, mod.Username, subject, body); err != nil {
			return err
		}
		err = site.InsertLetterHistory(ctx, mod.UserID,
			msg.TitleID, msg.TitleName, msg.BodyID, msg.BodyName)
		if err != nil {
			return err
		}
		if err := site.SetOnboardingProgress(ctx, mod.ID, msg.MsgOrder, w.deps.now()); err != nil {
			return err
		}

		w.deps.log().Info("sent onboarding letter",
			"moderator", mod.Username, "order", msg.MsgOrder, "of", maxOrder)
	}
	return nil
}
