package runners

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/LoansBot/loansbot/internal/proxy"
	"github.com/LoansBot/loansbot/internal/signals"
	"github.com/LoansBot/loansbot/internal/summons"
)

// recheckIdleWindow matches the broker consumer heartbeat used
// elsewhere.
const recheckIdleWindow = 10 * time.Minute

// recheckRequest is the queue payload the website publishes when
// someone edits a comment and wants it looked at again. The comment
// itself is not on the wire; it has to be fetched fresh so the edit is
// what gets dispatched.
type recheckRequest struct {
	LinkFullname    string `json:"link_fullname"`
	CommentFullname string `json:"comment_fullname"`
}

// errCommentGone means the proxy could not produce the comment, which
// usually means it was deleted after the recheck was queued.
var errCommentGone = errors.New("recheck comment not found")

// decodeRecheck parses and validates a queue message.
func decodeRecheck(body []byte) (recheckRequest, error) {
	var req recheckRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return req, err
	}
	if req.LinkFullname == "" || req.CommentFullname == "" {
		return req, fmt.Errorf("recheck packet missing fullnames: %q", body)
	}
	return req, nil
}

// RecheckConsumer replays edited comments through the summons.
// Rechecks deliberately skip the handled-fullnames dedupe: the whole
// point is re-processing a comment the scanner already saw.
type RecheckConsumer struct {
	deps       Deps
	ch         *amqp.Channel
	dispatcher *summons.Dispatcher
}

// NewRecheckConsumer wires the recheck consumer over its own channel.
func NewRecheckConsumer(deps Deps, ch *amqp.Channel, dispatcher *summons.Dispatcher) *RecheckConsumer {
	return &RecheckConsumer{deps: deps, ch: ch, dispatcher: dispatcher}
}

// Run consumes the rechecks queue until cancelled.
func (r *RecheckConsumer) Run(ctx context.Context) error {
	queue := r.deps.Config.RechecksQueue
	if _, err := r.ch.QueueDeclare(queue, false, false, false, false, nil); err != nil {
		return fmt.Errorf("declare rechecks queue %s: %w", queue, err)
	}
	deliveries, err := r.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	log := r.deps.log()
	idle := time.NewTimer(recheckIdleWindow)
	defer idle.Stop()

	for {
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(recheckIdleWindow)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			log.Debug("no rechecks in inactivity window")
			continue
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("rechecks delivery channel closed")
			}

			req, err := decodeRecheck(d.Body)
			if err != nil {
				log.Warn("dropping malformed recheck", "err", err)
				_ = d.Nack(false, false)
				continue
			}

			if err := r.process(ctx, req); err != nil {
				if errors.Is(err, errCommentGone) {
					log.Info("recheck suppressed, comment not found",
						"comment_fullname", req.CommentFullname)
					_ = d.Nack(false, false)
					continue
				}
				_ = d.Nack(false, false)
				return err
			}
			if err := d.Ack(false); err != nil {
				return fmt.Errorf("ack recheck: %w", err)
			}
		}
	}
}

// process fetches the current comment for the request and runs it
// through the summons.
func (r *RecheckConsumer) process(ctx context.Context, req recheckRequest) error {
	var comment summons.Comment
	err := r.deps.Proxy.SendInto(ctx, "lookup_comment", map[string]any{
		"link_fullname":    req.LinkFullname,
		"comment_fullname": req.CommentFullname,
	}, &comment)
	if errors.Is(err, proxy.ErrNotCopy) {
		return errCommentGone
	}
	if err != nil {
		return err
	}
	return r.handle(ctx, comment)
}

func (r *RecheckConsumer) handle(ctx context.Context, comment summons.Comment) error {
	return signals.Critical(ctx, func(ctx context.Context) error {
		log := r.deps.log()

		ok, err := r.deps.Perms.CanInteract(ctx, comment.Author)
		if err != nil {
			log.Warn("permission check failed",
				"author", comment.Author, "fullname", comment.Fullname, "err", err)
			return nil
		}
		if !ok {
			if !r.deps.Config.IsIgnored(comment.Author) {
				log.Info("ignoring recheck, insufficient access",
					"author", comment.Author, "fullname", comment.Fullname)
			}
			return nil
		}

		outcome, err := r.dispatcher.Dispatch(ctx, comment)
		if err != nil {
			name := ""
			if outcome != nil {
				name = outcome.Summon
			}
			log.Warn("recheck summon failed",
				"summon", name, "fullname", comment.Fullname, "err", err)
			return nil
		}
		if outcome == nil || outcome.Reply == "" {
			return nil
		}

		_, err = r.deps.Proxy.Send(ctx, "post_comment", map[string]any{
			"parent": comment.Fullname,
			"text":   outcome.Reply,
		})
		if err != nil && !errors.Is(err, proxy.ErrNotCopy) {
			log.Warn("posting recheck reply failed",
				"fullname", comment.Fullname, "err", err)
		}
		return nil
	})
}
