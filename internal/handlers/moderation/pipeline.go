package moderation

import (
	"context"
	"time"

	"github.com/pborman/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/iamwavecut/ngguard/internal/db"
	"github.com/iamwavecut/ngguard/internal/observability"
	"github.com/iamwavecut/ngguard/internal/policy"
	"github.com/iamwavecut/ngguard/internal/policy/flood"
	"github.com/iamwavecut/ngguard/internal/policy/links"
	"github.com/iamwavecut/ngguard/internal/policy/rules"
)

type ProcessingResult struct {
	ID       string
	Stage    policy.Stage
	Decision *policy.Decision
	Actions  []db.Action
}

// Decided reports whether some stage acted on the message.
func (r *ProcessingResult) Decided() bool {
	return r != nil && r.Decision != nil
}

// Pipeline runs a message through the moderation stages in fixed order:
// global violator, blacklist, locks, links, content rules, flood. The first
// stage that decides wins.
type Pipeline struct {
	settings  settingsSource
	violators *Violators
	links     *links.Engine
	rules     *rules.Engine
	flood     *flood.Limiter
	executor  *Executor
	now       func() time.Time
}

func NewPipeline(
	settings settingsSource,
	violators *Violators,
	linkEngine *links.Engine,
	ruleEngine *rules.Engine,
	limiter *flood.Limiter,
	executor *Executor,
) *Pipeline {
	return &Pipeline{
		settings:  settings,
		violators: violators,
		links:     linkEngine,
		rules:     ruleEngine,
		flood:     limiter,
		executor:  executor,
		now:       time.Now,
	}
}

func (p *Pipeline) getLogEntry() *log.Entry {
	return log.WithField("object", "Pipeline")
}

func (p *Pipeline) Process(ctx context.Context, msg *Message) *ProcessingResult {
	result := &ProcessingResult{ID: uuid.New()}
	if msg == nil {
		return result
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = p.now()
	}

	observe := observability.StartMessageProcessing()
	ctx, span := otel.Tracer(observability.TracerName).Start(ctx, "moderation.pipeline")
	defer span.End()
	span.SetAttributes(
		attribute.String("result_id", result.ID),
		attribute.Int64("chat_id", msg.ChatID),
		attribute.Int64("user_id", msg.UserID),
	)

	entry := p.getLogEntry().WithFields(log.Fields{
		"method":    "Process",
		"chat_id":   msg.ChatID,
		"user_id":   msg.UserID,
		"result_id": result.ID,
	})
	stageFailed := func(stage policy.Stage, err error) {
		span.RecordError(err)
		entry.WithFields(log.Fields{
			"stage": stage,
			"error": err.Error(),
		}).Error("stage failed")
	}

	decide := func(d *policy.Decision, actions []db.Action) *ProcessingResult {
		result.Stage = d.Stage
		result.Decision = d
		result.Actions = actions
		span.SetAttributes(
			attribute.String("stage", string(d.Stage)),
			attribute.String("action", string(d.Action)),
		)
		entry.WithFields(log.Fields{
			"stage":  d.Stage,
			"action": d.Action,
			"reason": d.Reason,
		}).Debug("message decided")
		observe("decided")
		return result
	}

	if d, err := p.violators.OnMessage(ctx, msg, result.ID); err != nil {
		stageFailed(policy.StageGlobalViolator, err)
	} else if d != nil {
		return decide(d, []db.Action{d.Action})
	}

	if d, err := p.violators.MatchBlacklist(ctx, msg, result.ID); err != nil {
		stageFailed(policy.StageBlacklist, err)
	} else if d != nil {
		return decide(d, []db.Action{db.ActionDelete, d.Action})
	}

	if d := LockDecision(p.settings.Locks(ctx, msg.ChatID), msg); d != nil {
		return decide(d, p.executor.Execute(ctx, msg, d, result.ID))
	}

	if msg.Text != "" {
		if d := p.links.Evaluate(ctx, links.Input{
			ChatID:         msg.ChatID,
			UserID:         msg.UserID,
			Text:           msg.Text,
			ChatUsername:   msg.ChatUsername,
			SenderUsername: msg.SenderUsername,
		}, msg.Timestamp); d != nil {
			return decide(d, p.executor.Execute(ctx, msg, d, result.ID))
		}

		d, err := p.rules.Evaluate(ctx, msg.ChatID, msg.UserID, msg.Text, msg.Timestamp)
		if err != nil {
			stageFailed(policy.StageContentRules, err)
		} else if d != nil {
			return decide(d, p.executor.Execute(ctx, msg, d, result.ID))
		}
	}

	verdict, err := p.flood.Check(ctx, msg.ChatID, msg.UserID, msg.Timestamp, p.settings.Antispam(ctx, msg.ChatID))
	if err != nil {
		stageFailed(policy.StageFlood, err)
	}
	if verdict.Tripped {
		d := &policy.Decision{
			Stage:       policy.StageFlood,
			Action:      verdict.Strike.Action(),
			Reason:      "flood",
			KeepMessage: true,
		}
		return decide(d, p.executor.Execute(ctx, msg, d, result.ID))
	}

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		observe("error")
		return result
	}
	observe("passed")
	return result
}
