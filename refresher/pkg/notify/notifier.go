package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/gridscoutlabs/gridscout/refresher/pkg/pipeline"
	"github.com/gridscoutlabs/gridscout/utils/pkg/retry"
)

// Poster posts one message to a channel. *slack.Client satisfies it.
type Poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

type Config struct {
	Logger  *slog.Logger
	Poster  Poster
	Channel string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Poster == nil {
		return errors.New("poster is required")
	}
	if cfg.Channel == "" {
		return errors.New("channel is required")
	}
	return nil
}

// Notifier posts a cycle summary to Slack. Promoted, partial, and
// failed cycles get a message; no-change cycles are the routine outcome
// and stay quiet.
type Notifier struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Notifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Notifier{log: cfg.Logger, cfg: cfg}, nil
}

func (n *Notifier) ReportCycle(ctx context.Context, report pipeline.CycleReport) error {
	if report.Status == pipeline.StatusNoChanges {
		return nil
	}

	blocks := buildBlocks(report)
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		_, _, err := n.cfg.Poster.PostMessageContext(ctx, n.cfg.Channel, slack.MsgOptionBlocks(blocks...))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to post cycle notification: %w", err)
	}
	n.log.Debug("notify: cycle summary posted",
		"cycle_id", report.CycleID.String(), "status", string(report.Status))
	return nil
}

func buildBlocks(report pipeline.CycleReport) []slack.Block {
	var headline string
	switch report.Status {
	case pipeline.StatusPromoted:
		headline = ":white_check_mark: Readiness refresh promoted"
	case pipeline.StatusPartial:
		headline = fmt.Sprintf(":hourglass_flowing_sand: Readiness refresh yielded at %.0f%%", report.Completion*100)
	default:
		headline = ":rotating_light: Readiness refresh failed"
	}

	lines := []string{
		fmt.Sprintf("*Cycle* `%s`", report.CycleID.String()),
		fmt.Sprintf("*Stations* %d ingested, %d rejected",
			report.Counts.Inserted, report.Counts.Rejected),
		fmt.Sprintf("*Changes* %d added, %d removed, %d modified",
			report.Counts.Added, report.Counts.Removed, report.Counts.Modified),
		fmt.Sprintf("*Regions* %d states, %d counties, %d ZIPs",
			report.AffectedStates, report.AffectedCounties, report.AffectedZips),
		fmt.Sprintf("*Duration* %s", report.Duration.Round(time.Second)),
	}
	if report.Status == pipeline.StatusFailed && report.Message != "" {
		lines = append(lines, fmt.Sprintf("*Error* %s", report.Message))
	}

	return []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, headline, true, false)),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, strings.Join(lines, "\n"), false, false), nil, nil),
	}
}
