package slack

import (
	"fmt"
	"unicode/utf8"

	goslack "github.com/slack-go/slack"

	"github.com/tarsy-bot/tarsy/pkg/models"
)

const maxBlockTextLength = 2900

var statusEmoji = map[models.SessionStatus]string{
	models.SessionStatusCompleted: ":white_check_mark:",
	models.SessionStatusFailed:    ":x:",
	models.SessionStatusCancelled: ":no_entry_sign:",
}

var statusLabel = map[models.SessionStatus]string{
	models.SessionStatusCompleted: "Investigation Complete",
	models.SessionStatusFailed:    "Investigation Failed",
	models.SessionStatusCancelled: "Investigation Cancelled",
}

func sessionURL(sessionID, dashboardURL string) string {
	return fmt.Sprintf("%s/sessions/%s", dashboardURL, sessionID)
}

// BuildStartedMessage creates Block Kit blocks for a session start
// notification.
func BuildStartedMessage(sessionID, dashboardURL string) []goslack.Block {
	url := sessionURL(sessionID, dashboardURL)
	text := fmt.Sprintf(":arrows_counterclockwise: *Investigation started*, this may take a few minutes.\n<%s|View in Dashboard>", url)

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
}

// BuildTerminalMessage creates Block Kit blocks for a terminal session
// notification: status header, the final analysis for completed
// sessions or the error otherwise, and a dashboard link button.
func BuildTerminalMessage(sess *models.Session, dashboardURL string) []goslack.Block {
	emoji := statusEmoji[sess.Status]
	if emoji == "" {
		emoji = ":question:"
	}
	label := statusLabel[sess.Status]
	if label == "" {
		label = "Investigation " + string(sess.Status)
	}

	headerText := fmt.Sprintf("%s *%s*", emoji, label)

	var blocks []goslack.Block
	switch {
	case sess.Status == models.SessionStatusCompleted && sess.FinalAnalysis != nil && *sess.FinalAnalysis != "":
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
			nil, nil,
		))
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncateForSlack(*sess.FinalAnalysis), false, false),
			nil, nil,
		))
	default:
		if sess.Status != models.SessionStatusCompleted && sess.Error != nil && *sess.Error != "" {
			headerText += fmt.Sprintf("\n\n*Error:*\n%s", truncateForSlack(*sess.Error))
		}
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
			nil, nil,
		))
	}

	url := sessionURL(sess.ID, dashboardURL)
	buttonText := "View Full Analysis"
	if sess.Status != models.SessionStatusCompleted {
		buttonText = "View Details"
	}

	btn := goslack.NewButtonBlockElement("", "", goslack.NewTextBlockObject(goslack.PlainTextType, buttonText, false, false))
	btn.URL = url
	blocks = append(blocks, goslack.NewActionBlock("", btn))

	return blocks
}

// truncateForSlack caps text at the Block Kit limit without splitting
// a multi-byte rune.
func truncateForSlack(text string) string {
	if utf8.RuneCountInString(text) <= maxBlockTextLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxBlockTextLength]) + "\n\n_... (truncated, view the full analysis in the dashboard)_"
}
