package gmail

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"google.golang.org/api/gmail/v1"

	"activity-sync/internal/api"
	"activity-sync/internal/sources"
	activitysync "activity-sync/internal/sync"
)

// Bodies shorter than this are delivery receipts and reactions.
const minTextLength = 11

var textSubject = regexp.MustCompile(`(?i)^new text message from (.+)$`)

// TextProcessor maps text notification emails to Message records.
type TextProcessor struct {
	mailbox   *Mailbox
	blocklist *sources.Blocklist
}

func NewTextProcessor(mailbox *Mailbox, blocklist *sources.Blocklist) *TextProcessor {
	return &TextProcessor{mailbox: mailbox, blocklist: blocklist}
}

func (p *TextProcessor) Process(ctx context.Context, stub *gmail.Message, window activitysync.Window) (activitysync.Result, error) {
	msg, res, err := fetchInWindow(ctx, p.mailbox, stub, window)
	if msg == nil || err != nil {
		return res, err
	}

	h := headers(msg)
	m := textSubject.FindStringSubmatch(strings.TrimSpace(h["subject"]))
	if m == nil {
		return activitysync.Skip(), nil
	}

	phone, name := resolveContact(m[1], h["from"])
	if p.blocklist.BlocksPhone(phone) || p.blocklist.BlocksName(name) {
		return activitysync.Skip(), nil
	}

	body := extractBody(msg.Payload)
	if utf8.RuneCountInString(body) < minTextLength {
		return activitysync.Skip(), nil
	}

	return activitysync.Mapped(api.Message{
		MessageID:    msg.Id,
		OccurredDate: internalDate(msg),
		PhoneNumber:  phone,
		ContactName:  name,
		Direction:    "incoming",
		Body:         body,
		Attachments:  attachments(msg.Payload),
	}), nil
}

func attachments(part *gmail.MessagePart) []api.Attachment {
	if part == nil {
		return nil
	}
	var out []api.Attachment
	if part.Filename != "" && part.Body != nil {
		out = append(out, api.Attachment{
			Filename:  part.Filename,
			MimeType:  part.MimeType,
			SizeBytes: part.Body.Size,
			SourceRef: part.Body.AttachmentId,
		})
	}
	for _, child := range part.Parts {
		out = append(out, attachments(child)...)
	}
	return out
}
