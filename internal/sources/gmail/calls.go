package gmail

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"google.golang.org/api/gmail/v1"

	"activity-sync/internal/api"
	"activity-sync/internal/sources"
	activitysync "activity-sync/internal/sync"
)

var (
	callSubject  = regexp.MustCompile(`(?i)^(missed|incoming|outgoing) call (?:from|to) (.+)$`)
	callDuration = regexp.MustCompile(`Duration:\s*(?:(\d+):)?(\d+):(\d{2})`)
)

// CallProcessor maps call notification emails to Call records.
type CallProcessor struct {
	mailbox   *Mailbox
	blocklist *sources.Blocklist
}

func NewCallProcessor(mailbox *Mailbox, blocklist *sources.Blocklist) *CallProcessor {
	return &CallProcessor{mailbox: mailbox, blocklist: blocklist}
}

func (p *CallProcessor) Process(ctx context.Context, stub *gmail.Message, window activitysync.Window) (activitysync.Result, error) {
	msg, res, err := fetchInWindow(ctx, p.mailbox, stub, window)
	if msg == nil || err != nil {
		return res, err
	}

	h := headers(msg)
	m := callSubject.FindStringSubmatch(strings.TrimSpace(h["subject"]))
	if m == nil {
		// Voicemails and anything else filed under the label.
		return activitysync.Skip(), nil
	}

	phone, name := resolveContact(m[2], h["from"])
	if p.blocklist.BlocksPhone(phone) || p.blocklist.BlocksName(name) {
		return activitysync.Skip(), nil
	}

	return activitysync.Mapped(api.Call{
		CallID:          msg.Id,
		OccurredDate:    internalDate(msg),
		PhoneNumber:     phone,
		ContactName:     name,
		Direction:       strings.ToLower(m[1]),
		DurationSeconds: parseDuration(extractBody(msg.Payload) + "\n" + msg.Snippet),
	}), nil
}

// resolveContact splits the subject's party into a phone number and a
// contact name. Named contacts fall back to the number encoded in the
// forwarding address.
func resolveContact(who, from string) (phone, name string) {
	who = strings.TrimSpace(who)
	if phone = sources.NormalizePhone(who); phone != "" {
		return phone, ""
	}
	if isShortCode(who) {
		return who, ""
	}
	name = who
	if phone = sources.NormalizePhone(displayName(from)); phone != "" {
		return phone, name
	}
	local, _, _ := strings.Cut(parseEmailAddress(from), "@")
	first, _, _ := strings.Cut(local, ".")
	return sources.NormalizePhone(first), name
}

func parseDuration(text string) int {
	m := callDuration.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	hours, _ := strconv.Atoi(m[1])
	minutes, _ := strconv.Atoi(m[2])
	seconds, _ := strconv.Atoi(m[3])
	return hours*3600 + minutes*60 + seconds
}

func isShortCode(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
