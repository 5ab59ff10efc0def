package gmail

import (
	"google.golang.org/api/gmail/v1"

	"activity-sync/internal/api"
	"activity-sync/internal/sources"
	activitysync "activity-sync/internal/sync"
)

type Options struct {
	CallsLabel string
	TextsLabel string
	PageSize   int
	Blocklist  *sources.Blocklist
	// Job carries lookback and engine limits shared by both jobs.
	Job activitysync.JobConfig
}

// NewProvider wires the calls and texts jobs to one mailbox.
func NewProvider(session *Session, mailbox *Mailbox, opts Options) activitysync.Provider {
	calls := opts.Job
	calls.Provider, calls.RecordType = Provider, api.RecordTypeCall
	texts := opts.Job
	texts.Provider, texts.RecordType = Provider, api.RecordTypeMessage

	return activitysync.Provider{
		Session: session,
		Jobs: []activitysync.Job{
			activitysync.NewJob[*gmail.Message](
				NewLabelSource(mailbox, opts.CallsLabel, opts.PageSize),
				NewCallProcessor(mailbox, opts.Blocklist),
				calls,
			),
			activitysync.NewJob[*gmail.Message](
				NewLabelSource(mailbox, opts.TextsLabel, opts.PageSize),
				NewTextProcessor(mailbox, opts.Blocklist),
				texts,
			),
		},
	}
}
