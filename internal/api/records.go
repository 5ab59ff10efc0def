package api

import "time"

// RecordType names a family of canonical records. The backend stores each
// family behind its own batch endpoint.
type RecordType string

const (
	RecordTypeCall               RecordType = "calls"
	RecordTypeMessage            RecordType = "messages"
	RecordTypeChatMessage        RecordType = "chat_messages"
	RecordTypeRide               RecordType = "rides"
	RecordTypeTransaction        RecordType = "transactions"
	RecordTypeRecruitmentMessage RecordType = "recruitment_messages"
)

// Record is a normalized, provider-agnostic activity event.
type Record interface {
	RecordType() RecordType
	RecordID() string
	OccurredAt() time.Time
}

type Call struct {
	CallID          string    `json:"call_id"`
	OccurredDate    time.Time `json:"occurred_date"`
	PhoneNumber     string    `json:"phone_number"`
	ContactName     string    `json:"contact_name,omitempty"`
	Direction       string    `json:"direction"` // incoming, outgoing, missed
	DurationSeconds int       `json:"duration_seconds"`
}

func (c Call) RecordType() RecordType { return RecordTypeCall }
func (c Call) RecordID() string       { return c.CallID }
func (c Call) OccurredAt() time.Time  { return c.OccurredDate }

type Message struct {
	MessageID    string       `json:"message_id"`
	OccurredDate time.Time    `json:"occurred_date"`
	PhoneNumber  string       `json:"phone_number"`
	ContactName  string       `json:"contact_name,omitempty"`
	Direction    string       `json:"direction"`
	Body         string       `json:"body"`
	Attachments  []Attachment `json:"attachments,omitempty"`
}

func (m Message) RecordType() RecordType { return RecordTypeMessage }
func (m Message) RecordID() string       { return m.MessageID }
func (m Message) OccurredAt() time.Time  { return m.OccurredDate }

type Attachment struct {
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	SourceRef string `json:"source_ref,omitempty"` // provider handle for lazy download
}

type ChatMessage struct {
	ChatMessageID  string    `json:"chat_message_id"`
	OccurredDate   time.Time `json:"occurred_date"`
	GroupID        string    `json:"group_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	Text           string    `json:"text"`
	AttachmentURLs []string  `json:"attachment_urls,omitempty"`
}

func (m ChatMessage) RecordType() RecordType { return RecordTypeChatMessage }
func (m ChatMessage) RecordID() string       { return m.ChatMessageID }
func (m ChatMessage) OccurredAt() time.Time  { return m.OccurredDate }

type Ride struct {
	RideID          string    `json:"ride_id"`
	OccurredDate    time.Time `json:"occurred_date"`
	Provider        string    `json:"provider"`
	PickupAddress   string    `json:"pickup_address"`
	DropoffAddress  string    `json:"dropoff_address"`
	DistanceMiles   float64   `json:"distance_miles"`
	DurationSeconds int       `json:"duration_seconds"`
	Amount          float64   `json:"amount"`
	Currency        string    `json:"currency"`
}

func (r Ride) RecordType() RecordType { return RecordTypeRide }
func (r Ride) RecordID() string       { return r.RideID }
func (r Ride) OccurredAt() time.Time  { return r.OccurredDate }

type Transaction struct {
	TransactionID string    `json:"transaction_id"`
	OccurredDate  time.Time `json:"occurred_date"`
	AccountName   string    `json:"account_name"`
	Description   string    `json:"description"`
	Merchant      string    `json:"merchant,omitempty"`
	Category      string    `json:"category,omitempty"`
	Amount        float64   `json:"amount"` // negative for money out
}

func (t Transaction) RecordType() RecordType { return RecordTypeTransaction }
func (t Transaction) RecordID() string       { return t.TransactionID }
func (t Transaction) OccurredAt() time.Time  { return t.OccurredDate }

type RecruitmentMessage struct {
	RecruitmentMessageID string    `json:"recruitment_message_id"`
	OccurredDate         time.Time `json:"occurred_date"`
	ConversationID       string    `json:"conversation_id"`
	SenderName           string    `json:"sender_name"`
	SenderHeadline       string    `json:"sender_headline,omitempty"`
	Subject              string    `json:"subject,omitempty"`
	Body                 string    `json:"body"`
}

func (m RecruitmentMessage) RecordType() RecordType { return RecordTypeRecruitmentMessage }
func (m RecruitmentMessage) RecordID() string       { return m.RecruitmentMessageID }
func (m RecruitmentMessage) OccurredAt() time.Time  { return m.OccurredDate }
