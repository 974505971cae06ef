package model

import (
	"io"
	"time"
)

// StateReceived is the lifecycle tag every freshly ingested record carries.
const StateReceived = "received"

// Message is a single candidate handed out by a mail source. It is only
// valid for the duration of the iteration step that produced it.
type Message struct {
	// NativeID is the source-assigned handle. It may change when the
	// message is moved inside the source.
	NativeID string
	// PermanentID survives relocation (Message-ID header). Empty when the
	// source has none.
	PermanentID string
	ReceivedAt  time.Time
	From        string
	To          []string
	Cc          []string
	Subject     string
	Body        string
	ThreadID    string
	InReplyTo   string
	Attachments []Attachment
	// AttachmentErrors counts attachment parts the source could not read.
	AttachmentErrors int
}

// Attachment describes one binary part of a message.
type Attachment struct {
	Filename string
	// SizeHint is what the source reports; the saver records the bytes it
	// actually wrote instead.
	SizeHint int64
	Open     func() (io.ReadCloser, error)
}

// AttachmentRecord is a persisted attachment as referenced by a Record.
type AttachmentRecord struct {
	Filename         string `yaml:"filename"`
	OriginalFilename string `yaml:"original_filename"`
	LocalPath        string `yaml:"local_path"`
	SizeBytes        int64  `yaml:"size_bytes"`
}

// Record is the durable local artifact produced for one message.
type Record struct {
	NativeID      string
	PermanentID   string
	ReceivedAt    time.Time
	From          string
	To            []string
	Cc            []string
	Subject       string
	ThreadID      string
	InReplyTo     string
	State         string
	NewContent    string
	QuotedContent string
	Attachments   []AttachmentRecord

	// Stem is the deterministic file name stem shared by the record file
	// and its attachments directory.
	Stem string
	// Path is where the record file is written.
	Path string
	// AttachmentErrors counts attachments that could not be saved.
	AttachmentErrors int
}
