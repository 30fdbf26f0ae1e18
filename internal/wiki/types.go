package wiki

import (
	"strconv"
	"time"
)

// Page is one addressable wiki resource discovered by enumeration.
type Page struct {
	// Title is the identifier decoded from the listing href. It is the key used
	// for URLs and filesystem paths.
	Title string `json:"title"`
	// DisplayTitle is the anchor text shown in the listing.
	DisplayTitle string `json:"display_title,omitempty"`
	// URLEncoding is the character encoding that decoded the identifier. Every
	// URL built for this page is encoded with it.
	URLEncoding string `json:"url_encoding"`
}

// Revision is one entry of a page's backup history, most recent first.
type Revision struct {
	ID          string    `json:"id"`
	Label       string    `json:"label,omitempty"`
	RetrievedAt time.Time `json:"timestamp"`
}

// Attachment is an uploaded file scoped to a page (refer).
type Attachment struct {
	Refer       string `json:"refer"`
	File        string `json:"file"`
	Age         int    `json:"age,omitempty"`
	URLEncoding string `json:"url_encoding"`
}

// AttachmentKey identifies an attachment independent of the encoding that
// discovered it.
type AttachmentKey struct {
	Refer string
	File  string
	Age   int
}

// Key returns the deduplication tuple for a.
func (a Attachment) Key() AttachmentKey {
	return AttachmentKey{Refer: a.Refer, File: a.File, Age: a.Age}
}

func (a Attachment) String() string {
	s := a.Refer + "/" + a.File
	if a.Age > 0 {
		s += "@" + strconv.Itoa(a.Age)
	}
	return s
}
