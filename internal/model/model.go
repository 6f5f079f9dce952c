package model

import "time"

// Lock represents an editing lock held on a file by one WOPI session.
type Lock struct {
	FileID    string    `json:"file_id" dynamodbav:"file_id"`
	Token     string    `json:"lock_token" dynamodbav:"lock_token"`
	ExpiresAt time.Time `json:"expires_at" dynamodbav:"-"`
}

// Expired reports whether the lock is no longer valid at now.
func (l *Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Document is the metadata record of a document stored by the host.
type Document struct {
	ID        string    `json:"id" dynamodbav:"id"`
	Title     string    `json:"title" dynamodbav:"title"`
	OwnerID   string    `json:"owner_id" dynamodbav:"owner_id"`
	UpdatedAt time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

// DocumentUpdate carries the fields PutFile changes on a document.
type DocumentUpdate struct {
	UpdatedAt time.Time
}

// Version is a saved revision produced by the document-server callback.
type Version struct {
	ID        string    `json:"id" dynamodbav:"id"`
	FileID    string    `json:"file_id" dynamodbav:"file_id"`
	BlobKey   string    `json:"blob_key" dynamodbav:"blob_key"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"created_at"`
}

// CheckFileInfo is the WOPI CheckFileInfo response body.
type CheckFileInfo struct {
	BaseFileName            string `json:"BaseFileName"`
	OwnerID                 string `json:"OwnerId"`
	Size                    int64  `json:"Size"`
	UserID                  string `json:"UserId"`
	Version                 string `json:"Version"`
	LastModifiedTime        string `json:"LastModifiedTime,omitempty"`
	UserCanWrite            bool   `json:"UserCanWrite"`
	SupportsLocks           bool   `json:"SupportsLocks"`
	SupportsGetLock         bool   `json:"SupportsGetLock"`
	SupportsUpdate          bool   `json:"SupportsUpdate"`
	UserCanNotWriteRelative bool   `json:"UserCanNotWriteRelative"`
}
