package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/jun/wopihost/internal/adapter"
	"github.com/jun/wopihost/internal/model"
)

// DemoFileID is the document seeded into the in-memory stores in dev mode.
const DemoFileID = "demo"

// demoParts are the smallest set of parts Word and compatible editors open
// as a document.
var demoParts = []struct {
	name string
	body string
}{
	{"[Content_Types].xml", `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
<Default Extension="xml" ContentType="application/xml"/>
<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
</Types>`},
	{"_rels/.rels", `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>
</Relationships>`},
	{"word/document.xml", `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body><w:p><w:r><w:t>WOPI host demo document</w:t></w:r></w:p></w:body>
</w:document>`},
}

// demoDocument builds the demo .docx package.
func demoDocument(modified time.Time) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, part := range demoParts {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     part.name,
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", part.name, err)
		}
		if _, err := w.Write([]byte(part.body)); err != nil {
			return nil, fmt.Errorf("write %s: %w", part.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close demo package: %w", err)
	}
	return buf.Bytes(), nil
}

// seedDemoDocument stores the demo content under the blob key for
// DemoFileID unless something is already there.
func seedDemoDocument(ctx context.Context, blobs adapter.BlobStore, key string, now time.Time) error {
	data, err := demoDocument(now)
	if err != nil {
		return err
	}
	err = blobs.Upload(ctx, key, data, adapter.UploadOptions{Overwrite: false})
	if err != nil && !errors.Is(err, adapter.ErrAlreadyExists) {
		return fmt.Errorf("seed demo document: %w", err)
	}
	return nil
}

func demoMetadata(now time.Time) model.Document {
	return model.Document{
		ID:        DemoFileID,
		Title:     "Demo",
		OwnerID:   "demo-user",
		UpdatedAt: now,
	}
}
