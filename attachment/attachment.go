// Package attachment stores voice notes and file attachments in an object
// store and returns locators that messages can reference.
package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// A Category selects the namespace an attachment is stored under.
type Category int

const (
	Voice Category = iota + 1
	File
)

func (c Category) String() string {
	switch c {
	case Voice:
		return "voice"
	case File:
		return "file"
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// Namespace returns the object key prefix of the category.
func (c Category) Namespace() string {
	switch c {
	case Voice:
		return "voiceNotes"
	case File:
		return "files"
	}
	return ""
}

// VoiceContentType is the content type of recorded voice notes.
const VoiceContentType = "audio/mpeg"

const defaultContentType = "application/octet-stream"

// A Source is a payload to upload. Open is called once per upload attempt, so
// the payload is only read when it is stored.
type Source interface {
	Name() string
	ContentType() string
	// Size is the payload length in bytes, or -1 when unknown.
	Size() int64
	Open() (io.ReadCloser, error)
}

type bytesSource struct {
	name        string
	contentType string
	data        []byte
}

// Bytes returns a Source reading from b.
func Bytes(name, contentType string, b []byte) Source {
	return &bytesSource{name: name, contentType: contentType, data: b}
}

func (b *bytesSource) Name() string        { return b.name }
func (b *bytesSource) ContentType() string { return b.contentType }
func (b *bytesSource) Size() int64         { return int64(len(b.data)) }

func (b *bytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

// An ObjectStore persists binary objects by path.
//
// Put must return an error wrapping ErrQuotaExceeded or ErrRejected when the
// store refuses the object; any other error is treated as a network failure.
type ObjectStore interface {
	Put(ctx context.Context, path, contentType string, body io.Reader, size int64) error
	Resolve(ctx context.Context, path string) (string, error)
	Delete(ctx context.Context, path string) error
}

// Stored describes a durably stored attachment.
type Stored struct {
	Path        string
	Locator     string
	ContentType string
	Size        int64
}

// An Observer is notified after every upload attempt.
type Observer interface {
	Uploaded(category Category, size int64, err error)
}

// Uploader stores attachments in an ObjectStore. It holds no per-call state.
type Uploader struct {
	store    ObjectStore
	logger   *slog.Logger
	observer Observer
	maxSize  int64
	now      func() time.Time
	newID    func() string
}

// An Option configures an Uploader.
type Option func(*Uploader)

// WithLogger sets the logger used by the uploader.
func WithLogger(l *slog.Logger) Option {
	return func(u *Uploader) { u.logger = l }
}

// WithMaxSize limits the payload size. Zero means no limit.
func WithMaxSize(n int64) Option {
	return func(u *Uploader) { u.maxSize = n }
}

// WithObserver sets the observer notified of uploads.
func WithObserver(o Observer) Option {
	return func(u *Uploader) { u.observer = o }
}

// WithClock sets the clock used to name voice notes.
func WithClock(now func() time.Time) Option {
	return func(u *Uploader) { u.now = now }
}

// NewUploader returns an uploader writing to store.
func NewUploader(store ObjectStore, opts ...Option) *Uploader {
	u := &Uploader{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// sniffLen is the number of leading bytes used to detect a content type.
const sniffLen = 3072

// Store uploads src for owner under category. On success the returned locator
// resolves to exactly the submitted bytes. On failure no object is left at
// the attempted path and the error is an *UploadError.
func (u *Uploader) Store(ctx context.Context, owner string, src Source, category Category) (Stored, error) {
	stored, err := u.put(ctx, owner, src, category)
	size := stored.Size
	if err != nil && src != nil {
		size = src.Size()
	}
	if u.observer != nil {
		u.observer.Uploaded(category, size, err)
	}
	if err != nil {
		u.logger.Error("Could not store attachment", "category", category.String(), "owner", owner, "error", err.Error())
		return Stored{}, err
	}
	u.logger.Info("Attachment stored", "category", category.String(), "path", stored.Path, "content_type", stored.ContentType)
	return stored, nil
}

func (u *Uploader) put(ctx context.Context, owner string, src Source, category Category) (Stored, error) {
	switch {
	case category.Namespace() == "":
		return Stored{}, &UploadError{Kind: Rejected, Category: category, Err: errors.New("unknown category")}
	case owner == "":
		return Stored{}, &UploadError{Kind: Rejected, Category: category, Err: errors.New("owner is required")}
	case src == nil || src.Size() == 0:
		return Stored{}, &UploadError{Kind: Rejected, Category: category, Err: errors.New("empty payload")}
	case u.maxSize > 0 && src.Size() > u.maxSize:
		return Stored{}, &UploadError{Kind: QuotaExceeded, Category: category,
			Err: fmt.Errorf("%w: %d bytes exceeds %d", ErrQuotaExceeded, src.Size(), u.maxSize)}
	}

	rc, err := src.Open()
	if err != nil {
		return Stored{}, &UploadError{Kind: Rejected, Category: category, Err: fmt.Errorf("open payload: %w", err)}
	}
	defer rc.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(rc, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Stored{}, &UploadError{Kind: Rejected, Category: category, Err: fmt.Errorf("read payload: %w", err)}
	}
	head = head[:n]
	if n == 0 {
		return Stored{}, &UploadError{Kind: Rejected, Category: category, Err: errors.New("empty payload")}
	}

	contentType := src.ContentType()
	if contentType == "" || contentType == defaultContentType {
		contentType = mimetype.Detect(head).String()
	}

	p := u.objectPath(owner, src.Name(), contentType, category)
	body := &countingReader{r: io.MultiReader(bytes.NewReader(head), rc), limit: u.maxSize}
	if err := u.store.Put(ctx, p, contentType, body, src.Size()); err != nil {
		u.discard(ctx, p)
		if body.exceeded {
			err = fmt.Errorf("%w: payload exceeds %d bytes", ErrQuotaExceeded, u.maxSize)
		}
		return Stored{}, classify(category, err)
	}
	if body.exceeded {
		u.discard(ctx, p)
		return Stored{}, &UploadError{Kind: QuotaExceeded, Category: category,
			Err: fmt.Errorf("%w: payload exceeds %d bytes", ErrQuotaExceeded, u.maxSize)}
	}

	locator, err := u.store.Resolve(ctx, p)
	if err != nil {
		u.discard(ctx, p)
		return Stored{}, classify(category, fmt.Errorf("resolve: %w", err))
	}
	return Stored{Path: p, Locator: locator, ContentType: contentType, Size: body.n}, nil
}

// discard removes a partially written object. It runs even when ctx is done.
func (u *Uploader) discard(ctx context.Context, p string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := u.store.Delete(ctx, p); err != nil {
		u.logger.Warn("Could not delete failed upload", "path", p, "error", err.Error())
	}
}

func (u *Uploader) objectPath(owner, name, contentType string, category Category) string {
	id := u.newID()
	if category == Voice {
		ext := ".mp3"
		if mt := mimetype.Lookup(contentType); mt != nil && mt.Extension() != "" {
			ext = mt.Extension()
		}
		return fmt.Sprintf("%s/%d_%s_%s%s", category.Namespace(), u.now().UnixMilli(), owner, id, ext)
	}
	return path.Join(category.Namespace(), owner, id+"_"+cleanName(name))
}

// cleanName reduces a client supplied file name to a single path element.
func cleanName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return "file"
	}
	return name
}

type countingReader struct {
	r        io.Reader
	n        int64
	limit    int64
	exceeded bool
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.limit > 0 && c.n > c.limit {
		c.exceeded = true
		return n, fmt.Errorf("%w: payload exceeds %d bytes", ErrQuotaExceeded, c.limit)
	}
	return n, err
}
