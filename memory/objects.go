package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/GetStream/duochat/attachment"
)

type object struct {
	contentType string
	data        []byte
}

// Objects is an in-process object store. Objects are resolved to BaseURL
// followed by their path, and served by ServeHTTP.
type Objects struct {
	BaseURL string
	// Quota limits the total stored bytes. Zero means no limit.
	Quota int64

	mu      sync.RWMutex
	used    int64
	objects map[string]object
}

var _ attachment.ObjectStore = (*Objects)(nil)

// NewObjects returns an empty object store resolving locators under baseURL.
func NewObjects(baseURL string) *Objects {
	return &Objects{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		objects: make(map[string]object),
	}
}

// Put stores the object at path. The object becomes visible only once the
// whole body was read.
func (o *Objects) Put(ctx context.Context, path, contentType string, body io.Reader, size int64) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", attachment.ErrRejected)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("%w: got %d bytes, want %d", attachment.ErrRejected, len(data), size)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.objects == nil {
		o.objects = make(map[string]object)
	}
	used := o.used
	if prev, ok := o.objects[path]; ok {
		used -= int64(len(prev.data))
	}
	if o.Quota > 0 && used+int64(len(data)) > o.Quota {
		return fmt.Errorf("%w: %d of %d bytes used", attachment.ErrQuotaExceeded, o.used, o.Quota)
	}
	o.objects[path] = object{contentType: contentType, data: data}
	o.used = used + int64(len(data))
	return nil
}

// Resolve returns the URL of the object at path.
func (o *Objects) Resolve(ctx context.Context, path string) (string, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if _, ok := o.objects[path]; !ok {
		return "", fmt.Errorf("%w: %s", attachment.ErrObjectNotFound, path)
	}
	return o.BaseURL + "/" + path, nil
}

// Delete removes the object at path. Deleting a missing object is not an
// error.
func (o *Objects) Delete(ctx context.Context, path string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.objects[path]; ok {
		o.used -= int64(len(prev.data))
		delete(o.objects, path)
	}
	return nil
}

// Get returns the object stored at path.
func (o *Objects) Get(path string) (data []byte, contentType string, ok bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	obj, ok := o.objects[path]
	if !ok {
		return nil, "", false
	}
	return bytes.Clone(obj.data), obj.contentType, true
}

// Len returns the number of stored objects.
func (o *Objects) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.objects)
}

// ServeHTTP serves objects by path. Mount it with http.StripPrefix.
func (o *Objects) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, contentType, ok := o.Get(strings.TrimPrefix(r.URL.Path, "/"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(data)
}
