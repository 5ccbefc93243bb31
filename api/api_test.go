package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/neilotoole/slogt"

	"github.com/GetStream/duochat/api/validator"
	"github.com/GetStream/duochat/attachment"
	"github.com/GetStream/duochat/chat"
	"github.com/GetStream/duochat/memory"
)

var testTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testDirectory() *memory.Directory {
	return memory.NewDirectory(
		chat.Profile{ID: "alice", Name: "Alice", Email: "alice@example.com"},
		chat.Profile{ID: "bob", Name: "Bob", Email: "bob@example.com"},
		chat.Profile{ID: "carol", Name: "Carol"},
	)
}

func newTestAPI(t *testing.T, backend chat.Backend, objects attachment.ObjectStore) *API {
	t.Helper()
	logger := slogt.New(t)
	if objects == nil {
		objects = memory.NewObjects("http://objects.test")
	}
	return &API{
		Logger:    logger,
		Channel:   chat.NewChannel(backend, chat.WithLogger(logger), chat.WithBackoff(time.Millisecond, 10*time.Millisecond)),
		Directory: testDirectory(),
		Uploader:  attachment.NewUploader(objects, attachment.WithLogger(logger), attachment.WithMaxSize(1024)),
		Val:       validator.New(),
		Clock:     func() time.Time { return testTime },
	}
}

func doRequest(t *testing.T, api *API, method, path, caller string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	req, _ := http.NewRequest(method, srv.URL+path, body)
	if caller != "" {
		req.Header.Set(userHeader, caller)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAPI_listUsers(t *testing.T) {
	tests := []struct {
		name       string
		caller     string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "NoCaller",
			wantStatus: 401,
			wantBody: `{
				"error": "Missing or invalid X-User-ID header"
			}`,
		},
		{
			name:       "UnknownCaller",
			caller:     "mallory",
			wantStatus: 401,
			wantBody: `{
				"error": "Unknown user"
			}`,
		},
		{
			name:       "ExcludesCaller",
			caller:     "bob",
			wantStatus: 200,
			wantBody: `{
				"users": [
					{"id": "alice", "name": "Alice", "email": "alice@example.com"},
					{"id": "carol", "name": "Carol"}
				]
			}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t, &testbackend{T: t}, nil)
			resp := doRequest(t, api, "GET", "/users", tt.caller, nil, "")
			checkStatus(t, resp.StatusCode, tt.wantStatus)
			checkBody(t, resp, tt.wantBody)
		})
	}
}

func TestAPI_getUser(t *testing.T) {
	api := newTestAPI(t, &testbackend{T: t}, nil)

	resp := doRequest(t, api, "GET", "/users/carol", "alice", nil, "")
	checkStatus(t, resp.StatusCode, 200)
	checkBody(t, resp, `{"id": "carol", "name": "Carol"}`)

	resp = doRequest(t, api, "GET", "/users/nobody", "alice", nil, "")
	checkStatus(t, resp.StatusCode, 404)
	checkBody(t, resp, `{"error": "User not found"}`)
}

func TestAPI_listMessages(t *testing.T) {
	tests := []struct {
		name       string
		peer       string
		backend    *testbackend
		wantStatus int
		wantBody   string
	}{
		{
			name: "DBError",
			peer: "bob",
			backend: &testbackend{
				queryMessages: func(t *testing.T, q chat.Query) ([]chat.Message, error) {
					return nil, errors.New("something went wrong")
				},
			},
			wantStatus: 500,
			wantBody: `{
				"error": "Could not list messages"
			}`,
		},
		{
			name:       "Self",
			peer:       "alice",
			backend:    &testbackend{},
			wantStatus: 400,
			wantBody: `{
				"error": "Cannot open a conversation with yourself"
			}`,
		},
		{
			name:       "UnknownPeer",
			peer:       "nobody",
			backend:    &testbackend{},
			wantStatus: 404,
			wantBody: `{
				"error": "Unknown peer"
			}`,
		},
		{
			name: "Empty",
			peer: "bob",
			backend: &testbackend{
				queryMessages: func(t *testing.T, q chat.Query) ([]chat.Message, error) {
					return nil, nil
				},
			},
			wantStatus: 200,
			wantBody: `{
				"messages": []
			}`,
		},
		{
			name: "OrderedAndFiltered",
			peer: "bob",
			backend: &testbackend{
				queryMessages: func(t *testing.T, q chat.Query) ([]chat.Message, error) {
					return []chat.Message{
						{
							ID: "2", SenderID: "bob", ReceiverID: "alice",
							Payload: chat.TextPayload("World"), Timestamp: testTime.Add(time.Second), Seq: 2,
						},
						{
							ID: "1", SenderID: "alice", ReceiverID: "bob",
							Payload: chat.TextPayload("Hello"), Timestamp: testTime, Seq: 1,
						},
						{
							// Matches the membership predicates but is not part of the pair.
							ID: "3", SenderID: "alice", ReceiverID: "alice",
							Payload: chat.TextPayload("Note to self"), Timestamp: testTime, Seq: 3,
						},
					}, nil
				},
			},
			wantStatus: 200,
			wantBody: `{
				"messages": [
					{
						"id": "1",
						"sender_id": "alice",
						"receiver_id": "bob",
						"text": "Hello",
						"timestamp": "2024-01-01T00:00:00.000Z",
						"seq": 1
					},
					{
						"id": "2",
						"sender_id": "bob",
						"receiver_id": "alice",
						"text": "World",
						"timestamp": "2024-01-01T00:00:01.000Z",
						"seq": 2
					}
				]
			}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.backend.T = t
			api := newTestAPI(t, tt.backend, nil)
			resp := doRequest(t, api, "GET", "/conversations/"+tt.peer+"/messages", "alice", nil, "")
			checkStatus(t, resp.StatusCode, tt.wantStatus)
			checkBody(t, resp, tt.wantBody)
		})
	}
}

func TestAPI_createMessage(t *testing.T) {
	tests := []struct {
		name       string
		backend    *testbackend
		req        string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "InvalidJSON",
			backend:    &testbackend{},
			req:        `not json`,
			wantStatus: 400,
			wantBody: `{
				"error": "Could not decode request body"
			}`,
		},
		{
			name:       "BlankText",
			backend:    &testbackend{},
			req:        `{"text": "   "}`,
			wantStatus: 400,
			wantBody: `{
				"errors": [
					{"field": "text", "message": "must not be blank"}
				]
			}`,
		},
		{
			name: "DBError",
			req:  `{"text": "hello"}`,
			backend: &testbackend{
				insertMessage: func(t *testing.T, msg chat.Message) (chat.Message, error) {
					return chat.Message{}, errors.New("something went wrong")
				},
			},
			wantStatus: 500,
			wantBody: `{
				"error": "Could not insert message"
			}`,
		},
		{
			name: "OK",
			req:  `{"text": "hello"}`,
			backend: &testbackend{
				insertMessage: func(t *testing.T, msg chat.Message) (chat.Message, error) {
					if msg.SenderID != "alice" || msg.ReceiverID != "bob" {
						t.Errorf("Inserted %s -> %s, want alice -> bob", msg.SenderID, msg.ReceiverID)
					}
					msg.ID = "1"
					msg.Seq = 7
					return msg, nil
				},
			},
			wantStatus: 201,
			wantBody: `{
				"id": "1",
				"sender_id": "alice",
				"receiver_id": "bob",
				"text": "hello",
				"timestamp": "2024-01-01T00:00:00.000Z",
				"seq": 7
			}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.backend.T = t
			api := newTestAPI(t, tt.backend, nil)
			resp := doRequest(t, api, "POST", "/conversations/bob/messages", "alice", strings.NewReader(tt.req), "application/json")
			checkStatus(t, resp.StatusCode, tt.wantStatus)
			checkBody(t, resp, tt.wantBody)
		})
	}
}

func multipartBody(t *testing.T, name, contentType string, data []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestAPI_createAttachment(t *testing.T) {
	pdf := []byte("%PDF-1.4\n% test document\n")

	t.Run("OK", func(t *testing.T) {
		objects := memory.NewObjects("http://objects.test")
		var inserted []chat.Message
		backend := &testbackend{
			T: t,
			insertMessage: func(t *testing.T, msg chat.Message) (chat.Message, error) {
				path := strings.TrimPrefix(msg.FileLocator, "http://objects.test/")
				if _, _, ok := objects.Get(path); !ok {
					t.Errorf("Message references %s before the object exists", msg.FileLocator)
				}
				msg.ID = "1"
				msg.Seq = 1
				inserted = append(inserted, msg)
				return msg, nil
			},
		}
		api := newTestAPI(t, backend, objects)

		body, ct := multipartBody(t, "report.pdf", "application/pdf", pdf)
		resp := doRequest(t, api, "POST", "/conversations/bob/attachments", "alice", body, ct)
		checkStatus(t, resp.StatusCode, 201)

		var got Message
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(got.FileLocator, "http://objects.test/files/alice/") || !strings.HasSuffix(got.FileLocator, "_report.pdf") {
			t.Errorf("FileLocator = %q, want a locator under files/alice", got.FileLocator)
		}
		if got.FileMimeType != "application/pdf" {
			t.Errorf("FileMimeType = %q, want application/pdf", got.FileMimeType)
		}
		if len(inserted) != 1 {
			t.Errorf("Inserted %d messages, want 1", len(inserted))
		}
	})

	t.Run("TooLarge", func(t *testing.T) {
		backend := &testbackend{T: t}
		api := newTestAPI(t, backend, nil)

		body, ct := multipartBody(t, "big.bin", "application/octet-stream", bytes.Repeat([]byte{1}, 2048))
		resp := doRequest(t, api, "POST", "/conversations/bob/attachments", "alice", body, ct)
		checkStatus(t, resp.StatusCode, 413)
		checkBody(t, resp, `{"error": "Attachment is too large"}`)
	})

	t.Run("StoreDown", func(t *testing.T) {
		backend := &testbackend{T: t}
		objects := &testobjects{put: func(path string) error { return errors.New("connection refused") }}
		api := newTestAPI(t, backend, objects)

		body, ct := multipartBody(t, "report.pdf", "application/pdf", pdf)
		resp := doRequest(t, api, "POST", "/conversations/bob/attachments", "alice", body, ct)
		checkStatus(t, resp.StatusCode, 502)
		checkBody(t, resp, `{"error": "Could not upload attachment"}`)
	})

	t.Run("MissingFile", func(t *testing.T) {
		api := newTestAPI(t, &testbackend{T: t}, nil)

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		_ = mw.WriteField("note", "no file here")
		_ = mw.Close()
		resp := doRequest(t, api, "POST", "/conversations/bob/attachments", "alice", &buf, mw.FormDataContentType())
		checkStatus(t, resp.StatusCode, 400)
		checkBody(t, resp, `{"errors": [{"field": "file", "message": "exactly one file is required"}]}`)
	})
}

// testbackend fails the test on any call it has no function for.
type testbackend struct {
	T             *testing.T
	insertMessage func(t *testing.T, msg chat.Message) (chat.Message, error)
	queryMessages func(t *testing.T, q chat.Query) ([]chat.Message, error)
}

func (b *testbackend) InsertMessage(_ context.Context, msg chat.Message) (chat.Message, error) {
	if b.insertMessage == nil {
		b.T.Error("Unexpected InsertMessage call")
		return chat.Message{}, errors.New("unexpected call")
	}
	return b.insertMessage(b.T, msg)
}

func (b *testbackend) QueryMessages(_ context.Context, q chat.Query) ([]chat.Message, error) {
	if b.queryMessages == nil {
		b.T.Error("Unexpected QueryMessages call")
		return nil, errors.New("unexpected call")
	}
	return b.queryMessages(b.T, q)
}

func (b *testbackend) Watch(_ context.Context, _ chat.Query) (chat.Watch, error) {
	b.T.Error("Unexpected Watch call")
	return nil, errors.New("unexpected call")
}

type testobjects struct {
	put func(path string) error
}

func (o *testobjects) Put(_ context.Context, path, _ string, body io.Reader, _ int64) error {
	_, _ = io.Copy(io.Discard, body)
	return o.put(path)
}

func (o *testobjects) Resolve(_ context.Context, path string) (string, error) {
	return "", attachment.ErrObjectNotFound
}

func (o *testobjects) Delete(context.Context, string) error { return nil }

func checkStatus(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("Got HTTP status %d, want %d", got, want)
	}
}

func checkBody(t *testing.T, resp *http.Response, want string) {
	t.Helper()
	gotBody := normalizeJSON(t, resp.Body)
	wantBody := normalizeJSON(t, bytes.NewReader([]byte(want)))
	if gotBody != wantBody {
		t.Errorf("Body does not match\nGot\n  %s\n\nWant\n  %s", gotBody, wantBody)
	}
}

func normalizeJSON(t *testing.T, r io.Reader) string {
	t.Helper()
	var v any
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		t.Fatalf("Could not decode JSON: %v", err)
	}
	b, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		t.Fatalf("Could not indent JSON: %v", err)
	}
	return string(b)
}

func TestAPI_timestampsNeverGoBack(t *testing.T) {
	store := memory.NewStore()
	api := newTestAPI(t, store, nil)
	times := []time.Time{testTime.Add(5 * time.Second), testTime}
	api.Clock = func() time.Time {
		now := times[0]
		if len(times) > 1 {
			times = times[1:]
		}
		return now
	}

	resp := doRequest(t, api, "POST", "/conversations/bob/messages", "alice", strings.NewReader(`{"text": "first"}`), "application/json")
	checkStatus(t, resp.StatusCode, 201)
	body, contentType := multipartBody(t, "notes.txt", "text/plain", []byte("second"))
	resp = doRequest(t, api, "POST", "/conversations/bob/attachments", "alice", body, contentType)
	checkStatus(t, resp.StatusCode, 201)

	key, _ := chat.NewConversationKey("alice", "bob")
	msgs, err := api.Channel.Snapshot(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Messages = %d, want 2", len(msgs))
	}
	if msgs[1].Timestamp.Before(msgs[0].Timestamp) || msgs[1].Payload.FileLocator == "" {
		t.Errorf("Messages = %+v, want the attachment last with a timestamp no earlier than the text", msgs)
	}
}
