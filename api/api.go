package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/GetStream/duochat/api/validator"
	"github.com/GetStream/duochat/attachment"
	"github.com/GetStream/duochat/capture"
	"github.com/GetStream/duochat/chat"
)

// A SessionObserver is notified when websocket sessions open and close.
type SessionObserver interface {
	SessionOpened()
	SessionClosed()
}

// API provides the REST and websocket endpoints for the application.
type API struct {
	Logger    *slog.Logger
	Channel   *chat.Channel
	Directory chat.Directory
	Uploader  capture.Uploader
	Val       *validator.Validator
	// Sessions is optional.
	Sessions SessionObserver
	// Clock assigns message timestamps. Defaults to time.Now.
	Clock func() time.Time

	once   sync.Once
	mux    *http.ServeMux
	stamps *chat.Clock
}

// userHeader identifies the caller.
const userHeader = "X-User-ID"

// maxFormMemory is the part of a multipart upload kept in memory.
const maxFormMemory = 8 << 20

func (a *API) setupRoutes() {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.health)
	mux.HandleFunc("GET /users", a.listUsers)
	mux.HandleFunc("GET /users/{userID}", a.getUser)
	mux.HandleFunc("GET /conversations/{peerID}/messages", a.listMessages)
	mux.HandleFunc("POST /conversations/{peerID}/messages", a.createMessage)
	mux.HandleFunc("POST /conversations/{peerID}/attachments", a.createAttachment)
	mux.HandleFunc("GET /conversations/{peerID}/ws", a.conversationSocket)

	a.stamps = chat.NewClock(a.Clock)
	a.mux = mux
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.once.Do(a.setupRoutes)
	a.Logger.Info("Request received", "method", r.Method, "path", r.URL.Path)
	a.mux.ServeHTTP(w, r)
}

func (a *API) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.Logger.Error("Could not encode JSON body", "error", err.Error())
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, err error, msg string) {
	type response struct {
		Error string `json:"error"`
	}
	a.Logger.Error("Error", "error", err.Error())
	a.respond(w, status, response{Error: msg})
}

func (a *API) respondInvalid(w http.ResponseWriter, errs []validator.ValidationError) {
	type response struct {
		Errors []validator.ValidationError `json:"errors"`
	}
	a.respond(w, http.StatusBadRequest, &response{
		Errors: errs,
	})
}

func (a *API) validateBody(w http.ResponseWriter, s any) bool {
	if errs := a.Val.ValidateStruct(s); len(errs) > 0 {
		a.respondInvalid(w, errs)
		return false
	}
	return true
}

// caller returns the profile of the user making the request.
func (a *API) caller(w http.ResponseWriter, r *http.Request) (chat.Profile, bool) {
	id := r.Header.Get(userHeader)
	if errs := a.Val.Validate(id, "participant"); len(errs) > 0 {
		a.respondError(w, http.StatusUnauthorized, errors.New("missing or invalid caller"), "Missing or invalid "+userHeader+" header")
		return chat.Profile{}, false
	}
	p, err := a.Directory.Profile(r.Context(), id)
	if errors.Is(err, chat.ErrProfileNotFound) {
		a.respondError(w, http.StatusUnauthorized, err, "Unknown user")
		return chat.Profile{}, false
	}
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not look up user")
		return chat.Profile{}, false
	}
	return p, true
}

// conversation resolves the caller and the peer named in the path.
func (a *API) conversation(w http.ResponseWriter, r *http.Request) (self chat.Profile, peer chat.Profile, key chat.ConversationKey, ok bool) {
	self, ok = a.caller(w, r)
	if !ok {
		return
	}
	ok = false
	peerID := r.PathValue("peerID")
	if errs := a.Val.Validate(peerID, "participant"); len(errs) > 0 {
		a.respondInvalid(w, errs)
		return
	}
	key, err := chat.NewConversationKey(self.ID, peerID)
	if err != nil {
		a.respondError(w, http.StatusBadRequest, err, "Cannot open a conversation with yourself")
		return
	}
	peer, err = a.Directory.Profile(r.Context(), peerID)
	if errors.Is(err, chat.ErrProfileNotFound) {
		a.respondError(w, http.StatusNotFound, err, "Unknown peer")
		return
	}
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not look up peer")
		return
	}
	return self, peer, key, true
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	a.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Users []User `json:"users"`
	}

	self, ok := a.caller(w, r)
	if !ok {
		return
	}
	profiles, err := a.Directory.Profiles(r.Context())
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not list users")
		return
	}
	users := make([]User, 0, len(profiles))
	for _, p := range profiles {
		if p.ID == self.ID {
			continue
		}
		users = append(users, newUser(p))
	}
	a.respond(w, http.StatusOK, response{Users: users})
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.caller(w, r); !ok {
		return
	}
	p, err := a.Directory.Profile(r.Context(), r.PathValue("userID"))
	if errors.Is(err, chat.ErrProfileNotFound) {
		a.respondError(w, http.StatusNotFound, err, "User not found")
		return
	}
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not look up user")
		return
	}
	a.respond(w, http.StatusOK, newUser(p))
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Messages []Message `json:"messages"`
	}

	_, _, key, ok := a.conversation(w, r)
	if !ok {
		return
	}
	msgs, err := a.Channel.Snapshot(r.Context(), key)
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not list messages")
		return
	}
	a.Logger.Info("Got messages", "conversation", key.String(), "count", len(msgs))
	a.respond(w, http.StatusOK, response{Messages: newMessages(msgs)})
}

func (a *API) createMessage(w http.ResponseWriter, r *http.Request) {
	type request struct {
		Text string `json:"text" validate:"notblank,max=4000"`
	}

	self, peer, _, ok := a.conversation(w, r)
	if !ok {
		return
	}

	var body request
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.respondError(w, http.StatusBadRequest, err, "Could not decode request body")
		return
	}
	if valid := a.validateBody(w, &body); !valid {
		return
	}

	msg, err := a.Channel.Append(r.Context(), chat.Message{
		SenderID:   self.ID,
		ReceiverID: peer.ID,
		Payload:    chat.TextPayload(body.Text),
		Timestamp:  a.stamps.Stamp(self.ID),
	})
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not insert message")
		return
	}
	a.respond(w, http.StatusCreated, newMessage(msg))
}

func (a *API) createAttachment(w http.ResponseWriter, r *http.Request) {
	self, peer, _, ok := a.conversation(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		a.respondError(w, http.StatusBadRequest, err, "Could not parse multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()
	files := r.MultipartForm.File["file"]
	if len(files) != 1 {
		a.respondInvalid(w, []validator.ValidationError{{Field: "file", Message: "exactly one file is required"}})
		return
	}

	m := capture.New(self.ID, nil, a.Uploader, a.Logger)
	if err := m.SelectFile(formFile{fh: files[0]}); err != nil {
		a.respondError(w, http.StatusBadRequest, err, "Could not select file")
		return
	}
	att, err := m.Commit(r.Context())
	if err != nil {
		status, msg := uploadStatus(err)
		a.respondError(w, status, err, msg)
		return
	}

	msg, err := a.Channel.Append(r.Context(), chat.Message{
		SenderID:   self.ID,
		ReceiverID: peer.ID,
		Payload:    chat.FilePayload(att.Locator, att.ContentType),
		Timestamp:  a.stamps.Stamp(self.ID),
	})
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not insert message")
		return
	}
	a.respond(w, http.StatusCreated, newMessage(msg))
}

func uploadStatus(err error) (int, string) {
	switch {
	case attachment.IsKind(err, attachment.QuotaExceeded):
		return http.StatusRequestEntityTooLarge, "Attachment is too large"
	case attachment.IsKind(err, attachment.Rejected):
		return http.StatusUnprocessableEntity, "Attachment was rejected"
	}
	return http.StatusBadGateway, "Could not upload attachment"
}
