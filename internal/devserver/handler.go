package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/courtside/chatsync/internal/logger"
	"github.com/courtside/chatsync/internal/model"
	"github.com/courtside/chatsync/internal/storage"
	"github.com/courtside/chatsync/internal/transport"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// Handler serves the REST and WebSocket surface of the dev backend.
type Handler struct {
	convRepo  *ConversationRepository
	msgRepo   *MessageRepository
	reactRepo *ReactionRepository
	presence  storage.PresenceStore
	hub       *Hub

	allowedOrigins string
}

func NewHandler(convRepo *ConversationRepository, msgRepo *MessageRepository, reactRepo *ReactionRepository, presence storage.PresenceStore, hub *Hub, allowedOrigins string) *Handler {
	return &Handler{
		convRepo:       convRepo,
		msgRepo:        msgRepo,
		reactRepo:      reactRepo,
		presence:       presence,
		hub:            hub,
		allowedOrigins: strings.TrimSpace(allowedOrigins),
	}
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind         string   `json:"kind"`
		Name         string   `json:"name"`
		CreatedBy    string   `json:"created_by"`
		Participants []string `json:"participants"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.CreatedBy == "" || len(req.Participants) == 0 {
		writeError(w, http.StatusBadRequest, "created_by and participants are required")
		return
	}
	kind := model.ConversationKind(req.Kind)
	switch kind {
	case model.ConversationDirect, model.ConversationGroup, model.ConversationNetwork:
	case "":
		kind = model.ConversationDirect
	default:
		writeError(w, http.StatusBadRequest, "unknown kind")
		return
	}
	conv := &model.Conversation{
		ID:        uuid.NewString(),
		Kind:      kind,
		Name:      req.Name,
		CreatedBy: req.CreatedBy,
		CreatedAt: time.Now().UTC(),
	}
	participants := req.Participants
	if !contains(participants, req.CreatedBy) {
		participants = append(participants, req.CreatedBy)
	}
	if err := h.convRepo.Create(r.Context(), conv, participants); err != nil {
		logger.Errorf("create conversation: %v", err)
		writeError(w, http.StatusInternalServerError, "create conversation failed")
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	playerID := r.URL.Query().Get("player_id")
	if playerID == "" {
		writeError(w, http.StatusBadRequest, "player_id is required")
		return
	}
	convs, err := h.convRepo.ListForPlayer(r.Context(), playerID)
	if err != nil {
		logger.Errorf("list conversations player=%s: %v", playerID, err)
		writeError(w, http.StatusInternalServerError, "list conversations failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (h *Handler) SetFlag(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	var req struct {
		PlayerID string `json:"player_id"`
		Flag     string `json:"flag"`
		On       bool   `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	err := h.convRepo.SetFlag(r.Context(), conversationID, req.PlayerID, model.ConversationFlag(req.Flag), req.On)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "participant not found")
		return
	}
	if err != nil {
		logger.Errorf("set flag conv=%s: %v", conversationID, err)
		writeError(w, http.StatusInternalServerError, "set flag failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) LeaveConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	var req struct {
		PlayerID string `json:"player_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	err := h.convRepo.Leave(r.Context(), conversationID, req.PlayerID, time.Now().UTC())
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "participant not found")
		return
	}
	if err != nil {
		logger.Errorf("leave conv=%s: %v", conversationID, err)
		writeError(w, http.StatusInternalServerError, "leave failed")
		return
	}
	h.hub.Broadcast(conversationID, transport.Event{
		Type:           transport.EventParticipantRemoved,
		ConversationID: conversationID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	var req struct {
		SenderID    string `json:"sender_id"`
		Content     string `json:"content"`
		ClientMsgID string `json:"client_msg_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.SenderID == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "sender_id and content are required")
		return
	}
	ok, err := h.convRepo.IsParticipant(r.Context(), conversationID, req.SenderID)
	if err != nil {
		logger.Errorf("send membership conv=%s: %v", conversationID, err)
		writeError(w, http.StatusInternalServerError, "send failed")
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}
	clientMsgID := req.ClientMsgID
	if clientMsgID == "" {
		clientMsgID = uuid.NewString()
	}
	msg, err := h.msgRepo.Create(r.Context(), &model.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       req.SenderID,
		Content:        req.Content,
		ClientMsgID:    clientMsgID,
		Status:         model.MessageStatusSent,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		logger.Errorf("send conv=%s: %v", conversationID, err)
		writeError(w, http.StatusInternalServerError, "send failed")
		return
	}
	h.hub.Broadcast(conversationID, transport.Event{
		Type:           transport.EventMessageInserted,
		ConversationID: conversationID,
		Message:        msg,
	})
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	limit := queryInt(r, "limit", 30)
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	messages, err := h.msgRepo.List(r.Context(), conversationID, limit, offset)
	if err != nil {
		logger.Errorf("history conv=%s: %v", conversationID, err)
		writeError(w, http.StatusInternalServerError, "history failed")
		return
	}
	if err := h.attachReactions(r.Context(), messages); err != nil {
		logger.Errorf("history reactions conv=%s: %v", conversationID, err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (h *Handler) SearchMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if len([]rune(query)) < 2 {
		writeError(w, http.StatusBadRequest, "query too short")
		return
	}
	limit := queryInt(r, "limit", 50)
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	messages, err := h.msgRepo.Search(r.Context(), conversationID, query, limit)
	if err != nil {
		logger.Errorf("search conv=%s: %v", conversationID, err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	if err := h.attachReactions(r.Context(), messages); err != nil {
		logger.Errorf("search reactions conv=%s: %v", conversationID, err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (h *Handler) attachReactions(ctx context.Context, messages []model.Message) error {
	ids := make([]string, len(messages))
	for i := range messages {
		ids[i] = messages[i].ID
	}
	groups, err := h.reactRepo.GroupsForMessages(ctx, ids)
	if err != nil {
		return err
	}
	for i := range messages {
		messages[i].Reactions = groups[messages[i].ID]
	}
	return nil
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	var req struct {
		PlayerID string `json:"player_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	at := time.Now().UTC()
	err := h.convRepo.MarkRead(r.Context(), conversationID, req.PlayerID, at)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "participant not found")
		return
	}
	if err != nil {
		logger.Errorf("mark read conv=%s: %v", conversationID, err)
		writeError(w, http.StatusInternalServerError, "mark read failed")
		return
	}
	h.hub.Broadcast(conversationID, transport.Event{
		Type:           transport.EventMessageRead,
		ConversationID: conversationID,
		Read: &transport.ReadPayload{
			ConversationID: conversationID,
			PlayerID:       req.PlayerID,
			ReadAt:         at,
		},
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "id")
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	editedAt := time.Now().UTC()
	err := h.msgRepo.UpdateContent(r.Context(), messageID, req.Content, editedAt)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		logger.Errorf("edit msg=%s: %v", messageID, err)
		writeError(w, http.StatusInternalServerError, "edit failed")
		return
	}
	msg, err := h.msgRepo.GetByID(r.Context(), messageID)
	if err != nil {
		logger.Errorf("edit reload msg=%s: %v", messageID, err)
		writeError(w, http.StatusInternalServerError, "edit failed")
		return
	}
	h.hub.Broadcast(msg.ConversationID, transport.Event{
		Type:           transport.EventMessageUpdated,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Patch: &transport.MessagePatch{
			Content:  &msg.Content,
			EditedAt: &editedAt,
		},
	})
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "id")
	msg, err := h.msgRepo.GetByID(r.Context(), messageID)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		logger.Errorf("delete lookup msg=%s: %v", messageID, err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	if err := h.msgRepo.SoftDelete(r.Context(), messageID); err != nil {
		logger.Errorf("delete msg=%s: %v", messageID, err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	h.hub.Broadcast(msg.ConversationID, transport.Event{
		Type:           transport.EventMessageDeleted,
		ConversationID: msg.ConversationID,
		MessageID:      messageID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ToggleReaction(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "id")
	var req struct {
		PlayerID string `json:"player_id"`
		Emoji    string `json:"emoji"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.PlayerID == "" || req.Emoji == "" {
		writeError(w, http.StatusBadRequest, "player_id and emoji are required")
		return
	}
	msg, err := h.msgRepo.GetByID(r.Context(), messageID)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		logger.Errorf("reaction lookup msg=%s: %v", messageID, err)
		writeError(w, http.StatusInternalServerError, "reaction failed")
		return
	}
	groups, err := h.reactRepo.Toggle(r.Context(), messageID, req.PlayerID, req.Emoji)
	if err != nil {
		logger.Errorf("reaction toggle msg=%s: %v", messageID, err)
		writeError(w, http.StatusInternalServerError, "reaction failed")
		return
	}
	h.hub.Broadcast(msg.ConversationID, transport.Event{
		Type:           transport.EventMessageUpdated,
		ConversationID: msg.ConversationID,
		MessageID:      messageID,
		Patch: &transport.MessagePatch{
			Reactions: groups,
		},
	})
	writeJSON(w, http.StatusOK, map[string]any{"reactions": groups})
}

func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	playerID := r.URL.Query().Get("player_id")
	if playerID == "" {
		writeError(w, http.StatusBadRequest, "player_id is required")
		return
	}
	n, err := h.msgRepo.UnreadCount(r.Context(), playerID)
	if err != nil {
		logger.Errorf("unread player=%s: %v", playerID, err)
		writeError(w, http.StatusInternalServerError, "unread failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerID string `json:"player_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.PlayerID == "" {
		writeError(w, http.StatusBadRequest, "player_id is required")
		return
	}
	if err := h.presence.SetLastSeen(r.Context(), req.PlayerID, time.Now().UTC()); err != nil {
		logger.Errorf("heartbeat player=%s: %v", req.PlayerID, err)
		writeError(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Statuses(w http.ResponseWriter, r *http.Request) {
	ids := strings.Split(r.URL.Query().Get("player_ids"), ",")
	filtered := ids[:0]
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			filtered = append(filtered, id)
		}
	}
	seen, err := h.presence.LastSeen(r.Context(), filtered)
	if err != nil {
		logger.Errorf("statuses: %v", err)
		writeError(w, http.StatusInternalServerError, "statuses failed")
		return
	}
	out := make([]model.PlayerStatus, 0, len(filtered))
	now := time.Now()
	for _, id := range filtered {
		st := model.PlayerStatus{PlayerID: id}
		if t, ok := seen[id]; ok {
			st.LastSeen = t
			st.IsOnline = now.Sub(t) < 2*time.Minute
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"statuses": out})
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	playerID := r.URL.Query().Get("player_id")
	if playerID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	client := NewClient(h.hub, conn, playerID, r.URL.Query().Get("display_name"))
	h.hub.Register(client)
	ctx, cancel := context.WithCancel(context.Background())
	client.Start(ctx, cancel)
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
