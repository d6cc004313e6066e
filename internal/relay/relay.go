// Package relay implements the bidirectional pump between a browser's
// WebSocket and a worker's relay WebSocket, translating between the
// browser-facing envelope protocol and the worker-facing frame
// protocol.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/hq-labs/relay/internal/apperr"
	"github.com/hq-labs/relay/internal/auth"
	"github.com/hq-labs/relay/internal/domain"
	"github.com/hq-labs/relay/internal/envelope"
	"github.com/hq-labs/relay/internal/question"
	"github.com/hq-labs/relay/internal/registry"
	"github.com/hq-labs/relay/internal/session"
	"github.com/hq-labs/relay/internal/store"
)

// workerKey is the registry key format for worker connections.
func workerKey(sessionID string) string { return "relay:" + sessionID }

// Relay wires the registry, session manager, and question blocker
// together into the two live pumps.
type Relay struct {
	reg       *registry.Registry
	sessions  *session.Manager
	blocker   *question.Blocker
	repo      store.Repository
	codec     *envelope.Codec
	logger    *slog.Logger
	keepalive time.Duration

	allowedOrigin string
	isDev         bool

	mu                sync.RWMutex
	workerBySessionID map[string]string // sessionID -> workerID, for blocker lookups
}

// New constructs a Relay. keepalive is the duration of worker silence
// (zero bytes) after which its session is considered dead and errored.
func New(reg *registry.Registry, sessions *session.Manager, blocker *question.Blocker, repo store.Repository, logger *slog.Logger, keepalive time.Duration, allowedOrigin string, isDev bool) *Relay {
	if keepalive <= 0 {
		keepalive = 2 * time.Minute
	}
	return &Relay{
		reg:               reg,
		sessions:          sessions,
		blocker:           blocker,
		repo:              repo,
		codec:             envelope.NewCodec(),
		logger:            logger,
		keepalive:         keepalive,
		allowedOrigin:     allowedOrigin,
		isDev:             isDev,
		workerBySessionID: make(map[string]string),
	}
}

func (rl *Relay) checkOrigin(r *http.Request) bool {
	if rl.isDev || rl.allowedOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == rl.allowedOrigin
}

func (rl *Relay) setWorkerForSession(sessionID, workerID string) {
	rl.mu.Lock()
	rl.workerBySessionID[sessionID] = workerID
	rl.mu.Unlock()
}

func (rl *Relay) workerForSession(sessionID string) (string, bool) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	id, ok := rl.workerBySessionID[sessionID]
	return id, ok
}

func (rl *Relay) clearWorkerForSession(sessionID string) {
	rl.mu.Lock()
	delete(rl.workerBySessionID, sessionID)
	rl.mu.Unlock()
}

func (rl *Relay) writeJSONEnvelope(ctx context.Context, ws *websocket.Conn, t envelope.BrowserType, payload interface{}) error {
	data, err := rl.codec.EncodeBrowserEnvelope(envelope.Wrap(t, payload))
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// --- Worker side ---

// HandleWorker upgrades a worker's relay connection for sessionID,
// authenticates its access token, and runs the worker<->browser pumps
// until either side disconnects or the session terminates.
func (rl *Relay) HandleWorker(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx := r.Context()
	token := auth.ExtractBearer(r)
	ok, err := rl.repo.ConsumeAccessToken(ctx, token, sessionID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sess, err := rl.sessions.Get(ctx, sessionID)
	if err != nil {
		status := apperr.StatusCode(err)
		http.Error(w, "session unavailable", status)
		return
	}
	if sess.Terminal() {
		http.Error(w, "session is terminal", http.StatusConflict)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		rl.logger.Error("failed to accept worker relay connection", "error", err, "session_id", sessionID)
		return
	}
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "relay closed") }()

	key := workerKey(sessionID)
	conn := rl.reg.Register(key, domain.ConnWorker, ws)
	defer rl.reg.Remove(key, conn)

	workerID := ""
	if worker, err := rl.findWorkerBySession(ctx, sessionID); err == nil && worker != nil {
		workerID = worker.ID
		rl.setWorkerForSession(sessionID, workerID)
		defer rl.clearWorkerForSession(sessionID)
	}

	// Step 4: send the initial prompt synchronously before starting the
	// read pump, so any worker output already buffered is processed
	// after it.
	initial, err := rl.codec.EncodeWorkerFrame(envelope.WorkerUserFrame{
		Type:    envelope.WorkerUser,
		Content: sess.InitialPrompt,
	})
	if err != nil {
		rl.logger.Error("failed to encode initial prompt", "error", err, "session_id", sessionID)
		return
	}
	if err := ws.Write(ctx, websocket.MessageText, initial); err != nil {
		rl.logger.Error("failed to send initial prompt", "error", err, "session_id", sessionID)
		return
	}

	if err := rl.sessions.AdvanceToInitializing(ctx, sessionID); err != nil {
		rl.logger.Warn("failed to advance startup phase", "error", err, "session_id", sessionID)
	}
	rl.broadcastStatus(sessionID, sess.Status, domain.PhaseInitializing, "")

	rl.workerToBrowserPump(ctx, ws, sessionID, workerID)
	rl.handleSideClosed(sessionID, workerID, true)
}

func (rl *Relay) findWorkerBySession(ctx context.Context, sessionID string) (*domain.Worker, error) {
	workers, err := rl.repo.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	for _, w := range workers {
		if w.SessionID == sessionID {
			return w, nil
		}
	}
	return nil, nil
}

// workerToBrowserPump reads frames from the worker's socket and relays
// each one to the session's connected browsers.
func (rl *Relay) workerToBrowserPump(ctx context.Context, ws *websocket.Conn, sessionID, workerID string) {
	lastFrame := time.Now()
	for {
		readCtx, cancel := context.WithTimeout(ctx, rl.keepalive)
		_, data, err := ws.Read(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if time.Since(lastFrame) >= rl.keepalive {
				rl.logger.Warn("worker silent past keepalive window, erroring session", "session_id", sessionID)
				_ = rl.sessions.Errored(context.Background(), sessionID, "worker keepalive timeout")
			}
			return
		}
		lastFrame = time.Now()

		frameType, raw, ok := rl.codec.DecodeWorkerFrame(data)
		if !ok {
			rl.logger.Debug("dropping unrecognized worker frame", "session_id", sessionID)
			continue
		}

		_ = rl.sessions.RecordActivity(ctx, sessionID)

		switch frameType {
		case envelope.WorkerSystem:
			rl.handleWorkerSystem(ctx, sessionID, raw)
		case envelope.WorkerAssistant, envelope.WorkerToolUse, envelope.WorkerToolResult:
			rl.handleWorkerMessage(ctx, sessionID, frameType, raw)
		case envelope.WorkerQuestion:
			rl.handleWorkerQuestion(ctx, sessionID, workerID, raw)
		case envelope.WorkerResult:
			rl.handleWorkerResult(ctx, sessionID, raw)
		case envelope.WorkerPermission:
			// Workers only receive permission frames in this design; an
			// inbound one is unexpected and dropped like any unknown type.
			rl.logger.Debug("dropping unexpected inbound permission frame", "session_id", sessionID)
		default:
			rl.logger.Debug("dropping unknown worker frame type", "session_id", sessionID, "type", frameType)
		}
	}
}

func (rl *Relay) handleWorkerSystem(ctx context.Context, sessionID string, raw json.RawMessage) {
	var sys envelope.WorkerSystemFrame
	if err := json.Unmarshal(raw, &sys); err != nil {
		rl.logger.Debug("dropping malformed system frame", "session_id", sessionID, "error", err)
		return
	}
	if sys.Subtype != "init" {
		return
	}
	if err := rl.sessions.MarkReady(ctx, sessionID, sys.Capabilities); err != nil {
		rl.logger.Warn("failed to mark session ready", "session_id", sessionID, "error", err)
		return
	}
	rl.broadcastStatus(sessionID, domain.SessionActive, domain.PhaseReady, "")
}

func (rl *Relay) handleWorkerMessage(ctx context.Context, sessionID string, frameType envelope.WorkerFrameType, raw json.RawMessage) {
	var generic map[string]interface{}
	_ = json.Unmarshal(raw, &generic)
	content, _ := generic["content"].(string)

	seq, err := rl.repo.NextSequence(ctx, sessionID)
	if err != nil {
		rl.logger.Warn("failed to allocate message sequence", "session_id", sessionID, "error", err)
		return
	}
	msg := &domain.SessionMessage{
		SessionID: sessionID,
		Sequence:  seq,
		Timestamp: time.Now(),
		Kind:      domain.MessageKind(frameType),
		Content:   content,
		Metadata:  generic,
	}
	if err := rl.repo.AppendMessage(ctx, msg); err != nil {
		rl.logger.Warn("failed to persist session message", "session_id", sessionID, "error", err)
	}

	rl.broadcast(sessionID, envelope.TypeSessionMessage, envelope.SessionMessagePayload{
		SessionID:   sessionID,
		MessageType: string(frameType),
		Content:     content,
		Raw:         generic,
	})
}

func (rl *Relay) handleWorkerQuestion(ctx context.Context, sessionID, workerID string, raw json.RawMessage) {
	var q envelope.WorkerQuestionFrame
	if err := json.Unmarshal(raw, &q); err != nil {
		rl.logger.Debug("dropping malformed question frame", "session_id", sessionID, "error", err)
		return
	}
	options := make([]domain.QuestionOption, 0, len(q.Options))
	for _, o := range q.Options {
		options = append(options, domain.QuestionOption{ID: o.ID, Text: o.Text})
	}
	if _, err := rl.blocker.Ask(ctx, workerID, q.Text, options); err != nil {
		rl.logger.Warn("blocker rejected question", "session_id", sessionID, "worker_id", workerID, "error", err)
		return
	}
	rl.broadcastStatus(sessionID, domain.SessionActive, domain.PhaseReady, "")
}

func (rl *Relay) handleWorkerResult(ctx context.Context, sessionID string, raw json.RawMessage) {
	var generic map[string]interface{}
	_ = json.Unmarshal(raw, &generic)
	rl.broadcast(sessionID, envelope.TypeSessionResult, envelope.SessionResultPayload{
		SessionID: sessionID,
		Result:    generic,
	})
}

// --- Browser side ---

// HandleBrowser upgrades a browser's device connection, dispatching its
// inbound frames until the socket closes.
func (rl *Relay) HandleBrowser(w http.ResponseWriter, r *http.Request) {
	if !rl.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	deviceID := r.URL.Query().Get("deviceId")

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		rl.logger.Error("failed to accept browser connection", "error", err, "device_id", deviceID)
		return
	}
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "relay closed") }()

	if deviceID == "" {
		ctx := r.Context()
		_ = rl.writeJSONEnvelope(ctx, ws, envelope.TypeError, envelope.ErrorPayload{Code: "MISSING_DEVICE_ID"})
		_ = ws.Close(websocket.StatusPolicyViolation, "missing deviceId")
		return
	}

	conn := rl.reg.Register(deviceID, domain.ConnBrowser, ws)
	defer rl.reg.Remove(deviceID, conn)

	ctx := r.Context()
	if err := rl.writeJSONEnvelope(ctx, ws, envelope.TypeConnected, envelope.ConnectedPayload{DeviceID: deviceID}); err != nil {
		rl.logger.Debug("failed to send connected envelope", "error", err, "device_id", deviceID)
	}

	rl.browserPump(ctx, ws, conn, deviceID)
}

func (rl *Relay) browserPump(ctx context.Context, ws *websocket.Conn, conn *registry.Connection, deviceID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}

		frameType, payload, decodeErr := rl.codec.DecodeBrowserFrame(data)
		if decodeErr != nil {
			rl.logger.Debug("closing browser connection on protocol error", "device_id", deviceID, "error", decodeErr)
			_ = rl.writeJSONEnvelope(ctx, ws, envelope.TypeError, envelope.ErrorPayload{Code: "protocol_error", Message: decodeErr.Error()})
			return
		}

		switch frameType {
		case envelope.TypeSessionSubscribe:
			var p envelope.SessionSubscribePayload
			if err := json.Unmarshal(payload, &p); err == nil {
				conn.Subscribe(p.SessionID)
			}
		case envelope.TypeSessionUnsubscribe:
			var p envelope.SessionUnsubscribePayload
			if err := json.Unmarshal(payload, &p); err == nil {
				conn.Unsubscribe(p.SessionID)
			}
		case envelope.TypePing:
			_ = rl.writeJSONEnvelope(ctx, ws, envelope.TypePong, envelope.PongPayload{Timestamp: time.Now().UnixMilli()})
		case envelope.TypeSessionUserMessage:
			rl.handleSessionUserMessage(ctx, payload)
		case envelope.TypeSessionPermissionResp:
			rl.handlePermissionResponse(ctx, payload)
		}
	}
}

func (rl *Relay) handleSessionUserMessage(ctx context.Context, payload json.RawMessage) {
	var p envelope.SessionUserMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}

	if workerID, ok := rl.workerForSession(p.SessionID); ok {
		if pending, err := rl.blocker.PendingForWorker(ctx, workerID); err == nil && pending != nil {
			if _, err := rl.blocker.Answer(ctx, pending.QuestionID, p.Content); err != nil {
				rl.logger.Warn("failed to answer pending question via user message", "session_id", p.SessionID, "error", err)
			}
			return
		}
	}

	conn, ok := rl.reg.Get(workerKey(p.SessionID))
	if !ok {
		return
	}
	frame, err := rl.codec.EncodeWorkerFrame(envelope.WorkerUserFrame{Type: envelope.WorkerUser, Content: p.Content})
	if err != nil {
		return
	}
	conn.Send(frame)
}

func (rl *Relay) handlePermissionResponse(ctx context.Context, payload json.RawMessage) {
	var p envelope.SessionPermissionResponsePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	conn, ok := rl.reg.Get(workerKey(p.SessionID))
	if ok {
		frame, err := rl.codec.EncodeWorkerFrame(envelope.WorkerPermissionFrame{
			Type:      envelope.WorkerPermission,
			RequestID: p.RequestID,
			Behavior:  string(p.Behavior),
		})
		if err == nil {
			conn.Send(frame)
		}
	}
	rl.broadcast(p.SessionID, envelope.TypeSessionPermissionResolved, envelope.SessionPermissionResolvedPayload{
		SessionID: p.SessionID,
		RequestID: p.RequestID,
		Behavior:  p.Behavior,
	})
}

// --- Shared helpers ---

func (rl *Relay) broadcast(sessionID string, t envelope.BrowserType, payload interface{}) {
	data, err := rl.codec.EncodeBrowserEnvelope(envelope.Wrap(t, payload))
	if err != nil {
		rl.logger.Error("failed to encode broadcast envelope", "error", err, "session_id", sessionID, "type", t)
		return
	}
	rl.reg.BroadcastToSubscribers(sessionID, data)
}

func (rl *Relay) broadcastStatus(sessionID string, status domain.SessionStatus, phase domain.StartupPhase, errMsg string) {
	rl.broadcast(sessionID, envelope.TypeSessionStatus, envelope.SessionStatusPayload{
		SessionID:    sessionID,
		Status:       string(status),
		StartupPhase: string(phase),
		Error:        errMsg,
	})
}

// handleSideClosed runs when either side closes: the other side
// receives a terminal session_status and, if it was the worker's own
// socket, the session transitions to stopped.
func (rl *Relay) handleSideClosed(sessionID, workerID string, workerSide bool) {
	ctx := context.Background()
	sess, err := rl.sessions.Get(ctx, sessionID)
	if err != nil {
		return
	}
	if sess.Terminal() {
		rl.broadcastStatus(sessionID, sess.Status, sess.StartupPhase, sess.Error)
		return
	}
	if workerSide {
		if workerID != "" {
			rl.blocker.Cancel(workerID, "session terminated")
		}
		if err := rl.sessions.Stop(ctx, sessionID); err != nil {
			rl.logger.Warn("failed to stop session after worker disconnect", "session_id", sessionID, "error", err)
		}
	}
	rl.broadcastStatus(sessionID, domain.SessionStopped, sess.StartupPhase, "")
}
