package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaydocs/internal/logging"
	"github.com/agentworkforce/relaydocs/internal/records"
)

const realtimeWriteTimeout = 5 * time.Second

type realtimeSession struct {
	server   *Server
	conn     *websocket.Conn
	logger   logging.Logger
	clientID string
	channels map[string]bool
}

// handleRealtime serves the push endpoint. The first frame must be an auth
// frame; after that the client subscribes to collection channels and
// receives their change events.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.Warn("websocket handshake failed", "error", err)
		return
	}
	sess := &realtimeSession{
		server:   s,
		conn:     conn,
		logger:   s.logger.With("remote", r.RemoteAddr),
		channels: map[string]bool{},
	}
	sess.run(r.Context())
}

func (sess *realtimeSession) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	claims, ok := sess.authenticate(ctx)
	if !ok {
		return
	}
	sess.clientID = claims.ClientID
	sess.logger = sess.logger.With("client_id", claims.ClientID)

	sub := sess.server.store.Subscribe()
	defer sub.Close()

	if err := sess.write(ctx, records.Frame{Type: records.FrameReady}); err != nil {
		return
	}
	sess.logger.Debug("realtime session ready")

	frames := make(chan records.Frame)
	readErr := make(chan error, 1)
	go func() {
		for {
			var f records.Frame
			if err := wsjson.Read(ctx, sess.conn, &f); err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	expiry := time.NewTimer(sess.until(claims))
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = sess.conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case err := <-readErr:
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				sess.logger.Debug("realtime read ended", "status", int(status), "error", err)
			}
			return
		case f := <-frames:
			next, ok := sess.handleFrame(ctx, f)
			if !ok {
				return
			}
			if !next.IsZero() {
				expiry.Reset(next.Sub(sess.server.now()))
			}
		case evt, ok := <-sub.C:
			if !ok {
				_ = sess.conn.Close(websocket.StatusGoingAway, "store closed")
				return
			}
			if sub.Lagging() {
				sess.logger.Warn("closing lagging realtime session")
				_ = sess.conn.Close(websocket.StatusTryAgainLater, "event stream lagging")
				return
			}
			if !sess.channels[string(evt.Entity)] {
				continue
			}
			if err := sess.write(ctx, records.EventFrame(evt)); err != nil {
				return
			}
		case <-expiry.C:
			_ = sess.conn.Close(websocket.StatusPolicyViolation, "token expired")
			return
		}
	}
}

func (sess *realtimeSession) authenticate(ctx context.Context) (tokenClaims, bool) {
	authCtx, cancel := context.WithTimeout(ctx, sess.server.cfg.AuthTimeout)
	defer cancel()
	var f records.Frame
	if err := wsjson.Read(authCtx, sess.conn, &f); err != nil {
		_ = sess.conn.Close(websocket.StatusPolicyViolation, "auth frame required")
		return tokenClaims{}, false
	}
	if f.Type != records.FrameAuth {
		_ = sess.conn.Close(websocket.StatusPolicyViolation, "auth frame required")
		return tokenClaims{}, false
	}
	claims, authErr := sess.checkToken(f.Token)
	if authErr != nil {
		_ = sess.conn.Close(websocket.StatusPolicyViolation, authErr.code)
		return tokenClaims{}, false
	}
	return claims, true
}

func (sess *realtimeSession) checkToken(raw string) (tokenClaims, *authError) {
	claims, authErr := parseToken(raw, sess.server.cfg.JWTSecret, sess.server.now())
	if authErr != nil {
		return tokenClaims{}, authErr
	}
	if !claims.hasScope(ScopeRecordsRead) {
		return tokenClaims{}, &authError{status: 403, code: "forbidden", message: "missing required scope: " + ScopeRecordsRead}
	}
	return claims, nil
}

// handleFrame processes one client frame. It returns a new token expiry
// when the client re-authenticated, and false when the session must end.
func (sess *realtimeSession) handleFrame(ctx context.Context, f records.Frame) (time.Time, bool) {
	switch f.Type {
	case records.FramePing:
		return time.Time{}, sess.write(ctx, records.Frame{Type: records.FramePong}) == nil
	case records.FrameSubscribe, records.FrameUnsubscribe:
		entity, err := records.ParseEntityType(f.Channel)
		if err != nil {
			return time.Time{}, sess.write(ctx, records.Frame{Type: records.FrameError, Code: "unknown_channel", Message: err.Error(), Channel: f.Channel}) == nil
		}
		if f.Type == records.FrameSubscribe {
			sess.channels[string(entity)] = true
			return time.Time{}, sess.write(ctx, records.Frame{Type: records.FrameSubscribed, Channel: string(entity)}) == nil
		}
		delete(sess.channels, string(entity))
		return time.Time{}, true
	case records.FrameAuth:
		claims, authErr := sess.checkToken(f.Token)
		if authErr != nil {
			_ = sess.conn.Close(websocket.StatusPolicyViolation, authErr.code)
			return time.Time{}, false
		}
		if claims.ClientID != sess.clientID {
			_ = sess.conn.Close(websocket.StatusPolicyViolation, "client mismatch")
			return time.Time{}, false
		}
		return sess.server.now().Add(sess.until(claims)), true
	default:
		return time.Time{}, sess.write(ctx, records.Frame{Type: records.FrameError, Code: "bad_frame", Message: "unsupported frame type " + string(f.Type)}) == nil
	}
}

func (sess *realtimeSession) until(claims tokenClaims) time.Duration {
	if claims.ExpiresAt == nil {
		return time.Hour
	}
	d := claims.ExpiresAt.Time.Sub(sess.server.now())
	if d < 0 {
		return 0
	}
	return d
}

func (sess *realtimeSession) write(ctx context.Context, f records.Frame) error {
	writeCtx, cancel := context.WithTimeout(ctx, realtimeWriteTimeout)
	defer cancel()
	err := wsjson.Write(writeCtx, sess.conn, f)
	if err != nil && !errors.Is(err, context.Canceled) {
		sess.logger.Debug("realtime write failed", "type", f.Type, "error", err)
	}
	return err
}
