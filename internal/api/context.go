package api

import (
	"context"
	"sync"

	"github.com/org/basegate/pkg/models"
)

type contextKey string

const (
	ctxKeySession   contextKey = "session"
	ctxKeyRequestID contextKey = "request_id"
)

func withSession(ctx context.Context, s *models.Session) context.Context {
	return context.WithValue(ctx, ctxKeySession, s)
}

func sessionFromCtx(ctx context.Context) *models.Session {
	s, _ := ctx.Value(ctxKeySession).(*models.Session)
	return s
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func requestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// sessionHolder lets outer middleware see the session the auth middleware
// resolved further down the chain.
type sessionHolder struct {
	mu   sync.Mutex
	sess *models.Session
}

func (h *sessionHolder) set(s *models.Session) {
	h.mu.Lock()
	h.sess = s
	h.mu.Unlock()
}

func (h *sessionHolder) get() *models.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sess
}

const ctxKeySessionHolder contextKey = "session_holder"

func withSessionHolder(ctx context.Context, h *sessionHolder) context.Context {
	return context.WithValue(ctx, ctxKeySessionHolder, h)
}

func sessionHolderFromCtx(ctx context.Context) *sessionHolder {
	h, _ := ctx.Value(ctxKeySessionHolder).(*sessionHolder)
	return h
}
