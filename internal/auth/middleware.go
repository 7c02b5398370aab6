package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Middleware rejects requests without a valid bearer token and stores the actor in the context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := BearerToken(r.Header.Get("Authorization"))
		if !ok {
			unauthorized(w, "missing or malformed Authorization header")
			return
		}
		actor, err := a.Authenticate(raw)
		if err != nil {
			slog.Debug("token rejected", "err", err)
			unauthorized(w, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "UNAUTHORIZED", "message": msg})
}

// UnaryInterceptor reads the bearer token from the "authorization" metadata key.
func (a *Authenticator) UnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	var header string
	if vals := md.Get("authorization"); len(vals) > 0 {
		header = vals[0]
	}
	raw, ok := BearerToken(header)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	actor, err := a.Authenticate(raw)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	return handler(WithActor(ctx, actor), req)
}
