// Package server 点歌队列的 HTTP 与 websocket 接口
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"StemFM/core/broadcast"
	"StemFM/core/request"
	"StemFM/logger"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Server HTTP 接口
type Server struct {
	orch     *request.Orchestrator
	hub      *broadcast.Hub
	secret   []byte
	upgrader websocket.Upgrader
}

// New 创建 Server；hub 为空时不提供 /ws
func New(orch *request.Orchestrator, hub *broadcast.Hub, secret string) *Server {
	return &Server{
		orch:   orch,
		hub:    hub,
		secret: []byte(secret),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router 注册所有路由
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware)

	api := router.PathPrefix("/api").Subrouter()

	// 点歌人
	api.HandleFunc("/requests", s.authMiddleware(s.submitHandler)).Methods(http.MethodPost)
	api.HandleFunc("/requests/mine", s.authMiddleware(s.listOwnHandler)).Methods(http.MethodGet)
	api.HandleFunc("/requests/mine/match", s.authMiddleware(s.matchOwnHandler)).Methods(http.MethodGet)
	api.HandleFunc("/requests/replace", s.authMiddleware(s.replaceHandler)).Methods(http.MethodPost)
	api.HandleFunc("/requests/bump", s.authMiddleware(s.bumpHandler)).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id:[0-9]+}", s.authMiddleware(s.getHandler)).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id:[0-9]+}", s.authMiddleware(s.removeHandler)).Methods(http.MethodDelete)

	// 播放器
	api.HandleFunc("/requests/{id:[0-9]+}/playing", s.modOnly(s.playingHandler)).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id:[0-9]+}/fulfilled", s.modOnly(s.fulfilledHandler)).Methods(http.MethodPost)
	api.HandleFunc("/wheel/spin", s.modOnly(s.spinHandler)).Methods(http.MethodPost)

	// 公开
	api.HandleFunc("/queue", s.queueHandler).Methods(http.MethodGet)
	api.HandleFunc("/wheel", s.wheelHandler).Methods(http.MethodGet)

	if s.hub != nil {
		router.HandleFunc("/ws", s.wsHandler).Methods(http.MethodGet)
	}

	// 预检请求由 corsMiddleware 直接应答
	router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	return router
}

// ListenAndServe 启动 HTTP 服务，ctx 结束时优雅关闭
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", logger.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// wsHandler token 可选，带上时连接会记下点歌人
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	name := ""
	if tokenString, ok := bearerToken(r); ok {
		claims, err := ParseToken(s.secret, tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid token")
			return
		}
		name = claims.Subject
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", logger.ErrorField(err))
		return
	}
	s.hub.Attach(conn, name)
}
