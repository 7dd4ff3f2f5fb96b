package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"depthbook/orderbook"
	"depthbook/reconcile"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

// Book is the read side of the engine
type Book interface {
	Top() *orderbook.TopOfBook
	State() reconcile.State
	LocalUpdateID() int64
}

// Feed hands out quote subscriptions
type Feed interface {
	Subscribe() (<-chan []byte, func())
}

type stateResponse struct {
	Symbol        string `json:"symbol"`
	State         string `json:"state"`
	Stale         bool   `json:"stale"`
	LocalUpdateID int64  `json:"localUpdateId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server exposes the replicated book over HTTP
type Server struct {
	book     Book
	feed     Feed
	metrics  http.Handler
	log      zerolog.Logger
	upgrader websocket.Upgrader
	router   *mux.Router
}

// New builds the router. feed and metrics may be nil to disable their routes.
func New(book Book, feed Feed, metrics http.Handler, log zerolog.Logger) *Server {
	s := &Server{
		book:    book,
		feed:    feed,
		metrics: metrics,
		log:     log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		router: mux.NewRouter(),
	}
	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/top", s.handleTop).Methods(http.MethodGet)
	v1.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	if feed != nil {
		v1.HandleFunc("/feed", s.handleFeed).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if metrics != nil {
		s.router.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string, readTimeout, writeTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info().Str("addr", addr).Msg("api listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

// handleTop returns the latest top of book. depth trims the published ladder.
func (s *Server) handleTop(w http.ResponseWriter, r *http.Request) {
	top := *s.book.Top()
	if raw := r.URL.Query().Get("depth"); raw != "" {
		depth, err := strconv.Atoi(raw)
		if err != nil || depth < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "depth must be a non-negative integer"})
			return
		}
		top.Bids = head(top.Bids, depth)
		top.Asks = head(top.Asks, depth)
	}
	writeJSON(w, http.StatusOK, top)
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	top := s.book.Top()
	writeJSON(w, http.StatusOK, stateResponse{
		Symbol:        top.Symbol,
		State:         s.book.State().String(),
		Stale:         top.Stale,
		LocalUpdateID: s.book.LocalUpdateID(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.book.State() != reconcile.Synced {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "book not synchronised"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFeed streams every published quote as a text frame
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("feed upgrade failed")
		return
	}
	defer conn.Close()
	quotes, cancel := s.feed.Subscribe()
	defer cancel()

	// reader only drains control frames and notices the peer leaving
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case payload, ok := <-quotes:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func head(levels []orderbook.PriceLevel, n int) []orderbook.PriceLevel {
	if len(levels) > n {
		return levels[:n:n]
	}
	return levels
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
