package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"slitd/server/game"
	"slitd/server/store"
)

type server struct {
	db   *store.DB
	game *game.Game
	auth *authenticator
}

func Router(s *server) http.Handler {
	r := chi.NewRouter()
	r.Use(s.auth.withOwner)

	r.Get("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})

	r.Post("/v1/sessions", s.handleLogin)

	r.Route("/v1/boards", func(r chi.Router) {
		r.Get("/", s.handleListBoards)
		r.Post("/", s.handleCreateBoard)
		r.Get("/{boardID}", s.handleGetBoard)
	})

	r.Get("/v1/bills", s.handleListBills)
	r.Post("/v1/txs", s.handleSubmitTx)

	r.Route("/v1/game/{boardID}", func(r chi.Router) {
		r.Get("/enter", s.handleEnter)
		r.Post("/ping", s.handlePing)
		r.Post("/stake", s.handleStake)
		r.Post("/hands", s.handleHands)
		r.Post("/bet", s.handleBet)
		r.Post("/redeem", s.handleRedeem)
	})

	return r
}

func (s *server) handleEnter(w http.ResponseWriter, r *http.Request) {
	res, err := s.game.Enter(r.Context(), chi.URLParam(r, "boardID"), ownerFrom(r.Context()))
	if err != nil {
		writeErr(w, err)
		return
	}
	out := map[string]any{"sessionId": res.SessionID, "consumer": res.Consumer}
	if res.Seat != nil {
		out["seatKey"] = res.SeatKey
		out["seat"] = res.Seat
	}
	writeJSON(w, out)
}

func (s *server) handlePing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrStatus(w, http.StatusBadRequest, "malformed payload")
		return
	}
	if err := s.game.Ping(r.Context(), req.SessionID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (s *server) handleStake(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	if owner == "" {
		writeErr(w, game.ErrUnauthorized)
		return
	}
	var req struct {
		Chips   int64  `json:"chips,string"`
		SeatKey string `json:"seatKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrStatus(w, http.StatusBadRequest, "malformed payload")
		return
	}
	res, err := s.game.Stake(r.Context(), chi.URLParam(r, "boardID"), owner, req.Chips, req.SeatKey)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"tx": res.Tx, "seatKey": res.SeatKey, "playerId": res.PlayerID})
}

func (s *server) handleHands(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	if owner == "" {
		writeErr(w, game.ErrUnauthorized)
		return
	}
	var req struct {
		SeatKey string `json:"seatKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrStatus(w, http.StatusBadRequest, "malformed payload")
		return
	}
	if err := s.game.Ready(r.Context(), chi.URLParam(r, "boardID"), owner, req.SeatKey); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (s *server) handleBet(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	if owner == "" {
		writeErr(w, game.ErrUnauthorized)
		return
	}
	var req struct {
		SeatKey string `json:"seatKey"`
		Bet     int64  `json:"bet,string"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrStatus(w, http.StatusBadRequest, "malformed payload")
		return
	}
	if err := s.game.Bet(r.Context(), chi.URLParam(r, "boardID"), owner, req.SeatKey, req.Bet); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (s *server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	if owner == "" {
		writeErr(w, game.ErrUnauthorized)
		return
	}
	var req struct {
		SeatKey string `json:"seatKey"`
		BillID  int64  `json:"billId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrStatus(w, http.StatusBadRequest, "malformed payload")
		return
	}
	res, err := s.game.Redeem(r.Context(), chi.URLParam(r, "boardID"), owner, req.SeatKey, req.BillID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"tx": res.Tx, "billId": res.BillID})
}

func (s *server) handleCreateBoard(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	if owner == "" {
		writeErr(w, game.ErrUnauthorized)
		return
	}
	var req struct {
		Limit int64 `json:"limit,string"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrStatus(w, http.StatusBadRequest, "malformed payload")
		return
	}
	res, err := s.game.CreateBoard(r.Context(), owner, req.Limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"tx": res.Tx, "boardId": res.BoardID})
}

func (s *server) handleListBoards(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	minPlayers := atoiDef(q.Get("minPlayers"), 0)
	minLimit, _ := strconv.ParseInt(q.Get("minLimit"), 10, 64)
	page := atoiDef(q.Get("page"), 1)
	boards, total, err := s.db.ListBoards(r.Context(), minPlayers, minLimit, page)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"boards": boards, "total": total})
}

func (s *server) handleGetBoard(w http.ResponseWriter, r *http.Request) {
	board, err := s.db.GetBoard(r.Context(), chi.URLParam(r, "boardID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if board == nil || !board.Confirmed {
		writeErr(w, &game.NotFoundError{What: "board"})
		return
	}
	writeJSON(w, board)
}

func (s *server) handleListBills(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	if owner == "" {
		writeErr(w, game.ErrUnauthorized)
		return
	}
	q := r.URL.Query()
	billType := atoiDef(q.Get("type"), -1)
	page := atoiDef(q.Get("page"), 1)
	bills, total, err := s.db.ListBills(r.Context(), owner, billType, q.Get("boardId"), page)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"bills": bills, "total": total})
}

func (s *server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	if owner == "" {
		writeErr(w, game.ErrUnauthorized)
		return
	}
	var req struct {
		Tx string `json:"tx"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrStatus(w, http.StatusBadRequest, "malformed payload")
		return
	}
	sig, err := s.game.SubmitSigned(r.Context(), req.Tx)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"signature": sig})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeErrStatus(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": status, "message": message})
}

func writeErr(w http.ResponseWriter, err error) {
	var rule *game.RuleError
	var notFound *game.NotFoundError
	switch {
	case errors.As(err, &rule):
		writeErrStatus(w, http.StatusBadRequest, rule.Reason)
	case errors.As(err, &notFound):
		writeErrStatus(w, http.StatusNotFound, notFound.Error())
	case errors.Is(err, game.ErrUnauthorized):
		writeErrStatus(w, http.StatusUnauthorized, "unauthorized")
	default:
		log.Printf("http: %v", err)
		writeErrStatus(w, http.StatusInternalServerError, "internal error")
	}
}
