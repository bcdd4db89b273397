package server

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/chatdeck/oauth"
)

// HandleTwitchOAuthStart redirects to Twitch to authorize the host or bot
// account (?account=host|bot, default host).
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("account")
	if name == "" {
		name = "host"
	}
	account, err := oauth.ParseAccount(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.oauth.Configured() {
		writeError(w, http.StatusBadRequest, "oauth not configured (need TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET and TWITCH_REDIRECT_URI)")
		return
	}
	authURL, err := h.oauth.AuthCodeURL(account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleTwitchOAuthCallback exchanges the code, stores the token and
// restarts the session with the new credentials.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeError(w, http.StatusBadRequest, e+": "+q.Get("error_description"))
		return
	}
	code, st := q.Get("code"), q.Get("state")
	if code == "" || st == "" {
		writeError(w, http.StatusBadRequest, "missing code/state")
		return
	}
	account, err := h.oauth.ConsumeState(st)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid state")
		return
	}
	log := h.log.With(slog.String("account", account))

	tok, err := h.oauth.Exchange(r.Context(), account, code)
	if err != nil {
		log.Error("oauth exchange failed", slog.Any("err", err))
		writeError(w, http.StatusBadGateway, "token exchange failed")
		return
	}
	if err := h.store.SaveToken(r.Context(), tok); err != nil {
		log.Error("store token", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "store token failed")
		return
	}
	log.Info("stored oauth token", slog.Time("expiry", tok.Expiry))

	h.restartAsync("credentials updated")
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"account": account,
		"scope":   tok.Scope,
	})
}
