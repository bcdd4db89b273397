package server

import (
	"fmt"
	"net/http"
	"strings"
)

type controlConfigView struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	PasswordSet bool   `json:"password_set"`
}

// controlConfigUpdate is the PUT body. Omitted fields keep their value; an
// empty password clears it.
type controlConfigUpdate struct {
	Host     *string `json:"host"`
	Port     *int    `json:"port"`
	Password *string `json:"password"`
}

// HandleControlConfigGet returns the control channel settings without the password.
func (h *Handlers) HandleControlConfigGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.controlView())
}

// HandleControlConfigPut updates the control channel settings. A running
// connector reconnects with them.
func (h *Handlers) HandleControlConfigPut(w http.ResponseWriter, r *http.Request) {
	var body controlConfigUpdate
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	cfg := h.session.ControlConfig()
	if body.Host != nil {
		host := strings.TrimSpace(*body.Host)
		if host == "" {
			writeError(w, http.StatusBadRequest, "host must not be empty")
			return
		}
		cfg.Host = host
	}
	if body.Port != nil {
		if *body.Port < 1 || *body.Port > 65535 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("port %d out of range", *body.Port))
			return
		}
		cfg.Port = *body.Port
	}
	if body.Password != nil {
		cfg.Password = *body.Password
	}
	h.session.SetControlConfig(cfg)
	writeJSON(w, http.StatusOK, h.controlView())
}

func (h *Handlers) controlView() controlConfigView {
	cfg := h.session.ControlConfig()
	return controlConfigView{Host: cfg.Host, Port: cfg.Port, PasswordSet: cfg.Password != ""}
}
