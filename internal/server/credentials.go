package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

type blockRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (svc *Service) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, svc.Credentials.Snapshot())
}

func (svc *Service) handleBlockCredential(w http.ResponseWriter, r *http.Request) {
	index, ok := credentialIndex(w, r)
	if !ok {
		return
	}
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := svc.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Message: "invalid request", Fields: validationFields(err)})
		return
	}
	if err := svc.Credentials.Block(index, req.Reason); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	svc.Log.Info("credential blocked by operator", "index", index)
	writeJSON(w, http.StatusOK, svc.Credentials.Snapshot()[index])
}

func (svc *Service) handleHealCredential(w http.ResponseWriter, r *http.Request) {
	index, ok := credentialIndex(w, r)
	if !ok {
		return
	}
	if err := svc.Credentials.Heal(index); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	svc.Log.Info("credential healed by operator", "index", index)
	writeJSON(w, http.StatusOK, svc.Credentials.Snapshot()[index])
}

func (svc *Service) handleResetCredentials(w http.ResponseWriter, r *http.Request) {
	svc.Credentials.ResetAll()
	svc.Log.Info("credential pool reset by operator")
	writeJSON(w, http.StatusOK, svc.Credentials.Snapshot())
}

func credentialIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "invalid credential index")
		return 0, false
	}
	return index, true
}
