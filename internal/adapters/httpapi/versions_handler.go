package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/atvirokodosprendimai/offlinesync/internal/core/versiondiff"
)

type compareRequest struct {
	Current versiondiff.Snapshot `json:"current"`
	Version versiondiff.Snapshot `json:"version"`
}

// resolutionChoice is one user decision; later choices for the same item
// override earlier ones.
type resolutionChoice struct {
	Category versiondiff.Category `json:"category"`
	Action   versiondiff.Action   `json:"action"`
	Item     json.RawMessage      `json:"item"`
}

type resolveRequest struct {
	Current versiondiff.Snapshot `json:"current"`
	Version versiondiff.Snapshot `json:"version"`
	Choices []resolutionChoice   `json:"choices"`
}

type resolveResponse struct {
	Resolutions map[versiondiff.Category]versiondiff.Resolution `json:"resolutions"`
	Result      versiondiff.Snapshot                            `json:"result"`
}

func (h *Handler) compareVersions(w http.ResponseWriter, r *http.Request) {
	var req compareRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	diff, err := h.diff.Compare(req.Current, req.Version)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (h *Handler) resolveVersions(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	m, _, err := h.diff.NewResolutionMap(req.Current, req.Version)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	for _, choice := range req.Choices {
		item, err := versiondiff.DecodeItem(choice.Category, choice.Item)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		if m, err = m.Toggle(item, choice.Category, choice.Action); err != nil {
			handleDomainError(w, err)
			return
		}
	}

	result, err := versiondiff.ApplyResolution(req.Current, m)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{Resolutions: m.Resolutions(), Result: result})
}
