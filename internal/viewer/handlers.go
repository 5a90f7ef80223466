package viewer

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi"

	"firestige.xyz/inspector/internal/core"
	"firestige.xyz/inspector/internal/log"
	"firestige.xyz/inspector/internal/relay"
	"firestige.xyz/inspector/internal/store"
)

var (
	errSaveDisabled   = errors.New("saving is disabled")
	errOutsideSaveDir = errors.New("path is outside the save directory")
)

type handlers struct {
	sessions *relay.Registry
	hub      *Hub
	saveDir  string
}

// packetRow is one line of the packet list.
type packetRow struct {
	ID        uint64         `json:"id"`
	Direction core.Direction `json:"direction"`
	Arrow     string         `json:"arrow"`
	Kind      int32          `json:"kind"`
	Name      string         `json:"name"`
	Label     string         `json:"label"`
	Len       int            `json:"len"`
	CreatedAt time.Time      `json:"created_at"`
	Selected  bool           `json:"selected"`
}

type packetList struct {
	Session  uint64      `json:"session"`
	Total    int         `json:"total"`
	Selected *uint64     `json:"selected"`
	Filter   string      `json:"filter"`
	Packets  []packetRow `json:"packets"`
}

type packetDetail struct {
	packetRow
	Raw  string `json:"raw"`
	Dump string `json:"dump"`
}

func newRow(p store.Packet) packetRow {
	return packetRow{
		ID:        p.ID,
		Direction: p.Direction,
		Arrow:     p.Direction.Arrow(),
		Kind:      p.Kind,
		Name:      p.Name,
		Label:     p.Label(),
		Len:       len(p.Raw),
		CreatedAt: p.CreatedAt,
		Selected:  p.Selected,
	}
}

func (h *handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.List())
}

// removeSession forgets a finished session and its log.
func (h *handlers) removeSession(w http.ResponseWriter, r *http.Request) {
	id, _, ok := h.store(w, r)
	if !ok {
		return
	}
	if !h.sessions.Finished(id) {
		writeError(w, http.StatusConflict, "session is still open")
		return
	}
	h.sessions.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) listPackets(w http.ResponseWriter, r *http.Request) {
	id, st, ok := h.store(w, r)
	if !ok {
		return
	}
	snap := st.Snapshot()
	rows := snap.Visible()
	if r.URL.Query().Get("all") == "1" {
		rows = snap.Packets
	}
	out := packetList{
		Session:  id,
		Total:    len(snap.Packets),
		Selected: snap.Selected,
		Filter:   snap.Filter,
		Packets:  make([]packetRow, len(rows)),
	}
	for i, p := range rows {
		out.Packets[i] = newRow(p)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) getPacket(w http.ResponseWriter, r *http.Request) {
	_, st, ok := h.store(w, r)
	if !ok {
		return
	}
	pid, err := strconv.ParseUint(chi.URLParam(r, "pid"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid packet id")
		return
	}
	p, found := st.Get(pid)
	if !found {
		writeError(w, http.StatusNotFound, "packet not found")
		return
	}
	writeJSON(w, http.StatusOK, packetDetail{
		packetRow: newRow(p),
		Raw:       hex.EncodeToString(p.Raw),
		Dump:      hex.Dump(p.Raw),
	})
}

func (h *handlers) setSelection(w http.ResponseWriter, r *http.Request) {
	id, st, ok := h.store(w, r)
	if !ok {
		return
	}
	var req struct {
		ID *uint64 `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == nil {
		writeError(w, http.StatusBadRequest, `body must be {"id": N}`)
		return
	}
	st.SetSelected(*req.ID)
	h.hub.Sink(id).RequestRepaint()
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) setFilter(w http.ResponseWriter, r *http.Request) {
	id, st, ok := h.store(w, r)
	if !ok {
		return
	}
	var req struct {
		Filter string `json:"filter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, `body must be {"filter": "..."}`)
		return
	}
	st.SetFilter(req.Filter)
	h.hub.Sink(id).RequestRepaint()
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) clearPackets(w http.ResponseWriter, r *http.Request) {
	_, st, ok := h.store(w, r)
	if !ok {
		return
	}
	st.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) save(w http.ResponseWriter, r *http.Request) {
	id, st, ok := h.store(w, r)
	if !ok {
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, `body must be {"path": "..."}`)
		return
	}
	path, err := h.savePath(req.Path)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	if err := st.Save(path); err != nil {
		log.GetLogger().WithField("session", id).WithError(err).Warn("save failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": id, "path": path})
}

// savePath resolves name against the save directory. Relative names are
// joined to it; absolute names must already lie inside it. The check is
// repeated on the symlink-resolved parent directory.
func (h *handlers) savePath(name string) (string, error) {
	if h.saveDir == "" {
		return "", errSaveDisabled
	}
	root, err := filepath.Abs(h.saveDir)
	if err != nil {
		return "", err
	}

	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	if !within(root, path) {
		return "", errOutsideSaveDir
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}

	base, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", err
	}
	dir, err := filepath.EvalSymlinks(filepath.Dir(path))
	if err != nil {
		return "", err
	}
	path = filepath.Join(dir, filepath.Base(path))
	if !within(base, path) {
		return "", errOutsideSaveDir
	}
	return path, nil
}

// within reports whether path names an entry strictly below dir.
func within(dir, path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(dir, abs)
	if err != nil || rel == "." || rel == ".." {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// store resolves the {id} route parameter, writing an error response on failure.
func (h *handlers) store(w http.ResponseWriter, r *http.Request) (uint64, *store.Store, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return 0, nil, false
	}
	st, ok := h.sessions.Store(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return 0, nil, false
	}
	return id, st, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
