package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/driftmock/driftmock/internal/models"
	"github.com/driftmock/driftmock/internal/repository"
	"github.com/driftmock/driftmock/internal/response"
)

// Home handles GET / with a small hypermedia index, mirroring the
// teacher's handlers.Home.
func Home(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"_links": map[string]interface{}{
			"imposters": map[string]string{"href": "/imposters"},
			"config":    map[string]string{"href": "/config"},
			"logs":      map[string]string{"href": "/logs"},
		},
	})
}

// decodeImposterRequest splits the wire shape POSTed to the imposters
// collection into a header (port plus opaque protocol config fields) and
// the "stubs" array of StubDefinitions (not yet assigned directories).
func decodeImposterRequest(body []byte) (*models.ImposterHeader, []models.StubDefinition, error) {
	raw := make(map[string]json.RawMessage)
	if len(body) > 0 {
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, nil, err
		}
	}

	header := models.NewImposterHeader(0)
	if portRaw, ok := raw["port"]; ok {
		if err := json.Unmarshal(portRaw, &header.Port); err != nil {
			return nil, nil, err
		}
		delete(raw, "port")
	}

	var stubDefs []models.StubDefinition
	if stubsRaw, ok := raw["stubs"]; ok {
		if err := json.Unmarshal(stubsRaw, &stubDefs); err != nil {
			return nil, nil, err
		}
		delete(raw, "stubs")
	}

	header.Extra = raw
	return header, stubDefs, nil
}

func extraString(extra map[string]json.RawMessage, key, fallback string) string {
	raw, ok := extra[key]
	if !ok {
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return fallback
	}
	return s
}

func extraBool(extra map[string]json.RawMessage, key string, fallback bool) bool {
	raw, ok := extra[key]
	if !ok {
		return fallback
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return fallback
	}
	return b
}

func extraRaw(extra map[string]json.RawMessage, key string) json.RawMessage {
	return extra[key]
}

// imposterToWire flattens a materialized imposter's header Extra, port,
// and materialized stubs into a single JSON object, mirroring
// ImposterHeader.MarshalJSON's approach but with MaterializedStub in
// place of the header's bare StubHeaderEntry list.
func imposterToWire(imp *repository.MaterializedImposter) map[string]interface{} {
	out := make(map[string]interface{}, len(imp.Header.Extra)+3)
	for k, v := range imp.Header.Extra {
		out[k] = v
	}
	out["port"] = imp.Header.Port

	stubs := imp.Stubs
	if stubs == nil {
		stubs = []models.MaterializedStub{}
	}
	out["stubs"] = stubs
	out["_links"] = map[string]interface{}{
		"self":  map[string]string{"href": "/imposters/" + strconv.Itoa(imp.Header.Port)},
		"stubs": map[string]string{"href": "/imposters/" + strconv.Itoa(imp.Header.Port) + "/stubs"},
	}
	return out
}

func portParam(r *http.Request) (int, error) {
	return strconv.Atoi(GetParam(r, "id"))
}

// GetImposters handles GET /imposters.
func (s *Server) GetImposters(w http.ResponseWriter, r *http.Request) {
	imposters, err := s.imposters.All()
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, response.ErrCodeBadData, err.Error())
		return
	}

	result := make([]map[string]interface{}, len(imposters))
	for i, imp := range imposters {
		result[i] = imposterToWire(imp)
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{"imposters": result})
}

// CreateImposter handles POST /imposters: registers the header, starts a
// protocol listener if one is known, then adds any stubs supplied in the
// request body.
func (s *Server) CreateImposter(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, response.ErrCodeInvalidJSON, "error reading request body")
		return
	}

	header, stubDefs, err := decodeImposterRequest(body)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, response.ErrCodeInvalidJSON, "unable to parse body as JSON")
		return
	}
	if header.Port <= 0 || header.Port > 65535 {
		response.WriteError(w, http.StatusBadRequest, response.ErrCodeBadData, "'port' must be a valid port number")
		return
	}
	if s.imposters.Exists(header.Port) {
		response.WriteError(w, http.StatusBadRequest, response.ErrCodeResourceConflict,
			fmt.Sprintf("Port %d is already in use", header.Port))
		return
	}

	stop, err := s.startListener(header)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, response.ErrCodeResourceConflict, err.Error())
		return
	}

	if err := s.imposters.Add(header, stop); err != nil {
		if stop != nil {
			stop()
		}
		response.WriteError(w, http.StatusInternalServerError, response.ErrCodeBadData, err.Error())
		return
	}

	stubsRepo := s.imposters.StubsFor(header.Port)
	for _, def := range stubDefs {
		if err := stubsRepo.Add(def); err != nil {
			response.WriteError(w, http.StatusInternalServerError, response.ErrCodeBadData, err.Error())
			return
		}
	}

	imp, _, err := s.imposters.Get(header.Port)
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, response.ErrCodeBadData, err.Error())
		return
	}

	w.Header().Set("Location", "/imposters/"+strconv.Itoa(header.Port))
	response.WriteJSON(w, http.StatusCreated, imposterToWire(imp))
}

// DeleteImposters handles DELETE /imposters: stops every listener and
// wipes the whole data directory.
func (s *Server) DeleteImposters(w http.ResponseWriter, r *http.Request) {
	if err := s.imposters.DeleteAll(); err != nil {
		response.WriteError(w, http.StatusInternalServerError, response.ErrCodeBadData, err.Error())
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{"imposters": []interface{}{}})
}

// GetImposter handles GET /imposters/{id}.
func (s *Server) GetImposter(w http.ResponseWriter, r *http.Request) {
	port, err := portParam(r)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, response.ErrCodeBadData, "invalid port number")
		return
	}

	imp, exists, err := s.imposters.Get(port)
	if err != nil {
		response.WriteRepositoryError(w, port, err)
		return
	}
	if !exists {
		response.WriteError(w, http.StatusNotFound, response.ErrCodeNoSuchResource,
			fmt.Sprintf("imposter on port %d does not exist", port))
		return
	}
	response.WriteJSON(w, http.StatusOK, imposterToWire(imp))
}

// DeleteImposter handles DELETE /imposters/{id}. Deletion is idempotent:
// a non-existent port still returns 200 with an empty object.
func (s *Server) DeleteImposter(w http.ResponseWriter, r *http.Request) {
	port, err := portParam(r)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, response.ErrCodeBadData, "invalid port number")
		return
	}

	imp, err := s.imposters.Del(port)
	if err != nil {
		response.WriteRepositoryError(w, port, err)
		return
	}
	if imp == nil {
		response.WriteJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	response.WriteJSON(w, http.StatusOK, imposterToWire(imp))
}

// GetSavedRequests handles GET /imposters/{id}/savedRequests.
func (s *Server) GetSavedRequests(w http.ResponseWriter, r *http.Request) {
	port, err := portParam(r)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, response.ErrCodeBadData, "invalid port number")
		return
	}
	requests, err := s.imposters.StubsFor(port).LoadRequests()
	if err != nil {
		response.WriteRepositoryError(w, port, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{"requests": requests})
}

// DeleteSavedRequests handles DELETE /imposters/{id}/savedRequests.
func (s *Server) DeleteSavedRequests(w http.ResponseWriter, r *http.Request) {
	port, err := portParam(r)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, response.ErrCodeBadData, "invalid port number")
		return
	}
	if err := s.imposters.StubsFor(port).ClearRequests(); err != nil {
		response.WriteRepositoryError(w, port, err)
		return
	}
	imp, _, err := s.imposters.Get(port)
	if err != nil {
		response.WriteRepositoryError(w, port, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, imposterToWire(imp))
}

// DeleteSavedProxyResponses handles DELETE /imposters/{id}/savedProxyResponses.
func (s *Server) DeleteSavedProxyResponses(w http.ResponseWriter, r *http.Request) {
	port, err := portParam(r)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, response.ErrCodeBadData, "invalid port number")
		return
	}
	if err := s.imposters.StubsFor(port).DeleteSavedProxyResponses(); err != nil {
		response.WriteRepositoryError(w, port, err)
		return
	}
	imp, _, err := s.imposters.Get(port)
	if err != nil {
		response.WriteRepositoryError(w, port, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, imposterToWire(imp))
}

// ReplaceStubs handles PUT /imposters/{id}/stubs.
func (s *Server) ReplaceStubs(w http.ResponseWriter, r *http.Request) {
	port, err := portParam(r)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, response.ErrCodeBadData, "invalid port number")
		return
	}

	var req struct {
		Stubs []models.StubDefinition `json:"stubs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteError(w, http.StatusBadRequest, response.ErrCodeInvalidJSON, "unable to parse body as JSON")
		return
	}
	if req.Stubs == nil {
		response.WriteError(w, http.StatusBadRequest, response.ErrCodeBadData, "'stubs' is a required field")
		return
	}

	if err := s.imposters.StubsFor(port).OverwriteAll(req.Stubs); err != nil {
		response.WriteRepositoryError(w, port, err)
		return
	}

	imp, _, err := s.imposters.Get(port)
	if err != nil {
		response.WriteRepositoryError(w, port, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, imposterToWire(imp))
}

// AddStub handles POST /imposters/{id}/stubs.
func (s *Server) AddStub(w http.ResponseWriter, r *http.Request) {
	port, err := portParam(r)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, response.ErrCodeBadData, "invalid port number")
		return
	}

	var req struct {
		Stub  models.StubDefinition `json:"stub"`
		Index *int                  `json:"index,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteError(w, http.StatusBadRequest, response.ErrCodeInvalidJSON, "unable to parse body as JSON")
		return
	}

	stubsRepo := s.imposters.StubsFor(port)
	var addErr error
	if req.Index != nil {
		addErr = stubsRepo.InsertAtIndex(req.Stub, *req.Index)
	} else {
		addErr = stubsRepo.Add(req.Stub)
	}
	if addErr != nil {
		response.WriteRepositoryError(w, port, addErr)
		return
	}

	imp, _, err := s.imposters.Get(port)
	if err != nil {
		response.WriteRepositoryError(w, port, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, imposterToWire(imp))
}

// ReplaceStub handles PUT /imposters/{id}/stubs/{stubIndex}.
func (s *Server) ReplaceStub(w http.ResponseWriter, r *http.Request) {
	port, err := portParam(r)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, response.ErrCodeBadData, "invalid port number")
		return
	}
	index, err := strconv.Atoi(GetParam(r, "stubIndex"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, response.ErrCodeBadData, "invalid stub index")
		return
	}

	var stub models.StubDefinition
	if err := json.NewDecoder(r.Body).Decode(&stub); err != nil {
		response.WriteError(w, http.StatusBadRequest, response.ErrCodeInvalidJSON, "unable to parse body as JSON")
		return
	}

	if err := s.imposters.StubsFor(port).OverwriteAtIndex(stub, index); err != nil {
		response.WriteRepositoryError(w, port, err)
		return
	}

	imp, _, err := s.imposters.Get(port)
	if err != nil {
		response.WriteRepositoryError(w, port, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, imposterToWire(imp))
}

// DeleteStub handles DELETE /imposters/{id}/stubs/{stubIndex}.
func (s *Server) DeleteStub(w http.ResponseWriter, r *http.Request) {
	port, err := portParam(r)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, response.ErrCodeBadData, "invalid port number")
		return
	}
	index, err := strconv.Atoi(GetParam(r, "stubIndex"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, response.ErrCodeBadData, "invalid stub index")
		return
	}

	if err := s.imposters.StubsFor(port).DeleteAtIndex(index); err != nil {
		response.WriteRepositoryError(w, port, err)
		return
	}

	imp, _, err := s.imposters.Get(port)
	if err != nil {
		response.WriteRepositoryError(w, port, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, imposterToWire(imp))
}

// GetConfig handles GET /config.
func (s *Server) GetConfig(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"version": s.version,
		"options": map[string]interface{}{
			"port":           s.opts.Port,
			"host":           s.opts.Host,
			"datadir":        s.opts.Datadir,
			"allowInjection": s.opts.AllowInjection,
			"localOnly":      s.opts.LocalOnly,
			"origin":         s.opts.Origin,
		},
		"process": map[string]interface{}{
			"goVersion": runtimeVersion(),
			"uptime":    s.uptimeSeconds(),
		},
	})
}

// GetLogs handles GET /logs.
func (s *Server) GetLogs(w http.ResponseWriter, r *http.Request) {
	startIndex, endIndex := 0, s.logs.len()
	if v := r.URL.Query().Get("startIndex"); v != "" {
		if idx, err := strconv.Atoi(v); err == nil && idx >= 0 {
			startIndex = idx
		}
	}
	if v := r.URL.Query().Get("endIndex"); v != "" {
		if idx, err := strconv.Atoi(v); err == nil && idx > startIndex {
			endIndex = idx
		}
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"logs": s.logs.slice(startIndex, endIndex),
	})
}
