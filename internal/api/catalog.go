package api

import (
	"net/http"

	"github.com/seantiz/unidenoise/internal/model"
)

type coreInfo struct {
	ModelType model.BaseModelType `json:"model_type"`
}

type modelInfo struct {
	Name       string              `json:"name"`
	ModelType  model.BaseModelType `json:"model_type"`
	DType      string              `json:"dtype"`
	Device     string              `json:"device"`
	Parameters []string            `json:"parameters"`
}

func (s *Server) handleListCores(w http.ResponseWriter, r *http.Request) {
	tags := s.engine.Registries().Cores.Tags()
	cores := make([]coreInfo, len(tags))
	for i, tag := range tags {
		cores[i] = coreInfo{ModelType: model.BaseModelType(tag)}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cores": cores})
}

func (s *Server) handleListExtensions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"extensions": s.engine.Registries().Extensions.Tags(),
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	catalog := s.engine.Catalog()
	names := catalog.Tags()
	models := make([]modelInfo, 0, len(names))
	for _, name := range names {
		m, err := catalog.Resolve(name)
		if err != nil {
			continue
		}
		models = append(models, modelInfo{
			Name:       m.Name,
			ModelType:  m.Type,
			DType:      string(m.DType),
			Device:     m.Device,
			Parameters: parameterKeys(m.Weights),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

// parameterKeys lists parameter names when the weight set can enumerate them.
func parameterKeys(p any) []string {
	if k, ok := p.(interface{ Keys() []string }); ok {
		return k.Keys()
	}
	return []string{}
}
