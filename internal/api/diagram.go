package api

import (
	"net/http"

	"github.com/rendis/prodtrack/internal/diagram"
	"github.com/rendis/prodtrack/pkg/schema"
)

// handleDiagram renders a workflow's progress map as mermaid, ascii, png or svg.
func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "mermaid"
	}

	p, err := s.deps.Editor.Progress(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	model, err := diagram.Build(p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var (
		body        []byte
		contentType string
	)
	switch format {
	case "mermaid":
		body, contentType = []byte(diagram.RenderMermaid(model)), "text/plain; charset=utf-8"
	case "ascii":
		body, contentType = []byte(diagram.RenderASCII(model)), "text/plain; charset=utf-8"
	case "png":
		body, err = diagram.RenderImage(r.Context(), model, diagram.FormatPNG)
		contentType = "image/png"
	case "svg":
		body, err = diagram.RenderImage(r.Context(), model, diagram.FormatSVG)
		contentType = "image/svg+xml"
	default:
		s.writeError(w, r, schema.NewErrorf(schema.ErrCodeValidation,
			"format must be mermaid, ascii, png or svg, got %q", format))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
