package server

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lavisapp/lavis/faults"
	"github.com/lavisapp/lavis/skills"
)

// skillView is the JSON shape of one skill.
type skillView struct {
	Name        string             `json:"name"`
	ToolName    string             `json:"toolName"`
	Description string             `json:"description,omitempty"`
	Category    string             `json:"category,omitempty"`
	Version     string             `json:"version,omitempty"`
	Author      string             `json:"author,omitempty"`
	Command     string             `json:"command"`
	Parameters  []skills.Parameter `json:"parameters,omitempty"`
	Knowledge   string             `json:"knowledge,omitempty"`
}

func viewOf(skill *skills.Skill, withKnowledge bool) skillView {
	v := skillView{
		Name:        skill.Name,
		ToolName:    skill.ToolName(),
		Description: skill.Description,
		Category:    skill.Category,
		Version:     skill.Version,
		Author:      skill.Author,
		Command:     skill.Command,
		Parameters:  skill.Parameters,
	}
	if withKnowledge {
		v.Knowledge = skill.Knowledge
	}
	return v
}

func (s *Server) handleSkillList(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Skills.List()
	views := make([]skillView, 0, len(list))
	for _, skill := range list {
		views = append(views, viewOf(skill, false))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"skills": views})
}

func (s *Server) handleSkillShow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	skill, ok := s.deps.Skills.Get(name)
	if !ok {
		s.writeError(w, faults.NewSkillError(faults.SkillNotFound, name, "no such skill", nil))
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(skill, true))
}

func (s *Server) handleSkillCategories(w http.ResponseWriter, r *http.Request) {
	seen := map[string]bool{}
	for _, skill := range s.deps.Skills.List() {
		if skill.Category != "" {
			seen[skill.Category] = true
		}
	}
	categories := make([]string, 0, len(seen))
	for category := range seen {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	s.writeJSON(w, http.StatusOK, map[string]any{"categories": categories})
}

type skillWriteRequest struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Category    string             `json:"category"`
	Version     string             `json:"version"`
	Author      string             `json:"author"`
	Command     string             `json:"command"`
	Parameters  []skills.Parameter `json:"parameters"`
	Knowledge   string             `json:"knowledge"`
}

func (s *Server) handleSkillCreate(w http.ResponseWriter, r *http.Request) {
	var req skillWriteRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Command) == "" {
		s.badRequest(w, "name and command are required")
		return
	}
	if _, exists := s.deps.Skills.Get(req.Name); exists {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "skill already exists"})
		return
	}
	if err := s.writeSkillFile(req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Skills.Reload(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	skill, ok := s.deps.Skills.Get(req.Name)
	if !ok {
		s.writeError(w, faults.NewSkillError(faults.SkillNotFound, req.Name, "written skill did not parse", nil))
		return
	}
	s.writeJSON(w, http.StatusCreated, viewOf(skill, true))
}

func (s *Server) handleSkillUpdate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	existing, ok := s.deps.Skills.Get(name)
	if !ok {
		s.writeError(w, faults.NewSkillError(faults.SkillNotFound, name, "no such skill", nil))
		return
	}
	var req skillWriteRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "invalid JSON body")
		return
	}
	if req.Name == "" {
		req.Name = existing.Name
	}
	if strings.TrimSpace(req.Command) == "" {
		s.badRequest(w, "command is required")
		return
	}
	// A rename leaves the file where it was; the directory tracks the
	// original name.
	if err := s.writeSkillFileAt(existing.Dir, req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Skills.Reload(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	skill, ok := s.deps.Skills.Get(req.Name)
	if !ok {
		s.writeError(w, faults.NewSkillError(faults.SkillNotFound, req.Name, "written skill did not parse", nil))
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(skill, true))
}

func (s *Server) handleSkillDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	skill, ok := s.deps.Skills.Get(name)
	if !ok {
		s.writeError(w, faults.NewSkillError(faults.SkillNotFound, name, "no such skill", nil))
		return
	}
	if err := os.RemoveAll(skill.Dir); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Skills.Reload(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleSkillReload(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Skills.Reload(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(s.deps.Skills.List()),
	})
}

func (s *Server) handleSkillExecute(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var params map[string]any
	if r.ContentLength > 0 {
		if err := decodeBody(r, &params); err != nil {
			s.badRequest(w, "invalid JSON body")
			return
		}
	}
	output, err := s.deps.Skills.Execute(r.Context(), name, params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "output": output})
}

// writeSkillFile materializes a skill under a directory named after its
// snake_case tool name.
func (s *Server) writeSkillFile(req skillWriteRequest) error {
	dir := filepath.Join(s.deps.Skills.Root(), skills.SnakeCase(req.Name))
	return s.writeSkillFileAt(dir, req)
}

func (s *Server) writeSkillFileAt(dir string, req skillWriteRequest) error {
	skill := &skills.Skill{
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		Version:     req.Version,
		Author:      req.Author,
		Command:     req.Command,
		Parameters:  req.Parameters,
		Knowledge:   req.Knowledge,
	}
	content, err := skill.Render()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, skills.SkillFileName), []byte(content), 0o644)
}
