package server

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/agentd/runtime/apperr"
)

const maxBodyBytes = 1 << 20

//go:embed schemas/*.json
var schemaFS embed.FS

// schemas holds the compiled request schemas keyed by file name without
// extension.
type schemas struct {
	byName map[string]*jsonschema.Schema
}

func loadSchemas() (*schemas, error) {
	files, err := fs.Glob(schemaFS, "schemas/*.json")
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	for _, f := range files {
		data, err := schemaFS.ReadFile(f)
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", f, err)
		}
		if err := c.AddResource(path.Base(f), doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", f, err)
		}
	}
	out := &schemas{byName: make(map[string]*jsonschema.Schema, len(files))}
	for _, f := range files {
		base := path.Base(f)
		sch, err := c.Compile(base)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", base, err)
		}
		out.byName[strings.TrimSuffix(base, ".json")] = sch
	}
	return out, nil
}

// decodeRequest reads the request body, validates it against the named schema
// and decodes it into dst. An empty body validates as an empty object.
func (s *schemas) decodeRequest(w http.ResponseWriter, r *http.Request, name string, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return apperr.Validation("read request body: %v", err)
	}
	return s.decode(name, body, dst)
}

func (s *schemas) decode(name string, body []byte, dst any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return apperr.Validation("invalid JSON: %v", err)
	}
	sch, ok := s.byName[name]
	if !ok {
		return apperr.Newf(apperr.KindInternal, "unknown schema %q", name)
	}
	if err := sch.Validate(inst); err != nil {
		return apperr.Validation("%s", flatten(err))
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apperr.Validation("invalid request: %v", err)
	}
	return nil
}

// flatten renders a validation error on one line.
func flatten(err error) string {
	lines := strings.Split(strings.TrimSpace(err.Error()), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.Join(lines, "; ")
}
