package enrich

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// responseSchema is the closed contract of the enrichment service reply.
const responseSchema = `
#Response: {
	success: bool
	source:  string
	payload?: null | {...}
	errors?:  null | [...string]
	raw?:     _

	if success {
		payload: {
			title:  =~"\\S"
			author: =~"\\S"
			...
		}
	}
}
`

type schemaValidator struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

func newSchemaValidator() (*schemaValidator, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(responseSchema)
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile response schema: %w", err)
	}
	schema := root.LookupPath(cue.ParsePath("#Response"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("lookup response schema: %w", err)
	}
	return &schemaValidator{ctx: ctx, schema: schema}, nil
}

// validate checks one decoded JSON object against #Response.
func (v *schemaValidator) validate(doc map[string]any) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	value := v.ctx.Encode(doc)
	if err := value.Err(); err != nil {
		return err
	}
	unified := v.schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return errors.New(firstCueError(err))
	}
	return nil
}

func firstCueError(err error) string {
	list := cueerrors.Errors(err)
	if len(list) == 0 {
		return err.Error()
	}
	return list[0].Error()
}

// normalizeBody decodes a reply, unwrapping a JSON array to its first object.
func normalizeBody(body []byte) (map[string]any, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	switch v := raw.(type) {
	case map[string]any:
		return v, nil
	case []any:
		if len(v) > 0 {
			if obj, ok := v[0].(map[string]any); ok {
				return obj, nil
			}
		}
	}
	return nil, errors.New("response must be a JSON object")
}
