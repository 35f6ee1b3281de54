package savefile

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"
)

//go:embed schema.cue
var schemaSource string

// validator checks documents against #SaveFile. A cue.Context is not safe
// for concurrent use, so checks are serialized.
type validator struct {
	mu   sync.Mutex
	ctx  *cue.Context
	def  cue.Value
	err  error
	once sync.Once
}

var defaultValidator validator

func (v *validator) init() {
	v.ctx = cuecontext.New()
	schema := v.ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		v.err = fmt.Errorf("compile save schema: %w", err)
		return
	}
	v.def = schema.LookupPath(cue.ParsePath("#SaveFile"))
	if !v.def.Exists() {
		v.err = fmt.Errorf("compile save schema: #SaveFile not defined")
	}
}

// validate returns nil or a ValidationError for the first schema violation.
func (v *validator) validate(raw []byte) error {
	v.once.Do(v.init)
	if v.err != nil {
		return v.err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	expr, err := cuejson.Extract("save.json", raw)
	if err != nil {
		return ValidationError{Field: "document", Message: err.Error(), Code: ErrCodeMalformed}
	}
	doc := v.ctx.BuildExpr(expr)
	if err := doc.Err(); err != nil {
		return ValidationError{Field: "document", Message: err.Error(), Code: ErrCodeMalformed}
	}
	if err := v.def.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return schemaError(err)
	}
	return nil
}

// schemaError converts the first CUE error into a ValidationError.
func schemaError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return ValidationError{Field: "document", Message: err.Error(), Code: ErrCodeSchema}
	}
	first := errs[0]
	field := strings.Join(first.Path(), ".")
	if field == "" {
		field = "document"
	}
	format, args := first.Msg()
	return ValidationError{
		Field:   field,
		Message: fmt.Sprintf(format, args...),
		Code:    ErrCodeSchema,
	}
}
