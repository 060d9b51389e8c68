package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/nurture/pkg/schema"
)

// Extractor pulls a string out of a provider response with a jq expression.
// Compiled expressions are cached and safe for concurrent use.
type Extractor struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewExtractor creates an empty Extractor.
func NewExtractor() *Extractor {
	return &Extractor{cache: make(map[string]*gojq.Code)}
}

// Compile validates expression and caches it.
func (x *Extractor) Compile(expression string) error {
	_, err := x.getOrCompile(expression)
	return err
}

// ExtractString evaluates expression against the JSON document body and
// returns its first output as a string. No output or a null output is an
// error; numbers and booleans are formatted with fmt.Sprint, so a JSON true
// comes back as "true".
func (x *Extractor) ExtractString(ctx context.Context, expression string, body []byte) (string, error) {
	code, err := x.getOrCompile(expression)
	if err != nil {
		return "", err
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", schema.NewError(schema.ErrCodeTransient, "provider returned invalid JSON").WithCause(err)
	}

	iter := code.RunWithContext(ctx, doc)
	v, ok := iter.Next()
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeTransient, "%q produced no output", expression)
	}
	switch val := v.(type) {
	case error:
		return "", schema.NewErrorf(schema.ErrCodeTransient, "jq evaluation failed for %q", expression).WithCause(val)
	case string:
		return val, nil
	case nil:
		return "", schema.NewErrorf(schema.ErrCodeTransient, "%q produced null", expression)
	default:
		return fmt.Sprint(val), nil
	}
}

func (x *Extractor) getOrCompile(expression string) (*gojq.Code, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	x.mu.RLock()
	if code, ok := x.cache[expression]; ok {
		x.mu.RUnlock()
		return code, nil
	}
	x.mu.RUnlock()

	x.mu.Lock()
	defer x.mu.Unlock()

	if code, ok := x.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// No $ENV: provider responses must not read the process environment.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	x.cache[expression] = code
	return code, nil
}
