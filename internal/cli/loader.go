package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/rasheedb1/cadence/internal/compiler"
	"github.com/rasheedb1/cadence/internal/model"
)

// LoadMode controls how errors are handled while loading cadences.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadResult holds the cadences found in a directory.
type LoadResult struct {
	Cadences  []model.Cadence
	FileCount int
}

// Cadence returns the loaded cadence with id.
func (r *LoadResult) Cadence(id string) (model.Cadence, bool) {
	for _, c := range r.Cadences {
		if c.ID == id {
			return c, true
		}
	}
	return model.Cadence{}, false
}

// IDs lists the loaded cadence ids in sorted order.
func (r *LoadResult) IDs() []string {
	ids := make([]string, len(r.Cadences))
	for i, c := range r.Cadences {
		ids[i] = c.ID
	}
	sort.Strings(ids)
	return ids
}

// LoadError is a failure to load or parse cadence definitions.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadCadences loads every cadence under the top-level "cadence" field of
// the CUE package in dir.
func LoadCadences(dir string, mode LoadMode) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("cadence directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing cadence directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(cueFiles) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}
	value := cuecontext.New().BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}

	result := &LoadResult{FileCount: len(cueFiles)}
	var errs []error

	cadences := value.LookupPath(cue.ParsePath("cadence"))
	if !cadences.Exists() {
		return result, []error{&LoadError{Code: ErrCodeNoCadences, Message: "no cadence definitions found"}}
	}
	iter, err := cadences.Fields()
	if err != nil {
		return result, []error{&LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating cadences: %v", err)}}
	}
	for iter.Next() {
		c, err := compiler.CompileCadence(iter.Value())
		if err != nil {
			errs = append(errs, convertCompileError(err, "cadence."+iter.Selector().String()))
			if mode == LoadModeFailFast {
				return result, errs
			}
			continue
		}
		result.Cadences = append(result.Cadences, *c)
	}
	if len(result.Cadences) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeNoCadences, Message: "no cadence definitions found"})
	}
	return result, errs
}

// FindCUEFiles walks dir and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func convertCompileError(err error, context string) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    ErrCodeCompile,
			Message: fmt.Sprintf("%s: %s: %s", context, compileErr.Field, compileErr.Message),
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("%s: %v", context, err)}
}

// Error codes shared by all commands. Graph integrity problems use the
// compiler's E2xx codes.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path or record not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeNoCadences  = "E007" // No cadence definitions
	ErrCodeCompile     = "E008" // Cadence definition could not be parsed
	ErrCodeDatabase    = "E010" // Database open or query failed
	ErrCodeConfig      = "E011" // Config load or validation failed
	ErrCodeRuntime     = "E020" // Engine refused the operation
)
