// Package modules defines the monitor and command module model and the
// registry that holds all known module definitions. Modules are closed
// variants registered at startup: each carries its metadata, a pure command
// builder, and a parser for the remote output.
package modules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/GitHangar/lightkeeper/internal/errors"
	"github.com/GitHangar/lightkeeper/internal/platform"
)

// Kind discriminates the two module variants.
type Kind string

const (
	KindMonitor Kind = "monitor"
	KindCommand Kind = "command"
)

// DisplayStyle hints how a result should be rendered by a consumer.
type DisplayStyle string

const (
	StyleText             DisplayStyle = "text"
	StyleCriticalityLevel DisplayStyle = "criticality-level"
	StyleProgressBar      DisplayStyle = "progress-bar"
	StyleIcon             DisplayStyle = "icon"
)

// Action marks commands whose execution is a file transfer instead of a
// remote shell command.
type Action string

const (
	ActionNone     Action = ""
	ActionDownload Action = "download"
	ActionUpload   Action = "upload"
)

// DisplayOptions carry presentation metadata delivered alongside results.
type DisplayOptions struct {
	Text       string
	Unit       string
	Style      DisplayStyle
	Icon       string
	Multivalue bool
	// ParentID attaches a command to a multivalue monitor's children.
	ParentID string
	// MultivalueLevel is the nesting depth the command attaches to.
	// Zero means the first level.
	MultivalueLevel int
}

// InputSpec describes one operator-supplied input field for a command.
type InputSpec struct {
	Label        string
	DefaultValue string
	// Validator is a regular expression the whole input must match.
	// Empty means any value is accepted.
	Validator string
	// Choices restricts the value to an enumerated set when non-empty.
	Choices []string
}

// Validate checks a single value against the input definition.
func (s InputSpec) Validate(value string) error {
	if len(s.Choices) > 0 {
		for _, choice := range s.Choices {
			if value == choice {
				return nil
			}
		}
		return errors.New(errors.ErrValidation,
			fmt.Sprintf("Value %q for %q is not one of the allowed choices", value, s.Label),
			"Allowed: "+strings.Join(s.Choices, ", "))
	}

	if s.Validator == "" {
		return nil
	}

	re, err := regexp.Compile("^(?:" + s.Validator + ")$")
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			fmt.Sprintf("Invalid validator pattern for input %q", s.Label),
			"Fix the validator regular expression in the module definition")
	}
	if !re.MatchString(value) {
		return errors.New(errors.ErrValidation,
			fmt.Sprintf("Value %q for %q does not match the expected format", value, s.Label),
			"Expected pattern: "+s.Validator)
	}
	return nil
}

// BuildFunc produces the remote command string from resolved module settings,
// operator params, and the prior monitor data (for drill-down commands).
// It must be pure: identical inputs produce identical output.
type BuildFunc func(settings map[string]string, params []string, prior DataPoint) (string, error)

// MonitorParseFunc converts raw remote output into a data point.
type MonitorParseFunc func(settings map[string]string, raw string) (DataPoint, error)

// CommandParseFunc converts raw remote output and exit code into a result.
type CommandParseFunc func(raw string, exitCode int) (CommandResult, error)

// Module is a closed tagged-variant definition of one monitor or command.
type Module struct {
	ID       string
	Kind     Kind
	Category string
	Display  DisplayOptions

	// Platforms decides applicability against discovered host facts.
	// nil means the module applies to every host.
	Platforms func(platform.Facts) bool

	BuildCommand BuildFunc
	ParseMonitor MonitorParseFunc
	ParseCommand CommandParseFunc

	// Command extras.
	RequiresConfirmation bool
	ConfirmationText     string
	InputSpecs           []InputSpec
	OpensDetails         bool
	Action               Action
	// UsesSudo prefixes the built command with sudo when the host allows it.
	UsesSudo bool
}

// AppliesTo evaluates the platform predicate against host facts.
func (m Module) AppliesTo(facts platform.Facts) bool {
	if m.Platforms == nil {
		return true
	}
	return m.Platforms(facts)
}

// RequiresInput reports whether the command needs operator-supplied fields.
func (m Module) RequiresInput() bool {
	return len(m.InputSpecs) > 0
}

// ValidateParams checks operator params against the module's input specs.
// Params beyond the declared inputs (e.g. pagination) are accepted as-is.
func (m Module) ValidateParams(params []string) error {
	for i, spec := range m.InputSpecs {
		value := spec.DefaultValue
		if i < len(params) {
			value = params[i]
		}
		if err := spec.Validate(value); err != nil {
			return err
		}
	}
	return nil
}

// Registry is the id-keyed lookup table of module definitions. It is
// populated once at startup and safe for concurrent reads afterwards.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewRegistry creates an empty module registry.
func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]Module),
	}
}

// Register adds a module definition. Duplicate ids are rejected.
func (r *Registry) Register(m Module) error {
	if m.ID == "" {
		return errors.New(errors.ErrConfig, "Module id must not be empty", "")
	}
	if m.Kind != KindMonitor && m.Kind != KindCommand {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("Module %q has unknown kind %q", m.ID, m.Kind), "")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[m.ID]; exists {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("Module %q is already registered", m.ID),
			"Module ids must be unique")
	}
	r.modules[m.ID] = m
	return nil
}

// Get returns a module by id.
func (r *Registry) Get(id string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[id]
	return m, ok
}

// Applicable returns modules of the given kind that apply to the host facts,
// optionally filtered by category (empty category matches all). Results are
// sorted by id for deterministic iteration.
func (r *Registry) Applicable(facts platform.Facts, kind Kind, category string) []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Module
	for _, m := range r.modules {
		if m.Kind != kind {
			continue
		}
		if category != "" && m.Category != category {
			continue
		}
		if !m.AppliesTo(facts) {
			continue
		}
		result = append(result, m)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Categories returns the sorted set of categories present for a kind.
func (r *Registry) Categories(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	for _, m := range r.modules {
		if m.Kind == kind && m.Category != "" {
			seen[m.Category] = true
		}
	}

	categories := make([]string, 0, len(seen))
	for c := range seen {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	return categories
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}
