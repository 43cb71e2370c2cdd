package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"

	"github.com/Cognary/Aionis-sub002/internal/jsonv"
	"github.com/Cognary/Aionis-sub002/internal/ledger"
	"github.com/Cognary/Aionis-sub002/internal/lifecycle"
	"github.com/Cognary/Aionis-sub002/internal/memory"
	"github.com/Cognary/Aionis-sub002/internal/rules"
	"github.com/Cognary/Aionis-sub002/internal/store"
)

// LoadMode controls how errors are handled during rule loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// RuleSpec is one rule as authored in a CUE or YAML file.
type RuleSpec struct {
	ID            string       `json:"id"`
	Title         string       `json:"title,omitempty"`
	If            jsonv.Value  `json:"if"`
	Then          jsonv.Value  `json:"then"`
	Exceptions    jsonv.Value  `json:"exceptions,omitempty"`
	Priority      int          `json:"priority"`
	RuleScope     string       `json:"rule_scope,omitempty"`
	TargetAgentID string       `json:"target_agent_id,omitempty"`
	TargetTeamID  string       `json:"target_team_id,omitempty"`
	MemoryLane    string       `json:"memory_lane,omitempty"`
	OwnerAgentID  string       `json:"owner_agent_id,omitempty"`
	OwnerTeamID   string       `json:"owner_team_id,omitempty"`
	Source        string       `json:"source"`
	slots         jsonv.Object // assembled by specFromObject
}

// LoadResult contains the rules loaded from a directory.
type LoadResult struct {
	Rules     []RuleSpec
	FileCount int // Number of rule files found
}

// LoadError represents an error that occurred during rule loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
	// Source is file:line for YAML rules, where no CUE position exists.
	Source string
}

func (e *LoadError) Error() string {
	switch {
	case e.Pos.IsValid():
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	case e.Source != "":
		return fmt.Sprintf("%s: %s: %s", e.Source, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Keys accepted in a rule body.
var ruleKeys = []string{
	"title", lifecycle.SlotIf, lifecycle.SlotThen, lifecycle.SlotExceptions,
	lifecycle.SlotPriority, lifecycle.SlotRuleScope, lifecycle.SlotTargetAgentID,
	lifecycle.SlotTargetTeamID, "memory_lane", "owner_agent_id", "owner_team_id",
}

// LoadRules loads rule files from dir: every CUE file (one package, rules
// under `rule: <id>: {...}`) and every YAML file with a top-level `rules`
// list. Each rule is validated as it would be on promotion.
// If mode is LoadModeFailFast, returns on first error.
// If mode is LoadModeCollectAll, collects all errors.
func LoadRules(dir string, mode LoadMode) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("rules directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing rules directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	yamlFiles, err := FindYAMLFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(cueFiles) == 0 && len(yamlFiles) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE or YAML rule files found in %s", dir)}}
	}

	result := &LoadResult{FileCount: len(cueFiles) + len(yamlFiles)}
	var errs []error
	seen := map[string]string{}
	add := func(spec RuleSpec, pos token.Pos) bool {
		err := validateSpec(spec)
		if err == nil {
			if prev, dup := seen[spec.ID]; dup {
				err = &LoadError{Code: ErrCodeInvalidRule, Message: fmt.Sprintf("rule %s already defined at %s", spec.ID, prev)}
			}
		}
		if err != nil {
			var loadErr *LoadError
			if errors.As(err, &loadErr) {
				loadErr.Pos = pos
				if !pos.IsValid() {
					loadErr.Source = spec.Source
				}
			}
			errs = append(errs, err)
			return mode != LoadModeFailFast
		}
		seen[spec.ID] = spec.Source
		result.Rules = append(result.Rules, spec)
		return true
	}

	if len(cueFiles) > 0 {
		if !loadCUERules(dir, &errs, mode, add) {
			return result, errs
		}
	}
	for _, path := range yamlFiles {
		if !loadYAMLRules(path, &errs, mode, add) {
			return result, errs
		}
	}

	if len(result.Rules) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: "no rules found in rule files"})
	}
	return result, errs
}

// loadCUERules reports whether loading may continue.
func loadCUERules(dir string, errs *[]error, mode LoadMode, add func(RuleSpec, token.Pos) bool) bool {
	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		*errs = append(*errs, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"})
		return false
	}
	inst := instances[0]
	if inst.Err != nil {
		*errs = append(*errs, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)})
		return false
	}
	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		*errs = append(*errs, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)})
		return false
	}

	rulesVal := value.LookupPath(cue.ParsePath("rule"))
	if !rulesVal.Exists() {
		return true
	}
	iter, err := rulesVal.Fields()
	if err != nil {
		*errs = append(*errs, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating rules: %v", err)})
		return mode != LoadModeFailFast
	}
	for iter.Next() {
		v := iter.Value()
		pos := v.Pos()
		spec, err := cueRule(iter.Selector().Unquoted(), v)
		if err != nil {
			*errs = append(*errs, &LoadError{Code: ErrCodeBuildFailed, Message: err.Error(), Pos: pos})
			if mode == LoadModeFailFast {
				return false
			}
			continue
		}
		if pos.IsValid() {
			spec.Source = fmt.Sprintf("%s:%d", pos.Filename(), pos.Line())
		}
		if !add(spec, pos) {
			return false
		}
	}
	return true
}

func cueRule(id string, v cue.Value) (RuleSpec, error) {
	data, err := v.MarshalJSON()
	if err != nil {
		return RuleSpec{}, fmt.Errorf("rule %s: %v", id, err)
	}
	parsed, err := jsonv.Parse(data)
	if err != nil {
		return RuleSpec{}, fmt.Errorf("rule %s: %w", id, err)
	}
	obj, ok := parsed.(jsonv.Object)
	if !ok {
		return RuleSpec{}, fmt.Errorf("rule %s: must be a struct, got %s", id, jsonv.Kind(parsed))
	}
	return specFromObject(id, obj)
}

// yamlRuleFile is the layout of a YAML rule file.
type yamlRuleFile struct {
	Rules []yaml.Node `yaml:"rules"`
}

func loadYAMLRules(path string, errs *[]error, mode LoadMode, add func(RuleSpec, token.Pos) bool) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		*errs = append(*errs, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("reading %s: %v", path, err)})
		return mode != LoadModeFailFast
	}
	var file yamlRuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		*errs = append(*errs, &LoadError{Code: ErrCodeLoadFailed, Message: err.Error(), Source: path})
		return mode != LoadModeFailFast
	}

	for i := range file.Rules {
		node := &file.Rules[i]
		source := fmt.Sprintf("%s:%d", path, node.Line)
		var body map[string]any
		if err := node.Decode(&body); err != nil {
			*errs = append(*errs, &LoadError{Code: ErrCodeLoadFailed, Message: err.Error(), Source: source})
			if mode == LoadModeFailFast {
				return false
			}
			continue
		}
		id, _ := body["id"].(string)
		delete(body, "id")
		v, err := jsonv.FromAny(body)
		if err == nil {
			var spec RuleSpec
			spec, err = specFromObject(id, v.(jsonv.Object))
			if err == nil {
				spec.Source = source
				if !add(spec, token.NoPos) {
					return false
				}
				continue
			}
		}
		*errs = append(*errs, &LoadError{Code: ErrCodeInvalidRule, Message: err.Error(), Source: source})
		if mode == LoadModeFailFast {
			return false
		}
	}
	return true
}

// specFromObject reads a rule body. Unknown keys are rejected so a typo
// such as "prioirty" does not silently load a rule with priority 0.
func specFromObject(id string, obj jsonv.Object) (RuleSpec, error) {
	if id == "" {
		return RuleSpec{}, errors.New("rule has no id")
	}
	for _, k := range obj.SortedKeys() {
		if !slices.Contains(ruleKeys, k) {
			return RuleSpec{}, fmt.Errorf("rule %s: unknown key %q", id, k)
		}
	}

	spec := RuleSpec{
		ID:         id,
		If:         obj[lifecycle.SlotIf],
		Then:       obj[lifecycle.SlotThen],
		Exceptions: obj[lifecycle.SlotExceptions],
		slots:      jsonv.Object{},
	}
	if spec.If == nil {
		return RuleSpec{}, fmt.Errorf("rule %s: missing %q", id, lifecycle.SlotIf)
	}
	if spec.Then == nil {
		return RuleSpec{}, fmt.Errorf("rule %s: missing %q", id, lifecycle.SlotThen)
	}

	for key, dst := range map[string]*string{
		"title":                     &spec.Title,
		lifecycle.SlotRuleScope:     &spec.RuleScope,
		lifecycle.SlotTargetAgentID: &spec.TargetAgentID,
		lifecycle.SlotTargetTeamID:  &spec.TargetTeamID,
		"memory_lane":               &spec.MemoryLane,
		"owner_agent_id":            &spec.OwnerAgentID,
		"owner_team_id":             &spec.OwnerTeamID,
	} {
		v, ok := obj[key]
		if !ok {
			continue
		}
		s, ok := v.(jsonv.String)
		if !ok {
			return RuleSpec{}, fmt.Errorf("rule %s: %s must be a string, got %s", id, key, jsonv.Kind(v))
		}
		*dst = string(s)
	}
	if v, ok := obj[lifecycle.SlotPriority]; ok {
		n, ok := v.(jsonv.Number)
		if !ok || float64(n) != float64(int(n)) {
			return RuleSpec{}, fmt.Errorf("rule %s: priority must be an integer", id)
		}
		spec.Priority = int(n)
	}

	for _, k := range []string{
		lifecycle.SlotIf, lifecycle.SlotThen, lifecycle.SlotExceptions, lifecycle.SlotPriority,
		lifecycle.SlotRuleScope, lifecycle.SlotTargetAgentID, lifecycle.SlotTargetTeamID,
	} {
		if v, ok := obj[k]; ok {
			spec.slots[k] = jsonv.Clone(v)
		}
	}
	return spec, nil
}

// Node returns the rule node a spec is written as.
func (s RuleSpec) Node() memory.NodeInput {
	title := s.Title
	if title == "" {
		title = s.ID
	}
	return memory.NodeInput{
		ID:           s.ID,
		Type:         lifecycle.NodeTypeRule,
		MemoryLane:   s.MemoryLane,
		OwnerAgentID: s.OwnerAgentID,
		OwnerTeamID:  s.OwnerTeamID,
		Title:        title,
		Slots:        jsonv.Clone(s.slots).(jsonv.Object),
	}
}

// validateSpec applies promotion validation at load time, so a rule file
// that loads is one whose rules can be promoted.
func validateSpec(spec RuleSpec) error {
	in := spec.Node()
	slots, err := jsonv.MarshalString(in.Slots)
	if err != nil {
		return &LoadError{Code: ErrCodeInvalidRule, Message: fmt.Sprintf("rule %s: %v", spec.ID, err)}
	}
	lane := in.MemoryLane
	if lane == "" {
		lane = store.LaneShared
	}
	node := store.Node{
		ID:           in.ID,
		Type:         in.Type,
		MemoryLane:   lane,
		OwnerAgentID: in.OwnerAgentID,
		OwnerTeamID:  in.OwnerTeamID,
		SlotsJSON:    slots,
	}
	def, err := lifecycle.DefFromNode(node)
	if err == nil {
		err = lifecycle.Validate(def, node)
	}
	if err == nil {
		return nil
	}

	code := ErrCodeInvalidRule
	var ruleErr *rules.ValidationError
	if errors.As(err, &ruleErr) {
		code = ruleErr.Code
	}
	return &LoadError{Code: code, Message: err.Error()}
}

// RulesWriteRequest builds the write that stores specs as draft rule
// nodes in one rule_load commit.
func RulesWriteRequest(scope, actor string, specs []RuleSpec) memory.WriteRequest {
	ids := make([]string, 0, len(specs))
	nodes := make([]memory.NodeInput, 0, len(specs))
	for _, s := range specs {
		ids = append(ids, s.ID)
		nodes = append(nodes, s.Node())
	}
	sort.Strings(ids)
	return memory.WriteRequest{
		Scope: scope,
		Actor: actor,
		Input: "load rules " + strings.Join(ids, ","),
		Nodes: nodes,
		Kind:  ledger.KindRuleLoad,
	}
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	return findFiles(dir, ".cue")
}

// FindYAMLFiles walks the directory and returns all .yaml and .yml file
// paths in lexical order.
func FindYAMLFiles(dir string) ([]string, error) {
	return findFiles(dir, ".yaml", ".yml")
}

func findFiles(dir string, exts ...string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && slices.Contains(exts, filepath.Ext(path)) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
