// ABOUTME: Deterministic system prompt assembly (C7): base template, tool protocol, engineer info, skills, user overrides.
// ABOUTME: Caches assembled prompts in an LRU keyed by the 8-tuple fingerprint spec §4.7 defines, so unchanged state reuses the prior build.
package prompt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/brassloop/conductor/workspace"
)

const (
	cacheCapacity = 128
	cacheTTL      = 60 * time.Second
)

// ToolSpec describes one tool available to the model for the protocol block.
type ToolSpec struct {
	Name        string
	Description string
	ArgsSchema  string // JSON Schema text, serialized verbatim
}

// Skill describes one enabled skill for the skill block.
type Skill struct {
	Name        string
	Path        string // absolute path to SKILL.md
	Frontmatter string // YAML frontmatter, kept verbatim
}

// Request carries everything needed to assemble one system prompt.
type Request struct {
	UserID              string
	BaseTemplate        string
	Tools               []ToolSpec
	Skills              []Skill
	UserExtraPrompt      string
	ConfigVersion       int64
	WorkdirOverride     string
	OverridesCanonical  string // canonical (sorted-key) JSON of config_overrides
	AllowedTools        []string
	UserToolVersion     int64
	SharedToolVersion   int64
}

// cacheKey is the 8-tuple spec §4.7 fixes as the invalidation boundary.
type cacheKey struct {
	userID             string
	configVersion      int64
	workspaceTreeVersion int64
	workdir            string
	overridesCanonical string
	sortedAllowedTools string
	userToolVersion    int64
	sharedToolVersion  int64
}

// Composer assembles and caches system prompts (spec §4.7, C7).
type Composer struct {
	workspace *workspace.Manager
	cache     *lru.LRU[cacheKey, string]
}

// New constructs a Composer backed by ws for engineer-info injection.
func New(ws *workspace.Manager) *Composer {
	return &Composer{
		workspace: ws,
		cache:     lru.NewLRU[cacheKey, string](cacheCapacity, nil, cacheTTL),
	}
}

// Compose builds (or returns the cached) system prompt for req.
func (c *Composer) Compose(req Request) (string, error) {
	workdir := req.WorkdirOverride
	if workdir == "" {
		workdir = c.workspace.Root(req.UserID)
	}
	key := cacheKey{
		userID:               req.UserID,
		configVersion:        req.ConfigVersion,
		workspaceTreeVersion: c.workspace.GetTreeVersion(req.UserID),
		workdir:              workdir,
		overridesCanonical:   req.OverridesCanonical,
		sortedAllowedTools:   sortedJoin(req.AllowedTools),
		userToolVersion:      req.UserToolVersion,
		sharedToolVersion:    req.SharedToolVersion,
	}

	if cached, ok := c.cache.Get(key); ok {
		return cached, nil
	}

	engineerInfo, err := c.engineerInfo(req.UserID, workdir)
	if err != nil {
		return "", fmt.Errorf("prompt: engineer info: %w", err)
	}

	sections := []string{strings.TrimSpace(req.BaseTemplate)}
	if len(req.AllowedTools) > 0 {
		sections = append(sections, strings.TrimSpace(toolProtocolBlock(req.Tools, req.AllowedTools)))
	}
	sections = append(sections, strings.TrimSpace(engineerInfo))
	if len(req.Skills) > 0 {
		sections = append(sections, strings.TrimSpace(skillBlock(req.Skills)))
	}
	if strings.TrimSpace(req.UserExtraPrompt) != "" {
		sections = append(sections, strings.TrimSpace(req.UserExtraPrompt))
	}

	out := strings.Join(filterEmpty(sections), "\n")
	c.cache.Add(key, out)
	return out, nil
}

func filterEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func sortedJoin(names []string) string {
	if len(names) == 0 {
		return ""
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func toolProtocolBlock(tools []ToolSpec, allowed []string) string {
	allowedSet := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		allowedSet[name] = true
	}

	var b strings.Builder
	b.WriteString("## Available tools\n\n")
	b.WriteString("Invoke a tool by emitting a <tool_call>{\"name\": ..., \"arguments\": {...}}</tool_call> block.\n\n")
	for _, t := range tools {
		if !allowedSet[t.Name] {
			continue
		}
		fmt.Fprintf(&b, "### %s\n%s\nArguments schema: %s\n\n", t.Name, t.Description, t.ArgsSchema)
	}
	return b.String()
}

func skillBlock(skills []Skill) string {
	var b strings.Builder
	b.WriteString("## Available skills\n\n")
	b.WriteString("Usage protocol:\n")
	b.WriteString("1. Only invoke a skill whose frontmatter name matches exactly.\n")
	b.WriteString("2. Read SKILL.md at the given path before first use in a session.\n")
	b.WriteString("3. Do not invoke a skill outside the scope its description states.\n")
	b.WriteString("4. Prefer a built-in tool over a skill when both apply.\n")
	b.WriteString("5. A skill's frontmatter constraints (inputs, outputs) are binding.\n")
	b.WriteString("6. Report skill failures as tool_result observations, never silently.\n\n")
	for _, s := range skills {
		fmt.Fprintf(&b, "### %s\nPath: %s\n```yaml\n%s\n```\n\n", s.Name, s.Path, strings.TrimSpace(s.Frontmatter))
	}
	return b.String()
}

func (c *Composer) engineerInfo(userID, workdir string) (string, error) {
	tree, err := c.workspace.GetWorkspaceTree(userID)
	if err != nil {
		return "", err
	}
	treeJSON, err := json.Marshal(tree)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("## Engineer info\n\n")
	fmt.Fprintf(&b, "OS: %s\n", osName())
	fmt.Fprintf(&b, "Date: %s\n", time.Now().UTC().Format("2006-01-02"))
	fmt.Fprintf(&b, "Workspace root: %s\n", workdir)
	fmt.Fprintf(&b, "Workspace tree: %s\n", string(treeJSON))
	return b.String(), nil
}
