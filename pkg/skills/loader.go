package skills

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stepwise-dev/stepwise/internal/logger"
)

const (
	manifestFileName = "SKILL.md"
	configFileName   = "config.yaml"
	scriptsDirName   = "scripts"
)

// skillConfig is the optional config.yaml override for manifest values
// and static tool declarations.
type skillConfig struct {
	Name         string           `yaml:"name"`
	Description  string           `yaml:"description"`
	Version      string           `yaml:"version"`
	SkillType    string           `yaml:"skill_type"`
	AccessGroups []string         `yaml:"access_groups"`
	Tools        []ToolDescriptor `yaml:"tools"`
}

// Discover walks baseDir to a depth of two and loads every directory
// that satisfies the discovery contract. Malformed skill directories are
// logged and skipped; they are never fatal.
func Discover(baseDir string) ([]*Skill, error) {
	log := logger.GetLogger()

	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve skills dir: %w", err)
	}

	entries, err := os.ReadDir(absBase)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("dir", absBase).Msg("Skills directory does not exist, skipping")
			return nil, nil
		}
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var candidates []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(absBase, entry.Name())
		if isSkillDir(dir) {
			candidates = append(candidates, dir)
			continue
		}
		// One level deeper: skills may be grouped under a category dir.
		subEntries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, sub := range subEntries {
			if !sub.IsDir() {
				continue
			}
			subDir := filepath.Join(dir, sub.Name())
			if isSkillDir(subDir) {
				candidates = append(candidates, subDir)
			}
		}
	}

	var skills []*Skill
	for _, dir := range candidates {
		skill, err := loadSkill(dir)
		if err != nil {
			log.Warn().Str("dir", dir).Err(err).Msg("Failed to load skill")
			continue
		}
		skills = append(skills, skill)
		log.Info().
			Str("name", skill.Name).
			Str("version", skill.Version).
			Str("entry", filepath.Base(skill.EntryScript)).
			Msg("Loaded skill")
	}
	return skills, nil
}

// isSkillDir reports whether dir holds a manifest plus a scripts/
// directory. The entry script inside scripts/ is checked by loadSkill.
func isSkillDir(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, manifestFileName)); err != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(dir, scriptsDirName))
	return err == nil && info.IsDir()
}

// loadSkill loads a single skill from its directory.
func loadSkill(dir string) (*Skill, error) {
	manifest, err := parseManifest(filepath.Join(dir, manifestFileName))
	if err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	entry, err := findEntryScript(filepath.Join(dir, scriptsDirName))
	if err != nil {
		return nil, err
	}

	skill := &Skill{
		Name:         manifest.Name,
		Description:  manifest.Description,
		Version:      manifest.Version,
		SkillType:    manifest.SkillType,
		Path:         dir,
		EntryScript:  entry,
		AccessGroups: manifest.AccessGroups,
	}
	if skill.Name == "" {
		skill.Name = filepath.Base(dir)
	}

	// config.yaml overrides manifest values and may declare tools.
	if data, err := os.ReadFile(filepath.Join(dir, configFileName)); err == nil {
		var cfg skillConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configFileName, err)
		}
		applyConfig(skill, &cfg)
	}

	return skill, nil
}

// applyConfig overlays non-empty config.yaml values onto the skill.
func applyConfig(skill *Skill, cfg *skillConfig) {
	if cfg.Name != "" {
		skill.Name = cfg.Name
	}
	if cfg.Description != "" {
		skill.Description = cfg.Description
	}
	if cfg.Version != "" {
		skill.Version = cfg.Version
	}
	if cfg.SkillType != "" {
		skill.SkillType = cfg.SkillType
	}
	if len(cfg.AccessGroups) > 0 {
		skill.AccessGroups = cfg.AccessGroups
	}
	if len(cfg.Tools) > 0 {
		skill.Tools = cfg.Tools
	}
}

// parseManifest extracts YAML frontmatter from SKILL.md. The body below
// the frontmatter is free text and ignored here.
func parseManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	var inFrontmatter bool
	var yamlLines []string

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "---" {
			if inFrontmatter {
				break // end of frontmatter
			}
			inFrontmatter = true
			continue
		}
		if inFrontmatter {
			yamlLines = append(yamlLines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if len(yamlLines) == 0 {
		return nil, fmt.Errorf("no YAML frontmatter found in %s", path)
	}

	var manifest Manifest
	if err := yaml.Unmarshal([]byte(strings.Join(yamlLines, "\n")), &manifest); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	return &manifest, nil
}

// findEntryScript locates the single *_skill.* entry script in scripts/.
func findEntryScript(scriptsDir string) (string, error) {
	entries, err := os.ReadDir(scriptsDir)
	if err != nil {
		return "", fmt.Errorf("read scripts dir: %w", err)
	}

	var matches []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		base := strings.TrimSuffix(name, filepath.Ext(name))
		if strings.HasSuffix(base, "_skill") {
			matches = append(matches, filepath.Join(scriptsDir, name))
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no entry script matching *_skill.* in %s", scriptsDir)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("multiple entry scripts in %s", scriptsDir)
	}
}
